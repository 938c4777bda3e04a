package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/queue"
)

// EventSessionStatus is the realtime event carrying a session state change.
const EventSessionStatus = "session-status"

// Catalog supplies video descriptors.
type Catalog interface {
	GetVideo(ctx context.Context, id string) (*models.VideoDescriptor, error)
}

// Broadcaster sends an event to the local members of a video's room.
type Broadcaster interface {
	Broadcast(videoID, event string, payload interface{})
}

// Notifier announces session transitions to other services. Claim reports whether this
// instance is the first to see the transition, so side effects run once per cluster.
type Notifier interface {
	Claim(ctx context.Context, videoID string, state State) (bool, error)
	ClassStartingSoon(ctx context.Context, d *models.VideoDescriptor, st Status) error
}

// Archiver queues the chat transcript of an ended session.
type Archiver interface {
	EnqueueChatArchive(ctx context.Context, payload queue.ChatArchivePayload) error
}

// StatusPayload is the data of a session-status event.
type StatusPayload struct {
	VideoID string `json:"videoId"`
	Status  Status `json:"status"`
}

// WatcherConfig is shared by every watcher of a registry. Notifier and Archiver may be nil.
type WatcherConfig struct {
	Catalog     Catalog
	Broadcaster Broadcaster
	Notifier    Notifier
	Archiver    Archiver
	JoinWindow  time.Duration
	Interval    time.Duration
	Logger      *zap.Logger
}

// Watcher re-evaluates the gate for one live video while its chat room is open.
type Watcher struct {
	videoID string
	cfg     WatcherConfig
	now     func() time.Time
	logger  *zap.Logger
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	last    State
}

// NewWatcher creates a watcher for videoID.
func NewWatcher(videoID string, cfg WatcherConfig) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Watcher{
		videoID: videoID,
		cfg:     cfg,
		now:     time.Now,
		logger:  cfg.Logger.With(zap.String("video_id", videoID)),
		done:    make(chan struct{}),
	}
}

// Start begins the watch loop. Call Stop() to release resources.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
}

// Stop cancels the loop without waiting for it; it may be called while a room lock is held.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

// Done is closed once the loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	if !w.tick(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.tick(ctx) {
				return
			}
		}
	}
}

// tick evaluates the gate once. It returns false when there is nothing left to watch.
func (w *Watcher) tick(ctx context.Context) bool {
	d, err := w.cfg.Catalog.GetVideo(ctx, w.videoID)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("session watcher load failed", zap.Error(err))
		}
		return ctx.Err() == nil
	}
	sched, ok := ScheduleOf(d)
	if !ok {
		return false
	}
	st := Evaluate(sched, w.cfg.JoinWindow, w.now())
	if st.State == w.last {
		return true
	}
	prev := w.last
	w.last = st.State
	if prev != "" && w.cfg.Broadcaster != nil {
		w.cfg.Broadcaster.Broadcast(w.videoID, EventSessionStatus, StatusPayload{VideoID: w.videoID, Status: st})
	}
	w.logger.Info("session state", zap.String("from", string(prev)), zap.String("to", string(st.State)))

	switch st.State {
	case StateJoinable:
		if w.claim(ctx, st.State) && w.cfg.Notifier != nil {
			if err := w.cfg.Notifier.ClassStartingSoon(ctx, d, st); err != nil {
				w.logger.Warn("class starting soon notification failed", zap.Error(err))
			}
		}
	case StateEnded:
		if w.claim(ctx, st.State) && w.cfg.Archiver != nil {
			payload := queue.ChatArchivePayload{VideoID: w.videoID, EndedAt: w.now().UTC()}
			if err := w.cfg.Archiver.EnqueueChatArchive(ctx, payload); err != nil {
				w.logger.Warn("enqueue chat archive failed", zap.Error(err))
			}
		}
		return false
	}
	return true
}

func (w *Watcher) claim(ctx context.Context, state State) bool {
	if w.cfg.Notifier == nil {
		return true
	}
	ok, err := w.cfg.Notifier.Claim(ctx, w.videoID, state)
	if err != nil {
		w.logger.Warn("session transition claim failed", zap.String("state", string(state)), zap.Error(err))
		return false
	}
	return ok
}
