// Package worker processes background chat jobs: retrying failed appends and archiving
// transcripts of ended sessions.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/internal/realtime"
	"github.com/aura-classroom/backend/pkg/queue"
	"github.com/aura-classroom/backend/pkg/storage"
)

// ChatLog is the durable chat store the worker writes to and archives from.
type ChatLog interface {
	Append(ctx context.Context, e models.ChatEvent) error
	Transcript(ctx context.Context, videoID string) ([]models.ChatEvent, error)
}

// RoomPublisher reaches the live rooms on every instance.
type RoomPublisher interface {
	PublishRoomEvent(videoID string, msg realtime.WSMessage) error
}

// ArchiveUploader stores transcript files.
type ArchiveUploader interface {
	UploadArchive(ctx context.Context, key string, body io.Reader) error
}

// JobQueue is the job source.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Transcript is the archived file body.
type Transcript struct {
	VideoID string             `json:"videoId"`
	EndedAt time.Time          `json:"endedAt"`
	Events  []models.ChatEvent `json:"events"`
}

// Processor executes chat jobs.
type Processor struct {
	chat      ChatLog
	publisher RoomPublisher
	archive   ArchiveUploader
	queue     JobQueue
	backoff   time.Duration
	logger    *zap.Logger
}

// NewProcessor creates a chat job processor. archive may be nil when S3 is not configured;
// archive jobs then fail and end in the dead-letter queue.
func NewProcessor(chat ChatLog, publisher RoomPublisher, archive ArchiveUploader, q JobQueue, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{chat: chat, publisher: publisher, archive: archive, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeChatPersist:
		var payload queue.ChatPersistPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.persist(ctx, payload)
	case queue.JobTypeChatArchive:
		var payload queue.ChatArchivePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.archiveTranscript(ctx, payload)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *Processor) persist(ctx context.Context, payload queue.ChatPersistPayload) error {
	e := payload.Event
	e.Pending = false
	if err := p.chat.Append(ctx, e); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	p.logger.Info("chat event persisted", zap.String("video_id", e.VideoID), zap.String("event_id", e.ID))
	if payload.TempID == "" || p.publisher == nil {
		return nil
	}
	msg, err := realtime.NewMessage(realtime.EventReconciled, realtime.ReconciledPayload{VideoID: e.VideoID, TempID: payload.TempID, ID: e.ID})
	if err != nil {
		return nil
	}
	if err := p.publisher.PublishRoomEvent(e.VideoID, msg); err != nil {
		// the append stands; clients keep the temporary id until they reload history
		p.logger.Warn("publish reconciliation failed", zap.String("video_id", e.VideoID), zap.String("temp_id", payload.TempID), zap.Error(err))
	}
	return nil
}

func (p *Processor) archiveTranscript(ctx context.Context, payload queue.ChatArchivePayload) error {
	if p.archive == nil {
		return fmt.Errorf("archive storage not configured")
	}
	events, err := p.chat.Transcript(ctx, payload.VideoID)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	if events == nil {
		events = []models.ChatEvent{}
	}
	body, err := json.Marshal(Transcript{VideoID: payload.VideoID, EndedAt: payload.EndedAt, Events: events})
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	key := storage.ChatArchiveKey(payload.VideoID, payload.EndedAt)
	if err := p.archive.UploadArchive(ctx, key, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("upload transcript: %w", err)
	}
	p.logger.Info("chat transcript archived", zap.String("video_id", payload.VideoID), zap.String("s3_key", key), zap.Int("events", len(events)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("chat worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("dequeue error", zap.Error(err))
				p.sleep(ctx)
			}
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
