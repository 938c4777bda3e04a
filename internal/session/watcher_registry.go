package session

import "sync"

// WatcherRegistry holds running watchers per video (thread-safe). It is told about room
// lifetimes by the chat hub.
type WatcherRegistry struct {
	mu       sync.Mutex
	cfg      WatcherConfig
	watchers map[string]*Watcher
}

// NewWatcherRegistry creates a registry whose watchers share cfg.
func NewWatcherRegistry(cfg WatcherConfig) *WatcherRegistry {
	return &WatcherRegistry{cfg: cfg, watchers: make(map[string]*Watcher)}
}

// Start starts the watcher for videoID if not already running. Non-live videos stop on
// their first tick.
func (reg *WatcherRegistry) Start(videoID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.watchers[videoID] != nil {
		return
	}
	w := NewWatcher(videoID, reg.cfg)
	reg.watchers[videoID] = w
	w.Start()
}

// Stop stops the watcher for videoID and removes it from the registry.
func (reg *WatcherRegistry) Stop(videoID string) {
	reg.mu.Lock()
	w := reg.watchers[videoID]
	delete(reg.watchers, videoID)
	reg.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// Running returns the number of registered watchers.
func (reg *WatcherRegistry) Running() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.watchers)
}
