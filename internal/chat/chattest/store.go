// Package chattest provides an in-memory chat store for tests.
package chattest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/aura-classroom/backend/internal/chat"
	"github.com/aura-classroom/backend/internal/models"
)

// ErrUnavailable is returned by a Store switched to failing mode.
var ErrUnavailable = errors.New("chattest: store unavailable")

var _ chat.Store = (*Store)(nil)

// Store is a concurrency-safe in-memory chat.Store with the same idempotency rules as the
// Postgres repository.
type Store struct {
	mu           sync.Mutex
	events       []models.ChatEvent
	ids          map[string]bool
	joined       map[string]bool
	failing      bool
	historyCalls int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{ids: make(map[string]bool), joined: make(map[string]bool)}
}

// SetFailing makes every subsequent call fail (or succeed again).
func (s *Store) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

// Append implements chat.Store.
func (s *Store) Append(_ context.Context, e models.ChatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return ErrUnavailable
	}
	s.insert(e)
	return nil
}

// AppendJoinOnce implements chat.Store.
func (s *Store) AppendJoinOnce(_ context.Context, e models.ChatEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return false, ErrUnavailable
	}
	return s.insert(e), nil
}

func (s *Store) insert(e models.ChatEvent) bool {
	if s.ids[e.ID] {
		return false
	}
	if e.Kind == models.ChatEventJoin {
		key := e.VideoID + "\x00" + e.UserID
		if s.joined[key] {
			return false
		}
		s.joined[key] = true
	}
	s.ids[e.ID] = true
	s.events = append(s.events, e)
	return true
}

// History implements chat.Store.
func (s *Store) History(_ context.Context, videoID string, limit int, kinds ...models.ChatEventKind) ([]models.ChatEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyCalls++
	if s.failing {
		return nil, ErrUnavailable
	}
	limit = chat.ClampLimit(limit)
	var out []models.ChatEvent
	for _, e := range s.events {
		if e.VideoID != videoID || !matches(e.Kind, kinds) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]models.ChatEvent{}, out...), nil
}

// Transcript returns every event of videoID, oldest first.
func (s *Store) Transcript(_ context.Context, videoID string) ([]models.ChatEvent, error) {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return nil, ErrUnavailable
	}
	out := s.Events(videoID)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// HistoryCalls reports how many History reads reached the store.
func (s *Store) HistoryCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyCalls
}

// Events returns every stored event of videoID in insertion order.
func (s *Store) Events(videoID string) []models.ChatEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ChatEvent
	for _, e := range s.events {
		if e.VideoID == videoID {
			out = append(out, e)
		}
	}
	return out
}

func matches(k models.ChatEventKind, kinds []models.ChatEventKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
