package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aura-classroom/backend/internal/models"
)

const (
	// ChannelClassStartingSoon is consumed by the notification service.
	ChannelClassStartingSoon = "notifications:class-starting-soon"
	claimTTL                 = 24 * time.Hour
)

// ClassStartingSoonEvent is published when a live session becomes joinable.
type ClassStartingSoonEvent struct {
	VideoID        string     `json:"videoId"`
	Title          string     `json:"title"`
	ScheduledStart *time.Time `json:"scheduledStart,omitempty"`
	SecondsToLive  int64      `json:"secondsToLive"`
}

// RedisNotifier publishes session transitions over Redis.
type RedisNotifier struct {
	client *redis.Client
	owner  string
}

// NewRedisNotifier creates a notifier. owner is recorded on claims.
func NewRedisNotifier(client *redis.Client, owner string) *RedisNotifier {
	return &RedisNotifier{client: client, owner: owner}
}

// Claim records the transition with SETNX; only the first caller per video and state wins.
func (n *RedisNotifier) Claim(ctx context.Context, videoID string, state State) (bool, error) {
	key := fmt.Sprintf("session:transition:%s:%s", videoID, state)
	ok, err := n.client.SetNX(ctx, key, n.owner, claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim transition: %w", err)
	}
	return ok, nil
}

// ClassStartingSoon publishes a class-starting-soon event.
func (n *RedisNotifier) ClassStartingSoon(ctx context.Context, d *models.VideoDescriptor, st Status) error {
	body, err := json.Marshal(ClassStartingSoonEvent{
		VideoID:        d.VideoID,
		Title:          d.Title,
		ScheduledStart: d.ScheduledStart,
		SecondsToLive:  st.SecondsToLive,
	})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, ChannelClassStartingSoon, body).Err()
}
