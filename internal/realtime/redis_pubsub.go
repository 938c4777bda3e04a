package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "room:"
	publishTTL    = 5 * time.Second
)

// Transport fans room events out to other instances.
type Transport interface {
	PublishRoomEvent(videoID string, msg WSMessage) error
	SubscribeRoom(videoID string, handler func(msg WSMessage)) (cancel func(), err error)
}

// redisPayload is the message published to Redis for cross-instance broadcast.
type redisPayload struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	At     int64           `json:"at"`
}

// RedisPubSub implements Transport using Redis pub/sub. Messages published by the same
// instance id are not delivered back to it.
type RedisPubSub struct {
	client     *redis.Client
	instanceID string
	logger     *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for room events.
func NewRedisPubSub(client *redis.Client, instanceID string, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, instanceID: instanceID, logger: logger}
}

// RoomChannel is the Redis channel of a video's room.
func RoomChannel(videoID string) string {
	return channelPrefix + videoID
}

// PublishRoomEvent publishes an event to the room's Redis channel.
func (r *RedisPubSub) PublishRoomEvent(videoID string, msg WSMessage) error {
	body, err := json.Marshal(redisPayload{Origin: r.instanceID, Event: msg.Event, Data: msg.Data, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTTL)
	defer cancel()
	return r.client.Publish(ctx, RoomChannel(videoID), body).Err()
}

// SubscribeRoom subscribes to a room's Redis channel and calls handler for each message from
// another instance. Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeRoom(videoID string, handler func(msg WSMessage)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, RoomChannel(videoID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Debug("dropping malformed room event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if p.Origin == r.instanceID {
					continue
				}
				handler(WSMessage{Event: p.Event, Data: p.Data})
			}
		}
	}()
	return cancelCtx, nil
}
