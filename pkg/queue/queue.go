package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/models"
)

const (
	// QueueChatPersist is the Redis list key for chat events whose live append failed.
	QueueChatPersist = "worker:chat_persist"
	// QueueChatArchive is the Redis list key for chat transcript archive jobs.
	QueueChatArchive = "worker:chat_archive"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 5
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// dequeueWait bounds each BLPOP so the worker loop can observe cancellation.
	dequeueWait = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeChatPersist JobType = "chat_event_persist"
	JobTypeChatArchive JobType = "chat_transcript_archive"
)

var queueByType = map[JobType]string{
	JobTypeChatPersist: QueueChatPersist,
	JobTypeChatArchive: QueueChatArchive,
}

// ChatPersistPayload carries a degraded chat event. TempID is what clients saw live.
type ChatPersistPayload struct {
	TempID string           `json:"temp_id"`
	Event  models.ChatEvent `json:"event"`
}

// ChatArchivePayload asks for a transcript upload of one video's chat.
type ChatArchivePayload struct {
	VideoID string    `json:"video_id"`
	EndedAt time.Time `json:"ended_at"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueChatPersist enqueues a retry of a chat event append.
func (q *Queue) EnqueueChatPersist(ctx context.Context, payload ChatPersistPayload) error {
	return q.enqueue(ctx, JobTypeChatPersist, payload)
}

// EnqueueChatArchive enqueues a chat transcript archive job.
func (q *Queue) EnqueueChatArchive(ctx context.Context, payload ChatArchivePayload) error {
	return q.enqueue(ctx, JobTypeChatArchive, payload)
}

func (q *Queue) enqueue(ctx context.Context, typ JobType, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   body,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, queueByType[typ], raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("type", string(typ)))
	return nil
}

// Dequeue waits up to a few seconds for a job. Returns nil job when none arrived.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, dequeueWait, QueueChatPersist, QueueChatArchive).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("queue", result[0]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	key, ok := queueByType[job.Type]
	if !ok {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
