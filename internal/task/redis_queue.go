package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/sungreong/openstream-gallery/internal/fault"
)

const redisPopBlock = 5 * time.Second

type redisQueue struct {
	client *redis.Client
	logger *slog.Logger
	key    string
	closed chan struct{}
	once   sync.Once
}

// NewRedisQueue constructs a Redis backed queue on the given list key.
// Queued task ids survive an orchestrator restart, so submitted work is not
// lost with the process.
func NewRedisQueue(addr, password string, db int, key string, logger *slog.Logger) (Queue, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if key == "" {
		key = "gallery:tasks"
	}
	return &redisQueue{
		client: client,
		logger: logger,
		key:    key,
		closed: make(chan struct{}),
	}, nil
}

func (q *redisQueue) Push(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.key, taskID).Err(); err != nil {
		return fault.Wrap(fault.KindTransient, err, "push task to queue")
	}
	return nil
}

func (q *redisQueue) Pop(ctx context.Context) (string, error) {
	for {
		select {
		case <-q.closed:
			return "", ErrQueueClosed
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		values, err := q.client.BRPop(ctx, redisPopBlock, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			q.logRedisError("brpop", err)
			select {
			case <-time.After(time.Second):
			case <-q.closed:
				return "", ErrQueueClosed
			case <-ctx.Done():
				return "", ctx.Err()
			}
			continue
		}
		// BRPOP answers with the list key followed by the popped value.
		if len(values) == 2 && values[1] != "" {
			return values[1], nil
		}
	}
}

func (q *redisQueue) Close() {
	q.once.Do(func() {
		close(q.closed)
		_ = q.client.Close()
	})
}

func (q *redisQueue) logRedisError(op string, err error) {
	if q.logger == nil {
		return
	}
	q.logger.Error("redis task queue error", "op", op, "error", err)
}
