package backends

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport is a Transport over Redis lists. Tasks are pushed onto the
// queue list; each reply goes to a per-task list that expires after
// ReplyTTL.
type RedisTransport struct {
	client   *redis.Client
	logger   *zap.Logger
	prefix   string
	poll     time.Duration
	replyTTL time.Duration
}

// RedisOption configures a RedisTransport.
type RedisOption func(*RedisTransport)

// WithRedisLogger sets the transport's logger.
func WithRedisLogger(logger *zap.Logger) RedisOption {
	return func(t *RedisTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithReplyTTL bounds how long an unread reply is kept.
func WithReplyTTL(ttl time.Duration) RedisOption {
	return func(t *RedisTransport) {
		t.replyTTL = ttl
	}
}

// NewRedisTransport creates a transport on client. The caller owns client.
func NewRedisTransport(client *redis.Client, opts ...RedisOption) *RedisTransport {
	t := &RedisTransport{
		client:   client,
		logger:   zap.NewNop(),
		prefix:   "flowgraph:reply:",
		poll:     time.Second,
		replyTTL: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RedisTransport) replyKey(taskID string) string {
	return t.prefix + taskID
}

func (t *RedisTransport) Dispatch(ctx context.Context, queue string, payload []byte) error {
	if err := t.client.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to dispatch task: %w", err)
	}
	return nil
}

func (t *RedisTransport) Receive(ctx context.Context, queue string) ([]byte, error) {
	return t.pop(ctx, queue)
}

func (t *RedisTransport) Reply(ctx context.Context, taskID string, payload []byte) error {
	key := t.replyKey(taskID)
	pipe := t.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.Expire(ctx, key, t.replyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}
	return nil
}

func (t *RedisTransport) Await(ctx context.Context, taskID string) ([]byte, error) {
	return t.pop(ctx, t.replyKey(taskID))
}

// pop blocks on key in short polls so cancellation is observed promptly.
func (t *RedisTransport) pop(ctx context.Context, key string) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := t.client.BRPop(ctx, t.poll, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			t.logger.Error("failed to read from list", zap.String("key", key), zap.Error(err))
			return nil, fmt.Errorf("failed to read from %s: %w", key, err)
		}
		// BRPop returns [key, value].
		if len(res) == 2 {
			return []byte(res[1]), nil
		}
	}
}
