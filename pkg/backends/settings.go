package backends

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/internal/config"
)

// FromSettings builds the executor named by s.Executor. The redis executor
// pings the server before returning and closes its client on Close.
func FromSettings(ctx context.Context, s *config.Settings, graph *flowgraph.FunctionGraph, logger *zap.Logger) (flowgraph.TaskExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch s.Executor {
	case config.ExecutorSync, "":
		return NewSynchronous(), nil

	case config.ExecutorPool:
		return NewPool(s.MaxWorkers, WithPoolLogger(logger)), nil

	case config.ExecutorRemote:
		client := NewRedisClient(s.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", s.Redis.Addr, err)
		}
		transport := NewRedisTransport(client, WithRedisLogger(logger))
		remote := NewRemote(transport, graph, WithQueue(s.Redis.Queue), WithRemoteLogger(logger))
		return &clientRemote{Remote: remote, client: client}, nil

	default:
		return nil, fmt.Errorf("unknown executor: %s", s.Executor)
	}
}

// NewRedisClient opens a client for the configured server.
func NewRedisClient(s config.RedisSettings) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        s.Addr,
		Password:    s.Password,
		DB:          s.DB,
		DialTimeout: s.DialTimeout,
	})
}

type clientRemote struct {
	*Remote
	client *redis.Client
}

func (c *clientRemote) Close() error {
	if err := c.Remote.Close(); err != nil {
		return err
	}
	return c.client.Close()
}
