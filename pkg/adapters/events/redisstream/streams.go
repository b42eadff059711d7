// Package redisstream implements eventbus.EventBus on Redis Streams so that
// tracking events leave the process.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph/pkg/eventbus"
)

// DefaultPrefix is prepended to the event type to form a stream key.
const DefaultPrefix = "flowgraph:events:"

// EventBus publishes every event to the stream of its type. Subscribers
// read through a consumer group, so several processes sharing a group
// split the events between them.
type EventBus struct {
	client        *redis.Client
	logger        *zap.Logger
	prefix        string
	consumerGroup string
	consumerName  string
	maxLen        int64

	mu     sync.Mutex
	closed bool
	subs   map[string]context.CancelFunc
	wg     sync.WaitGroup
}

var _ eventbus.EventBus = (*EventBus)(nil)

// Option configures an EventBus.
type Option func(*EventBus)

// WithPrefix sets the stream key prefix.
func WithPrefix(prefix string) Option {
	return func(e *EventBus) { e.prefix = prefix }
}

// WithConsumer sets the consumer group and name used by subscriptions.
func WithConsumer(group, name string) Option {
	return func(e *EventBus) {
		e.consumerGroup = group
		e.consumerName = name
	}
}

// WithMaxLen caps each stream at roughly n entries.
func WithMaxLen(n int64) Option {
	return func(e *EventBus) { e.maxLen = n }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *EventBus) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an EventBus on client. The caller owns client.
func New(client *redis.Client, opts ...Option) *EventBus {
	e := &EventBus{
		client:        client,
		logger:        zap.NewNop(),
		prefix:        DefaultPrefix,
		consumerGroup: "flowgraph",
		consumerName:  uuid.NewString(),
		subs:          make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StreamKey returns the stream an event type is published to.
func (e *EventBus) StreamKey(t eventbus.EventType) string {
	return e.prefix + string(t)
}

// Publish appends event to its stream.
func (e *EventBus) Publish(ctx context.Context, event eventbus.Event) error {
	if e.isClosed() {
		return eventbus.ErrClosed
	}
	data, err := Encode(event)
	if err != nil {
		return err
	}

	streamKey := e.StreamKey(event.Type())
	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"data": string(data)},
	}
	if e.maxLen > 0 {
		args.MaxLen = e.maxLen
		args.Approx = true
	}
	id, err := e.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	e.logger.Debug("event published",
		zap.String("message_id", id),
		zap.String("type", string(event.Type())),
		zap.String("stream", streamKey))
	return nil
}

// Subscribe reads the streams of eventTypes until Unsubscribe or Close.
func (e *EventBus) Subscribe(eventTypes []eventbus.EventType, handler eventbus.EventHandler) (string, error) {
	if handler == nil {
		return "", errors.New("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return "", errors.New("at least one event type is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", eventbus.ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	keys := make([]string, 0, len(eventTypes))
	for _, t := range eventTypes {
		key := e.StreamKey(t)
		err := e.client.XGroupCreateMkStream(ctx, key, e.consumerGroup, "$").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			cancel()
			return "", fmt.Errorf("failed to create consumer group: %w", err)
		}
		keys = append(keys, key)
	}

	id := uuid.NewString()
	e.subs[id] = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.readStreams(ctx, keys, handler)
	}()

	e.logger.Info("subscribed to event streams",
		zap.Strings("streams", keys),
		zap.String("consumer_group", e.consumerGroup),
		zap.String("consumer", e.consumerName))
	return id, nil
}

// SubscribeAll is not supported: streams are per event type.
func (e *EventBus) SubscribeAll(eventbus.EventHandler) (string, error) {
	return "", errors.New("redis stream event bus requires explicit event types")
}

// Unsubscribe stops a subscription's reader.
func (e *EventBus) Unsubscribe(subscriptionID string) error {
	e.mu.Lock()
	cancel, ok := e.subs[subscriptionID]
	delete(e.subs, subscriptionID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("subscription '%s' not found", subscriptionID)
	}
	cancel()
	return nil
}

// Close stops every reader. The client is left open.
func (e *EventBus) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, cancel := range e.subs {
		cancel()
		delete(e.subs, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *EventBus) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *EventBus) readStreams(ctx context.Context, keys []string, handler eventbus.EventHandler) {
	streams := make([]string, 0, 2*len(keys))
	streams = append(streams, keys...)
	for range keys {
		streams = append(streams, ">")
	}

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := e.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    e.consumerGroup,
			Consumer: e.consumerName,
			Streams:  streams,
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("failed to read from streams", zap.Strings("streams", keys), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range res {
			for _, message := range stream.Messages {
				e.processMessage(ctx, stream.Stream, message, handler)
			}
		}
	}
}

func (e *EventBus) processMessage(ctx context.Context, streamKey string, message redis.XMessage, handler eventbus.EventHandler) {
	data, ok := message.Values["data"].(string)
	if !ok {
		e.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
		return
	}

	event, err := Decode([]byte(data))
	if err != nil {
		e.logger.Error("failed to unmarshal event",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := handler(ctx, event); err != nil {
		e.logger.Error("handler error",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := e.client.XAck(ctx, streamKey, e.consumerGroup, message.ID).Err(); err != nil {
		e.logger.Error("failed to acknowledge message",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

type wireEvent struct {
	Type      eventbus.EventType `json:"type"`
	Payload   any                `json:"payload,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	Timestamp int64              `json:"timestamp"`
	Source    string             `json:"source"`
}

// Encode renders an event as stream message data.
func Encode(event eventbus.Event) ([]byte, error) {
	data, err := json.Marshal(wireEvent{
		Type:      event.Type(),
		Payload:   event.Payload(),
		Metadata:  event.Metadata(),
		Timestamp: event.Timestamp(),
		Source:    event.Source(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// Decode rebuilds an event. Payload and metadata values come back as
// generic JSON values.
func Decode(data []byte) (eventbus.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &receivedEvent{w: w}, nil
}

type receivedEvent struct {
	w wireEvent
}

func (r *receivedEvent) Type() eventbus.EventType { return r.w.Type }
func (r *receivedEvent) Payload() any             { return r.w.Payload }
func (r *receivedEvent) Metadata() map[string]any { return r.w.Metadata }
func (r *receivedEvent) Timestamp() int64         { return r.w.Timestamp }
func (r *receivedEvent) Source() string           { return r.w.Source }
