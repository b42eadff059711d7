package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph"
)

// FileCache is a TTL cache persisted to a JSON file so cached node values
// survive restarts. Keys are "<node>|<arguments>"; values are decoded back
// into the declared type of the node the key names.
type FileCache struct {
	store  map[string]fileItem
	mutex  sync.RWMutex
	ttl    time.Duration
	path   string
	graph  *flowgraph.FunctionGraph
	logger *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type fileItem struct {
	Value      json.RawMessage `json:"value"`
	Expiration int64           `json:"expiration"`
}

// FileOption configures a FileCache.
type FileOption func(*FileCache)

// WithFileLogger sets the logger used for cache events.
func WithFileLogger(logger *zap.Logger) FileOption {
	return func(c *FileCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewFileCache opens the cache stored at path. A missing file starts an
// empty cache; an unreadable one is an error.
func NewFileCache(path string, defaultTTL time.Duration, graph *flowgraph.FunctionGraph, opts ...FileOption) (*FileCache, error) {
	c := &FileCache{
		store:  make(map[string]fileItem),
		ttl:    defaultTTL,
		path:   path,
		graph:  graph,
		logger: zap.NewNop(),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	go c.cleanupLoop(10 * time.Minute)
	return c, nil
}

func (c *FileCache) load() error {
	b, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cache file %s: %w", c.path, err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &c.store); err != nil {
		return fmt.Errorf("parse cache file %s: %w", c.path, err)
	}
	c.logger.Debug("cache file loaded", zap.String("path", c.path), zap.Int("entries", len(c.store)))
	return nil
}

// save writes the store through a temporary file. Callers hold the lock.
func (c *FileCache) save() error {
	b, err := json.Marshal(c.store)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path)
}

// Get retrieves an item. Missing and expired keys return a not-found error.
func (c *FileCache) Get(ctx context.Context, key string) (any, error) {
	if err := errbuilder.WrapIfContextDone(ctx, ctx.Err()); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	item, found := c.store[key]
	c.mutex.RUnlock()

	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}
	if time.Now().UnixNano() > item.Expiration {
		c.logger.Debug("cache item expired", zap.String("key", key))
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}
	return c.decode(key, item.Value)
}

// Set stores value and rewrites the file. Values that do not encode as JSON
// are rejected.
func (c *FileCache) Set(ctx context.Context, key string, value any) error {
	if err := errbuilder.WrapIfContextDone(ctx, ctx.Err()); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache item %s: %w", key, err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[key] = fileItem{
		Value:      raw,
		Expiration: time.Now().Add(c.ttl).UnixNano(),
	}
	if err := c.save(); err != nil {
		return fmt.Errorf("write cache file %s: %w", c.path, err)
	}
	c.logger.Debug("cache item set", zap.String("key", key))
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *FileCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.store)
}

// Close stops the background sweep and flushes the file.
func (c *FileCache) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mutex.Lock()
		err = c.save()
		c.mutex.Unlock()
	})
	return err
}

// decode rebuilds a value. An expand node's entry holds its yields.
func (c *FileCache) decode(key string, raw json.RawMessage) (any, error) {
	name, _, _ := strings.Cut(key, "|")
	var n *flowgraph.Node
	if c.graph != nil {
		n, _ = c.graph.Node(name)
	}
	if n == nil || n.Type == nil {
		var v any
		err := json.Unmarshal(raw, &v)
		return v, err
	}

	if n.Kind == flowgraph.KindExpand {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		values := make([]any, len(items))
		for i, item := range items {
			v, err := decodeAs(item, n.Type)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return values, nil
	}
	return decodeAs(raw, n.Type)
}

func decodeAs(raw json.RawMessage, typ reflect.Type) (any, error) {
	ptr := reflect.New(typ)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

func (c *FileCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *FileCache) sweep() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := time.Now().UnixNano()
	removed := 0
	for key, item := range c.store {
		if now > item.Expiration {
			delete(c.store, key)
			removed++
		}
	}
	if removed == 0 {
		return
	}
	if err := c.save(); err != nil {
		c.logger.Warn("cache file not written", zap.String("path", c.path), zap.Error(err))
	}
}
