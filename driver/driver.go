// Package driver is the entry point into flowgraph. A Driver builds one
// FunctionGraph from a set of modules and a configuration mapping, then
// computes requested outputs against it.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Knetic/govaluate"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/internal/cache"
	"github.com/ZanzyTHEbar/flowgraph/internal/config"
	"github.com/ZanzyTHEbar/flowgraph/internal/engine"
	"github.com/ZanzyTHEbar/flowgraph/internal/graphbuilder"
	"github.com/ZanzyTHEbar/flowgraph/pkg/adapters/tracking"
	"github.com/ZanzyTHEbar/flowgraph/pkg/backends"
	"github.com/ZanzyTHEbar/flowgraph/pkg/eventbus"
)

// CacheTag marks nodes whose values may be served from the result cache.
const CacheTag = engine.CacheTag

// Cache stores values of nodes tagged with CacheTag across executions.
type Cache = engine.Cache

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("driver is closed")

// Driver owns a built graph. It is safe for concurrent use; the graph is
// shared read-only and every execution keeps its own state.
type Driver struct {
	graph    *flowgraph.FunctionGraph
	logger   *zap.Logger
	executor flowgraph.TaskExecutor
	builder  flowgraph.ResultBuilder
	bus      eventbus.EventBus
	cache    Cache
	checker  flowgraph.TypeChecker
	timeout  time.Duration

	graphHooks []flowgraph.GraphExecutionHook
	taskHooks  []flowgraph.TaskExecutionHook
	nodeHooks  []flowgraph.NodeExecutionHook

	owned []io.Closer

	asyncMu sync.RWMutex
	async   map[string]*RunContext

	closeOnce sync.Once
	closed    chan struct{}
}

type settings struct {
	config          map[string]any
	adapters        []flowgraph.LifecycleAdapter
	validators      []flowgraph.StaticValidator
	graphValidators []flowgraph.GraphValidator
	logger          *zap.Logger
	checker         flowgraph.TypeChecker
	allowOverrides  bool
	guardFuncs      map[string]govaluate.ExpressionFunction
	executor        flowgraph.TaskExecutor
	builder         flowgraph.ResultBuilder
	bus             eventbus.EventBus
	cache           Cache
	taskTimeout     time.Duration
	fromEnv         bool
	errs            []error
}

// Option configures a Driver.
type Option func(*settings)

// WithConfig merges entries into the configuration mapping. Later options
// win on conflicting keys.
func WithConfig(cfg map[string]any) Option {
	return func(s *settings) {
		for k, v := range cfg {
			s.config[k] = v
		}
	}
}

// WithConfigFile merges a YAML or HCL file into the configuration mapping.
func WithConfigFile(path string) Option {
	return func(s *settings) {
		cfg, err := config.LoadFile(path)
		if err != nil {
			s.errs = append(s.errs, err)
			return
		}
		for k, v := range cfg {
			s.config[k] = v
		}
	}
}

// WithAdapters registers lifecycle adapters. Each adapter is attached to
// every hook interface it implements.
func WithAdapters(adapters ...flowgraph.LifecycleAdapter) Option {
	return func(s *settings) {
		s.adapters = append(s.adapters, adapters...)
	}
}

// WithValidators registers per-node validators run at build time.
func WithValidators(validators ...flowgraph.StaticValidator) Option {
	return func(s *settings) {
		s.validators = append(s.validators, validators...)
	}
}

// WithGraphValidators registers whole-graph validators run at build time.
func WithGraphValidators(validators ...flowgraph.GraphValidator) Option {
	return func(s *settings) {
		s.graphValidators = append(s.graphValidators, validators...)
	}
}

// WithLogger sets the logger threaded through every component.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTypeChecker replaces the edge compatibility check.
func WithTypeChecker(checker flowgraph.TypeChecker) Option {
	return func(s *settings) {
		s.checker = checker
	}
}

// WithAllowModuleOverrides lets a later module replace a node of an
// earlier one instead of failing the build.
func WithAllowModuleOverrides() Option {
	return func(s *settings) {
		s.allowOverrides = true
	}
}

// WithGuardFunctions makes functions available to WhenExpr guards.
func WithGuardFunctions(funcs map[string]govaluate.ExpressionFunction) Option {
	return func(s *settings) {
		if s.guardFuncs == nil {
			s.guardFuncs = make(map[string]govaluate.ExpressionFunction, len(funcs))
		}
		for name, fn := range funcs {
			s.guardFuncs[name] = fn
		}
	}
}

// WithExecutor sets the default backend. The caller keeps ownership.
func WithExecutor(executor flowgraph.TaskExecutor) Option {
	return func(s *settings) {
		s.executor = executor
	}
}

// WithResultBuilder sets the builder used by Materialize.
func WithResultBuilder(builder flowgraph.ResultBuilder) Option {
	return func(s *settings) {
		s.builder = builder
	}
}

// WithEventBus publishes lifecycle and async execution events to bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(s *settings) {
		s.bus = bus
	}
}

// WithResultCache serves nodes tagged with CacheTag from cache.
func WithResultCache(c Cache) Option {
	return func(s *settings) {
		s.cache = c
	}
}

// WithTaskTimeout bounds each node body. A timeout inside a branch fails
// only that branch.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.taskTimeout = d
	}
}

// WithEnvConfig reads runtime settings from FLOWGRAPH_* environment
// variables. Explicit options take precedence over the environment.
func WithEnvConfig() Option {
	return func(s *settings) {
		s.fromEnv = true
	}
}

// New builds the graph from modules. Build errors, validator vetoes and
// configuration errors are returned before anything runs.
func New(modules []flowgraph.Module, opts ...Option) (*Driver, error) {
	s := &settings{config: make(map[string]any)}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.errs) > 0 {
		return nil, fmt.Errorf("failed to configure driver: %w", errors.Join(s.errs...))
	}

	d := &Driver{
		builder: MapResult{},
		async:   make(map[string]*RunContext),
		closed:  make(chan struct{}),
	}

	var env *config.Settings
	if s.fromEnv {
		var err error
		if env, err = config.Load(); err != nil {
			return nil, err
		}
		if err := d.applyEnv(s, env); err != nil {
			return nil, err
		}
	}

	d.logger = s.logger
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.checker = s.checker
	if d.checker == nil {
		d.checker = flowgraph.AssignableTypes
	}
	if s.builder != nil {
		d.builder = s.builder
	}
	d.bus = s.bus
	d.cache = s.cache
	d.timeout = s.taskTimeout

	graph, err := graphbuilder.Build(modules, s.config, graphbuilder.Options{
		TypeChecker:     d.checker,
		AllowOverrides:  s.allowOverrides,
		GuardFunctions:  s.guardFuncs,
		Validators:      s.validators,
		GraphValidators: s.graphValidators,
		Logger:          d.logger,
	})
	if err != nil {
		d.closeOwned()
		return nil, err
	}
	d.graph = graph

	if d.cache == nil && env != nil && env.CacheFile != "" {
		fc, err := cache.NewFileCache(env.CacheFile, env.CacheTTL, graph, cache.WithFileLogger(d.logger))
		if err != nil {
			d.closeOwned()
			return nil, err
		}
		d.cache = fc
		d.owned = append(d.owned, fc)
	}

	d.executor = s.executor
	if d.executor == nil && env != nil {
		ctx, cancel := context.WithTimeout(context.Background(), env.Redis.DialTimeout)
		d.executor, err = backends.FromSettings(ctx, env, graph, d.logger)
		cancel()
		if err != nil {
			d.closeOwned()
			return nil, err
		}
		d.owned = append(d.owned, d.executor)
	}
	if d.executor == nil {
		d.executor = backends.NewSynchronous()
	}

	adapters := s.adapters
	if d.bus != nil {
		adapters = append(adapters, tracking.New(d.bus, tracking.WithLogger(d.logger)))
	}
	for _, a := range adapters {
		if h, ok := a.(flowgraph.GraphConstructionHook); ok {
			h.AfterGraphBuilt(graph)
		}
		if h, ok := a.(flowgraph.GraphExecutionHook); ok {
			d.graphHooks = append(d.graphHooks, h)
		}
		if h, ok := a.(flowgraph.TaskExecutionHook); ok {
			d.taskHooks = append(d.taskHooks, h)
		}
		if h, ok := a.(flowgraph.NodeExecutionHook); ok {
			d.nodeHooks = append(d.nodeHooks, h)
		}
	}

	d.logger.Info("graph built",
		zap.Int("nodes", graph.Len()),
		zap.Int("modules", len(modules)))
	return d, nil
}

// applyEnv fills whatever the explicit options left unset.
func (d *Driver) applyEnv(s *settings, env *config.Settings) error {
	if env.ConfigFile != "" {
		cfg, err := config.LoadFile(env.ConfigFile)
		if err != nil {
			return err
		}
		merged := make(map[string]any, len(cfg)+len(s.config))
		for k, v := range cfg {
			merged[k] = v
		}
		for k, v := range s.config {
			merged[k] = v
		}
		s.config = merged
	}
	if s.logger == nil {
		logger, err := config.NewLogger(env)
		if err != nil {
			return err
		}
		s.logger = logger
	}
	if s.taskTimeout == 0 {
		s.taskTimeout = env.TaskTimeout
	}
	if s.cache == nil && env.CacheTTL > 0 && env.CacheFile == "" {
		c := cache.NewInMemoryCache(env.CacheTTL, env.CacheTTL, cache.WithLogger(s.logger))
		s.cache = c
		d.owned = append(d.owned, c)
	}
	return nil
}

// Graph returns the built graph.
func (d *Driver) Graph() *flowgraph.FunctionGraph {
	return d.graph
}

// Close cancels outstanding async executions and releases what the driver
// created itself. Executors, caches and buses passed in as options are left
// to the caller.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		d.asyncMu.RLock()
		for _, rc := range d.async {
			rc.cancel()
		}
		d.asyncMu.RUnlock()
		err = d.closeOwned()
	})
	return err
}

func (d *Driver) closeOwned() error {
	var errs []error
	for i := len(d.owned) - 1; i >= 0; i-- {
		if err := d.owned[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.owned = nil
	return errors.Join(errs...)
}

func (d *Driver) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}
