package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/internal/graphbuilder"
	"github.com/ZanzyTHEbar/flowgraph/internal/grouper"
	"github.com/ZanzyTHEbar/flowgraph/internal/resolver"
)

type doneFuture struct {
	out map[string]flowgraph.Result
	err error
	ch  chan struct{}
}

func newDoneFuture(out map[string]flowgraph.Result, err error) *doneFuture {
	f := &doneFuture{out: out, err: err, ch: make(chan struct{})}
	close(f.ch)
	return f
}

func (f *doneFuture) Done() <-chan struct{}                        { return f.ch }
func (f *doneFuture) Result() (map[string]flowgraph.Result, error) { return f.out, f.err }
func (f *doneFuture) Cancel()                                      {}

// inlineExecutor runs each task before Submit returns.
type inlineExecutor struct {
	submitted atomic.Int32
}

func (e *inlineExecutor) Submit(ctx context.Context, task *flowgraph.Task) (flowgraph.Future, error) {
	e.submitted.Add(1)
	out, err := task.Execute(ctx)
	return newDoneFuture(out, err), nil
}

func (e *inlineExecutor) Close() error { return nil }

type asyncFuture struct {
	out map[string]flowgraph.Result
	err error
	ch  chan struct{}
}

func (f *asyncFuture) Done() <-chan struct{} { return f.ch }
func (f *asyncFuture) Result() (map[string]flowgraph.Result, error) {
	<-f.ch
	return f.out, f.err
}
func (f *asyncFuture) Cancel() {}

// shuffleExecutor runs every task on its own goroutine after a random delay
// so branches complete out of order.
type shuffleExecutor struct {
	maxDelay time.Duration
}

func (e *shuffleExecutor) Submit(ctx context.Context, task *flowgraph.Task) (flowgraph.Future, error) {
	f := &asyncFuture{ch: make(chan struct{})}
	delay := time.Duration(rand.Int63n(int64(e.maxDelay) + 1))
	go func() {
		defer close(f.ch)
		time.Sleep(delay)
		f.out, f.err = task.Execute(ctx)
	}()
	return f, nil
}

func (e *shuffleExecutor) Close() error { return nil }

type failingSubmitter struct{}

func (failingSubmitter) Submit(context.Context, *flowgraph.Task) (flowgraph.Future, error) {
	return nil, errors.New("queue full")
}

func (failingSubmitter) Close() error { return nil }

type compiled struct {
	graph *flowgraph.FunctionGraph
	plan  *grouper.Plan
	sub   *resolver.Subgraph
}

func compile(t *testing.T, req resolver.Request, modules ...flowgraph.Module) compiled {
	t.Helper()
	g, err := graphbuilder.Build(modules, nil, graphbuilder.Options{})
	require.NoError(t, err)
	sub, err := resolver.Resolve(g, req, nil)
	require.NoError(t, err)
	p, err := grouper.Build(g, sub)
	require.NoError(t, err)
	return compiled{graph: g, plan: p, sub: sub}
}

func (c compiled) run(ctx context.Context, opts Options) (*Outcome, error) {
	if opts.Executor == nil {
		opts.Executor = &inlineExecutor{}
	}
	return New(c.graph, opts).Run(ctx, "run-1", c.plan, c.sub.Provided)
}

func values(xs ...int) func() []int {
	return func() []int { return xs }
}

func failAbove(limit int) func(int) (int, error) {
	return func(v int) (int, error) {
		if v > limit {
			return 0, fmt.Errorf("%d is too large", v)
		}
		return v * 10, nil
	}
}

func TestRun_LinearRegion(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("vals", values(1, 2, 3), flowgraph.AsExpand()),
		flowgraph.Define("sq", func(v int) int { return v * v }, flowgraph.Params("vals")),
		flowgraph.Define("total", func(sq []int) int {
			sum := 0
			for _, v := range sq {
				sum += v
			}
			return sum
		}, flowgraph.Params("sq"), flowgraph.AsCollect()),
	)
	c := compile(t, resolver.Request{Outputs: []string{"total"}}, m)

	out, err := c.run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 14}, out.Values)
	assert.Equal(t, 3, out.Metrics.BranchesSpawned)
	assert.Equal(t, 5, out.Metrics.TasksSubmitted)
	assert.Equal(t, 5, out.Metrics.NodesSucceeded)
}

func TestRun_CollectOrderingWithShuffledCompletion(t *testing.T) {
	xs := make([]int, 25)
	for i := range xs {
		xs[i] = i
	}
	m := flowgraph.NewModule("m",
		flowgraph.Define("xs", values(xs...), flowgraph.AsExpand()),
		flowgraph.Define("neg", func(x int) int { return -x }, flowgraph.Params("xs")),
		flowgraph.Define("all", func(neg []int) []int { return neg }, flowgraph.Params("neg"), flowgraph.AsCollect()),
	)
	c := compile(t, resolver.Request{Outputs: []string{"all"}}, m)

	want := make([]int, len(xs))
	for i, x := range xs {
		want[i] = -x
	}
	for i := 0; i < 3; i++ {
		out, err := c.run(context.Background(), Options{Executor: &shuffleExecutor{maxDelay: 3 * time.Millisecond}})
		require.NoError(t, err)
		assert.Equal(t, want, out.Values["all"])
	}
}

func TestRun_EmptyExpand(t *testing.T) {
	var calls atomic.Int32
	m := flowgraph.NewModule("m",
		flowgraph.Define("vals", values(), flowgraph.AsExpand()),
		flowgraph.Define("f", func(v int) int { calls.Add(1); return v }, flowgraph.Params("vals")),
		flowgraph.Define("count", func(f []int) int { return len(f) }, flowgraph.Params("f"), flowgraph.AsCollect()),
	)
	c := compile(t, resolver.Request{Outputs: []string{"count"}}, m)

	out, err := c.run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Values["count"])
	assert.Zero(t, calls.Load())
}

func partialFailure(collect any) flowgraph.Module {
	return flowgraph.NewModule("m",
		flowgraph.Define("vals", values(1, 2, 6), flowgraph.AsExpand()),
		flowgraph.Define("f", failAbove(4), flowgraph.Params("vals")),
		flowgraph.Define("collected", collect, flowgraph.Params("f"), flowgraph.AsCollect()),
	)
}

func TestRun_PartialFailure(t *testing.T) {
	t.Run("non-opted collect escalates", func(t *testing.T) {
		c := compile(t, resolver.Request{Outputs: []string{"collected"}},
			partialFailure(func(f []int) []int { return f }))

		out, err := c.run(context.Background(), Options{})
		require.Error(t, err)
		assert.True(t, flowgraph.IsExecutionError(err))
		assert.True(t, flowgraph.HasCode(err, flowgraph.ErrCodeBranchEscalated))
		assert.Nil(t, out.Values)

		var fe *flowgraph.Error
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, []string{"collected", "f"}, fe.Nodes)
	})

	t.Run("opted collect receives failures", func(t *testing.T) {
		c := compile(t, resolver.Request{Outputs: []string{"collected"}},
			partialFailure(func(f []flowgraph.Result) []flowgraph.Result { return f }))

		out, err := c.run(context.Background(), Options{})
		require.NoError(t, err)

		seq, ok := out.Values["collected"].([]flowgraph.Result)
		require.True(t, ok)
		require.Len(t, seq, 3)
		assert.Equal(t, 10, seq[0].Value())
		assert.Equal(t, 20, seq[1].Value())
		require.True(t, seq[2].IsErrored())
		assert.Equal(t, "f", seq[2].Errored().Node)
		assert.Equal(t, flowgraph.BranchPath{{Expand: "vals", Index: 2}}, seq[2].Errored().Branch)
		assert.ErrorContains(t, seq[2].Errored(), "6 is too large")

		assert.Equal(t, 1, out.Metrics.NodesFailed)
	})
}

func TestRun_FailurePropagatesThroughBranch(t *testing.T) {
	var seen atomic.Int32
	m := flowgraph.NewModule("m",
		flowgraph.Define("vals", values(1, 6), flowgraph.AsExpand()),
		flowgraph.Define("f", failAbove(4), flowgraph.Params("vals")),
		flowgraph.Define("g", func(f int) int { seen.Add(1); return f + 1 }, flowgraph.Params("f")),
		flowgraph.Define("describe", func(g flowgraph.Result) string {
			if g.IsErrored() {
				return "failed at " + g.Errored().Node
			}
			return fmt.Sprint(g.Value())
		}, flowgraph.Params("g")),
		flowgraph.Define("all", func(describe []string) []string { return describe },
			flowgraph.Params("describe"), flowgraph.AsCollect()),
	)
	c := compile(t, resolver.Request{Outputs: []string{"all"}}, m)

	out, err := c.run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"11", "failed at f"}, out.Values["all"])
	assert.Equal(t, int32(1), seen.Load(), "g is skipped on the failed branch")
	assert.Equal(t, 1, out.Metrics.NodesSkipped)
}

func TestRun_NestedRegions(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("outer", values(2, 3), flowgraph.AsExpand()),
		flowgraph.Define("inner", func(outer int) []int {
			out := make([]int, 0, outer)
			for i := 0; i < outer; i++ {
				out = append(out, outer*10+i)
			}
			return out
		}, flowgraph.Params("outer"), flowgraph.AsExpand()),
		flowgraph.Define("item", func(inner int) int { return inner }, flowgraph.Params("inner")),
		flowgraph.Define("innerSum", func(item []int) int {
			sum := 0
			for _, v := range item {
				sum += v
			}
			return sum
		}, flowgraph.Params("item"), flowgraph.AsCollect()),
		flowgraph.Define("sums", func(innerSum []int) []int { return innerSum },
			flowgraph.Params("innerSum"), flowgraph.AsCollect()),
	)
	c := compile(t, resolver.Request{Outputs: []string{"sums"}}, m)

	for _, exec := range []flowgraph.TaskExecutor{&inlineExecutor{}, &shuffleExecutor{maxDelay: time.Millisecond}} {
		out, err := c.run(context.Background(), Options{Executor: exec})
		require.NoError(t, err)
		assert.Equal(t, []int{41, 93}, out.Values["sums"])
	}
}

func TestRun_FailedExpandInsideRegion(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("outer", values(1, 2), flowgraph.AsExpand()),
		flowgraph.Define("inner", func(outer int) ([]int, error) {
			if outer == 2 {
				return nil, errors.New("cannot split")
			}
			return []int{outer, outer}, nil
		}, flowgraph.Params("outer"), flowgraph.AsExpand()),
		flowgraph.Define("item", func(inner int) int { return inner }, flowgraph.Params("inner")),
		flowgraph.Define("count", func(item []int) int { return len(item) },
			flowgraph.Params("item"), flowgraph.AsCollect()),
		flowgraph.Define("counts", func(count []flowgraph.Result) []flowgraph.Result { return count },
			flowgraph.Params("count"), flowgraph.AsCollect()),
	)
	c := compile(t, resolver.Request{Outputs: []string{"counts"}}, m)

	out, err := c.run(context.Background(), Options{})
	require.NoError(t, err)

	seq := out.Values["counts"].([]flowgraph.Result)
	require.Len(t, seq, 2)
	assert.Equal(t, 2, seq[0].Value())
	require.True(t, seq[1].IsErrored())
	assert.Equal(t, "inner", seq[1].Errored().Node)
}

func TestRun_CrossProduct(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("a", values(1, 2), flowgraph.AsExpand()),
		flowgraph.Define("b", values(10, 20), flowgraph.AsExpand()),
		flowgraph.Define("pair", func(a, b int) int { return a + b }, flowgraph.Params("a", "b")),
		flowgraph.Define("byA", func(pair []int) []int { return pair }, flowgraph.Params("pair"), flowgraph.AsCollect()),
		flowgraph.Define("all", func(byA [][]int) [][]int { return byA }, flowgraph.Params("byA"), flowgraph.AsCollect()),
	)
	c := compile(t, resolver.Request{Outputs: []string{"all"}}, m)

	out, err := c.run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{11, 21}, {12, 22}}, out.Values["all"])
	assert.Equal(t, 4, out.Metrics.BranchesSpawned)
}

func TestRun_ProvidedValues(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("base", func(n int) int { return n }, flowgraph.Params("n")),
		flowgraph.Define("items", func(base int) []int { return make([]int, base) },
			flowgraph.Params("base"), flowgraph.AsExpand()),
		flowgraph.Define("plus", func(items, base int) int { return items + base }, flowgraph.Params("items", "base")),
		flowgraph.Define("total", func(plus []int) []int { return plus }, flowgraph.Params("plus"), flowgraph.AsCollect()),
	)

	t.Run("override", func(t *testing.T) {
		c := compile(t, resolver.Request{
			Outputs:   []string{"total"},
			Overrides: map[string]any{"base": 2},
		}, m)
		out, err := c.run(context.Background(), Options{})
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2}, out.Values["total"])
	})

	t.Run("supplied expand yields", func(t *testing.T) {
		c := compile(t, resolver.Request{
			Outputs:   []string{"total"},
			Inputs:    map[string]any{"n": 1},
			Overrides: map[string]any{"items": []int{5, 6, 7}},
		}, m)
		out, err := c.run(context.Background(), Options{})
		require.NoError(t, err)
		assert.Equal(t, []int{6, 7, 8}, out.Values["total"])
	})

	t.Run("supplied expand must be a sequence", func(t *testing.T) {
		c := compile(t, resolver.Request{
			Outputs:   []string{"total"},
			Inputs:    map[string]any{"n": 1},
			Overrides: map[string]any{"items": 5},
		}, m)
		_, err := c.run(context.Background(), Options{})
		require.Error(t, err)
		assert.True(t, flowgraph.HasCode(err, flowgraph.ErrCodeTypeMismatch))
	})
}

func TestRun_FatalErrorOutsideRegion(t *testing.T) {
	var downstream atomic.Int32
	m := flowgraph.NewModule("m",
		flowgraph.Define("a", func() (int, error) { return 0, errors.New("boom") }),
		flowgraph.Define("b", func(a int) int { downstream.Add(1); return a }, flowgraph.Params("a")),
		flowgraph.Define("c", func() int { return 1 }),
		flowgraph.Define("d", func(b, c int) int { return b + c }, flowgraph.Params("b", "c")),
	)
	c := compile(t, resolver.Request{Outputs: []string{"d"}}, m)

	out, err := c.run(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, flowgraph.HasCode(err, flowgraph.ErrCodeNodeFailed))
	assert.ErrorContains(t, err, "boom")
	assert.Zero(t, downstream.Load())
	assert.NotNil(t, out)
	assert.Nil(t, out.Values)
}

func TestRun_StopsSubmittingAfterInlineFailure(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("e1", func() ([]int, error) { return nil, errors.New("boom") }, flowgraph.AsExpand()),
		flowgraph.Define("e2", values(1), flowgraph.AsExpand()),
		flowgraph.Define("c", func(e1, e2 int) int { return e1 + e2 }, flowgraph.Params("e1", "e2")),
		flowgraph.Define("all", func(c []int) []int { return c }, flowgraph.Params("c"), flowgraph.AsCollect()),
		flowgraph.Define("each", func(all [][]int) [][]int { return all }, flowgraph.Params("all"), flowgraph.AsCollect()),
	)
	c := compile(t, resolver.Request{Outputs: []string{"each"}}, m)
	require.Len(t, c.plan.Waves[0], 2)

	exec := &inlineExecutor{}
	_, err := c.run(context.Background(), Options{Executor: exec})
	require.Error(t, err)
	assert.True(t, flowgraph.HasCode(err, flowgraph.ErrCodeNodeFailed))
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, int32(1), exec.submitted.Load())
}

func TestRun_SubmitFailure(t *testing.T) {
	m := flowgraph.NewModule("m", flowgraph.Define("a", func() int { return 1 }))
	c := compile(t, resolver.Request{Outputs: []string{"a"}}, m)

	_, err := c.run(context.Background(), Options{Executor: failingSubmitter{}})
	require.Error(t, err)
	assert.True(t, flowgraph.HasCode(err, flowgraph.ErrCodeExecutor))
	assert.ErrorContains(t, err, "queue full")
}

func TestRun_Cancellation(t *testing.T) {
	started := make(chan struct{})
	m := flowgraph.NewModule("m",
		flowgraph.Define("vals", values(1, 2), flowgraph.AsExpand()),
		flowgraph.Define("wait", func(ctx context.Context, v int) (int, error) {
			if v == 1 {
				close(started)
			}
			<-ctx.Done()
			return 0, ctx.Err()
		}, flowgraph.Params("vals")),
		flowgraph.Define("all", func(wait []flowgraph.Result) int { return len(wait) },
			flowgraph.Params("wait"), flowgraph.AsCollect()),
	)
	c := compile(t, resolver.Request{Outputs: []string{"all"}}, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	_, err := c.run(ctx, Options{Executor: &shuffleExecutor{maxDelay: time.Millisecond}})
	require.Error(t, err)
	assert.True(t, flowgraph.IsCancelled(err), "got %v", err)
}

func TestRun_NodeTimeoutInsideBranch(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("vals", values(1, 2), flowgraph.AsExpand()),
		flowgraph.Define("slow", func(ctx context.Context, v int) (int, error) {
			if v == 1 {
				return v, nil
			}
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Second):
				return v, nil
			}
		}, flowgraph.Params("vals")),
		flowgraph.Define("all", func(slow []flowgraph.Result) []flowgraph.Result { return slow },
			flowgraph.Params("slow"), flowgraph.AsCollect()),
	)
	c := compile(t, resolver.Request{Outputs: []string{"all"}}, m)

	out, err := c.run(context.Background(), Options{Runner: RunnerOptions{NodeTimeout: 10 * time.Millisecond}})
	require.NoError(t, err)
	seq := out.Values["all"].([]flowgraph.Result)
	require.Len(t, seq, 2)
	assert.Equal(t, 1, seq[0].Value())
	require.True(t, seq[1].IsErrored())
	assert.ErrorIs(t, seq[1].Errored(), context.DeadlineExceeded)
}

type recordingHooks struct {
	mu      sync.Mutex
	before  []string
	after   []string
	skipped []string
	tasks   int
	done    int
}

func (h *recordingHooks) BeforeNodeExecution(_ context.Context, info flowgraph.NodeRunInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = append(h.before, info.Node.Name+info.Branch.String())
}

func (h *recordingHooks) AfterNodeExecution(_ context.Context, o flowgraph.NodeRunOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after = append(h.after, o.Node.Name+o.Branch.String())
	if o.Skipped {
		h.skipped = append(h.skipped, o.Node.Name+o.Branch.String())
	}
}

func (h *recordingHooks) BeforeTaskSubmission(context.Context, *flowgraph.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks++
}

func (h *recordingHooks) AfterTaskCompletion(_ context.Context, task *flowgraph.Task, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil && task.GetStatus() == flowgraph.TaskStatusCompleted {
		h.done++
	}
}

func TestRun_Hooks(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("vals", values(1, 6), flowgraph.AsExpand()),
		flowgraph.Define("f", failAbove(4), flowgraph.Params("vals")),
		flowgraph.Define("g", func(f int) int { return f }, flowgraph.Params("f")),
		flowgraph.Define("all", func(g []flowgraph.Result) int { return len(g) },
			flowgraph.Params("g"), flowgraph.AsCollect()),
	)
	c := compile(t, resolver.Request{Outputs: []string{"all"}}, m)

	hooks := &recordingHooks{}
	_, err := c.run(context.Background(), Options{
		TaskHooks: []flowgraph.TaskExecutionHook{hooks},
		Runner:    RunnerOptions{Hooks: []flowgraph.NodeExecutionHook{hooks}},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, hooks.tasks)
	assert.Equal(t, 4, hooks.done)
	assert.ElementsMatch(t, []string{"vals", "fvals[0]", "fvals[1]", "gvals[0]", "gvals[1]", "all"}, hooks.before)
	assert.ElementsMatch(t, hooks.before, hooks.after)
	assert.Equal(t, []string{"gvals[1]"}, hooks.skipped)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]any
}

func (c *mapCache) Get(_ context.Context, key string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, errors.New("miss")
	}
	return v, nil
}

func (c *mapCache) Set(_ context.Context, key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func TestRun_ResultCache(t *testing.T) {
	var calls atomic.Int32
	m := flowgraph.NewModule("m",
		flowgraph.Define("expensive", func(n int) int { calls.Add(1); return n * 2 },
			flowgraph.Params("n"), flowgraph.Tag(CacheTag, true)),
		flowgraph.Define("cheap", func(expensive int) int { return expensive + 1 }, flowgraph.Params("expensive")),
	)
	cache := &mapCache{data: make(map[string]any)}
	opts := Options{Runner: RunnerOptions{Cache: cache}}

	for _, n := range []int{1, 1, 2} {
		c := compile(t, resolver.Request{Outputs: []string{"cheap"}, Inputs: map[string]any{"n": n}}, m)
		out, err := c.run(context.Background(), opts)
		require.NoError(t, err)
		assert.Equal(t, n*2+1, out.Values["cheap"])
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, cache.data, 2)
}
