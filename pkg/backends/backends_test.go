package backends

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/internal/config"
	"github.com/ZanzyTHEbar/flowgraph/internal/engine"
	"github.com/ZanzyTHEbar/flowgraph/internal/graphbuilder"
)

func fanOutGraph(t *testing.T) *flowgraph.FunctionGraph {
	t.Helper()
	m := flowgraph.NewModule("m",
		flowgraph.Define("vals", func() []int { return []int{1, 2, 3} }, flowgraph.AsExpand()),
		flowgraph.Define("f", func(v int) (int, error) {
			if v == 2 {
				return 0, errors.New("two")
			}
			return v * 10, nil
		}, flowgraph.Params("vals")),
		flowgraph.Define("collected", func(f []flowgraph.Result) int { return len(f) },
			flowgraph.Params("f"), flowgraph.AsCollect()),
	)
	g, err := graphbuilder.Build([]flowgraph.Module{m}, nil, graphbuilder.Options{})
	require.NoError(t, err)
	return g
}

func localTask(g *flowgraph.FunctionGraph, id string, nodes []string, branch flowgraph.BranchPath, inputs map[string]flowgraph.Result) *flowgraph.Task {
	task := &flowgraph.Task{ID: id, RunID: "run", Group: nodes[0], Nodes: nodes, Branch: branch, Inputs: inputs}
	runner := engine.NewRunner(g, engine.RunnerOptions{})
	task.Execute = func(ctx context.Context) (map[string]flowgraph.Result, error) {
		return runner.Run(ctx, task)
	}
	return task
}

func TestSynchronous_RecoversPanics(t *testing.T) {
	ex := NewSynchronous()
	defer ex.Close()

	task := &flowgraph.Task{ID: "t1", Execute: func(context.Context) (map[string]flowgraph.Result, error) {
		panic("kaboom")
	}}
	f, err := ex.Submit(context.Background(), task)
	require.NoError(t, err)

	select {
	case <-f.Done():
	default:
		t.Fatal("synchronous future should be done on return")
	}
	_, err = f.Result()
	assert.ErrorContains(t, err, "kaboom")
	assert.Equal(t, flowgraph.TaskStatusFailed, task.GetStatus())
}

func TestSynchronous_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Bool
	f, err := NewSynchronous().Submit(ctx, &flowgraph.Task{ID: "t", Execute: func(context.Context) (map[string]flowgraph.Result, error) {
		ran.Store(true)
		return nil, nil
	}})
	require.NoError(t, err)
	_, err = f.Result()
	assert.True(t, flowgraph.IsCancelled(err))
	assert.False(t, ran.Load())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var running, peak atomic.Int32

	var futures []flowgraph.Future
	for i := 0; i < 8; i++ {
		f, err := p.Submit(context.Background(), &flowgraph.Task{ID: "t", Execute: func(context.Context) (map[string]flowgraph.Result, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return map[string]flowgraph.Result{}, nil
		}})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	_, err := flowgraph.AwaitAll(futures, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err = p.Submit(context.Background(), &flowgraph.Task{ID: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPool_CloseNotBlockedBySaturatedSubmit(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})
	blocking := func(context.Context) (map[string]flowgraph.Result, error) {
		<-release
		return map[string]flowgraph.Result{}, nil
	}

	_, err := p.Submit(context.Background(), &flowgraph.Task{ID: "busy", Execute: blocking})
	require.NoError(t, err)

	queued := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), &flowgraph.Task{ID: "queued", Execute: blocking})
		queued <- err
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()

	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.closed
	}, time.Second, 5*time.Millisecond)

	_, err = p.Submit(context.Background(), &flowgraph.Task{ID: "late", Execute: blocking})
	assert.ErrorIs(t, err, ErrClosed)

	close(release)
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("close did not return")
	}
	if err := <-queued; err != nil {
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestCodec_TaskRoundTrip(t *testing.T) {
	g := fanOutGraph(t)
	c := NewCodec(g)
	branch := flowgraph.BranchPath{{Expand: "vals", Index: 1}}

	in := &flowgraph.Task{
		ID:    "t1",
		RunID: "r1",
		Group: "collected",
		Nodes: []string{"collected"},
		Inputs: map[string]flowgraph.Result{
			"f": flowgraph.Value([]flowgraph.Result{
				flowgraph.Value(10),
				flowgraph.Failed(&flowgraph.Errored{Node: "f", Branch: branch, Cause: errors.New("two")}),
				flowgraph.Value(30),
			}),
		},
	}
	payload, err := c.EncodeTask(in)
	require.NoError(t, err)

	out, err := c.DecodeTask(payload)
	require.NoError(t, err)
	assert.Equal(t, "t1", out.ID)
	assert.Equal(t, "r1", out.RunID)
	assert.Equal(t, []string{"collected"}, out.Nodes)

	seq, ok := out.Inputs["f"].Value().([]flowgraph.Result)
	require.True(t, ok)
	require.Len(t, seq, 3)
	assert.Equal(t, flowgraph.Value(10), seq[0])
	require.True(t, seq[1].IsErrored())
	assert.Equal(t, "f", seq[1].Errored().Node)
	assert.Equal(t, branch, seq[1].Errored().Branch)
	assert.EqualError(t, seq[1].Errored().Cause, "two")
	assert.Equal(t, flowgraph.Value(30), seq[2])
}

func TestCodec_BranchTaskAndReplies(t *testing.T) {
	g := fanOutGraph(t)
	c := NewCodec(g)
	branch := flowgraph.BranchPath{{Expand: "vals", Index: 0}}

	payload, err := c.EncodeTask(&flowgraph.Task{
		ID: "t2", Nodes: []string{"f"}, Branch: branch,
		Inputs: map[string]flowgraph.Result{"vals": flowgraph.Value(1)},
	})
	require.NoError(t, err)
	task, err := c.DecodeTask(payload)
	require.NoError(t, err)
	assert.Equal(t, branch, task.Branch)
	assert.Equal(t, flowgraph.Value(1), task.Inputs["vals"])

	reply, err := c.EncodeReply("t0", map[string]flowgraph.Result{"vals": flowgraph.Value([]any{1, 2, 3})}, nil)
	require.NoError(t, err)
	id, out, err := c.DecodeReply(reply)
	require.NoError(t, err)
	assert.Equal(t, "t0", id)
	assert.Equal(t, flowgraph.Value([]any{1, 2, 3}), out["vals"])

	reply, err = c.EncodeReply("t3", nil, flowgraph.NewNodeFailedError("f", errors.New("disk full")))
	require.NoError(t, err)
	_, _, err = c.DecodeReply(reply)
	require.Error(t, err)
	assert.True(t, flowgraph.HasCode(err, flowgraph.ErrCodeNodeFailed))
	assert.ErrorContains(t, err, "disk full")

	_, err = c.DecodeTask([]byte(`{"id":"t4","nodes":["f"],"inputs":{"nope":{"value":1}}}`))
	assert.ErrorContains(t, err, "no node reads input 'nope'")
}

func TestRemote_ThroughLoopbackWorker(t *testing.T) {
	g := fanOutGraph(t)
	lb := NewLoopback(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewWorker(g, lb, WithConcurrency(2))
	stopped := make(chan error, 1)
	go func() { stopped <- worker.Run(ctx) }()

	remote := NewRemote(lb, g)
	defer remote.Close()

	expand := localTask(g, "t-vals", []string{"vals"}, nil, nil)
	f, err := remote.Submit(ctx, expand)
	require.NoError(t, err)
	out, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, flowgraph.Value([]any{1, 2, 3}), out["vals"])

	branch := flowgraph.BranchPath{{Expand: "vals", Index: 1}}
	f, err = remote.Submit(ctx, localTask(g, "t-f", []string{"f"}, branch,
		map[string]flowgraph.Result{"vals": flowgraph.Value(2)}))
	require.NoError(t, err)
	out, err = f.Result()
	require.NoError(t, err)
	require.True(t, out["f"].IsErrored())
	assert.Equal(t, branch, out["f"].Errored().Branch)

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRemote_ErrorAcceptingCollectThroughLoopbackWorker(t *testing.T) {
	m := flowgraph.NewModule("m",
		flowgraph.Define("vals", func() []int { return []int{1, 2, 3} }, flowgraph.AsExpand()),
		flowgraph.Define("f", func(v int) int { return v * 10 }, flowgraph.Params("vals")),
		flowgraph.Define("collected", func(f []flowgraph.Result) []flowgraph.Result { return f },
			flowgraph.Params("f"), flowgraph.AsCollect()),
		flowgraph.Define("ok", func(c []flowgraph.Result) int {
			n := 0
			for _, r := range c {
				if !r.IsErrored() {
					n++
				}
			}
			return n
		}, flowgraph.Params("collected")),
	)
	g, err := graphbuilder.Build([]flowgraph.Module{m}, nil, graphbuilder.Options{})
	require.NoError(t, err)

	lb := NewLoopback(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewWorker(g, lb, WithConcurrency(2))
	go func() { _ = worker.Run(ctx) }()

	remote := NewRemote(lb, g)
	defer remote.Close()

	failed := flowgraph.Failed(&flowgraph.Errored{
		Node:   "f",
		Branch: flowgraph.BranchPath{{Expand: "vals", Index: 1}},
		Cause:  errors.New("two"),
	})
	gathered := flowgraph.Value([]flowgraph.Result{flowgraph.Value(10), failed, flowgraph.Value(30)})

	f, err := remote.Submit(ctx, localTask(g, "t-collect", []string{"collected"}, nil,
		map[string]flowgraph.Result{"f": gathered}))
	require.NoError(t, err)
	out, err := f.Result()
	require.NoError(t, err)

	seq, ok := out["collected"].Value().([]flowgraph.Result)
	require.True(t, ok)
	require.Len(t, seq, 3)
	assert.Equal(t, flowgraph.Value(10), seq[0])
	require.True(t, seq[1].IsErrored())
	assert.Equal(t, "vals[1]", seq[1].Errored().Branch.String())
	assert.Equal(t, flowgraph.Value(30), seq[2])

	f, err = remote.Submit(ctx, localTask(g, "t-ok", []string{"ok"}, nil,
		map[string]flowgraph.Result{"collected": out["collected"]}))
	require.NoError(t, err)
	out, err = f.Result()
	require.NoError(t, err)
	assert.Equal(t, flowgraph.Value(2), out["ok"])
}

func TestRemote_CancelStopsAwaiting(t *testing.T) {
	g := fanOutGraph(t)
	lb := NewLoopback(1)
	remote := NewRemote(lb, g)

	ctx, cancel := context.WithCancel(context.Background())
	f, err := remote.Submit(ctx, localTask(g, "t-orphan", []string{"vals"}, nil, nil))
	require.NoError(t, err)
	cancel()

	_, err = f.Result()
	require.Error(t, err)
	require.NoError(t, remote.Close())

	// A late reply for the abandoned task is dropped without blocking.
	done := make(chan error, 1)
	go func() { done <- lb.Reply(context.Background(), "t-orphan", []byte(`{}`)) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reply to abandoned task blocked")
	}
}

func TestLoopback_QueuesAreIndependent(t *testing.T) {
	lb := NewLoopback(2)
	ctx := context.Background()
	require.NoError(t, lb.Dispatch(ctx, "a", []byte("one")))
	require.NoError(t, lb.Dispatch(ctx, "b", []byte("two")))

	got, err := lb.Receive(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	short, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	_, err = lb.Receive(short, "c")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, lb.Reply(ctx, "t1", []byte("done")))
	got, err = lb.Await(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "done", string(got))
}

func TestFromSettings(t *testing.T) {
	g := fanOutGraph(t)
	tests := []struct {
		name     string
		executor string
		want     any
		wantErr  bool
	}{
		{name: "sync", executor: config.ExecutorSync, want: &Synchronous{}},
		{name: "default", executor: "", want: &Synchronous{}},
		{name: "pool", executor: config.ExecutorPool, want: &Pool{}},
		{name: "unknown", executor: "smoke-signals", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &config.Settings{Executor: tt.executor, MaxWorkers: 2}
			ex, err := FromSettings(context.Background(), s, g, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer ex.Close()
			assert.IsType(t, tt.want, ex)
		})
	}
}

func TestFromSettings_RedisUnreachable(t *testing.T) {
	s := &config.Settings{
		Executor: config.ExecutorRemote,
		Redis:    config.RedisSettings{Addr: "127.0.0.1:1", Queue: DefaultQueue, DialTimeout: 50 * time.Millisecond},
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := FromSettings(ctx, s, fanOutGraph(t), nil)
	assert.ErrorContains(t, err, "failed to connect to redis")
}
