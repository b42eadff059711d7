package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph/pkg/eventbus"
)

const asyncSource = "flowgraph.driver"

// AsyncStatus reports on a background execution.
type AsyncStatus struct {
	RunID        string        `json:"run_id"`
	Outputs      []string      `json:"outputs"`
	State        RunState      `json:"state"`
	History      []RunState    `json:"history,omitempty"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	IsCancelled  bool          `json:"is_cancelled"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorStage   RunState      `json:"error_stage,omitempty"`
}

// ExecuteAsync starts Execute in the background and returns its run id.
// The execution outlives ctx; stop it with CancelAsync.
func (d *Driver) ExecuteAsync(ctx context.Context, outputs []string, opts ...ExecuteOption) (string, error) {
	if d.isClosed() {
		return "", ErrClosed
	}
	rc := d.newRun(outputs, opts)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rc.cancelFn = cancel

	d.asyncMu.Lock()
	if _, exists := d.async[rc.ID]; exists {
		d.asyncMu.Unlock()
		cancel()
		return "", fmt.Errorf("execution with ID '%s' already exists", rc.ID)
	}
	d.async[rc.ID] = rc
	d.asyncMu.Unlock()

	d.publish(eventbus.EventAsyncExecutionStarted, rc, nil)

	go func() {
		defer close(rc.done)
		defer cancel()

		_, err := d.machine().Execute(runCtx, rc)

		metadata := map[string]any{"duration_ms": rc.Duration().Milliseconds()}
		eventType := eventbus.EventAsyncExecutionSuccess
		switch rc.State() {
		case StateCancelled:
			eventType = eventbus.EventAsyncExecutionCancelled
		case StateError:
			eventType = eventbus.EventAsyncExecutionFailure
			metadata["error"] = err.Error()
			metadata["error_stage"] = string(rc.ErrorStage())
		}
		d.publish(eventType, rc, metadata)
	}()

	d.logger.Debug("async execution started", zap.String("run_id", rc.ID), zap.Strings("outputs", rc.Outputs))
	return rc.ID, nil
}

func (d *Driver) publish(t eventbus.EventType, rc *RunContext, metadata map[string]any) {
	if d.bus == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata["run_id"] = rc.ID
	if err := d.bus.Publish(context.Background(), eventbus.NewEvent(t, rc.Outputs, asyncSource, metadata)); err != nil {
		d.logger.Warn("failed to publish event", zap.String("type", string(t)), zap.Error(err))
	}
}

func (d *Driver) lookupAsync(runID string) (*RunContext, error) {
	d.asyncMu.RLock()
	defer d.asyncMu.RUnlock()
	rc, ok := d.async[runID]
	if !ok {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr(
			fmt.Sprintf("execution with ID '%s' not found", runID), nil))
	}
	return rc, nil
}

// AsyncStatus returns the current status of a background execution.
func (d *Driver) AsyncStatus(runID string) (*AsyncStatus, error) {
	rc, err := d.lookupAsync(runID)
	if err != nil {
		return nil, err
	}

	state := rc.State()
	status := &AsyncStatus{
		RunID:       rc.ID,
		Outputs:     rc.Outputs,
		State:       state,
		History:     rc.History(),
		Duration:    rc.Duration(),
		IsComplete:  state == StateComplete,
		HasError:    state == StateError,
		IsCancelled: state == StateCancelled,
	}
	if err := rc.Err(); err != nil {
		status.ErrorMessage = err.Error()
		status.ErrorStage = rc.ErrorStage()
	}
	return status, nil
}

// AsyncResult returns the outputs of a finished background execution. It
// does not block; use AwaitAsync to wait.
func (d *Driver) AsyncResult(runID string) (map[string]any, error) {
	rc, err := d.lookupAsync(runID)
	if err != nil {
		return nil, err
	}

	switch state := rc.State(); state {
	case StateComplete:
		return rc.Results, nil
	case StateError, StateCancelled:
		return nil, fmt.Errorf("execution %s during stage '%s': %w", state, rc.ErrorStage(), rc.Err())
	default:
		return nil, fmt.Errorf("execution is still in progress (current state: %s)", state)
	}
}

// AwaitAsync blocks until a background execution stops or ctx is done.
func (d *Driver) AwaitAsync(ctx context.Context, runID string) (map[string]any, error) {
	rc, err := d.lookupAsync(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-rc.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.AsyncResult(runID)
}

// CancelAsync stops a background execution. It returns false if the
// execution had already finished.
func (d *Driver) CancelAsync(runID string) (bool, error) {
	rc, err := d.lookupAsync(runID)
	if err != nil {
		return false, err
	}
	if rc.State().Terminal() {
		return false, nil
	}

	stage := rc.State()
	rc.SetCancelled(fmt.Errorf("execution cancelled by user"), stage)
	rc.cancel()
	d.logger.Info("async execution cancelled", zap.String("run_id", runID), zap.String("stage", string(stage)))
	return true, nil
}

// ListAsync returns every tracked background execution and its state.
func (d *Driver) ListAsync() map[string]RunState {
	d.asyncMu.RLock()
	defer d.asyncMu.RUnlock()

	out := make(map[string]RunState, len(d.async))
	for id, rc := range d.async {
		out[id] = rc.State()
	}
	return out
}

// CleanupCompleted forgets background executions that ended more than
// olderThan ago and returns how many were removed.
func (d *Driver) CleanupCompleted(olderThan time.Duration) int {
	d.asyncMu.Lock()
	defer d.asyncMu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for id, rc := range d.async {
		if rc.endedBefore(cutoff) {
			delete(d.async, id)
			count++
		}
	}
	return count
}
