package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/internal/grouper"
	"github.com/ZanzyTHEbar/flowgraph/internal/resolver"
)

// RunState is the phase an execution is in.
type RunState string

const (
	StateInit      RunState = "init"
	StateResolving RunState = "resolving"
	StatePlanning  RunState = "planning"
	StateExecuting RunState = "executing"
	StateComplete  RunState = "complete"
	StateError     RunState = "error"
	StateCancelled RunState = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s RunState) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateCancelled
}

// RunContext carries one execution through the state machine. Phase
// results are only touched by the goroutine running the machine; state and
// error fields may be read concurrently.
type RunContext struct {
	ID       string
	Outputs  []string
	Request  resolver.Request
	Executor flowgraph.TaskExecutor

	Subgraph *resolver.Subgraph
	Plan     *grouper.Plan
	Results  map[string]any
	Metrics  flowgraph.ExecutionMetrics

	mu              sync.RWMutex
	current         RunState
	history         []RunState
	lastErr         error
	errStage        RunState
	startTime       time.Time
	endTime         time.Time
	stateStartTimes map[RunState]time.Time

	cancelFn context.CancelFunc
	done     chan struct{}
}

// NewRunContext creates a context in StateInit.
func NewRunContext(id string, req resolver.Request, executor flowgraph.TaskExecutor) *RunContext {
	now := time.Now()
	return &RunContext{
		ID:              id,
		Outputs:         req.Outputs,
		Request:         req,
		Executor:        executor,
		current:         StateInit,
		startTime:       now,
		stateStartTimes: map[RunState]time.Time{StateInit: now},
		done:            make(chan struct{}),
	}
}

// State returns the current phase.
func (rc *RunContext) State() RunState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.current
}

// History lists the phases left so far, oldest first.
func (rc *RunContext) History() []RunState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return append([]RunState(nil), rc.history...)
}

// Err returns the error that ended the run.
func (rc *RunContext) Err() error {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.lastErr
}

// ErrorStage returns the phase the run failed or was cancelled in.
func (rc *RunContext) ErrorStage() RunState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.errStage
}

// Done is closed once the machine has stopped.
func (rc *RunContext) Done() <-chan struct{} {
	return rc.done
}

// enter moves to next. It has no effect once the run is terminal.
func (rc *RunContext) enter(next RunState) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.current.Terminal() {
		return false
	}
	now := time.Now()
	rc.history = append(rc.history, rc.current)
	rc.current = next
	rc.stateStartTimes[next] = now
	if next.Terminal() {
		rc.endTime = now
	}
	return true
}

// SetError ends the run with err unless it has already ended.
func (rc *RunContext) SetError(err error, stage RunState) {
	rc.finish(StateError, err, stage)
}

// SetCancelled ends the run as cancelled unless it has already ended.
func (rc *RunContext) SetCancelled(err error, stage RunState) {
	rc.finish(StateCancelled, err, stage)
}

// Complete ends the run successfully.
func (rc *RunContext) Complete() {
	rc.enter(StateComplete)
}

func (rc *RunContext) finish(state RunState, err error, stage RunState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.current.Terminal() {
		return
	}
	now := time.Now()
	rc.lastErr = err
	rc.errStage = stage
	rc.history = append(rc.history, rc.current)
	rc.current = state
	rc.stateStartTimes[state] = now
	rc.endTime = now
}

// Duration is the wall time so far, or until the run ended.
func (rc *RunContext) Duration() time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.current.Terminal() {
		return rc.endTime.Sub(rc.startTime)
	}
	return time.Since(rc.startTime)
}

// endedBefore reports whether the run is terminal and ended before t.
func (rc *RunContext) endedBefore(t time.Time) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.current.Terminal() && rc.endTime.Before(t)
}

func (rc *RunContext) cancel() {
	if rc.cancelFn != nil {
		rc.cancelFn()
	}
}

// Transition runs one phase and names the next.
type Transition func(ctx context.Context, rc *RunContext) (RunState, error)

// StateMachine drives a RunContext from StateInit to a terminal state.
type StateMachine struct {
	transitions map[RunState]Transition
	logger      *zap.Logger
}

// NewStateMachine creates a machine with no transitions.
func NewStateMachine(logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{
		transitions: make(map[RunState]Transition),
		logger:      logger,
	}
}

// RegisterTransition sets the transition leaving state.
func (sm *StateMachine) RegisterTransition(state RunState, t Transition) {
	sm.transitions[state] = t
}

// Execute runs transitions until the run is terminal and returns its
// results or the error that ended it.
func (sm *StateMachine) Execute(ctx context.Context, rc *RunContext) (map[string]any, error) {
	logger := sm.logger.With(zap.String("run_id", rc.ID))

	for {
		state := rc.State()
		if state.Terminal() {
			break
		}
		if err := ctx.Err(); err != nil {
			rc.SetCancelled(flowgraph.NewCancelledError(err), state)
			break
		}

		transition, ok := sm.transitions[state]
		if !ok {
			rc.SetError(flowgraph.NewInternalError(flowgraph.StageExecution,
				fmt.Sprintf("no transition defined for state: %s", state), nil), state)
			break
		}

		next, err := transition(ctx, rc)
		if err != nil {
			if isCancellation(err) {
				rc.SetCancelled(err, state)
			} else {
				rc.SetError(err, state)
			}
			logger.Debug("run ended", zap.String("state", string(state)), zap.Error(err))
			break
		}
		if rc.enter(next) {
			logger.Debug("state changed", zap.String("from", string(state)), zap.String("to", string(next)))
		}
	}

	if rc.State() == StateComplete {
		return rc.Results, nil
	}
	return nil, rc.Err()
}

// isCancellation distinguishes a cancelled run from a failed one. A node
// that failed on its own deadline is a failure.
func isCancellation(err error) bool {
	var fe *flowgraph.Error
	if errors.As(err, &fe) {
		return flowgraph.IsCancelled(err)
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
