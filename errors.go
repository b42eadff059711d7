package flowgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Stage identifies the phase a failure surfaced in.
type Stage string

const (
	StageBuild      Stage = "build"
	StageResolution Stage = "resolution"
	StageValidation Stage = "validation"
	StageExecution  Stage = "execution"
)

// Error codes for specific failure types
const (
	ErrCodeNameCollision           = "NAME_COLLISION"
	ErrCodeMissingImplementation   = "MISSING_IMPLEMENTATION"
	ErrCodeAmbiguousImplementation = "AMBIGUOUS_IMPLEMENTATION"
	ErrCodeInvalidDeclaration      = "INVALID_DECLARATION"
	ErrCodeInvalidExpansion        = "INVALID_EXPANSION"
	ErrCodeInvalidGuard            = "INVALID_GUARD"
	ErrCodeTypeMismatch            = "TYPE_MISMATCH"
	ErrCodeMissingOutput           = "MISSING_OUTPUT"
	ErrCodeUnresolvedDependency    = "UNRESOLVED_DEPENDENCY"
	ErrCodeCycle                   = "CYCLE"
	ErrCodeInvalidRegion           = "INVALID_REGION"
	ErrCodeValidator               = "VALIDATOR_REJECTED"
	ErrCodeNodeFailed              = "NODE_FAILED"
	ErrCodeBranchEscalated         = "BRANCH_ESCALATED"
	ErrCodeCancelled               = "EXECUTION_CANCELLED"
	ErrCodeTimeout                 = "EXECUTION_TIMEOUT"
	ErrCodeExecutor                = "EXECUTOR_ERROR"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// Edge is a producer -> consumer dependency.
type Edge struct {
	From string
	To   string
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -> %s", e.From, e.To)
}

// Error is the error type returned by every stage of graph construction and
// execution.
type Error struct {
	Stage   Stage    // Where the failure happened
	Code    string   // A machine-readable error code (e.g., ErrCodeCycle)
	Message string   // A human-readable message
	Nodes   []string // Offending node names, most relevant first
	Edge    *Edge    // Set for cycle errors
	Cause   error    // The underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s] %s", e.Stage, e.Code, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(stage Stage, code, message string, cause error, nodes ...string) *Error {
	return &Error{
		Stage:   stage,
		Code:    code,
		Message: message,
		Nodes:   nodes,
		Cause:   cause,
	}
}

// Specific error constructors

func NewBuildError(code, message string, cause error, nodes ...string) *Error {
	return NewError(StageBuild, code, message, cause, nodes...)
}

func NewNameCollisionError(name, firstModule, secondModule string) *Error {
	msg := fmt.Sprintf("node '%s' is declared in both '%s' and '%s'", name, firstModule, secondModule)
	return NewBuildError(ErrCodeNameCollision, msg, nil, name)
}

func NewMissingImplementationError(base string, candidates []string) *Error {
	msg := fmt.Sprintf("missing implementation for '%s': none of %v matches the configuration", base, candidates)
	return NewBuildError(ErrCodeMissingImplementation, msg, nil, base)
}

func NewAmbiguousImplementationError(base string, matched []string) *Error {
	msg := fmt.Sprintf("ambiguous implementation for '%s': %v all match the configuration", base, matched)
	return NewBuildError(ErrCodeAmbiguousImplementation, msg, nil, append([]string{base}, matched...)...)
}

func NewResolutionError(code, message string, cause error, nodes ...string) *Error {
	return NewError(StageResolution, code, message, cause, nodes...)
}

func NewUnresolvedDependencyError(dep, requester string) *Error {
	msg := fmt.Sprintf("dependency '%s' required by '%s' is not a node, input, or override", dep, requester)
	return NewResolutionError(ErrCodeUnresolvedDependency, msg, nil, dep, requester)
}

func NewMissingOutputError(name string) *Error {
	msg := fmt.Sprintf("requested output '%s' is not a node or input", name)
	return NewResolutionError(ErrCodeMissingOutput, msg, nil, name)
}

// NewCycleError reports a dependency cycle through edge.
func NewCycleError(edge Edge) *Error {
	err := NewResolutionError(ErrCodeCycle, fmt.Sprintf("dependency cycle through edge %s", edge), nil, edge.From, edge.To)
	err.Edge = &edge
	return err
}

func NewValidatorError(node, reason string, cause error) *Error {
	msg := fmt.Sprintf("validator rejected '%s': %s", node, reason)
	if node == "" {
		msg = fmt.Sprintf("validator rejected graph: %s", reason)
		return NewError(StageValidation, ErrCodeValidator, msg, cause)
	}
	return NewError(StageValidation, ErrCodeValidator, msg, cause, node)
}

func NewExecutionError(code, message string, cause error, nodes ...string) *Error {
	return NewError(StageExecution, code, message, cause, nodes...)
}

func NewNodeFailedError(node string, cause error) *Error {
	return NewExecutionError(ErrCodeNodeFailed, fmt.Sprintf("node '%s' failed", node), cause, node)
}

// NewEscalatedError reports an Errored branch reaching a collect that does
// not accept error values.
func NewEscalatedError(collect string, errored *Errored) *Error {
	msg := fmt.Sprintf("collect '%s' received a failed branch %s from '%s'", collect, errored.Branch, errored.Node)
	return NewExecutionError(ErrCodeBranchEscalated, msg, errored, collect, errored.Node)
}

func NewCancelledError(cause error) *Error {
	msg := "execution cancelled"
	if cause != nil && !errors.Is(cause, context.Canceled) {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewExecutionError(ErrCodeCancelled, msg, cause)
}

func NewInternalError(stage Stage, message string, cause error) *Error {
	return NewError(stage, ErrCodeInternal, message, cause)
}

func stageOf(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsBuildError reports whether err is a build-time failure.
func IsBuildError(err error) bool {
	fe, ok := stageOf(err)
	return ok && fe.Stage == StageBuild
}

// IsResolutionError reports whether err is a resolution failure, cycles included.
func IsResolutionError(err error) bool {
	fe, ok := stageOf(err)
	return ok && fe.Stage == StageResolution
}

func IsCycleError(err error) bool {
	fe, ok := stageOf(err)
	return ok && fe.Code == ErrCodeCycle
}

func IsExecutionError(err error) bool {
	fe, ok := stageOf(err)
	return ok && fe.Stage == StageExecution
}

// IsCancelled reports whether err ended an execution because its context
// was cancelled or timed out.
func IsCancelled(err error) bool {
	return HasCode(err, ErrCodeCancelled)
}

func IsValidatorError(err error) bool {
	fe, ok := stageOf(err)
	return ok && fe.Stage == StageValidation
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	fe, ok := stageOf(err)
	return ok && fe.Code == code
}
