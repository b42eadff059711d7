package flowgraph

import (
	"fmt"
	"reflect"
	"strings"
)

// BranchStep is one yielded index of an expand node.
type BranchStep struct {
	Expand string `json:"expand"`
	Index  int    `json:"index"`
}

// BranchPath identifies one branch of (possibly nested) expand regions. Steps
// are ordered by the topological position of their expand nodes.
type BranchPath []BranchStep

// String renders the path as expand[i].inner[j]; the empty path renders as "".
func (p BranchPath) String() string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = fmt.Sprintf("%s[%d]", s.Expand, s.Index)
	}
	return strings.Join(parts, ".")
}

// Append returns a copy of p extended by one step.
func (p BranchPath) Append(expand string, index int) BranchPath {
	out := make(BranchPath, len(p), len(p)+1)
	copy(out, p)
	return append(out, BranchStep{Expand: expand, Index: index})
}

// Project keeps only the steps whose expand node is in scope, preserving order.
func (p BranchPath) Project(scope []string) BranchPath {
	if len(scope) == 0 {
		return nil
	}
	keep := make(map[string]struct{}, len(scope))
	for _, s := range scope {
		keep[s] = struct{}{}
	}
	var out BranchPath
	for _, step := range p {
		if _, ok := keep[step.Expand]; ok {
			out = append(out, step)
		}
	}
	return out
}

// Errored is a captured node failure inside an expand branch. It stands in for
// the branch's output at every downstream node of the same branch.
type Errored struct {
	Node   string     `json:"node"`
	Branch BranchPath `json:"branch,omitempty"`
	Cause  error      `json:"-"`
}

func (e *Errored) Error() string {
	if len(e.Branch) == 0 {
		return fmt.Sprintf("node '%s' errored: %v", e.Node, e.Cause)
	}
	return fmt.Sprintf("node '%s' errored in branch %s: %v", e.Node, e.Branch, e.Cause)
}

func (e *Errored) Unwrap() error {
	return e.Cause
}

// Result is the tagged outcome of one node in one branch: a value, or an
// Errored. Declare a parameter as Result (or []Result on a collect) to
// receive failed branches instead of being skipped.
type Result struct {
	value   any
	errored *Errored
}

// Value wraps a successful value.
func Value(v any) Result {
	return Result{value: v}
}

// Failed wraps a captured failure.
func Failed(e *Errored) Result {
	return Result{errored: e}
}

// IsErrored reports whether the result is a captured failure.
func (r Result) IsErrored() bool {
	return r.errored != nil
}

// Value returns the wrapped value, or nil for an errored result.
func (r Result) Value() any {
	return r.value
}

// Errored returns the captured failure, or nil.
func (r Result) Errored() *Errored {
	return r.errored
}

// Unwrap returns the value or the captured failure as an error.
func (r Result) Unwrap() (any, error) {
	if r.errored != nil {
		return nil, r.errored
	}
	return r.value, nil
}

func (r Result) String() string {
	if r.errored != nil {
		return fmt.Sprintf("Errored(%s)", r.errored.Node)
	}
	return fmt.Sprintf("Value(%v)", r.value)
}

var (
	resultType      = reflect.TypeOf(Result{})
	resultSliceType = reflect.TypeOf([]Result(nil))
)

// ResultType is the reflect type of Result.
func ResultType() reflect.Type { return resultType }

// ResultSliceType is the reflect type of []Result.
func ResultSliceType() reflect.Type { return resultSliceType }
