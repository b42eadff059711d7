package backends

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/ZanzyTHEbar/flowgraph"
)

// Codec encodes tasks and their replies as JSON. Values are decoded back
// into the declared Go types of the graph both sides were built from.
type Codec struct {
	graph *flowgraph.FunctionGraph
}

// NewCodec creates a Codec for graph.
func NewCodec(graph *flowgraph.FunctionGraph) *Codec {
	return &Codec{graph: graph}
}

type taskEnvelope struct {
	ID     string                `json:"id"`
	RunID  string                `json:"run_id"`
	Group  string                `json:"group"`
	Nodes  []string              `json:"nodes"`
	Branch flowgraph.BranchPath  `json:"branch,omitempty"`
	Inputs map[string]wireResult `json:"inputs,omitempty"`
}

type replyEnvelope struct {
	TaskID  string                `json:"task_id"`
	Results map[string]wireResult `json:"results,omitempty"`
	Error   *wireError            `json:"error,omitempty"`
}

type wireResult struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Items   []wireResult    `json:"items,omitempty"`
	List    bool            `json:"list,omitempty"`
	Yields  bool            `json:"yields,omitempty"`
	Errored *wireErrored    `json:"errored,omitempty"`
}

type wireErrored struct {
	Node    string               `json:"node"`
	Branch  flowgraph.BranchPath `json:"branch,omitempty"`
	Message string               `json:"message"`
}

type wireError struct {
	Stage   flowgraph.Stage `json:"stage,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
	Nodes   []string        `json:"nodes,omitempty"`
}

// EncodeTask serialises everything a worker needs to run task.
func (c *Codec) EncodeTask(task *flowgraph.Task) ([]byte, error) {
	env := taskEnvelope{
		ID:     task.ID,
		RunID:  task.RunID,
		Group:  task.Group,
		Nodes:  task.Nodes,
		Branch: task.Branch,
		Inputs: make(map[string]wireResult, len(task.Inputs)),
	}
	for name, r := range task.Inputs {
		w, err := encodeResult(r)
		if err != nil {
			return nil, fmt.Errorf("encode input '%s' of task %s: %w", name, task.ID, err)
		}
		env.Inputs[name] = w
	}
	return json.Marshal(env)
}

// DecodeTask rebuilds a task. Its Execute field is left for the worker.
func (c *Codec) DecodeTask(payload []byte) (*flowgraph.Task, error) {
	var env taskEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	task := &flowgraph.Task{
		ID:     env.ID,
		RunID:  env.RunID,
		Group:  env.Group,
		Nodes:  env.Nodes,
		Branch: env.Branch,
		Inputs: make(map[string]flowgraph.Result, len(env.Inputs)),
	}
	for name, w := range env.Inputs {
		dep, ok := c.consumer(env.Nodes, name)
		if !ok {
			return nil, fmt.Errorf("decode task %s: no node reads input '%s'", env.ID, name)
		}
		var (
			r   flowgraph.Result
			err error
		)
		if dep.Collected {
			r, err = decodeResult(w, c.itemType(dep))
		} else {
			r, err = decodeResult(w, c.listed(c.inputType(dep), dep.Name))
		}
		if err != nil {
			return nil, fmt.Errorf("decode input '%s' of task %s: %w", name, env.ID, err)
		}
		task.Inputs[name] = r
	}
	return task, nil
}

// EncodeReply serialises a task's outcome.
func (c *Codec) EncodeReply(taskID string, out map[string]flowgraph.Result, runErr error) ([]byte, error) {
	env := replyEnvelope{TaskID: taskID}
	if runErr != nil {
		env.Error = toWireError(runErr)
		return json.Marshal(env)
	}
	env.Results = make(map[string]wireResult, len(out))
	for name, r := range out {
		var (
			w   wireResult
			err error
		)
		if n, ok := c.graph.Node(name); ok && n.Kind == flowgraph.KindExpand && !r.IsErrored() {
			w, err = encodeYields(r.Value())
		} else {
			w, err = encodeResult(r)
		}
		if err != nil {
			env.Results = nil
			env.Error = toWireError(flowgraph.NewNodeFailedError(name, fmt.Errorf("encode result: %w", err)))
			return json.Marshal(env)
		}
		env.Results[name] = w
	}
	return json.Marshal(env)
}

// DecodeReply rebuilds a task's outcome.
func (c *Codec) DecodeReply(payload []byte) (string, map[string]flowgraph.Result, error) {
	var env replyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", nil, fmt.Errorf("decode reply: %w", err)
	}
	if env.Error != nil {
		return env.TaskID, nil, env.Error.toError()
	}
	out := make(map[string]flowgraph.Result, len(env.Results))
	for name, w := range env.Results {
		var typ reflect.Type
		if n, ok := c.graph.Node(name); ok {
			typ = c.listed(n.Type, name)
		}
		r, err := decodeResult(w, typ)
		if err != nil {
			return env.TaskID, nil, fmt.Errorf("decode result '%s': %w", name, err)
		}
		out[name] = r
	}
	return env.TaskID, out, nil
}

// consumer finds the dependency through which the task's nodes read name.
func (c *Codec) consumer(nodes []string, name string) (flowgraph.Dependency, bool) {
	for _, nodeName := range nodes {
		n, ok := c.graph.Node(nodeName)
		if !ok {
			continue
		}
		if dep, ok := n.Dependency(name); ok {
			return dep, true
		}
	}
	return flowgraph.Dependency{}, false
}

// producerType is the declared type of the node named like dep, if any.
func (c *Codec) producerType(dep flowgraph.Dependency) reflect.Type {
	if n, ok := c.graph.Node(dep.Name); ok {
		return n.Type
	}
	return nil
}

// listed maps a []Result value produced by the node called name to the
// type of its items. Only an error-accepting collect declares that type;
// its items carry the collected producer's values.
func (c *Codec) listed(typ reflect.Type, name string) reflect.Type {
	if typ != flowgraph.ResultSliceType() {
		return typ
	}
	n, ok := c.graph.Node(name)
	if !ok || n.Kind != flowgraph.KindCollect {
		return nil
	}
	for _, dep := range n.Inputs {
		if dep.Collected && dep.AcceptsErrors {
			return c.producerType(dep)
		}
	}
	return nil
}

func (c *Codec) inputType(dep flowgraph.Dependency) reflect.Type {
	if dep.AcceptsErrors {
		return c.producerType(dep)
	}
	return dep.Type
}

func (c *Codec) itemType(dep flowgraph.Dependency) reflect.Type {
	if dep.AcceptsErrors || dep.Type == nil {
		return c.producerType(dep)
	}
	return dep.Type.Elem()
}

func encodeResult(r flowgraph.Result) (wireResult, error) {
	if e := r.Errored(); e != nil {
		msg := ""
		if e.Cause != nil {
			msg = e.Cause.Error()
		}
		return wireResult{Errored: &wireErrored{Node: e.Node, Branch: e.Branch, Message: msg}}, nil
	}

	switch v := r.Value().(type) {
	case []flowgraph.Result:
		items := make([]wireResult, len(v))
		for i, item := range v {
			w, err := encodeResult(item)
			if err != nil {
				return wireResult{}, err
			}
			items[i] = w
		}
		return wireResult{Items: items, List: true}, nil
	}

	raw, err := json.Marshal(r.Value())
	if err != nil {
		return wireResult{}, err
	}
	return wireResult{Value: raw}, nil
}

func encodeYields(v any) (wireResult, error) {
	values, _ := v.([]any)
	items := make([]wireResult, len(values))
	for i, item := range values {
		w, err := encodeResult(flowgraph.Value(item))
		if err != nil {
			return wireResult{}, err
		}
		items[i] = w
	}
	return wireResult{Items: items, Yields: true}, nil
}

// decodeResult rebuilds a Result. Items become []flowgraph.Result for a
// gathered collect input and []any for an expand's yields; typ is the
// element type in both cases.
func decodeResult(w wireResult, typ reflect.Type) (flowgraph.Result, error) {
	if w.Errored != nil {
		return flowgraph.Failed(&flowgraph.Errored{
			Node:   w.Errored.Node,
			Branch: w.Errored.Branch,
			Cause:  errors.New(w.Errored.Message),
		}), nil
	}

	if w.List || w.Yields {
		if w.List {
			seq := make([]flowgraph.Result, len(w.Items))
			for i, item := range w.Items {
				r, err := decodeResult(item, typ)
				if err != nil {
					return flowgraph.Result{}, err
				}
				seq[i] = r
			}
			return flowgraph.Value(seq), nil
		}
		values := make([]any, len(w.Items))
		for i, item := range w.Items {
			r, err := decodeResult(item, typ)
			if err != nil {
				return flowgraph.Result{}, err
			}
			values[i] = r.Value()
		}
		return flowgraph.Value(values), nil
	}

	v, err := decodeValue(w.Value, typ)
	if err != nil {
		return flowgraph.Result{}, err
	}
	return flowgraph.Value(v), nil
}

func decodeValue(raw json.RawMessage, typ reflect.Type) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		if typ == nil {
			return nil, nil
		}
		return reflect.Zero(typ).Interface(), nil
	}
	if typ == nil {
		var v any
		err := json.Unmarshal(raw, &v)
		return v, err
	}
	ptr := reflect.New(typ)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

func toWireError(err error) *wireError {
	var fe *flowgraph.Error
	if errors.As(err, &fe) {
		msg := fe.Message
		if fe.Cause != nil {
			msg = fmt.Sprintf("%s: %v", fe.Message, fe.Cause)
		}
		return &wireError{Stage: fe.Stage, Code: fe.Code, Message: msg, Nodes: fe.Nodes}
	}
	return &wireError{Message: err.Error()}
}

func (w *wireError) toError() error {
	if w.Code == "" {
		return errors.New(w.Message)
	}
	return flowgraph.NewError(w.Stage, w.Code, w.Message, nil, w.Nodes...)
}
