// Package tools provides the calculator pipeline used by the flowgraph
// command. It fans a list of arithmetic expressions out into one branch each
// and gathers the outcomes into a report, keeping failed expressions instead
// of aborting the run.
package tools

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/driver"
)

// MaxExpressionLength bounds a single expression.
const MaxExpressionLength = 100

// Report summarises an evaluation run. Results and Failures are keyed by
// the expression text.
type Report struct {
	Results  map[string]float64 `json:"results"`
	Failures map[string]string  `json:"failures,omitempty"`
	Total    float64            `json:"total"`
}

// Sorted returns the evaluated expressions in lexical order.
func (r Report) Sorted() []string {
	keys := make([]string, 0, len(r.Results))
	for k := range r.Results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CalculatorModule declares the pipeline. It reads the input
// "expression_list" and the optional configuration keys "mode" ("strict"
// rejects non-finite results) and "precision" (decimal places, default 2).
func CalculatorModule() flowgraph.Module {
	return flowgraph.NewModule("calculator",
		flowgraph.Define("expression", SplitExpressions,
			flowgraph.Params("expression_list"),
			flowgraph.AsExpand(),
			flowgraph.Doc("One branch per non-blank expression.")),
		flowgraph.Define("checked", ValidateExpression,
			flowgraph.Params("expression")),
		flowgraph.Define("raw_value", Evaluate,
			flowgraph.Params("checked"),
			flowgraph.Tag(driver.CacheTag, true)),
		flowgraph.Define("value__strict", requireFinite,
			flowgraph.Params("raw_value"),
			flowgraph.When("mode", "strict")),
		flowgraph.Define("value__lenient", func(v float64) float64 { return v },
			flowgraph.Params("raw_value"),
			flowgraph.WhenNot("mode", "strict")),
		flowgraph.Define("rounded", Round,
			flowgraph.Params("value", "precision"),
			flowgraph.Default("precision", 2)),
		flowgraph.Define("labelled", label,
			flowgraph.Params("expression", "rounded")),
		flowgraph.Define("evaluations", func(items []flowgraph.Result) []flowgraph.Result { return items },
			flowgraph.Params("labelled"),
			flowgraph.AsCollect()),
		flowgraph.Define("report", BuildReport,
			flowgraph.Params("evaluations", "expression_list")),
	)
}

// SplitExpressions trims the list and drops blank entries.
func SplitExpressions(list []string) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// ValidateExpression rejects expressions that are too long or do not parse.
func ValidateExpression(expr string) (string, error) {
	if len(expr) > MaxExpressionLength {
		return "", fmt.Errorf("expression too long (max %d characters)", MaxExpressionLength)
	}
	if _, err := govaluate.NewEvaluableExpression(expr); err != nil {
		return "", fmt.Errorf("invalid expression %q: %w", expr, err)
	}
	return expr, nil
}

// Evaluate computes a numeric expression.
func Evaluate(ctx context.Context, expr string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ev, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return 0, err
	}
	res, err := ev.Evaluate(map[string]interface{}{})
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	v, ok := res.(float64)
	if !ok {
		return 0, fmt.Errorf("expression %q is not numeric (got %T)", expr, res)
	}
	return v, nil
}

func requireFinite(v float64) (float64, error) {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("result is not finite: %v", v)
	}
	return v, nil
}

// Round rounds v to precision decimal places.
func Round(v float64, precision int) float64 {
	if precision < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	p := math.Pow(10, float64(precision))
	return math.Round(v*p) / p
}

// Evaluation is one expression and its rounded value.
type Evaluation struct {
	Expression string  `json:"expression"`
	Value      float64 `json:"value"`
}

func label(expr string, v float64) Evaluation {
	return Evaluation{Expression: expr, Value: v}
}

// BuildReport folds the branch outcomes. A failed branch is reported under
// the expression at the same position.
func BuildReport(items []flowgraph.Result, list []string) Report {
	exprs := SplitExpressions(list)
	r := Report{Results: make(map[string]float64)}
	for i, item := range items {
		if item.IsErrored() {
			if r.Failures == nil {
				r.Failures = make(map[string]string)
			}
			key := fmt.Sprintf("#%d", i)
			if i < len(exprs) {
				key = exprs[i]
			}
			r.Failures[key] = item.Errored().Error()
			continue
		}
		ev, ok := item.Value().(Evaluation)
		if !ok {
			continue
		}
		r.Results[ev.Expression] = ev.Value
		if !math.IsInf(ev.Value, 0) && !math.IsNaN(ev.Value) {
			r.Total += ev.Value
		}
	}
	return r
}
