// Package rules implements the restricted predicate language evaluated
// against each changed path during a monitoring cycle. Predicates are parsed
// once into an AST and interpreted over a fixed environment: the path's
// current and previous metrics, the full current sample, the diff, a glob
// aggregate reducer, and an injected historical-metric lookup.
//
// The language is deliberately not a scripting hook. There is no attribute
// access beyond metric fields and diff buckets, no module or import
// mechanism, no assignment, and no I/O; the only side-effectful capability is
// the History callback the host chooses to provide. Every failure mode is an
// error value, never a panic.
package rules

import (
	"fmt"
	"math"
	"strings"

	"github.com/eventwatcher/eventwatcher/internal/diff"
	"github.com/eventwatcher/eventwatcher/internal/snapshot"
)

// HistoryFunc looks up the most recent persisted value of a metric for paths
// matching a glob pattern. It returns nil when no sample matches.
type HistoryFunc func(pattern, metric string) (any, error)

// Env is the complete evaluation environment of one predicate invocation.
// For removed paths, File carries the last-known metrics and PrevFile is
// zero; for new paths, PrevFile is zero.
type Env struct {
	File     snapshot.Metrics
	PrevFile snapshot.Metrics
	Data     map[string]snapshot.Metrics
	Diff     diff.Diff
	Now      float64
	History  HistoryFunc
}

// Expr is a compiled predicate. It is immutable and safe for concurrent
// evaluation with distinct environments.
type Expr struct {
	src  string
	root node
}

// Parse compiles src into an Expr.
func Parse(src string) (*Expr, error) {
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	return &Expr{src: src, root: root}, nil
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.src }

// Eval interprets the predicate and reduces the result to a boolean using
// the language's truthiness rules (zero, empty, and nil are false).
func (e *Expr) Eval(env *Env) (bool, error) {
	v, err := evalNode(e.root, env)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// builtinRef is the value of a bare reducer name (min, max, sum, avg) used
// as an aggregate argument.
type builtinRef struct{ name string }

func evalNode(n node, env *Env) (any, error) {
	switch n := n.(type) {
	case litNode:
		return n.val, nil

	case identNode:
		return evalIdent(n.name, env)

	case selectorNode:
		x, err := evalNode(n.x, env)
		if err != nil {
			return nil, err
		}
		return evalSelect(x, n.field)

	case indexNode:
		x, err := evalNode(n.x, env)
		if err != nil {
			return nil, err
		}
		key, err := evalNode(n.key, env)
		if err != nil {
			return nil, err
		}
		return evalIndex(x, key)

	case callNode:
		return evalCall(n, env)

	case unaryNode:
		x, err := evalNode(n.x, env)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "not":
			return !truthy(x), nil
		case "-":
			f, ok := number(x)
			if !ok {
				return nil, fmt.Errorf("rules: cannot negate %s", typeName(x))
			}
			return -f, nil
		}
		return nil, fmt.Errorf("rules: unknown unary operator %q", n.op)

	case binaryNode:
		return evalBinary(n, env)
	}
	return nil, fmt.Errorf("rules: unknown node %T", n)
}

func evalIdent(name string, env *Env) (any, error) {
	switch name {
	case "file":
		return env.File, nil
	case "prev_file":
		return env.PrevFile, nil
	case "data":
		return env.Data, nil
	case "diff", "differences":
		return env.Diff, nil
	case "now":
		return env.Now, nil
	case "min", "max", "sum", "avg":
		return builtinRef{name: name}, nil
	}
	return nil, fmt.Errorf("rules: unknown identifier %q", name)
}

// evalSelect restricts attribute access to the vetted surfaces: metric
// fields, diff buckets, and field-change old/new pairs.
func evalSelect(x any, field string) (any, error) {
	switch x := x.(type) {
	case snapshot.Metrics:
		v, ok := x.Field(field)
		if !ok {
			return nil, fmt.Errorf("rules: metrics have no field %q", field)
		}
		return normalize(v), nil

	case diff.Diff:
		switch field {
		case "new":
			return x.New, nil
		case "removed":
			return x.Removed, nil
		case "modified":
			return x.Modified, nil
		}
		return nil, fmt.Errorf("rules: diff has no field %q", field)

	case diff.FieldChange:
		switch field {
		case "old":
			return normalize(x.Old), nil
		case "new":
			return normalize(x.New), nil
		}
		return nil, fmt.Errorf("rules: field change has no field %q", field)
	}
	return nil, fmt.Errorf("rules: cannot select %q from %s", field, typeName(x))
}

func evalIndex(x, key any) (any, error) {
	switch x := x.(type) {
	case map[string]snapshot.Metrics:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("rules: sample index must be a string")
		}
		if m, ok := x[k]; ok {
			return m, nil
		}
		return nil, nil

	case map[string]map[string]diff.FieldChange:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("rules: modified index must be a string")
		}
		if c, ok := x[k]; ok {
			return c, nil
		}
		return nil, nil

	case map[string]diff.FieldChange:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("rules: change index must be a string")
		}
		if c, ok := x[k]; ok {
			return c, nil
		}
		return nil, nil

	case []string:
		f, ok := number(key)
		if !ok {
			return nil, fmt.Errorf("rules: list index must be a number")
		}
		i := int(f)
		if i < 0 || i >= len(x) {
			return nil, fmt.Errorf("rules: list index %d out of range", i)
		}
		return x[i], nil
	}
	return nil, fmt.Errorf("rules: cannot index %s", typeName(x))
}

func evalBinary(n binaryNode, env *Env) (any, error) {
	// Short-circuit boolean operators evaluate the right side lazily.
	switch n.op {
	case "and":
		x, err := evalNode(n.x, env)
		if err != nil {
			return nil, err
		}
		if !truthy(x) {
			return false, nil
		}
		y, err := evalNode(n.y, env)
		if err != nil {
			return nil, err
		}
		return truthy(y), nil

	case "or":
		x, err := evalNode(n.x, env)
		if err != nil {
			return nil, err
		}
		if truthy(x) {
			return true, nil
		}
		y, err := evalNode(n.y, env)
		if err != nil {
			return nil, err
		}
		return truthy(y), nil
	}

	x, err := evalNode(n.x, env)
	if err != nil {
		return nil, err
	}
	y, err := evalNode(n.y, env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(x, y), nil
	case "!=":
		return !looseEqual(x, y), nil
	case "<", "<=", ">", ">=":
		return compareOrdered(n.op, x, y)
	case "in":
		return evalIn(x, y)
	case "+", "-", "*", "/", "%":
		return evalArith(n.op, x, y)
	}
	return nil, fmt.Errorf("rules: unknown operator %q", n.op)
}

func evalArith(op string, x, y any) (any, error) {
	if op == "+" {
		if xs, ok := x.(string); ok {
			if ys, ok := y.(string); ok {
				return xs + ys, nil
			}
		}
	}
	a, okA := number(x)
	b, okB := number(y)
	if !okA || !okB {
		return nil, fmt.Errorf("rules: operator %q needs numbers, got %s and %s", op, typeName(x), typeName(y))
	}
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return nil, fmt.Errorf("rules: division by zero")
		}
		return a / b, nil
	case "%":
		if b == 0 {
			return nil, fmt.Errorf("rules: modulo by zero")
		}
		return math.Mod(a, b), nil
	}
	return nil, fmt.Errorf("rules: unknown arithmetic operator %q", op)
}

func compareOrdered(op string, x, y any) (any, error) {
	if a, ok := number(x); ok {
		if b, ok := number(y); ok {
			switch op {
			case "<":
				return a < b, nil
			case "<=":
				return a <= b, nil
			case ">":
				return a > b, nil
			case ">=":
				return a >= b, nil
			}
		}
	}
	if a, ok := x.(string); ok {
		if b, ok := y.(string); ok {
			switch op {
			case "<":
				return a < b, nil
			case "<=":
				return a <= b, nil
			case ">":
				return a > b, nil
			case ">=":
				return a >= b, nil
			}
		}
	}
	return nil, fmt.Errorf("rules: cannot order %s against %s", typeName(x), typeName(y))
}

func evalIn(x, y any) (any, error) {
	switch y := y.(type) {
	case string:
		s, ok := x.(string)
		if !ok {
			return nil, fmt.Errorf("rules: left side of 'in' on a string must be a string")
		}
		return strings.Contains(y, s), nil
	case []string:
		s, ok := x.(string)
		if !ok {
			return nil, fmt.Errorf("rules: left side of 'in' on a list must be a string")
		}
		for _, e := range y {
			if e == s {
				return true, nil
			}
		}
		return false, nil
	case map[string]snapshot.Metrics:
		s, ok := x.(string)
		if !ok {
			return nil, fmt.Errorf("rules: left side of 'in' on a sample must be a string")
		}
		_, found := y[s]
		return found, nil
	case map[string]map[string]diff.FieldChange:
		s, ok := x.(string)
		if !ok {
			return nil, fmt.Errorf("rules: left side of 'in' on a map must be a string")
		}
		_, found := y[s]
		return found, nil
	case map[string]diff.FieldChange:
		s, ok := x.(string)
		if !ok {
			return nil, fmt.Errorf("rules: left side of 'in' on a map must be a string")
		}
		_, found := y[s]
		return found, nil
	}
	return nil, fmt.Errorf("rules: cannot test membership in %s", typeName(y))
}

// looseEqual compares values across the language's scalar types. Numbers
// compare numerically, mismatched types are simply unequal, and nil equals
// only nil; a type mismatch is never an error here because predicates
// routinely compare possibly-absent fields.
func looseEqual(x, y any) bool {
	if x == nil || y == nil {
		return x == nil && y == nil
	}
	if a, ok := number(x); ok {
		if b, ok := number(y); ok {
			return a == b
		}
		return false
	}
	switch a := x.(type) {
	case string:
		b, ok := y.(string)
		return ok && a == b
	case bool:
		b, ok := y.(bool)
		return ok && a == b
	}
	return false
}

func truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case []string:
		return len(v) > 0
	case map[string]snapshot.Metrics:
		return len(v) > 0
	case map[string]map[string]diff.FieldChange:
		return len(v) > 0
	case map[string]diff.FieldChange:
		return len(v) > 0
	}
	// Structured values (metrics, diff, field changes) count as present.
	return true
}

// number reports v as a float64 when it is any numeric type the environment
// can produce.
func number(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// normalize folds integer metric values into float64 so that arithmetic and
// comparison see one numeric type.
func normalize(v any) any {
	if f, ok := number(v); ok {
		return f
	}
	return v
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case []string:
		return "list"
	case snapshot.Metrics:
		return "metrics"
	case diff.Diff:
		return "diff"
	case diff.FieldChange:
		return "change"
	case map[string]snapshot.Metrics:
		return "sample"
	case builtinRef:
		return "builtin"
	}
	return fmt.Sprintf("%T", v)
}
