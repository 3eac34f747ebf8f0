package rules

import (
	"fmt"

	"github.com/eventwatcher/eventwatcher/internal/diff"
	"github.com/eventwatcher/eventwatcher/internal/snapshot"
)

// evalCall dispatches to the fixed builtin table. Any other name is a
// sandbox violation and fails evaluation for this rule/path only.
func evalCall(n callNode, env *Env) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := evalNode(a, env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch n.name {
	case "min", "max", "sum", "avg":
		nums, err := numericArgs(n.name, args)
		if err != nil {
			return nil, err
		}
		return reduce(n.name, nums), nil

	case "abs":
		if len(args) != 1 {
			return nil, fmt.Errorf("rules: abs takes one argument")
		}
		f, ok := number(args[0])
		if !ok {
			return nil, fmt.Errorf("rules: abs needs a number, got %s", typeName(args[0]))
		}
		if f < 0 {
			return -f, nil
		}
		return f, nil

	case "len":
		if len(args) != 1 {
			return nil, fmt.Errorf("rules: len takes one argument")
		}
		return lengthOf(args[0])

	case "aggregate":
		return evalAggregate(args)

	case "history":
		return evalHistory(args, env)
	}
	return nil, fmt.Errorf("rules: unknown function %q", n.name)
}

func numericArgs(name string, args []any) ([]float64, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("rules: %s needs at least one argument", name)
	}
	nums := make([]float64, len(args))
	for i, a := range args {
		f, ok := number(a)
		if !ok {
			return nil, fmt.Errorf("rules: %s needs numbers, got %s", name, typeName(a))
		}
		nums[i] = f
	}
	return nums, nil
}

// reduce applies a named reducer over a non-empty slice.
func reduce(name string, nums []float64) float64 {
	switch name {
	case "min":
		out := nums[0]
		for _, v := range nums[1:] {
			if v < out {
				out = v
			}
		}
		return out
	case "max":
		out := nums[0]
		for _, v := range nums[1:] {
			if v > out {
				out = v
			}
		}
		return out
	case "avg":
		var total float64
		for _, v := range nums {
			total += v
		}
		return total / float64(len(nums))
	default: // sum
		var total float64
		for _, v := range nums {
			total += v
		}
		return total
	}
}

func lengthOf(v any) (any, error) {
	switch v := v.(type) {
	case string:
		return float64(len(v)), nil
	case []string:
		return float64(len(v)), nil
	case map[string]snapshot.Metrics:
		return float64(len(v)), nil
	case map[string]map[string]diff.FieldChange:
		return float64(len(v)), nil
	case map[string]diff.FieldChange:
		return float64(len(v)), nil
	}
	return nil, fmt.Errorf("rules: len of %s", typeName(v))
}

// evalAggregate reduces one metric across all sample paths matching a glob
// pattern: aggregate(data, pattern, metric, reducer). The reducer is a bare
// builtin name or its string form and defaults to min. When no path matches
// or the metric is absent everywhere, the neutral value 0 is returned.
func evalAggregate(args []any) (any, error) {
	if len(args) != 3 && len(args) != 4 {
		return nil, fmt.Errorf("rules: aggregate takes (data, pattern, metric[, reducer])")
	}

	data, ok := args[0].(map[string]snapshot.Metrics)
	if !ok {
		return nil, fmt.Errorf("rules: aggregate needs a sample, got %s", typeName(args[0]))
	}
	pattern, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("rules: aggregate pattern must be a string")
	}
	metric, ok := args[2].(string)
	if !ok {
		return nil, fmt.Errorf("rules: aggregate metric must be a string")
	}

	reducer := "min"
	if len(args) == 4 {
		switch r := args[3].(type) {
		case builtinRef:
			reducer = r.name
		case string:
			reducer = r
		default:
			return nil, fmt.Errorf("rules: aggregate reducer must be min, max, sum, or avg")
		}
		switch reducer {
		case "min", "max", "sum", "avg":
		default:
			return nil, fmt.Errorf("rules: aggregate reducer %q is not allowed", reducer)
		}
	}

	var values []float64
	for path, m := range data {
		if !globMatch(pattern, path) {
			continue
		}
		v, known := m.Field(metric)
		if !known {
			return nil, fmt.Errorf("rules: aggregate metric %q is not a metric field", metric)
		}
		if f, ok := number(v); ok {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return float64(0), nil
	}
	return reduce(reducer, values), nil
}

// evalHistory resolves history(pattern, metric) through the injected lookup.
func evalHistory(args []any, env *Env) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("rules: history takes (pattern, metric)")
	}
	pattern, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("rules: history pattern must be a string")
	}
	metric, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("rules: history metric must be a string")
	}
	if env.History == nil {
		return nil, fmt.Errorf("rules: history lookup is not available")
	}
	v, err := env.History(pattern, metric)
	if err != nil {
		return nil, fmt.Errorf("rules: history lookup: %w", err)
	}
	return normalize(v), nil
}

// globMatch matches path against a shell-style pattern where '*' spans any
// run of characters including path separators and '?' matches exactly one
// character. Aggregate patterns routinely cross directory boundaries
// ("/var/log/*.log" matching nested paths), so the separator-aware stdlib
// matcher is not used here.
func globMatch(pattern, s string) bool {
	return globMatchRunes([]rune(pattern), []rune(s))
}

func globMatchRunes(pattern, s []rune) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			// Collapse consecutive stars, then try every suffix.
			rest := pattern[1:]
			for len(rest) > 0 && rest[0] == '*' {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatchRunes(rest, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		default:
			if len(s) == 0 || pattern[0] != s[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		}
	}
	return len(s) == 0
}
