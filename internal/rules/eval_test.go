package rules_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/eventwatcher/eventwatcher/internal/diff"
	"github.com/eventwatcher/eventwatcher/internal/rules"
	"github.com/eventwatcher/eventwatcher/internal/snapshot"
)

// testEnv builds an environment with one current file, its previous record,
// and a small surrounding sample.
func testEnv() *rules.Env {
	file := snapshot.Metrics{
		Kind:         snapshot.KindFile,
		Size:         2048,
		UserID:       1000,
		GroupID:      1000,
		Mode:         0o644,
		LastModified: 1700000100,
		CreationTime: 1699999000,
		MD5:          "d41d8cd98f00b204e9800998ecf8427e",
		SHA256:       "e3b0c44298fc1c149afbf4c8996fb924",
		PatternFound: snapshot.Bool(true),
	}
	prev := file
	prev.Size = 1024
	prev.LastModified = 1700000000
	prev.PatternFound = snapshot.Bool(false)

	return &rules.Env{
		File:     file,
		PrevFile: prev,
		Data: map[string]snapshot.Metrics{
			"/var/log/app.log":    file,
			"/var/log/other.log":  {Kind: snapshot.KindFile, Size: 100},
			"/var/data/nested.db": {Kind: snapshot.KindFile, Size: 500},
		},
		Diff: diff.Diff{
			New:     []string{"/var/log/app.log"},
			Removed: []string{"/var/log/gone.log"},
			Modified: map[string]map[string]diff.FieldChange{
				"/var/log/other.log": {
					snapshot.FieldSize: {Old: int64(90), New: int64(100)},
				},
			},
		},
		Now: 1700000200,
	}
}

// mustEval parses and evaluates src, failing the test on any error.
func mustEval(t *testing.T, src string, env *rules.Env) bool {
	t.Helper()
	expr, err := rules.Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	got, err := expr.Eval(env)
	if err != nil {
		t.Fatalf("Eval(%q): %v", src, err)
	}
	return got
}

func TestEval_Predicates(t *testing.T) {
	env := testEnv()

	tests := []struct {
		src  string
		want bool
	}{
		// Literals and truthiness.
		{"true", true},
		{"false", false},
		{"0", false},
		{"1", true},
		{"''", false},
		{"'x'", true},
		{"nil", false},
		{"not nil", true},

		// Metric field access and arithmetic.
		{"file.size == 2048", true},
		{"file.size > prev_file.size", true},
		{"file.size - prev_file.size == 1024", true},
		{"file.size * 2 >= 4096", true},
		{"file.size % 2 == 0", true},
		{"-file.size < 0", true},
		{"abs(prev_file.size - file.size) == 1024", true},

		// Timestamps against now.
		{"now - file.last_modified < 3600", true},
		{"file.last_modified > prev_file.last_modified", true},

		// String fields.
		{"file.type == 'file'", true},
		{"file.md5 != prev_file.md5", false},
		{"'8cd9' in file.md5", true},
		{"'zzzz' in file.md5", false},
		{"'' in file.md5", true},

		// Pattern flag transitions.
		{"file.pattern_found and not prev_file.pattern_found", true},
		{"file.pattern_found == true", true},

		// Boolean connectives and grouping.
		{"file.size > 0 and file.size < 10000", true},
		{"file.size > 10000 or file.type == 'file'", true},
		{"not (file.size > 10000)", true},

		// Sample and diff access.
		{"len(data) == 3", true},
		{"'/var/log/app.log' in data", true},
		{"'/var/log/app.log' in diff.new", true},
		{"'/var/log/gone.log' in differences.removed", true},
		{"'/var/log/other.log' in diff.modified", true},
		{"len(diff.new) == 1", true},
		{"diff.new[0] == '/var/log/app.log'", true},
		{"data['/var/log/other.log'].size == 100", true},
		{"data['/missing'] == nil", true},
		{"diff.modified['/var/log/other.log']['size'].new == 100", true},
		{"diff.modified['/var/log/other.log']['size'].old == 90", true},

		// Reducers.
		{"min(3, 1, 2) == 1", true},
		{"max(3, 1, 2) == 3", true},
		{"sum(1, 2, 3) == 6", true},
		{"avg(2, 4) == 3", true},
	}

	for _, tc := range tests {
		t.Run(tc.src, func(t *testing.T) {
			if got := mustEval(t, tc.src, env); got != tc.want {
				t.Errorf("Eval(%q) = %v, want %v", tc.src, got, tc.want)
			}
		})
	}
}

func TestEval_Aggregate(t *testing.T) {
	env := testEnv()

	tests := []struct {
		src  string
		want bool
	}{
		// Default reducer is min.
		{"aggregate(data, '/var/log/*', 'size') == 100", true},
		{"aggregate(data, '/var/log/*', 'size', max) == 2048", true},
		{"aggregate(data, '/var/log/*', 'size', sum) == 2148", true},
		{"aggregate(data, '/var/log/*', 'size', 'avg') == 1074", true},
		// '*' crosses path separators.
		{"aggregate(data, '/var/*', 'size', sum) == 2648", true},
		// No match reduces to the neutral value.
		{"aggregate(data, '/nowhere/*', 'size', sum) == 0", true},
	}

	for _, tc := range tests {
		t.Run(tc.src, func(t *testing.T) {
			if got := mustEval(t, tc.src, env); got != tc.want {
				t.Errorf("Eval(%q) = %v, want %v", tc.src, got, tc.want)
			}
		})
	}
}

func TestEval_History(t *testing.T) {
	env := testEnv()
	env.History = func(pattern, metric string) (any, error) {
		if pattern == "/var/log/*.log" && metric == "size" {
			return int64(1024), nil
		}
		return nil, nil
	}

	if !mustEval(t, "file.size > history('/var/log/*.log', 'size')", env) {
		t.Error("history comparison did not fire")
	}
	// Absent history yields nil, equal only to nil.
	if !mustEval(t, "history('/other/*', 'size') == nil", env) {
		t.Error("missing history value is not nil")
	}
}

func TestEval_HistoryErrorsPropagate(t *testing.T) {
	env := testEnv()
	env.History = func(pattern, metric string) (any, error) {
		return nil, fmt.Errorf("backend unavailable")
	}

	expr, err := rules.Parse("history('/a', 'size') == 1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := expr.Eval(env); err == nil {
		t.Fatal("expected history error to propagate, got nil")
	}
}

// Short-circuiting means the right operand is never evaluated; a failing
// history lookup behind a false guard must not error.
func TestEval_ShortCircuitSkipsRightSide(t *testing.T) {
	env := testEnv()
	env.History = nil

	if mustEval(t, "false and history('/a', 'size') > 0", env) {
		t.Error("false and ... evaluated to true")
	}
	if !mustEval(t, "true or history('/a', 'size') > 0", env) {
		t.Error("true or ... evaluated to false")
	}
}

// ---------------------------------------------------------------------------
// Sandbox boundaries
// ---------------------------------------------------------------------------

func TestEval_UnknownIdentifierIsRejected(t *testing.T) {
	for _, src := range []string{
		"os.getcwd",
		"open",
		"__import__",
		"environment",
	} {
		expr, err := rules.Parse(src)
		if err != nil {
			continue // rejected at parse time is fine too
		}
		if _, err := expr.Eval(testEnv()); err == nil {
			t.Errorf("Eval(%q) succeeded, want sandbox error", src)
		}
	}
}

func TestEval_UnknownFunctionIsRejected(t *testing.T) {
	expr, err := rules.Parse("exec('rm -rf /')")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = expr.Eval(testEnv())
	if err == nil {
		t.Fatal("expected error for unknown function, got nil")
	}
	if !strings.Contains(err.Error(), "unknown function") {
		t.Errorf("error = %q, want mention of unknown function", err)
	}
}

func TestEval_UnknownMetricFieldIsRejected(t *testing.T) {
	expr, err := rules.Parse("file.__class__ == 'x'")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := expr.Eval(testEnv()); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestEval_RuntimeErrors(t *testing.T) {
	for _, src := range []string{
		"1 / 0",
		"file.size % 0",
		"'a' + 1",
		"file.size < 'x'",
		"diff.new[99] == 'x'",
		"len(5) == 1",
	} {
		expr, err := rules.Parse(src)
		if err != nil {
			t.Fatalf("Parse(%q): %v", src, err)
		}
		if _, err := expr.Eval(testEnv()); err == nil {
			t.Errorf("Eval(%q) succeeded, want error", src)
		}
	}
}

func TestParse_Errors(t *testing.T) {
	for _, src := range []string{
		"",
		"file.size >",
		"file.size = 5",
		"(file.size > 0",
		"'unterminated",
		"file.size > 0 extra",
		"file & prev_file",
	} {
		if _, err := rules.Parse(src); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", src)
		}
	}
}

func TestExpr_SourceRoundTrip(t *testing.T) {
	const src = "file.size > 1024 and file.pattern_found"
	expr, err := rules.Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if expr.Source() != src {
		t.Errorf("Source() = %q, want %q", expr.Source(), src)
	}
}
