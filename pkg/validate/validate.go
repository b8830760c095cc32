// Package validate implements the pre-upload script check. It is pure
// inspection: it never rewrites a script it finds marginal.
package validate

import (
	"fmt"
	"math"
	"strings"

	"github.com/shiftcmd/pycodegraph/pkg/graph"
)

// Severity distinguishes a hard failure from an advisory warning.
type Severity string

// Severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one validation result.
type Finding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Result is the validator's verdict: OK is false iff any Finding has
// SeverityError; a single error prevents loading.
type Result struct {
	OK       bool      `json:"ok"`
	Findings []Finding `json:"findings"`
}

// Options configures the validator's caps.
type Options struct {
	MaxStatementLength int
	MaxCommandCount     int
	AppendOnly          bool
}

// DefaultOptions returns the standard validation caps.
func DefaultOptions() Options {
	return Options{
		MaxStatementLength: 1 << 16,
		MaxCommandCount:    1_000_000,
		AppendOnly:         true,
	}
}

// forbiddenDestructive lists substrings that indicate a destructive clause,
// checked only when the job is append-only.
var forbiddenDestructive = []string{"DETACH DELETE", "DROP ", " DELETE ", "REMOVE "}

// Validate checks a rendered Cypher script against its companion TupleSet:
// well-formedness, command-count cap, statement/tuple count cross-check,
// endpoint closure, and (for append-only jobs) a destructive-clause scan.
func Validate(script string, ts *graph.TupleSet, opts Options) Result {
	var findings []Finding

	findings = append(findings, checkWellFormed(script, opts)...)
	findings = append(findings, checkCommandCount(script, opts)...)
	findings = append(findings, checkCounts(script, ts)...)
	findings = append(findings, checkEndpointClosure(ts)...)

	if opts.AppendOnly {
		findings = append(findings, checkForbiddenSubstrings(script)...)
	}

	ok := true

	for _, f := range findings {
		if f.Severity == SeverityError {
			ok = false

			break
		}
	}

	return Result{OK: ok, Findings: findings}
}

// safeSectionBanner separates the authoritative parameterized statements
// from the commented interpolated section.
const safeSectionBanner = "// ===== SAFE INTERPOLATED VERSION"

// authoritativeStatements returns the script's non-comment lines. Comment
// lines carry free-form values (params blocks, the interpolated section)
// and are exempt from structural checks; everything executable is kept.
func authoritativeStatements(script string) []string {
	var lines []string

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}

		lines = append(lines, line)
	}

	return lines
}

func checkWellFormed(script string, opts Options) []Finding {
	if strings.TrimSpace(script) == "" {
		return []Finding{{SeverityError, "script is empty"}}
	}

	var findings []Finding

	if strings.Contains(script, "\t") {
		findings = append(findings, Finding{SeverityError, "script contains tab characters"})
	}

	statements := authoritativeStatements(script)

	joined := strings.Join(statements, "\n")
	if unbalanced(joined, '{', '}') || unbalanced(joined, '(', ')') {
		findings = append(findings, Finding{SeverityError, "script has unbalanced braces/parens"})
	}

	if len(statements) > 0 && !strings.HasSuffix(strings.TrimSpace(statements[len(statements)-1]), ";") {
		findings = append(findings, Finding{SeverityError, "script ends with an unterminated statement"})
	}

	maxLen := opts.MaxStatementLength
	if maxLen <= 0 {
		maxLen = DefaultOptions().MaxStatementLength
	}

	for i, line := range statements {
		if len(line) > maxLen {
			findings = append(findings, Finding{SeverityError, fmt.Sprintf("statement %d exceeds max statement length", i+1)})
		}
	}

	return findings
}

func unbalanced(s string, open, close byte) bool {
	depth := 0

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case open:
			depth++
		case close:
			depth--
		}

		if depth < 0 {
			return true
		}
	}

	return depth != 0
}

func checkCommandCount(script string, opts Options) []Finding {
	limit := opts.MaxCommandCount
	if limit <= 0 {
		limit = DefaultOptions().MaxCommandCount
	}

	count := 0

	for _, line := range authoritativeStatements(script) {
		if strings.Contains(line, "MERGE ") {
			count++
		}
	}

	if count > limit {
		return []Finding{{SeverityError, fmt.Sprintf("command count %d exceeds cap %d", count, limit)}}
	}

	return nil
}

const countTolerance = 0.01

func checkCounts(script string, ts *graph.TupleSet) []Finding {
	if ts == nil {
		return nil
	}

	authoritative, _, _ := strings.Cut(script, safeSectionBanner)

	statementNodes := strings.Count(authoritative, "MERGE (x:")
	statementRels := strings.Count(authoritative, "MERGE (a)-[rel:")

	var findings []Finding

	if !withinTolerance(statementNodes, len(ts.Nodes)) {
		findings = append(findings, Finding{SeverityError,
			fmt.Sprintf("node statement count %d deviates from tuple node count %d by more than %.0f%%",
				statementNodes, len(ts.Nodes), countTolerance*100)})
	}

	if !withinTolerance(statementRels, len(ts.Relationships)) {
		findings = append(findings, Finding{SeverityError,
			fmt.Sprintf("relationship statement count %d deviates from tuple relationship count %d by more than %.0f%%",
				statementRels, len(ts.Relationships), countTolerance*100)})
	}

	return findings
}

func withinTolerance(got, want int) bool {
	if want == 0 {
		return got == 0
	}

	delta := math.Abs(float64(got-want)) / float64(want)

	return delta <= countTolerance
}

func checkEndpointClosure(ts *graph.TupleSet) []Finding {
	if ts == nil {
		return nil
	}

	keys := ts.NodeKeys()

	labelByKey := make(map[string]graph.Label, len(ts.Nodes))
	for _, n := range ts.Nodes {
		labelByKey[n.UniqueKey] = n.Label
	}

	var findings []Finding

	for _, r := range ts.Relationships {
		if _, ok := keys[r.SourceKey]; !ok {
			findings = append(findings, Finding{SeverityError, fmt.Sprintf("relationship source %s has no matching node", r.SourceKey)})

			continue
		}

		if _, ok := keys[r.TargetKey]; !ok {
			findings = append(findings, Finding{SeverityError, fmt.Sprintf("relationship target %s has no matching node", r.TargetKey)})

			continue
		}

		if labelByKey[r.TargetKey] != r.TargetLabel {
			findings = append(findings, Finding{SeverityWarning,
				fmt.Sprintf("relationship target %s label mismatch: node is %s, relationship expects %s",
					r.TargetKey, labelByKey[r.TargetKey], r.TargetLabel)})
		}
	}

	return findings
}

func checkForbiddenSubstrings(script string) []Finding {
	upper := strings.ToUpper(strings.Join(authoritativeStatements(script), "\n"))

	var findings []Finding

	for _, substr := range forbiddenDestructive {
		if strings.Contains(upper, substr) {
			findings = append(findings, Finding{SeverityError,
				fmt.Sprintf("forbidden destructive clause %q found in append-only job script", strings.TrimSpace(substr))})
		}
	}

	return findings
}
