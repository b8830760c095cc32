package transform

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shiftcmd/pycodegraph/pkg/graph"
)

// RenderCypher renders a graph.TupleSet as a cypher script: parameterized
// upsert statements (each followed by a JSON parameters block) first, then
// a commented best-effort interpolated section. The parameterized form is
// authoritative; the commented section is for manual inspection only.
func RenderCypher(ts *graph.TupleSet) string {
	var sb strings.Builder

	sb.WriteString("// ===== PARAMETERIZED STATEMENTS (authoritative) =====\n")

	for _, n := range ts.Nodes {
		writeNodeStatement(&sb, n, true)
	}

	for _, r := range ts.Relationships {
		writeRelStatement(&sb, r, true)
	}

	sb.WriteString("\n// ===== SAFE INTERPOLATED VERSION (manual inspection only) =====\n")

	for _, n := range ts.Nodes {
		writeNodeStatement(&sb, n, false)
	}

	for _, r := range ts.Relationships {
		writeRelStatement(&sb, r, false)
	}

	return sb.String()
}

func matchClause(matchProps []string) string {
	if len(matchProps) == 0 {
		return "unique_key: $unique_key"
	}

	parts := make([]string, 0, len(matchProps))
	for _, p := range matchProps {
		parts = append(parts, fmt.Sprintf("%s: $%s", p, p))
	}

	return strings.Join(parts, ", ")
}

func writeNodeStatement(sb *strings.Builder, n graph.Node, parameterized bool) {
	if parameterized {
		fmt.Fprintf(sb, "MERGE (x:%s {%s})\n", n.Label, matchClause(n.MatchProperties))
		sb.WriteString("SET x += $properties, x.unique_key = $unique_key")

		if n.Placeholder {
			sb.WriteString(", x.placeholder = true")
		}

		sb.WriteString(";\n")
		sb.WriteString("// params: ")
		sb.WriteString(renderParamsJSON(map[string]any{
			"unique_key": n.UniqueKey,
			"properties": n.Properties,
		}))
		sb.WriteString("\n\n")

		return
	}

	props := interpolateProperties(n.Properties)
	if n.Placeholder {
		props = append(props, "placeholder: true")
	}

	fmt.Fprintf(sb, "// MERGE (x:%s {unique_key: %s}) SET x += {%s};\n",
		n.Label, escapeCypherString(n.UniqueKey), strings.Join(props, ", "))
}

func writeRelStatement(sb *strings.Builder, r graph.Relationship, parameterized bool) {
	if parameterized {
		fmt.Fprintf(sb, "MATCH (a:%s {unique_key: $source_key}), (b:%s {unique_key: $target_key})\n",
			r.SourceLabel, r.TargetLabel)
		fmt.Fprintf(sb, "MERGE (a)-[rel:%s]->(b)\n", r.RelType)
		sb.WriteString("SET rel += $properties;\n")
		sb.WriteString("// params: ")
		sb.WriteString(renderParamsJSON(map[string]any{
			"source_key": r.SourceKey,
			"target_key": r.TargetKey,
			"properties": r.Properties,
		}))
		sb.WriteString("\n\n")

		return
	}

	props := interpolateProperties(r.Properties)
	fmt.Fprintf(sb, "// MATCH (a {unique_key: %s}), (b {unique_key: %s}) MERGE (a)-[:%s]->(b) SET rel += {%s};\n",
		escapeCypherString(r.SourceKey), escapeCypherString(r.TargetKey), r.RelType, strings.Join(props, ", "))
}

// renderParamsJSON renders a parameters block as a single-line, sorted-key
// JSON object, avoiding encoding/json's map non-determinism by sorting keys
// manually before building the string.
func renderParamsJSON(params map[string]any) string {
	var sb strings.Builder

	sb.WriteByte('{')

	keys := sortedKeys(params)
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}

		fmt.Fprintf(&sb, "%q: %s", k, renderJSONValue(params[k]))
	}

	sb.WriteByte('}')

	return sb.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func renderJSONValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case map[string]any:
		return renderParamsJSON(val)
	case []string:
		parts := make([]string, len(val))
		for i, s := range val {
			parts[i] = strconv.Quote(s)
		}

		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%q", fmt.Sprint(val))
	}
}

// interpolateProperties renders a property map as a sorted list of
// "key: literal" fragments for the safe/commented section, escaping strings
// with escapeCypherString, and rendering booleans/nulls/lists as literals.
func interpolateProperties(props map[string]any) []string {
	keys := sortedKeys(props)

	out := make([]string, 0, len(keys))

	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s: %s", k, interpolateValue(props[k])))
	}

	return out
}

func interpolateValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return escapeCypherString(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case []string:
		parts := make([]string, len(val))
		for i, s := range val {
			parts[i] = escapeCypherString(s)
		}

		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return escapeCypherString(fmt.Sprint(val))
	}
}

// escapeCypherString escapes a string literal by doubling backslashes, then
// escaping double quotes with a backslash; newlines, tabs, and carriage returns are escaped too so one
// rendered value never spans or breaks a script line.
func escapeCypherString(s string) string {
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	escaped = strings.ReplaceAll(escaped, "\t", `\t`)
	escaped = strings.ReplaceAll(escaped, "\r", `\r`)

	return `"` + escaped + `"`
}
