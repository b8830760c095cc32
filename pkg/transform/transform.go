// Package transform converts an extraction document (pkg/ir) into a
// graph.TupleSet and a parameterized Cypher script. Transform is a pure
// function: identical input produces byte-identical output, which is why
// every intermediate collection here is a slice built in a fixed traversal
// order and sorted before serialization, never a map iterated directly
// into output.
package transform

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shiftcmd/pycodegraph/pkg/graph"
	"github.com/shiftcmd/pycodegraph/pkg/ir"
)

// externalClassPrefix keys the placeholder nodes emitted for base classes
// that cannot be resolved within the current extraction.
const externalClassPrefix = "class:external:"

// Document is the extraction document the transformer consumes, written by
// pkg/extract to extraction_<job_id>.json.
type Document = ir.Document

// StreamingThresholdBytes is the extraction-document size above which the
// transformer processes modules in batches, reporting progress per batch.
// Batching does not lower peak memory: the whole document is already in
// memory and every node and relationship is kept until the TupleSet is built.
const StreamingThresholdBytes = 64 * 1024 * 1024

// DefaultBatchSize is the default module batch size used once streaming mode
// engages.
const DefaultBatchSize = 50

// ProgressFunc reports transformer progress per module or per batch. It
// mirrors the shape of status.Event without importing pkg/status, so
// pkg/transform has no dependency on the orchestrator's wiring.
type ProgressFunc func(current, total int, message string)

// Transform converts a Document into a graph.TupleSet, invoking progress
// after each module is processed.
func Transform(jobID string, doc *Document, progress ProgressFunc) *graph.TupleSet {
	b := newBuilder(jobID)

	paths := make([]string, 0, len(doc.Modules))
	for path := range doc.Modules {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	total := len(paths)
	for i, path := range paths {
		mod := doc.Modules[path]
		b.addModule(&mod)

		if progress != nil {
			progress(i+1, total, fmt.Sprintf("transformed %s", path))
		}
	}

	ts := b.finish()
	// GeneratedAt is copied from the extraction document rather than stamped
	// fresh, so that two transformer runs over the same input are
	// byte-identical instead of differing only in wall-clock time.
	ts.Metadata.GeneratedAt = doc.Metadata.Timestamp
	ts.Metadata.ModulesProcessed = total

	return ts
}

type builder struct {
	jobID    string
	nodes    map[string]graph.Node
	nodeKeys []string // insertion order, for placeholder-first-wins stability.
	rels     []graph.Relationship
}

func newBuilder(jobID string) *builder {
	return &builder{
		jobID: jobID,
		nodes: make(map[string]graph.Node),
	}
}

func (b *builder) addNode(n graph.Node) {
	if existing, ok := b.nodes[n.UniqueKey]; ok {
		// A real node always wins over a placeholder inserted earlier by a
		// different module's relationship.
		if existing.Placeholder && !n.Placeholder {
			b.nodes[n.UniqueKey] = n
		}

		return
	}

	b.nodes[n.UniqueKey] = n
	b.nodeKeys = append(b.nodeKeys, n.UniqueKey)
}

func (b *builder) addRel(r graph.Relationship) {
	b.rels = append(b.rels, r)
}

// ensurePlaceholder adds a minimal node for a key not guaranteed to be
// produced by this extraction, so every relationship endpoint resolves to
// a node in the same tuple set.
func (b *builder) ensurePlaceholder(key string, label graph.Label, name string) {
	if _, ok := b.nodes[key]; ok {
		return
	}

	b.addNode(graph.Node{
		Label:     label,
		UniqueKey: key,
		Properties: map[string]any{
			"name": name,
		},
		Placeholder: true,
	})
}

func (b *builder) addModule(m *ir.ParsedModule) {
	moduleKey := "module:" + m.Path

	b.addNode(graph.Node{
		Label:     graph.LabelModule,
		UniqueKey: moduleKey,
		Properties: map[string]any{
			"path":       m.Path,
			"name":       m.Name,
			"line_count": m.LineCount,
			"size_bytes": m.SizeBytes,
			"docstring":  m.Docstring,
		},
		MatchProperties: []string{"path"},
	})

	for i := range m.Classes {
		b.addClass(m, &m.Classes[i], moduleKey)
	}

	for i := range m.Functions {
		key := b.addFunction(m, &m.Functions[i], "function", m.Path+":"+m.Functions[i].Name, "")
		b.addRel(graph.Relationship{
			SourceKey: moduleKey, TargetKey: key, RelType: graph.RelContains,
			SourceLabel: graph.LabelModule, TargetLabel: graph.LabelFunction,
		})
	}

	for i := range m.Variables {
		key := b.addVariable(m, &m.Variables[i])
		b.addRel(graph.Relationship{
			SourceKey: moduleKey, TargetKey: key, RelType: graph.RelContains,
			SourceLabel: graph.LabelModule, TargetLabel: graph.LabelVariable,
		})
	}

	for i := range m.Imports {
		b.addImport(m, &m.Imports[i], moduleKey)
	}
}

func (b *builder) addClass(m *ir.ParsedModule, c *ir.Class, moduleKey string) {
	classKey := "class:" + m.Path + ":" + c.Name

	b.addNode(graph.Node{
		Label:     graph.LabelClass,
		UniqueKey: classKey,
		Properties: map[string]any{
			"name":        c.Name,
			"module_path": m.Path,
			"docstring":   c.Docstring,
			"line_start":  c.LineStart,
			"line_end":    c.LineEnd,
			"bases":       c.Bases,
			"decorators":  c.Decorators,
		},
		MatchProperties: []string{"name", "module_path"},
	})

	b.addRel(graph.Relationship{
		SourceKey: moduleKey, TargetKey: classKey, RelType: graph.RelContains,
		SourceLabel: graph.LabelModule, TargetLabel: graph.LabelClass,
	})

	for i := range c.Methods {
		methodKey := b.addFunction(m, &c.Methods[i], "method", m.Path+":"+c.Name+":"+c.Methods[i].Name, c.Name)

		b.addRel(graph.Relationship{
			SourceKey: classKey, TargetKey: methodKey, RelType: graph.RelContains,
			SourceLabel: graph.LabelClass, TargetLabel: graph.LabelMethod,
		})
		b.addRel(graph.Relationship{
			SourceKey: classKey, TargetKey: methodKey, RelType: graph.RelHasMethod,
			SourceLabel: graph.LabelClass, TargetLabel: graph.LabelMethod,
		})
	}

	for i := range c.ClassVariables {
		varKey := b.addVariable(m, &c.ClassVariables[i])
		b.addRel(graph.Relationship{
			SourceKey: classKey, TargetKey: varKey, RelType: graph.RelContains,
			SourceLabel: graph.LabelClass, TargetLabel: graph.LabelVariable,
		})
	}

	for i := range c.InnerClasses {
		innerKey := "class:" + m.Path + ":" + c.Name + "." + c.InnerClasses[i].Name
		b.addNode(graph.Node{
			Label:     graph.LabelClass,
			UniqueKey: innerKey,
			Properties: map[string]any{
				"name":        c.InnerClasses[i].Name,
				"module_path": m.Path,
				"docstring":   c.InnerClasses[i].Docstring,
				"line_start":  c.InnerClasses[i].LineStart,
				"line_end":    c.InnerClasses[i].LineEnd,
				"bases":       c.InnerClasses[i].Bases,
				"decorators":  c.InnerClasses[i].Decorators,
			},
			MatchProperties: []string{"name", "module_path"},
		})
		b.addRel(graph.Relationship{
			SourceKey: classKey, TargetKey: innerKey, RelType: graph.RelContains,
			SourceLabel: graph.LabelClass, TargetLabel: graph.LabelClass,
		})
	}

	for _, base := range c.Bases {
		targetKey := externalClassPrefix + base
		b.ensurePlaceholder(targetKey, graph.LabelClass, base)
		b.addRel(graph.Relationship{
			SourceKey: classKey, TargetKey: targetKey, RelType: graph.RelInheritsFrom,
			SourceLabel: graph.LabelClass, TargetLabel: graph.LabelClass,
		})
	}
}

// addFunction emits a Function or Method node and returns its key. kind is
// "function" or "method"; qualified is the portion after the kind prefix.
// className is the owning class's name for methods, empty for module-level
// functions; it is part of a Method's upsert identity so same-named methods
// in different classes never merge into one node.
func (b *builder) addFunction(m *ir.ParsedModule, f *ir.Function, kind, qualified, className string) string {
	key := kind + ":" + qualified

	properties := map[string]any{
		"name":            f.Name,
		"module_path":     m.Path,
		"signature":       f.Signature,
		"return_type":     f.ReturnType,
		"decorators":      f.Decorators,
		"is_static":       f.IsStatic,
		"is_class_method": f.IsClassMethod,
		"is_async":        f.IsAsync,
		"complexity":      f.Complexity,
		"line_start":      f.LineStart,
		"line_end":        f.LineEnd,
	}

	if kind == "method" {
		properties["class_name"] = className
	}

	b.addNode(graph.Node{
		Label:           labelForKind(kind),
		UniqueKey:       key,
		Properties:      properties,
		MatchProperties: matchPropertiesForKind(kind),
	})

	return key
}

func labelForKind(kind string) graph.Label {
	if kind == "method" {
		return graph.LabelMethod
	}

	return graph.LabelFunction
}

func matchPropertiesForKind(kind string) []string {
	if kind == "method" {
		return []string{"name", "class_name", "module_path"}
	}

	return []string{"name", "module_path"}
}

func (b *builder) addVariable(m *ir.ParsedModule, v *ir.Variable) string {
	key := "variable:" + m.Path + ":" + string(v.Scope) + ":" + v.Name

	b.addNode(graph.Node{
		Label:     graph.LabelVariable,
		UniqueKey: key,
		Properties: map[string]any{
			"name":          v.Name,
			"module_path":   m.Path,
			"scope":         string(v.Scope),
			"inferred_type": v.InferredType,
			"value_repr":    v.ValueRepr,
			"is_constant":   v.IsConstant,
			"line_start":    v.LineStart,
			"line_end":      v.LineEnd,
		},
		MatchProperties: []string{"name", "scope", "module_path"},
	})

	return key
}

func (b *builder) addImport(m *ir.ParsedModule, imp *ir.Import, moduleKey string) {
	targetKey, targetName := resolveImportTarget(m, imp)

	b.ensurePlaceholder(targetKey, graph.LabelModule, targetName)

	b.addRel(graph.Relationship{
		SourceKey: moduleKey, TargetKey: targetKey, RelType: graph.RelImports,
		SourceLabel: graph.LabelModule, TargetLabel: graph.LabelModule,
		Properties: map[string]any{
			"import_name": imp.Name,
			"alias":       imp.Alias,
			"from_module": imp.FromModule,
			"is_star":     imp.IsStar,
			"line_start":  imp.LineStart,
		},
	})
}

// resolveImportTarget picks the IMPORTS relationship's target key: a
// resolved module path when possible, a placeholder key otherwise.
func resolveImportTarget(m *ir.ParsedModule, imp *ir.Import) (key, name string) {
	if imp.FromModule != "" && !imp.IsRelative {
		return "module:" + imp.FromModule, imp.FromModule
	}

	if imp.IsRelative {
		if resolved, ok := resolveRelative(m.Path, imp.FromModule, imp.RelativeLevel); ok {
			return "module:" + resolved, resolved
		}

		raw := imp.FromModule
		if raw == "" {
			raw = imp.Name
		}

		return "module:" + raw, raw
	}

	return "module:" + imp.Name, imp.Name
}

// resolveRelative resolves a relative from-import against the importing
// module's repo-relative path, walking up `level` package directories.
func resolveRelative(modulePath, fromModule string, level int) (string, bool) {
	dir := strings.TrimSuffix(strings.TrimSuffix(modulePath, lastSegment(modulePath)), "/")

	var parts []string
	if dir != "" {
		parts = strings.Split(dir, "/")
	}

	// level=1 means "current package" (the directory containing modulePath);
	// each additional level walks up one more directory.
	up := level - 1
	if up < 0 {
		up = 0
	}

	if up > len(parts) {
		return "", false
	}

	parts = parts[:len(parts)-up]

	base := strings.Join(parts, "/")

	if fromModule == "" {
		if base == "" {
			return "", false
		}

		return base + ".py", true
	}

	segment := strings.ReplaceAll(fromModule, ".", "/")

	var resolved string
	if base == "" {
		resolved = segment
	} else {
		resolved = base + "/" + segment
	}

	return resolved + ".py", true
}

func lastSegment(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}

	return path[idx+1:]
}

func (b *builder) finish() *graph.TupleSet {
	nodes := make([]graph.Node, 0, len(b.nodeKeys))
	for _, key := range b.nodeKeys {
		nodes = append(nodes, b.nodes[key])
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Label != nodes[j].Label {
			return nodes[i].Label < nodes[j].Label
		}

		return nodes[i].UniqueKey < nodes[j].UniqueKey
	})

	rels := make([]graph.Relationship, len(b.rels))
	copy(rels, b.rels)

	sort.Slice(rels, func(i, j int) bool {
		if rels[i].RelType != rels[j].RelType {
			return rels[i].RelType < rels[j].RelType
		}

		if rels[i].SourceKey != rels[j].SourceKey {
			return rels[i].SourceKey < rels[j].SourceKey
		}

		return rels[i].TargetKey < rels[j].TargetKey
	})

	return &graph.TupleSet{
		Metadata: graph.Metadata{
			JobID:             b.jobID,
			ModulesProcessed:  0, // set by caller once the module count is known.
			NodeCount:         len(nodes),
			RelationshipCount: len(rels),
		},
		Nodes:         nodes,
		Relationships: rels,
	}
}
