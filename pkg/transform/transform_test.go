package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftcmd/pycodegraph/pkg/graph"
	"github.com/shiftcmd/pycodegraph/pkg/ir"
)

func TestTransform_TinyTree(t *testing.T) {
	t.Parallel()

	doc := &Document{
		Modules: map[string]ir.ParsedModule{
			"a.py": {
				Path: "a.py",
				Name: "a",
				Variables: []ir.Variable{
					{Name: "x", Scope: ir.ScopeModule, IsConstant: false, ValueRepr: "1"},
				},
			},
		},
	}

	ts := Transform("job-1", doc, nil)

	require.Len(t, ts.Nodes, 2)
	require.Len(t, ts.Relationships, 1)

	assert.Equal(t, "module:a.py", ts.Nodes[0].UniqueKey)
	assert.Equal(t, "variable:a.py:module:x", ts.Nodes[1].UniqueKey)
	assert.Equal(t, graph.RelContains, ts.Relationships[0].RelType)
	assert.Equal(t, "module:a.py", ts.Relationships[0].SourceKey)
	assert.Equal(t, "variable:a.py:module:x", ts.Relationships[0].TargetKey)
}

func TestTransform_RelativeImportResolution(t *testing.T) {
	t.Parallel()

	doc := &Document{
		Modules: map[string]ir.ParsedModule{
			"pkg/a.py": {
				Path: "pkg/a.py",
				Name: "a",
				Imports: []ir.Import{
					{Name: "f", FromModule: "b", IsRelative: true, RelativeLevel: 1},
				},
			},
			"pkg/b.py": {Path: "pkg/b.py", Name: "b"},
		},
	}

	ts := Transform("job-2", doc, nil)

	var importRel *graph.Relationship

	for i := range ts.Relationships {
		if ts.Relationships[i].RelType == graph.RelImports {
			importRel = &ts.Relationships[i]
		}
	}

	require.NotNil(t, importRel)
	assert.Equal(t, "module:pkg/a.py", importRel.SourceKey)
	assert.Equal(t, "module:pkg/b.py", importRel.TargetKey)

	for _, n := range ts.Nodes {
		assert.False(t, n.Placeholder, "resolved import target must not be a placeholder")
	}
}

func TestTransform_UnresolvedImportIsPlaceholder(t *testing.T) {
	t.Parallel()

	doc := &Document{
		Modules: map[string]ir.ParsedModule{
			"a.py": {
				Path:    "a.py",
				Name:    "a",
				Imports: []ir.Import{{Name: "requests"}},
			},
		},
	}

	ts := Transform("job-3", doc, nil)

	var placeholder *graph.Node

	for i := range ts.Nodes {
		if ts.Nodes[i].UniqueKey == "module:requests" {
			placeholder = &ts.Nodes[i]
		}
	}

	require.NotNil(t, placeholder)
	assert.True(t, placeholder.Placeholder)
}

func TestTransform_UnresolvedBaseClassIsPlaceholder(t *testing.T) {
	t.Parallel()

	doc := &Document{
		Modules: map[string]ir.ParsedModule{
			"a.py": {
				Path:    "a.py",
				Name:    "a",
				Classes: []ir.Class{{Name: "Foo", Bases: []string{"Bar"}}},
			},
		},
	}

	ts := Transform("job-4", doc, nil)

	var placeholder *graph.Node

	for i := range ts.Nodes {
		if ts.Nodes[i].UniqueKey == "class:external:Bar" {
			placeholder = &ts.Nodes[i]
		}
	}

	require.NotNil(t, placeholder)
	assert.True(t, placeholder.Placeholder)
}

func TestTransform_SameNamedMethodsInDifferentClassesStayDistinct(t *testing.T) {
	t.Parallel()

	doc := &Document{
		Modules: map[string]ir.ParsedModule{
			"a.py": {
				Path: "a.py",
				Name: "a",
				Classes: []ir.Class{
					{Name: "A", Methods: []ir.Function{{Name: "run", IsMethod: true}}},
					{Name: "B", Methods: []ir.Function{{Name: "run", IsMethod: true}}},
				},
			},
		},
	}

	ts := Transform("job-8", doc, nil)

	methods := make(map[string]graph.Node)

	for _, n := range ts.Nodes {
		if n.Label == graph.LabelMethod {
			methods[n.UniqueKey] = n
		}
	}

	require.Len(t, methods, 2)

	aRun, ok := methods["method:a.py:A:run"]
	require.True(t, ok)

	bRun, ok := methods["method:a.py:B:run"]
	require.True(t, ok)

	assert.Equal(t, "A", aRun.Properties["class_name"])
	assert.Equal(t, "B", bRun.Properties["class_name"])

	// class_name is part of the upsert identity, so the MERGE match clause
	// distinguishes the two nodes.
	assert.Equal(t, []string{"name", "class_name", "module_path"}, aRun.MatchProperties)
	assert.Equal(t, []string{"name", "class_name", "module_path"}, bRun.MatchProperties)
}

func TestTransform_Determinism(t *testing.T) {
	t.Parallel()

	doc := &Document{
		Modules: map[string]ir.ParsedModule{
			"a.py": {Path: "a.py", Name: "a", Imports: []ir.Import{{Name: "os"}, {Name: "sys"}}},
			"b.py": {Path: "b.py", Name: "b", Classes: []ir.Class{{Name: "Thing", Bases: []string{"object"}}}},
		},
	}

	first := Transform("job-5", doc, nil)
	second := Transform("job-5", doc, nil)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)

	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)

	assert.Equal(t, string(firstJSON), string(secondJSON))
	assert.Equal(t, RenderCypher(first), RenderCypher(second))
}

func TestTransform_RelationshipEndpointClosure(t *testing.T) {
	t.Parallel()

	doc := &Document{
		Modules: map[string]ir.ParsedModule{
			"a.py": {
				Path:    "a.py",
				Name:    "a",
				Imports: []ir.Import{{Name: "requests"}},
				Classes: []ir.Class{{Name: "Foo", Bases: []string{"Bar"}}},
			},
		},
	}

	ts := Transform("job-6", doc, nil)
	keys := ts.NodeKeys()

	for _, r := range ts.Relationships {
		_, sourceOK := keys[r.SourceKey]
		_, targetOK := keys[r.TargetKey]
		assert.True(t, sourceOK, "source %s must be in nodes", r.SourceKey)
		assert.True(t, targetOK, "target %s must be in nodes", r.TargetKey)
	}
}

func TestTransform_EmptyTree(t *testing.T) {
	t.Parallel()

	doc := &Document{Modules: map[string]ir.ParsedModule{}}
	ts := Transform("job-7", doc, nil)

	assert.Empty(t, ts.Nodes)
	assert.Empty(t, ts.Relationships)
}
