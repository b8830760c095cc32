// Package graph defines the tuple representation the transformer
// (pkg/transform) produces and the loader (pkg/load) uploads: nodes and
// relationships with content-stable identity.
package graph

// Label enumerates the node labels this system ever emits.
type Label string

// Node labels.
const (
	LabelModule   Label = "Module"
	LabelClass    Label = "Class"
	LabelMethod   Label = "Method"
	LabelFunction Label = "Function"
	LabelVariable Label = "Variable"
)

// RelType enumerates the relationship types this system ever emits.
type RelType string

// Relationship types.
const (
	RelContains     RelType = "CONTAINS"
	RelHasMethod    RelType = "HAS_METHOD"
	RelInheritsFrom RelType = "INHERITS_FROM"
	RelImports      RelType = "IMPORTS"
)

// Node is one graph vertex. UniqueKey is the authoritative identity;
// MatchProperties names the subset of Properties the loader uses as an
// idempotent-upsert match clause.
type Node struct {
	Label           Label          `json:"label"`
	UniqueKey       string         `json:"unique_key"`
	Properties      map[string]any `json:"properties"`
	MatchProperties []string       `json:"match_properties"`
	Placeholder     bool           `json:"placeholder,omitempty"`
}

// Relationship is one graph edge between two node keys. SourceLabel/TargetLabel
// are hints the loader uses to disambiguate endpoint lookups when a key alone
// is ambiguous.
type Relationship struct {
	SourceKey   string         `json:"source_key"`
	TargetKey   string         `json:"target_key"`
	RelType     RelType        `json:"rel_type"`
	Properties  map[string]any `json:"properties,omitempty"`
	SourceLabel Label          `json:"source_label"`
	TargetLabel Label          `json:"target_label"`
}

// Metadata is the header block of a tuples document.
type Metadata struct {
	JobID             string `json:"job_id"`
	GeneratedAt       string `json:"generated_at"`
	ModulesProcessed  int    `json:"modules_processed"`
	NodeCount         int    `json:"node_count"`
	RelationshipCount int    `json:"relationship_count"`
}

// TupleSet is the transformer's output: a deterministically-ordered document
// of nodes and relationships, sorted by (label/rel_type, unique_key) before
// serialization and never held as maps.
type TupleSet struct {
	Metadata      Metadata       `json:"metadata"`
	Nodes         []Node         `json:"nodes"`
	Relationships []Relationship `json:"relationships"`
}

// NodeKeys returns the set of unique keys present in the node list, used by
// callers that need an endpoint-closure check without re-walking the slice
// repeatedly.
func (ts *TupleSet) NodeKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(ts.Nodes))
	for _, n := range ts.Nodes {
		keys[n.UniqueKey] = struct{}{}
	}

	return keys
}
