// Package graphstore declares the transactional contract the loader and
// backup components need from the external graph-store collaborator. It
// also ships an in-memory reference implementation exercised by pkg/load
// and pkg/backup tests, standing in for a real driver (e.g. a Neo4j bolt
// client): this repo defines the seam, not the engine.
package graphstore

import (
	"context"
	"errors"
	"sync"

	"github.com/shiftcmd/pycodegraph/pkg/graph"
)

// Sentinel errors the loader classifies against its retry policy.
var (
	ErrTransient = errors.New("transient store error")
	ErrPermanent = errors.New("permanent store error")
)

// Tx is one transactional unit of work against the store.
type Tx interface {
	UpsertNodes(ctx context.Context, nodes []graph.Node) error
	UpsertRelationships(ctx context.Context, rels []graph.Relationship) (skipped []SkippedRelationship, err error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SkippedRelationship records a relationship whose endpoint could not be
// found during upload; a skip never aborts the batch.
type SkippedRelationship struct {
	Relationship graph.Relationship `json:"relationship"`
	Reason       string             `json:"reason"`
}

// AdminClient is the pause/resume/data-directory seam pkg/backup uses to
// snapshot the store safely.
type AdminClient interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	DataDir() string
}

// Client is the full contract the loader depends on.
type Client interface {
	AdminClient

	BeginTx(ctx context.Context) (Tx, error)
	EnsureConstraint(ctx context.Context, label, property string, compositeWith ...string) error
	Clear(ctx context.Context) error
}

// LocalAdmin is an AdminClient for a store whose engine is managed out of
// process: Pause and Resume are acknowledged without action, and DataDir
// points at the engine's configured on-disk data directory so backups can
// archive it.
type LocalAdmin struct {
	dataDir string
}

// NewLocalAdmin constructs a LocalAdmin over dataDir.
func NewLocalAdmin(dataDir string) *LocalAdmin {
	return &LocalAdmin{dataDir: dataDir}
}

// Pause acknowledges the pause request.
func (a *LocalAdmin) Pause(_ context.Context) error { return nil }

// Resume acknowledges the resume request.
func (a *LocalAdmin) Resume(_ context.Context) error { return nil }

// DataDir returns the engine's data directory.
func (a *LocalAdmin) DataDir() string { return a.dataDir }

// InMemoryStore is a faithful in-memory Client used by tests and by the
// standalone CLIs. One mutex guards its maps for the duration of each
// call; it does not serialize whole transactions, so two loaders'
// transactions can interleave here. The one-loader-at-a-time rule is
// enforced by the orchestrator's store lock, not by this type.
type InMemoryStore struct {
	mu            sync.Mutex
	nodes         map[string]graph.Node
	relationships map[string]graph.Relationship
	constraints   map[string]struct{}
	paused        bool
	rejectOver    int // batches larger than this are rejected as transient, for backpressure tests.
	rejectAll     bool
}

// NewInMemoryStore creates an empty in-memory graph store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		nodes:         make(map[string]graph.Node),
		relationships: make(map[string]graph.Relationship),
		constraints:   make(map[string]struct{}),
	}
}

// SetRejectOver configures the store to reject (transiently) any single
// UpsertNodes/UpsertRelationships call larger than n items, simulating the
// loader's backpressure handling. n<=0 disables rejection.
func (s *InMemoryStore) SetRejectOver(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rejectOver = n
}

// SetRejectAll configures the store to transiently reject every upsert,
// simulating a persistently unavailable store.
func (s *InMemoryStore) SetRejectAll(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rejectAll = reject
}

// NodeCount returns the current number of stored nodes.
func (s *InMemoryStore) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.nodes)
}

// RelationshipCount returns the current number of stored relationships.
func (s *InMemoryStore) RelationshipCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.relationships)
}

// Pause marks the store paused; any concurrent upload attempt must wait
// (enforced by the caller).
func (s *InMemoryStore) Pause(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = true

	return nil
}

// Resume marks the store resumed.
func (s *InMemoryStore) Resume(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = false

	return nil
}

// DataDir returns the configured data directory backing this store. The
// in-memory store has none; callers needing an archivable directory use
// pkg/backup against a real filesystem-backed Client.
func (s *InMemoryStore) DataDir() string { return "" }

// Clear removes every node and relationship, the store-specific clear
// primitive pkg/load invokes within a single transaction when
// clear_before_load is set.
func (s *InMemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]graph.Node)
	s.relationships = make(map[string]graph.Relationship)

	return nil
}

// EnsureConstraint idempotently records a uniqueness constraint.
func (s *InMemoryStore) EnsureConstraint(_ context.Context, label, property string, compositeWith ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := label + ":" + property
	for _, c := range compositeWith {
		key += "," + c
	}

	s.constraints[key] = struct{}{}

	return nil
}

// BeginTx starts a transaction against the in-memory store.
func (s *InMemoryStore) BeginTx(_ context.Context) (Tx, error) {
	return &inMemoryTx{store: s}, nil
}

type inMemoryTx struct {
	store        *InMemoryStore
	pendingNodes []graph.Node
	pendingRels  []graph.Relationship
}

func (tx *inMemoryTx) UpsertNodes(_ context.Context, nodes []graph.Node) error {
	tx.store.mu.Lock()
	reject := tx.store.rejectAll || (tx.store.rejectOver > 0 && len(nodes) > tx.store.rejectOver)
	tx.store.mu.Unlock()

	if reject {
		return ErrTransient
	}

	tx.pendingNodes = append(tx.pendingNodes, nodes...)

	return nil
}

func (tx *inMemoryTx) UpsertRelationships(_ context.Context, rels []graph.Relationship) ([]SkippedRelationship, error) {
	tx.store.mu.Lock()
	reject := tx.store.rejectAll || (tx.store.rejectOver > 0 && len(rels) > tx.store.rejectOver)
	tx.store.mu.Unlock()

	if reject {
		return nil, ErrTransient
	}

	var skipped []SkippedRelationship

	tx.store.mu.Lock()
	for _, r := range rels {
		_, sourceOK := tx.store.nodes[r.SourceKey]
		_, targetOK := tx.store.nodes[r.TargetKey]

		if !sourceOK || !targetOK {
			skipped = append(skipped, SkippedRelationship{Relationship: r, Reason: "endpoint_missing"})

			continue
		}

		tx.pendingRels = append(tx.pendingRels, r)
	}
	tx.store.mu.Unlock()

	return skipped, nil
}

func (tx *inMemoryTx) Commit(_ context.Context) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	for _, n := range tx.pendingNodes {
		tx.store.nodes[n.UniqueKey] = n
	}

	for _, r := range tx.pendingRels {
		tx.store.relationships[r.SourceKey+"|"+string(r.RelType)+"|"+r.TargetKey] = r
	}

	return nil
}

func (tx *inMemoryTx) Rollback(_ context.Context) error {
	tx.pendingNodes = nil
	tx.pendingRels = nil

	return nil
}
