package graphstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftcmd/pycodegraph/pkg/graph"
)

func nodesOf(keys ...string) []graph.Node {
	out := make([]graph.Node, 0, len(keys))
	for _, k := range keys {
		out = append(out, graph.Node{Label: graph.LabelModule, UniqueKey: k})
	}

	return out
}

func TestInMemoryStore_CommitMakesNodesVisible(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertNodes(ctx, nodesOf("module:a.py", "module:b.py")))

	assert.Equal(t, 0, store.NodeCount())

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 2, store.NodeCount())
}

func TestInMemoryStore_RollbackDiscardsPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertNodes(ctx, nodesOf("module:a.py")))
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, 0, store.NodeCount())
}

func TestInMemoryStore_UpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()

	for i := 0; i < 2; i++ {
		tx, err := store.BeginTx(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.UpsertNodes(ctx, nodesOf("module:a.py")))
		require.NoError(t, tx.Commit(ctx))
	}

	assert.Equal(t, 1, store.NodeCount())
}

func TestInMemoryStore_MissingEndpointIsSkippedNotFatal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertNodes(ctx, nodesOf("module:a.py")))
	require.NoError(t, tx.Commit(ctx))

	tx, err = store.BeginTx(ctx)
	require.NoError(t, err)

	skipped, err := tx.UpsertRelationships(ctx, []graph.Relationship{
		{SourceKey: "module:a.py", TargetKey: "module:missing.py", RelType: graph.RelImports},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	require.Len(t, skipped, 1)
	assert.Equal(t, "endpoint_missing", skipped[0].Reason)
	assert.Equal(t, 0, store.RelationshipCount())
}

func TestInMemoryStore_Clear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertNodes(ctx, nodesOf("module:a.py")))
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, store.Clear(ctx))
	assert.Equal(t, 0, store.NodeCount())
}

func TestInMemoryStore_RejectOver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	store.SetRejectOver(1)

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)

	err = tx.UpsertNodes(ctx, nodesOf("module:a.py", "module:b.py"))
	require.ErrorIs(t, err, ErrTransient)

	require.NoError(t, tx.UpsertNodes(ctx, nodesOf("module:a.py")))
}

func TestLocalAdmin(t *testing.T) {
	t.Parallel()

	admin := NewLocalAdmin("/data/graph")

	assert.Equal(t, "/data/graph", admin.DataDir())
	assert.NoError(t, admin.Pause(context.Background()))
	assert.NoError(t, admin.Resume(context.Background()))
}
