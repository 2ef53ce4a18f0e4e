package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grapl-security/grapl-core/pkg/historydb"
	"github.com/grapl-security/grapl-core/pkg/model"
)

func openTestDB(t *testing.T) *historydb.DB {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := historydb.Open(context.Background(), "sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestIdentifier(t *testing.T, defaultMode bool) (*Identifier, *historydb.DB) {
	t.Helper()
	db := openTestDB(t)
	return New(db, Config{Pepper: []byte("test-pepper"), DefaultMode: defaultMode}), db
}

func processSubgraph(ts uint64, assetID string, pid uint64, state model.SessionState) *model.UnidentifiedSubgraph {
	sg := model.NewUnidentifiedSubgraph(ts)
	sg.Nodes["evt-node"] = &model.NodeDescription{
		NodeKey:      "evt-node",
		Variant:      model.VariantProcess,
		Timestamp:    ts,
		Asset:        model.AssetHint{AssetID: assetID},
		PID:          pid,
		SessionState: state,
	}
	return sg
}

func TestIdentifier_ProcessCreateIdempotency(t *testing.T) {
	id, db := newTestIdentifier(t, false)
	tenant := model.Tenant{0x01}
	ctx := context.Background()

	sg := processSubgraph(1000, "A", 123, model.SessionCreated)
	result, err := id.IdentifyBatch(ctx, tenant, []*model.UnidentifiedSubgraph{sg})
	require.NoError(t, err)
	require.Empty(t, result.Failures)
	require.Len(t, result.Merged.Nodes, 1)

	var firstKey model.NodeKey
	for k := range result.Merged.Nodes {
		firstKey = k
	}

	row, err := db.FindSessionByCreateTime(ctx, historydb.SessionKey{Kind: historydb.KindProcess, AssetID: "A", KeyParts: []interface{}{int64(123)}}, 1000)
	require.NoError(t, err)
	require.NotNil(t, row)
	firstSessionID := row.SessionID

	sg2 := processSubgraph(1000, "A", 123, model.SessionCreated)
	result2, err := id.IdentifyBatch(ctx, tenant, []*model.UnidentifiedSubgraph{sg2})
	require.NoError(t, err)
	require.Empty(t, result2.Failures)
	require.Len(t, result2.Merged.Nodes, 1)

	var secondKey model.NodeKey
	for k := range result2.Merged.Nodes {
		secondKey = k
	}
	assert.Equal(t, firstKey, secondKey)

	row2, err := db.FindSessionByCreateTime(ctx, historydb.SessionKey{Kind: historydb.KindProcess, AssetID: "A", KeyParts: []interface{}{int64(123)}}, 1000)
	require.NoError(t, err)
	require.NotNil(t, row2)
	assert.Equal(t, firstSessionID, row2.SessionID)
}

func TestIdentifier_ExistingThenCreateCoalesce(t *testing.T) {
	id, db := newTestIdentifier(t, true)
	tenant := model.Tenant{0x02}
	ctx := context.Background()

	existingSg := processSubgraph(1100, "A", 123, model.SessionExisting)
	existingResult, err := id.IdentifyBatch(ctx, tenant, []*model.UnidentifiedSubgraph{existingSg})
	require.NoError(t, err)
	require.Empty(t, existingResult.Failures)
	require.Len(t, existingResult.Merged.Nodes, 1)

	guessKey := historydb.SessionKey{Kind: historydb.KindProcess, AssetID: "A", KeyParts: []interface{}{int64(123)}}
	guessRow, err := db.FindNextSession(ctx, guessKey, 0)
	require.NoError(t, err)
	require.NotNil(t, guessRow)
	assert.True(t, guessRow.IsGuess)
	guessSessionID := guessRow.SessionID

	createdSg := processSubgraph(1000, "A", 123, model.SessionCreated)
	createdResult, err := id.IdentifyBatch(ctx, tenant, []*model.UnidentifiedSubgraph{createdSg})
	require.NoError(t, err)
	require.Empty(t, createdResult.Failures)

	finalRow, err := db.FindSessionByCreateTime(ctx, guessKey, 1000)
	require.NoError(t, err)
	require.NotNil(t, finalRow)
	assert.Equal(t, guessSessionID, finalRow.SessionID)
	assert.False(t, finalRow.IsGuess)

	var existingKey, createdKey model.NodeKey
	for k := range existingResult.Merged.Nodes {
		existingKey = k
	}
	for k := range createdResult.Merged.Nodes {
		createdKey = k
	}
	assert.Equal(t, existingKey, createdKey)
}

func TestIdentifier_ExistingNonDefaultFailsAgainstEmptyTable(t *testing.T) {
	id, _ := newTestIdentifier(t, false)
	tenant := model.Tenant{0x03}
	ctx := context.Background()

	sg := processSubgraph(1000, "A", 123, model.SessionExisting)
	result, err := id.IdentifyBatch(ctx, tenant, []*model.UnidentifiedSubgraph{sg})
	require.NoError(t, err)
	assert.Empty(t, result.Merged.Nodes)
	require.Len(t, result.Failures, 1)
}

func TestIdentifier_AssetResolutionDropsDeadNode(t *testing.T) {
	id, _ := newTestIdentifier(t, false)
	tenant := model.Tenant{0x04}
	ctx := context.Background()

	sg := model.NewUnidentifiedSubgraph(2000)
	sg.Nodes["file-node"] = &model.NodeDescription{
		NodeKey:   "file-node",
		Variant:   model.VariantFile,
		Timestamp: 2000,
		Asset:     model.AssetHint{Hostname: "H"},
		Path:      "/bin/sh",
	}
	sg.Nodes["other-node"] = &model.NodeDescription{
		NodeKey:   "other-node",
		Variant:   model.VariantFile,
		Timestamp: 2000,
		Asset:     model.AssetHint{AssetID: "A"},
		Path:      "/bin/ls",
	}
	sg.Edges["file-node"] = []model.EdgeDescription{{FromKey: "file-node", ToKey: "other-node", EdgeName: "wrote"}}

	result, err := id.IdentifyBatch(ctx, tenant, []*model.UnidentifiedSubgraph{sg})
	require.NoError(t, err)
	require.Empty(t, result.Failures)
	require.Len(t, result.Merged.Nodes, 1)
	for _, node := range result.Merged.Nodes {
		assert.Equal(t, "/bin/ls", node.Path)
	}
	for _, edges := range result.Merged.Edges {
		assert.Empty(t, edges)
	}
}

func TestIdentifier_TerminatedWithNoSessionIsDroppedNotFailed(t *testing.T) {
	id, _ := newTestIdentifier(t, false)
	tenant := model.Tenant{0x05}
	ctx := context.Background()

	sg := processSubgraph(5000, "A", 999, model.SessionTerminated)
	result, err := id.IdentifyBatch(ctx, tenant, []*model.UnidentifiedSubgraph{sg})
	require.NoError(t, err)
	require.Empty(t, result.Failures)
	assert.Empty(t, result.Merged.Nodes)
}

func TestIdentifier_EdgeToUndeclaredNodeFailsSubgraph(t *testing.T) {
	id, _ := newTestIdentifier(t, false)
	tenant := model.Tenant{0x06}
	ctx := context.Background()

	sg := model.NewUnidentifiedSubgraph(1000)
	sg.Nodes["a"] = &model.NodeDescription{NodeKey: "a", Variant: model.VariantAsset, Timestamp: 1000, Asset: model.AssetHint{AssetID: "A"}}
	sg.Edges["a"] = []model.EdgeDescription{{FromKey: "a", ToKey: "never-declared", EdgeName: "touches"}}

	result, err := id.IdentifyBatch(ctx, tenant, []*model.UnidentifiedSubgraph{sg})
	require.NoError(t, err)
	assert.Empty(t, result.Merged.Nodes)
	require.Len(t, result.Failures, 1)
}

func TestIdentifier_BatchOrdersAscendingByTimestampAcrossSubgraphs(t *testing.T) {
	id, db := newTestIdentifier(t, false)
	tenant := model.Tenant{0x07}
	ctx := context.Background()

	created := processSubgraph(1000, "A", 42, model.SessionCreated)
	existing := processSubgraph(1500, "A", 42, model.SessionExisting)

	result, err := id.IdentifyBatch(ctx, tenant, []*model.UnidentifiedSubgraph{existing, created})
	require.NoError(t, err)
	require.Empty(t, result.Failures)
	require.Len(t, result.Merged.Nodes, 1)

	guesses, err := db.FindNextSession(ctx, historydb.SessionKey{Kind: historydb.KindProcess, AssetID: "A", KeyParts: []interface{}{int64(42)}}, 1999)
	require.NoError(t, err)
	assert.Nil(t, guesses)
}

func TestIdentifiedSubgraph_ContentKeyIsOrderIndependent(t *testing.T) {
	a := model.NewIdentifiedSubgraph()
	a.Nodes["k1"] = &model.NodeDescription{NodeKey: "k1", Variant: model.VariantProcess, Timestamp: 1}
	a.Nodes["k2"] = &model.NodeDescription{NodeKey: "k2", Variant: model.VariantProcess, Timestamp: 2}

	b := model.NewIdentifiedSubgraph()
	b.Nodes["k2"] = &model.NodeDescription{NodeKey: "k2", Variant: model.VariantProcess, Timestamp: 2}
	b.Nodes["k1"] = &model.NodeDescription{NodeKey: "k1", Variant: model.VariantProcess, Timestamp: 1}

	assert.Equal(t, a.ContentKey(), b.ContentKey())
	assert.NotEmpty(t, a.ContentKey())
}
