package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grapl-security/grapl-core/pkg/model"
	"github.com/grapl-security/grapl-core/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateNode(t *testing.T, s *store.Store, tenant model.Tenant, uid model.Uid, nodeType model.NodeType) {
	t.Helper()
	require.NoError(t, s.SetNodeType(tenant, uid, nodeType))
}

func TestEngine_QueryGraphWithUid_SingleNodeMatch(t *testing.T) {
	s := openTestStore(t)
	tenant := model.Tenant{0x01}

	mustCreateNode(t, s, tenant, 1, "process")
	require.NoError(t, s.UpsertImmutableString(tenant, 1, "exe_name", "svchost.exe"))

	gq := NewGraphQuery("root")
	gq.AddNodeQuery("root", &NodePropertyQuery{
		NodeType:      "process",
		StringFilters: map[model.PropertyName]StringOrFilters{"exe_name": {{{Op: StringEqual, Value: "svchost.exe"}}}},
	})

	e := New(s)
	view, err := e.QueryGraphWithUid(context.Background(), tenant, 1, gq)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, model.Uid(1), view.RootUid)
	require.Contains(t, view.Nodes, model.Uid(1))
}

func TestEngine_QueryGraphWithUid_PropertyMismatchNoMatch(t *testing.T) {
	s := openTestStore(t)
	tenant := model.Tenant{0x02}

	mustCreateNode(t, s, tenant, 1, "process")
	require.NoError(t, s.UpsertImmutableString(tenant, 1, "exe_name", "svchost.exe"))

	gq := NewGraphQuery("root")
	gq.AddNodeQuery("root", &NodePropertyQuery{
		NodeType:      "process",
		StringFilters: map[model.PropertyName]StringOrFilters{"exe_name": {{{Op: StringEqual, Value: "evil.exe"}}}},
	})

	e := New(s)
	view, err := e.QueryGraphWithUid(context.Background(), tenant, 1, gq)
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestEngine_QueryGraphWithUid_EdgeTraversalRequiresMatch(t *testing.T) {
	s := openTestStore(t)
	tenant := model.Tenant{0x03}

	mustCreateNode(t, s, tenant, 1, "process")
	mustCreateNode(t, s, tenant, 2, "process")
	require.NoError(t, s.UpsertImmutableString(tenant, 2, "exe_name", "child.exe"))
	require.NoError(t, s.UpsertEdges(tenant, 1, 2, "children", "parent"))

	gq := NewGraphQuery("root")
	gq.AddNodeQuery("root", &NodePropertyQuery{NodeType: "process"})
	gq.AddNodeQuery("child", &NodePropertyQuery{
		NodeType:      "process",
		StringFilters: map[model.PropertyName]StringOrFilters{"exe_name": {{{Op: StringEqual, Value: "child.exe"}}}},
	})
	gq.AddEdge("root", "children", "parent", "child")

	e := New(s)
	view, err := e.QueryGraphWithUid(context.Background(), tenant, 1, gq)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Contains(t, view.Nodes, model.Uid(1))
	assert.Contains(t, view.Nodes, model.Uid(2))
	require.Len(t, view.Edges, 1)
	assert.Equal(t, model.Uid(1), view.Edges[0].FromUid)
	assert.Equal(t, model.Uid(2), view.Edges[0].ToUid)
}

func TestEngine_QueryGraphWithUid_MultipleMatchingNeighborsAllIncluded(t *testing.T) {
	s := openTestStore(t)
	tenant := model.Tenant{0x03, 0x01}

	mustCreateNode(t, s, tenant, 1, "process")
	mustCreateNode(t, s, tenant, 2, "process")
	mustCreateNode(t, s, tenant, 3, "process")
	mustCreateNode(t, s, tenant, 4, "process")
	require.NoError(t, s.UpsertImmutableString(tenant, 2, "exe_name", "child.exe"))
	require.NoError(t, s.UpsertImmutableString(tenant, 3, "exe_name", "child.exe"))
	require.NoError(t, s.UpsertImmutableString(tenant, 4, "exe_name", "child.exe"))
	require.NoError(t, s.UpsertEdges(tenant, 1, 2, "children", "parent"))
	require.NoError(t, s.UpsertEdges(tenant, 1, 3, "children", "parent"))
	require.NoError(t, s.UpsertEdges(tenant, 1, 4, "children", "parent"))

	gq := NewGraphQuery("root")
	gq.AddNodeQuery("root", &NodePropertyQuery{NodeType: "process"})
	gq.AddNodeQuery("child", &NodePropertyQuery{
		NodeType:      "process",
		StringFilters: map[model.PropertyName]StringOrFilters{"exe_name": {{{Op: StringEqual, Value: "child.exe"}}}},
	})
	gq.AddEdge("root", "children", "parent", "child")

	e := New(s)
	view, err := e.QueryGraphWithUid(context.Background(), tenant, 1, gq)
	require.NoError(t, err)
	require.NotNil(t, view)

	assert.Contains(t, view.Nodes, model.Uid(1))
	assert.Contains(t, view.Nodes, model.Uid(2))
	assert.Contains(t, view.Nodes, model.Uid(3))
	assert.Contains(t, view.Nodes, model.Uid(4))

	require.Len(t, view.Edges, 3)
	gotDests := make(map[model.Uid]bool)
	for _, edge := range view.Edges {
		assert.Equal(t, model.Uid(1), edge.FromUid)
		gotDests[edge.ToUid] = true
	}
	assert.True(t, gotDests[2])
	assert.True(t, gotDests[3])
	assert.True(t, gotDests[4])
}

func TestEngine_QueryGraphWithUid_NonMatchThenMatchNeighborStillMatches(t *testing.T) {
	s := openTestStore(t)
	tenant := model.Tenant{0x03, 0x02}

	mustCreateNode(t, s, tenant, 1, "process")
	// uid 2 sorts before uid 3 in badger's key order, so the non-matching
	// neighbor's recursion is launched first; neighbors then run
	// concurrently, and its mismatch must not abort uid 3's match.
	mustCreateNode(t, s, tenant, 2, "process")
	mustCreateNode(t, s, tenant, 3, "process")
	require.NoError(t, s.UpsertImmutableString(tenant, 2, "exe_name", "unrelated.exe"))
	require.NoError(t, s.UpsertImmutableString(tenant, 3, "exe_name", "child.exe"))
	require.NoError(t, s.UpsertEdges(tenant, 1, 2, "children", "parent"))
	require.NoError(t, s.UpsertEdges(tenant, 1, 3, "children", "parent"))

	gq := NewGraphQuery("root")
	gq.AddNodeQuery("root", &NodePropertyQuery{NodeType: "process"})
	gq.AddNodeQuery("child", &NodePropertyQuery{
		NodeType:      "process",
		StringFilters: map[model.PropertyName]StringOrFilters{"exe_name": {{{Op: StringEqual, Value: "child.exe"}}}},
	})
	gq.AddEdge("root", "children", "parent", "child")

	e := New(s)
	view, err := e.QueryGraphWithUid(context.Background(), tenant, 1, gq)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Contains(t, view.Nodes, model.Uid(1))
	assert.Contains(t, view.Nodes, model.Uid(3))
	assert.NotContains(t, view.Nodes, model.Uid(2))
	require.Len(t, view.Edges, 1)
	assert.Equal(t, model.Uid(3), view.Edges[0].ToUid)
}

func TestEngine_QueryGraphWithUid_RequiredEdgeWithNoMatchingNeighborFails(t *testing.T) {
	s := openTestStore(t)
	tenant := model.Tenant{0x04}

	mustCreateNode(t, s, tenant, 1, "process")
	mustCreateNode(t, s, tenant, 2, "process")
	require.NoError(t, s.UpsertImmutableString(tenant, 2, "exe_name", "child.exe"))
	require.NoError(t, s.UpsertEdges(tenant, 1, 2, "children", "parent"))

	gq := NewGraphQuery("root")
	gq.AddNodeQuery("root", &NodePropertyQuery{NodeType: "process"})
	gq.AddNodeQuery("child", &NodePropertyQuery{
		NodeType:      "process",
		StringFilters: map[model.PropertyName]StringOrFilters{"exe_name": {{{Op: StringEqual, Value: "nonexistent.exe"}}}},
	})
	gq.AddEdge("root", "children", "parent", "child")

	e := New(s)
	view, err := e.QueryGraphWithUid(context.Background(), tenant, 1, gq)
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestEngine_QueryGraphWithUid_CycleDoesNotInfiniteLoop(t *testing.T) {
	s := openTestStore(t)
	tenant := model.Tenant{0x05}

	mustCreateNode(t, s, tenant, 1, "process")
	mustCreateNode(t, s, tenant, 2, "process")
	require.NoError(t, s.UpsertEdges(tenant, 1, 2, "children", "parent"))
	require.NoError(t, s.UpsertEdges(tenant, 2, 1, "children", "parent"))

	gq := NewGraphQuery("root")
	gq.AddNodeQuery("root", &NodePropertyQuery{NodeType: "process"})
	gq.AddEdge("root", "children", "parent", "root")

	e := New(s)
	done := make(chan struct{})
	var view *GraphView
	var err error
	go func() {
		view, err = e.QueryGraphWithUid(context.Background(), tenant, 1, gq)
		close(done)
	}()
	<-done
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Contains(t, view.Nodes, model.Uid(1))
	assert.Contains(t, view.Nodes, model.Uid(2))
}

func TestEngine_QueryGraphWithUid_MissingNodeIsNoMatchNotError(t *testing.T) {
	s := openTestStore(t)
	tenant := model.Tenant{0x06}

	gq := NewGraphQuery("root")
	gq.AddNodeQuery("root", &NodePropertyQuery{NodeType: "process"})

	e := New(s)
	view, err := e.QueryGraphWithUid(context.Background(), tenant, 999, gq)
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestEngine_QueryGraphWithUid_ShortCircuitBoundsReadCost(t *testing.T) {
	s := openTestStore(t)
	tenant := model.Tenant{0x07}

	const fanout = 1000
	mustCreateNode(t, s, tenant, 1, "process")
	for i := model.Uid(2); i < 2+fanout; i++ {
		mustCreateNode(t, s, tenant, i, "process")
		require.NoError(t, s.UpsertImmutableString(tenant, i, "exe_name", "normal.exe"))
		require.NoError(t, s.UpsertEdges(tenant, 1, i, "children", "parent"))
	}

	gq := NewGraphQuery("root")
	gq.AddNodeQuery("root", &NodePropertyQuery{NodeType: "process"})
	gq.AddNodeQuery("child", &NodePropertyQuery{
		NodeType:      "process",
		StringFilters: map[model.PropertyName]StringOrFilters{"exe_name": {{{Op: StringEqual, Value: "never.exe"}}}},
	})
	gq.AddEdge("root", "children", "parent", "child")

	e := New(s)
	view, err := e.QueryGraphWithUid(context.Background(), tenant, 1, gq)
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestEngine_QueryGraphWithUid_ContextCancellationAborts(t *testing.T) {
	s := openTestStore(t)
	tenant := model.Tenant{0x08}
	mustCreateNode(t, s, tenant, 1, "process")

	gq := NewGraphQuery("root")
	gq.AddNodeQuery("root", &NodePropertyQuery{NodeType: "process"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(s)
	view, err := e.QueryGraphWithUid(ctx, tenant, 1, gq)
	require.Error(t, err)
	assert.Nil(t, view)
}

func TestEngine_QueryGraphWithUid_UnknownEdgeReturnsNoNeighbors(t *testing.T) {
	s := openTestStore(t)
	tenant := model.Tenant{0x09}
	mustCreateNode(t, s, tenant, 1, "process")

	gq := NewGraphQuery("root")
	gq.AddNodeQuery("root", &NodePropertyQuery{NodeType: "process"})
	gq.AddNodeQuery("child", &NodePropertyQuery{NodeType: "process"})
	gq.AddEdge("root", "children", "parent", "child")

	e := New(s)
	view, err := e.QueryGraphWithUid(context.Background(), tenant, 1, gq)
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestEngine_QueryGraphFromUid_SameSemanticsAsWithUid(t *testing.T) {
	s := openTestStore(t)
	tenant := model.Tenant{0x0a}
	mustCreateNode(t, s, tenant, 1, "process")

	gq := NewGraphQuery("root")
	gq.AddNodeQuery("root", &NodePropertyQuery{NodeType: "process"})

	e := New(s)
	view, err := e.QueryGraphFromUid(context.Background(), tenant, 1, gq)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, model.Uid(1), view.RootUid)
}
