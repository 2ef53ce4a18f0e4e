package mutation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grapl-security/grapl-core/pkg/model"
	"github.com/grapl-security/grapl-core/pkg/reverseedge"
	"github.com/grapl-security/grapl-core/pkg/store"
	"github.com/grapl-security/grapl-core/pkg/uidalloc"
	"github.com/grapl-security/grapl-core/pkg/writedropper"
)

type allocateRangeResponse struct {
	Start uint64 `json:"start"`
	Count uint64 `json:"count"`
}

type resolveResponse struct {
	ReverseEdgeName string `json:"reverse_edge_name"`
	Found           bool   `json:"found"`
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	var next uint64 = 1
	var mu sync.Mutex
	allocSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		start := next
		next += 1000
		_ = json.NewEncoder(w).Encode(allocateRangeResponse{Start: start, Count: 1000})
	}))
	t.Cleanup(allocSrv.Close)

	schemaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(resolveResponse{ReverseEdgeName: "parent", Found: true})
	}))
	t.Cleanup(schemaSrv.Close)

	s, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	allocator := uidalloc.NewClient(uidalloc.Config{Endpoint: allocSrv.URL, RangeSize: 1000})

	resolver, err := reverseedge.NewResolver(reverseedge.Config{Endpoint: schemaSrv.URL})
	require.NoError(t, err)

	dropper, err := writedropper.New(0)
	require.NoError(t, err)

	return New(s, allocator, resolver, dropper, nil)
}

func TestEngine_CreateNode_NeverZeroUid(t *testing.T) {
	e := newTestEngine(t)
	tenant := model.Tenant{0x01}

	uid, err := e.CreateNode(context.Background(), tenant, "process")
	require.NoError(t, err)
	assert.NotZero(t, uid)

	nodeType, ok, err := e.store.GetNodeType(tenant, uid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.NodeType("process"), nodeType)
}

func TestEngine_SetNodeProperty_MaxConvergesToHighest(t *testing.T) {
	e := newTestEngine(t)
	tenant := model.Tenant{0x02}

	uid, err := e.CreateNode(context.Background(), tenant, "process")
	require.NoError(t, err)

	for _, v := range []int64{10, 50, 30, 100, 20} {
		_, err := e.SetNodeProperty(tenant, uid, "process", "last_seen", model.NewMaxInt(v))
		require.NoError(t, err)
	}

	stored, ok, err := e.store.GetMaxInt(tenant, uid, "last_seen")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), stored)
}

func TestEngine_SetNodeProperty_ImmutableRepeatDoesNotChangeValue(t *testing.T) {
	e := newTestEngine(t)
	tenant := model.Tenant{0x03}

	uid, err := e.CreateNode(context.Background(), tenant, "process")
	require.NoError(t, err)

	_, err = e.SetNodeProperty(tenant, uid, "process", "exe_name", model.NewImmutableStr("first.exe"))
	require.NoError(t, err)
	_, err = e.SetNodeProperty(tenant, uid, "process", "exe_name", model.NewImmutableStr("second.exe"))
	require.NoError(t, err)

	val, ok, err := e.store.GetImmutableString(tenant, uid, "exe_name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first.exe", val)
}

func TestEngine_CreateEdge_MaterializesReverse(t *testing.T) {
	e := newTestEngine(t)
	tenant := model.Tenant{0x04}

	from, err := e.CreateNode(context.Background(), tenant, "process")
	require.NoError(t, err)
	to, err := e.CreateNode(context.Background(), tenant, "process")
	require.NoError(t, err)

	_, err = e.CreateEdge(context.Background(), tenant, from, to, "children", "process")
	require.NoError(t, err)

	neighbors, err := e.store.GetEdges(tenant, to, "parent")
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, from, neighbors[0].DestUid)
}

func TestEngine_CreateEdge_RejectsSelfEdge(t *testing.T) {
	e := newTestEngine(t)
	tenant := model.Tenant{0x05}

	uid, err := e.CreateNode(context.Background(), tenant, "process")
	require.NoError(t, err)

	_, err = e.CreateEdge(context.Background(), tenant, uid, uid, "children", "process")
	require.Error(t, err)
}

func TestEngine_ConcurrentImmutableWrites_SingleEffectiveInsert(t *testing.T) {
	e := newTestEngine(t)
	tenant := model.Tenant{0x06}

	uid, err := e.CreateNode(context.Background(), tenant, "process")
	require.NoError(t, err)

	var calls int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			atomic.AddInt64(&calls, 1)
			_, err := e.SetNodeProperty(tenant, uid, "process", "exe_name", model.NewImmutableStr("svchost.exe"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	val, ok, err := e.store.GetImmutableString(tenant, uid, "exe_name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "svchost.exe", val)
}
