package reverseedge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grapl-security/grapl-core/pkg/model"
)

func TestResolver_ResolveReverseEdge_CachesAcrossCalls(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		_ = json.NewEncoder(w).Encode(resolveResponse{ReverseEdgeName: "children", Found: true})
	}))
	defer srv.Close()

	r, err := NewResolver(Config{Endpoint: srv.URL})
	require.NoError(t, err)

	tenant := model.Tenant{0x01}
	for i := 0; i < 10; i++ {
		reverse, err := r.ResolveReverseEdge(context.Background(), tenant, "process", "parent")
		require.NoError(t, err)
		assert.Equal(t, model.EdgeName("children"), reverse)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestResolver_ResolveReverseEdge_UnknownEdge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r, err := NewResolver(Config{Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = r.ResolveReverseEdge(context.Background(), model.Tenant{0x02}, "process", "unknown")
	assert.ErrorIs(t, err, ErrUnknownEdge)
}

func TestResolver_ResolveReverseEdge_SingleFlightsConcurrentMisses(t *testing.T) {
	var calls int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		<-release
		_ = json.NewEncoder(w).Encode(resolveResponse{ReverseEdgeName: "children", Found: true})
	}))
	defer srv.Close()

	r, err := NewResolver(Config{Endpoint: srv.URL})
	require.NoError(t, err)

	tenant := model.Tenant{0x03}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reverse, err := r.ResolveReverseEdge(context.Background(), tenant, "process", "parent")
			assert.NoError(t, err)
			assert.Equal(t, model.EdgeName("children"), reverse)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}
