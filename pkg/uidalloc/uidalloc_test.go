package uidalloc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grapl-security/grapl-core/pkg/model"
)

func newTestServer(t *testing.T, rangeSize uint64) (*httptest.Server, *uint64) {
	t.Helper()
	var next uint64 = 1
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		start := next
		next += rangeSize
		_ = json.NewEncoder(w).Encode(allocateRangeResponse{Start: start, Count: rangeSize})
	}))
	return srv, &next
}

func TestClient_AllocateID_Monotonic(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, RangeSize: 10})
	tenant := model.Tenant{0x01}

	var prev model.Uid
	for i := 0; i < 25; i++ {
		uid, err := c.AllocateID(context.Background(), tenant)
		require.NoError(t, err)
		assert.Greater(t, uid, prev)
		prev = uid
	}
}

func TestClient_AllocateID_NeverZero(t *testing.T) {
	srv, _ := newTestServer(t, 5)
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, RangeSize: 5})
	tenant := model.Tenant{0x02}

	for i := 0; i < 50; i++ {
		uid, err := c.AllocateID(context.Background(), tenant)
		require.NoError(t, err)
		assert.NotZero(t, uid)
	}
}

func TestClient_AllocateID_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, RangeSize: 5})
	_, err := c.AllocateID(context.Background(), model.Tenant{0x03})
	require.Error(t, err)
}

func TestClient_AllocateID_ConcurrentSharesRange(t *testing.T) {
	srv, _ := newTestServer(t, 1000)
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, RangeSize: 1000})
	tenant := model.Tenant{0x04}

	seen := make(map[model.Uid]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uid, err := c.AllocateID(context.Background(), tenant)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[uid], "uid %d allocated twice", uid)
			seen[uid] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 200)
}
