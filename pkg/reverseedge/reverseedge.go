// Package reverseedge implements the reverse-edge resolver (C2): given
// (tenant, source_node_type, forward_edge_name), it yields the canonical
// reverse edge name, memoized in a bounded process-local cache and
// single-flighted on miss so concurrent callers for the same key share one
// remote lookup.
package reverseedge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/grapl-security/grapl-core/pkg/model"
)

// ErrUnknownEdge is returned when the schema service has no reverse-edge
// mapping for the requested triple; it surfaces to callers as a structural
// error.
var ErrUnknownEdge = fmt.Errorf("reverseedge: unknown forward edge")

type key struct {
	tenant     model.Tenant
	nodeType   model.NodeType
	edgeName   model.EdgeName
}

// Resolver resolves forward edge names to their canonical reverse, consulting
// a remote schema service on cache miss.
type Resolver struct {
	endpoint   string
	httpClient *http.Client
	cache      *lru.Cache[key, model.EdgeName]
	group      singleflight.Group
}

// Config configures a Resolver.
type Config struct {
	// Endpoint is the remote schema service's base URL.
	Endpoint string
	// CacheCapacity bounds the number of memoized triples. Defaults to 10000.
	CacheCapacity int
	HTTPClient    *http.Client
}

// NewResolver constructs a Resolver from Config.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 10000
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	cache, err := lru.New[key, model.EdgeName](cfg.CacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("reverseedge: construct cache: %w", err)
	}
	return &Resolver{
		endpoint:   cfg.Endpoint,
		httpClient: cfg.HTTPClient,
		cache:      cache,
	}, nil
}

// ResolveReverseEdge returns the canonical reverse edge name for
// (tenant, sourceNodeType, forwardEdgeName). Results are memoized for the
// life of the process; misses for the same key across concurrent callers are
// single-flighted so at most one remote lookup is outstanding at a time.
func (r *Resolver) ResolveReverseEdge(ctx context.Context, tenant model.Tenant, sourceNodeType model.NodeType, forwardEdgeName model.EdgeName) (model.EdgeName, error) {
	k := key{tenant: tenant, nodeType: sourceNodeType, edgeName: forwardEdgeName}

	if reverse, ok := r.cache.Get(k); ok {
		return reverse, nil
	}

	sfKey := fmt.Sprintf("%s|%s|%s", tenant, sourceNodeType, forwardEdgeName)
	v, err, _ := r.group.Do(sfKey, func() (interface{}, error) {
		// Another goroutine may have populated the cache while we waited to
		// enter the singleflight group.
		if reverse, ok := r.cache.Get(k); ok {
			return reverse, nil
		}
		reverse, err := r.lookupRemote(ctx, tenant, sourceNodeType, forwardEdgeName)
		if err != nil {
			return model.EdgeName(""), err
		}
		r.cache.Add(k, reverse)
		return reverse, nil
	})
	if err != nil {
		return "", err
	}
	return v.(model.EdgeName), nil
}

type resolveRequest struct {
	Tenant         string `json:"tenant"`
	SourceNodeType string `json:"source_node_type"`
	ForwardEdge    string `json:"forward_edge_name"`
}

type resolveResponse struct {
	ReverseEdgeName string `json:"reverse_edge_name"`
	Found           bool   `json:"found"`
}

func (r *Resolver) lookupRemote(ctx context.Context, tenant model.Tenant, sourceNodeType model.NodeType, forwardEdgeName model.EdgeName) (model.EdgeName, error) {
	body, err := json.Marshal(resolveRequest{
		Tenant:         tenant.String(),
		SourceNodeType: string(sourceNodeType),
		ForwardEdge:    string(forwardEdgeName),
	})
	if err != nil {
		return "", fmt.Errorf("reverseedge: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/v1/resolve-reverse-edge", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("reverseedge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("reverseedge: transient: transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrUnknownEdge
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reverseedge: transient: schema service returned status %d", resp.StatusCode)
	}

	var out resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("reverseedge: decode response: %w", err)
	}
	if !out.Found || out.ReverseEdgeName == "" {
		return "", ErrUnknownEdge
	}
	return model.EdgeName(out.ReverseEdgeName), nil
}
