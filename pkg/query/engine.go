package query

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/grapl-security/grapl-core/pkg/model"
	"github.com/grapl-security/grapl-core/pkg/store"
)

// PropertyQueryError wraps a store error encountered while evaluating a
// query; per §4.6 these always propagate, unlike a missing neighbor
// partition (a non-match, not an error).
type PropertyQueryError struct {
	Uid model.Uid
	Err error
}

func (e *PropertyQueryError) Error() string {
	return fmt.Sprintf("query: property fetch failed for uid %d: %v", e.Uid, e.Err)
}

func (e *PropertyQueryError) Unwrap() error { return e.Err }

// Engine is the graph query engine (C6).
type Engine struct {
	store *store.Store
}

// New constructs an Engine over s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// QueryGraphWithUid requires the root query to match the node at anchorUid.
// Returns (nil, nil) on a clean "no match" — not finding a match is not an
// error.
func (e *Engine) QueryGraphWithUid(ctx context.Context, tenant model.Tenant, anchorUid model.Uid, gq *GraphQuery) (*GraphView, error) {
	return e.run(ctx, tenant, anchorUid, gq)
}

// QueryGraphFromUid begins traversal at startUid against the root query,
// returning any matching graph rooted there. The entry uid plays the same
// role as QueryGraphWithUid's anchor: both require the root query to match
// the given uid before descending into its edges.
func (e *Engine) QueryGraphFromUid(ctx context.Context, tenant model.Tenant, startUid model.Uid, gq *GraphQuery) (*GraphView, error) {
	return e.run(ctx, tenant, startUid, gq)
}

func (e *Engine) run(ctx context.Context, tenant model.Tenant, rootUid model.Uid, gq *GraphQuery) (*GraphView, error) {
	v := newVisited()
	graph, matched, err := e.fetchNodeWithEdges(ctx, tenant, gq.RootQueryId, rootUid, gq, v)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, nil
	}
	return graph, nil
}

// visited tracks the shared (from_query_id, edge_name, reverse_edge_name,
// to_query_id) tuples already traversed (cycle avoidance) and the
// short-circuit flag: once any in-flight branch hits a definitive non-match,
// every other branch observes it and aborts.
type visited struct {
	mu    sync.Mutex
	edges map[visitedKey]struct{}
	short atomic.Bool
}

type visitedKey struct {
	from     QueryId
	edge     model.EdgeName
	reverse  model.EdgeName
	to       QueryId
}

func newVisited() *visited {
	return &visited{edges: make(map[visitedKey]struct{})}
}

// markIfNew records key and reports whether it was newly inserted (false
// means this traversal edge was already visited and must be skipped to avoid
// infinite cycles).
func (v *visited) markIfNew(key visitedKey) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.edges[key]; ok {
		return false
	}
	v.edges[key] = struct{}{}
	return true
}

func (v *visited) shortCircuited() bool { return v.short.Load() }
func (v *visited) setShortCircuit()     { v.short.Store(true) }

// fetchNodeWithEdges is the core recursive traversal step: fetch and match
// uid's properties against queryId's filters in cheapest-first order
// (immutable ints, max ints, min ints, then strings), then recurse into
// every required outgoing edge, requiring at least one matching neighbor per
// edge name (AND semantics across distinct edges).
func (e *Engine) fetchNodeWithEdges(ctx context.Context, tenant model.Tenant, queryId QueryId, uid model.Uid, gq *GraphQuery, v *visited) (*GraphView, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if v.shortCircuited() {
		return nil, false, nil
	}

	nq, ok := gq.NodePropertyQueries[queryId]
	if !ok {
		return nil, false, fmt.Errorf("query: unknown query id %q", queryId)
	}

	nodeType, ok, err := e.store.GetNodeType(tenant, uid)
	if err != nil {
		return nil, false, &PropertyQueryError{Uid: uid, Err: err}
	}
	if !ok {
		return nil, false, nil
	}
	if nq.NodeType != "" && nodeType != nq.NodeType {
		return nil, false, nil
	}
	if len(nq.UidFilters) > 0 && !containsUid(nq.UidFilters, uid) {
		return nil, false, nil
	}

	properties := make(map[model.PropertyName]model.Property)

	for name, ors := range nq.ImmutableIntFilters {
		val, ok, err := e.store.GetImmutableInt(tenant, uid, name)
		if err != nil {
			return nil, false, &PropertyQueryError{Uid: uid, Err: err}
		}
		if !ok || !ors.Matches(val) {
			return nil, false, nil
		}
		properties[name] = model.NewImmutableInt(val)
	}

	for name, ors := range nq.MaxIntFilters {
		val, ok, err := e.store.GetMaxInt(tenant, uid, name)
		if err != nil {
			return nil, false, &PropertyQueryError{Uid: uid, Err: err}
		}
		if !ok || !ors.Matches(val) {
			return nil, false, nil
		}
		properties[name] = model.NewMaxInt(val)
	}

	for name, ors := range nq.MinIntFilters {
		val, ok, err := e.store.GetMinInt(tenant, uid, name)
		if err != nil {
			return nil, false, &PropertyQueryError{Uid: uid, Err: err}
		}
		if !ok || !ors.Matches(val) {
			return nil, false, nil
		}
		properties[name] = model.NewMinInt(val)
	}

	for name, ors := range nq.StringFilters {
		val, ok, err := e.store.GetImmutableString(tenant, uid, name)
		if err != nil {
			return nil, false, &PropertyQueryError{Uid: uid, Err: err}
		}
		if !ok || !ors.Matches(val) {
			return nil, false, nil
		}
		properties[name] = model.NewImmutableStr(val)
	}

	result := newGraphView()

	for key, toQueryIds := range gq.EdgeFilters {
		if key.From != queryId {
			continue
		}
		if v.shortCircuited() {
			return nil, false, nil
		}

		matchedAny, edgeGraph, err := e.fetchAndMatchEdge(ctx, tenant, queryId, uid, key.EdgeName, toQueryIds, gq, v)
		if err != nil {
			return nil, false, err
		}
		if v.shortCircuited() {
			return nil, false, nil
		}
		if !matchedAny {
			v.setShortCircuit()
			return nil, false, nil
		}
		result.merge(edgeGraph)
	}

	result.Nodes[uid] = &MatchedNode{Uid: uid, NodeType: nodeType, Properties: properties}
	if queryId == gq.RootQueryId {
		result.RootUid = uid
	}
	return result, true, nil
}

// fetchAndMatchEdge reads every neighbor uid reachable via edgeName, then
// concurrently recurses into each candidate (neighborUid, toQueryId) pair not
// already visited, requiring at least one to match.
func (e *Engine) fetchAndMatchEdge(ctx context.Context, tenant model.Tenant, fromQueryId QueryId, uid model.Uid, edgeName model.EdgeName, toQueryIds map[QueryId]struct{}, gq *GraphQuery, v *visited) (bool, *GraphView, error) {
	neighbors, err := e.store.GetEdges(tenant, uid, edgeName)
	if err != nil {
		return false, nil, &PropertyQueryError{Uid: uid, Err: err}
	}
	reverseEdgeName := gq.EdgeMap[edgeName]

	var mu sync.Mutex
	matchedAny := false
	anyNew := false
	merged := newGraphView()

	g, gctx := errgroup.WithContext(ctx)
	for toQueryId := range toQueryIds {
		toQueryId := toQueryId
		// visitedKey has no neighbor uid in it: it names the traversal edge
		// (fromQueryId, edgeName, reverseEdgeName, toQueryId), not any one
		// neighbor pair. Mark it once per toQueryId, outside the neighbor
		// loop, so every qualifying neighbor still gets recursed into; only a
		// repeat of this same traversal edge (a cycle) is skipped.
		key := visitedKey{from: fromQueryId, edge: edgeName, reverse: reverseEdgeName, to: toQueryId}
		if !v.markIfNew(key) {
			continue
		}
		anyNew = true
		for _, neighbor := range neighbors {
			neighbor := neighbor
			g.Go(func() error {
				if v.shortCircuited() {
					return nil
				}
				childGraph, matched, err := e.fetchNodeWithEdges(gctx, tenant, toQueryId, neighbor.DestUid, gq, v)
				if err != nil {
					return err
				}
				if !matched {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				matchedAny = true
				merged.merge(childGraph)
				merged.Edges = append(merged.Edges, MatchedEdge{
					FromUid:         uid,
					ToUid:           neighbor.DestUid,
					EdgeName:        edgeName,
					ReverseEdgeName: reverseEdgeName,
				})
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return false, nil, err
	}
	if !anyNew {
		// Every traversal edge here is already being evaluated further up
		// the recursion (a cycle): the repeat is skipped, not failed.
		return true, merged, nil
	}
	return matchedAny, merged, nil
}

func containsUid(uids []model.Uid, target model.Uid) bool {
	for _, u := range uids {
		if u == target {
			return true
		}
	}
	return false
}
