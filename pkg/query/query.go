// Package query implements the graph query engine (C6): it evaluates a
// declarative GraphQuery against the wide-column store, recursively
// traversing edges while enforcing short-circuit semantics and cycle
// avoidance, and produces a GraphView of everything that matched.
package query

import "github.com/grapl-security/grapl-core/pkg/model"

// QueryId identifies one NodePropertyQuery within a GraphQuery.
type QueryId string

// StringOp is a string-property filter operator.
type StringOp int

const (
	StringHas StringOp = iota
	StringEqual
	StringContains
)

// StringFilter is a single string comparison, with an optional negation.
type StringFilter struct {
	Op      StringOp
	Value   string
	Negated bool
}

// Matches reports whether stored (the node's actual property value) matches
// the filter.
func (f StringFilter) Matches(stored string) bool {
	var result bool
	switch f.Op {
	case StringHas:
		result = true
	case StringEqual:
		result = stored == f.Value
	case StringContains:
		result = containsSubstring(stored, f.Value)
	}
	if f.Negated {
		return !result
	}
	return result
}

func containsSubstring(haystack, needle string) bool {
	if len(needle) == 0 {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// IntOp is an int-property filter operator.
type IntOp int

const (
	IntHas IntOp = iota
	IntEqual
	IntLessThan
	IntLessThanOrEqual
	IntGreaterThan
	IntGreaterThanOrEqual
)

// IntFilter is a single int comparison, with an optional negation.
type IntFilter struct {
	Op      IntOp
	Value   int64
	Negated bool
}

// Matches reports whether stored (the node's actual property value, with
// unsigned properties reinterpreted as int64 by the caller) matches the
// filter.
func (f IntFilter) Matches(stored int64) bool {
	var result bool
	switch f.Op {
	case IntHas:
		result = true
	case IntEqual:
		result = stored == f.Value
	case IntLessThan:
		result = stored < f.Value
	case IntLessThanOrEqual:
		result = stored <= f.Value
	case IntGreaterThan:
		result = stored > f.Value
	case IntGreaterThanOrEqual:
		result = stored >= f.Value
	}
	if f.Negated {
		return !result
	}
	return result
}

// StringOrFilters is a disjunction of conjunctions of string filters: the
// outermost list is OR'd, each inner list is AND'd.
type StringOrFilters [][]StringFilter

// Matches reports whether any conjunction matches stored.
func (ors StringOrFilters) Matches(stored string) bool {
	if len(ors) == 0 {
		return true
	}
	for _, and := range ors {
		if matchesAllString(and, stored) {
			return true
		}
	}
	return false
}

func matchesAllString(filters []StringFilter, stored string) bool {
	for _, f := range filters {
		if !f.Matches(stored) {
			return false
		}
	}
	return true
}

// IntOrFilters is a disjunction of conjunctions of int filters.
type IntOrFilters [][]IntFilter

// Matches reports whether any conjunction matches stored.
func (ors IntOrFilters) Matches(stored int64) bool {
	if len(ors) == 0 {
		return true
	}
	for _, and := range ors {
		if matchesAllInt(and, stored) {
			return true
		}
	}
	return false
}

func matchesAllInt(filters []IntFilter, stored int64) bool {
	for _, f := range filters {
		if !f.Matches(stored) {
			return false
		}
	}
	return true
}

// NodePropertyQuery is one node in the GraphQuery's query graph: a node type
// plus filters over its properties, bucketed the same way the store buckets
// properties (cheapest-first ordering lives in the engine, not here).
type NodePropertyQuery struct {
	NodeType            model.NodeType
	StringFilters       map[model.PropertyName]StringOrFilters
	ImmutableIntFilters map[model.PropertyName]IntOrFilters
	MaxIntFilters       map[model.PropertyName]IntOrFilters
	MinIntFilters       map[model.PropertyName]IntOrFilters
	UidFilters          []model.Uid
}

// EdgeFilterKey identifies one outgoing edge_filters entry: "from this query
// node, via this edge name".
type EdgeFilterKey struct {
	From     QueryId
	EdgeName model.EdgeName
}

// GraphQuery is a graph of NodePropertyQuery nodes joined by directed edge
// filters, per §4.6.
type GraphQuery struct {
	RootQueryId         QueryId
	NodePropertyQueries map[QueryId]*NodePropertyQuery
	EdgeFilters         map[EdgeFilterKey]map[QueryId]struct{}
	EdgeMap             map[model.EdgeName]model.EdgeName
}

// NewGraphQuery returns an empty GraphQuery with root rooted at rootQueryId.
func NewGraphQuery(rootQueryId QueryId) *GraphQuery {
	return &GraphQuery{
		RootQueryId:         rootQueryId,
		NodePropertyQueries: make(map[QueryId]*NodePropertyQuery),
		EdgeFilters:         make(map[EdgeFilterKey]map[QueryId]struct{}),
		EdgeMap:             make(map[model.EdgeName]model.EdgeName),
	}
}

// AddNodeQuery registers a NodePropertyQuery under id.
func (g *GraphQuery) AddNodeQuery(id QueryId, q *NodePropertyQuery) {
	g.NodePropertyQueries[id] = q
}

// AddEdge records that, from query node `from`, following `edgeName` (whose
// reverse is `reverseEdgeName`), the neighbor must match query node `to`.
func (g *GraphQuery) AddEdge(from QueryId, edgeName, reverseEdgeName model.EdgeName, to QueryId) {
	key := EdgeFilterKey{From: from, EdgeName: edgeName}
	if g.EdgeFilters[key] == nil {
		g.EdgeFilters[key] = make(map[QueryId]struct{})
	}
	g.EdgeFilters[key][to] = struct{}{}
	g.EdgeMap[edgeName] = reverseEdgeName
}

// MatchedNode is a node that satisfied its NodePropertyQuery, carrying the
// properties that were actually fetched and compared.
type MatchedNode struct {
	Uid        model.Uid
	NodeType   model.NodeType
	Properties map[model.PropertyName]model.Property
}

// MatchedEdge is one forward edge (plus its reverse name) included in a
// GraphView.
type MatchedEdge struct {
	FromUid         model.Uid
	ToUid           model.Uid
	EdgeName        model.EdgeName
	ReverseEdgeName model.EdgeName
}

// GraphView is the result of a successful query: every matched node and
// edge, owned as a single arena (per the design notes on cyclic graph
// references).
type GraphView struct {
	RootUid model.Uid
	Nodes   map[model.Uid]*MatchedNode
	Edges   []MatchedEdge
}

func newGraphView() *GraphView {
	return &GraphView{Nodes: make(map[model.Uid]*MatchedNode)}
}

func (v *GraphView) merge(other *GraphView) {
	for uid, node := range other.Nodes {
		v.Nodes[uid] = node
	}
	v.Edges = append(v.Edges, other.Edges...)
}
