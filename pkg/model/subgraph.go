package model

import (
	"crypto/sha256"
	"fmt"
	"log"
	"sort"

	"github.com/mr-tron/base58"
)

// NodeKey is the per-event opaque key a producer assigns a node before it has
// been identified: a uuid string in the unidentified subgraph, a deterministic
// hash of session identity in the identified subgraph.
type NodeKey string

// NodeVariant discriminates the ingestion-time tagged union a NodeDescription
// carries: asset, process, file, ip-address, outbound/inbound/generic network
// connection, or an open-ended dynamic node.
type NodeVariant int

const (
	VariantAsset NodeVariant = iota
	VariantProcess
	VariantFile
	VariantIPAddress
	VariantOutboundConnection
	VariantInboundConnection
	VariantNetworkConnection
	VariantDynamic
)

// AssetHint carries the three mutually-exclusive ways a node may identify the
// asset it occurred on: an explicit asset id, a hostname, or an ip, resolved
// against the history store during asset identification (phase 1 of C4).
type AssetHint struct {
	AssetID  string
	Hostname string
	IP       string
}

// HasExplicitAssetID reports whether the node already carries a resolved
// asset id and therefore needs no history-store lookup.
func (h AssetHint) HasExplicitAssetID() bool { return h.AssetID != "" }

// NodeDescription is the polymorphic ingestion-time node. It carries a
// capability set common to every variant (get/set node key, get/set asset id,
// merge, timestamp) plus variant-specific fields needed by session
// identification.
//
// Merges between different variants are a structural bug and must warn-and
// skip rather than crash or silently coerce (see design notes).
type NodeDescription struct {
	NodeKey   NodeKey
	Variant   NodeVariant
	Timestamp uint64
	Asset     AssetHint

	// Session-identification primary-key fields, populated per variant.
	PID      uint64 // process
	Path     string // file
	IP       string // connection / ip-address
	Port     uint32 // connection
	Protocol string // connection
	Direction ConnectionDirection

	// SessionState declares the event's relationship to the session it
	// belongs to: Created, Terminated, or Existing.
	SessionState SessionState

	Properties map[PropertyName]Property
}

// ConnectionDirection distinguishes inbound from outbound network
// connections, relevant only to connection-kind nodes.
type ConnectionDirection int

const (
	DirectionNone ConnectionDirection = iota
	DirectionInbound
	DirectionOutbound
)

// SessionState is the event's declared relationship to the session it
// belongs to.
type SessionState int

const (
	SessionCreated SessionState = iota
	SessionTerminated
	SessionExisting
)

// GetAssetID returns the node's resolved asset id, if already known.
func (n *NodeDescription) GetAssetID() string { return n.Asset.AssetID }

// SetAssetID resolves the node onto a concrete asset id, used by phase 1 of
// identification once a history-store lookup succeeds.
func (n *NodeDescription) SetAssetID(assetID string) { n.Asset.AssetID = assetID }

// GetNodeKey returns the node's per-event opaque key.
func (n *NodeDescription) GetNodeKey() NodeKey { return n.NodeKey }

// SetNodeKey overwrites the node's key, used when rewriting unidentified keys
// to identified keys during edge remapping.
func (n *NodeDescription) SetNodeKey(key NodeKey) { n.NodeKey = key }

// Merge combines another description into this one in place. A variant
// mismatch is a structural bug: Merge then leaves n unchanged and returns
// false, and callers log a warning.
func (n *NodeDescription) Merge(other *NodeDescription) bool {
	if n.Variant != other.Variant {
		return false
	}
	if n.Properties == nil {
		n.Properties = make(map[PropertyName]Property, len(other.Properties))
	}
	for name, prop := range other.Properties {
		existing, ok := n.Properties[name]
		if !ok {
			n.Properties[name] = prop
			continue
		}
		merged, ok := MergeProperty(existing, prop)
		if ok {
			n.Properties[name] = merged
		}
	}
	return true
}

// MergeProperty merges two Property values of the same class. Class mismatch
// is a structural bug and returns ok=false rather than attempting structural
// coercion between classes.
func MergeProperty(a, b Property) (merged Property, ok bool) {
	if a.Class != b.Class {
		return Property{}, false
	}
	switch a.Class {
	case ImmutableStr, ImmutableInt, ImmutableUint:
		// first-writer-wins: keep a.
		return a, true
	case IncrementOnlyInt:
		if b.Int > a.Int {
			return b, true
		}
		return a, true
	case IncrementOnlyUint:
		if b.Uint > a.Uint {
			return b, true
		}
		return a, true
	case DecrementOnlyInt:
		if b.Int < a.Int {
			return b, true
		}
		return a, true
	case DecrementOnlyUint:
		if b.Uint < a.Uint {
			return b, true
		}
		return a, true
	default:
		return Property{}, false
	}
}

// EdgeDescription is an ingestion-time edge, keyed by per-event node keys
// until edge remapping rewrites them to identified keys.
type EdgeDescription struct {
	FromKey         NodeKey
	ToKey           NodeKey
	EdgeName        EdgeName
	SourceNodeType  NodeType
}

// UnidentifiedSubgraph is the ingestion-time artifact: a timestamped batch of
// nodes and edges whose keys are per-event uuids.
type UnidentifiedSubgraph struct {
	Timestamp uint64
	Nodes     map[NodeKey]*NodeDescription
	Edges     map[NodeKey][]EdgeDescription
}

// NewUnidentifiedSubgraph returns an empty subgraph ready for nodes/edges to
// be added.
func NewUnidentifiedSubgraph(timestamp uint64) *UnidentifiedSubgraph {
	return &UnidentifiedSubgraph{
		Timestamp: timestamp,
		Nodes:     make(map[NodeKey]*NodeDescription),
		Edges:     make(map[NodeKey][]EdgeDescription),
	}
}

// IdentifiedSubgraph is the post-identification artifact: the same shape as
// UnidentifiedSubgraph, but node keys are deterministic hashes of
// canonicalized session identity, safe to merge across batches.
type IdentifiedSubgraph struct {
	Nodes map[NodeKey]*NodeDescription
	Edges map[NodeKey][]EdgeDescription
}

// NewIdentifiedSubgraph returns an empty identified subgraph.
func NewIdentifiedSubgraph() *IdentifiedSubgraph {
	return &IdentifiedSubgraph{
		Nodes: make(map[NodeKey]*NodeDescription),
		Edges: make(map[NodeKey][]EdgeDescription),
	}
}

// IsEmpty reports whether the subgraph has no nodes, matching the "emitted
// only if non-empty" output contract.
func (g *IdentifiedSubgraph) IsEmpty() bool { return len(g.Nodes) == 0 }

// Merge folds other into g in place, merging same-key nodes and
// concatenating edge lists.
func (g *IdentifiedSubgraph) Merge(other *IdentifiedSubgraph) {
	for key, node := range other.Nodes {
		if existing, ok := g.Nodes[key]; ok {
			if !existing.Merge(node) {
				log.Printf("warn: skipping merge of node %q: variant %d does not match %d", key, node.Variant, existing.Variant)
			}
			continue
		}
		g.Nodes[key] = node
	}
	for key, edges := range other.Edges {
		g.Edges[key] = append(g.Edges[key], edges...)
	}
}

// ContentKey derives a stable, content-addressed staging key for g: a
// base58-encoded SHA-256 digest over a canonical (key-sorted) encoding of its
// nodes and edges. Two identified subgraphs with the same content, regardless
// of map iteration order, always produce the same key.
func (g *IdentifiedSubgraph) ContentKey() string {
	nodeKeys := make([]string, 0, len(g.Nodes))
	for key := range g.Nodes {
		nodeKeys = append(nodeKeys, string(key))
	}
	sort.Strings(nodeKeys)

	h := sha256.New()
	for _, key := range nodeKeys {
		node := g.Nodes[NodeKey(key)]
		fmt.Fprintf(h, "node|%s|%d|%d\n", key, node.Variant, node.Timestamp)
		propNames := make([]string, 0, len(node.Properties))
		for name := range node.Properties {
			propNames = append(propNames, string(name))
		}
		sort.Strings(propNames)
		for _, name := range propNames {
			p := node.Properties[PropertyName(name)]
			fmt.Fprintf(h, "prop|%s|%d|%s|%d|%d\n", name, p.Class, p.Str, p.Int, p.Uint)
		}
	}

	edgeKeys := make([]string, 0, len(g.Edges))
	for key := range g.Edges {
		edgeKeys = append(edgeKeys, string(key))
	}
	sort.Strings(edgeKeys)
	for _, key := range edgeKeys {
		edges := append([]EdgeDescription(nil), g.Edges[NodeKey(key)]...)
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].EdgeName != edges[j].EdgeName {
				return edges[i].EdgeName < edges[j].EdgeName
			}
			return edges[i].ToKey < edges[j].ToKey
		})
		for _, e := range edges {
			fmt.Fprintf(h, "edge|%s|%s|%s|%s\n", key, e.EdgeName, e.ToKey, e.SourceNodeType)
		}
	}

	return base58.Encode(h.Sum(nil))
}
