package identity

import (
	"context"
	"fmt"

	"github.com/grapl-security/grapl-core/pkg/model"
)

// identifyAssets runs phase 1 (§4.4.1): every node either already carries an
// explicit asset id, resolves one from the history store via its hostname or
// ip hint, or is declared dead and dropped along with every edge touching it.
//
// The history store's schema (§6.3) only defines ip_asset_history; a hostname
// hint is resolved against the same table by treating the hostname string as
// the lookup key in the table's "ip" column, since the distilled schema names
// no separate hostname-history table.
func (id *Identifier) identifyAssets(ctx context.Context, sg *model.UnidentifiedSubgraph) error {
	dead := make(map[model.NodeKey]struct{})

	for key, node := range sg.Nodes {
		if node.Asset.HasExplicitAssetID() {
			continue
		}

		lookupKey := node.Asset.IP
		if lookupKey == "" {
			lookupKey = node.Asset.Hostname
		}
		if lookupKey == "" {
			// Node variants with no asset hint at all (e.g. a bare dynamic
			// node) are not asset-scoped; nothing to resolve.
			continue
		}

		assetID, ok, err := id.db.ResolveAssetID(ctx, lookupKey, int64(node.Timestamp))
		if err != nil {
			return fmt.Errorf("resolve asset for node %q: %w", key, err)
		}
		if !ok {
			dead[key] = struct{}{}
			continue
		}
		node.SetAssetID(assetID)
	}

	id.dropDeadNodes(sg, dead)
	return nil
}

// dropDeadNodes removes every dead node and every edge touching one. No error
// is raised for a missing asset mapping (§4.4.5); each dropped edge is logged
// as a warning here, since the remap phase never sees these edges.
func (id *Identifier) dropDeadNodes(sg *model.UnidentifiedSubgraph, dead map[model.NodeKey]struct{}) {
	if len(dead) == 0 {
		return
	}
	for key := range dead {
		delete(sg.Nodes, key)
		for _, e := range sg.Edges[key] {
			id.logger.Printf("warn: dropping edge %q from %q to %q: source node has no asset mapping", e.EdgeName, key, e.ToKey)
		}
		delete(sg.Edges, key)
	}
	for from, edges := range sg.Edges {
		kept := edges[:0]
		for _, e := range edges {
			if _, isDead := dead[e.ToKey]; isDead {
				id.logger.Printf("warn: dropping edge %q from %q to %q: destination node has no asset mapping", e.EdgeName, from, e.ToKey)
				continue
			}
			kept = append(kept, e)
		}
		sg.Edges[from] = kept
	}
}
