package identity

import (
	"fmt"

	"github.com/grapl-security/grapl-core/pkg/model"
)

// remapEdges runs phase 3 (§4.4.3): every edge's endpoints are rewritten from
// the per-event node keys to the derived identified keys in keyMap. An edge
// whose endpoint was dropped in the asset phase is already absent from sg
// (dropDeadNodes removed it); one whose endpoint was declared but dropped
// during session identification is omitted the same way. An edge whose
// endpoint was never declared as a node at all is a structural producer bug
// and fails the whole subgraph.
func (id *Identifier) remapEdges(sg *model.UnidentifiedSubgraph, keyMap map[model.NodeKey]model.NodeKey) (*model.IdentifiedSubgraph, error) {
	out := model.NewIdentifiedSubgraph()

	for key, node := range sg.Nodes {
		identifiedKey, ok := keyMap[key]
		if !ok {
			// The node survived asset identification but failed session
			// identification (e.g. a dropped Terminated-with-no-session
			// node); it simply has no place in the output.
			continue
		}
		node.SetNodeKey(identifiedKey)
		if existing, ok := out.Nodes[identifiedKey]; ok {
			if !existing.Merge(node) {
				id.logger.Printf("warn: skipping merge of node %q into %q: variant %d does not match %d", key, identifiedKey, node.Variant, existing.Variant)
			}
		} else {
			out.Nodes[identifiedKey] = node
		}
	}

	for fromKey, edges := range sg.Edges {
		fromIdentified, fromOk := keyMap[fromKey]
		for _, e := range edges {
			toIdentified, toOk := keyMap[e.ToKey]
			if !toOk {
				if _, declared := sg.Nodes[e.ToKey]; !declared {
					return nil, fmt.Errorf("edge remap: endpoint %q for edge %q from %q was never declared as a node", e.ToKey, e.EdgeName, fromKey)
				}
				// Declared but dropped during session identification
				// (e.g. a Terminated event with no matching session):
				// omit the edge the same way a dead-node edge is omitted.
				continue
			}
			if !fromOk {
				if _, declared := sg.Nodes[fromKey]; !declared {
					return nil, fmt.Errorf("edge remap: source %q for edge %q to %q was never declared as a node", fromKey, e.EdgeName, e.ToKey)
				}
				continue
			}
			remapped := e
			remapped.FromKey = fromIdentified
			remapped.ToKey = toIdentified
			out.Edges[fromIdentified] = append(out.Edges[fromIdentified], remapped)
		}
	}

	return out, nil
}
