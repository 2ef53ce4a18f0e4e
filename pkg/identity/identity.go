// Package identity implements the asset and session identifier (C4): it
// converts an unidentified subgraph (ingestion-time node keys are per-event
// uuids) into an identified one (node keys are stable hashes of session
// identity), consulting the relational history store for both phases.
package identity

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/grapl-security/grapl-core/pkg/historydb"
	"github.com/grapl-security/grapl-core/pkg/model"
)

// Config configures an Identifier.
type Config struct {
	// Pepper salts every LRU fingerprint, preventing cache-collision attacks
	// across tenants that happen to share primary-key fields.
	Pepper []byte
	// CacheCapacity and CacheTTL bound the process-local session LRU.
	CacheCapacity int
	CacheTTL      time.Duration
	// DefaultMode, when true, lets an Existing event with no matching session
	// create a guess row rather than failing. ("retry mode" in §4.4.2.)
	DefaultMode bool
	// GuessTTL bounds how long a guess session row remains eligible for
	// lookup/absorption; an expired guess is treated as absent. Sweeping
	// expired rows out of the database is an operator maintenance job, out of
	// scope here.
	GuessTTL time.Duration
	Logger   *log.Logger
}

// Identifier runs the two-phase identification pipeline (C4) described in
// §4.4: asset identification, then session identification, then edge
// remapping.
type Identifier struct {
	db     *historydb.DB
	cfg    Config
	cache  *lru.LRU[string, model.NodeKey]
	logger *log.Logger
}

// New constructs an Identifier against db.
func New(db *historydb.DB, cfg Config) *Identifier {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 100_000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[identity] ", log.LstdFlags|log.Lmicroseconds)
	}
	cache := lru.NewLRU[string, model.NodeKey](cfg.CacheCapacity, nil, cfg.CacheTTL)
	return &Identifier{db: db, cfg: cfg, cache: cache, logger: logger}
}

// SubgraphFailure records why one input subgraph could not be identified; the
// batch continues processing the remaining subgraphs (§4.4.5, §7: semantic and
// transport failures are per-subgraph, not whole-batch).
type SubgraphFailure struct {
	Timestamp uint64
	Err       error
}

// BatchResult is the outcome of IdentifyBatch: a single merged identified
// subgraph plus the list of per-subgraph failures encountered along the way.
// This is the partial-failure batch result carried over from the original
// source's batch handling (see design notes) rather than an all-or-nothing
// error.
type BatchResult struct {
	Merged   *model.IdentifiedSubgraph
	Failures []SubgraphFailure
}

// IdentifyBatch identifies every subgraph in subgraphs, sorted ascending by
// timestamp first (§4.4.4), merging every subgraph that identifies cleanly
// into a single output and recording the rest as failures.
func (id *Identifier) IdentifyBatch(ctx context.Context, tenant model.Tenant, subgraphs []*model.UnidentifiedSubgraph) (*BatchResult, error) {
	ordered := make([]*model.UnidentifiedSubgraph, len(subgraphs))
	copy(ordered, subgraphs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp < ordered[j].Timestamp })

	result := &BatchResult{Merged: model.NewIdentifiedSubgraph()}

	for _, sg := range ordered {
		identified, err := id.identifyOne(ctx, tenant, sg)
		if err != nil {
			result.Failures = append(result.Failures, SubgraphFailure{Timestamp: sg.Timestamp, Err: err})
			continue
		}
		if identified.IsEmpty() {
			continue
		}
		result.Merged.Merge(identified)
	}

	return result, nil
}

// identifyOne runs the full pipeline — asset identification, session
// identification, edge remapping — against a single event's subgraph.
func (id *Identifier) identifyOne(ctx context.Context, tenant model.Tenant, sg *model.UnidentifiedSubgraph) (*model.IdentifiedSubgraph, error) {
	working := cloneUnidentified(sg)

	if err := id.identifyAssets(ctx, working); err != nil {
		return nil, fmt.Errorf("identity: asset phase: %w", err)
	}

	keyMap, err := id.identifySessions(ctx, tenant, working)
	if err != nil {
		return nil, fmt.Errorf("identity: session phase: %w", err)
	}

	return id.remapEdges(working, keyMap)
}

func cloneUnidentified(sg *model.UnidentifiedSubgraph) *model.UnidentifiedSubgraph {
	clone := model.NewUnidentifiedSubgraph(sg.Timestamp)
	for key, node := range sg.Nodes {
		n := *node
		if node.Properties != nil {
			n.Properties = make(map[model.PropertyName]model.Property, len(node.Properties))
			for k, v := range node.Properties {
				n.Properties[k] = v
			}
		}
		clone.Nodes[key] = &n
	}
	for key, edges := range sg.Edges {
		clone.Edges[key] = append([]model.EdgeDescription(nil), edges...)
	}
	return clone
}
