// Package writedropper implements the write dropper (C3): a bounded
// per-tenant cache that suppresses redundant mutation writes, keyed by each
// write's fingerprint, so the graph mutation engine never re-executes a write
// that cannot change any observable cell.
package writedropper

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/grapl-security/grapl-core/pkg/model"
)

// Dropper suppresses redundant writes. It is safe for concurrent use: the
// underlying LRU serializes readers and writers internally.
type Dropper struct {
	// firstWrite backs every "fingerprint present => skip" rule that has no
	// associated value to compare: immutable property sets, set_node_type,
	// and edge upserts all share this shape.
	firstWrite *lru.Cache[string, struct{}]
	maxValue   *lru.Cache[string, int64]
	minValue   *lru.Cache[string, int64]
	// inflight collapses concurrent Do calls for the same fingerprint into a
	// single execution of the write.
	inflight singleflight.Group
}

// New constructs a Dropper with the given fixed capacity applied
// independently to each of its three internal caches (immutable/first-write
// fingerprints, max-tracking fingerprints, min-tracking fingerprints).
func New(capacity int) (*Dropper, error) {
	if capacity <= 0 {
		capacity = 100_000
	}
	firstWrite, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("writedropper: construct first-write cache: %w", err)
	}
	maxValue, err := lru.New[string, int64](capacity)
	if err != nil {
		return nil, fmt.Errorf("writedropper: construct max cache: %w", err)
	}
	minValue, err := lru.New[string, int64](capacity)
	if err != nil {
		return nil, fmt.Errorf("writedropper: construct min cache: %w", err)
	}
	return &Dropper{firstWrite: firstWrite, maxValue: maxValue, minValue: minValue}, nil
}

// immutableFingerprint builds the fingerprint for immutable-property-set
// operations: (tenant, node_type, property_name, uid).
func immutableFingerprint(tenant model.Tenant, nodeType model.NodeType, propertyName model.PropertyName, uid model.Uid) string {
	return fmt.Sprintf("imm|%s|%s|%s|%d", tenant, nodeType, propertyName, uid)
}

// nodeTypeFingerprint builds the fingerprint for set_node_type: (tenant,
// uid), independent of node_type and property_name since a node's type is
// fixed for its lifetime once the first row is written.
func nodeTypeFingerprint(tenant model.Tenant, uid model.Uid) string {
	return fmt.Sprintf("nodetype|%s|%d", tenant, uid)
}

func monotonicFingerprint(tenant model.Tenant, nodeType model.NodeType, propertyName model.PropertyName, uid model.Uid) string {
	return fmt.Sprintf("mono|%s|%s|%s|%d", tenant, nodeType, propertyName, uid)
}

func edgeFingerprint(tenant model.Tenant, fromUid, toUid model.Uid, forwardEdge, reverseEdge model.EdgeName) string {
	return fmt.Sprintf("edge|%s|%d|%d|%s|%s", tenant, fromUid, toUid, forwardEdge, reverseEdge)
}

// CheckImmutable reports whether an immutable-property write should be
// skipped: true means skip, the fingerprint was already recorded by a prior
// successful write. Set-node-type writes use CheckNodeType instead.
func (d *Dropper) CheckImmutable(tenant model.Tenant, nodeType model.NodeType, propertyName model.PropertyName, uid model.Uid) bool {
	_, hit := d.firstWrite.Get(immutableFingerprint(tenant, nodeType, propertyName, uid))
	return hit
}

// RecordImmutable records a successful immutable-property write so future
// writes with the same fingerprint are skipped.
func (d *Dropper) RecordImmutable(tenant model.Tenant, nodeType model.NodeType, propertyName model.PropertyName, uid model.Uid) {
	d.firstWrite.Add(immutableFingerprint(tenant, nodeType, propertyName, uid), struct{}{})
}

// CheckMax reports whether a max-property write of newValue should be
// skipped (stored value already >= newValue). When the write should proceed,
// the stored max is NOT updated yet — callers must call RecordMax only after
// the underlying write succeeds, preserving retriability on error.
func (d *Dropper) CheckMax(tenant model.Tenant, nodeType model.NodeType, propertyName model.PropertyName, uid model.Uid, newValue int64) bool {
	stored, ok := d.maxValue.Get(monotonicFingerprint(tenant, nodeType, propertyName, uid))
	return ok && newValue <= stored
}

// RecordMax updates the stored max-value-seen for the fingerprint after a
// successful write.
func (d *Dropper) RecordMax(tenant model.Tenant, nodeType model.NodeType, propertyName model.PropertyName, uid model.Uid, newValue int64) {
	key := monotonicFingerprint(tenant, nodeType, propertyName, uid)
	if stored, ok := d.maxValue.Get(key); ok && stored >= newValue {
		return
	}
	d.maxValue.Add(key, newValue)
}

// CheckMin reports whether a min-property write of newValue should be
// skipped (stored value already <= newValue).
func (d *Dropper) CheckMin(tenant model.Tenant, nodeType model.NodeType, propertyName model.PropertyName, uid model.Uid, newValue int64) bool {
	stored, ok := d.minValue.Get(monotonicFingerprint(tenant, nodeType, propertyName, uid))
	return ok && newValue >= stored
}

// RecordMin updates the stored min-value-seen for the fingerprint after a
// successful write.
func (d *Dropper) RecordMin(tenant model.Tenant, nodeType model.NodeType, propertyName model.PropertyName, uid model.Uid, newValue int64) {
	key := monotonicFingerprint(tenant, nodeType, propertyName, uid)
	if stored, ok := d.minValue.Get(key); ok && stored <= newValue {
		return
	}
	d.minValue.Add(key, newValue)
}

// CheckEdge reports whether an edge upsert with this fingerprint should be
// skipped (already recorded by a prior successful write).
func (d *Dropper) CheckEdge(tenant model.Tenant, fromUid, toUid model.Uid, forwardEdge, reverseEdge model.EdgeName) bool {
	_, hit := d.firstWrite.Get(edgeFingerprint(tenant, fromUid, toUid, forwardEdge, reverseEdge))
	return hit
}

// RecordEdge records a successful edge-upsert write.
func (d *Dropper) RecordEdge(tenant model.Tenant, fromUid, toUid model.Uid, forwardEdge, reverseEdge model.EdgeName) {
	d.firstWrite.Add(edgeFingerprint(tenant, fromUid, toUid, forwardEdge, reverseEdge), struct{}{})
}

// CheckNodeType reports whether a set_node_type write for uid should be
// skipped (already recorded by a prior successful write).
func (d *Dropper) CheckNodeType(tenant model.Tenant, uid model.Uid) bool {
	_, hit := d.firstWrite.Get(nodeTypeFingerprint(tenant, uid))
	return hit
}

// RecordNodeType records a successful set_node_type write.
func (d *Dropper) RecordNodeType(tenant model.Tenant, uid model.Uid) {
	d.firstWrite.Add(nodeTypeFingerprint(tenant, uid), struct{}{})
}

// DoNodeType wraps a set_node_type write in the dropper's check/record
// protocol.
func (d *Dropper) DoNodeType(tenant model.Tenant, uid model.Uid, write func() error) (skipped bool, err error) {
	if d.CheckNodeType(tenant, uid) {
		return true, nil
	}
	if err := write(); err != nil {
		return false, err
	}
	d.RecordNodeType(tenant, uid)
	return false, nil
}

// Do wraps a write in the dropper's check/record protocol for a single
// immutable fingerprint: if the fingerprint is already present the closure is
// skipped and Do returns (true, nil); otherwise the closure is invoked, and
// the fingerprint is recorded only if it returns a nil error, preserving
// retriability. Concurrent calls for the same fingerprint share one
// execution: only one closure runs, and the callers whose closure did not run
// report skipped=true (or the shared error).
func (d *Dropper) Do(tenant model.Tenant, nodeType model.NodeType, propertyName model.PropertyName, uid model.Uid, write func() error) (skipped bool, err error) {
	fp := immutableFingerprint(tenant, nodeType, propertyName, uid)
	if _, hit := d.firstWrite.Get(fp); hit {
		return true, nil
	}
	wrote := false
	_, err, _ = d.inflight.Do(fp, func() (interface{}, error) {
		if _, hit := d.firstWrite.Get(fp); hit {
			return nil, nil
		}
		if err := write(); err != nil {
			return nil, err
		}
		wrote = true
		d.firstWrite.Add(fp, struct{}{})
		return nil, nil
	})
	if err != nil {
		return false, err
	}
	return !wrote, nil
}
