// Package mutation implements the graph mutation engine (C5): it applies
// property and edge upserts to the wide-column store, driving the uid
// allocator (C1), the reverse-edge resolver (C2), and the write dropper (C3).
package mutation

import (
	"context"
	"fmt"
	"log"

	"github.com/grapl-security/grapl-core/pkg/model"
	"github.com/grapl-security/grapl-core/pkg/reverseedge"
	"github.com/grapl-security/grapl-core/pkg/store"
	"github.com/grapl-security/grapl-core/pkg/uidalloc"
	"github.com/grapl-security/grapl-core/pkg/writedropper"
)

// Engine is the graph mutation engine. It is safe for concurrent use: each
// collaborator (allocator, resolver, dropper, store) manages its own
// concurrency internally.
type Engine struct {
	store     *store.Store
	allocator *uidalloc.Client
	resolver  *reverseedge.Resolver
	dropper   *writedropper.Dropper
	logger    *log.Logger
}

// New constructs an Engine from its four collaborators.
func New(s *store.Store, allocator *uidalloc.Client, resolver *reverseedge.Resolver, dropper *writedropper.Dropper, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[mutation] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Engine{store: s, allocator: allocator, resolver: resolver, dropper: dropper, logger: logger}
}

// CreateNode allocates a uid, writes its node_type row via the
// write-dropper-protected path, and returns the uid. ZeroUid is a fatal
// precondition failure: it should never actually occur if the allocator is
// behaving, but is checked defensively since any uid==0 reaching the store
// would silently corrupt the node_type table's primary key space.
func (e *Engine) CreateNode(ctx context.Context, tenant model.Tenant, nodeType model.NodeType) (model.Uid, error) {
	uid, err := e.allocator.AllocateID(ctx, tenant)
	if err != nil {
		return 0, fmt.Errorf("mutation: allocate uid: %w", err)
	}
	if uid == 0 {
		return 0, model.ErrZeroUid
	}

	_, err = e.dropper.DoNodeType(tenant, uid, func() error {
		return e.store.SetNodeType(tenant, uid, nodeType)
	})
	if err != nil {
		return 0, fmt.Errorf("mutation: set node type: %w", err)
	}
	return uid, nil
}

// SetNodeProperty dispatches on property.Class to one of the seven internal
// upsert paths and returns MutationRedundancy = Maybe: the engine never
// tracks a definitive no-op determination (only the write dropper's
// best-effort skip does).
func (e *Engine) SetNodeProperty(tenant model.Tenant, uid model.Uid, nodeType model.NodeType, propertyName model.PropertyName, property model.Property) (model.MutationRedundancy, error) {
	var err error
	switch property.Class {
	case model.ImmutableStr:
		_, err = e.dropper.Do(tenant, nodeType, propertyName, uid, func() error {
			return e.store.UpsertImmutableString(tenant, uid, propertyName, property.Str)
		})
	case model.ImmutableInt:
		_, err = e.dropper.Do(tenant, nodeType, propertyName, uid, func() error {
			return e.store.UpsertImmutableInt(tenant, uid, propertyName, property.Int)
		})
	case model.ImmutableUint:
		_, err = e.dropper.Do(tenant, nodeType, propertyName, uid, func() error {
			return e.store.UpsertImmutableUint(tenant, uid, propertyName, property.Uint)
		})
	case model.IncrementOnlyInt:
		err = e.upsertMaxInt(tenant, uid, nodeType, propertyName, property.Int)
	case model.IncrementOnlyUint:
		err = e.upsertMaxUint(tenant, uid, nodeType, propertyName, property.Uint)
	case model.DecrementOnlyInt:
		err = e.upsertMinInt(tenant, uid, nodeType, propertyName, property.Int)
	case model.DecrementOnlyUint:
		err = e.upsertMinUint(tenant, uid, nodeType, propertyName, property.Uint)
	default:
		return 0, fmt.Errorf("mutation: unknown property class %v", property.Class)
	}
	if err != nil {
		return 0, err
	}
	return model.MaybeRedundant, nil
}

func (e *Engine) upsertMaxInt(tenant model.Tenant, uid model.Uid, nodeType model.NodeType, propertyName model.PropertyName, value int64) error {
	if e.dropper.CheckMax(tenant, nodeType, propertyName, uid, value) {
		return nil
	}
	if err := e.store.UpsertMaxInt(tenant, uid, propertyName, value); err != nil {
		return fmt.Errorf("mutation: upsert max int: %w", err)
	}
	e.dropper.RecordMax(tenant, nodeType, propertyName, uid, value)
	return nil
}

func (e *Engine) upsertMaxUint(tenant model.Tenant, uid model.Uid, nodeType model.NodeType, propertyName model.PropertyName, value uint64) error {
	if e.dropper.CheckMax(tenant, nodeType, propertyName, uid, int64(value)) {
		return nil
	}
	if err := e.store.UpsertMaxUint(tenant, uid, propertyName, value); err != nil {
		return fmt.Errorf("mutation: upsert max uint: %w", err)
	}
	e.dropper.RecordMax(tenant, nodeType, propertyName, uid, int64(value))
	return nil
}

func (e *Engine) upsertMinInt(tenant model.Tenant, uid model.Uid, nodeType model.NodeType, propertyName model.PropertyName, value int64) error {
	if e.dropper.CheckMin(tenant, nodeType, propertyName, uid, value) {
		return nil
	}
	if err := e.store.UpsertMinInt(tenant, uid, propertyName, value); err != nil {
		return fmt.Errorf("mutation: upsert min int: %w", err)
	}
	e.dropper.RecordMin(tenant, nodeType, propertyName, uid, value)
	return nil
}

func (e *Engine) upsertMinUint(tenant model.Tenant, uid model.Uid, nodeType model.NodeType, propertyName model.PropertyName, value uint64) error {
	if e.dropper.CheckMin(tenant, nodeType, propertyName, uid, int64(value)) {
		return nil
	}
	if err := e.store.UpsertMinUint(tenant, uid, propertyName, value); err != nil {
		return fmt.Errorf("mutation: upsert min uint: %w", err)
	}
	e.dropper.RecordMin(tenant, nodeType, propertyName, uid, int64(value))
	return nil
}

// CreateEdge resolves the reverse edge name, checks the dropper for the
// 5-tuple, and on miss issues a single batched write containing both the
// forward and reverse rows.
func (e *Engine) CreateEdge(ctx context.Context, tenant model.Tenant, fromUid, toUid model.Uid, forwardEdgeName model.EdgeName, sourceNodeType model.NodeType) (model.MutationRedundancy, error) {
	if fromUid == toUid {
		return 0, fmt.Errorf("mutation: self-edge rejected: from_uid == to_uid == %d", fromUid)
	}

	reverseEdgeName, err := e.resolver.ResolveReverseEdge(ctx, tenant, sourceNodeType, forwardEdgeName)
	if err != nil {
		return 0, fmt.Errorf("mutation: resolve reverse edge: %w", err)
	}

	if e.dropper.CheckEdge(tenant, fromUid, toUid, forwardEdgeName, reverseEdgeName) {
		return model.MaybeRedundant, nil
	}

	if err := e.store.UpsertEdges(tenant, fromUid, toUid, forwardEdgeName, reverseEdgeName); err != nil {
		return 0, fmt.Errorf("mutation: upsert edges: %w", err)
	}
	e.dropper.RecordEdge(tenant, fromUid, toUid, forwardEdgeName, reverseEdgeName)
	return model.MaybeRedundant, nil
}
