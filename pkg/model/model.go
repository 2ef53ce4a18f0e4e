// Package model defines the core graph identity data types shared by every
// component of the graph identity and mutation core: tenants, uids, node
// types, edges, and the seven property storage classes.
package model

import "fmt"

// Tenant is an opaque 128-bit identifier that partitions every other entity.
// No cross-tenant read or write is ever permitted.
type Tenant [16]byte

// String renders the tenant as a simple (unhyphenated) hex uuid, matching the
// wide-column keyspace naming convention in pkg/store.
func (t Tenant) String() string {
	return fmt.Sprintf("%032x", [16]byte(t))
}

// Uid is a nonzero 64-bit integer, unique within a tenant, assigned by the
// uid allocator. Zero is reserved and never a valid uid.
type Uid uint64

// ErrZeroUid is returned whenever an allocation would yield the reserved zero
// uid.
var ErrZeroUid = fmt.Errorf("grapl-core: zero uid")

// NodeType, EdgeName, and PropertyName are short non-empty strings drawn from
// a tenant-local schema; they double as column/table discriminators in the
// wide-column store.
type (
	NodeType     string
	EdgeName     string
	PropertyName string
)

// PropertyClass discriminates the seven storage classes a property value can
// belong to. The discrimination is semantic (write-collision behavior), not
// syntactic (Go type) — ImmutableInt and IncrementOnlyInt both store an
// int64, but behave differently on a write collision.
type PropertyClass int

const (
	ImmutableStr PropertyClass = iota
	ImmutableInt
	ImmutableUint
	IncrementOnlyInt  // "max"
	IncrementOnlyUint // "max"
	DecrementOnlyInt  // "min"
	DecrementOnlyUint // "min"
)

func (c PropertyClass) String() string {
	switch c {
	case ImmutableStr:
		return "ImmutableStr"
	case ImmutableInt:
		return "ImmutableInt"
	case ImmutableUint:
		return "ImmutableUint"
	case IncrementOnlyInt:
		return "IncrementOnlyInt"
	case IncrementOnlyUint:
		return "IncrementOnlyUint"
	case DecrementOnlyInt:
		return "DecrementOnlyInt"
	case DecrementOnlyUint:
		return "DecrementOnlyUint"
	default:
		return "UnknownPropertyClass"
	}
}

// IsMonotonic reports whether the class tracks a running max or min rather
// than a first-writer-wins value.
func (c PropertyClass) IsMonotonic() bool {
	switch c {
	case IncrementOnlyInt, IncrementOnlyUint, DecrementOnlyInt, DecrementOnlyUint:
		return true
	default:
		return false
	}
}

// Property is a closed sum type over the seven storage classes. Exactly one
// of the typed fields is meaningful, selected by Class. merge_property (per
// design notes) is defined pairwise only for same-class pairs; callers that
// need to merge two Property values should check Class equality first and
// treat a mismatch as a structural bug to warn-and-skip, never coerce.
type Property struct {
	Class PropertyClass
	Str   string
	Int   int64
	Uint  uint64
}

// NewImmutableStr constructs an ImmutableStr property.
func NewImmutableStr(v string) Property { return Property{Class: ImmutableStr, Str: v} }

// NewImmutableInt constructs an ImmutableInt property.
func NewImmutableInt(v int64) Property { return Property{Class: ImmutableInt, Int: v} }

// NewImmutableUint constructs an ImmutableUint property.
func NewImmutableUint(v uint64) Property { return Property{Class: ImmutableUint, Uint: v} }

// NewMaxInt constructs an IncrementOnlyInt ("max") property.
func NewMaxInt(v int64) Property { return Property{Class: IncrementOnlyInt, Int: v} }

// NewMaxUint constructs an IncrementOnlyUint ("max") property.
func NewMaxUint(v uint64) Property { return Property{Class: IncrementOnlyUint, Uint: v} }

// NewMinInt constructs a DecrementOnlyInt ("min") property.
func NewMinInt(v int64) Property { return Property{Class: DecrementOnlyInt, Int: v} }

// NewMinUint constructs a DecrementOnlyUint ("min") property.
func NewMinUint(v uint64) Property { return Property{Class: DecrementOnlyUint, Uint: v} }

// Node is a tenant-local entity identified by a uid, with exactly one node
// type. Properties and edges live in the store, keyed by (tenant, uid); Node
// itself is just the identity/type pair used at the mutation API boundary.
type Node struct {
	Uid      Uid
	NodeType NodeType
}

// Edge is a single directed forward edge. A paired reverse edge is always
// materialized alongside it by the mutation engine.
type Edge struct {
	Tenant      Tenant
	SourceUid   Uid
	EdgeName    EdgeName
	DestUid     Uid
	SourceType  NodeType
	ReverseEdge EdgeName
}

// MutationRedundancy signals whether the server has a definitive answer to
// "did this write change anything". The mutation engine never tracks
// definitive no-op status, so the only value ever returned today is Maybe.
type MutationRedundancy int

const (
	MaybeRedundant MutationRedundancy = iota
)
