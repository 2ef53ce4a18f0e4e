// Package store implements the tenant-partitioned wide-column substrate
// described in §6.4: a node_type table, seven property tables (immutable,
// max and min for each int signedness, plus immutable strings), and an
// edges table, all backed by badger in managed-mode so that per-cell write
// timestamps can encode the max/min "latest wins" semantics §3 requires.
package store

import (
	"fmt"
	"log"
	"math"

	"github.com/dgraph-io/badger/v4"

	"github.com/grapl-security/grapl-core/pkg/model"
)

// Options configures a Store.
type Options struct {
	// DataDir is the on-disk directory for badger's LSM tree and value log.
	// Ignored when InMemory is true.
	DataDir string
	// InMemory runs badger entirely in memory; useful for tests.
	InMemory bool
	// SyncWrites forces an fsync on every commit. Off by default for
	// throughput; turn on for durability-sensitive deployments.
	SyncWrites bool
	Logger     *log.Logger
}

// Store is the wide-column substrate. All reads and writes are tenant-scoped
// by key prefix; no method ever accepts a key that could cross tenants.
type Store struct {
	db     *badger.DB
	logger *log.Logger
}

// Open constructs a Store from Options.
func Open(opts Options) (*Store, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.DataDir == "" {
			return nil, fmt.Errorf("store: DataDir required when not InMemory")
		}
		badgerOpts = badger.DefaultOptions(opts.DataDir)
	}
	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites).WithLogger(nil)

	// Every property write commits at a caller-chosen version (§3's per-cell
	// write timestamp trick); we must retain every version a key has ever
	// seen, not just the physically-latest write, because the version
	// carrying the true max/min value may not be the most recently written
	// one. NumVersionsToKeep bounds compaction from discarding it.
	badgerOpts = badgerOpts.WithNumVersionsToKeep(math.MaxInt32)

	db, err := badger.OpenManaged(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[store] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying badger database.
func (s *Store) Close() error { return s.db.Close() }

// TenantKeyspace derives the fixed-length alphanumeric-and-underscore
// keyspace name for a tenant: "tenant_keyspace_" + simple hex uuid. The
// result is always <= 48 characters ("tenant_keyspace_" is 16 chars plus 32
// hex chars = 48), satisfying typical wide-column store keyspace limits.
func TenantKeyspace(tenant model.Tenant) string {
	return "tenant_keyspace_" + tenant.String()
}

// Key-prefix bytes distinguishing each logical table within a tenant's
// keyspace. A single byte is enough: every key begins with
// (prefix, tenant-bytes, ...).
const (
	prefixNodeType byte = 0x01
	prefixImmStr   byte = 0x02
	prefixImmI64   byte = 0x03
	prefixImmU64   byte = 0x04
	prefixMaxI64   byte = 0x05
	prefixMaxU64   byte = 0x06
	prefixMinI64   byte = 0x07
	prefixMinU64   byte = 0x08
	prefixEdge     byte = 0x09
)

func appendUid(buf []byte, uid model.Uid) []byte {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(uid)
		uid >>= 8
	}
	return append(buf, b[:]...)
}

func nodeTypeKey(tenant model.Tenant, uid model.Uid) []byte {
	buf := make([]byte, 0, 1+16+8)
	buf = append(buf, prefixNodeType)
	buf = append(buf, tenant[:]...)
	buf = appendUid(buf, uid)
	return buf
}

func propertyKey(prefix byte, tenant model.Tenant, uid model.Uid, propertyName model.PropertyName) []byte {
	buf := make([]byte, 0, 1+16+8+1+len(propertyName))
	buf = append(buf, prefix)
	buf = append(buf, tenant[:]...)
	buf = appendUid(buf, uid)
	buf = append(buf, '|')
	buf = append(buf, propertyName...)
	return buf
}

func edgeKey(tenant model.Tenant, sourceUid model.Uid, edgeName model.EdgeName, destUid model.Uid) []byte {
	buf := make([]byte, 0, 1+16+8+1+len(edgeName)+1+8)
	buf = append(buf, prefixEdge)
	buf = append(buf, tenant[:]...)
	buf = appendUid(buf, sourceUid)
	buf = append(buf, '|')
	buf = append(buf, edgeName...)
	buf = append(buf, '|')
	buf = appendUid(buf, destUid)
	return buf
}

func edgeScanPrefix(tenant model.Tenant, sourceUid model.Uid, edgeName model.EdgeName) []byte {
	buf := make([]byte, 0, 1+16+8+1+len(edgeName)+1)
	buf = append(buf, prefixEdge)
	buf = append(buf, tenant[:]...)
	buf = appendUid(buf, sourceUid)
	buf = append(buf, '|')
	buf = append(buf, edgeName...)
	buf = append(buf, '|')
	return buf
}

// biasInt64 maps an int64 onto the uint64 domain while preserving order, so
// that unsigned comparison (which is what badger's version counter uses)
// matches signed comparison of the original value.
func biasInt64(v int64) uint64 {
	return uint64(v) ^ (1 << 63)
}

// maxTimestamp returns the badger commit version for a max-property write:
// the value itself (biased into the unsigned domain for the int64 variant),
// so that the version with the largest value is always the version badger's
// MVCC read path returns as "latest".
func maxTimestampInt(v int64) uint64  { return biasInt64(v) }
func maxTimestampUint(v uint64) uint64 { return v }

// minTimestamp returns the badger commit version for a min-property write:
// the complement of the max-mapped value, so that the *smallest* original
// value produces the *largest* commit version (badger always surfaces the
// largest version as latest).
func minTimestampInt(v int64) uint64  { return math.MaxUint64 - biasInt64(v) }
func minTimestampUint(v uint64) uint64 { return math.MaxUint64 - v }

const immutableTimestamp uint64 = 1
