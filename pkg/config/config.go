// Package config loads grapl-core's runtime configuration from environment
// variables, one section struct per collaborator (C1-C6 plus the server),
// following the same LoadFromEnv/Validate shape the teacher used for its own
// Neo4j-compatible settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every collaborator's settings, loaded via LoadFromEnv.
type Config struct {
	HistoryDB     HistoryDBConfig
	Store         StoreConfig
	Allocator     AllocatorConfig
	SchemaService SchemaServiceConfig
	WriteDropper  WriteDropperConfig
	Identity      IdentityConfig
	Server        ServerConfig
}

// HistoryDBConfig configures pkg/historydb's relational connection.
type HistoryDBConfig struct {
	// Driver is the database/sql driver name (e.g. "sqlite").
	Driver string
	// DSN is the driver-specific data source name.
	DSN string
	// MaxOpenConns is read and checked by Validate; it is not passed to
	// historydb.Open, so the history store's connection pool is not bounded
	// by it.
	MaxOpenConns int
}

// StoreConfig configures pkg/store's badger-backed substrate.
type StoreConfig struct {
	// DataDir is the on-disk directory for badger's LSM tree and value log.
	DataDir string
	// InMemory runs badger entirely in memory; useful for tests and
	// single-node development.
	InMemory bool
	// SyncWrites forces an fsync on every commit.
	SyncWrites bool
}

// AllocatorConfig configures pkg/uidalloc's remote allocator client.
type AllocatorConfig struct {
	// Endpoint is the remote allocator service's base URL.
	Endpoint string
	// RangeSize is the number of uids requested per refill.
	RangeSize uint64
	// Timeout bounds each refill RPC.
	Timeout time.Duration
}

// SchemaServiceConfig configures pkg/reverseedge's remote schema service
// client.
type SchemaServiceConfig struct {
	// Endpoint is the remote schema service's base URL.
	Endpoint string
	// Timeout bounds each reverse-edge lookup RPC.
	Timeout time.Duration
}

// WriteDropperConfig configures pkg/writedropper's fingerprint cache.
type WriteDropperConfig struct {
	// Capacity bounds the number of remembered fingerprints.
	Capacity int
}

// IdentityConfig configures pkg/identity's session cache and guess policy.
type IdentityConfig struct {
	// Pepper salts every cache fingerprint.
	Pepper []byte
	// CacheCapacity and CacheTTL bound the process-local session LRU.
	CacheCapacity int
	CacheTTL      time.Duration
	// DefaultMode lets an Existing event with no matching session mint a
	// guess rather than failing the event.
	DefaultMode bool
	// GuessTTL bounds how long a guess session remains eligible for lookup
	// and absorption before it is treated as expired.
	GuessTTL time.Duration
}

// ServerConfig configures grapl-core's own RPC-facing listener.
type ServerConfig struct {
	Address string
	Port    int
}

// LoadFromEnv builds a Config from environment variables, applying defaults
// for anything unset.
func LoadFromEnv() *Config {
	cfg := &Config{}

	cfg.HistoryDB.Driver = getEnv("HISTORY_DB_DRIVER", "sqlite")
	cfg.HistoryDB.DSN = getEnv("HISTORY_DB_DSN", "file:grapl-core-history.db")
	cfg.HistoryDB.MaxOpenConns = getEnvInt("HISTORY_DB_MAX_OPEN_CONNS", 10)

	cfg.Store.DataDir = getEnv("STORE_DATA_DIR", "./data")
	cfg.Store.InMemory = getEnvBool("STORE_IN_MEMORY", false)
	cfg.Store.SyncWrites = getEnvBool("STORE_SYNC_WRITES", false)

	cfg.Allocator.Endpoint = getEnv("UID_ALLOCATOR_ENDPOINT", "http://localhost:8081")
	cfg.Allocator.RangeSize = uint64(getEnvInt("UID_ALLOCATOR_RANGE_SIZE", 10000))
	cfg.Allocator.Timeout = getEnvDuration("UID_ALLOCATOR_TIMEOUT", 5*time.Second)

	cfg.SchemaService.Endpoint = getEnv("SCHEMA_SERVICE_ENDPOINT", "http://localhost:8082")
	cfg.SchemaService.Timeout = getEnvDuration("SCHEMA_SERVICE_TIMEOUT", 5*time.Second)

	cfg.WriteDropper.Capacity = getEnvInt("WRITE_DROPPER_CAPACITY", 100000)

	cfg.Identity.Pepper = []byte(getEnv("IDENTITY_CACHE_PEPPER", ""))
	cfg.Identity.CacheCapacity = getEnvInt("IDENTITY_CACHE_CAPACITY", 100000)
	cfg.Identity.CacheTTL = getEnvDuration("IDENTITY_CACHE_TTL", 5*time.Minute)
	cfg.Identity.DefaultMode = getEnvBool("IDENTITY_DEFAULT_MODE", false)
	cfg.Identity.GuessTTL = getEnvDuration("IDENTITY_GUESS_TTL", 24*time.Hour)

	cfg.Server.Address = getEnv("GRAPL_CORE_ADDRESS", "0.0.0.0")
	cfg.Server.Port = getEnvInt("GRAPL_CORE_PORT", 8443)

	return cfg
}

// Validate checks the configuration for logical errors before use.
func (c *Config) Validate() error {
	if c.HistoryDB.DSN == "" {
		return fmt.Errorf("config: HISTORY_DB_DSN is required")
	}
	if c.HistoryDB.MaxOpenConns <= 0 {
		return fmt.Errorf("config: HISTORY_DB_MAX_OPEN_CONNS must be positive")
	}
	if !c.Store.InMemory && c.Store.DataDir == "" {
		return fmt.Errorf("config: STORE_DATA_DIR is required unless STORE_IN_MEMORY is set")
	}
	if c.Allocator.Endpoint == "" {
		return fmt.Errorf("config: UID_ALLOCATOR_ENDPOINT is required")
	}
	if c.Allocator.RangeSize == 0 {
		return fmt.Errorf("config: UID_ALLOCATOR_RANGE_SIZE must be positive")
	}
	if c.SchemaService.Endpoint == "" {
		return fmt.Errorf("config: SCHEMA_SERVICE_ENDPOINT is required")
	}
	if c.WriteDropper.Capacity <= 0 {
		return fmt.Errorf("config: WRITE_DROPPER_CAPACITY must be positive")
	}
	if c.Identity.CacheCapacity <= 0 {
		return fmt.Errorf("config: IDENTITY_CACHE_CAPACITY must be positive")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("config: invalid GRAPL_CORE_PORT: %d", c.Server.Port)
	}
	return nil
}

// String returns a representation safe for logging: the identity pepper is
// redacted.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{HistoryDB: %s, Store: %s (in_memory=%v), Allocator: %s, SchemaService: %s, Server: %s:%d}",
		c.HistoryDB.Driver, c.Store.DataDir, c.Store.InMemory,
		c.Allocator.Endpoint, c.SchemaService.Endpoint,
		c.Server.Address, c.Server.Port,
	)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
