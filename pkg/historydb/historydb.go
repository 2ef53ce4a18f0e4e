// Package historydb implements the relational history store the identifier
// (C4) consults during asset- and session-identification: point-in-time ip-
// to-asset mappings and per-kind session history tables.
package historydb

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	_ "modernc.org/sqlite"
)

// EndOfTime represents an open-ended end_time: "this row has not ended yet".
// Timestamps are carried as int64 (not uint64) because database/sql's default
// parameter converter rejects uint64 values with the high bit set, which
// ^uint64(0) has.
const EndOfTime int64 = math.MaxInt64

// SessionKind discriminates which per-kind session history table a row
// belongs to, and the shape of its primary-key columns beyond asset_id.
type SessionKind int

const (
	KindProcess SessionKind = iota
	KindFile
	KindConnection
)

func (k SessionKind) tableName() string {
	switch k {
	case KindProcess:
		return "process_history"
	case KindFile:
		return "file_history"
	case KindConnection:
		return "connection_history"
	default:
		return ""
	}
}

func (k SessionKind) keyColumns() []string {
	switch k {
	case KindProcess:
		return []string{"pid"}
	case KindFile:
		return []string{"path"}
	case KindConnection:
		return []string{"ip", "port", "protocol", "direction"}
	default:
		return nil
	}
}

// DB wraps a *sql.DB against the history schema described in §6.3: an
// ip_asset_history table and one session-history table per SessionKind.
type DB struct {
	conn *sql.DB
}

// Open opens (and, if necessary, migrates) the history database at dsn using
// the given driver name (e.g. "sqlite").
func Open(ctx context.Context, driverName, dsn string) (*DB, error) {
	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("historydb: open %s: %w", driverName, err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error { return db.conn.Close() }

func (db *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ip_asset_history (
			ip TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			create_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ip_asset_history_ip_create ON ip_asset_history (ip, create_time)`,

		`CREATE TABLE IF NOT EXISTS process_history (
			asset_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			create_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			is_guess INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_process_history_lookup ON process_history (asset_id, pid, create_time)`,

		`CREATE TABLE IF NOT EXISTS file_history (
			asset_id TEXT NOT NULL,
			path TEXT NOT NULL,
			create_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			is_guess INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_history_lookup ON file_history (asset_id, path, create_time)`,

		`CREATE TABLE IF NOT EXISTS connection_history (
			asset_id TEXT NOT NULL,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			protocol TEXT NOT NULL,
			direction INTEGER NOT NULL,
			create_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			is_guess INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connection_history_lookup ON connection_history (asset_id, ip, port, protocol, create_time)`,
	}
	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("historydb: migrate: %w", err)
		}
	}
	return nil
}

// ResolveAssetID returns the asset id authoritative for ip at eventTs: the
// row with the largest create_time <= eventTs whose end_time is either
// EndOfTime or > eventTs. Returns ("", false, nil) if no such row exists.
func (db *DB) ResolveAssetID(ctx context.Context, ip string, eventTs int64) (string, bool, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT asset_id FROM ip_asset_history
		WHERE ip = ? AND create_time <= ? AND (end_time = ? OR end_time > ?)
		ORDER BY create_time DESC LIMIT 1`,
		ip, eventTs, EndOfTime, eventTs)

	var assetID string
	switch err := row.Scan(&assetID); err {
	case nil:
		return assetID, true, nil
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("historydb: resolve asset id: %w", err)
	}
}

// InsertIPAssetMapping records an ip-to-asset mapping.
func (db *DB) InsertIPAssetMapping(ctx context.Context, ip, assetID string, createTime, endTime int64) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO ip_asset_history (ip, asset_id, create_time, end_time) VALUES (?, ?, ?, ?)`,
		ip, assetID, createTime, endTime)
	if err != nil {
		return fmt.Errorf("historydb: insert ip asset mapping: %w", err)
	}
	return nil
}

// SessionRow is one canonical session row, as described in §4.4.2.
type SessionRow struct {
	AssetID    string
	CreateTime int64
	EndTime    int64
	SessionID  string
	IsGuess    bool
}

// SessionKey identifies a session's primary-key fields: AssetID plus the
// kind-specific columns in the order SessionKind.keyColumns() declares them
// (pid; path; or ip, port, protocol, direction).
type SessionKey struct {
	Kind     SessionKind
	AssetID  string
	KeyParts []interface{}
}

func (k SessionKey) whereClause() (string, []interface{}) {
	cols := k.Kind.keyColumns()
	var b strings.Builder
	args := make([]interface{}, 0, len(cols)+1)
	b.WriteString("asset_id = ?")
	args = append(args, k.AssetID)
	for i, col := range cols {
		fmt.Fprintf(&b, " AND %s = ?", col)
		args = append(args, k.KeyParts[i])
	}
	return b.String(), args
}

// FindOpenSession returns the session row with create_time <= ts < end_time,
// if one exists.
func (db *DB) FindOpenSession(ctx context.Context, key SessionKey, ts int64) (*SessionRow, error) {
	where, args := key.whereClause()
	query := fmt.Sprintf(`
		SELECT create_time, end_time, session_id, is_guess FROM %s
		WHERE %s AND create_time <= ? AND end_time > ?
		ORDER BY create_time DESC LIMIT 1`, key.Kind.tableName(), where)
	args = append(args, ts, ts)
	return scanSessionRow(db.conn.QueryRowContext(ctx, query, args...), key.AssetID)
}

// FindNextSession returns the session with the smallest create_time > ts
// that is still open (end_time = EndOfTime), used by the Existing-event
// guess-absorption path.
func (db *DB) FindNextSession(ctx context.Context, key SessionKey, ts int64) (*SessionRow, error) {
	where, args := key.whereClause()
	query := fmt.Sprintf(`
		SELECT create_time, end_time, session_id, is_guess FROM %s
		WHERE %s AND create_time > ? AND end_time = ?
		ORDER BY create_time ASC LIMIT 1`, key.Kind.tableName(), where)
	args = append(args, ts, EndOfTime)
	return scanSessionRow(db.conn.QueryRowContext(ctx, query, args...), key.AssetID)
}

// FindSessionByCreateTime returns the exact session row for
// (key, create_time), used to make replayed Created events idempotent.
func (db *DB) FindSessionByCreateTime(ctx context.Context, key SessionKey, createTime int64) (*SessionRow, error) {
	where, args := key.whereClause()
	query := fmt.Sprintf(`
		SELECT create_time, end_time, session_id, is_guess FROM %s
		WHERE %s AND create_time = ?`, key.Kind.tableName(), where)
	args = append(args, createTime)
	return scanSessionRow(db.conn.QueryRowContext(ctx, query, args...), key.AssetID)
}

// InsertSession inserts a fresh session row.
func (db *DB) InsertSession(ctx context.Context, key SessionKey, row SessionRow) error {
	cols := key.Kind.keyColumns()
	colList := append([]string{"asset_id"}, cols...)
	colList = append(colList, "create_time", "end_time", "session_id", "is_guess")

	placeholders := strings.TrimRight(strings.Repeat("?,", len(colList)), ",")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", key.Kind.tableName(), strings.Join(colList, ", "), placeholders)

	args := append([]interface{}{key.AssetID}, key.KeyParts...)
	args = append(args, row.CreateTime, row.EndTime, row.SessionID, boolToInt(row.IsGuess))

	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("historydb: insert session: %w", err)
	}
	return nil
}

// UpdateSessionGuess rewrites a guess row's create_time (extending it down to
// absorb an earlier Existing event) and/or promotes it to a real session by
// clearing is_guess.
func (db *DB) UpdateSessionGuess(ctx context.Context, key SessionKey, oldCreateTime, newCreateTime int64, isGuess bool) error {
	where, args := key.whereClause()
	query := fmt.Sprintf(`UPDATE %s SET create_time = ?, is_guess = ? WHERE %s AND create_time = ?`, key.Kind.tableName(), where)
	fullArgs := append([]interface{}{newCreateTime, boolToInt(isGuess)}, args...)
	fullArgs = append(fullArgs, oldCreateTime)
	if _, err := db.conn.ExecContext(ctx, query, fullArgs...); err != nil {
		return fmt.Errorf("historydb: update session guess: %w", err)
	}
	return nil
}

// TerminateSession sets end_time on the session with the largest create_time
// <= ts whose current end_time > ts. Returns false if no such session exists
// (termination without a matching session is a warn-only drop, not an
// error).
func (db *DB) TerminateSession(ctx context.Context, key SessionKey, ts int64) (bool, error) {
	where, args := key.whereClause()
	table := key.Kind.tableName()
	query := fmt.Sprintf(`
		UPDATE %s SET end_time = ?
		WHERE rowid IN (
			SELECT rowid FROM %s
			WHERE %s AND create_time <= ? AND end_time > ?
			ORDER BY create_time DESC LIMIT 1
		)`, table, table, where)
	fullArgs := append([]interface{}{ts}, args...)
	fullArgs = append(fullArgs, ts, ts)

	result, err := db.conn.ExecContext(ctx, query, fullArgs...)
	if err != nil {
		return false, fmt.Errorf("historydb: terminate session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("historydb: terminate session rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteSession removes a guess row once it has been adopted by a real
// Created event.
func (db *DB) DeleteSession(ctx context.Context, key SessionKey, createTime int64) error {
	where, args := key.whereClause()
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s AND create_time = ?`, key.Kind.tableName(), where)
	args = append(args, createTime)
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("historydb: delete session: %w", err)
	}
	return nil
}

func scanSessionRow(row *sql.Row, assetID string) (*SessionRow, error) {
	var r SessionRow
	var isGuess int
	switch err := row.Scan(&r.CreateTime, &r.EndTime, &r.SessionID, &isGuess); err {
	case nil:
		r.AssetID = assetID
		r.IsGuess = isGuess != 0
		return &r, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, fmt.Errorf("historydb: scan session row: %w", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
