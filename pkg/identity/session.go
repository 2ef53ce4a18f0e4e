package identity

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/grapl-security/grapl-core/pkg/historydb"
	"github.com/grapl-security/grapl-core/pkg/model"
)

// sessionScope describes how one node maps onto historydb's session schema:
// which kind's table it belongs to and the primary-key fields within that
// table, per §4.4.2's "(asset_id, primary_key_fields, session_kind)".
type sessionScope struct {
	kind     historydb.SessionKind
	keyParts []interface{}
}

// scopeFor returns the session scope for node, or ok=false if the node's
// variant is not session-scoped (asset, ip-address, and dynamic nodes have no
// create/terminate/existing lifecycle).
func scopeFor(node *model.NodeDescription) (sessionScope, bool) {
	switch node.Variant {
	case model.VariantProcess:
		return sessionScope{kind: historydb.KindProcess, keyParts: []interface{}{int64(node.PID)}}, true
	case model.VariantFile:
		return sessionScope{kind: historydb.KindFile, keyParts: []interface{}{node.Path}}, true
	case model.VariantOutboundConnection, model.VariantInboundConnection, model.VariantNetworkConnection:
		return sessionScope{
			kind:     historydb.KindConnection,
			keyParts: []interface{}{node.IP, int64(node.Port), node.Protocol, int64(node.Direction)},
		}, true
	default:
		return sessionScope{}, false
	}
}

// identifySessions runs phase 2 (§4.4.2) over every surviving node in sg,
// returning the map from each node's per-event key to its derived identified
// key. A session-scoped node that cannot be resolved (Existing event, no
// session found, non-default mode) fails the whole subgraph, per §4.4.5.
func (id *Identifier) identifySessions(ctx context.Context, tenant model.Tenant, sg *model.UnidentifiedSubgraph) (map[model.NodeKey]model.NodeKey, error) {
	keyMap := make(map[model.NodeKey]model.NodeKey, len(sg.Nodes))

	for key, node := range sg.Nodes {
		scope, scoped := scopeFor(node)
		if !scoped {
			keyMap[key] = contentIdentifiedKey(node)
			continue
		}

		sessionID, ok, err := id.resolveSession(ctx, tenant, scope, node)
		if err != nil {
			return nil, fmt.Errorf("resolve session for node %q: %w", key, err)
		}
		if !ok {
			if node.SessionState == model.SessionTerminated {
				// Terminated event with no matching session: dropped with a
				// warning, not a subgraph failure (§4.4.2 "Termination.").
				id.logger.Printf("warn: tenant=%s node=%s: termination with no matching session, dropping node", tenant, key)
				continue
			}
			// Existing event, non-default mode, no session found: the event
			// fails and takes its whole subgraph down with it (§4.4.5).
			return nil, fmt.Errorf("no matching session for node %q and non-default mode forbids a guess", key)
		}
		keyMap[key] = sessionIdentifiedKey(sessionID, scope.kind)
	}

	return keyMap, nil
}

func (id *Identifier) resolveSession(ctx context.Context, tenant model.Tenant, scope sessionScope, node *model.NodeDescription) (string, bool, error) {
	sessionKey := historydb.SessionKey{Kind: scope.kind, AssetID: node.GetAssetID(), KeyParts: scope.keyParts}
	// historydb carries timestamps as int64 (database/sql rejects uint64
	// values with the high bit set); node.Timestamp stays uint64 at the wire
	// boundary and is converted here.
	ts := int64(node.Timestamp)

	if cached, ok := id.cachedSessionID(tenant, scope, node); ok {
		return string(cached), true, nil
	}

	var sessionID string
	var ok bool
	var err error

	switch node.SessionState {
	case model.SessionCreated:
		sessionID, err = id.resolveCreated(ctx, sessionKey, ts)
		ok = err == nil
	case model.SessionTerminated:
		var row *historydb.SessionRow
		row, err = id.db.FindOpenSession(ctx, sessionKey, ts)
		if err == nil && row != nil {
			ok = true
			sessionID = row.SessionID
			_, err = id.db.TerminateSession(ctx, sessionKey, ts)
		}
	case model.SessionExisting:
		sessionID, ok, err = id.resolveExisting(ctx, sessionKey, ts)
	default:
		return "", false, fmt.Errorf("unknown session state %v", node.SessionState)
	}

	if err != nil {
		return "", false, err
	}
	if ok && sessionID != "" {
		id.cacheSessionID(tenant, scope, node, model.NodeKey(sessionID))
	}
	return sessionID, ok, nil
}

// guessExpired reports whether a guess session created at guessTs has aged
// past id.cfg.GuessTTL as of ts. Event timestamps are unix nanoseconds, the
// same unit as time.Duration, so the two compare directly. A zero TTL means
// guesses never expire by age (only by being superseded or absorbed).
func (id *Identifier) guessExpired(guessTs, ts int64) bool {
	if id.cfg.GuessTTL <= 0 || ts <= guessTs {
		return false
	}
	return ts-guessTs > id.cfg.GuessTTL.Nanoseconds()
}

// predecessor returns ts-1, saturating at 0 rather than going negative.
func predecessor(ts int64) int64 {
	if ts == 0 {
		return 0
	}
	return ts - 1
}

// resolveCreated implements §4.4.2's Creation rule: idempotent replay of the
// same create_time, and guess absorption when a prior guess session overlaps.
func (id *Identifier) resolveCreated(ctx context.Context, key historydb.SessionKey, ts int64) (string, error) {
	if existing, err := id.db.FindSessionByCreateTime(ctx, key, ts); err != nil {
		return "", err
	} else if existing != nil {
		return existing.SessionID, nil
	}

	if guess, err := id.db.FindNextSession(ctx, key, predecessor(ts)); err != nil {
		return "", err
	} else if guess != nil && guess.IsGuess && guess.CreateTime >= ts && !id.guessExpired(guess.CreateTime, ts) {
		if err := id.db.DeleteSession(ctx, key, guess.CreateTime); err != nil {
			return "", err
		}
		row := historydb.SessionRow{CreateTime: ts, EndTime: historydb.EndOfTime, SessionID: guess.SessionID, IsGuess: false}
		if err := id.db.InsertSession(ctx, key, row); err != nil {
			return "", err
		}
		id.logger.Printf("debug: tenant-scoped create adopted guess session_id=%s asset=%s", guess.SessionID, key.AssetID)
		return guess.SessionID, nil
	}

	sessionID := uuid.NewString()
	row := historydb.SessionRow{CreateTime: ts, EndTime: historydb.EndOfTime, SessionID: sessionID, IsGuess: false}
	if err := id.db.InsertSession(ctx, key, row); err != nil {
		return "", err
	}
	return sessionID, nil
}

// resolveExisting implements §4.4.2's 4-step Existing rule.
func (id *Identifier) resolveExisting(ctx context.Context, key historydb.SessionKey, ts int64) (string, bool, error) {
	if row, err := id.db.FindOpenSession(ctx, key, ts); err != nil {
		return "", false, err
	} else if row != nil {
		return row.SessionID, true, nil
	}

	if row, err := id.db.FindNextSession(ctx, key, ts); err != nil {
		return "", false, err
	} else if row != nil && row.IsGuess && !id.guessExpired(row.CreateTime, ts) {
		if err := id.db.UpdateSessionGuess(ctx, key, row.CreateTime, ts, true); err != nil {
			return "", false, err
		}
		return row.SessionID, true, nil
	}

	if !id.cfg.DefaultMode {
		return "", false, nil
	}

	sessionID := uuid.NewString()
	row := historydb.SessionRow{CreateTime: ts, EndTime: historydb.EndOfTime, SessionID: sessionID, IsGuess: true}
	if err := id.db.InsertSession(ctx, key, row); err != nil {
		return "", false, err
	}
	return sessionID, true, nil
}

func (id *Identifier) cacheKey(tenant model.Tenant, scope sessionScope, node *model.NodeDescription) string {
	h := sha256.New()
	h.Write(id.cfg.Pepper)
	fmt.Fprintf(h, "|%s|%d|", tenant, scope.kind)
	for _, part := range scope.keyParts {
		fmt.Fprintf(h, "%v|", part)
	}
	fmt.Fprintf(h, "%s|%d", node.GetAssetID(), node.Timestamp)
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (id *Identifier) cachedSessionID(tenant model.Tenant, scope sessionScope, node *model.NodeDescription) (model.NodeKey, bool) {
	return id.cache.Get(id.cacheKey(tenant, scope, node))
}

func (id *Identifier) cacheSessionID(tenant model.Tenant, scope sessionScope, node *model.NodeDescription, sessionID model.NodeKey) {
	id.cache.Add(id.cacheKey(tenant, scope, node), sessionID)
}

// sessionIdentifiedKey derives a node's identified key from its session id:
// SHA-256(session_id || kind), truncated to 16 bytes, base58-encoded.
func sessionIdentifiedKey(sessionID string, kind historydb.SessionKind) model.NodeKey {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", sessionID, kind)))
	return model.NodeKey(base58.Encode(h[:16]))
}

// contentIdentifiedKey derives an identified key for a node variant with no
// session lifecycle (asset, ip-address, dynamic): a hash of the node's stable
// content rather than a session id, so repeated sightings of the same asset
// or ip converge to the same identified node across batches.
func contentIdentifiedKey(node *model.NodeDescription) model.NodeKey {
	var content string
	switch node.Variant {
	case model.VariantAsset:
		content = "asset|" + node.GetAssetID()
	case model.VariantIPAddress:
		content = "ip|" + node.IP
	default:
		content = "dynamic|" + string(node.NodeKey)
	}
	h := sha256.Sum256([]byte(content))
	return model.NodeKey(base58.Encode(h[:16]))
}
