// Package server exposes C5's mutation RPCs and C6's query entry point over
// a thin HTTP/JSON transport, in place of the teacher's Bolt/Cypher wire
// protocol.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/grapl-security/grapl-core/pkg/identity"
	"github.com/grapl-security/grapl-core/pkg/model"
	"github.com/grapl-security/grapl-core/pkg/mutation"
	"github.com/grapl-security/grapl-core/pkg/query"
)

// Server wires C4, C5, and C6 onto a net/http.Server.
type Server struct {
	identity *identity.Identifier
	mutation *mutation.Engine
	query    *query.Engine
	logger   *log.Logger
	http     *http.Server
}

// Config configures the listener.
type Config struct {
	Address string
	Port    int
	Logger  *log.Logger
}

// New constructs a Server from its collaborators. id may be nil, in which
// case /v1/identify is not registered.
func New(id *identity.Identifier, m *mutation.Engine, q *query.Engine, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[server] ", log.LstdFlags|log.Lmicroseconds)
	}

	s := &Server{identity: id, mutation: m, query: q, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/nodes", s.handleCreateNode)
	mux.HandleFunc("POST /v1/nodes/properties", s.handleSetNodeProperty)
	mux.HandleFunc("POST /v1/edges", s.handleCreateEdge)
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	if s.identity != nil {
		mux.HandleFunc("POST /v1/identify", s.handleIdentify)
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in the background and returns immediately.
func (s *Server) Start() error {
	ln := s.http.Addr
	s.logger.Printf("listening on %s", ln)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("error: listener stopped: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseTenant(hexStr string) (model.Tenant, error) {
	var t model.Tenant
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != len(t) {
		return t, fmt.Errorf("server: tenant must be a 32-hex-digit id")
	}
	copy(t[:], raw)
	return t, nil
}

type createNodeRequest struct {
	Tenant   string        `json:"tenant"`
	NodeType model.NodeType `json:"node_type"`
}

type createNodeResponse struct {
	Uid model.Uid `json:"uid"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tenant, err := parseTenant(req.Tenant)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	uid, err := s.mutation.CreateNode(r.Context(), tenant, req.NodeType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, createNodeResponse{Uid: uid})
}

type setPropertyRequest struct {
	Tenant       string              `json:"tenant"`
	Uid          model.Uid           `json:"uid"`
	NodeType     model.NodeType      `json:"node_type"`
	PropertyName model.PropertyName  `json:"property_name"`
	Class        model.PropertyClass `json:"class"`
	IntValue     int64               `json:"int_value,omitempty"`
	UintValue    uint64              `json:"uint_value,omitempty"`
	StrValue     string              `json:"str_value,omitempty"`
}

type setPropertyResponse struct {
	Redundancy model.MutationRedundancy `json:"redundancy"`
}

func (s *Server) handleSetNodeProperty(w http.ResponseWriter, r *http.Request) {
	var req setPropertyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tenant, err := parseTenant(req.Tenant)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	property := model.Property{Class: req.Class, Int: req.IntValue, Uint: req.UintValue, Str: req.StrValue}
	redundancy, err := s.mutation.SetNodeProperty(tenant, req.Uid, req.NodeType, req.PropertyName, property)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, setPropertyResponse{Redundancy: redundancy})
}

type createEdgeRequest struct {
	Tenant          string         `json:"tenant"`
	FromUid         model.Uid      `json:"from_uid"`
	ToUid           model.Uid      `json:"to_uid"`
	ForwardEdgeName model.EdgeName `json:"forward_edge_name"`
	SourceNodeType  model.NodeType `json:"source_node_type"`
}

type createEdgeResponse struct {
	Redundancy model.MutationRedundancy `json:"redundancy"`
}

func (s *Server) handleCreateEdge(w http.ResponseWriter, r *http.Request) {
	var req createEdgeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tenant, err := parseTenant(req.Tenant)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	redundancy, err := s.mutation.CreateEdge(r.Context(), tenant, req.FromUid, req.ToUid, req.ForwardEdgeName, req.SourceNodeType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, createEdgeResponse{Redundancy: redundancy})
}

// queryEdgeFilter is the wire form of one query.GraphQuery edge filter: a
// flat triple, since a struct-keyed map (query.EdgeFilterKey) cannot round
// trip through encoding/json.
type queryEdgeFilter struct {
	From            query.QueryId `json:"from"`
	EdgeName        model.EdgeName `json:"edge_name"`
	ReverseEdgeName model.EdgeName `json:"reverse_edge_name"`
	To              query.QueryId `json:"to"`
}

type graphQueryRequest struct {
	Tenant              string                                   `json:"tenant"`
	AnchorUid           model.Uid                                `json:"anchor_uid"`
	FromUid             bool                                     `json:"from_uid"`
	RootQueryId         query.QueryId                             `json:"root_query_id"`
	NodePropertyQueries map[query.QueryId]*query.NodePropertyQuery `json:"node_property_queries"`
	EdgeFilters         []queryEdgeFilter                        `json:"edge_filters"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req graphQueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tenant, err := parseTenant(req.Tenant)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	gq := query.NewGraphQuery(req.RootQueryId)
	for id, q := range req.NodePropertyQueries {
		gq.AddNodeQuery(id, q)
	}
	for _, ef := range req.EdgeFilters {
		gq.AddEdge(ef.From, ef.EdgeName, ef.ReverseEdgeName, ef.To)
	}

	var view *query.GraphView
	if req.FromUid {
		view, err = s.query.QueryGraphFromUid(r.Context(), tenant, req.AnchorUid, gq)
	} else {
		view, err = s.query.QueryGraphWithUid(r.Context(), tenant, req.AnchorUid, gq)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if view == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"matched": false})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type identifyRequest struct {
	Tenant     string                         `json:"tenant"`
	Subgraphs  []*model.UnidentifiedSubgraph  `json:"subgraphs"`
}

type identifyResponse struct {
	Merged   *model.IdentifiedSubgraph    `json:"merged"`
	Failures []identity.SubgraphFailure   `json:"failures"`
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	var req identifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tenant, err := parseTenant(req.Tenant)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.identity.IdentifyBatch(r.Context(), tenant, req.Subgraphs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, identifyResponse{Merged: result.Merged, Failures: result.Failures})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("server: malformed request body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
