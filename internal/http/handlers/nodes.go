package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vpnpower/server/internal/middleware"
	"github.com/vpnpower/server/internal/model"
	"github.com/vpnpower/server/internal/nodesync"
)

// NodeSync authenticates proxy nodes and lists their identities
type NodeSync interface {
	Authorize(presented string) error
	Snapshot(ctx context.Context, inboundTag, flow string) (nodesync.Snapshot, error)
}

// NodeStore saves proxy node definitions
type NodeStore interface {
	Upsert(ctx context.Context, node model.ProxyNode) (model.ProxyNode, error)
}

// NodesHandler handles node sync and node administration
type NodesHandler struct {
	sync  NodeSync
	nodes NodeStore
	log   *slog.Logger
}

// NewNodesHandler creates a new nodes handler
func NewNodesHandler(sync NodeSync, nodes NodeStore, log *slog.Logger) *NodesHandler {
	return &NodesHandler{sync: sync, nodes: nodes, log: log}
}

// nodeRequest is the body of PUT /api/admin/nodes
type nodeRequest struct {
	Name             string `json:"name"`
	Region           string `json:"region"`
	CountryCode      string `json:"country_code"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	RealityPublicKey string `json:"reality_public_key"`
	ShortID          string `json:"short_id"`
	SNI              string `json:"sni"`
	Flow             string `json:"flow"`
	Fingerprint      string `json:"fingerprint"`
	Priority         *int   `json:"priority"`
	Active           *bool  `json:"active"`
}

type nodeResponse struct {
	ID       int64  `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Priority int    `json:"priority"`
	Active   bool   `json:"active"`
}

// HandleActiveUUIDs handles GET /api/nodes/active-uuids. The secret is
// read from X-Node-Sync-Secret or the secret query parameter.
func (h *NodesHandler) HandleActiveUUIDs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	presented := r.Header.Get(middleware.NodeSyncSecretHeader)
	if presented == "" {
		presented = q.Get("secret")
	}
	if err := h.sync.Authorize(presented); err != nil {
		h.log.WarnContext(r.Context(), "node sync rejected", slog.String("ip", getClientIP(r)))
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	snap, err := h.sync.Snapshot(r.Context(), q.Get("inbound_tag"), q.Get("flow"))
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, snap)
}

// HandleUpsertNode handles PUT /api/admin/nodes
func (h *NodesHandler) HandleUpsertNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.Host = strings.TrimSpace(req.Host)
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		respondWithError(w, http.StatusBadRequest, "host and a valid port are required")
		return
	}
	if req.RealityPublicKey == "" {
		respondWithError(w, http.StatusBadRequest, "reality_public_key is required")
		return
	}

	node := model.ProxyNode{
		Name:             optional(req.Name),
		Region:           optional(req.Region),
		CountryCode:      optional(strings.ToUpper(req.CountryCode)),
		Host:             req.Host,
		Port:             req.Port,
		RealityPublicKey: req.RealityPublicKey,
		ShortID:          req.ShortID,
		SNI:              req.SNI,
		Flow:             req.Flow,
		Fingerprint:      req.Fingerprint,
		Priority:         model.DefaultNodePriority,
		Active:           req.Active == nil || *req.Active,
	}
	if req.Priority != nil {
		node.Priority = *req.Priority
	}
	if node.Flow == "" {
		node.Flow = nodesync.DefaultFlow
	}
	if node.Fingerprint == "" {
		node.Fingerprint = "chrome"
	}

	saved, err := h.nodes.Upsert(r.Context(), node)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	h.log.InfoContext(r.Context(), "node upserted",
		slog.Int64("node_id", saved.ID), slog.String("host", saved.Host), slog.Int("port", saved.Port))
	respondJSON(w, h.log, http.StatusOK, nodeResponse{
		ID: saved.ID, Host: saved.Host, Port: saved.Port, Priority: saved.Priority, Active: saved.Active,
	})
}
