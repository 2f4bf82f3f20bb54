package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vpnpower/server/internal/auth"
	"github.com/vpnpower/server/internal/logger"
	"github.com/vpnpower/server/internal/model"
)

// LinkIssuer is the part of the token service the auth endpoints use
type LinkIssuer interface {
	Issue(ctx context.Context, req auth.IssueRequest) (auth.IssuedLink, error)
	Link(ctx context.Context, profile model.LinkProfile) error
	Rotate(ctx context.Context, externalID int64) (int, error)
}

// AuthHandler handles link issuance, account linking and credential rotation
type AuthHandler struct {
	links LinkIssuer
	log   *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(links LinkIssuer, log *slog.Logger) *AuthHandler {
	return &AuthHandler{links: links, log: log}
}

// oneClickRequest is the request body for POST /api/oneclick
type oneClickRequest struct {
	TelegramID int64  `json:"telegram_id"`
	Platform   string `json:"platform"`
	Region     string `json:"region"`
	Kind       string `json:"kind"`
	Reuse      bool   `json:"reuse"`
	Username   string `json:"username"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
}

// oneClickResponse is the JSON response for issuance
type oneClickResponse struct {
	Link string `json:"link"`
}

// linkRequest is the body of the linking webhook. Both username spellings
// are accepted.
type linkRequest struct {
	TelegramID       int64  `json:"telegram_id"`
	TelegramUsername string `json:"telegram_username"`
	TGUsername       string `json:"tg_username"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
}

type rotateResponse struct {
	CredentialVersion int `json:"credential_version"`
}

// HandleOneClickPost handles POST /api/oneclick
func (h *AuthHandler) HandleOneClickPost(w http.ResponseWriter, r *http.Request) {
	var req oneClickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.TelegramID <= 0 {
		respondWithError(w, http.StatusUnprocessableEntity, "telegram_id is required")
		return
	}

	issue := auth.IssueRequest{
		ExternalID: req.TelegramID,
		Reuse:      req.Reuse,
		Platform:   req.Platform,
		Region:     req.Region,
	}
	if req.Username != "" || req.FirstName != "" || req.LastName != "" {
		issue.Profile = &model.LinkProfile{
			Username:  optional(req.Username),
			FirstName: optional(req.FirstName),
			LastName:  optional(req.LastName),
		}
	}
	h.issue(w, r, issue, req.Kind)
}

// HandleOneClickGet handles GET /oneclick?tg_id=|telegram_id=
func (h *AuthHandler) HandleOneClickGet(w http.ResponseWriter, r *http.Request) {
	externalID, err := parseID(firstParam(r, "telegram_id", "tg_id"))
	if err != nil || externalID == 0 {
		respondWithError(w, http.StatusUnprocessableEntity, "provide tg_id (or telegram_id)")
		return
	}
	reuse, err := parseFlag(r.URL.Query().Get("reuse"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "reuse must be a boolean")
		return
	}

	q := r.URL.Query()
	h.issue(w, r, auth.IssueRequest{
		ExternalID: externalID,
		Reuse:      reuse,
		Platform:   q.Get("platform"),
		Region:     q.Get("region"),
	}, q.Get("kind"))
}

func (h *AuthHandler) issue(w http.ResponseWriter, r *http.Request, req auth.IssueRequest, kind string) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "signed", string(auth.KindSigned):
		req.Kind = auth.KindSigned
	case "opaque", string(auth.KindOpaque):
		req.Kind = auth.KindOpaque
	default:
		respondWithError(w, http.StatusBadRequest, "kind must be signed or opaque")
		return
	}
	if req.Platform == "" {
		req.Platform = "ios"
	}

	link, err := h.links.Issue(r.Context(), req)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, oneClickResponse{Link: link.URL})
}

// HandleLink handles POST /link. The shared secret is checked by middleware.
func (h *AuthHandler) HandleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.TelegramID <= 0 {
		respondWithError(w, http.StatusUnprocessableEntity, "telegram_id is required")
		return
	}

	username := strings.TrimSpace(req.TelegramUsername)
	if username == "" {
		username = strings.TrimSpace(req.TGUsername)
	}
	err := h.links.Link(r.Context(), model.LinkProfile{
		ExternalID: req.TelegramID,
		Username:   optional(username),
		FirstName:  optional(req.FirstName),
		LastName:   optional(req.LastName),
	})
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRotate handles POST /api/admin/accounts/{externalID}/rotate
func (h *AuthHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	externalID, err := strconv.ParseInt(chi.URLParam(r, "externalID"), 10, 64)
	if err != nil || externalID <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid external id")
		return
	}

	version, err := h.links.Rotate(r.Context(), externalID)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	h.log.InfoContext(r.Context(), "credentials rotated by admin", logger.ExternalID(externalID))
	respondJSON(w, h.log, http.StatusOK, rotateResponse{CredentialVersion: version})
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
