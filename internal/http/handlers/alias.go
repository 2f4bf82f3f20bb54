package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vpnpower/server/internal/alias"
	"github.com/vpnpower/server/internal/subscription"
)

// AliasService allocates and redeems short links
type AliasService interface {
	GetOrCreate(ctx context.Context, req alias.CreateRequest) (alias.Result, error)
	Resolve(ctx context.Context, alias string, req subscription.RedeemRequest) (string, error)
}

// AliasHandler handles short link endpoints
type AliasHandler struct {
	aliases AliasService
	log     *slog.Logger
}

// NewAliasHandler creates a new alias handler
func NewAliasHandler(aliases AliasService, log *slog.Logger) *AliasHandler {
	return &AliasHandler{aliases: aliases, log: log}
}

type aliasResponse struct {
	Alias     string `json:"alias"`
	AccountID *int64 `json:"account_id"`
	Reused    bool   `json:"reused"`
}

// HandleCreate handles GET|POST /api/alias/create?token=&account_id|user_id=&tg_id=
func (h *AliasHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid form")
		return
	}
	token := strings.TrimSpace(r.Form.Get("token"))
	if token == "" {
		respondWithError(w, http.StatusUnprocessableEntity, "token is required")
		return
	}
	accountID, err := parseID(formParam(r, "account_id", "user_id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	externalID, err := parseID(formParam(r, "tg_id", "telegram_id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid tg_id")
		return
	}

	result, err := h.aliases.GetOrCreate(r.Context(), alias.CreateRequest{
		Token:      token,
		AccountID:  accountID,
		ExternalID: externalID,
	})
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, aliasResponse{
		Alias:     result.Alias,
		AccountID: result.AccountID,
		Reused:    result.Reused,
	})
}

// HandleResolve handles GET /s/{alias}. The name parameter is accepted and
// ignored.
func (h *AliasHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	req, ok := redeemRequest(w, r)
	if !ok {
		return
	}
	body, err := h.aliases.Resolve(r.Context(), strings.TrimSpace(chi.URLParam(r, "alias")), req)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondText(w, body)
}

func formParam(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(r.Form.Get(name)); v != "" {
			return v
		}
	}
	return ""
}
