package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vpnpower/server/internal/auth"
	"github.com/vpnpower/server/internal/slots"
	"github.com/vpnpower/server/internal/subscription"
)

// Redeemer renders a subscription bundle
type Redeemer interface {
	Redeem(ctx context.Context, req subscription.RedeemRequest) (string, error)
}

// SubscriptionHandler serves subscription bundles
type SubscriptionHandler struct {
	redeemer Redeemer
	log      *slog.Logger
}

// NewSubscriptionHandler creates a new subscription handler
func NewSubscriptionHandler(redeemer Redeemer, log *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{redeemer: redeemer, log: log}
}

// HandleVless handles GET /sub/vless?token=&d=&fmt=&info=
func (h *SubscriptionHandler) HandleVless(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondWithError(w, http.StatusUnprocessableEntity, "token is required")
		return
	}
	h.serve(w, r, token)
}

// HandleLegacy handles GET /sub/{token}
func (h *SubscriptionHandler) HandleLegacy(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, auth.UnwrapToken(chi.URLParam(r, "token")))
}

func (h *SubscriptionHandler) serve(w http.ResponseWriter, r *http.Request, token string) {
	req, ok := redeemRequest(w, r)
	if !ok {
		return
	}
	req.Token = token

	body, err := h.redeemer.Redeem(r.Context(), req)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	respondText(w, body)
}

// redeemRequest reads the d, fmt and info parameters shared by every
// redemption route
func redeemRequest(w http.ResponseWriter, r *http.Request) (subscription.RedeemRequest, bool) {
	q := r.URL.Query()
	format, err := subscription.ParseFormat(q.Get("fmt"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "fmt must be plain, base64 or auto")
		return subscription.RedeemRequest{}, false
	}
	info, err := parseFlag(q.Get("info"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "info must be 0 or 1")
		return subscription.RedeemRequest{}, false
	}
	return subscription.RedeemRequest{
		Device: slots.Request{
			DeviceKey: q.Get("d"),
			UserAgent: r.UserAgent(),
			RemoteIP:  getClientIP(r),
		},
		Format:      format,
		Diagnostics: info,
	}, true
}
