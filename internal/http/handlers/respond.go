package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/vpnpower/server/internal/auth"
	"github.com/vpnpower/server/internal/logger"
	mw "github.com/vpnpower/server/internal/middleware"
	"github.com/vpnpower/server/internal/model"
)

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends v as a JSON body
func respondJSON(w http.ResponseWriter, log *slog.Logger, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", logger.Error(err))
	}
}

// respondText sends a plain text body
func respondText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// respondWithServiceError maps domain errors to status codes. Token
// failures never reveal their reason to the caller.
func respondWithServiceError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	status, message := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, model.ErrInvalidToken):
		status, message = http.StatusUnauthorized, "invalid token"
	case errors.Is(err, model.ErrUnauthorized):
		status, message = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, model.ErrNotFound):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, model.ErrCapacityConflict):
		status, message = http.StatusConflict, "device limit reached"
	case errors.Is(err, model.ErrInvalidInput):
		status, message = http.StatusBadRequest, "invalid request"
	case errors.Is(err, model.ErrUpstreamUnavailable):
		status, message = http.StatusBadGateway, "upstream unavailable"
	}

	attrs := []any{
		logger.RequestID(middleware.GetReqID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		logger.Error(err),
	}
	if reason := auth.ReasonOf(err); reason != "" {
		attrs = append(attrs, logger.Reason(reason))
	}
	if status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "request failed", attrs...)
	} else {
		log.InfoContext(r.Context(), "request rejected", attrs...)
	}
	respondWithError(w, status, message)
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	return mw.ClientIP(r)
}

// firstParam returns the first non-empty query parameter among names
func firstParam(r *http.Request, names ...string) string {
	q := r.URL.Query()
	for _, name := range names {
		if v := strings.TrimSpace(q.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// parseID parses a positive integer id; empty input yields 0
func parseID(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, model.ErrInvalidInput
	}
	return id, nil
}

// parseFlag accepts 1/0/true/false/yes/no; empty is false
func parseFlag(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "no":
		return false, nil
	case "1", "true", "yes":
		return true, nil
	}
	return false, model.ErrInvalidInput
}
