package auth

import (
	"errors"
	"fmt"

	"github.com/vpnpower/server/internal/model"
)

// Token failure reasons, used for logging only.
const (
	ReasonMalformed    = "malformed"
	ReasonExpired      = "expired"
	ReasonNotYetValid  = "not_yet_valid"
	ReasonSignature    = "signature"
	ReasonAlgorithm    = "algorithm"
	ReasonIssuer       = "issuer"
	ReasonScope        = "scope"
	ReasonClaims       = "claims"
	ReasonStaleVersion = "stale_version"
	ReasonRevoked      = "revoked"
)

// TokenError is an InvalidToken failure with a reason for logs
type TokenError struct {
	Reason string
	cause  error
}

func (e *TokenError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("invalid token (%s): %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("invalid token (%s)", e.Reason)
}

func (e *TokenError) Unwrap() error {
	return model.ErrInvalidToken
}

// ReasonOf returns the failure reason carried by err, or "" if none
func ReasonOf(err error) string {
	var tokenErr *TokenError
	if errors.As(err, &tokenErr) {
		return tokenErr.Reason
	}
	return ""
}
