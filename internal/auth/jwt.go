package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// ScopeSubscription marks tokens that may redeem a subscription bundle
	ScopeSubscription = "subscription"

	defaultIssuer = "vpnpower"
	defaultTTL    = 30 * 24 * time.Hour
	clockLeeway   = 30 * time.Second
)

var errAlgorithm = errors.New("unexpected signing method")

// SubscriptionClaims represents the claims of a signed subscription token
type SubscriptionClaims struct {
	Version *int   `json:"tv,omitempty"`
	Scope   string `json:"scope,omitempty"`
	UID     int64  `json:"uid,omitempty"`
	TID     int64  `json:"tid,omitempty"`
	jwt.RegisteredClaims
}

// AccountID returns the internal account id, preferring uid over sub
func (c *SubscriptionClaims) AccountID() (int64, bool) {
	if c.UID > 0 {
		return c.UID, true
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Verification is the outcome of verifying a signed token. It is either
// Verified or Unverified; only Verified may authorize anything.
type Verification interface {
	verification()
}

// Verified carries claims whose signature and validity window were checked
type Verified struct {
	Claims *SubscriptionClaims
}

// Unverified carries best-effort claims for logging and presentation.
// Claims is nil when the failure suggests tampering.
type Unverified struct {
	Claims *SubscriptionClaims
	Err    *TokenError
}

func (Verified) verification()   {}
func (Unverified) verification() {}

// TokenConfig configures a TokenService
type TokenConfig struct {
	Secret    string
	Algorithm string
	Issuer    string
	TTL       time.Duration
}

// TokenService signs and verifies subscription tokens
type TokenService struct {
	secret []byte
	method jwt.SigningMethod
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a new token service. Unknown or non-HMAC
// algorithms fall back to HS256.
func NewTokenService(cfg TokenConfig) *TokenService {
	var method jwt.SigningMethod = jwt.SigningMethodHS256
	if m, ok := jwt.GetSigningMethod(cfg.Algorithm).(*jwt.SigningMethodHMAC); ok {
		method = m
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &TokenService{
		secret: []byte(cfg.Secret),
		method: method,
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Algorithm returns the signing algorithm in use
func (s *TokenService) Algorithm() string {
	return s.method.Alg()
}

// Issue signs a subscription token for an account, embedding the current
// credential version.
func (s *TokenService) Issue(accountID, externalID int64, version int) (string, error) {
	now := s.now()
	claims := &SubscriptionClaims{
		Version: &version,
		Scope:   ScopeSubscription,
		UID:     accountID,
		TID:     externalID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatInt(accountID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(s.method, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// Verify checks a signed token. When the configured algorithm is not HS256
// and verification fails, HS256 is tried before giving up so tokens issued
// before an algorithm change keep working.
func (s *TokenService) Verify(tokenString string) Verification {
	result := s.verifyWith(tokenString, s.method)
	if _, ok := result.(Verified); ok || s.method == jwt.SigningMethodHS256 {
		return result
	}
	if fallback, ok := s.verifyWith(tokenString, jwt.SigningMethodHS256).(Verified); ok {
		return fallback
	}
	return result
}

func (s *TokenService) verifyWith(tokenString string, method jwt.SigningMethod) Verification {
	parser := jwt.NewParser(
		jwt.WithIssuer(s.issuer),
		jwt.WithLeeway(clockLeeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	claims := &SubscriptionClaims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != method.Alg() {
			return nil, fmt.Errorf("%w: %v", errAlgorithm, token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		reason := failureReason(err)
		tokenErr := &TokenError{Reason: reason, cause: err}
		if !exposesClaims(reason, tokenString) {
			return Unverified{Err: tokenErr}
		}
		return Unverified{Claims: claims, Err: tokenErr}
	}

	if claims.IssuedAt == nil || claims.Subject == "" {
		return Unverified{Claims: claims, Err: &TokenError{Reason: ReasonClaims}}
	}
	if claims.Scope != "" && claims.Scope != ScopeSubscription {
		return Unverified{Claims: claims, Err: &TokenError{Reason: ReasonScope}}
	}
	return Verified{Claims: claims}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonMalformed
	case errors.Is(err, errAlgorithm):
		return ReasonAlgorithm
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ReasonSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ReasonNotYetValid
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ReasonIssuer
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ReasonClaims
	}
	return ReasonMalformed
}

// exposesClaims reports whether claims from a failed verification may be
// surfaced. Signature failures and non-HMAC algorithm headers never do.
func exposesClaims(reason, tokenString string) bool {
	switch reason {
	case ReasonMalformed, ReasonSignature:
		return false
	case ReasonAlgorithm:
		token, _, err := jwt.NewParser().ParseUnverified(tokenString, &SubscriptionClaims{})
		if err != nil {
			return false
		}
		_, hmac := token.Method.(*jwt.SigningMethodHMAC)
		return hmac
	}
	return true
}

// CheckVersion rejects claims carrying a credential version that differs
// from the account's current one. Tokens without a version claim pass.
func CheckVersion(claims *SubscriptionClaims, current int) error {
	if claims.Version != nil && *claims.Version != current {
		return &TokenError{Reason: ReasonStaleVersion}
	}
	return nil
}
