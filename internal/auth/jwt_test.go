package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpnpower/server/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestTokenService(alg string) *TokenService {
	s := NewTokenService(TokenConfig{Secret: "test-jwt-secret", Algorithm: alg, TTL: time.Hour})
	s.now = func() time.Time { return testNow }
	return s
}

func signRaw(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims() *SubscriptionClaims {
	v := 0
	return &SubscriptionClaims{
		Version: &v,
		Scope:   ScopeSubscription,
		UID:     7,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			Subject:   "7",
			IssuedAt:  jwt.NewNumericDate(testNow),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}
}

func TestIssueThenVerify(t *testing.T) {
	s := newTestTokenService("HS256")
	token, err := s.Issue(7, 1001, 3)
	require.NoError(t, err)
	assert.Equal(t, KindSigned, Classify(token))

	v, ok := s.Verify(token).(Verified)
	require.True(t, ok)
	assert.Equal(t, "vpnpower", v.Claims.Issuer)
	assert.Equal(t, "7", v.Claims.Subject)
	assert.Equal(t, ScopeSubscription, v.Claims.Scope)
	assert.Equal(t, int64(1001), v.Claims.TID)
	require.NotNil(t, v.Claims.Version)
	assert.Equal(t, 3, *v.Claims.Version)

	id, ok := v.Claims.AccountID()
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
}

func TestVerify_Expiry(t *testing.T) {
	s := newTestTokenService("HS256")
	token, err := s.Issue(7, 1001, 0)
	require.NoError(t, err)

	s.now = func() time.Time { return testNow.Add(time.Hour + 10*time.Second) }
	_, ok := s.Verify(token).(Verified)
	assert.True(t, ok, "inside clock-skew leeway")

	s.now = func() time.Time { return testNow.Add(time.Hour + time.Minute) }
	u, ok := s.Verify(token).(Unverified)
	require.True(t, ok)
	assert.Equal(t, ReasonExpired, u.Err.Reason)
	assert.True(t, errors.Is(u.Err, model.ErrInvalidToken))
	require.NotNil(t, u.Claims, "expiry is not tampering")
	assert.Equal(t, int64(7), u.Claims.UID)
}

func TestVerify_TamperedSignatureHidesClaims(t *testing.T) {
	s := newTestTokenService("HS256")
	forged := signRaw(t, jwt.SigningMethodHS256, []byte("other-secret"), validClaims())

	u, ok := s.Verify(forged).(Unverified)
	require.True(t, ok)
	assert.Equal(t, ReasonSignature, u.Err.Reason)
	assert.Nil(t, u.Claims)
}

func TestVerify_NoneAlgorithmHidesClaims(t *testing.T) {
	s := newTestTokenService("HS256")
	unsigned := signRaw(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, validClaims())

	u, ok := s.Verify(unsigned).(Unverified)
	require.True(t, ok)
	assert.Equal(t, ReasonAlgorithm, u.Err.Reason)
	assert.Nil(t, u.Claims)
}

func TestVerify_FallsBackToHS256(t *testing.T) {
	legacy := signRaw(t, jwt.SigningMethodHS256, []byte("test-jwt-secret"), validClaims())

	s := newTestTokenService("HS512")
	assert.Equal(t, "HS512", s.Algorithm())
	_, ok := s.Verify(legacy).(Verified)
	assert.True(t, ok)
}

func TestVerify_AlgorithmMismatchWithoutFallback(t *testing.T) {
	modern := signRaw(t, jwt.SigningMethodHS512, []byte("test-jwt-secret"), validClaims())

	s := newTestTokenService("HS256")
	u, ok := s.Verify(modern).(Unverified)
	require.True(t, ok)
	assert.Equal(t, ReasonAlgorithm, u.Err.Reason)
	assert.NotNil(t, u.Claims, "HMAC algorithm drift keeps best-effort claims")
}

func TestNewTokenService_NonHMACFallsBack(t *testing.T) {
	assert.Equal(t, "HS256", newTestTokenService("RS256").Algorithm())
	assert.Equal(t, "HS256", newTestTokenService("").Algorithm())
}

func TestVerify_ClaimChecks(t *testing.T) {
	s := newTestTokenService("HS256")
	secret := []byte("test-jwt-secret")

	tests := []struct {
		name   string
		mutate func(c *SubscriptionClaims)
		reason string
	}{
		{"wrong issuer", func(c *SubscriptionClaims) { c.Issuer = "someone-else" }, ReasonIssuer},
		{"wrong scope", func(c *SubscriptionClaims) { c.Scope = "admin" }, ReasonScope},
		{"missing sub", func(c *SubscriptionClaims) { c.Subject = "" }, ReasonClaims},
		{"missing iat", func(c *SubscriptionClaims) { c.IssuedAt = nil }, ReasonClaims},
		{"missing exp", func(c *SubscriptionClaims) { c.ExpiresAt = nil }, ReasonClaims},
		{"issued in future", func(c *SubscriptionClaims) { c.IssuedAt = jwt.NewNumericDate(testNow.Add(time.Hour)) }, ReasonNotYetValid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validClaims()
			tt.mutate(c)
			u, ok := s.Verify(signRaw(t, jwt.SigningMethodHS256, secret, c)).(Unverified)
			require.True(t, ok)
			assert.Equal(t, tt.reason, u.Err.Reason)
		})
	}
}

func TestVerify_MissingScopeAccepted(t *testing.T) {
	s := newTestTokenService("HS256")
	c := validClaims()
	c.Scope = ""
	_, ok := s.Verify(signRaw(t, jwt.SigningMethodHS256, []byte("test-jwt-secret"), c)).(Verified)
	assert.True(t, ok)
}

func TestVerify_Malformed(t *testing.T) {
	s := newTestTokenService("HS256")
	u, ok := s.Verify("not.a.jwt").(Unverified)
	require.True(t, ok)
	assert.Equal(t, ReasonMalformed, u.Err.Reason)
	assert.Nil(t, u.Claims)
}

func TestCheckVersion(t *testing.T) {
	c := validClaims()
	assert.NoError(t, CheckVersion(c, 0))

	err := CheckVersion(c, 1)
	require.Error(t, err)
	assert.Equal(t, ReasonStaleVersion, ReasonOf(err))
	assert.True(t, errors.Is(err, model.ErrInvalidToken))

	c.Version = nil
	assert.NoError(t, CheckVersion(c, 5), "tokens without a version claim pass")
}

func TestAccountID_FallsBackToSubject(t *testing.T) {
	c := &SubscriptionClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "42"}}
	id, ok := c.AccountID()
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	c.Subject = "abc"
	_, ok = c.AccountID()
	assert.False(t, ok)
}

func TestTokenError_Message(t *testing.T) {
	err := &TokenError{Reason: ReasonRevoked}
	assert.True(t, strings.Contains(err.Error(), "revoked"))
}
