package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const opaqueTokenBytes = 32

// GenerateOpaqueToken returns a random Base64URL token (32 bytes)
func GenerateOpaqueToken() (string, error) {
	b := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate opaque token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
