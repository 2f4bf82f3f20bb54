package subscription

import (
	"fmt"
	"strings"

	"github.com/vpnpower/server/internal/model"
)

// Format is the bundle wire encoding
type Format string

const (
	FormatPlain  Format = "plain"
	FormatBase64 Format = "base64"
)

// ParseFormat maps the fmt query value to a Format. Empty and "auto"
// select base64.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "b64", "base64":
		return FormatBase64, nil
	case "plain":
		return FormatPlain, nil
	}
	return "", fmt.Errorf("unknown format %q: %w", s, model.ErrInvalidInput)
}
