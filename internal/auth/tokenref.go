package auth

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/vpnpower/server/internal/model"
)

// Kind distinguishes signed tokens from opaque one-click tokens
type Kind string

const (
	KindSigned Kind = "jwt"
	KindOpaque Kind = "oc"
)

var (
	signedPattern  = regexp.MustCompile(`^[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+$`)
	subPathPattern = regexp.MustCompile(`/sub/([^/?#]+)`)
)

const unquoteRounds = 3

// Classify returns KindSigned for three dot-separated base64url segments
// and KindOpaque for anything else.
func Classify(token string) Kind {
	if signedPattern.MatchString(token) {
		return KindSigned
	}
	return KindOpaque
}

func unquoteDeep(s string) string {
	cur := s
	for i := 0; i < unquoteRounds; i++ {
		next, err := url.PathUnescape(cur)
		if err != nil || next == cur {
			break
		}
		cur = next
	}
	return cur
}

// UnwrapToken strips percent-encoding and extracts the token from
// subscription URLs of the form .../sub/vless?token=X and .../sub/X.
func UnwrapToken(raw string) string {
	s := unquoteDeep(strings.TrimSpace(raw))
	low := strings.ToLower(s)
	if !strings.HasPrefix(low, "http://") && !strings.HasPrefix(low, "https://") {
		return s
	}

	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	if strings.HasSuffix(u.Path, "/sub/vless") {
		if token := u.Query().Get("token"); token != "" {
			return token
		}
	}
	if m := subPathPattern.FindStringSubmatch(u.Path); m != nil && m[1] != "vless" {
		return m[1]
	}
	return s
}

// TokenRef is a classified token value
type TokenRef struct {
	Kind  Kind
	Value string
}

// String returns the stored form, "jwt:<value>" or "oc:<value>"
func (r TokenRef) String() string {
	return string(r.Kind) + ":" + r.Value
}

// ParseTokenRef normalizes raw input into a TokenRef. It accepts bare
// tokens, subscription URLs and the stored "jwt:"/"oc:" forms.
func ParseTokenRef(raw string) (TokenRef, error) {
	s := UnwrapToken(raw)
	for _, kind := range []Kind{KindSigned, KindOpaque} {
		if rest, ok := strings.CutPrefix(s, string(kind)+":"); ok {
			s = UnwrapToken(rest)
			break
		}
	}
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return TokenRef{}, fmt.Errorf("%w: empty or malformed token", model.ErrInvalidToken)
	}
	return TokenRef{Kind: Classify(s), Value: s}, nil
}
