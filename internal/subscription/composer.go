package subscription

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vpnpower/server/internal/model"
)

const (
	defaultPort        = 443
	defaultFlow        = "xtls-rprx-vision"
	defaultFingerprint = "chrome"
)

// NodeSource lists the proxy nodes a bundle is rendered for
type NodeSource interface {
	ActiveNodes(ctx context.Context) ([]model.ProxyNode, error)
}

// Composer renders subscription bundles
type Composer struct {
	nodes NodeSource
	brand string
	now   func() time.Time
}

// NewComposer creates a composer labelling lines with brand
func NewComposer(nodes NodeSource, brand string) *Composer {
	return &Composer{nodes: nodes, brand: brand, now: time.Now}
}

// Compose renders the bundle of every active node for identity
func (c *Composer) Compose(ctx context.Context, account model.Account, identity string, format Format, diagnostics bool) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("compose bundle for account %d: empty credential identity", account.ID)
	}
	nodes, err := c.nodes.ActiveNodes(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load nodes: %w", err)
	}

	lines := c.Lines(nodes, identity)
	if diagnostics {
		now := c.now().UTC()
		lines = append([]string{
			"# " + c.statusLine(account, now),
			"# generated: " + now.Format("2006-01-02T15:04:05Z"),
		}, lines...)
	}
	plain := strings.Join(lines, "\n")

	if format == FormatPlain {
		return plain, nil
	}
	return base64.StdEncoding.EncodeToString([]byte(plain)), nil
}

// Lines renders one vless line per node. Nodes without a host are skipped.
// The query parameter order is fixed.
func (c *Composer) Lines(nodes []model.ProxyNode, identity string) []string {
	lines := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Host == "" {
			continue
		}
		port := n.Port
		if port == 0 {
			port = defaultPort
		}
		sni := orDefault(n.SNI, n.Host)
		flow := orDefault(n.Flow, defaultFlow)
		fp := orDefault(n.Fingerprint, defaultFingerprint)

		var b strings.Builder
		b.WriteString("vless://")
		b.WriteString(identity)
		b.WriteString("@")
		b.WriteString(n.Host)
		b.WriteString(":")
		b.WriteString(strconv.Itoa(port))
		b.WriteString("?encryption=none&flow=")
		b.WriteString(quote(flow))
		b.WriteString("&security=reality&sni=")
		b.WriteString(quote(sni))
		b.WriteString("&fp=")
		b.WriteString(quote(fp))
		b.WriteString("&pbk=")
		b.WriteString(quote(n.RealityPublicKey))
		b.WriteString("&sid=")
		b.WriteString(quote(n.ShortID))
		b.WriteString("&type=tcp#")
		b.WriteString(quote(c.tag(n)))
		lines = append(lines, b.String())
	}
	return lines
}

func (c *Composer) tag(n model.ProxyNode) string {
	label := n.Host
	for _, candidate := range []*string{n.Name, n.Region, n.CountryCode} {
		if candidate != nil && *candidate != "" {
			label = *candidate
			break
		}
	}
	return strings.ReplaceAll(c.brand+"-"+label, " ", "_")
}

func (c *Composer) statusLine(account model.Account, now time.Time) string {
	plan := "expired"
	if account.SubscriptionActive {
		plan = "active"
	}
	line := c.brand + " - plan: " + plan
	if account.SubscriptionEndAt != nil {
		days := int(account.SubscriptionEndAt.Sub(now) / (24 * time.Hour))
		if days < 0 {
			days = 0
		}
		line += ", days_left: " + strconv.Itoa(days)
	}
	return line
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

const upperhex = "0123456789ABCDEF"

// quote percent-encodes everything except unreserved characters and '/'.
// The output must stay byte-stable.
func quote(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z') || ('0' <= ch && ch <= '9') ||
			ch == '-' || ch == '_' || ch == '.' || ch == '~' || ch == '/' {
			b.WriteByte(ch)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[ch>>4])
		b.WriteByte(upperhex[ch&15])
	}
	return b.String()
}
