// Package nodesync serves the set of credential identities proxy nodes
// must accept.
package nodesync

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"

	"github.com/vpnpower/server/internal/model"
)

const (
	DefaultInboundTag = "vless-reality-in"
	DefaultFlow       = "xtls-rprx-vision"
)

// IdentitySource lists authorized identities: active slot identities plus
// legacy identities of accounts with no active slot.
type IdentitySource interface {
	ListAuthorizedIdentities(ctx context.Context) ([]string, error)
}

// Snapshot is the wire response of the sync endpoint
type Snapshot struct {
	InboundTag string   `json:"inbound_tag"`
	Flow       string   `json:"flow"`
	UUIDs      []string `json:"uuids"`
}

// Service authenticates nodes and builds snapshots
type Service struct {
	source IdentitySource
	secret string
}

// NewService creates a sync service. An empty secret rejects every caller.
func NewService(source IdentitySource, secret string) *Service {
	return &Service{source: source, secret: strings.TrimSpace(secret)}
}

// Authorize checks a presented shared secret
func (s *Service) Authorize(presented string) error {
	presented = strings.TrimSpace(presented)
	if s.secret == "" || presented == "" ||
		subtle.ConstantTimeCompare([]byte(presented), []byte(s.secret)) != 1 {
		return model.ErrUnauthorized
	}
	return nil
}

// Snapshot returns the sorted, de-duplicated identity set
func (s *Service) Snapshot(ctx context.Context, inboundTag, flow string) (Snapshot, error) {
	if inboundTag == "" {
		inboundTag = DefaultInboundTag
	}
	if flow == "" {
		flow = DefaultFlow
	}

	ids, err := s.source.ListAuthorizedIdentities(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list identities: %w", err)
	}

	seen := make(map[string]struct{}, len(ids))
	uuids := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		uuids = append(uuids, id)
	}
	sort.Strings(uuids)

	return Snapshot{InboundTag: inboundTag, Flow: flow, UUIDs: uuids}, nil
}
