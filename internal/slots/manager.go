// Package slots bounds how many devices an account may use concurrently.
//
// Each device key gets its own credential identity. Admission of an unseen
// key runs under a per-account advisory lock, so concurrent redemptions for
// one account cannot exceed its capacity.
package slots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vpnpower/server/internal/logger"
	"github.com/vpnpower/server/internal/model"
	"github.com/vpnpower/server/internal/repo"
)

// Policy decides what happens when an account is at capacity
type Policy string

const (
	// PolicyEvict revokes the least recently seen slot
	PolicyEvict Policy = "evict"
	// PolicyReject refuses the new device with ErrCapacityConflict
	PolicyReject Policy = "reject"
)

// Request carries what a redemption knows about the calling device
type Request struct {
	// DeviceKey is empty for legacy single-identity clients.
	DeviceKey string
	UserAgent string
	RemoteIP  string
}

// Admission is the outcome of Admit
type Admission struct {
	Identity string
	Slot     *model.DeviceSlot
	Evicted  *model.DeviceSlot
}

// Manager admits devices into account slots
type Manager struct {
	store           repo.Store
	defaultCapacity int
	policy          Policy
	log             *slog.Logger
	now             func() time.Time
	newIdentity     func() string
}

// NewManager creates a slot manager. defaultCapacity applies to accounts
// without their own limit.
func NewManager(store repo.Store, defaultCapacity int, policy Policy, log *slog.Logger) *Manager {
	if defaultCapacity < 1 {
		defaultCapacity = 1
	}
	if policy != PolicyReject {
		policy = PolicyEvict
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		store:           store,
		defaultCapacity: defaultCapacity,
		policy:          policy,
		log:             log,
		now:             time.Now,
		newIdentity:     uuid.NewString,
	}
}

// Capacity returns the number of concurrent slots the account may hold
func (m *Manager) Capacity(account model.Account) int {
	if account.DeviceSlots > 0 {
		return account.DeviceSlots
	}
	return m.defaultCapacity
}

// Admit returns the credential identity for the calling device
func (m *Manager) Admit(ctx context.Context, account model.Account, req Request) (Admission, error) {
	key := strings.TrimSpace(req.DeviceKey)
	if key == "" {
		return m.legacy(ctx, account)
	}

	var result Admission
	err := m.store.WithAccountLock(ctx, repo.LockSlots, account.ID, func(r repo.Repos) error {
		var err error
		result, err = m.admitLocked(ctx, r, account, key, req)
		return err
	})
	if err != nil {
		return Admission{}, err
	}

	if result.Evicted != nil {
		m.log.InfoContext(ctx, "device slot evicted",
			logger.AccountID(account.ID),
			slog.Int64("slot_id", result.Evicted.ID),
			slog.String("device_key", result.Evicted.DeviceKey))
	}
	return result, nil
}

func (m *Manager) legacy(ctx context.Context, account model.Account) (Admission, error) {
	if account.LegacyIdentity != nil && *account.LegacyIdentity != "" {
		return Admission{Identity: *account.LegacyIdentity}, nil
	}
	identity, err := m.store.Repos().Accounts.EnsureLegacyIdentity(ctx, account.ID, m.newIdentity())
	if err != nil {
		return Admission{}, fmt.Errorf("failed to ensure legacy identity: %w", err)
	}
	return Admission{Identity: identity}, nil
}

func (m *Manager) admitLocked(ctx context.Context, r repo.Repos, account model.Account, key string, req Request) (Admission, error) {
	now := m.now()
	ip := optional(req.RemoteIP)
	platform := optional(InferPlatform(req.UserAgent))

	existing, err := r.Devices.FindByKey(ctx, account.ID, key)
	switch {
	case err == nil && existing.Status == model.SlotActive:
		if err := r.Devices.Touch(ctx, existing.ID, now, ip, platform); err != nil {
			return Admission{}, err
		}
		existing.LastSeenAt = &now
		return Admission{Identity: existing.Identity, Slot: &existing}, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return Admission{}, fmt.Errorf("failed to look up device slot: %w", err)
	}

	active, err := r.Devices.ListActiveLRU(ctx, account.ID)
	if err != nil {
		return Admission{}, err
	}

	var evicted *model.DeviceSlot
	if len(active) >= m.Capacity(account) {
		if m.policy == PolicyReject {
			return Admission{}, fmt.Errorf("account %d holds %d slots: %w", account.ID, len(active), model.ErrCapacityConflict)
		}
		victim := active[0]
		if err := r.Devices.Revoke(ctx, victim.ID, now); err != nil {
			return Admission{}, err
		}
		victim.Status = model.SlotRevoked
		evicted = &victim
	}

	// A revoked slot coming back keeps its identity.
	if existing.ID != 0 {
		if err := r.Devices.Reactivate(ctx, existing.ID, now, ip, platform); err != nil {
			return Admission{}, err
		}
		existing.Status = model.SlotActive
		existing.LastSeenAt = &now
		return Admission{Identity: existing.Identity, Slot: &existing, Evicted: evicted}, nil
	}

	slot, err := r.Devices.Create(ctx, model.DeviceSlot{
		AccountID:  account.ID,
		DeviceKey:  key,
		Identity:   m.newIdentity(),
		Platform:   platform,
		Status:     model.SlotActive,
		LastSeenIP: ip,
		LastSeenAt: &now,
	})
	if err != nil {
		return Admission{}, err
	}
	return Admission{Identity: slot.Identity, Slot: &slot, Evicted: evicted}, nil
}

var platformHints = []struct{ needle, platform string }{
	{"iphone", "ios"},
	{"ipad", "ios"},
	{"android", "android"},
	{"mac os x", "macos"},
	{"macintosh", "macos"},
	{"windows", "windows"},
}

// InferPlatform guesses the client platform from a User-Agent header
func InferPlatform(userAgent string) string {
	ua := strings.ToLower(userAgent)
	for _, hint := range platformHints {
		if strings.Contains(ua, hint.needle) {
			return hint.platform
		}
	}
	return ""
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
