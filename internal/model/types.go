package model

import (
	"time"
)

// Account represents a subscriber keyed by their chat-platform id
type Account struct {
	ID                 int64
	ExternalID         int64
	Username           *string
	FirstName          *string
	LastName           *string
	CredentialVersion  int
	DeviceSlots        int
	LegacyIdentity     *string
	SubscriptionActive bool
	SubscriptionEndAt  *time.Time
	CreatedAt          time.Time
	UpdatedAt          *time.Time
}

// SlotStatus is the lifecycle state of a device slot
type SlotStatus string

const (
	SlotActive  SlotStatus = "active"
	SlotRevoked SlotStatus = "revoked"
)

// DeviceSlot binds one device installation of an account to a credential identity
type DeviceSlot struct {
	ID         int64
	AccountID  int64
	DeviceKey  string
	Identity   string
	Platform   *string
	Status     SlotStatus
	LastSeenIP *string
	LastSeenAt *time.Time
	CreatedAt  time.Time
}

// DefaultNodePriority matches the proxy_nodes.priority column default
const DefaultNodePriority = 100

// ProxyNode describes a proxy server a bundle line is rendered for
type ProxyNode struct {
	ID               int64
	Name             *string
	Region           *string
	CountryCode      *string
	Host             string
	Port             int
	RealityPublicKey string
	ShortID          string
	SNI              string
	Flow             string
	Fingerprint      string
	Priority         int
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        *time.Time
}

// OpaqueToken is a one-click token row resolving to an account
type OpaqueToken struct {
	ID         int64
	AccountID  int64
	Token      string
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// Usable reports whether the token is neither revoked nor expired at t.
func (t OpaqueToken) Usable(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || t.ExpiresAt.After(now)
}

// Alias maps a short public string to a stored token ("jwt:..." or "oc:...")
type Alias struct {
	Alias     string
	Token     string
	AccountID *int64
	CreatedAt time.Time
	UpdatedAt *time.Time
}

// LinkProfile carries the profile fields delivered by the linking webhook
type LinkProfile struct {
	ExternalID int64
	Username   *string
	FirstName  *string
	LastName   *string
}

// AccountDefaults are applied when an account is created lazily
type AccountDefaults struct {
	DeviceSlots    int
	TrialEndAt     time.Time
	LegacyIdentity string
}
