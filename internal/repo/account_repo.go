package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vpnpower/server/internal/model"
)

// AccountRepo defines the interface for account repository operations
type AccountRepo interface {
	GetByID(ctx context.Context, id int64) (model.Account, error)
	GetByExternalID(ctx context.Context, externalID int64) (model.Account, error)
	EnsureByExternalID(ctx context.Context, externalID int64, defaults model.AccountDefaults) (model.Account, error)
	EnsureLegacyIdentity(ctx context.Context, id int64, candidate string) (string, error)
	Link(ctx context.Context, profile model.LinkProfile) error
	BumpCredentialVersion(ctx context.Context, externalID int64) (int, error)
}

type accountRepo struct {
	db DBTX
}

// NewAccountRepo creates a new AccountRepo instance
func NewAccountRepo(db DBTX) AccountRepo {
	return &accountRepo{db: db}
}

const accountColumns = `
	id, external_id, username, first_name, last_name, credential_version,
	device_slots, legacy_identity, subscription_active, subscription_end_at,
	created_at, updated_at`

func scanAccount(row *sql.Row) (model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.ID,
		&a.ExternalID,
		&a.Username,
		&a.FirstName,
		&a.LastName,
		&a.CredentialVersion,
		&a.DeviceSlots,
		&a.LegacyIdentity,
		&a.SubscriptionActive,
		&a.SubscriptionEndAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, fmt.Errorf("account: %w", model.ErrNotFound)
		}
		return model.Account{}, fmt.Errorf("query account: %w", err)
	}
	return a, nil
}

// GetByID retrieves an account by its internal id
func (r *accountRepo) GetByID(ctx context.Context, id int64) (model.Account, error) {
	return scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// GetByExternalID retrieves an account by its chat-platform id
func (r *accountRepo) GetByExternalID(ctx context.Context, externalID int64) (model.Account, error) {
	return scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_id = $1`, externalID))
}

// EnsureByExternalID creates the account on first contact (trial, capacity,
// legacy identity) and back-fills missing fields on older rows.
func (r *accountRepo) EnsureByExternalID(ctx context.Context, externalID int64, defaults model.AccountDefaults) (model.Account, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (external_id, device_slots, legacy_identity, subscription_active, subscription_end_at)
		VALUES ($1, $2, $3, true, $4)
		ON CONFLICT (external_id) DO NOTHING
	`, externalID, defaults.DeviceSlots, defaults.LegacyIdentity, defaults.TrialEndAt)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to insert account: %w", err)
	}

	// Existing rows without a subscription window get the trial once.
	return scanAccount(r.db.QueryRowContext(ctx, `
		UPDATE accounts SET
			legacy_identity     = COALESCE(legacy_identity, $2),
			subscription_active = subscription_active OR subscription_end_at IS NULL,
			subscription_end_at = COALESCE(subscription_end_at, $3)
		WHERE external_id = $1
		RETURNING `+accountColumns,
		externalID, defaults.LegacyIdentity, defaults.TrialEndAt))
}

// EnsureLegacyIdentity stores candidate as the legacy identity unless one is
// already set, and returns whichever identity is stored.
func (r *accountRepo) EnsureLegacyIdentity(ctx context.Context, id int64, candidate string) (string, error) {
	var identity string
	err := r.db.QueryRowContext(ctx, `
		UPDATE accounts SET legacy_identity = COALESCE(legacy_identity, $2)
		WHERE id = $1
		RETURNING legacy_identity
	`, id, candidate).Scan(&identity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("account: %w", model.ErrNotFound)
		}
		return "", fmt.Errorf("ensure legacy identity: %w", err)
	}
	return identity, nil
}

// Link upserts the profile fields keyed by external id
func (r *accountRepo) Link(ctx context.Context, profile model.LinkProfile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (external_id, username, first_name, last_name, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (external_id) DO UPDATE SET
			username   = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			last_name  = EXCLUDED.last_name,
			updated_at = now()
	`, profile.ExternalID, profile.Username, profile.FirstName, profile.LastName)
	if err != nil {
		return fmt.Errorf("link account: %w", err)
	}
	return nil
}

// BumpCredentialVersion increments the credential version, invalidating all
// signed tokens issued before the call. Returns the new version.
func (r *accountRepo) BumpCredentialVersion(ctx context.Context, externalID int64) (int, error) {
	var version int
	err := r.db.QueryRowContext(ctx, `
		UPDATE accounts SET credential_version = credential_version + 1, updated_at = now()
		WHERE external_id = $1
		RETURNING credential_version
	`, externalID).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("account: %w", model.ErrNotFound)
		}
		return 0, fmt.Errorf("bump credential version: %w", err)
	}
	return version, nil
}
