package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vpnpower/server/internal/model"
)

// DeviceRepo defines the interface for device slot repository operations
type DeviceRepo interface {
	FindByKey(ctx context.Context, accountID int64, deviceKey string) (model.DeviceSlot, error)
	ListActiveLRU(ctx context.Context, accountID int64) ([]model.DeviceSlot, error)
	Create(ctx context.Context, slot model.DeviceSlot) (model.DeviceSlot, error)
	Touch(ctx context.Context, id int64, seenAt time.Time, ip, platform *string) error
	Revoke(ctx context.Context, id int64, at time.Time) error
	Reactivate(ctx context.Context, id int64, seenAt time.Time, ip, platform *string) error
	ListAuthorizedIdentities(ctx context.Context) ([]string, error)
}

type deviceRepo struct {
	db DBTX
}

// NewDeviceRepo creates a new DeviceRepo instance
func NewDeviceRepo(db DBTX) DeviceRepo {
	return &deviceRepo{db: db}
}

const slotColumns = `
	id, account_id, device_key, identity, platform, status,
	last_seen_ip, last_seen_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (model.DeviceSlot, error) {
	var s model.DeviceSlot
	var status string
	err := row.Scan(
		&s.ID,
		&s.AccountID,
		&s.DeviceKey,
		&s.Identity,
		&s.Platform,
		&status,
		&s.LastSeenIP,
		&s.LastSeenAt,
		&s.CreatedAt,
	)
	s.Status = model.SlotStatus(status)
	return s, err
}

// FindByKey returns the slot for (account, device key) regardless of status
func (r *deviceRepo) FindByKey(ctx context.Context, accountID int64, deviceKey string) (model.DeviceSlot, error) {
	slot, err := scanSlot(r.db.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM device_slots WHERE account_id = $1 AND device_key = $2`,
		accountID, deviceKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.DeviceSlot{}, fmt.Errorf("device slot: %w", model.ErrNotFound)
		}
		return model.DeviceSlot{}, fmt.Errorf("query device slot: %w", err)
	}
	return slot, nil
}

// ListActiveLRU returns the active slots of an account in eviction order:
// least recently seen first, never-seen slots before all others.
func (r *deviceRepo) ListActiveLRU(ctx context.Context, accountID int64) ([]model.DeviceSlot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+slotColumns+`
		FROM device_slots
		WHERE account_id = $1 AND status = 'active'
		ORDER BY last_seen_at ASC NULLS FIRST, created_at ASC, id ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list active slots: %w", err)
	}
	defer rows.Close()

	var slots []model.DeviceSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active slots: %w", err)
	}
	return slots, nil
}

// Create inserts a new slot
func (r *deviceRepo) Create(ctx context.Context, slot model.DeviceSlot) (model.DeviceSlot, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO device_slots (account_id, device_key, identity, platform, status, last_seen_ip, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, slot.AccountID, slot.DeviceKey, slot.Identity, slot.Platform, string(slot.Status), slot.LastSeenIP, slot.LastSeenAt,
	).Scan(&slot.ID, &slot.CreatedAt)
	if err != nil {
		return model.DeviceSlot{}, fmt.Errorf("failed to create device slot: %w", err)
	}
	return slot, nil
}

// Touch refreshes the last-seen fields; platform is only filled when empty
func (r *deviceRepo) Touch(ctx context.Context, id int64, seenAt time.Time, ip, platform *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_slots SET
			last_seen_at = $2,
			last_seen_ip = COALESCE($3, last_seen_ip),
			platform     = COALESCE(platform, $4)
		WHERE id = $1
	`, id, seenAt, ip, platform)
	if err != nil {
		return fmt.Errorf("touch slot: %w", err)
	}
	return nil
}

// Revoke marks the slot revoked and stamps last_seen_at
func (r *deviceRepo) Revoke(ctx context.Context, id int64, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE device_slots SET status = 'revoked', last_seen_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("revoke slot: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("device slot: %w", model.ErrNotFound)
	}
	return nil
}

// Reactivate flips a revoked slot back to active, keeping its identity
func (r *deviceRepo) Reactivate(ctx context.Context, id int64, seenAt time.Time, ip, platform *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_slots SET
			status       = 'active',
			last_seen_at = $2,
			last_seen_ip = COALESCE($3, last_seen_ip),
			platform     = COALESCE(platform, $4)
		WHERE id = $1
	`, id, seenAt, ip, platform)
	if err != nil {
		return fmt.Errorf("reactivate slot: %w", err)
	}
	return nil
}

// ListAuthorizedIdentities returns every identity a proxy node must accept:
// active slot identities plus the legacy identity of accounts that have no
// active slot. The result is sorted and de-duplicated.
func (r *deviceRepo) ListAuthorizedIdentities(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT identity FROM device_slots WHERE status = 'active'
		UNION
		SELECT a.legacy_identity FROM accounts a
		WHERE a.legacy_identity IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM device_slots d WHERE d.account_id = a.id AND d.status = 'active'
		  )
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list authorized identities: %w", err)
	}
	defer rows.Close()

	identities := []string{}
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		if identity != "" {
			identities = append(identities, identity)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list authorized identities: %w", err)
	}
	return identities, nil
}
