package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vpnpower/server/internal/model"
)

// OneClickRepo defines the interface for opaque token repository operations
type OneClickRepo interface {
	Create(ctx context.Context, accountID int64, token string, expiresAt *time.Time) (model.OpaqueToken, error)
	FindByToken(ctx context.Context, token string) (model.OpaqueToken, error)
	LatestUsable(ctx context.Context, accountID int64, now time.Time) (model.OpaqueToken, error)
	MarkUsed(ctx context.Context, id int64, at time.Time) error
}

type oneClickRepo struct {
	db DBTX
}

// NewOneClickRepo creates a new OneClickRepo instance
func NewOneClickRepo(db DBTX) OneClickRepo {
	return &oneClickRepo{db: db}
}

const oneClickColumns = `id, account_id, token, expires_at, revoked_at, last_used_at, created_at`

func scanOneClick(row *sql.Row) (model.OpaqueToken, error) {
	var t model.OpaqueToken
	err := row.Scan(
		&t.ID,
		&t.AccountID,
		&t.Token,
		&t.ExpiresAt,
		&t.RevokedAt,
		&t.LastUsedAt,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OpaqueToken{}, fmt.Errorf("opaque token: %w", model.ErrNotFound)
		}
		return model.OpaqueToken{}, fmt.Errorf("query opaque token: %w", err)
	}
	return t, nil
}

// Create inserts a new opaque token row
func (r *oneClickRepo) Create(ctx context.Context, accountID int64, token string, expiresAt *time.Time) (model.OpaqueToken, error) {
	return scanOneClick(r.db.QueryRowContext(ctx, `
		INSERT INTO oneclick_tokens (account_id, token, expires_at)
		VALUES ($1, $2, $3)
		RETURNING `+oneClickColumns,
		accountID, token, expiresAt))
}

// FindByToken returns the row regardless of revocation or expiry
func (r *oneClickRepo) FindByToken(ctx context.Context, token string) (model.OpaqueToken, error) {
	return scanOneClick(r.db.QueryRowContext(ctx,
		`SELECT `+oneClickColumns+` FROM oneclick_tokens WHERE token = $1`, token))
}

// LatestUsable returns the newest non-revoked, non-expired token of an account
func (r *oneClickRepo) LatestUsable(ctx context.Context, accountID int64, now time.Time) (model.OpaqueToken, error) {
	return scanOneClick(r.db.QueryRowContext(ctx, `
		SELECT `+oneClickColumns+`
		FROM oneclick_tokens
		WHERE account_id = $1
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY id DESC
		LIMIT 1
	`, accountID, now))
}

// MarkUsed stamps last_used_at
func (r *oneClickRepo) MarkUsed(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE oneclick_tokens SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark token used: %w", err)
	}
	return nil
}
