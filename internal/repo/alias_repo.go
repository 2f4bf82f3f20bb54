package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vpnpower/server/internal/model"
)

// ErrAliasTaken is returned by Insert when the alias string already exists
var ErrAliasTaken = errors.New("alias already taken")

// AliasRepo defines the interface for short link repository operations
type AliasRepo interface {
	FindByAlias(ctx context.Context, alias string) (model.Alias, error)
	FindByAccount(ctx context.Context, accountID int64) (model.Alias, error)
	FindByToken(ctx context.Context, storedToken string) (model.Alias, error)
	Insert(ctx context.Context, alias model.Alias) error
	Retarget(ctx context.Context, alias, storedToken string, at time.Time) error
	BackfillAccount(ctx context.Context, alias string, accountID int64) error
}

type aliasRepo struct {
	db DBTX
}

// NewAliasRepo creates a new AliasRepo instance
func NewAliasRepo(db DBTX) AliasRepo {
	return &aliasRepo{db: db}
}

const aliasColumns = `alias, token, account_id, created_at, updated_at`

func scanAlias(row *sql.Row) (model.Alias, error) {
	var a model.Alias
	err := row.Scan(&a.Alias, &a.Token, &a.AccountID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Alias{}, fmt.Errorf("alias: %w", model.ErrNotFound)
		}
		return model.Alias{}, fmt.Errorf("query alias: %w", err)
	}
	return a, nil
}

// FindByAlias looks up a short link by its public string
func (r *aliasRepo) FindByAlias(ctx context.Context, alias string) (model.Alias, error) {
	return scanAlias(r.db.QueryRowContext(ctx,
		`SELECT `+aliasColumns+` FROM short_links WHERE alias = $1`, alias))
}

// FindByAccount returns the current alias of an account
func (r *aliasRepo) FindByAccount(ctx context.Context, accountID int64) (model.Alias, error) {
	return scanAlias(r.db.QueryRowContext(ctx,
		`SELECT `+aliasColumns+` FROM short_links WHERE account_id = $1`, accountID))
}

// FindByToken returns an alias already pointing at the stored token
func (r *aliasRepo) FindByToken(ctx context.Context, storedToken string) (model.Alias, error) {
	return scanAlias(r.db.QueryRowContext(ctx,
		`SELECT `+aliasColumns+` FROM short_links WHERE token = $1 ORDER BY created_at ASC LIMIT 1`, storedToken))
}

// Insert stores a new alias. A colliding alias string yields ErrAliasTaken
// without aborting the surrounding transaction.
func (r *aliasRepo) Insert(ctx context.Context, alias model.Alias) error {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO short_links (alias, token, account_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (alias) DO NOTHING
	`, alias.Alias, alias.Token, alias.AccountID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert alias: %w", ErrAliasTaken)
		}
		return fmt.Errorf("insert alias: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrAliasTaken
	}
	return nil
}

// Retarget points an existing alias at a new stored token
func (r *aliasRepo) Retarget(ctx context.Context, alias, storedToken string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE short_links SET token = $2, updated_at = $3 WHERE alias = $1`, alias, storedToken, at)
	if err != nil {
		return fmt.Errorf("retarget alias: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("alias: %w", model.ErrNotFound)
	}
	return nil
}

// BackfillAccount sets the owning account if it was unknown
func (r *aliasRepo) BackfillAccount(ctx context.Context, alias string, accountID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE short_links SET account_id = $2
		WHERE alias = $1 AND account_id IS NULL
		  AND NOT EXISTS (SELECT 1 FROM short_links WHERE account_id = $2)
	`, alias, accountID)
	if err != nil {
		return fmt.Errorf("backfill alias account: %w", err)
	}
	return nil
}
