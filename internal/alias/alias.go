// Package alias maps tokens to short public strings, keeping at most one
// current alias per account.
package alias

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math/big"
	"regexp"
	"time"

	"github.com/vpnpower/server/internal/auth"
	"github.com/vpnpower/server/internal/logger"
	"github.com/vpnpower/server/internal/model"
	"github.com/vpnpower/server/internal/repo"
	"github.com/vpnpower/server/internal/subscription"
)

const (
	aliasLength  = 9
	maxAttempts  = 10
	aliasCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9]{8,12}$`)

// ErrExhausted is returned when no free alias was found within the attempt budget
var ErrExhausted = errors.New("alias generation exhausted")

// OwnerResolver finds the account a token belongs to without side effects
type OwnerResolver interface {
	OwnerOf(ctx context.Context, ref auth.TokenRef) (int64, bool)
}

// Redeemer renders a subscription bundle for a token
type Redeemer interface {
	Redeem(ctx context.Context, req subscription.RedeemRequest) (string, error)
}

// Service allocates and resolves aliases
type Service struct {
	store    repo.Store
	owners   OwnerResolver
	redeemer Redeemer
	log      *slog.Logger
	generate func() (string, error)
	now      func() time.Time
}

// NewService creates an alias service
func NewService(store repo.Store, owners OwnerResolver, redeemer Redeemer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		store:    store,
		owners:   owners,
		redeemer: redeemer,
		log:      log,
		generate: Generate,
		now:      time.Now,
	}
}

// CreateRequest identifies the token and, optionally, its account
type CreateRequest struct {
	Token      string
	AccountID  int64
	ExternalID int64
}

// Result is the allocated or reused alias
type Result struct {
	Alias     string
	AccountID *int64
	Reused    bool
}

// GetOrCreate returns the current alias of the token's account, pointing
// it at the token, or allocates a new one.
func (s *Service) GetOrCreate(ctx context.Context, req CreateRequest) (Result, error) {
	ref, err := auth.ParseTokenRef(req.Token)
	if err != nil {
		return Result{}, err
	}

	accountID, err := s.accountFor(ctx, req, ref)
	if err != nil {
		return Result{}, err
	}

	var result Result
	fn := func(r repo.Repos) error {
		var err error
		result, err = s.getOrCreateLocked(ctx, r, ref, accountID)
		return err
	}

	// Every call locks the token; owned calls also lock the account.
	keys := []int64{tokenLockKey(ref)}
	if accountID != nil {
		keys = append(keys, *accountID)
	}
	if err := s.store.WithLocks(ctx, repo.LockAlias, keys, fn); err != nil {
		return Result{}, err
	}

	attrs := []any{slog.String("alias", result.Alias), slog.Bool("reused", result.Reused)}
	if result.AccountID != nil {
		attrs = append(attrs, logger.AccountID(*result.AccountID))
	}
	s.log.InfoContext(ctx, "alias resolved for token", attrs...)
	return result, nil
}

func (s *Service) accountFor(ctx context.Context, req CreateRequest, ref auth.TokenRef) (*int64, error) {
	accounts := s.store.Repos().Accounts
	switch {
	case req.AccountID > 0:
		account, err := accounts.GetByID(ctx, req.AccountID)
		if err != nil {
			return nil, err
		}
		return &account.ID, nil
	case req.ExternalID > 0:
		account, err := accounts.GetByExternalID(ctx, req.ExternalID)
		if err != nil {
			return nil, err
		}
		return &account.ID, nil
	}
	if id, ok := s.owners.OwnerOf(ctx, ref); ok {
		return &id, nil
	}
	return nil, nil
}

func (s *Service) getOrCreateLocked(ctx context.Context, r repo.Repos, ref auth.TokenRef, accountID *int64) (Result, error) {
	stored := ref.String()

	if accountID != nil {
		current, err := r.Aliases.FindByAccount(ctx, *accountID)
		switch {
		case err == nil:
			if current.Token != stored {
				if err := r.Aliases.Retarget(ctx, current.Alias, stored, s.now()); err != nil {
					return Result{}, err
				}
			}
			return Result{Alias: current.Alias, AccountID: accountID, Reused: true}, nil
		case !errors.Is(err, model.ErrNotFound):
			return Result{}, err
		}
	}

	existing, err := r.Aliases.FindByToken(ctx, stored)
	switch {
	case err == nil:
		owner := existing.AccountID
		if owner == nil && accountID != nil {
			if err := r.Aliases.BackfillAccount(ctx, existing.Alias, *accountID); err != nil {
				return Result{}, err
			}
			owner = accountID
		}
		return Result{Alias: existing.Alias, AccountID: owner, Reused: true}, nil
	case !errors.Is(err, model.ErrNotFound):
		return Result{}, err
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate, err := s.generate()
		if err != nil {
			return Result{}, err
		}
		err = r.Aliases.Insert(ctx, model.Alias{Alias: candidate, Token: stored, AccountID: accountID})
		if errors.Is(err, repo.ErrAliasTaken) {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Alias: candidate, AccountID: accountID}, nil
	}
	return Result{}, fmt.Errorf("after %d attempts: %w", maxAttempts, ErrExhausted)
}

// Resolve redeems the token an alias points at. The alias lookup itself
// never touches device slots; only the forwarded redemption does.
func (s *Service) Resolve(ctx context.Context, alias string, req subscription.RedeemRequest) (string, error) {
	if !aliasPattern.MatchString(alias) {
		return "", fmt.Errorf("alias %q: %w", alias, model.ErrNotFound)
	}
	rec, err := s.store.Repos().Aliases.FindByAlias(ctx, alias)
	if err != nil {
		return "", err
	}
	ref, err := auth.ParseTokenRef(rec.Token)
	if err != nil {
		return "", err
	}
	req.Token = ref.Value
	return s.redeemer.Redeem(ctx, req)
}

// Generate returns a random alphanumeric alias
func Generate() (string, error) {
	b := make([]byte, aliasLength)
	max := big.NewInt(int64(len(aliasCharset)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate alias: %w", err)
		}
		b[i] = aliasCharset[n.Int64()]
	}
	return string(b), nil
}

// tokenLockKey maps a token to a negative lock key so it never collides
// with an account id.
func tokenLockKey(ref auth.TokenRef) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ref.String()))
	return -int64(h.Sum32()&0x7fffffff) - 1
}
