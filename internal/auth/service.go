package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/vpnpower/server/internal/logger"
	"github.com/vpnpower/server/internal/model"
	"github.com/vpnpower/server/internal/repo"
)

// ServiceConfig holds issuance settings
type ServiceConfig struct {
	TrialDays     int
	PublicBaseURL string
	// OpaqueTTL bounds one-click tokens; zero means they never expire.
	OpaqueTTL time.Duration
}

// Service issues subscription links and resolves presented tokens to accounts
type Service struct {
	store  repo.Store
	tokens *TokenService
	cfg    ServiceConfig
	log    *slog.Logger
	now    func() time.Time
}

// NewService creates a new auth service
func NewService(store repo.Store, tokens *TokenService, cfg ServiceConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		store:  store,
		tokens: tokens,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// IssueRequest describes a link issuance
type IssueRequest struct {
	ExternalID int64
	// Profile, when set, is upserted best-effort before issuing.
	Profile  *model.LinkProfile
	Kind     Kind
	Reuse    bool
	Platform string
	Region   string
}

// IssuedLink is the result of an issuance
type IssuedLink struct {
	Account model.Account
	Ref     TokenRef
	URL     string
}

// EnsureAccount returns the account for externalID, creating it with a
// trial window and a legacy identity on first contact.
func (s *Service) EnsureAccount(ctx context.Context, externalID int64) (model.Account, error) {
	if externalID <= 0 {
		return model.Account{}, fmt.Errorf("external id must be positive: %w", model.ErrInvalidInput)
	}
	defaults := model.AccountDefaults{
		TrialEndAt:     s.now().Add(time.Duration(s.cfg.TrialDays) * 24 * time.Hour),
		LegacyIdentity: uuid.NewString(),
	}
	account, err := s.store.Repos().Accounts.EnsureByExternalID(ctx, externalID, defaults)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to ensure account: %w", err)
	}
	return account, nil
}

// Issue creates a subscription link for an account. A signed token is
// issued unless an opaque one is requested.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (IssuedLink, error) {
	if req.Profile != nil {
		profile := *req.Profile
		profile.ExternalID = req.ExternalID
		if err := s.Link(ctx, profile); err != nil {
			s.log.WarnContext(ctx, "profile link failed during issuance",
				logger.ExternalID(req.ExternalID), logger.Error(err))
		}
	}

	account, err := s.EnsureAccount(ctx, req.ExternalID)
	if err != nil {
		return IssuedLink{}, err
	}

	var link IssuedLink
	switch req.Kind {
	case KindOpaque:
		link, err = s.issueOpaque(ctx, account, req.Reuse)
	default:
		link, err = s.issueSigned(account)
	}
	if err != nil {
		return IssuedLink{}, err
	}

	s.log.InfoContext(ctx, "subscription link issued",
		logger.AccountID(account.ID),
		slog.String("kind", string(link.Ref.Kind)),
		slog.String("platform", req.Platform),
		slog.String("region", req.Region))
	return link, nil
}

func (s *Service) issueSigned(account model.Account) (IssuedLink, error) {
	token, err := s.tokens.Issue(account.ID, account.ExternalID, account.CredentialVersion)
	if err != nil {
		return IssuedLink{}, err
	}
	return IssuedLink{
		Account: account,
		Ref:     TokenRef{Kind: KindSigned, Value: token},
		URL:     s.cfg.PublicBaseURL + "/sub/vless?token=" + url.QueryEscape(token),
	}, nil
}

func (s *Service) issueOpaque(ctx context.Context, account model.Account, reuse bool) (IssuedLink, error) {
	oneClick := s.store.Repos().OneClick
	now := s.now()

	var token string
	if reuse {
		existing, err := oneClick.LatestUsable(ctx, account.ID, now)
		switch {
		case err == nil:
			token = existing.Token
		case !errors.Is(err, model.ErrNotFound):
			return IssuedLink{}, fmt.Errorf("failed to look up opaque token: %w", err)
		}
	}

	if token == "" {
		generated, err := GenerateOpaqueToken()
		if err != nil {
			return IssuedLink{}, err
		}
		var expiresAt *time.Time
		if s.cfg.OpaqueTTL > 0 {
			t := now.Add(s.cfg.OpaqueTTL)
			expiresAt = &t
		}
		if _, err := oneClick.Create(ctx, account.ID, generated, expiresAt); err != nil {
			return IssuedLink{}, fmt.Errorf("failed to store opaque token: %w", err)
		}
		token = generated
	}

	return IssuedLink{
		Account: account,
		Ref:     TokenRef{Kind: KindOpaque, Value: token},
		URL:     s.cfg.PublicBaseURL + "/sub/" + url.PathEscape(token),
	}, nil
}

// Link upserts profile fields keyed by external id
func (s *Service) Link(ctx context.Context, profile model.LinkProfile) error {
	if profile.ExternalID <= 0 {
		return fmt.Errorf("external id must be positive: %w", model.ErrInvalidInput)
	}
	if err := s.store.Repos().Accounts.Link(ctx, profile); err != nil {
		return fmt.Errorf("failed to link account: %w", err)
	}
	return nil
}

// Rotate bumps the credential version of an account, invalidating every
// signed token issued before the call.
func (s *Service) Rotate(ctx context.Context, externalID int64) (int, error) {
	version, err := s.store.Repos().Accounts.BumpCredentialVersion(ctx, externalID)
	if err != nil {
		return 0, fmt.Errorf("failed to rotate credentials: %w", err)
	}
	s.log.InfoContext(ctx, "credential version bumped",
		logger.ExternalID(externalID), slog.Int("version", version))
	return version, nil
}

// Resolve returns the account a token authorizes. Opaque tokens are
// stamped as used.
func (s *Service) Resolve(ctx context.Context, ref TokenRef) (model.Account, error) {
	if ref.Kind == KindSigned {
		return s.resolveSigned(ctx, ref.Value)
	}
	return s.resolveOpaque(ctx, ref.Value)
}

func (s *Service) resolveSigned(ctx context.Context, token string) (model.Account, error) {
	switch v := s.tokens.Verify(token).(type) {
	case Verified:
		account, err := s.accountFromClaims(ctx, v.Claims)
		if err != nil {
			return model.Account{}, err
		}
		if err := CheckVersion(v.Claims, account.CredentialVersion); err != nil {
			s.log.InfoContext(ctx, "stale subscription token",
				logger.AccountID(account.ID), logger.Reason(ReasonOf(err)))
			return model.Account{}, err
		}
		return account, nil
	case Unverified:
		attrs := []any{logger.Reason(v.Err.Reason)}
		if v.Claims != nil {
			if id, ok := v.Claims.AccountID(); ok {
				attrs = append(attrs, logger.AccountID(id))
			}
		}
		s.log.InfoContext(ctx, "subscription token rejected", attrs...)
		return model.Account{}, v.Err
	}
	return model.Account{}, &TokenError{Reason: ReasonMalformed}
}

func (s *Service) accountFromClaims(ctx context.Context, claims *SubscriptionClaims) (model.Account, error) {
	accounts := s.store.Repos().Accounts
	if id, ok := claims.AccountID(); ok {
		account, err := accounts.GetByID(ctx, id)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return model.Account{}, fmt.Errorf("failed to load account: %w", err)
		}
	}
	if claims.TID > 0 {
		account, err := accounts.GetByExternalID(ctx, claims.TID)
		if err != nil {
			return model.Account{}, fmt.Errorf("failed to load account: %w", err)
		}
		return account, nil
	}
	return model.Account{}, fmt.Errorf("token account: %w", model.ErrNotFound)
}

func (s *Service) resolveOpaque(ctx context.Context, token string) (model.Account, error) {
	repos := s.store.Repos()
	rec, err := repos.OneClick.FindByToken(ctx, token)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to resolve opaque token: %w", err)
	}

	now := s.now()
	if !rec.Usable(now) {
		reason := ReasonExpired
		if rec.RevokedAt != nil {
			reason = ReasonRevoked
		}
		return model.Account{}, &TokenError{Reason: reason}
	}
	if err := repos.OneClick.MarkUsed(ctx, rec.ID, now); err != nil {
		s.log.WarnContext(ctx, "failed to stamp opaque token usage", logger.Error(err))
	}

	account, err := repos.Accounts.GetByID(ctx, rec.AccountID)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	return account, nil
}

// OwnerOf returns the account a token belongs to without side effects.
// Signed tokens must verify; opaque tokens only need to exist.
func (s *Service) OwnerOf(ctx context.Context, ref TokenRef) (int64, bool) {
	if ref.Kind == KindSigned {
		v, ok := s.tokens.Verify(ref.Value).(Verified)
		if !ok {
			return 0, false
		}
		account, err := s.accountFromClaims(ctx, v.Claims)
		if err != nil {
			return 0, false
		}
		return account.ID, true
	}
	rec, err := s.store.Repos().OneClick.FindByToken(ctx, ref.Value)
	if err != nil {
		return 0, false
	}
	return rec.AccountID, true
}
