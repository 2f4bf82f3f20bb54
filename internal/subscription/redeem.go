package subscription

import (
	"context"
	"io"
	"log/slog"

	"github.com/vpnpower/server/internal/auth"
	"github.com/vpnpower/server/internal/logger"
	"github.com/vpnpower/server/internal/model"
	"github.com/vpnpower/server/internal/slots"
)

// AccountResolver resolves a presented token to its account
type AccountResolver interface {
	Resolve(ctx context.Context, ref auth.TokenRef) (model.Account, error)
}

// DeviceAdmitter hands out the credential identity of a device
type DeviceAdmitter interface {
	Admit(ctx context.Context, account model.Account, req slots.Request) (slots.Admission, error)
}

// RedeemRequest is a subscription redemption
type RedeemRequest struct {
	// Token is the raw presented value; URLs and stored forms are accepted.
	Token       string
	Device      slots.Request
	Format      Format
	Diagnostics bool
}

// Redeemer turns a presented token into a rendered bundle
type Redeemer struct {
	accounts AccountResolver
	devices  DeviceAdmitter
	composer *Composer
	log      *slog.Logger
}

// NewRedeemer creates a redeemer
func NewRedeemer(accounts AccountResolver, devices DeviceAdmitter, composer *Composer, log *slog.Logger) *Redeemer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Redeemer{accounts: accounts, devices: devices, composer: composer, log: log}
}

// Redeem resolves the token, admits the device and renders the bundle
func (r *Redeemer) Redeem(ctx context.Context, req RedeemRequest) (string, error) {
	ref, err := auth.ParseTokenRef(req.Token)
	if err != nil {
		return "", err
	}

	account, err := r.accounts.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}

	admission, err := r.devices.Admit(ctx, account, req.Device)
	if err != nil {
		return "", err
	}

	body, err := r.composer.Compose(ctx, account, admission.Identity, req.Format, req.Diagnostics)
	if err != nil {
		return "", err
	}

	r.log.DebugContext(ctx, "subscription redeemed",
		logger.AccountID(account.ID),
		slog.String("kind", string(ref.Kind)),
		slog.Bool("device_slot", admission.Slot != nil))
	return body, nil
}
