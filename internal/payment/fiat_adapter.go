package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
)

const (
	fiatRefPrefix     = "fiat_"
	fiatLookupTimeout = 2 * time.Second
)

var defaultCheckoutURLs = map[Plan]string{
	PlanPro:     "https://www.paypal.com/ncp/payment/ZVNF5H9PJAJRL",
	PlanPremium: "https://www.paypal.com/ncp/payment/QL3NEJLQHX3LW",
}

// CheckoutProvider hands out the hosted checkout page for a fiat payment
type CheckoutProvider interface {
	CheckoutURL(ctx context.Context, payer string, amountCents *big.Int) (string, error)
}

// PlanCheckout serves one fixed hosted page per plan, matched by price
type PlanCheckout struct {
	urls map[Plan]string
}

// NewPlanCheckout reads paypal_checkout_url_<plan>, falling back to the
// default PayPal pages
func NewPlanCheckout(cfg ConfigSource) *PlanCheckout {
	urls := make(map[Plan]string, len(defaultCheckoutURLs))
	for plan, def := range defaultCheckoutURLs {
		urls[plan] = def
		if cfg != nil {
			urls[plan] = cfg.GetConfigWithDefault("paypal_checkout_url_"+string(plan), def)
		}
	}
	return &PlanCheckout{urls: urls}
}

func (p *PlanCheckout) CheckoutURL(ctx context.Context, payer string, amountCents *big.Int) (string, error) {
	for plan, url := range p.urls {
		price, err := PriceFor(plan)
		if err != nil {
			continue
		}
		if amountCents.Cmp(big.NewInt(price)) == 0 {
			return url, nil
		}
	}
	return "", fmt.Errorf("%w: no checkout page for %s cents", ErrValidation, amountCents)
}

// CheckoutStore persists fiat checkouts so a reconcile survives restarts
// and reaches any node sharing the database
type CheckoutStore interface {
	CreateFiatCheckout(ctx context.Context, c *database.FiatCheckout) error
	GetFiatCheckout(ctx context.Context, ref string) (*database.FiatCheckout, error)
	SettleFiatCheckout(ctx context.Context, ref, status string, settledAt time.Time) error
}

// FiatAdapter is the PayPal rail. It never moves funds: Transfer opens a
// checkout reference that stays pending until an operator reconciles it.
type FiatAdapter struct {
	network  NetworkDescriptor
	store    CheckoutStore
	checkout CheckoutProvider
	logger   Logger
	now      func() time.Time
}

func NewFiatAdapter(network NetworkDescriptor, store CheckoutStore, checkout CheckoutProvider, logger Logger) *FiatAdapter {
	return &FiatAdapter{
		network:  network,
		store:    store,
		checkout: checkout,
		logger:   logger,
		now:      time.Now,
	}
}

func (a *FiatAdapter) Family() ProtocolFamily {
	return FamilyFiat
}

// Transfer records a pending checkout for amount cents paid by from
func (a *FiatAdapter) Transfer(ctx context.Context, from, to, assetContract string, amount *big.Int) (TxRef, error) {
	if err := requirePositive(amount); err != nil {
		return "", err
	}
	if strings.TrimSpace(from) == "" {
		return "", fmt.Errorf("%w: fiat payer is required", ErrValidation)
	}

	url, err := a.checkout.CheckoutURL(ctx, from, amount)
	if err != nil {
		return "", err
	}

	ref := TxRef(fiatRefPrefix + uuid.New().String())
	err = a.store.CreateFiatCheckout(ctx, &database.FiatCheckout{
		Ref:         string(ref),
		NetworkID:   a.network.ID,
		Payer:       from,
		Recipient:   to,
		AmountCents: amount.String(),
		URL:         url,
		Status:      database.CheckoutStatusPending,
		CreatedAt:   a.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to store checkout: %v", ErrNetworkUnavailable, err)
	}

	a.logger.Info(fmt.Sprintf("Opened fiat checkout %s for %s cents", ref, amount), "fiat")
	return ref, nil
}

func (a *FiatAdapter) QueryFinality(ctx context.Context, ref TxRef) (Finality, error) {
	record, err := a.load(ctx, ref)
	if err != nil {
		return FinalityPending, err
	}

	switch record.Status {
	case database.CheckoutStatusPaid:
		return FinalitySuccess, nil
	case database.CheckoutStatusFailed:
		return FinalityFailed, nil
	}
	return FinalityPending, nil
}

// Reconcile settles a checkout after an operator checked the PayPal account.
// A settled checkout cannot be changed again.
func (a *FiatAdapter) Reconcile(ctx context.Context, ref TxRef, paid bool) error {
	record, err := a.load(ctx, ref)
	if err != nil {
		return err
	}

	status := database.CheckoutStatusFailed
	if paid {
		status = database.CheckoutStatusPaid
	}
	if record.Status == status {
		return nil
	}
	if record.Status != database.CheckoutStatusPending {
		return fmt.Errorf("%w: checkout %s is already %s", ErrValidation, ref, record.Status)
	}

	err = a.store.SettleFiatCheckout(ctx, string(ref), status, a.now().UTC())
	if errors.Is(err, database.ErrStaleState) {
		// Another node settled it first
		return a.settledAs(ctx, ref, status)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to settle checkout: %v", ErrNetworkUnavailable, err)
	}

	a.logger.Info(fmt.Sprintf("Fiat checkout %s reconciled as %s", ref, status), "fiat")
	return nil
}

// BlockExplorerURL returns the hosted checkout page the payer completes
func (a *FiatAdapter) BlockExplorerURL(ref TxRef) string {
	ctx, cancel := context.WithTimeout(context.Background(), fiatLookupTimeout)
	defer cancel()

	record, err := a.load(ctx, ref)
	if err != nil {
		return a.network.ExplorerURL
	}
	return record.URL
}

func (a *FiatAdapter) settledAs(ctx context.Context, ref TxRef, status string) error {
	record, err := a.load(ctx, ref)
	if err != nil {
		return err
	}
	if record.Status != status {
		return fmt.Errorf("%w: checkout %s is already %s", ErrValidation, ref, record.Status)
	}
	return nil
}

func (a *FiatAdapter) load(ctx context.Context, ref TxRef) (*database.FiatCheckout, error) {
	if !strings.HasPrefix(string(ref), fiatRefPrefix) {
		return nil, fmt.Errorf("%w: invalid checkout reference %q", ErrValidation, ref)
	}

	record, err := a.store.GetFiatCheckout(ctx, string(ref))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load checkout: %v", ErrNetworkUnavailable, err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: checkout %s", ErrNotFound, ref)
	}
	return record, nil
}
