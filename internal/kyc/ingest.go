package kyc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/events"
	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciliation/internal/processor"
)

// Webhook event types handled by the ingestor.
const (
	EventAccountUpdated          = "account.updated"
	EventApplicationAuthorized   = "account.application.authorized"
	EventApplicationDeauthorized = "account.application.deauthorized"
	EventCapabilityUpdated       = "capability.updated"
)

// ErrInvalidPayload is returned for deliveries that must not be retried as-is: a bad
// signature or a body that is not an event.
var ErrInvalidPayload = errors.New("kyc: invalid webhook payload")

var (
	ErrUnknownSeller = errors.New("kyc: seller not found")
	ErrNoAccount     = errors.New("kyc: seller has no connected account")
)

type Result string

const (
	ResultApplied       Result = "applied"
	ResultDuplicate     Result = "duplicate"
	ResultIgnored       Result = "ignored"
	ResultUnknownSeller Result = "unknown_seller"
	ResultStale         Result = "stale"
)

type Verifier interface {
	Verify(payload []byte, header string) error
}

type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

type AccountSource interface {
	GetAccount(ctx context.Context, id string) (processor.Account, error)
}

type SellerStore interface {
	GetSeller(ctx context.Context, id string) (*ledger.Seller, error)
	GetSellerByAccount(ctx context.Context, accountID string) (*ledger.Seller, error)
	UpdateKYC(ctx context.Context, sellerID string, u ledger.KYCUpdate) (bool, error)
}

type Ingestor struct {
	Verifier Verifier
	Accounts AccountSource
	Sellers  SellerStore
	Dedup    Deduper
	Events   events.Publisher
	Producer string
	Log      *zap.Logger
	Now      func() time.Time
}

// Refresh is the state recorded by an on-demand account refresh.
type Refresh struct {
	SellerID            string           `json:"sellerId"`
	AccountID           string           `json:"accountId"`
	KYCStatus           ledger.KYCStatus `json:"kycStatus"`
	ChargesEnabled      bool             `json:"chargesEnabled"`
	PayoutsEnabled      bool             `json:"payoutsEnabled"`
	OnboardingCompleted bool             `json:"onboardingCompleted"`
	CurrentlyDue        []string         `json:"currentlyDue"`
	DisabledReason      string           `json:"disabledReason,omitempty"`
	Result              Result           `json:"result"`
	RefreshedAt         time.Time        `json:"refreshedAt"`
}

type event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Account string `json:"account"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type accountObject struct {
	Object           string `json:"object"`
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
	Requirements     struct {
		CurrentlyDue   []string `json:"currently_due"`
		DisabledReason string   `json:"disabled_reason"`
	} `json:"requirements"`
}

type capabilityObject struct {
	Object  string `json:"object"`
	ID      string `json:"id"`
	Account string `json:"account"`
}

// Handle verifies and applies one webhook delivery. Errors wrapping ErrInvalidPayload are
// the sender's fault; any other error means the delivery should be retried.
func (in *Ingestor) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	if err := in.Verifier.Verify(payload, signature); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return "", fmt.Errorf("%w: missing event id or type", ErrInvalidPayload)
	}
	log := in.Log.With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))

	seen, err := in.Dedup.Seen(ctx, ev.ID)
	if err != nil {
		log.Warn("dedup lookup failed, processing anyway", zap.Error(err))
	}
	if seen {
		log.Debug("duplicate webhook delivery")
		return ResultDuplicate, nil
	}

	res, err := in.dispatch(ctx, log, ev)
	if err != nil {
		return "", err
	}
	if err := in.Dedup.Mark(ctx, ev.ID); err != nil {
		log.Warn("dedup mark failed", zap.Error(err))
	}
	return res, nil
}

func (in *Ingestor) dispatch(ctx context.Context, log *zap.Logger, ev event) (Result, error) {
	switch ev.Type {
	case EventAccountUpdated, EventApplicationAuthorized:
		acct, fetched, err := in.accountOf(ctx, ev)
		if err != nil {
			return "", err
		}
		at := time.Unix(ev.Created, 0).UTC()
		if fetched {
			at = in.now()
		}
		return in.apply(ctx, log, acct, at, ev.ID)
	case EventCapabilityUpdated:
		var c capabilityObject
		if err := json.Unmarshal(ev.Data.Object, &c); err != nil {
			return "", fmt.Errorf("%w: capability object: %v", ErrInvalidPayload, err)
		}
		id := c.Account
		if id == "" {
			id = ev.Account
		}
		if id == "" {
			return "", fmt.Errorf("%w: capability without account", ErrInvalidPayload)
		}
		acct, err := in.Accounts.GetAccount(ctx, id)
		if err != nil {
			return "", fmt.Errorf("fetch account %s: %w", id, err)
		}
		// the snapshot is as of now, not as of the capability change
		return in.apply(ctx, log, acct, in.now(), ev.ID)
	case EventApplicationDeauthorized:
		log.Info("platform access revoked", zap.String("account_id", ev.Account))
		return ResultIgnored, nil
	default:
		log.Debug("webhook event ignored")
		return ResultIgnored, nil
	}
}

// accountOf takes the account snapshot carried by the event, or fetches it when the event
// carries some other object. fetched reports the latter.
func (in *Ingestor) accountOf(ctx context.Context, ev event) (acct processor.Account, fetched bool, err error) {
	var obj accountObject
	if len(ev.Data.Object) > 0 {
		if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
			return processor.Account{}, false, fmt.Errorf("%w: data.object: %v", ErrInvalidPayload, err)
		}
	}
	if obj.Object == "account" && obj.ID != "" {
		return processor.Account{
			ID:               obj.ID,
			ChargesEnabled:   obj.ChargesEnabled,
			PayoutsEnabled:   obj.PayoutsEnabled,
			DetailsSubmitted: obj.DetailsSubmitted,
			Requirements: processor.Requirements{
				CurrentlyDue:   obj.Requirements.CurrentlyDue,
				DisabledReason: obj.Requirements.DisabledReason,
			},
		}, false, nil
	}
	if ev.Account == "" {
		return processor.Account{}, false, fmt.Errorf("%w: no account in event", ErrInvalidPayload)
	}
	acct, err = in.Accounts.GetAccount(ctx, ev.Account)
	if err != nil {
		return processor.Account{}, false, fmt.Errorf("fetch account %s: %w", ev.Account, err)
	}
	return acct, true, nil
}

// Refresh pulls the seller's connected account from the processor and records it as of
// now, without waiting for a webhook.
func (in *Ingestor) Refresh(ctx context.Context, sellerID string) (Refresh, error) {
	log := in.Log.With(zap.String("seller_id", sellerID))
	seller, err := in.Sellers.GetSeller(ctx, sellerID)
	if errors.Is(err, ledger.ErrNotFound) {
		return Refresh{}, ErrUnknownSeller
	}
	if err != nil {
		return Refresh{}, fmt.Errorf("load seller %s: %w", sellerID, err)
	}
	if seller.StripeAccountID == "" {
		return Refresh{}, ErrNoAccount
	}
	acct, err := in.Accounts.GetAccount(ctx, seller.StripeAccountID)
	if err != nil {
		return Refresh{}, fmt.Errorf("fetch account %s: %w", seller.StripeAccountID, err)
	}

	at := in.now()
	res, err := in.record(ctx, log.With(zap.String("account_id", acct.ID)), seller, acct, at, "")
	if err != nil {
		return Refresh{}, err
	}
	return Refresh{
		SellerID:            seller.ID,
		AccountID:           acct.ID,
		KYCStatus:           Map(acct),
		ChargesEnabled:      acct.ChargesEnabled,
		PayoutsEnabled:      acct.PayoutsEnabled,
		OnboardingCompleted: acct.DetailsSubmitted,
		CurrentlyDue:        orEmpty(acct.Requirements.CurrentlyDue),
		DisabledReason:      acct.Requirements.DisabledReason,
		Result:              res,
		RefreshedAt:         at,
	}, nil
}

// apply records acct as the state of its seller as of at.
func (in *Ingestor) apply(ctx context.Context, log *zap.Logger, acct processor.Account, at time.Time, eventID string) (Result, error) {
	log = log.With(zap.String("account_id", acct.ID))
	seller, err := in.Sellers.GetSellerByAccount(ctx, acct.ID)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Warn("no seller for connected account")
		return ResultUnknownSeller, nil
	}
	if err != nil {
		return "", fmt.Errorf("seller by account %s: %w", acct.ID, err)
	}
	return in.record(ctx, log, seller, acct, at, eventID)
}

func (in *Ingestor) record(ctx context.Context, log *zap.Logger, seller *ledger.Seller, acct processor.Account,
	at time.Time, eventID string) (Result, error) {
	status := Map(acct)
	ok, err := in.Sellers.UpdateKYC(ctx, seller.ID, ledger.KYCUpdate{
		Status:              status,
		ChargesEnabled:      acct.ChargesEnabled,
		PayoutsEnabled:      acct.PayoutsEnabled,
		OnboardingCompleted: acct.DetailsSubmitted,
		EventAt:             at,
	})
	if err != nil {
		return "", fmt.Errorf("update kyc of seller %s: %w", seller.ID, err)
	}
	log = log.With(zap.String("seller_id", seller.ID))
	if !ok {
		log.Info("stale account snapshot skipped", zap.Time("as_of", at))
		return ResultStale, nil
	}

	err = events.Emit(ctx, in.Events, in.Producer, events.EventSellerKYCUpdated, seller.ID, events.SellerKYCUpdatedPayload{
		SellerID:       seller.ID,
		AccountID:      acct.ID,
		KYCStatus:      string(status),
		ChargesEnabled: acct.ChargesEnabled,
		PayoutsEnabled: acct.PayoutsEnabled,
		SourceEventID:  eventID,
	})
	if err != nil {
		log.Warn("publish failed", zap.Error(err))
	}
	log.Info("seller kyc updated", zap.String("kyc_status", string(status)))
	return ResultApplied, nil
}

func (in *Ingestor) now() time.Time {
	if in.Now != nil {
		return in.Now().UTC()
	}
	return time.Now().UTC()
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
