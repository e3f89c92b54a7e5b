package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Stripe implements Client on the Stripe API. Payment references are PaymentIntent ids and
// account ids are Connect account ids.
type Stripe struct {
	api *client.API
}

func NewStripe(secretKey string) *Stripe {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &Stripe{api: sc}
}

// NewStripeWithBackends points the client at custom backends, e.g. a local stub server.
func NewStripeWithBackends(secretKey string, b *stripe.Backends) *Stripe {
	return &Stripe{api: client.New(secretKey, b)}
}

func (s *Stripe) RetrievePayment(ctx context.Context, ref string) (Payment, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(ref, params)
	if err != nil {
		return Payment{}, classify("retrieve_payment", err)
	}
	return Payment{
		Reference: pi.ID,
		State:     string(pi.Status),
		Amount:    pi.Amount,
		Currency:  string(pi.Currency),
	}, nil
}

func (s *Stripe) CreateRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentReference),
		Reason:        stripe.String(req.Reason),
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	r, err := s.api.Refunds.New(params)
	if err != nil {
		return Refund{}, classify("create_refund", err)
	}
	return Refund{ID: r.ID, Status: string(r.Status), Amount: r.Amount}, nil
}

func (s *Stripe) CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.Destination),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	t, err := s.api.Transfers.New(params)
	if err != nil {
		return Transfer{}, classify("create_transfer", err)
	}
	return Transfer{ID: t.ID}, nil
}

func (s *Stripe) GetAccount(ctx context.Context, id string) (Account, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	a, err := s.api.Accounts.GetByID(id, params)
	if err != nil {
		return Account{}, classify("get_account", err)
	}
	acc := Account{
		ID:               a.ID,
		ChargesEnabled:   a.ChargesEnabled,
		PayoutsEnabled:   a.PayoutsEnabled,
		DetailsSubmitted: a.DetailsSubmitted,
	}
	if a.Requirements != nil {
		acc.Requirements = Requirements{
			CurrentlyDue:   a.Requirements.CurrentlyDue,
			DisabledReason: string(a.Requirements.DisabledReason),
		}
	}
	return acc, nil
}

// classify maps a Stripe failure to an Outcome. Only 4xx answers other than 408/409/429 are
// definitive; everything else may have taken effect.
func classify(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &Error{Op: op, Outcome: OutcomeUnknown, Message: err.Error(), Err: err}
	}
	out := OutcomeUnknown
	switch c := se.HTTPStatusCode; {
	case c == http.StatusRequestTimeout, c == http.StatusConflict, c == http.StatusTooManyRequests:
	case c >= 400 && c < 500:
		out = OutcomeRejected
	}
	msg := se.Msg
	if msg == "" {
		msg = se.Error()
	}
	return &Error{Op: op, Outcome: out, Code: string(se.Code), Message: msg, Err: err}
}

var ErrInvalidSignature = errors.New("processor: invalid webhook signature")

// SignatureVerifier checks the Stripe-Signature header of a webhook delivery.
type SignatureVerifier struct {
	Secret string
}

func (v SignatureVerifier) Verify(payload []byte, header string) error {
	if header == "" {
		return fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}
	if err := webhook.ValidatePayload(payload, header, v.Secret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
