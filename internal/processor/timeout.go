package processor

import (
	"context"
	"errors"
	"time"
)

type timeoutClient struct {
	next Client
	d    time.Duration
}

// WithTimeout bounds every call to next by d. A call that runs out of time fails with an
// OutcomeUnknown error.
func WithTimeout(next Client, d time.Duration) Client {
	if d <= 0 {
		return next
	}
	return &timeoutClient{next: next, d: d}
}

func (c *timeoutClient) RetrievePayment(ctx context.Context, ref string) (Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.d)
	defer cancel()
	p, err := c.next.RetrievePayment(ctx, ref)
	return p, timeoutErr(ctx, "retrieve_payment", err)
}

func (c *timeoutClient) CreateRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	ctx, cancel := context.WithTimeout(ctx, c.d)
	defer cancel()
	r, err := c.next.CreateRefund(ctx, req)
	return r, timeoutErr(ctx, "create_refund", err)
}

func (c *timeoutClient) CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.d)
	defer cancel()
	t, err := c.next.CreateTransfer(ctx, req)
	return t, timeoutErr(ctx, "create_transfer", err)
}

func (c *timeoutClient) GetAccount(ctx context.Context, id string) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, c.d)
	defer cancel()
	a, err := c.next.GetAccount(ctx, id)
	return a, timeoutErr(ctx, "get_account", err)
}

func timeoutErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Op: op, Outcome: OutcomeUnknown, Code: "timeout", Message: "processor call timed out", Err: err}
	}
	return &Error{Op: op, Outcome: OutcomeUnknown, Message: err.Error(), Err: err}
}
