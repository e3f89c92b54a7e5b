package payments

import (
	"context"
	"time"

	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
)

type OrderStore interface {
	CreateOrder(ctx context.Context, o *ledger.Order) (bool, error)
	GetOrder(ctx context.Context, id string) (*ledger.Order, error)
	GetOrderByPaymentRef(ctx context.Context, ref string) (*ledger.Order, error)
	MarkRefunded(ctx context.Context, orderID, refundID string, amount int64, at time.Time) error
	ListEligibleOrders(ctx context.Context, f ledger.OrderFilter) ([]ledger.Order, error)
	ListSellerOrders(ctx context.Context, sellerID string, limit int) ([]ledger.Order, error)
}

type SellerStore interface {
	GetSeller(ctx context.Context, id string) (*ledger.Seller, error)
	BookPayout(ctx context.Context, b ledger.PayoutBooking) error
	ListPayouts(ctx context.Context, sellerID string, limit int) ([]ledger.Payout, error)
}

type IntentStore interface {
	CreateIntent(ctx context.Context, in *ledger.Intent) error
	MarkIntent(ctx context.Context, id string, status ledger.IntentStatus, result []byte, lastErr string) error
}

type ProductSource interface {
	GetProduct(ctx context.Context, id string) (*ledger.Product, error)
}

// IdempotencyCache is the fast path in front of the unique payment reference.
type IdempotencyCache interface {
	Lookup(ctx context.Context, ref string) (string, error)
	Remember(ctx context.Context, ref, orderID string) error
}

type PayoutLocker interface {
	LockPayout(ctx context.Context, sellerID string) (release func(context.Context) error, err error)
}
