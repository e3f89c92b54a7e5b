package payments

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
)

type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionRefund TransactionType = "refund"
)

// Transaction is one line of a seller's wallet history. Amount is signed: credits are the
// order total less the platform fee, refunds are negative.
type Transaction struct {
	ID          string          `json:"id"`
	Type        TransactionType `json:"type"`
	Amount      int64           `json:"amount"`
	GrossAmount int64           `json:"grossAmount,omitempty"`
	PlatformFee int64           `json:"platformFee,omitempty"`
	Description string          `json:"description"`
	Status      string          `json:"status"`
	Date        time.Time       `json:"date"`
	OrderID     string          `json:"orderId"`
	OrderNumber string          `json:"orderNumber"`
	Balance     int64           `json:"balance"`
}

type SellerTransactions struct {
	Transactions      []Transaction `json:"transactions"`
	TotalTransactions int           `json:"totalTransactions"`
	CurrentBalance    int64         `json:"currentBalance"`
}

// ListTransactions derives the seller's wallet history from their most recent orders,
// newest first, each line carrying the balance after it.
func (s *PayoutService) ListTransactions(ctx context.Context, sellerID string, limit int) (SellerTransactions, error) {
	if sellerID == "" {
		return SellerTransactions{}, validation("sellerId is required")
	}
	if _, err := s.Sellers.GetSeller(ctx, sellerID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return SellerTransactions{}, newError(ErrSellerNotFound, "seller not found", nil)
		}
		return SellerTransactions{}, newError(ErrInternal, "seller lookup failed", err)
	}
	orders, err := s.Orders.ListSellerOrders(ctx, sellerID, limit)
	if err != nil {
		return SellerTransactions{}, newError(ErrInternal, "order history lookup failed", err)
	}

	txs := make([]Transaction, 0, len(orders))
	for _, o := range orders {
		txs = append(txs, s.transactionsOf(o)...)
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Date.After(txs[j].Date) })

	var balance int64
	for i := len(txs) - 1; i >= 0; i-- {
		balance += txs[i].Amount
		txs[i].Balance = balance
	}
	return SellerTransactions{Transactions: txs, TotalTransactions: len(txs), CurrentBalance: balance}, nil
}

func (s *PayoutService) transactionsOf(o ledger.Order) []Transaction {
	var out []Transaction
	desc := "Order " + o.OrderNumber + " - " + string(o.Status)
	switch o.Status {
	case ledger.OrderProcessing, ledger.OrderShipped, ledger.OrderDelivered:
		fee, net := SplitFee(o.TotalAmount, s.FeePct)
		status := "pending"
		if o.Status == ledger.OrderDelivered {
			status = "completed"
		}
		out = append(out, Transaction{
			ID: o.ID + "-credit", Type: TransactionCredit, Amount: net, GrossAmount: o.TotalAmount, PlatformFee: fee,
			Description: desc, Status: status, Date: o.CreatedAt, OrderID: o.ID, OrderNumber: o.OrderNumber,
		})
	}

	refunded := o.TotalAmount
	switch {
	case o.RefundID != "":
		refunded = o.RefundAmount
	case o.Status != ledger.OrderCancelled && o.Status != ledger.OrderReturned:
		return out
	}
	at := o.UpdatedAt
	if at.IsZero() {
		at = o.CreatedAt
	}
	return append(out, Transaction{
		ID: o.ID + "-refund", Type: TransactionRefund, Amount: -refunded, Description: desc,
		Status: "completed", Date: at, OrderID: o.ID, OrderNumber: o.OrderNumber,
	})
}
