package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type OrderRepo struct{ DB DB }

const orderColumns = `id, order_number, user_id, seller_id, status, items, subtotal_cents, shipping_cents,
	tax_cents, discount_cents, total_cents, currency, shipping_address, billing_address, payment_method,
	payment_status, payment_reference, customer_email, customer_phone, notes, refund_id,
	refund_amount_cents, payout_id, created_at, updated_at`

// CreateOrder inserts o unless an order for the same payment reference exists.
// created=false means the reference was already confirmed; o is left untouched.
func (r *OrderRepo) CreateOrder(ctx context.Context, o *Order) (created bool, err error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return false, fmt.Errorf("encode items: %w", err)
	}
	ct, err := r.DB.Exec(ctx, `
		INSERT INTO orders (id, order_number, user_id, seller_id, status, items, subtotal_cents,
			shipping_cents, tax_cents, discount_cents, total_cents, currency, shipping_address,
			billing_address, payment_method, payment_status, payment_reference, customer_email,
			customer_phone, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$21)
		ON CONFLICT (payment_reference) DO NOTHING`,
		o.ID, o.OrderNumber, o.UserID, nullString(o.SellerID), string(o.Status), string(items),
		o.Subtotal, o.ShippingCost, o.TaxAmount, o.DiscountAmount, o.TotalAmount, o.Currency,
		nullJSON(o.ShippingAddress), nullJSON(o.BillingAddress), o.PaymentMethod,
		string(o.PaymentStatus), o.PaymentRef, o.CustomerEmail, nullString(o.CustomerPhone),
		nullString(o.Notes), o.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *OrderRepo) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

func (r *OrderRepo) GetOrderByPaymentRef(ctx context.Context, ref string) (*Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_reference=$1`, ref)
	o, err := scanOrder(row)
	if err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

// MarkRefunded flips payment_status to refunded once. ErrConflict if it already was.
func (r *OrderRepo) MarkRefunded(ctx context.Context, orderID, refundID string, amount int64, at time.Time) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET payment_status='refunded', refund_id=$2, refund_amount_cents=$3, updated_at=$4
		WHERE id=$1 AND payment_status <> 'refunded'`,
		orderID, refundID, amount, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ListEligibleOrders returns the seller's orders not yet paid out whose payment completed
// or which were delivered, optionally bounded by created_at.
func (r *OrderRepo) ListEligibleOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + orderColumns + ` FROM orders
		WHERE seller_id=$1 AND payout_id IS NULL
		AND (payment_status='completed' OR status='delivered')`)
	args := []any{f.SellerID}
	if f.From != nil {
		args = append(args, *f.From)
		fmt.Fprintf(&b, " AND created_at >= $%d", len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		fmt.Fprintf(&b, " AND created_at <= $%d", len(args))
	}
	b.WriteString(" ORDER BY created_at")

	rows, err := r.DB.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListSellerOrders returns the seller's most recent orders, newest first.
func (r *OrderRepo) ListSellerOrders(ctx context.Context, sellerID string, limit int) ([]Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE seller_id=$1 ORDER BY created_at DESC LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                                    Order
		sellerID, phone, notes, refundID, po *string
		refundAmount                         *int64
		status, payStatus                    string
		items, ship, bill                    []byte
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &sellerID, &status, &items, &o.Subtotal,
		&o.ShippingCost, &o.TaxAmount, &o.DiscountAmount, &o.TotalAmount, &o.Currency, &ship, &bill,
		&o.PaymentMethod, &payStatus, &o.PaymentRef, &o.CustomerEmail, &phone, &notes, &refundID,
		&refundAmount, &po, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("decode items of order %s: %w", o.ID, err)
		}
	}
	o.SellerID, o.CustomerPhone, o.Notes, o.RefundID, o.PayoutID = deref(sellerID), deref(phone), deref(notes), deref(refundID), deref(po)
	if refundAmount != nil {
		o.RefundAmount = *refundAmount
	}
	o.Status, o.PaymentStatus = OrderStatus(status), PaymentStatus(payStatus)
	o.ShippingAddress, o.BillingAddress = ship, bill
	return &o, nil
}
