package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type SellerRepo struct{ DB DB }

const sellerColumns = `id, stripe_account_id, payouts_enabled, charges_enabled, kyc_status, kyc_event_at,
	onboarding_completed, last_payout_id, last_payout_amount_cents, last_payout_at, total_payouts,
	payout_version, created_at, updated_at`

func (r *SellerRepo) GetSeller(ctx context.Context, id string) (*Seller, error) {
	s, err := scanSeller(r.DB.QueryRow(ctx, `SELECT `+sellerColumns+` FROM sellers WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// GetSellerByAccount resolves a processor account id through sellers_stripe_account_idx.
func (r *SellerRepo) GetSellerByAccount(ctx context.Context, accountID string) (*Seller, error) {
	s, err := scanSeller(r.DB.QueryRow(ctx,
		`SELECT `+sellerColumns+` FROM sellers WHERE stripe_account_id=$1`, accountID))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// UpdateKYC applies u unless a newer processor event was already applied.
// applied=false means u was stale and nothing changed.
func (r *SellerRepo) UpdateKYC(ctx context.Context, sellerID string, u KYCUpdate) (applied bool, err error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE sellers
		SET kyc_status=$2, charges_enabled=$3, payouts_enabled=$4, onboarding_completed=$5,
			kyc_event_at=$6, updated_at=now()
		WHERE id=$1 AND (kyc_event_at IS NULL OR kyc_event_at <= $6)`,
		sellerID, string(u.Status), u.ChargesEnabled, u.PayoutsEnabled, u.OnboardingCompleted, u.EventAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// BookPayout records a completed transfer: payout row, orders stamped with the payout id and
// the seller's last-payout fields, all guarded by the seller's payout_version.
// ErrConflict when the version moved; a payout id already booked is a no-op.
func (r *SellerRepo) BookPayout(ctx context.Context, b PayoutBooking) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p := b.Payout
	ct, err := tx.Exec(ctx, `
		INSERT INTO payouts (id, seller_id, amount_cents, gross_cents, fee_cents, currency, orders_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.SellerID, p.Amount, p.GrossAmount, p.PlatformFee, p.Currency, p.OrdersCount, p.CreatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return nil
	}

	if len(b.OrderIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET payout_id=$1, updated_at=$3
			WHERE id = ANY($2) AND payout_id IS NULL`,
			p.ID, b.OrderIDs, p.CreatedAt); err != nil {
			return err
		}
	}

	ct, err = tx.Exec(ctx, `
		UPDATE sellers
		SET last_payout_id=$2, last_payout_amount_cents=$3, last_payout_at=$4,
			total_payouts=total_payouts+1, payout_version=payout_version+1, updated_at=$4
		WHERE id=$1 AND payout_version=$5`,
		p.SellerID, p.ID, p.Amount, p.CreatedAt, b.ExpectedVersion)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrConflict
	}
	return tx.Commit(ctx)
}

func (r *SellerRepo) ListPayouts(ctx context.Context, sellerID string, limit int) ([]Payout, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, seller_id, amount_cents, gross_cents, fee_cents, currency, orders_count, created_at
		FROM payouts WHERE seller_id=$1 ORDER BY created_at DESC LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payout
	for rows.Next() {
		var p Payout
		if err := rows.Scan(&p.ID, &p.SellerID, &p.Amount, &p.GrossAmount, &p.PlatformFee,
			&p.Currency, &p.OrdersCount, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanSeller(row pgx.Row) (*Seller, error) {
	var (
		s                  Seller
		account, lastID    *string
		lastAmount         *int64
		kyc                string
		kycAt, lastPayment *time.Time
	)
	err := row.Scan(&s.ID, &account, &s.PayoutsEnabled, &s.ChargesEnabled, &kyc, &kycAt,
		&s.OnboardingCompleted, &lastID, &lastAmount, &lastPayment, &s.TotalPayouts,
		&s.PayoutVersion, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.StripeAccountID, s.LastPayoutID = deref(account), deref(lastID)
	if lastAmount != nil {
		s.LastPayoutAmount = *lastAmount
	}
	s.KYCStatus, s.KYCEventAt, s.LastPayoutAt = KYCStatus(kyc), kycAt, lastPayment
	return &s, nil
}
