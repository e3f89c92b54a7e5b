package ledger

import "context"

type ProductRepo struct{ DB DB }

func (r *ProductRepo) GetProduct(ctx context.Context, id string) (*Product, error) {
	var (
		p        Product
		sellerID *string
	)
	err := r.DB.QueryRow(ctx, `
		SELECT id, seller_id, name, price_cents, discount_price_cents, created_at, updated_at
		FROM products WHERE id=$1`, id).
		Scan(&p.ID, &sellerID, &p.Name, &p.Price, &p.DiscountPrice, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	p.SellerID = deref(sellerID)
	return &p, nil
}
