package payments

import (
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
)

var hundred = decimal.NewFromInt(100)

// Pricing holds the order charges that come from configuration.
type Pricing struct {
	ShippingCost int64
	TaxRate      decimal.Decimal // percent
	Currency     string
}

type Quote struct {
	Subtotal int64
	Shipping int64
	Tax      int64
	Discount int64
	Total    int64
}

// Quote prices items. Tax applies to subtotal plus shipping.
func (p Pricing) Quote(items []ledger.LineItem) Quote {
	q := Quote{Shipping: p.ShippingCost}
	for _, it := range items {
		q.Subtotal += it.Price * int64(it.Quantity)
	}
	q.Tax = Percent(q.Subtotal+q.Shipping, p.TaxRate)
	q.Total = q.Subtotal + q.Shipping + q.Tax - q.Discount
	return q
}

// Percent returns pct percent of amount rounded half away from zero to a whole minor unit.
func Percent(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(hundred).Round(0).IntPart()
}

// SplitFee splits gross into the platform fee and the seller's net; fee+net == gross.
func SplitFee(gross int64, feePct decimal.Decimal) (fee, net int64) {
	fee = Percent(gross, feePct)
	return fee, gross - fee
}

// deviates reports whether price is more than 1% away from ref.
func deviates(price, ref int64) bool {
	if ref <= 0 {
		return price != ref
	}
	d := decimal.NewFromInt(price - ref).Abs()
	return d.Mul(hundred).GreaterThan(decimal.NewFromInt(ref))
}
