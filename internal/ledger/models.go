package ledger

import (
	"encoding/json"
	"time"
)

type Product struct {
	ID            string
	SellerID      string
	Name          string
	Price         int64
	DiscountPrice *int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LineItem is the purchase-time snapshot of a product; Price is never re-read from the catalog.
type LineItem struct {
	ProductID string `json:"productId"`
	SellerID  string `json:"sellerId,omitempty"`
	Quantity  int    `json:"quantity"`
	Price     int64  `json:"price"`
}

type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	SellerID        string
	Status          OrderStatus
	Items           []LineItem
	Subtotal        int64
	ShippingCost    int64
	TaxAmount       int64
	DiscountAmount  int64
	TotalAmount     int64
	Currency        string
	ShippingAddress json.RawMessage
	BillingAddress  json.RawMessage
	PaymentMethod   string
	PaymentStatus   PaymentStatus
	PaymentRef      string
	CustomerEmail   string
	CustomerPhone   string
	Notes           string
	RefundID        string
	RefundAmount    int64
	PayoutID        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Seller struct {
	ID                  string
	StripeAccountID     string
	PayoutsEnabled      bool
	ChargesEnabled      bool
	KYCStatus           KYCStatus
	KYCEventAt          *time.Time
	OnboardingCompleted bool
	LastPayoutID        string
	LastPayoutAmount    int64
	LastPayoutAt        *time.Time
	TotalPayouts        int
	PayoutVersion       int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Payout struct {
	ID          string    `json:"id"`
	SellerID    string    `json:"sellerId"`
	Amount      int64     `json:"amount"`
	GrossAmount int64     `json:"grossAmount"`
	PlatformFee int64     `json:"platformFee"`
	Currency    string    `json:"currency"`
	OrdersCount int       `json:"ordersCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// KYCUpdate is the field set the webhook path owns on a seller.
type KYCUpdate struct {
	Status              KYCStatus
	ChargesEnabled      bool
	PayoutsEnabled      bool
	OnboardingCompleted bool
	EventAt             time.Time
}

// PayoutBooking is everything written after a transfer succeeded.
type PayoutBooking struct {
	Payout          Payout   `json:"payout"`
	OrderIDs        []string `json:"orderIds,omitempty"`
	ExpectedVersion int64    `json:"expectedVersion"`
}

type OrderFilter struct {
	SellerID string
	From     *time.Time
	To       *time.Time
}

type Intent struct {
	ID        string
	Kind      IntentKind
	SubjectID string
	Reference string
	Amount    int64
	Status    IntentStatus
	Attempts  int
	Payload   json.RawMessage
	Result    json.RawMessage
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RefundIntent is the payload of an IntentRefund.
type RefundIntent struct {
	OrderID    string `json:"orderId"`
	PaymentRef string `json:"paymentReference"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
	Notes      string `json:"notes,omitempty"`
}

type RefundResult struct {
	RefundID string `json:"refundId"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
}

// PayoutIntent is the payload of an IntentPayout.
type PayoutIntent struct {
	SellerID    string            `json:"sellerId"`
	Destination string            `json:"destination"`
	Amount      int64             `json:"amount"`
	Gross       int64             `json:"gross"`
	Fee         int64             `json:"fee"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	OrderIDs    []string          `json:"orderIds,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type TransferResult struct {
	TransferID string `json:"transferId"`
}
