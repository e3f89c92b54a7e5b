package ledger

type OrderStatus string

const (
	OrderProcessing OrderStatus = "processing"
	OrderPending    OrderStatus = "pending"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
	OrderReturned   OrderStatus = "returned"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentRefunded  PaymentStatus = "refunded"
)

var validNextPayment = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending:   {PaymentCompleted: true, PaymentRefunded: true},
	PaymentCompleted: {PaymentRefunded: true},
	PaymentRefunded:  {},
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return validNextPayment[from][to]
}

type KYCStatus string

const (
	KYCPending        KYCStatus = "pending"
	KYCVerified       KYCStatus = "verified"
	KYCActionRequired KYCStatus = "action_required"
	KYCRestricted     KYCStatus = "restricted"
)

type IntentKind string

const (
	IntentOrderConfirmation IntentKind = "order_confirmation"
	IntentRefund            IntentKind = "refund"
	IntentPayout            IntentKind = "payout"
)

type IntentStatus string

const (
	IntentPending            IntentStatus = "pending"
	IntentProcessorSucceeded IntentStatus = "processor_succeeded"
	IntentConfirmed          IntentStatus = "confirmed"
	IntentFailed             IntentStatus = "failed"
	IntentAbandoned          IntentStatus = "abandoned"
)

// Open reports whether the sweeper still owes work on an intent in this status.
func (s IntentStatus) Open() bool {
	return s == IntentPending || s == IntentProcessorSucceeded
}
