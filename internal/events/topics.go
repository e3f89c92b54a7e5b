package events

const (
	TopicOrderConfirmed       = "payments.order.confirmed"
	TopicOrderRefunded        = "payments.order.refunded"
	TopicPayoutCreated        = "payments.payout.created"
	TopicSellerKYCUpdated     = "payments.seller.kyc_updated"
	TopicReconciliationNeeded = "payments.reconciliation.needed"
)

var topicByType = map[string]string{
	EventOrderConfirmed:       TopicOrderConfirmed,
	EventOrderRefunded:        TopicOrderRefunded,
	EventPayoutCreated:        TopicPayoutCreated,
	EventSellerKYCUpdated:     TopicSellerKYCUpdated,
	EventReconciliationNeeded: TopicReconciliationNeeded,
}

func TopicFor(eventType string) (string, bool) {
	t, ok := topicByType[eventType]
	return t, ok
}

// PartitionKey keeps every event of one order, seller or intent on one partition, in order.
func PartitionKey(id string) []byte { return []byte(id) }
