package redisx

import "time"

const (
	// Idempotency confirm: idem:confirm:{payment_reference} -> order_id
	KeyIdemConfirm = "idem:confirm:%s"

	// Cache status order: order_status:{order_id} -> {"orderId": "...", "status": "...", ...}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{source}:{id} (id = processor event id or envelope event id)
	KeyDedup = "dedup:%s:%s"

	// Per-seller payout lock: lock:payout:{seller_id} -> holder token
	KeyPayoutLock = "lock:payout:%s"

	// Product snapshot cache: product:{product_id} -> JSON
	KeyProduct = "product:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLProduct     = 10 * time.Minute
)
