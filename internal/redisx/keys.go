package redisx

import "time"

const (
	// Marker order sudah di-reconcile: reconciled:{order_id} -> "1"
	KeyReconciled = "reconciled:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLReconciled = 7 * 24 * time.Hour
	TTLDedup      = 48 * time.Hour
)
