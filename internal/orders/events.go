package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated    = "OrderCreated"
	EventStockReconciled = "StockReconciled"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the Event* constants
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g. "megance-inventory"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

// OrderCreatedPayload is emitted by the checkout flow once the order row exists.
// The consumer re-reads the order, so item details are not carried here.
type OrderCreatedPayload struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id,omitempty"`
}

type ProductStock struct {
	ProductID string `json:"product_id"`
	Shape     string `json:"shape"`
	Quantity  int    `json:"quantity"`
}

type StockReconciledPayload struct {
	OrderID  string         `json:"order_id"`
	Source   string         `json:"source"`
	Products []ProductStock `json:"products,omitempty"`
	Skipped  []string       `json:"skipped_products,omitempty"`
}
