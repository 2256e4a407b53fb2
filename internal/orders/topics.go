package orders

const (
	TopicOrderCreated    = "order.created"
	TopicStockReconciled = "order.stock.reconciled"
)

// Partition key = order_id, supaya semua event 1 order maintain urutan.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
