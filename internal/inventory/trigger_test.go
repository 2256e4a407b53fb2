package inventory_test

import (
	"context"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kafkax "github.com/rajatrajputdev/megance-inventory/internal/kafka"
	"github.com/rajatrajputdev/megance-inventory/internal/orders"
)

func orderCreated(eventID, orderID string) kafkago.Message {
	env := orders.Envelope{
		EventID:      eventID,
		EventType:    orders.EventOrderCreated,
		EventVersion: 1,
		OccurredAt:   time.Now().UTC(),
		Producer:     "checkout",
		Payload:      kafkax.MustMarshal(orders.OrderCreatedPayload{OrderID: orderID}),
	}
	return kafkago.Message{Key: []byte(orderID), Value: kafkax.MustMarshal(env)}
}

func TestHandleOrderCreated(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "u1", "paid", shoeOrder)
	st.products["shoe-a"] = product{quantity: 5, sizeQuantities: `{"men":[{"size":"9","quantity":5}]}`}
	cache := newCache()
	svc := newService(st)
	svc.Cache = cache

	require.NoError(t, svc.HandleOrderCreated(context.Background(), orderCreated("ev-1", "o1")))
	assert.True(t, st.order("o1").Reconciled)
	assert.Equal(t, 3, st.product("shoe-a").quantity)
	assert.True(t, cache.SeenEvent(context.Background(), "ev-1"))

	// redelivery is dropped before touching the store
	require.NoError(t, svc.HandleOrderCreated(context.Background(), orderCreated("ev-1", "o1")))
	assert.Equal(t, 1, st.txs)
}

func TestHandleOrderCreated_RedeliveryWithoutCache(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "", "paid", shoeOrder)
	st.products["shoe-a"] = product{quantity: 5, sizeQuantities: `{"men":[{"size":"9","quantity":5}]}`}
	svc := newService(st)

	require.NoError(t, svc.HandleOrderCreated(context.Background(), orderCreated("ev-1", "o1")))
	require.NoError(t, svc.HandleOrderCreated(context.Background(), orderCreated("ev-2", "o1")))
	assert.Equal(t, 3, st.product("shoe-a").quantity)
}

func TestHandleOrderCreated_NeverFails(t *testing.T) {
	st := newStore()
	svc := newService(st)
	ctx := context.Background()

	assert.NoError(t, svc.HandleOrderCreated(ctx, kafkago.Message{Value: []byte("{not json")}))
	assert.NoError(t, svc.HandleOrderCreated(ctx, orderCreated("ev-1", "")))
	assert.NoError(t, svc.HandleOrderCreated(ctx, orderCreated("ev-2", "missing")))

	other := orders.Envelope{EventID: "ev-3", EventType: "OrderPaid", Payload: []byte(`{}`)}
	assert.NoError(t, svc.HandleOrderCreated(ctx, kafkago.Message{Value: kafkax.MustMarshal(other)}))
	assert.Equal(t, 1, st.txs)
}

func TestHandleOrderCreated_ShutdownReturnsError(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "", "paid", shoeOrder)
	st.products["shoe-a"] = product{quantity: 5, sizeQuantities: `{"men":[{"size":"9","quantity":5}]}`}
	svc := newService(st)
	st.saveErr = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := svc.HandleOrderCreated(ctx, orderCreated("ev-1", "o1"))
	assert.ErrorIs(t, err, context.Canceled)
}
