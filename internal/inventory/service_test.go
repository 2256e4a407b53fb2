package inventory_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rajatrajputdev/megance-inventory/internal/inventory"
	"github.com/rajatrajputdev/megance-inventory/internal/orders"
)

var fixed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const shoeOrder = `[{"id":"shoe-a-men-s9","qty":2,"meta":{"size":"9","gender":"men"}}]`

func newService(st *memStore) *inventory.Service {
	return &inventory.Service{
		Store:       st,
		ServiceName: "test",
		Now:         func() time.Time { return fixed },
	}
}

func admin(id string) inventory.Request {
	return inventory.Request{OrderID: id, Source: inventory.SourceAdmin}
}

func callable(id, uid string) inventory.Request {
	return inventory.Request{OrderID: id, Source: inventory.SourceCallable, Caller: &inventory.Caller{UserID: uid}}
}

func TestReconcile_GenderedRows(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "u1", "paid", shoeOrder)
	st.products["shoe-a"] = product{quantity: 5, sizeQuantities: `{"men":[{"size":"9","quantity":5}]}`}

	res, err := newService(st).Reconcile(context.Background(), callable("o1", "u1"))
	require.NoError(t, err)
	assert.False(t, res.Already)
	require.Len(t, res.Products, 1)
	assert.Equal(t, 3, res.Products[0].Quantity)

	p := st.product("shoe-a")
	assert.Equal(t, 3, p.quantity)
	assert.JSONEq(t, `{"men":[{"size":"9","quantity":3}]}`, p.sizeQuantities)

	o := st.order("o1")
	assert.True(t, o.Reconciled)
	require.NotNil(t, o.ReconciledAt)
	assert.Equal(t, fixed, *o.ReconciledAt)
}

func TestReconcile_SecondAttemptIsNoop(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "u1", "paid", shoeOrder)
	st.products["shoe-a"] = product{quantity: 5, sizeQuantities: `{"men":[{"size":"9","quantity":5}]}`}
	svc := newService(st)

	_, err := svc.Reconcile(context.Background(), callable("o1", "u1"))
	require.NoError(t, err)
	res, err := svc.Reconcile(context.Background(), callable("o1", "u1"))
	require.NoError(t, err)
	assert.True(t, res.Already)
	assert.Equal(t, 3, st.product("shoe-a").quantity)
}

func TestReconcile_FlatRowsNeverNegative(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "", "", `[{"id":"tee-s9","qty":5,"meta":{"size":9}}]`)
	st.products["tee"] = product{quantity: 1, sizes: `[{"size":"9","quantity":1}]`}

	_, err := newService(st).Reconcile(context.Background(), admin("o1"))
	require.NoError(t, err)

	p := st.product("tee")
	assert.Equal(t, 0, p.quantity)
	assert.JSONEq(t, `[{"size":"9","quantity":0}]`, p.sizes)
}

func TestReconcile_LabelsOnlyFallsBackToAggregate(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "", "paid", `[{"id":"cap-women","qty":2,"meta":{"size":"M"}}]`)
	st.products["cap"] = product{quantity: 4, sizes: `{"women":["S","M"]}`}

	_, err := newService(st).Reconcile(context.Background(), admin("o1"))
	require.NoError(t, err)

	p := st.product("cap")
	assert.Equal(t, 2, p.quantity)
	assert.JSONEq(t, `{"women":["S","M"]}`, p.sizes)
}

func TestReconcile_SkipsMissingProduct(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "", "paid", `[`+
		`{"id":"shoe-a-men-s9","qty":1,"meta":{"size":"9","gender":"men"}},`+
		`{"id":"ghost","qty":3}]`)
	st.products["shoe-a"] = product{quantity: 5, sizeQuantities: `{"men":[{"size":"9","quantity":5}]}`}

	res, err := newService(st).Reconcile(context.Background(), admin("o1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, res.Missing)
	assert.Equal(t, 4, st.product("shoe-a").quantity)
	assert.True(t, st.order("o1").Reconciled)
}

func TestReconcile_DropsMalformedItems(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "", "paid", `["junk",{"qty":1},{"id":"bag","qty":"2"}]`)
	st.products["bag"] = product{quantity: 10}

	res, err := newService(st).Reconcile(context.Background(), admin("o1"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, 8, st.product("bag").quantity)
}

func TestReconcile_OversizedQuantitiesFloorAtZero(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "", "paid", `[{"id":"bag","qty":1e19},{"id":"bag","qty":1e19}]`)
	st.products["bag"] = product{quantity: 10}

	_, err := newService(st).Reconcile(context.Background(), admin("o1"))
	require.NoError(t, err)
	assert.Equal(t, 0, st.product("bag").quantity)
	assert.True(t, st.order("o1").Reconciled)
}

func TestReconcile_Errors(t *testing.T) {
	st := newStore()
	st.addOrder("owned", "u1", "paid", shoeOrder)
	st.addOrder("pending", "u1", "pending", shoeOrder)
	st.products["shoe-a"] = product{quantity: 5, sizeQuantities: `{"men":[{"size":"9","quantity":5}]}`}

	svc := newService(st)
	svc.StrictCallableStatus = true

	cases := []struct {
		name string
		req  inventory.Request
		code inventory.Code
	}{
		{"no order id", admin(""), inventory.CodeInvalidArgument},
		{"anonymous callable", inventory.Request{OrderID: "owned", Source: inventory.SourceCallable}, inventory.CodeUnauthenticated},
		{"empty caller", callable("owned", ""), inventory.CodeUnauthenticated},
		{"other user", callable("owned", "u2"), inventory.CodePermissionDenied},
		{"missing order", callable("nope", "u1"), inventory.CodeNotFound},
		{"strict status", callable("pending", "u1"), inventory.CodeFailedPrecondition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Reconcile(context.Background(), tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, inventory.CodeOf(err))
		})
	}
	assert.Equal(t, 5, st.product("shoe-a").quantity)
	assert.False(t, st.order("owned").Reconciled)
}

func TestReconcile_UnauthenticatedSkipsStore(t *testing.T) {
	st := newStore()
	_, err := newService(st).Reconcile(context.Background(), inventory.Request{OrderID: "o1", Source: inventory.SourceCallable})
	assert.Equal(t, inventory.CodeUnauthenticated, inventory.CodeOf(err))
	assert.Zero(t, st.txs)
}

func TestReconcile_OwnerlessOrderAnyCaller(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "", "paid", `[{"id":"bag","qty":1}]`)
	st.products["bag"] = product{quantity: 2}

	_, err := newService(st).Reconcile(context.Background(), callable("o1", "someone"))
	require.NoError(t, err)
	assert.Equal(t, 1, st.product("bag").quantity)
}

func TestReconcile_UnrecognisedStatusProceeds(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "u1", "test-mode", `[{"id":"bag","qty":1}]`)
	st.products["bag"] = product{quantity: 2}

	_, err := newService(st).Reconcile(context.Background(), callable("o1", "u1"))
	require.NoError(t, err)
	assert.True(t, st.order("o1").Reconciled)
}

func TestReconcile_FailureLeavesNoPartialEffect(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "", "paid", shoeOrder)
	st.products["shoe-a"] = product{quantity: 5, sizeQuantities: `{"men":[{"size":"9","quantity":5}]}`}
	st.saveErr = errors.New("disk full")

	_, err := newService(st).Reconcile(context.Background(), admin("o1"))
	require.Error(t, err)
	assert.Equal(t, inventory.CodeInternal, inventory.CodeOf(err))
	assert.False(t, st.order("o1").Reconciled)
	assert.Equal(t, 5, st.product("shoe-a").quantity)
}

func TestReconcile_ConcurrentAttemptsDecrementOnce(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "u1", "paid", shoeOrder)
	st.products["shoe-a"] = product{quantity: 5, sizeQuantities: `{"men":[{"size":"9","quantity":5}]}`}
	svc := newService(st)

	results := make([]inventory.Result, 8)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			req := admin("o1")
			if i%2 == 0 {
				req = callable("o1", "u1")
			}
			var err error
			results[i], err = svc.Reconcile(context.Background(), req)
			return err
		})
	}
	require.NoError(t, g.Wait())

	fresh := 0
	for _, r := range results {
		if !r.Already {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 3, st.product("shoe-a").quantity)
}

func TestReconcile_CacheFastPath(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "u1", "paid", shoeOrder)
	st.products["shoe-a"] = product{quantity: 5, sizeQuantities: `{"men":[{"size":"9","quantity":5}]}`}
	svc := newService(st)
	svc.Cache = newCache()

	_, err := svc.Reconcile(context.Background(), admin("o1"))
	require.NoError(t, err)
	require.Equal(t, 1, st.txs)

	res, err := svc.Reconcile(context.Background(), admin("o1"))
	require.NoError(t, err)
	assert.True(t, res.Already)
	assert.Equal(t, 1, st.txs)

	// callable still checks ownership against the store
	_, err = svc.Reconcile(context.Background(), callable("o1", "u2"))
	assert.Equal(t, inventory.CodePermissionDenied, inventory.CodeOf(err))
	assert.Equal(t, 2, st.txs)
}

func TestReconcile_PublishesOutcome(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "", "paid", `[{"id":"bag","qty":1},{"id":"ghost","qty":1}]`)
	st.products["bag"] = product{quantity: 2}
	pub := &memPublisher{}
	svc := newService(st)
	svc.Publisher = pub

	_, err := svc.Reconcile(context.Background(), admin("o1"))
	require.NoError(t, err)
	_, err = svc.Reconcile(context.Background(), admin("o1"))
	require.NoError(t, err)

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, []byte("o1"), msg.key)

	var env orders.Envelope
	require.NoError(t, json.Unmarshal(msg.value, &env))
	assert.Equal(t, orders.EventStockReconciled, env.EventType)
	assert.Equal(t, "test", env.Producer)
	assert.NotEmpty(t, env.EventID)

	var p orders.StockReconciledPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "admin", p.Source)
	assert.Equal(t, []orders.ProductStock{{ProductID: "bag", Shape: "aggregate", Quantity: 1}}, p.Products)
	assert.Equal(t, []string{"ghost"}, p.Skipped)
}

func TestReconcile_Metrics(t *testing.T) {
	st := newStore()
	st.addOrder("o1", "", "paid", `[{"id":"bag","qty":1}]`)
	st.products["bag"] = product{quantity: 2}
	reg := prometheus.NewRegistry()
	svc := newService(st)
	svc.Metrics = inventory.NewMetrics(reg)

	_, _ = svc.Reconcile(context.Background(), admin("o1"))
	_, _ = svc.Reconcile(context.Background(), admin("o1"))
	_, _ = svc.Reconcile(context.Background(), admin("missing"))

	got := map[string]float64{}
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "stock_reconciliations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" {
					got[l.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, map[string]float64{"reconciled": 1, "already": 1, "not-found": 1}, got)
}
