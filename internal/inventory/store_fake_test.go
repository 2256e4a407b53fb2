package inventory_test

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/rajatrajputdev/megance-inventory/internal/inventory"
	"github.com/rajatrajputdev/megance-inventory/internal/orders"
	"github.com/rajatrajputdev/megance-inventory/internal/stock"
)

type product struct {
	quantity       int
	sizeQuantities string
	sizes          string
}

// memStore serializes transactions and commits a working copy only when fn
// succeeds, which is the guarantee the Postgres row locks give.
type memStore struct {
	mu       sync.Mutex
	orders   map[string]orders.Order
	products map[string]product

	txs     int
	saveErr error // returned by SaveProduct when set
}

func newStore() *memStore {
	return &memStore{orders: map[string]orders.Order{}, products: map[string]product{}}
}

func (m *memStore) addOrder(id, userID, status, items string) {
	its, err := orders.DecodeItems([]byte(items))
	if err != nil {
		panic(err)
	}
	m.orders[id] = orders.Order{ID: id, UserID: userID, Status: orders.Status(status), Items: its}
}

func (m *memStore) order(id string) orders.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *memStore) product(id string) product {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id]
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs++
	tx := &memTx{store: m, orders: maps.Clone(m.orders), products: maps.Clone(m.products)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.orders, m.products = tx.orders, tx.products
	return nil
}

type memTx struct {
	store    *memStore
	orders   map[string]orders.Order
	products map[string]product
}

func (t *memTx) OrderForUpdate(_ context.Context, id string) (*orders.Order, error) {
	o, ok := t.orders[id]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	return &o, nil
}

func (t *memTx) ProductForUpdate(_ context.Context, id string) (stock.Inventory, error) {
	p, ok := t.products[id]
	if !ok {
		return stock.Inventory{}, orders.ErrProductNotFound
	}
	return stock.Classify(p.quantity, raw(p.sizeQuantities), raw(p.sizes))
}

func (t *memTx) SaveProduct(_ context.Context, id string, u stock.Update) error {
	if t.store.saveErr != nil {
		return t.store.saveErr
	}
	p := t.products[id]
	p.quantity = u.Quantity
	if u.Field != stock.FieldNone {
		_, b, err := u.Inventory.Encode()
		if err != nil {
			return err
		}
		if u.Field == stock.FieldSizeQuantities {
			p.sizeQuantities = string(b)
		} else {
			p.sizes = string(b)
		}
	}
	t.products[id] = p
	return nil
}

func (t *memTx) MarkReconciled(_ context.Context, id string, at time.Time) error {
	o, ok := t.orders[id]
	if !ok {
		return orders.ErrOrderNotFound
	}
	if o.Reconciled {
		return errors.New("already reconciled")
	}
	o.Reconciled, o.ReconciledAt = true, &at
	t.orders[id] = o
	return nil
}

func raw(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

type memCache struct {
	mu         sync.Mutex
	reconciled map[string]bool
	events     map[string]bool
}

func newCache() *memCache {
	return &memCache{reconciled: map[string]bool{}, events: map[string]bool{}}
}

func (c *memCache) Reconciled(_ context.Context, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciled[id]
}

func (c *memCache) SetReconciled(_ context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconciled[id] = true
}

func (c *memCache) SeenEvent(_ context.Context, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[id]
}

func (c *memCache) MarkEvent(_ context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[id] = true
}

type published struct {
	key, value []byte
	headers    []kafkago.Header
}

type memPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *memPublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{key, value, headers})
}
