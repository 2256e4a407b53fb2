package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	kafkax "github.com/rajatrajputdev/megance-inventory/internal/kafka"
	"github.com/rajatrajputdev/megance-inventory/internal/orders"
	"github.com/rajatrajputdev/megance-inventory/internal/stock"
)

// Source is the invocation context of a reconciliation attempt.
type Source string

const (
	SourceTrigger  Source = "trigger"  // order.created consumer, no caller
	SourceCallable Source = "callable" // authenticated customer
	SourceAdmin    Source = "admin"    // admin repair call or operator CLI
)

type Caller struct {
	UserID string
}

type Request struct {
	OrderID string
	Source  Source
	Caller  *Caller
}

type ProductResult struct {
	ProductID string
	Shape     stock.Shape
	Quantity  int
	Applied   int
	Skipped   int
}

type Result struct {
	OrderID  string
	Already  bool
	Products []ProductResult
	Missing  []string // product ids without a record
	Dropped  int      // line items that could not be parsed
}

// Tx is one database transaction. Reads lock the rows they return until the
// transaction ends.
type Tx interface {
	OrderForUpdate(ctx context.Context, orderID string) (*orders.Order, error)
	ProductForUpdate(ctx context.Context, productID string) (stock.Inventory, error)
	SaveProduct(ctx context.Context, productID string, u stock.Update) error
	MarkReconciled(ctx context.Context, orderID string, at time.Time) error
}

// Store runs fn in a single transaction, committing only if fn returns nil.
// Serialization conflicts are retried by the store, so fn may run more than once.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Cache is a best-effort fast path in front of the store. The order's flag in
// the store stays the source of truth.
type Cache interface {
	Reconciled(ctx context.Context, orderID string) bool
	SetReconciled(ctx context.Context, orderID string)
	SeenEvent(ctx context.Context, eventID string) bool
	MarkEvent(ctx context.Context, eventID string)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Service struct {
	Store       Store
	Cache       Cache     // optional
	Publisher   Publisher // optional, receives StockReconciled
	Metrics     *Metrics  // optional
	Tracer      trace.Tracer
	Accepted    orders.StatusSet
	ServiceName string

	// StrictCallableStatus rejects callable requests for orders whose status
	// is not accepted. The trigger and admin paths always proceed.
	StrictCallableStatus bool

	Now func() time.Time
}

// Reconcile applies the order's line items to product stock exactly once.
// Every read and write happens inside one transaction; a second attempt for
// the same order blocks on the order row and then sees the flag already set.
func (s *Service) Reconcile(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := s.tracer().Start(ctx, "inventory.Reconcile", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.String("reconcile.source", string(req.Source)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		s.Metrics.observe(req.Source, res, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(CodeOf(err)))
		}
	}()

	if req.OrderID == "" {
		return Result{}, newError(CodeInvalidArgument, "order id is required", nil)
	}
	if req.Source == SourceCallable && (req.Caller == nil || req.Caller.UserID == "") {
		return Result{}, newError(CodeUnauthenticated, "sign in required", nil)
	}

	// callable requests always go to the store so ownership is checked
	if req.Source != SourceCallable && s.Cache != nil && s.Cache.Reconciled(ctx, req.OrderID) {
		span.AddEvent("reconciled marker hit")
		return Result{OrderID: req.OrderID, Already: true}, nil
	}

	err = s.Store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var terr error
		res, terr = s.reconcileTx(ctx, tx, req)
		return terr
	})
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			err = newError(CodeInternal, "reconcile order "+req.OrderID, err)
		}
		return Result{OrderID: req.OrderID}, err
	}

	if s.Cache != nil {
		s.Cache.SetReconciled(ctx, req.OrderID)
	}
	if res.Already {
		log.Info().Str("order_id", req.OrderID).Str("source", string(req.Source)).Msg("inventory: order already reconciled")
		return res, nil
	}

	span.SetAttributes(attribute.Int("reconcile.products", len(res.Products)))
	s.publishReconciled(ctx, req.Source, res)
	log.Info().
		Str("order_id", req.OrderID).
		Str("source", string(req.Source)).
		Int("products", len(res.Products)).
		Strs("missing_products", res.Missing).
		Int("dropped_items", res.Dropped).
		Msg("inventory: stock reconciled")
	return res, nil
}

func (s *Service) reconcileTx(ctx context.Context, tx Tx, req Request) (Result, error) {
	res := Result{OrderID: req.OrderID}

	o, err := tx.OrderForUpdate(ctx, req.OrderID)
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		return res, newError(CodeNotFound, "order "+req.OrderID+" not found", err)
	case errors.Is(err, orders.ErrInvalidItems):
		return res, newError(CodeInvalidArgument, "order "+req.OrderID+" has unreadable items", err)
	case err != nil:
		return res, fmt.Errorf("load order: %w", err)
	}

	if req.Source == SourceCallable && o.UserID != "" && o.UserID != req.Caller.UserID {
		return res, newError(CodePermissionDenied, "order belongs to another user", nil)
	}
	if o.Reconciled {
		res.Already = true
		return res, nil
	}
	if !s.accepted().Accepts(o.Status) {
		if req.Source == SourceCallable && s.StrictCallableStatus {
			return res, newError(CodeFailedPrecondition, fmt.Sprintf("order status %q is not a completed purchase", o.Status), nil)
		}
		log.Warn().Str("order_id", o.ID).Stringer("status", o.Status).Str("source", string(req.Source)).
			Msg("inventory: unrecognised order status, reconciling anyway")
	}

	groups := stock.Group(o.Items)
	res.Dropped = len(groups.Dropped)
	for _, d := range groups.Dropped {
		log.Warn().Err(d.Err).Str("order_id", o.ID).Int("index", d.Index).Str("item_id", d.ID).
			Msg("inventory: skipping line item")
	}

	now := s.now()
	for _, pid := range groups.ProductIDs() {
		inv, err := tx.ProductForUpdate(ctx, pid)
		if errors.Is(err, orders.ErrProductNotFound) {
			log.Warn().Str("order_id", o.ID).Str("product_id", pid).Msg("inventory: product not found, skipping")
			res.Missing = append(res.Missing, pid)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("load product %s: %w", pid, err)
		}
		for _, a := range inv.Anomalies {
			log.Warn().Str("product_id", pid).Str("shape", string(inv.Shape)).Msg("inventory: " + a)
		}

		u := stock.Apply(inv, groups.Parts(pid), now)
		if err := tx.SaveProduct(ctx, pid, u); err != nil {
			return res, fmt.Errorf("save product %s: %w", pid, err)
		}
		res.Products = append(res.Products, ProductResult{
			ProductID: pid, Shape: u.Shape, Quantity: u.Quantity, Applied: u.Applied, Skipped: u.Skipped,
		})
	}

	if err := tx.MarkReconciled(ctx, o.ID, now); err != nil {
		return res, fmt.Errorf("mark order reconciled: %w", err)
	}
	return res, nil
}

func (s *Service) publishReconciled(ctx context.Context, src Source, res Result) {
	if s.Publisher == nil {
		return
	}
	products := make([]orders.ProductStock, 0, len(res.Products))
	for _, p := range res.Products {
		products = append(products, orders.ProductStock{ProductID: p.ProductID, Shape: string(p.Shape), Quantity: p.Quantity})
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventStockReconciled,
		EventVersion:  1,
		OccurredAt:    s.now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: res.OrderID,
		Payload: kafkax.MustMarshal(orders.StockReconciledPayload{
			OrderID: res.OrderID, Source: string(src), Products: products, Skipped: res.Missing,
		}),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}
	headers := []kafkago.Header{
		{Key: "x-event-type", Value: []byte(orders.EventStockReconciled)},
		{Key: "x-event-version", Value: []byte("1")},
	}
	headers = append(headers, kafkax.InjectTrace(ctx)...)
	s.Publisher.Publish(orders.PartitionKey(res.OrderID), kafkax.MustMarshal(ev), headers...)
}

func (s *Service) accepted() orders.StatusSet {
	if s.Accepted == nil {
		return orders.NewStatusSet(orders.DefaultAcceptedStatuses...)
	}
	return s.Accepted
}

func (s *Service) tracer() trace.Tracer {
	if s.Tracer == nil {
		return otel.Tracer("inventory")
	}
	return s.Tracer
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}
