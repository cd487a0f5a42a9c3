package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

const categoryCreate = "CreateOrder"

type CreateOrderRequest struct {
	CustomerID string
	ProductID  string
	// Quantity must be positive. Transports pass zero for a missing or
	// malformed value.
	Quantity int
}

type CreateOrderResult struct {
	// OrderID is empty unless Kind is OK.
	OrderID string
	Message string
	Kind    domain.ErrorKind
	// Attempts is the number of transactions opened.
	Attempts int
	// Available is the stock seen under lock when Kind is InsufficientStock.
	Available int
	Err       error
}

func (r CreateOrderResult) Success() bool { return r.Kind == domain.KindOK }

// sale is what a committed CreateOrder attempt changed.
type sale struct {
	order  domain.Order
	line   domain.OrderLine
	oldQty int
	newQty int
}

// CreateOrder places a single-line order for req.Quantity units of
// req.ProductID. Each attempt is one transaction; attempts aborted by a
// transient lock conflict are retried with identical inputs up to
// MaxRetries times. Every other failure is final.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) CreateOrderResult {
	ctx, span := s.tracer.Start(ctx, "OrderService.CreateOrder", trace.WithAttributes(
		attribute.String("customer_id", req.CustomerID),
		attribute.String("product_id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	))
	defer span.End()

	start := time.Now()
	res := s.createOrder(ctx, req)
	s.metrics.TxLatencySec.WithLabelValues("create").Observe(time.Since(start).Seconds())
	s.metrics.Outcomes.WithLabelValues("create", string(res.Kind)).Inc()

	span.SetAttributes(attribute.String("kind", string(res.Kind)), attribute.Int("attempts", res.Attempts))
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Message)
	}
	return res
}

func (s *OrderService) createOrder(ctx context.Context, req CreateOrderRequest) CreateOrderResult {
	log := s.log.With().
		Str("customer_id", req.CustomerID).
		Str("product_id", req.ProductID).
		Int("quantity", req.Quantity).
		Logger()

	if req.Quantity <= 0 {
		return s.failCreate(req, 0, domain.NewError(domain.KindInvalidArgument,
			fmt.Sprintf("quantity must be a positive integer, got %d", req.Quantity), nil))
	}

	attempts := s.policy.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := s.policy.wait(ctx, attempt-1); err != nil {
				return s.failCreate(req, attempt-1, domain.NewError(domain.KindRetriesExhausted,
					fmt.Sprintf("stopped retrying after %d attempts", attempt-1), errors.Join(lastErr, err)))
			}
		}

		sold, err := s.createAttempt(ctx, req, attempt)
		res := classify(err)
		s.metrics.Attempts.WithLabelValues(res.outcome.String()).Inc()

		switch res.outcome {
		case outcomeSuccess:
			log.Info().Str("order_id", sold.order.ID).Int("attempt", attempt).Msg("order created")
			s.audit.Emit(
				domain.OrderAudit{
					OrderID:    sold.order.ID,
					CustomerID: req.CustomerID,
					ProductID:  req.ProductID,
					Action:     domain.ActionCreate,
					Quantity:   req.Quantity,
					Success:    true,
				},
				domain.InventoryChange{
					ProductID:  req.ProductID,
					ChangeType: domain.ChangeSale,
					OldQty:     sold.oldQty,
					NewQty:     sold.newQty,
					OrderID:    sold.order.ID,
				},
			)
			return CreateOrderResult{
				OrderID:  sold.order.ID,
				Message:  fmt.Sprintf("order %s created", sold.order.ID),
				Kind:     domain.KindOK,
				Attempts: attempt,
			}

		case outcomeRetryable:
			lastErr = res.err
			s.metrics.Conflicts.Inc()
			log.Warn().Err(res.err).Int("attempt", attempt).Str("kind", string(domain.KindConflict)).Msg("attempt aborted on lock conflict")
			s.audit.Emit(domain.SystemEvent{
				Level:    domain.LevelWarning,
				Category: categoryCreate,
				Message: fmt.Sprintf("attempt %d of %d for customer %s product %s aborted on lock conflict: %v",
					attempt, attempts, req.CustomerID, req.ProductID, res.err),
			})

		default:
			return s.failCreate(req, attempt, res.err)
		}
	}

	return s.failCreate(req, attempts, domain.NewError(domain.KindRetriesExhausted,
		fmt.Sprintf("lock conflict persisted through %d attempts", attempts), lastErr))
}

func (s *OrderService) createAttempt(ctx context.Context, req CreateOrderRequest, attempt int) (sale, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.CreateOrder.attempt", trace.WithAttributes(attribute.Int("attempt", attempt)))
	defer span.End()

	var sold sale
	err := s.store.InTx(ctx, func(tx port.Tx) error {
		ok, err := tx.CustomerExists(ctx, req.CustomerID)
		if err != nil {
			return fmt.Errorf("check customer: %w", err)
		}
		if !ok {
			return domain.NewError(domain.KindNotFound, fmt.Sprintf("customer %s not found", req.CustomerID), domain.ErrNotFound)
		}

		product, err := tx.LockProduct(ctx, req.ProductID)
		if err != nil {
			return notFound(err, "product "+req.ProductID)
		}
		onHand, err := tx.LockInventory(ctx, req.ProductID)
		if err != nil {
			return notFound(err, "inventory for product "+req.ProductID)
		}

		if onHand < req.Quantity {
			fe := domain.NewError(domain.KindInsufficientStock,
				fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", req.ProductID, req.Quantity, onHand), nil)
			fe.Available = onHand
			return fe
		}

		line := domain.OrderLine{
			ProductID:       product.ID,
			Quantity:        req.Quantity,
			PriceAtPurchase: product.Price,
		}
		order := domain.Order{
			ID:          s.newID(),
			CustomerID:  req.CustomerID,
			OrderDate:   s.now(),
			TotalAmount: domain.OrderTotal([]domain.OrderLine{line}),
			Status:      domain.OrderStatusPending,
		}
		line.OrderID = order.ID

		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if line.ID, err = tx.CreateOrderLine(ctx, line); err != nil {
			return fmt.Errorf("insert order line: %w", err)
		}

		want := onHand - req.Quantity
		if err := tx.UpdateInventory(ctx, req.ProductID, want); err != nil {
			return fmt.Errorf("decrement inventory: %w", err)
		}
		got, err := tx.ReadInventory(ctx, req.ProductID)
		if err != nil {
			return fmt.Errorf("re-read inventory: %w", err)
		}
		if got != want {
			return domain.NewError(domain.KindInvariantViolation,
				fmt.Sprintf("inventory for product %s is %d after decrement, expected %d", req.ProductID, got, want), nil)
		}

		sold = sale{order: order, line: line, oldQty: onHand, newQty: want}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return sale{}, err
	}
	return sold, nil
}

func (s *OrderService) failCreate(req CreateOrderRequest, attempts int, err error) CreateOrderResult {
	fe := asFulfillmentError(err)

	s.log.Warn().Err(fe).
		Str("customer_id", req.CustomerID).
		Str("product_id", req.ProductID).
		Int("attempts", attempts).
		Str("kind", string(fe.Kind)).
		Msg("create order failed")

	var records []domain.AuditRecord
	if systemFailure(fe.Kind) {
		records = append(records, domain.SystemEvent{
			Level:    domain.LevelError,
			Category: categoryCreate,
			Message:  fmt.Sprintf("create order for customer %s product %s failed: %v", req.CustomerID, req.ProductID, fe),
		})
	}
	records = append(records, domain.OrderAudit{
		CustomerID: req.CustomerID,
		ProductID:  req.ProductID,
		Action:     domain.ActionCreate,
		Quantity:   req.Quantity,
		Success:    false,
		ErrorMsg:   fe.Error(),
	})
	s.audit.Emit(records...)

	return CreateOrderResult{
		Message:   fe.Msg,
		Kind:      fe.Kind,
		Attempts:  attempts,
		Available: fe.Available,
		Err:       fe,
	}
}

// notFound classifies a missing record as NotFound and wraps anything else.
func notFound(err error, what string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewError(domain.KindNotFound, what+" not found", err)
	}
	return fmt.Errorf("lock %s: %w", what, err)
}

func asFulfillmentError(err error) *domain.FulfillmentError {
	var fe *domain.FulfillmentError
	if errors.As(err, &fe) {
		return fe
	}
	switch domain.KindOf(err) {
	case domain.KindConflict:
		return domain.NewError(domain.KindConflict, "lock conflict", err)
	case domain.KindNotFound:
		return domain.NewError(domain.KindNotFound, "record not found", err)
	}
	return domain.NewError(domain.KindStorage, "storage failure", err)
}

// systemFailure reports kinds that also get an ERROR system event.
func systemFailure(k domain.ErrorKind) bool {
	switch k {
	case domain.KindStorage, domain.KindInvariantViolation, domain.KindRetriesExhausted, domain.KindConflict:
		return true
	}
	return false
}
