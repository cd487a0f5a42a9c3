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

const categoryCancel = "CancelOrder"

// errAlreadyCancelled rolls back the no-op transaction of a repeated cancel.
var errAlreadyCancelled = errors.New("order already cancelled")

type CancelOrderRequest struct {
	OrderID string
	// Reason is free text copied into the audit trail.
	Reason string
}

type CancelOrderResult struct {
	Message string
	Kind    domain.ErrorKind
	// Restored lists the lines whose quantities went back to inventory,
	// ordered by line ID.
	Restored []domain.OrderLine
	Err      error
}

func (r CancelOrderResult) Success() bool { return r.Kind == domain.KindOK }

// CancelOrder is the compensating transaction for CreateOrder. It runs once,
// without retries: either every line is restored and the order is marked
// Cancelled, or nothing changes.
func (s *OrderService) CancelOrder(ctx context.Context, req CancelOrderRequest) CancelOrderResult {
	ctx, span := s.tracer.Start(ctx, "OrderService.CancelOrder", trace.WithAttributes(
		attribute.String("order_id", req.OrderID),
	))
	defer span.End()

	start := time.Now()
	res := s.cancelOrder(ctx, req)
	s.metrics.TxLatencySec.WithLabelValues("cancel").Observe(time.Since(start).Seconds())
	s.metrics.Outcomes.WithLabelValues("cancel", string(res.Kind)).Inc()

	span.SetAttributes(attribute.String("kind", string(res.Kind)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Message)
	}
	return res
}

func (s *OrderService) cancelOrder(ctx context.Context, req CancelOrderRequest) CancelOrderResult {
	var (
		order   *domain.Order
		lines   []domain.OrderLine
		returns []domain.AuditRecord
	)
	err := s.store.InTx(ctx, func(tx port.Tx) error {
		o, err := tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return notFound(err, "order "+req.OrderID)
		}
		order = o

		switch {
		case o.Status == domain.OrderStatusCancelled:
			return errAlreadyCancelled
		case o.Status == domain.OrderStatusDelivered:
			return domain.NewError(domain.KindInvalidState, "cannot cancel a delivered order", nil)
		case !o.Status.CanTransitionTo(domain.OrderStatusCancelled):
			return domain.NewError(domain.KindInvalidState, fmt.Sprintf("cannot cancel an order in status %q", o.Status), nil)
		}

		lines, err = tx.ReadOrderLines(ctx, req.OrderID)
		if err != nil {
			return fmt.Errorf("read order lines: %w", err)
		}

		for _, line := range lines {
			onHand, err := tx.LockInventory(ctx, line.ProductID)
			if err != nil {
				return notFound(err, "inventory for product "+line.ProductID)
			}
			restored := onHand + line.Quantity
			if err := tx.UpdateInventory(ctx, line.ProductID, restored); err != nil {
				return fmt.Errorf("restore inventory for product %s: %w", line.ProductID, err)
			}
			returns = append(returns, domain.InventoryChange{
				ProductID:  line.ProductID,
				ChangeType: domain.ChangeReturn,
				OldQty:     onHand,
				NewQty:     restored,
				OrderID:    req.OrderID,
				Reason:     req.Reason,
			})
		}

		if err := tx.UpdateOrderStatus(ctx, req.OrderID, domain.OrderStatusCancelled); err != nil {
			return fmt.Errorf("mark order cancelled: %w", err)
		}
		return nil
	})

	if errors.Is(err, errAlreadyCancelled) {
		s.log.Warn().Str("order_id", req.OrderID).Str("kind", string(domain.KindAlreadyCancelled)).Msg("order already cancelled")
		s.audit.Emit(domain.SystemEvent{
			Level:    domain.LevelWarning,
			Category: categoryCancel,
			Message:  fmt.Sprintf("order %s already cancelled, nothing restored", req.OrderID),
		})
		return CancelOrderResult{Message: "order already cancelled", Kind: domain.KindAlreadyCancelled}
	}
	if err != nil {
		return s.failCancel(req, order, err)
	}

	quantity := 0
	for _, l := range lines {
		quantity += l.Quantity
	}
	rec := domain.OrderAudit{
		OrderID:    req.OrderID,
		CustomerID: order.CustomerID,
		Action:     domain.ActionCancel,
		Quantity:   quantity,
		Success:    true,
	}
	if len(lines) == 1 {
		rec.ProductID = lines[0].ProductID
	}
	s.audit.Emit(append(returns, rec)...)

	s.log.Info().Str("order_id", req.OrderID).Int("lines", len(lines)).Int("quantity", quantity).Msg("order cancelled")
	return CancelOrderResult{
		Message:  fmt.Sprintf("order %s cancelled", req.OrderID),
		Kind:     domain.KindOK,
		Restored: lines,
	}
}

func (s *OrderService) failCancel(req CancelOrderRequest, order *domain.Order, err error) CancelOrderResult {
	fe := asFulfillmentError(err)
	if fe.Kind == domain.KindConflict {
		fe = domain.NewError(domain.KindConflict, "order or inventory is locked by another transaction, retry the cancellation", err)
	}

	s.log.Error().Err(fe).Str("order_id", req.OrderID).Str("kind", string(fe.Kind)).Msg("cancel order failed")

	rec := domain.OrderAudit{
		OrderID:  req.OrderID,
		Action:   domain.ActionCancel,
		Success:  false,
		ErrorMsg: fe.Error(),
	}
	if order != nil {
		rec.CustomerID = order.CustomerID
	}
	s.audit.Emit(
		domain.SystemEvent{
			Level:    domain.LevelError,
			Category: categoryCancel,
			Message:  fmt.Sprintf("cancel order %s failed: %v", req.OrderID, fe),
		},
		rec,
	)
	return CancelOrderResult{Message: fe.Msg, Kind: fe.Kind, Err: fe}
}
