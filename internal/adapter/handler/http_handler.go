package handler

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/core/service"
)

// OrderFulfiller is the engine surface the transports call.
type OrderFulfiller interface {
	CreateOrder(ctx context.Context, req service.CreateOrderRequest) service.CreateOrderResult
	CancelOrder(ctx context.Context, req service.CancelOrderRequest) service.CancelOrderResult
}

type HTTPHandler struct {
	orders OrderFulfiller
	log    zerolog.Logger
}

type CreateOrderHTTPRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	ProductID  string `json:"product_id" binding:"required"`
	// Quantity is a pointer so an absent or null value reaches the engine
	// as zero and is rejected there, like a fractional one.
	Quantity *float64 `json:"quantity"`
}

type CancelOrderHTTPRequest struct {
	Reason string `json:"reason"`
}

type OrderHTTPResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	OrderID   string `json:"order_id,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Available *int   `json:"available,omitempty"`
	Restored  int    `json:"restored,omitempty"`
}

func NewHTTPHandler(orders OrderFulfiller, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{orders: orders, log: log.With().Str("component", "http").Logger()}
}

func (h *HTTPHandler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)
	r.POST("/api/orders", h.CreateOrder)
	r.POST("/api/orders/:id/cancel", h.CancelOrder)
}

func (h *HTTPHandler) CreateOrder(c *gin.Context) {
	var req CreateOrderHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, OrderHTTPResponse{
			Message: "invalid request body: " + err.Error(),
			Kind:    string(domain.KindInvalidArgument),
		})
		return
	}

	qty := 0
	if req.Quantity != nil {
		qty = quantityOf(*req.Quantity)
	}
	res := h.orders.CreateOrder(c.Request.Context(), service.CreateOrderRequest{
		CustomerID: req.CustomerID,
		ProductID:  req.ProductID,
		Quantity:   qty,
	})

	resp := OrderHTTPResponse{
		Success:  res.Success(),
		Message:  res.Message,
		Kind:     string(res.Kind),
		OrderID:  res.OrderID,
		Attempts: res.Attempts,
	}
	if res.Kind == domain.KindInsufficientStock {
		available := res.Available
		resp.Available = &available
	}
	c.JSON(StatusFor(res.Kind), resp)
}

func (h *HTTPHandler) CancelOrder(c *gin.Context) {
	var req CancelOrderHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, OrderHTTPResponse{
			Message: "invalid request body: " + err.Error(),
			Kind:    string(domain.KindInvalidArgument),
		})
		return
	}

	res := h.orders.CancelOrder(c.Request.Context(), service.CancelOrderRequest{
		OrderID: c.Param("id"),
		Reason:  req.Reason,
	})

	restored := 0
	for _, l := range res.Restored {
		restored += l.Quantity
	}
	status := StatusFor(res.Kind)
	if res.Kind == domain.KindOK {
		status = http.StatusOK
	}
	c.JSON(status, OrderHTTPResponse{
		Success:  !res.Kind.IsError(),
		Message:  res.Message,
		Kind:     string(res.Kind),
		OrderID:  c.Param("id"),
		Restored: restored,
	})
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// quantityOf converts a JSON number to an order quantity. Values that are
// not whole numbers or do not fit in an int32 become 0, which the engine
// rejects as InvalidArgument.
func quantityOf(n float64) int {
	if n != math.Trunc(n) || n > math.MaxInt32 || n < math.MinInt32 {
		return 0
	}
	return int(n)
}

// StatusFor maps an engine outcome onto an HTTP status.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindOK:
		return http.StatusCreated
	case domain.KindAlreadyCancelled:
		return http.StatusOK
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInsufficientStock, domain.KindConflict, domain.KindInvalidState:
		return http.StatusConflict
	case domain.KindRetriesExhausted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// RequestLogger logs one line per request in the handler's logger.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}
