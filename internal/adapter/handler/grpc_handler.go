package handler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/core/service"
)

const (
	grpcServiceName   = "fulfillment.OrderService"
	createOrderMethod = "/" + grpcServiceName + "/CreateOrder"
	cancelOrderMethod = "/" + grpcServiceName + "/CancelOrder"
)

// OrderServiceServer is the gRPC surface. Messages are google.protobuf.Struct
// so no generated stubs are needed.
type OrderServiceServer interface {
	CreateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var orderServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateOrder", Handler: createOrderHandler},
		{MethodName: "CancelOrder", Handler: cancelOrderHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fulfillment.proto",
}

func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&orderServiceDesc, srv)
}

func createOrderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).CreateOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: createOrderMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OrderServiceServer).CreateOrder(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelOrderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).CancelOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: cancelOrderMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OrderServiceServer).CancelOrder(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCHandler reports engine outcomes in the response body; only malformed
// requests fail at the RPC level.
type GRPCHandler struct {
	orders OrderFulfiller
	log    zerolog.Logger
}

func NewGRPCHandler(orders OrderFulfiller, log zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{orders: orders, log: log.With().Str("component", "grpc").Logger()}
}

func (h *GRPCHandler) CreateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	customerID, err := stringField(req, "customer_id")
	if err != nil {
		return nil, err
	}
	productID, err := stringField(req, "product_id")
	if err != nil {
		return nil, err
	}
	qty, err := quantityField(req, "quantity")
	if err != nil {
		return nil, err
	}

	res := h.orders.CreateOrder(ctx, service.CreateOrderRequest{CustomerID: customerID, ProductID: productID, Quantity: qty})
	out := map[string]interface{}{
		"success":  res.Success(),
		"message":  res.Message,
		"kind":     string(res.Kind),
		"attempts": res.Attempts,
	}
	if res.OrderID != "" {
		out["order_id"] = res.OrderID
	}
	if res.Kind == domain.KindInsufficientStock {
		out["available"] = res.Available
	}
	return newStruct(out)
}

func (h *GRPCHandler) CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID, err := stringField(req, "order_id")
	if err != nil {
		return nil, err
	}
	if orderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	reason, err := stringField(req, "reason")
	if err != nil {
		return nil, err
	}

	res := h.orders.CancelOrder(ctx, service.CancelOrderRequest{OrderID: orderID, Reason: reason})
	restored := 0
	for _, l := range res.Restored {
		restored += l.Quantity
	}
	return newStruct(map[string]interface{}{
		"success":  !res.Kind.IsError(),
		"message":  res.Message,
		"kind":     string(res.Kind),
		"restored": restored,
	})
}

func newStruct(m map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// stringField returns "" for an absent or null field.
func stringField(req *structpb.Struct, key string) (string, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return "", nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_NullValue:
		return "", nil
	}
	return "", status.Errorf(codes.InvalidArgument, "%s must be a string", key)
}

// quantityField returns 0 for an absent or null field and for numbers that
// are not valid quantities, leaving the engine to reject them.
func quantityField(req *structpb.Struct, key string) (int, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return quantityOf(k.NumberValue), nil
	case *structpb.Value_NullValue:
		return 0, nil
	}
	return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", key)
}

// GRPCClient calls OrderService over a client connection.
type GRPCClient struct {
	cc grpc.ClientConnInterface
}

func NewGRPCClient(cc grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{cc: cc}
}

func (c *GRPCClient) CreateOrder(ctx context.Context, customerID, productID string, quantity int) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]interface{}{
		"customer_id": customerID,
		"product_id":  productID,
		"quantity":    quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, createOrderMethod, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) CancelOrder(ctx context.Context, orderID, reason string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]interface{}{
		"order_id": orderID,
		"reason":   reason,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, cancelOrderMethod, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
