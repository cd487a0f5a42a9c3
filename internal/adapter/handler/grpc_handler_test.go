package handler

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

func startGRPC(t *testing.T, stock int) (*GRPCClient, *grpc.ClientConn, *auditRecorder) {
	t.Helper()
	svc, _, audits := newTestService(t, stock)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterOrderServiceServer(srv, NewGRPCHandler(svc, zerolog.Nop()))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewGRPCClient(conn), conn, audits
}

func TestGRPC_CreateAndCancel(t *testing.T) {
	client, _, _ := startGRPC(t, 3)
	ctx := context.Background()

	out, err := client.CreateOrder(ctx, "c-1", "p-1", 2)
	require.NoError(t, err)
	fields := out.GetFields()
	assert.True(t, fields["success"].GetBoolValue())
	assert.Equal(t, string(domain.KindOK), fields["kind"].GetStringValue())
	orderID := fields["order_id"].GetStringValue()
	require.NotEmpty(t, orderID)

	out, err = client.CancelOrder(ctx, orderID, "test")
	require.NoError(t, err)
	assert.True(t, out.GetFields()["success"].GetBoolValue())
	assert.Equal(t, 2.0, out.GetFields()["restored"].GetNumberValue())

	out, err = client.CancelOrder(ctx, orderID, "again")
	require.NoError(t, err)
	assert.Equal(t, string(domain.KindAlreadyCancelled), out.GetFields()["kind"].GetStringValue())
}

func TestGRPC_BusinessFailuresAreNotRPCErrors(t *testing.T) {
	client, _, _ := startGRPC(t, 1)
	ctx := context.Background()

	out, err := client.CreateOrder(ctx, "c-1", "p-1", 5)
	require.NoError(t, err)
	assert.False(t, out.GetFields()["success"].GetBoolValue())
	assert.Equal(t, string(domain.KindInsufficientStock), out.GetFields()["kind"].GetStringValue())
	assert.Equal(t, 1.0, out.GetFields()["available"].GetNumberValue())

	out, err = client.CreateOrder(ctx, "c-1", "p-1", 0)
	require.NoError(t, err)
	assert.Equal(t, string(domain.KindInvalidArgument), out.GetFields()["kind"].GetStringValue())
}

func TestGRPC_InvalidQuantityReachesEngine(t *testing.T) {
	for _, qty := range []interface{}{1.5, 1e12, -1e12, nil} {
		_, conn, audits := startGRPC(t, 1)
		in, err := structpb.NewStruct(map[string]interface{}{"customer_id": "c-1", "product_id": "p-1", "quantity": qty})
		require.NoError(t, err)

		out := new(structpb.Struct)
		require.NoError(t, conn.Invoke(context.Background(), createOrderMethod, in, out), "quantity %v", qty)
		assert.False(t, out.GetFields()["success"].GetBoolValue())
		assert.Equal(t, string(domain.KindInvalidArgument), out.GetFields()["kind"].GetStringValue(), "quantity %v", qty)
		assert.Len(t, audits.failedCreates(), 1, "quantity %v", qty)
	}
}

func TestGRPC_MalformedRequest(t *testing.T) {
	_, conn, _ := startGRPC(t, 1)
	ctx := context.Background()

	in, err := structpb.NewStruct(map[string]interface{}{"customer_id": "c-1", "product_id": "p-1", "quantity": "two"})
	require.NoError(t, err)
	err = conn.Invoke(ctx, createOrderMethod, in, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	in, err = structpb.NewStruct(map[string]interface{}{"reason": "no id"})
	require.NoError(t, err)
	err = conn.Invoke(ctx, cancelOrderMethod, in, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
