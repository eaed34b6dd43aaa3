package gateway

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// startGrpcPair starts a broker served over an in-memory grpc connection and returns a client to it.
func startGrpcPair(t *testing.T, cfg BrokerConfig) (*Broker, *GrpcServer, *GrpcClient) {
	t.Helper()

	b := startTestBroker(t, cfg)

	lis := bufconn.Listen(1 << 20)
	srv := NewGrpcServer(b, "bufconn", "")
	srv.Listener = lis
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.CtxStop("test complete", nil)
		srv.CtxWait()
	})

	client, err := DialGrpc(context.Background(), "passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return b, srv, client
}

func TestGrpcPublishAndFetch(t *testing.T) {
	_, _, client := startGrpcPair(t, BrokerConfig{})
	ctx := context.Background()

	seqs := publishN(t, client, 4)
	require.Equal(t, []uint64{1, 2, 3, 4}, seqs)

	st, err := client.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, Status{Head: 1, Tail: 4}, st)

	s, err := client.GetSlab(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), s.Seq)
	require.Equal(t, []byte("slab #2"), s.Payload)

	_, err = client.GetSlab(ctx, 99)
	require.True(t, IsError(err, ErrCode_SlabNotFound), "got %v", err)
}

func TestGrpcSubscribe(t *testing.T) {
	b, _, client := startGrpcPair(t, BrokerConfig{})
	publishN(t, b, 10)

	sub, err := client.Subscribe(context.Background(), 4)
	require.NoError(t, err)

	requireSeqs(t, readN(t, sub, 6), 5, 10)

	publishN(t, client, 2)
	requireSeqs(t, readN(t, sub, 2), 11, 12)

	sub.Close()
	require.NoError(t, sub.Err())
}

func TestGrpcSubscribeErrors(t *testing.T) {
	b, _, client := startGrpcPair(t, BrokerConfig{RetainSlabs: 100})
	publishN(t, b, 250)

	_, err := client.Subscribe(context.Background(), 100)
	require.True(t, IsError(err, ErrCode_SnapshotRequired), "got %v", err)
	require.True(t, IsFatal(err))

	_, err = client.Subscribe(context.Background(), 251)
	require.True(t, IsError(err, ErrCode_InvalidCursor), "got %v", err)
}

func TestGrpcSubEndsOnServerStop(t *testing.T) {
	_, srv, client := startGrpcPair(t, BrokerConfig{})

	sub, err := client.Subscribe(context.Background(), 0)
	require.NoError(t, err)

	srv.CtxStop("test", nil)
	srv.CtxWait()

	for range sub.Outbox() {
	}
	require.True(t, IsError(sub.Err(), ErrCode_TransportFailed), "got %v", sub.Err())
	require.False(t, IsFatal(sub.Err()))

	_, err = client.Publish(context.Background(), []byte("no one home"))
	require.True(t, IsError(err, ErrCode_TransportFailed), "got %v", err)
}
