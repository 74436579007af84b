package rpc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
	"github.com/manuels/bulletinboard-dht/internal/rpc"
	"github.com/manuels/bulletinboard-dht/internal/wire"
)

func newMux(t *testing.T) (*rpc.Mux, *wire.Transport) {
	t.Helper()
	tr, err := wire.Bind(zaptest.NewLogger(t), "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return rpc.New(zaptest.NewLogger(t), tr), tr
}

func TestSendRequestDeliversTimeoutWithoutAResponse(t *testing.T) {
	wire.SetAllowNonGlobal(true)
	defer wire.SetAllowNonGlobal(false)

	mux, tr := newMux(t)
	defer mux.Close()

	ctx := context.Background()
	cookie := kadid.MustRandom()
	ch := mux.SendRequest(ctx, tr.LocalAddr(), wire.Message{Kind: wire.KindPing, Cookie: cookie}, 30*time.Millisecond)

	// Ping never gets a matching Pong back because nothing replies to it
	// in this test, so the request must time out.
	select {
	case resp := <-ch:
		require.Equal(t, wire.KindTimeout, resp.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a Timeout within the deadline")
	}
}

func TestPingPongRoundTrip(t *testing.T) {
	wire.SetAllowNonGlobal(true)
	defer wire.SetAllowNonGlobal(false)

	server, serverTr := newMux(t)
	defer server.Close()
	client, _ := newMux(t)
	defer client.Close()

	go func() {
		in := <-server.Inbound()
		require.Equal(t, wire.KindPing, in.Msg.Kind)
		server.SendResponse(context.Background(), in.From, wire.Message{
			Kind: wire.KindPong, Cookie: in.Msg.Cookie,
		})
	}()

	cookie := kadid.MustRandom()
	ch := client.SendRequest(context.Background(), serverTr.LocalAddr(), wire.Message{
		Kind: wire.KindPing, Cookie: cookie,
	}, time.Second)

	select {
	case resp := <-ch:
		require.Equal(t, wire.KindPong, resp.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a Pong")
	}
}
