package ipc_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manuels/bulletinboard-dht/internal/dht"
	"github.com/manuels/bulletinboard-dht/internal/ipc"
	"github.com/manuels/bulletinboard-dht/internal/wire"
)

func TestDeriveKeyIsDeterministicAndSensitiveToBothInputs(t *testing.T) {
	k1 := ipc.DeriveKey([]byte("app"), []byte("user"))
	k2 := ipc.DeriveKey([]byte("app"), []byte("user"))
	assert.Equal(t, k1, k2)

	k3 := ipc.DeriveKey([]byte("app"), []byte("other-user"))
	assert.NotEqual(t, k1, k3)

	k4 := ipc.DeriveKey([]byte("other-app"), []byte("user"))
	assert.NotEqual(t, k1, k4)
}

func TestPutGetRoundTripsOverUnixSocket(t *testing.T) {
	wire.SetAllowNonGlobal(true)
	defer wire.SetAllowNonGlobal(false)

	log := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Put never stores a copy on the local node, so the value needs a
	// second node to live on.
	supernode, err := dht.New(log, dht.Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer func() { _ = supernode.Close() }()
	go func() { _ = supernode.Run(ctx) }()

	engine, err := dht.New(log, dht.Config{
		ListenAddr:     "127.0.0.1:0",
		BootstrapAddrs: []string{supernode.LocalAddr().String()},
	})
	require.NoError(t, err)
	defer func() { _ = engine.Close() }()
	go func() { _ = engine.Run(ctx) }()
	require.NoError(t, engine.Bootstrap(ctx))

	sockPath := filepath.Join(t.TempDir(), "dhtnode.sock")
	server, err := ipc.Listen(log, sockPath, engine)
	require.NoError(t, err)
	defer func() { _ = server.Close() }()

	client, err := ipc.Dial(sockPath)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	appID := []byte("bulletinboard")
	userKey := []byte("alice")

	require.NoError(t, client.Put(appID, userKey, []byte("hello"), 0))

	require.Eventually(t, func() bool {
		values, err := client.Get(appID, userKey)
		if err != nil || len(values) == 0 {
			return false
		}
		return string(values[0]) == "hello"
	}, 5*time.Second, 50*time.Millisecond)
}
