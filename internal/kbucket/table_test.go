package kbucket_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
	"github.com/manuels/bulletinboard-dht/internal/kbucket"
	"github.com/manuels/bulletinboard-dht/internal/wire"
)

func mkID(b byte) kadid.ID {
	var id kadid.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func mkNode(id kadid.ID, port int) wire.Node {
	return wire.Node{ID: id, Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}}
}

func alwaysOnline(ctx context.Context, n wire.Node) bool { return true }
func alwaysOffline(ctx context.Context, n wire.Node) bool { return false }

func TestAddRejectsLocalID(t *testing.T) {
	local := mkID(0x00)
	tbl := kbucket.New(zaptest.NewLogger(t), local, alwaysOnline, 3)

	ok, idx := tbl.Add(mkNode(local, 1))
	assert.False(t, ok)
	assert.Equal(t, -1, idx)
}

func TestAddFillsBucketThenRejects(t *testing.T) {
	local := mkID(0x00)
	tbl := kbucket.New(zaptest.NewLogger(t), local, alwaysOnline, 3)

	// All of these land in the same bucket (top bit set, nothing else),
	// since only byte 0's high bit differs from local.
	for i := 0; i < kbucket.K; i++ {
		id := mkID(0x00)
		id[0] = 0x80
		id[19] = byte(i + 1)
		ok, _ := tbl.Add(mkNode(id, 1000+i))
		require.True(t, ok, "bucket should have room for peer %d", i)
	}

	overflow := mkID(0x00)
	overflow[0] = 0x80
	overflow[19] = 0xFF
	ok, idx := tbl.Add(mkNode(overflow, 9999))
	assert.False(t, ok)
	assert.GreaterOrEqual(t, idx, 0)
}

func TestPingOrReplaceWithEvictsOnTimeout(t *testing.T) {
	local := mkID(0x00)
	tbl := kbucket.New(zaptest.NewLogger(t), local, alwaysOffline, 3)

	for i := 0; i < kbucket.K; i++ {
		id := mkID(0x00)
		id[0] = 0x80
		id[19] = byte(i + 1)
		ok, _ := tbl.Add(mkNode(id, 1000+i))
		require.True(t, ok)
	}

	newPeer := mkID(0x00)
	newPeer[0] = 0x80
	newPeer[19] = 0xAA
	ok, idx := tbl.Add(mkNode(newPeer, 2000))
	require.False(t, ok)

	tbl.PingOrReplaceWith(context.Background(), idx, mkNode(newPeer, 2000))

	closest := tbl.GetClosestNodes(local, kbucket.K)
	found := false
	for _, n := range closest {
		if n.ID == newPeer {
			found = true
		}
	}
	assert.True(t, found, "new peer should have replaced a timed-out stale peer")
}

func TestPingOrReplaceWithDropsNewPeerWhenAllOnline(t *testing.T) {
	local := mkID(0x00)
	tbl := kbucket.New(zaptest.NewLogger(t), local, alwaysOnline, 3)

	for i := 0; i < kbucket.K; i++ {
		id := mkID(0x00)
		id[0] = 0x80
		id[19] = byte(i + 1)
		ok, _ := tbl.Add(mkNode(id, 1000+i))
		require.True(t, ok)
	}

	newPeer := mkID(0x00)
	newPeer[0] = 0x80
	newPeer[19] = 0xAA
	ok, idx := tbl.Add(mkNode(newPeer, 2000))
	require.False(t, ok)

	tbl.PingOrReplaceWith(context.Background(), idx, mkNode(newPeer, 2000))

	closest := tbl.GetClosestNodes(local, kbucket.K)
	for _, n := range closest {
		assert.NotEqual(t, newPeer, n.ID)
	}
}

func TestGetClosestNodesIsAscendingByDistance(t *testing.T) {
	local := mkID(0x00)
	tbl := kbucket.New(zaptest.NewLogger(t), local, alwaysOnline, 3)

	far := mkID(0xFF)
	near := mkID(0x01)
	mid := mkID(0x77)
	for _, id := range []kadid.ID{far, near, mid} {
		id := id
		id[0] = 0x01 // keep out of local's own bucket edge cases
		tbl.Add(mkNode(id, 1))
	}

	got := tbl.GetClosestNodes(local, 10)
	for i := 1; i < len(got); i++ {
		d1 := kadid.Xor(local, got[i-1].ID)
		d2 := kadid.Xor(local, got[i].ID)
		assert.False(t, kadid.Less(d2, d1), "expected non-decreasing distance")
	}
}
