package lookup_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
	"github.com/manuels/bulletinboard-dht/internal/lookup"
	"github.com/manuels/bulletinboard-dht/internal/wire"
)

func mkID(b byte) kadid.ID {
	var id kadid.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func mkNode(id kadid.ID) wire.Node {
	return wire.Node{ID: id}
}

// TestIteratorConvergence mirrors spec.md §8 scenario 6 exactly.
func TestIteratorConvergence(t *testing.T) {
	target := mkID(0x00)
	far := mkID(0xFF)

	it := lookup.New(target, 2, []wire.Node{mkNode(far)})

	n, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, far, n.ID)

	it.AddNodes([]wire.Node{mkNode(mkID(0x77))})
	n, ok = it.Next()
	require.True(t, ok)
	assert.Equal(t, mkID(0x77), n.ID)

	it.AddNodes([]wire.Node{mkNode(mkID(0x00))})
	n, ok = it.Next()
	require.True(t, ok)
	assert.Equal(t, mkID(0x00), n.ID)
}

func TestNextYieldsEachNodeAtMostOnce(t *testing.T) {
	target := mkID(0x00)
	nodes := []wire.Node{mkNode(mkID(0x01)), mkNode(mkID(0x02)), mkNode(mkID(0x03))}
	it := lookup.New(target, 20, nodes)

	seen := map[kadid.ID]bool{}
	for {
		n, ok := it.Next()
		if !ok {
			break
		}
		require.False(t, seen[n.ID], "node yielded twice: %v", n.ID)
		seen[n.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestNextBlocksUntilContributorEndsOrAdds(t *testing.T) {
	target := mkID(0x00)
	it := lookup.New(target, 20, nil)
	it.BeginContribute()

	done := make(chan struct{})
	go func() {
		n, ok := it.Next()
		if ok {
			assert.Equal(t, mkID(0x05), n.ID)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Next returned before the pending contributor added anything or finished")
	case <-time.After(20 * time.Millisecond):
	}

	it.AddNodes([]wire.Node{mkNode(mkID(0x05))})
	it.EndContribute()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Next never unblocked")
	}
}

func TestNextReturnsTerminalWhenExhausted(t *testing.T) {
	target := mkID(0x00)
	it := lookup.New(target, 20, nil)

	_, ok := it.Next()
	assert.False(t, ok)
}
