package kadid_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
)

func id(b byte) kadid.ID {
	var out kadid.ID
	for i := range out {
		out[i] = b
	}
	return out
}

func TestXorIdentityAndSymmetry(t *testing.T) {
	a := id(0x12)
	b := id(0x34)

	assert.Equal(t, kadid.Zero, kadid.Xor(a, a), "d(a,a)=0")
	assert.Equal(t, kadid.Xor(a, b), kadid.Xor(b, a), "d(a,b)=d(b,a)")
}

func TestBucketIndexMatchesHighestBit(t *testing.T) {
	cases := []struct {
		name  string
		local kadid.ID
		peer  kadid.ID
		want  int
	}{
		{"same id refused", id(0x00), id(0x00), -1},
		{"differ in last bit", id(0x00), func() kadid.ID { p := id(0x00); p[19] = 0x01; return p }(), 0},
		{"differ in top bit", func() kadid.ID { z := id(0x00); return z }(), func() kadid.ID { p := id(0x00); p[0] = 0x80; return p }(), 159},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			got := kadid.BucketIndex(c.local, c.peer)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestByDistanceSortIsAscending(t *testing.T) {
	target := id(0x00)
	ids := []kadid.ID{id(0xFF), id(0x77), id(0x01)}

	sort.Sort(kadid.ByDistance{Target: target, IDs: ids})

	require.Len(t, ids, 3)
	assert.True(t, kadid.Less(kadid.Xor(target, ids[0]), kadid.Xor(target, ids[1])) || ids[0] == ids[1])
	assert.True(t, kadid.Less(kadid.Xor(target, ids[1]), kadid.Xor(target, ids[2])) || ids[1] == ids[2])
	assert.Equal(t, id(0x01), ids[0])
}

func TestDescendingSortThenPopYieldsAscendingClosest(t *testing.T) {
	target := id(0x00)
	ids := []kadid.ID{id(0x01), id(0x77), id(0xFF)}

	// sort descending by distance...
	sort.Sort(sort.Reverse(kadid.ByDistance{Target: target, IDs: ids}))
	// ...then popping from the tail yields ascending-closest order.
	var popped []kadid.ID
	for len(ids) > 0 {
		last := ids[len(ids)-1]
		popped = append(popped, last)
		ids = ids[:len(ids)-1]
	}

	assert.Equal(t, []kadid.ID{id(0x01), id(0x77), id(0xFF)}, popped)
}

func TestRandomInRange(t *testing.T) {
	start := id(0x00)
	end := id(0xFF)

	r, err := kadid.RandomInRange(start, end)
	require.NoError(t, err)
	assert.True(t, kadid.Less(start, r) || start == r)
}
