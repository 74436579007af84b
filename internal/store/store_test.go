package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
	"github.com/manuels/bulletinboard-dht/internal/store"
)

func mkKey(b byte) kadid.Key {
	var id kadid.ID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestExternalPutReplacesMatchingValue(t *testing.T) {
	now := time.Now()
	s := store.NewExternal(time.Minute, func() time.Time { return now })

	key := mkKey(0x01)
	o1 := store.Origin{Addr: "1.2.3.4:1"}
	o2 := store.Origin{Addr: "5.6.7.8:2"}

	s.Put(key, []byte("hello"), o1)
	s.Put(key, []byte("hello"), o2)

	entries := s.Get(key)
	require.Len(t, entries, 1)
	assert.Equal(t, o2, entries[0].Origin)
}

func TestExternalPutReplacesMatchingOrigin(t *testing.T) {
	now := time.Now()
	s := store.NewExternal(time.Minute, func() time.Time { return now })

	key := mkKey(0x01)
	origin := store.Origin{Addr: "1.2.3.4:1"}

	s.Put(key, []byte("v1"), origin)
	s.Put(key, []byte("v2"), origin)

	entries := s.Get(key)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("v2"), entries[0].Value)
}

func TestExternalPutKeepsDistinctValueAndOrigin(t *testing.T) {
	now := time.Now()
	s := store.NewExternal(time.Minute, func() time.Time { return now })

	key := mkKey(0x01)
	s.Put(key, []byte("v1"), store.Origin{Addr: "a"})
	s.Put(key, []byte("v2"), store.Origin{Addr: "b"})

	entries := s.Get(key)
	assert.Len(t, entries, 2)
}

func TestExternalGetPrunesExpiredEntries(t *testing.T) {
	current := time.Now()
	s := store.NewExternal(time.Minute, func() time.Time { return current })

	key := mkKey(0x01)
	s.Put(key, []byte("v1"), store.Origin{Addr: "a"})

	current = current.Add(2 * time.Minute)
	entries := s.Get(key)
	assert.Empty(t, entries)
}

func TestPublishedTickDecrementsAndExpires(t *testing.T) {
	p := store.NewPublished()
	key := mkKey(0x02)
	p.Set(key, []byte("payload"), store.RepublishDecrement+time.Minute)

	out := p.Tick()
	require.Contains(t, out, key)
	assert.Equal(t, []byte("payload"), out[key])

	// Remaining lifetime is now exactly one minute; one more tick exhausts it.
	out = p.Tick()
	assert.NotContains(t, out, key)
	assert.Empty(t, p.All())
}

func TestPublishedSetOverwrites(t *testing.T) {
	p := store.NewPublished()
	key := mkKey(0x03)
	p.Set(key, []byte("old"), time.Hour)
	p.Set(key, []byte("new"), time.Hour)

	all := p.All()
	assert.Equal(t, []byte("new"), all[key])
}
