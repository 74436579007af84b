// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package kbucket implements the 160-bucket routing table: bucket
// indexing by XOR-distance prefix length, bounded least-recently-seen
// buckets, and the ping-first-then-replace eviction policy.
package kbucket

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
	"github.com/manuels/bulletinboard-dht/internal/wire"
)

// K is the maximum number of peers held in any one bucket.
const K = 20

// NumBuckets is the number of k-buckets (one per bit of the ID space).
const NumBuckets = kadid.Size * 8

// RoutingErr is the class for all routing-table errors.
var RoutingErr = errs.Class("routing table error")

// Pinger pings a remote node, reporting whether it answered before
// timeout. The routing table uses this during eviction; the engine
// supplies the real implementation backed by internal/rpc.
type Pinger func(ctx context.Context, node wire.Node) bool

// Table is the local node's routing table: NumBuckets buckets, each
// holding at most K peers ordered least-recently-seen-first.
type Table struct {
	local kadid.NodeID
	log   *zap.Logger
	ping  Pinger
	alpha int64

	mu      sync.Mutex
	buckets [NumBuckets][]wire.Node
}

// New returns a routing table for localID. ping is used by the eviction
// pipeline (§4.3) to probe stale bucket entries before a full bucket
// admits a new peer; alpha bounds how many stale peers are pinged
// concurrently.
func New(log *zap.Logger, localID kadid.NodeID, ping Pinger, alpha int64) *Table {
	return &Table{
		local: localID,
		log:   log,
		ping:  ping,
		alpha: alpha,
	}
}

// Local returns the local node's ID.
func (t *Table) Local() kadid.NodeID {
	return t.local
}

// K returns the configured bucket capacity.
func (t *Table) K() int {
	return K
}

// addResult is the outcome of a bare bucket-insert attempt.
type addResult int

const (
	addOK addResult = iota
	addRejectedBucketFull
	addRejectedSameID
)

// ConstructNode builds (or returns the existing) descriptor for
// (addr, id). If an entry already exists for that NodeID in the target
// bucket, it is returned unmodified (preserving its last-seen state);
// otherwise a fresh descriptor is built. Fails if id equals the local ID.
func (t *Table) ConstructNode(addr *net.UDPAddr, id kadid.NodeID) (wire.Node, error) {
	if id == t.local {
		return wire.Node{}, RoutingErr.New("refusing to construct local node as peer")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := kadid.BucketIndex(t.local, id)
	for _, n := range t.buckets[idx] {
		if n.ID == id {
			return n, nil
		}
	}
	return wire.Node{ID: id, Addr: addr, LastSeen: time.Now()}, nil
}

// Add inserts or refreshes peer in its bucket. It returns true if the
// bucket had room (or already contained an equal peer, whose entry is
// moved to the most-recently-seen position and whose address is
// refreshed), and false if the bucket is full and eviction must be run by
// the caller via PingOrReplaceWith.
func (t *Table) Add(peer wire.Node) (ok bool, bucketIdx int) {
	idx := kadid.BucketIndex(t.local, peer.ID)
	if idx < 0 {
		// peer.ID == local: refused.
		return false, -1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[idx]
	for i, n := range bucket {
		if n.ID == peer.ID {
			// Address updates for an existing NodeID overwrite the
			// existing entry, and recency moves it to the tail.
			bucket = append(bucket[:i], bucket[i+1:]...)
			peer.LastSeen = time.Now()
			t.buckets[idx] = append(bucket, peer)
			return true, idx
		}
	}

	if len(bucket) < K {
		peer.LastSeen = time.Now()
		t.buckets[idx] = append(bucket, peer)
		return true, idx
	}

	return false, idx
}

// PingOrReplaceWith runs the classic Kademlia eviction sequence for
// bucketIdx: the bucket's contents are snapshotted in least-recently-seen
// order, each stale peer is pinged with the table's configured
// concurrency; at the first timeout the timed-out peer is removed and
// newPeer appended. If every existing peer responds, newPeer is dropped.
func (t *Table) PingOrReplaceWith(ctx context.Context, bucketIdx int, newPeer wire.Node) {
	t.mu.Lock()
	snapshot := make([]wire.Node, len(t.buckets[bucketIdx]))
	copy(snapshot, t.buckets[bucketIdx])
	t.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].LastSeen.Before(snapshot[j].LastSeen)
	})

	sem := semaphore.NewWeighted(t.alpha)
	var mu sync.Mutex
	var wg sync.WaitGroup
	evicted := false
	var timedOut wire.Node

	for _, stale := range snapshot {
		stale := stale
		mu.Lock()
		done := evicted
		mu.Unlock()
		if done {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if t.ping(ctx, stale) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if !evicted {
				evicted = true
				timedOut = stale
			}
		}()
	}
	wg.Wait()

	if !evicted {
		t.log.Debug("bucket full and all peers responsive, dropping new peer",
			zap.Int("bucket", bucketIdx), zap.Stringer("peer", idString{newPeer.ID}))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.buckets[bucketIdx]
	for i, n := range bucket {
		if n.ID == timedOut.ID {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	newPeer.LastSeen = time.Now()
	t.buckets[bucketIdx] = append(bucket, newPeer)
}

// GetClosestNodes gathers every peer from every bucket, sorts by ascending
// XOR-distance to key, and truncates to n.
func (t *Table) GetClosestNodes(key kadid.Key, n int) []wire.Node {
	t.mu.Lock()
	var all []wire.Node
	for _, bucket := range t.buckets {
		all = append(all, bucket...)
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return kadid.Less(kadid.Xor(key, all[i].ID), kadid.Xor(key, all[j].ID))
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// AllNodes returns every peer currently held across every bucket, in no
// particular order. Used by collaborators that persist the whole known
// peer set (internal/nodefile) rather than a closest-to-key subset.
func (t *Table) AllNodes() []wire.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var all []wire.Node
	for _, bucket := range t.buckets {
		all = append(all, bucket...)
	}
	return all
}

// Size returns the total number of peers across every bucket.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, bucket := range t.buckets {
		n += len(bucket)
	}
	return n
}

// NonEmptyBuckets returns the indices of every bucket holding at least one
// peer, ascending. The engine's refresh ticker does not use it: it probes
// find_node(random_id) over the whole ID space.
func (t *Table) NonEmptyBuckets() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var idxs []int
	for i, bucket := range t.buckets {
		if len(bucket) > 0 {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

type idString struct{ id kadid.NodeID }

func (s idString) String() string { return s.id.String() }
