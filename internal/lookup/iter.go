// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lookup implements the closest-nodes iterator: the shared,
// clone-sharable work-list that drives both node-lookup and value-lookup,
// guaranteeing at-most-once processing of every candidate.
package lookup

import (
	"sort"
	"sync"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
	"github.com/manuels/bulletinboard-dht/internal/wire"
)

// Iter is the central synchronization object for a single lookup. All
// clones returned by Clone observe the same processed-set, unprocessed
// queue, and pending-contributor count (spec.md §4.4): it is a handle,
// not a value type.
type Iter struct {
	target kadid.Key
	n      int

	mu   sync.Mutex
	cond *sync.Cond

	processed   []wire.Node
	unprocessed []wire.Node
	pending     int // count of contributors that may still add candidates
}

// New seeds an iterator for target, keeping at most n confirmed-closest
// entries (n is normally K).
func New(target kadid.Key, n int, seed []wire.Node) *Iter {
	it := &Iter{target: target, n: n}
	it.cond = sync.NewCond(&it.mu)
	it.AddNodes(seed)
	return it
}

// Clone returns a handle sharing this iterator's state. Every producer
// that will call AddNodes must register with BeginContribute first.
func (it *Iter) Clone() *Iter {
	return it
}

// BeginContribute registers one asynchronous contributor; pair with
// EndContribute when that contributor is done adding candidates. The
// consumer's Next only returns terminal once the unprocessed queue is
// empty AND the pending-contributor count is zero.
func (it *Iter) BeginContribute() {
	it.mu.Lock()
	it.pending++
	it.mu.Unlock()
}

// EndContribute decrements the pending-contributor count and wakes any
// waiting consumer.
func (it *Iter) EndContribute() {
	it.mu.Lock()
	it.pending--
	it.mu.Unlock()
	it.cond.Broadcast()
}

// AddNodes filters out anything already in the processed set, merges the
// rest into the unprocessed queue, dedupes, sorts ascending by distance to
// the target, truncates to n, and wakes any waiting consumer.
func (it *Iter) AddNodes(nodes []wire.Node) {
	if len(nodes) == 0 {
		return
	}

	it.mu.Lock()
	processedSet := make(map[kadid.ID]bool, len(it.processed))
	for _, p := range it.processed {
		processedSet[p.ID] = true
	}

	seen := make(map[kadid.ID]bool, len(it.unprocessed))
	merged := make([]wire.Node, 0, len(it.unprocessed)+len(nodes))
	for _, n := range it.unprocessed {
		if !seen[n.ID] {
			seen[n.ID] = true
			merged = append(merged, n)
		}
	}
	for _, n := range nodes {
		if processedSet[n.ID] || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		merged = append(merged, n)
	}

	sort.Slice(merged, func(i, j int) bool {
		return kadid.Less(kadid.Xor(it.target, merged[i].ID), kadid.Xor(it.target, merged[j].ID))
	})
	if len(merged) > it.n {
		merged = merged[:it.n]
	}
	it.unprocessed = merged
	it.mu.Unlock()

	it.cond.Broadcast()
}

// Next returns the next unprocessed candidate closest to the target, or
// ok=false if the lookup has converged (the unprocessed queue is empty and
// no contributor is still pending). It blocks while the queue is empty but
// a contributor might still add to it.
func (it *Iter) Next() (node wire.Node, ok bool) {
	it.mu.Lock()
	defer it.mu.Unlock()

	for {
		for len(it.unprocessed) == 0 && it.pending > 0 {
			it.cond.Wait()
		}
		if len(it.unprocessed) == 0 {
			return wire.Node{}, false
		}

		sort.Slice(it.processed, func(i, j int) bool {
			return kadid.Less(kadid.Xor(it.target, it.processed[i].ID), kadid.Xor(it.target, it.processed[j].ID))
		})
		it.processed = dedupe(it.processed)

		// Sort descending so popping the tail yields the
		// ascending-closest candidate (spec.md §4.4 step 3, and the
		// algebraic law in §8).
		sort.Slice(it.unprocessed, func(i, j int) bool {
			return kadid.Less(kadid.Xor(it.target, it.unprocessed[j].ID), kadid.Xor(it.target, it.unprocessed[i].ID))
		})
		c := it.unprocessed[len(it.unprocessed)-1]
		it.unprocessed = it.unprocessed[:len(it.unprocessed)-1]
		it.processed = append(it.processed, c)

		if len(it.processed) >= it.n {
			// Re-sort ascending now that c has joined P, then compare c
			// against the n-th closest entry overall.
			sort.Slice(it.processed, func(i, j int) bool {
				return kadid.Less(kadid.Xor(it.target, it.processed[i].ID), kadid.Xor(it.target, it.processed[j].ID))
			})
			nth := it.processed[it.n-1]
			dc := kadid.Xor(it.target, c.ID)
			dn := kadid.Xor(it.target, nth.ID)
			if nth.ID != c.ID && !kadid.Less(dc, dn) {
				// We already have n entries at least as close as c:
				// discard c (we've already queried n nodes at least
				// as close) and loop.
				continue
			}
		}

		return c, true
	}
}

func dedupe(nodes []wire.Node) []wire.Node {
	seen := make(map[kadid.ID]bool, len(nodes))
	out := nodes[:0]
	for _, n := range nodes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out
}
