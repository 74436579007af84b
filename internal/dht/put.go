// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package dht

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
	"github.com/manuels/bulletinboard-dht/internal/wire"
)

// Put implements spec.md §4.5.4: find_node(key) locates the K nodes
// closest to key, then one Store frame is fired to each. Put reports
// success once the fan-out completes regardless of how many peers
// actually accepted the value (lossy network, best effort).
func (e *Engine) Put(ctx context.Context, key kadid.Key, value []byte) error {
	if len(value) > MaxValueLen {
		return ValueTooLong.New("value is %d bytes, max is %d", len(value), MaxValueLen)
	}
	if !e.lookups.Start() {
		return context.Canceled
	}
	defer e.lookups.Done()

	nodes, err := e.FindNode(ctx, key)
	if err != nil {
		return NodeErr.Wrap(err)
	}

	local := e.Local()
	for _, n := range nodes {
		if n.ID == local || n.Addr == nil {
			continue
		}
		msg := wire.Message{Kind: wire.KindStore, Sender: local, Cookie: kadid.MustRandom(), Key: key, Value: value}
		e.mux.FireAndForget(ctx, n.Addr, msg)
	}
	return nil
}

// Store implements spec.md §4.5.5: record (key, value, lifetime) in the
// local published-values map, then put once immediately. The background
// republisher keeps re-issuing put for it until lifetime is exhausted.
func (e *Engine) Store(ctx context.Context, key kadid.Key, value []byte, lifetime time.Duration) error {
	if len(value) > MaxValueLen {
		return ValueTooLong.New("value is %d bytes, max is %d", len(value), MaxValueLen)
	}
	e.published.Set(key, value, lifetime)
	return e.Put(ctx, key, value)
}

// Get merges every externally-stored entry for key held locally with the
// accumulated result of a network find_value, deduplicated. The local TTL
// store is never authoritative on its own (spec.md §3/§4.5.3): Put skips
// storing a copy on the local node itself, so a value this node published
// may only be visible to it through the network, while peers' values it
// happens to hold locally may not otherwise be reachable.
func (e *Engine) Get(ctx context.Context, key kadid.Key) ([][]byte, error) {
	values, _, err := e.FindValue(ctx, key)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(values))
	for _, v := range values {
		seen[string(v)] = true
	}
	for _, entry := range e.external.Get(key) {
		if !seen[string(entry.Value)] {
			seen[string(entry.Value)] = true
			values = append(values, entry.Value)
		}
	}
	return values, nil
}

// runRepublish is the 5-minute republish ticker body (spec.md §4.5.5): it
// decrements every published value's remaining lifetime by
// store.RepublishDecrement, drops exhausted entries, and re-issues put for the
// rest.
func (e *Engine) runRepublish(ctx context.Context) error {
	survivors := e.published.Tick()
	for key, value := range survivors {
		if err := e.Put(ctx, key, value); err != nil {
			e.log.Debug("republish put failed", zap.Stringer("key", idString{key}), zap.Error(err))
		}
	}
	return nil
}

// runRefresh is the 60-second routing-table health ticker body: it picks a
// random ID and runs find_node(random_id) to keep buckets populated and
// fresh.
func (e *Engine) runRefresh(ctx context.Context) error {
	random := kadid.MustRandom()
	if _, err := e.FindNode(ctx, random); err != nil {
		e.log.Debug("refresh find_node failed", zap.Error(err))
	}
	return nil
}
