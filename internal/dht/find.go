// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package dht

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
	"github.com/manuels/bulletinboard-dht/internal/lookup"
	"github.com/manuels/bulletinboard-dht/internal/wire"
)

// FindNode implements the parametric find driver (spec.md §4.5.3) for the
// FindNode wire kind, returning the K closest confirmed-online nodes, or
// the routing table's K closest nodes when no peer responded.
func (e *Engine) FindNode(ctx context.Context, key kadid.Key) ([]wire.Node, error) {
	if !e.lookups.Start() {
		return nil, context.Canceled
	}
	defer e.lookups.Done()

	seed := e.table.GetClosestNodes(key, K)
	nodes, _, _, err := e.find(ctx, key, wire.KindFindNode, seed)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// FindValue implements the parametric find driver for the FindValue wire
// kind: it returns the accumulated, de-duplicated value set if any peer
// had values for key, else the K closest confirmed-online nodes (as a
// fallback result for callers that want to continue a put there).
func (e *Engine) FindValue(ctx context.Context, key kadid.Key) (values [][]byte, nodes []wire.Node, err error) {
	if !e.lookups.Start() {
		return nil, nil, context.Canceled
	}
	defer e.lookups.Done()

	seed := e.table.GetClosestNodes(key, K)
	nodes, _, values, err = e.find(ctx, key, wire.KindFindValue, seed)
	return values, nodes, err
}

// findRaw is the low-level entry point Bootstrap uses: it runs the same
// driver as FindNode/FindValue but also returns every responder's claimed
// sender ID, needed to detect an ID collision during bootstrap.
func (e *Engine) findRaw(ctx context.Context, key kadid.Key, kind wire.Kind, seed []wire.Node) (nodes []wire.Node, responders []kadid.NodeID, err error) {
	nodes, responders, _, err = e.find(ctx, key, kind, seed)
	return nodes, responders, err
}

// find is the parametric driver described in spec.md §4.5.3:
//
//  1. Seed a ClosestNodesIter with seed (normally get_closest_nodes(key,K)).
//  2. fan_out(iter, request, TIMEOUT_MS, ALPHA).
//  3. Consume the result stream until quiescence (no response for
//     4*TIMEOUT_MS) or, for FindValue, until K distinct responders have
//     returned values.
//  4. Feed each FoundNode back into the iterator (skipping the local ID);
//     for FoundValue, accumulate distinct values and distinct responders.
//  5. Return the accumulated value set if non-empty, else the K closest
//     confirmed-online nodes; when no peer responded, the routing table's
//     K closest nodes are returned in their place.
func (e *Engine) find(ctx context.Context, key kadid.Key, kind wire.Kind, seed []wire.Node) (nodes []wire.Node, responders []kadid.NodeID, values [][]byte, err error) {
	it := lookup.New(key, K, seed)
	local := e.Local()

	nodeCh := make(chan wire.Node)
	go func() {
		defer close(nodeCh)
		for {
			n, ok := it.Next()
			if !ok {
				return
			}
			it.BeginContribute()
			select {
			case nodeCh <- n:
			case <-ctx.Done():
				it.EndContribute()
				return
			}
		}
	}()

	req := wire.Message{Kind: kind, Sender: local, Cookie: kadid.MustRandom(), Key: key}
	results := e.mux.FanOut(ctx, nodeCh, req, fanOutTimeout, e.alpha)

	seenValues := map[string]bool{}
	seenResponders := map[kadid.NodeID]bool{}
	valueResponders := map[kadid.NodeID]bool{}
	online := map[kadid.NodeID]wire.Node{}

	quiescence := time.NewTimer(quiescenceTimeout)
	defer quiescence.Stop()

consume:
	for {
		select {
		case res, ok := <-results:
			if !ok {
				break consume
			}
			if !quiescence.Stop() {
				select {
				case <-quiescence.C:
				default:
				}
			}
			quiescence.Reset(quiescenceTimeout)

			// Each dispatched node gets exactly one BeginContribute, paired
			// with exactly one EndContribute on its terminal Timeout: a
			// node's list-response (FoundNode/FoundValue) may arrive as
			// several messages sharing one cookie before that timeout
			// fires, and none of them individually signal "this node is
			// done" (spec.md §4.1/§4.2).
			switch res.Msg.Kind {
			case wire.KindFoundNode:
				responder := wire.Node{ID: res.Msg.Sender, Addr: res.Node.Addr}
				online[responder.ID] = responder
				seenResponders[responder.ID] = true
				if res.Msg.Node.ID != local && !res.Msg.Node.ID.IsZero() {
					it.AddNodes([]wire.Node{res.Msg.Node})
				}
			case wire.KindFoundValue:
				responder := wire.Node{ID: res.Msg.Sender, Addr: res.Node.Addr}
				online[responder.ID] = responder
				seenResponders[responder.ID] = true
				valueResponders[responder.ID] = true
				if !seenValues[string(res.Msg.Value)] {
					seenValues[string(res.Msg.Value)] = true
					values = append(values, res.Msg.Value)
				}
				if kind == wire.KindFindValue && len(valueResponders) >= K {
					break consume
				}
			case wire.KindTimeout:
				it.EndContribute()
			}
		case <-quiescence.C:
			break consume
		case <-ctx.Done():
			err = ctx.Err()
			break consume
		}
	}

	for id := range seenResponders {
		responders = append(responders, id)
	}
	for _, n := range online {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return kadid.Less(kadid.Xor(key, nodes[i].ID), kadid.Xor(key, nodes[j].ID))
	})
	if len(nodes) > K {
		nodes = nodes[:K]
	}
	if len(nodes) == 0 {
		nodes = e.table.GetClosestNodes(key, K)
	}

	e.log.Debug("find completed",
		zap.Stringer("key", idString{key}),
		zap.Stringer("kind", kind),
		zap.Int("nodes", len(nodes)),
		zap.Int("values", len(values)))

	return nodes, responders, values, err
}
