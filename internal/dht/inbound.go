// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package dht

import (
	"context"

	"go.uber.org/zap"

	"github.com/manuels/bulletinboard-dht/internal/store"
	"github.com/manuels/bulletinboard-dht/internal/wire"
)

// handleInbound is the receive loop described in spec.md §4.5.2: every
// frame forwarded by the multiplexer (requests, and every response since
// the multiplexer never strips them) runs updateBuckets, then, for
// request kinds, is dispatched to a reply.
func (e *Engine) handleInbound(ctx context.Context) {
	for {
		select {
		case in, ok := <-e.mux.Inbound():
			if !ok {
				return
			}
			if e.updateBuckets(ctx, in) {
				e.dispatch(ctx, in)
			}
		case <-ctx.Done():
			return
		}
	}
}

// updateBuckets runs before dispatch for every message that carries a
// sender: it constructs the node descriptor, refreshes its last-seen, and
// attempts add; if the bucket is full, it hands off to the eviction
// pipeline (spec.md §4.3). Messages claiming the local ID as sender are
// rejected outright: updateBuckets returns false for them and they are not
// dispatched. It returns true for every other message.
func (e *Engine) updateBuckets(ctx context.Context, in wire.Inbound) bool {
	if !in.Msg.HasSender() {
		return true
	}
	if in.Msg.Sender == e.Local() {
		e.log.Debug("dropping message", zap.Error(InvalidPeerID.New("sender id equals local id")))
		return false
	}
	if !wire.IsGlobalUnicast(in.From.IP) {
		e.log.Debug("dropping message from non-global address", zap.Stringer("addr", in.From))
		return true
	}

	peer, err := e.table.ConstructNode(in.From, in.Msg.Sender)
	if err != nil {
		e.log.Debug("refusing peer", zap.Error(err))
		return true
	}
	peer.Addr = in.From

	if ok, idx := e.table.Add(peer); !ok {
		e.table.PingOrReplaceWith(ctx, idx, peer)
	}
	return true
}

// dispatch implements the inbound action table in spec.md §4.5.2.
func (e *Engine) dispatch(ctx context.Context, in wire.Inbound) {
	local := e.Local()
	switch in.Msg.Kind {
	case wire.KindPing:
		reply := wire.Message{Kind: wire.KindPong, Sender: local, Cookie: in.Msg.Cookie}
		e.mux.SendResponse(ctx, in.From, reply)

	case wire.KindFindNode:
		closest := e.table.GetClosestNodes(in.Msg.Key, K)
		for _, n := range closest {
			reply := wire.Message{
				Kind: wire.KindFoundNode, Sender: local, Cookie: in.Msg.Cookie,
				Key: in.Msg.Key, Node: n, Count: len(closest),
			}
			e.mux.SendResponse(ctx, in.From, reply)
		}

	case wire.KindFindValue:
		entries := e.external.Get(in.Msg.Key)
		if len(entries) == 0 {
			closest := e.table.GetClosestNodes(in.Msg.Key, K)
			for _, n := range closest {
				reply := wire.Message{
					Kind: wire.KindFoundNode, Sender: local, Cookie: in.Msg.Cookie,
					Key: in.Msg.Key, Node: n, Count: len(closest),
				}
				e.mux.SendResponse(ctx, in.From, reply)
			}
			return
		}
		for _, entry := range entries {
			reply := wire.Message{
				Kind: wire.KindFoundValue, Sender: local, Cookie: in.Msg.Cookie,
				Key: in.Msg.Key, Value: entry.Value, Count: len(entries),
			}
			e.mux.SendResponse(ctx, in.From, reply)
		}

	case wire.KindStore:
		if len(in.Msg.Value) > MaxValueLen {
			e.log.Debug("dropping oversize store", zap.Int("len", len(in.Msg.Value)))
			return
		}
		origin := store.Origin{Addr: in.From.String(), NodeID: in.Msg.Sender}
		e.external.Put(in.Msg.Key, in.Msg.Value, origin)

	case wire.KindPong, wire.KindFoundNode, wire.KindFoundValue, wire.KindTimeout:
		// No action beyond the routing-table update above: responses are
		// handled by the multiplexer's pending-request delivery.
	}
}
