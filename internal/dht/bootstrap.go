// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package dht

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
	"github.com/manuels/bulletinboard-dht/internal/wire"
)

// Bootstrap implements spec.md §4.5.1. With no supernodes configured, the
// engine keeps its already-adopted identity and returns immediately
// (new_supernode). Otherwise it seeds the routing table with each
// supernode under a throwaway ID, then repeatedly picks a candidate local
// ID (starting with the configured one) and runs find_node(candidate);
// if any response claims candidate as its own ID from a different
// address, the ID is taken and a fresh random candidate is tried instead.
func (e *Engine) Bootstrap(ctx context.Context) error {
	defer e.bootstrapFinished.Release()

	if !e.lookups.Start() {
		return context.Canceled
	}
	defer e.lookups.Done()

	if len(e.bootstrapAddrs) == 0 {
		e.log.Info("no bootstrap address specified, running as supernode")
		return nil
	}

	var seeds []wire.Node
	for _, addr := range e.bootstrapAddrs {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			e.log.Warn("unresolvable bootstrap address", zap.String("addr", addr), zap.Error(err))
			continue
		}
		seeds = append(seeds, wire.Node{ID: kadid.MustRandom(), Addr: wire.NormalizeAddr(udpAddr)})
	}
	if len(seeds) == 0 {
		return BootstrapErr.New("no bootstrap address could be resolved")
	}
	for _, seed := range seeds {
		if ok, idx := e.table.Add(seed); !ok {
			e.table.PingOrReplaceWith(ctx, idx, seed)
		}
	}

	candidate := e.Local()
	backoff := bootstrapBackoffMin
	for attempt := 0; attempt < defaultBootstrapAttempts; attempt++ {
		if ctx.Err() != nil {
			return BootstrapErr.Wrap(ctx.Err())
		}

		claimed, err := e.probeCandidate(ctx, candidate)
		if err != nil {
			return BootstrapErr.Wrap(err)
		}
		if !claimed {
			e.setLocal(candidate)
			return nil
		}

		e.log.Debug("candidate id already claimed by a peer, retrying",
			zap.Stringer("candidate", idString{candidate}), zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return BootstrapErr.Wrap(ctx.Err())
		}
		if backoff *= 2; backoff > bootstrapBackoffMax {
			backoff = bootstrapBackoffMax
		}

		candidate = kadid.MustRandom()
	}

	return BootstrapErr.New("could not settle on an unclaimed node id after %d attempts", defaultBootstrapAttempts)
}

const defaultBootstrapAttempts = 16

// probeCandidate runs find_node(candidate) against the seeded supernodes
// and reports whether any responder claims candidate as its own NodeID
// from an address other than the local one.
func (e *Engine) probeCandidate(ctx context.Context, candidate kadid.NodeID) (claimed bool, err error) {
	seed := e.table.GetClosestNodes(candidate, K)
	nodes, responders, findErr := e.findRaw(ctx, candidate, wire.KindFindNode, seed)
	if findErr != nil {
		return false, findErr
	}

	for _, n := range nodes {
		if n.ID == candidate {
			claimed = true
		}
	}
	for _, r := range responders {
		if r == candidate {
			claimed = true
		}
	}
	return claimed, nil
}

// WaitForBootstrap blocks until Bootstrap has run to completion (or been
// skipped, for a supernode).
func (e *Engine) WaitForBootstrap() {
	e.bootstrapFinished.Wait()
}

type idString struct{ id kadid.NodeID }

func (s idString) String() string { return s.id.String() }
