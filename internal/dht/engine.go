// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package dht implements the Kademlia engine: identity and bootstrap,
// the inbound message handler, the parametric find driver, put/store, and
// the background refresh/republish tickers. It is the root handle
// described in spec.md §9: it owns the transport, the multiplexer, the
// routing table, and the value stores, and tears all of them down via
// Close.
package dht

import (
	"context"
	"net"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
	"github.com/manuels/bulletinboard-dht/internal/kbucket"
	"github.com/manuels/bulletinboard-dht/internal/rpc"
	"github.com/manuels/bulletinboard-dht/internal/store"
	"github.com/manuels/bulletinboard-dht/internal/syncutil"
	"github.com/manuels/bulletinboard-dht/internal/wire"
)

// Config configures a new Engine.
type Config struct {
	// ListenAddr is the local UDP address to bind, e.g. "0.0.0.0:0".
	ListenAddr string
	// NodeID is the requested local identity. If zero, a fresh random ID
	// is adopted (spec.md §4.5.1).
	NodeID kadid.NodeID
	// BootstrapAddrs are supernode addresses contacted during Bootstrap.
	// An engine with none configured is a "new_supernode": it adopts its
	// identity immediately without attempting to bootstrap.
	BootstrapAddrs []string
	// Alpha bounds fan-out concurrency; defaults to Alpha (3) when zero.
	Alpha int64
}

// Engine is a running Kademlia node.
type Engine struct {
	log   *zap.Logger
	alpha int64

	transport *wire.Transport
	mux       *rpc.Mux
	table     *kbucket.Table
	external  *store.External
	published *store.Published

	bootstrapAddrs []string

	mu      sync.Mutex
	localID kadid.NodeID

	lookups           syncutil.WorkGroup
	bootstrapFinished syncutil.Fence
	refreshCycle      syncutil.Cycle
	republishCycle    syncutil.Cycle
}

// New binds a UDP socket at cfg.ListenAddr and constructs an Engine ready
// for Bootstrap and Run. It does not itself contact the network.
func New(log *zap.Logger, cfg Config) (*Engine, error) {
	transport, err := wire.Bind(log.Named("wire"), cfg.ListenAddr)
	if err != nil {
		return nil, NodeErr.Wrap(err)
	}

	alpha := cfg.Alpha
	if alpha <= 0 {
		alpha = Alpha
	}

	localID := cfg.NodeID
	if localID.IsZero() {
		localID = kadid.MustRandom()
	}

	e := &Engine{
		log:            log,
		alpha:          alpha,
		transport:      transport,
		mux:            rpc.New(log.Named("rpc"), transport),
		external:       store.NewExternal(TTL, nil),
		published:      store.NewPublished(),
		bootstrapAddrs: cfg.BootstrapAddrs,
		localID:        localID,
	}
	e.table = kbucket.New(log.Named("kbucket"), localID, e.ping, alpha)

	return e, nil
}

// Local returns the local node's current ID. It may change once, during
// Bootstrap, if the requested ID collided with a node already claiming it.
func (e *Engine) Local() kadid.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localID
}

func (e *Engine) setLocal(id kadid.NodeID) {
	e.mu.Lock()
	e.localID = id
	e.mu.Unlock()
}

// LocalAddr returns the bound UDP address.
func (e *Engine) LocalAddr() *net.UDPAddr {
	return e.transport.LocalAddr()
}

// Table exposes the routing table for collaborators (e.g. internal/nodefile
// seeding and introspection).
func (e *Engine) Table() *kbucket.Table {
	return e.table
}

// Close tears down the engine: it stops accepting new lookups, waits for
// in-flight ones to finish, stops the background tickers, and closes the
// multiplexer and transport.
func (e *Engine) Close() error {
	e.lookups.Close()
	e.lookups.Wait()
	e.refreshCycle.Stop()
	e.republishCycle.Stop()
	e.mux.Close()
	return NodeErr.Wrap(e.transport.Close())
}

// ping implements kbucket.Pinger: it sends a Ping and reports whether a
// Pong arrived before timeout. The routing table's eviction pipeline
// (§4.3) is its only user.
func (e *Engine) ping(ctx context.Context, node wire.Node) bool {
	msg := wire.Message{Kind: wire.KindPing, Sender: e.Local(), Cookie: kadid.MustRandom()}
	respCh := e.mux.SendRequest(ctx, node.Addr, msg, fanOutTimeout)
	for resp := range respCh {
		if resp.Kind == wire.KindPong {
			return true
		}
		if resp.Kind == wire.KindTimeout {
			return false
		}
	}
	return false
}

// Run starts the inbound message handler and the two background tickers
// (refresh every 60s, republish every 5min), and blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.lookups.Start() {
		return context.Canceled
	}
	defer e.lookups.Done()

	var wg sync.WaitGroup
	wg.Add(3)

	var errGroup errs.Group
	var errMu sync.Mutex
	record := func(err error) {
		if err == nil || err == context.Canceled {
			return
		}
		errMu.Lock()
		errGroup.Add(err)
		errMu.Unlock()
	}

	go func() {
		defer wg.Done()
		e.handleInbound(ctx)
	}()

	go func() {
		defer wg.Done()
		e.refreshCycle.SetInterval(refreshInterval)
		record(e.refreshCycle.Run(ctx, e.runRefresh))
	}()

	go func() {
		defer wg.Done()
		e.republishCycle.SetInterval(republishInterval)
		record(e.republishCycle.Run(ctx, e.runRepublish))
	}()

	wg.Wait()
	return errGroup.Err()
}
