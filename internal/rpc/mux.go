// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package rpc implements the request/response multiplexer layered over
// internal/wire: pending-request tracking with timeouts, and the
// concurrency-capped fan-out helper used by every find/put.
package rpc

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
	"github.com/manuels/bulletinboard-dht/internal/wire"
)

var mon = monkit.Package()

// pendingKey is the (peer-address, cookie) pair pending requests are keyed
// by.
type pendingKey struct {
	addr   string
	cookie kadid.Cookie
}

// Mux tracks outstanding requests and dispatches inbound frames: replies
// matching a pending request are delivered to its waiting response channel,
// and every frame, requests and responses alike, is then also forwarded to
// the engine's inbound stream.
type Mux struct {
	transport *wire.Transport
	log       *zap.Logger

	mu      sync.Mutex
	pending map[pendingKey]chan wire.Message

	engineInbound chan wire.Inbound
	done          chan struct{}
	wg            sync.WaitGroup
}

// New wraps transport with request/response correlation and starts
// forwarding its inbound stream.
func New(log *zap.Logger, transport *wire.Transport) *Mux {
	m := &Mux{
		transport:     transport,
		log:           log,
		pending:       make(map[pendingKey]chan wire.Message),
		engineInbound: make(chan wire.Inbound, 256),
		done:          make(chan struct{}),
	}
	m.wg.Add(1)
	go m.demux()
	return m
}

// Inbound yields every decoded frame: inbound requests (e.g. an
// unsolicited Store), and every response, whether or not it was also
// delivered to a waiter.
func (m *Mux) Inbound() <-chan wire.Inbound {
	return m.engineInbound
}

// Close stops demultiplexing and releases every still-pending waiter with
// a synthetic Timeout.
func (m *Mux) Close() {
	close(m.done)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, ch := range m.pending {
		ch <- wire.Message{Kind: wire.KindTimeout}
		close(ch)
		delete(m.pending, key)
	}
}

// FireAndForget encodes and sends msg without tracking a response.
func (m *Mux) FireAndForget(ctx context.Context, addr *net.UDPAddr, msg wire.Message) {
	_ = m.transport.Send(ctx, addr, msg)
}

// SendResponse encodes and sends msg; like FireAndForget, but named
// distinctly per spec.md §4.2 to document intent at call sites.
func (m *Mux) SendResponse(ctx context.Context, addr *net.UDPAddr, msg wire.Message) {
	_ = m.transport.Send(ctx, addr, msg)
}

// SendRequest registers (addr, msg.Cookie) in the pending table, sends the
// datagram, and arms a timeout timer. The returned channel receives the
// matching responses in arrival order (a response that arrives while the
// channel's buffer is full is not delivered to it). The pending entry stays
// registered until the timer fires, so a list response sent as several
// messages reaches the waiter; when the timer fires, the entry is removed,
// a synthetic Timeout is delivered as the terminal message, and the channel
// is closed.
func (m *Mux) SendRequest(ctx context.Context, addr *net.UDPAddr, msg wire.Message, timeout time.Duration) <-chan wire.Message {
	key := pendingKey{addr: addr.String(), cookie: msg.Cookie}
	ch := make(chan wire.Message, 4)

	m.mu.Lock()
	m.pending[key] = ch
	m.mu.Unlock()

	if err := m.transport.Send(ctx, addr, msg); err != nil {
		m.log.Debug("send failed for request", zap.Error(err))
	}

	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		if cur, ok := m.pending[key]; ok && cur == ch {
			delete(m.pending, key)
			m.mu.Unlock()
			ch <- wire.Message{Kind: wire.KindTimeout}
			close(ch)
			return
		}
		m.mu.Unlock()
	})
	_ = timer

	return ch
}

// FanOut dispatches req to every node yielded by nodes (lazily), bounded
// to alpha concurrent outstanding requests, and forwards every response
// (including the terminal Timeout for each node) onto the returned result
// channel tagged with the node it came from. It stops pulling new nodes,
// and stops forwarding responses, when ctx is cancelled; it has no other
// shutdown signal, so a consumer that stops draining the result channel
// without cancelling ctx leaves the per-node senders blocked.
func (m *Mux) FanOut(ctx context.Context, nodes <-chan wire.Node, req wire.Message, timeout time.Duration, alpha int64) <-chan Result {
	out := make(chan Result)
	sem := semaphore.NewWeighted(alpha)

	go func() {
		defer close(out)

		var wg sync.WaitGroup
		for {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case node, ok := <-nodes:
				if !ok {
					wg.Wait()
					return
				}
				if err := sem.Acquire(ctx, 1); err != nil {
					wg.Wait()
					return
				}
				wg.Add(1)
				go func(node wire.Node) {
					defer wg.Done()
					defer sem.Release(1)

					msg := req
					if cookie, err := kadid.Random(); err == nil {
						msg.Cookie = cookie
					}
					respCh := m.SendRequest(ctx, node.Addr, msg, timeout)
					for resp := range respCh {
						select {
						case out <- Result{Node: node, Msg: resp}:
						case <-ctx.Done():
							return
						}
					}
				}(node)
			}
		}
	}()

	return out
}

// Result is one response observed during a FanOut, tagged with the node it
// came from.
type Result struct {
	Node wire.Node
	Msg  wire.Message
}

func (m *Mux) demux() {
	defer m.wg.Done()
	for {
		select {
		case in, ok := <-m.transport.Inbound():
			if !ok {
				return
			}
			m.route(in)
		case <-m.done:
			return
		}
	}
}

func (m *Mux) route(in wire.Inbound) {
	switch in.Msg.Kind {
	case wire.KindPong, wire.KindFoundNode, wire.KindFoundValue:
		key := pendingKey{addr: in.From.String(), cookie: in.Msg.Cookie}
		m.mu.Lock()
		ch, ok := m.pending[key]
		m.mu.Unlock()
		if ok {
			select {
			case ch <- in.Msg:
			default:
				// Slow consumer: still yield to the engine so the
				// routing-table update in spec.md §4.5.2 happens.
			}
		}
		m.forward(in)

	default:
		// Requests (Ping, FindNode, FindValue, Store) are yielded
		// directly; they were never registered as pending.
		m.forward(in)
	}
}

func (m *Mux) forward(in wire.Inbound) {
	select {
	case m.engineInbound <- in:
	case <-m.done:
	}
}
