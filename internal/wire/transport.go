// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package wire

import (
	"context"
	"net"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var mon = monkit.Package()

// Error is the class for all transport-level errors.
var Error = errs.Class("wire transport error")

const maxDatagram = 65507

// Inbound pairs a decoded Message with the (normalized) address it arrived
// from.
type Inbound struct {
	From *net.UDPAddr
	Msg  Message
}

// Transport binds a UDP endpoint, encodes/decodes frames, and normalizes
// peer addresses. It has no notion of requests or responses; that
// correlation lives one layer up, in internal/rpc.
type Transport struct {
	conn *net.UDPConn
	log  *zap.Logger

	inbound chan Inbound
	done    chan struct{}
}

// Bind opens a UDP socket at addr and starts the receive loop.
func Bind(log *zap.Logger, addr string) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	t := &Transport{
		conn:    conn,
		log:     log,
		inbound: make(chan Inbound, 256),
		done:    make(chan struct{}),
	}
	go t.receiveLoop()
	return t, nil
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Inbound yields every decoded frame reaching this socket, requests and
// responses alike. The multiplexer is responsible for demultiplexing
// responses to waiters and forwarding everything else (and every response,
// per spec.md §4.2) onward to the engine.
func (t *Transport) Inbound() <-chan Inbound {
	return t.inbound
}

// Send encodes and writes msg to addr. Send errors on unreachable
// addresses are logged and dropped (spec.md §4.2 failure semantics) rather
// than returned, except for encode failures which are always the caller's
// bug (value too long, unknown kind).
func (t *Transport) Send(ctx context.Context, addr *net.UDPAddr, msg Message) (err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDP(raw, addr); err != nil {
		t.log.Debug("send failed, dropping", zap.Stringer("addr", addr), zap.Error(err))
		return nil
	}
	return nil
}

// Close stops the receive loop and releases the socket.
func (t *Transport) Close() error {
	close(t.done)
	return t.conn.Close()
}

func (t *Transport) receiveLoop() {
	defer close(t.inbound)

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				t.log.Debug("read failed", zap.Error(err))
				return
			}
		}

		msg, err := Decode(buf[:n])
		if err != nil {
			// Decode errors never propagate; the frame is simply dropped.
			t.log.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}

		normalized := NormalizeAddr(from)
		select {
		case t.inbound <- Inbound{From: normalized, Msg: msg}:
		case <-t.done:
			return
		}
	}
}
