// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package wire

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/zeebo/errs"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
)

// MalformedMessage is returned by Decode when a frame cannot be parsed.
// Decode errors never propagate to the receive loop: they are logged and
// the frame is dropped (spec.md §7).
var MalformedMessage = errs.Class("malformed message")

// Encode serializes msg into a deterministic, self-describing binary
// frame: a tag byte, the sender NodeID, the cookie, then
// variant-specific fields in a fixed order. Field order is fixed so two
// independent implementations of this wire format agree byte-for-byte.
func Encode(msg Message) ([]byte, error) {
	if len(msg.Value) > MaxValueLen {
		return nil, MalformedMessage.New("value too long: %d", len(msg.Value))
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(msg.Kind))
	buf.Write(msg.Sender[:])
	buf.Write(msg.Cookie[:])

	switch msg.Kind {
	case KindPing, KindPong:
		// no additional fields

	case KindFindNode, KindFindValue:
		buf.Write(msg.Key[:])

	case KindFoundNode:
		buf.Write(msg.Key[:])
		writeUint32(&buf, uint32(msg.Count))
		buf.Write(msg.Node.ID[:])
		writeAddr(&buf, msg.Node.Addr)

	case KindFoundValue:
		buf.Write(msg.Key[:])
		writeUint32(&buf, uint32(msg.Count))
		writeBytes(&buf, msg.Value)

	case KindStore:
		buf.Write(msg.Key[:])
		writeBytes(&buf, msg.Value)

	default:
		return nil, MalformedMessage.New("unknown kind %d", msg.Kind)
	}

	return buf.Bytes(), nil
}

// Decode parses a frame produced by Encode. Unrecognized or truncated
// frames return a MalformedMessage error; callers must silently discard
// the frame rather than propagate the error further.
func Decode(raw []byte) (Message, error) {
	r := bytes.NewReader(raw)

	kindByte, err := r.ReadByte()
	if err != nil {
		return Message{}, MalformedMessage.Wrap(err)
	}
	msg := Message{Kind: Kind(kindByte)}

	if _, err := readFull(r, msg.Sender[:]); err != nil {
		return Message{}, MalformedMessage.Wrap(err)
	}
	if _, err := readFull(r, msg.Cookie[:]); err != nil {
		return Message{}, MalformedMessage.Wrap(err)
	}

	switch msg.Kind {
	case KindPing, KindPong:
		// no additional fields

	case KindFindNode, KindFindValue:
		if _, err := readFull(r, msg.Key[:]); err != nil {
			return Message{}, MalformedMessage.Wrap(err)
		}

	case KindFoundNode:
		if _, err := readFull(r, msg.Key[:]); err != nil {
			return Message{}, MalformedMessage.Wrap(err)
		}
		count, err := readUint32(r)
		if err != nil {
			return Message{}, MalformedMessage.Wrap(err)
		}
		msg.Count = int(count)
		var id kadid.NodeID
		if _, err := readFull(r, id[:]); err != nil {
			return Message{}, MalformedMessage.Wrap(err)
		}
		addr, err := readAddr(r)
		if err != nil {
			return Message{}, MalformedMessage.Wrap(err)
		}
		msg.Node = Node{ID: id, Addr: addr}

	case KindFoundValue:
		if _, err := readFull(r, msg.Key[:]); err != nil {
			return Message{}, MalformedMessage.Wrap(err)
		}
		count, err := readUint32(r)
		if err != nil {
			return Message{}, MalformedMessage.Wrap(err)
		}
		msg.Count = int(count)
		value, err := readBytes(r)
		if err != nil {
			return Message{}, MalformedMessage.Wrap(err)
		}
		msg.Value = value

	case KindStore:
		if _, err := readFull(r, msg.Key[:]); err != nil {
			return Message{}, MalformedMessage.Wrap(err)
		}
		value, err := readBytes(r)
		if err != nil {
			return Message{}, MalformedMessage.Wrap(err)
		}
		msg.Value = value

	default:
		return Message{}, MalformedMessage.New("unknown kind %d", msg.Kind)
	}

	if r.Len() != 0 {
		return Message{}, MalformedMessage.New("trailing bytes: %d", r.Len())
	}

	return msg, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int(n) > MaxValueLen {
		return nil, errs.New("value length %d exceeds max %d", n, MaxValueLen)
	}
	out := make([]byte, n)
	if _, err := readFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// writeAddr encodes a UDP address as a 1-byte family tag, the raw IP
// bytes (4 or 16), and a 2-byte big-endian port.
func writeAddr(buf *bytes.Buffer, addr *net.UDPAddr) {
	if addr == nil {
		buf.WriteByte(0)
		return
	}
	if v4 := addr.IP.To4(); v4 != nil {
		buf.WriteByte(4)
		buf.Write(v4)
	} else {
		buf.WriteByte(6)
		buf.Write(addr.IP.To16())
	}
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(addr.Port))
	buf.Write(port[:])
}

func readAddr(r *bytes.Reader) (*net.UDPAddr, error) {
	family, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	var ip net.IP
	switch family {
	case 0:
		var port [2]byte
		if _, err := readFull(r, port[:]); err != nil {
			return nil, err
		}
		return nil, nil
	case 4:
		ip = make(net.IP, net.IPv4len)
	case 6:
		ip = make(net.IP, net.IPv6len)
	default:
		return nil, errs.New("unknown address family %d", family)
	}
	if _, err := readFull(r, ip); err != nil {
		return nil, err
	}
	var port [2]byte
	if _, err := readFull(r, port[:]); err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(port[:]))}, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
