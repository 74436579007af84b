// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package wire

import (
	"net"
	"time"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
)

// Node is a peer descriptor: its UDP socket address, its NodeID, and a
// monotonic last-seen timestamp. Two nodes are equal iff both their
// address and NodeID match.
type Node struct {
	Addr     *net.UDPAddr
	ID       kadid.NodeID
	LastSeen time.Time
}

// Equal reports whether n and other describe the same peer.
func (n Node) Equal(other Node) bool {
	return n.ID == other.ID && addrEqual(n.Addr, other.Addr)
}

func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port && a.Zone == b.Zone
}

// NormalizeAddr folds an IPv4-mapped IPv6 address to native IPv4. The
// normalized address must be used for every comparison and bucket-index
// lookup so that a peer reachable over both stacks is never double-counted.
func NormalizeAddr(addr *net.UDPAddr) *net.UDPAddr {
	if addr == nil {
		return nil
	}
	if v4 := addr.IP.To4(); v4 != nil {
		return &net.UDPAddr{IP: v4, Port: addr.Port, Zone: addr.Zone}
	}
	return addr
}

// allowNonGlobal disables the non-global address filter. Only ever set
// from tests (see SetAllowNonGlobal), matching spec.md §7/§9's requirement
// that the filter be bypassable under test builds.
var allowNonGlobal = false

// SetAllowNonGlobal bypasses IsGlobalUnicast's rejection of private,
// loopback, and link-local addresses. Intended for use from tests only.
func SetAllowNonGlobal(allow bool) {
	allowNonGlobal = allow
}

// IsGlobalUnicast reports whether addr is suitable for insertion into the
// routing table: not loopback, not link-local, not a documented
// private/unique-local range. Bypassed when SetAllowNonGlobal(true) has
// been called, so in-process tests can use loopback addresses freely.
func IsGlobalUnicast(ip net.IP) bool {
	if allowNonGlobal {
		return true
	}
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		return !isPrivateV4(v4)
	}
	return !isUniqueLocalV6(ip)
}

func isPrivateV4(ip net.IP) bool {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10", // carrier-grade NAT
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

func isUniqueLocalV6(ip net.IP) bool {
	return len(ip) == net.IPv6len && ip[0] == 0xfc || (len(ip) == net.IPv6len && ip[0] == 0xfd)
}
