// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package dht

import "github.com/zeebo/errs"

var (
	// ValueTooLong is returned by Put/Store when the value exceeds
	// MaxValueLen. It is the only error surfaced to the IPC client as a
	// discrete failure (spec.md §7).
	ValueTooLong = errs.Class("value too long")

	// InvalidPeerID marks an inbound message claiming a sender NodeID
	// equal to the local ID; updateBuckets logs and drops it.
	InvalidPeerID = errs.Class("invalid peer id")

	// NodeErr is the class for general engine errors.
	NodeErr = errs.Class("node error")

	// BootstrapErr is the class for bootstrap failures.
	BootstrapErr = errs.Class("bootstrap node error")
)
