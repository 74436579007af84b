// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package nodefile persists the set of known peer addresses across
// restarts: a single bbolt bucket keyed by NodeID, written on the same
// five-minute cadence as republishing (spec.md §6). On startup its
// contents seed the bootstrap supernode list before internal/dht.Bootstrap
// runs. Grounded on the teacher's bbolt-backed KeyValueStore (see
// other_examples/b8e7636a_storj-storj__pkg-kademlia-routing.go.go), here
// adapted from k-bucket persistence to a flat node list.
package nodefile

import (
	"context"
	"net"
	"time"

	"go.etcd.io/bbolt"

	"github.com/manuels/bulletinboard-dht/internal/kadid"
	"github.com/manuels/bulletinboard-dht/internal/syncutil"
	"github.com/manuels/bulletinboard-dht/internal/wire"
)

var nodesBucket = []byte("nodes")

// File is a bbolt-backed persistent node-list file.
type File struct {
	db *bbolt.DB

	cycle syncutil.Cycle
}

// Open creates or opens the node-list file at path.
func Open(path string) (*File, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &File{db: db}, nil
}

// Close releases the underlying bbolt database and stops any running
// periodic save.
func (f *File) Close() error {
	f.cycle.Stop()
	return f.db.Close()
}

// Save overwrites the file's contents with exactly the given nodes.
func (f *File) Save(nodes []wire.Node) error {
	return f.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(nodesBucket); err != nil {
			return err
		}
		bucket, err := tx.CreateBucket(nodesBucket)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.Addr == nil {
				continue
			}
			if err := bucket.Put(n.ID[:], []byte(n.Addr.String())); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns every (address, NodeID) pair currently on disk.
func (f *File) Load() ([]wire.Node, error) {
	var nodes []wire.Node
	err := f.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(nodesBucket)
		return bucket.ForEach(func(k, v []byte) error {
			var id kadid.ID
			copy(id[:], k)
			addr, err := net.ResolveUDPAddr("udp", string(v))
			if err != nil {
				return nil // skip unparsable entries rather than fail the whole load
			}
			nodes = append(nodes, wire.Node{ID: id, Addr: addr})
			return nil
		})
	})
	return nodes, err
}

// RunPeriodicSave saves source's current nodes every interval until ctx is
// cancelled.
func (f *File) RunPeriodicSave(ctx context.Context, interval time.Duration, source func() []wire.Node) error {
	f.cycle.SetInterval(interval)
	return f.cycle.Run(ctx, func(ctx context.Context) error {
		return f.Save(source())
	})
}
