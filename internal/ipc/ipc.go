// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ipc exposes the engine's put/get surface to local processes over
// a net/rpc Unix-domain-socket service (spec.md §6): no ecosystem RPC
// framework in the corpus targets a same-host, single-binary IPC use case
// better than the standard library's own net/rpc, so this is the one
// corner of the module built on stdlib alone (see DESIGN.md).
package ipc

import (
	"context"
	"crypto/sha1"
	"net"
	"net/rpc"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/manuels/bulletinboard-dht/internal/dht"
	"github.com/manuels/bulletinboard-dht/internal/kadid"
)

// DeriveKey computes the storage key for (appID, userKey): SHA-1(appID ||
// userKey), landing in the same 160-bit space as every other Key.
func DeriveKey(appID, userKey []byte) kadid.Key {
	sum := sha1.Sum(append(append([]byte(nil), appID...), userKey...))
	return kadid.Key(sum)
}

// PutArgs is the request for Service.Put.
type PutArgs struct {
	AppID    []byte
	UserKey  []byte
	Value    []byte
	Lifetime int64 // seconds; 0 means a one-shot put, no republishing
}

// PutReply is the (empty) response for Service.Put.
type PutReply struct{}

// GetArgs is the request for Service.Get.
type GetArgs struct {
	AppID   []byte
	UserKey []byte
}

// GetReply is the response for Service.Get: the collaborator must not
// assume any ordering among Values.
type GetReply struct {
	Values [][]byte
}

// Service implements the IPC surface over the engine. Its methods are
// exported for net/rpc's reflection-based registration.
type Service struct {
	engine *dht.Engine
	log    *zap.Logger
}

// Put stores value under sha1(AppID||UserKey). A non-zero Lifetime keeps
// it republished; a zero Lifetime issues a single best-effort put.
func (s *Service) Put(args *PutArgs, reply *PutReply) error {
	key := DeriveKey(args.AppID, args.UserKey)
	ctx := context.Background()
	if args.Lifetime > 0 {
		return s.engine.Store(ctx, key, args.Value, secondsToDuration(args.Lifetime))
	}
	return s.engine.Put(ctx, key, args.Value)
}

// Get returns every value stored under sha1(AppID||UserKey).
func (s *Service) Get(args *GetArgs, reply *GetReply) error {
	key := DeriveKey(args.AppID, args.UserKey)
	values, err := s.engine.Get(context.Background(), key)
	if err != nil {
		return err
	}
	reply.Values = values
	return nil
}

// Server listens on a Unix socket and serves Service over net/rpc.
type Server struct {
	listener net.Listener
	log      *zap.Logger
}

// Listen removes any stale socket file at path, binds a new Unix listener,
// registers engine's Service, and starts accepting connections in the
// background.
func Listen(log *zap.Logger, path string, engine *dht.Engine) (*Server, error) {
	_ = os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	server := rpc.NewServer()
	if err := server.Register(&Service{engine: engine, log: log}); err != nil {
		_ = listener.Close()
		return nil, err
	}

	s := &Server{listener: listener, log: log}
	go s.serve(server)
	return s, nil
}

func (s *Server) serve(server *rpc.Server) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go server.ServeConn(conn)
	}
}

// Close stops accepting new IPC connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Client dials an existing IPC socket.
type Client struct {
	rpcClient *rpc.Client
}

// Dial connects to the IPC socket at path.
func Dial(path string) (*Client, error) {
	rpcClient, err := rpc.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return &Client{rpcClient: rpcClient}, nil
}

// Put calls Service.Put over the wire.
func (c *Client) Put(appID, userKey, value []byte, lifetimeSeconds int64) error {
	return c.rpcClient.Call("Service.Put", &PutArgs{AppID: appID, UserKey: userKey, Value: value, Lifetime: lifetimeSeconds}, &PutReply{})
}

// Get calls Service.Get over the wire.
func (c *Client) Get(appID, userKey []byte) ([][]byte, error) {
	reply := &GetReply{}
	err := c.rpcClient.Call("Service.Get", &GetArgs{AppID: appID, UserKey: userKey}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Values, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.rpcClient.Close()
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
