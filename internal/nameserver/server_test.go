// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package nameserver

import (
	"net"
	"net/rpc"
	"testing"

	"github.com/blockfs/blockfs/internal/core"
	"github.com/blockfs/blockfs/internal/memfs"
)

func newTestServer(t *testing.T, split bool) *Server {
	t.Helper()
	cfg := DefaultConfig
	cfg.ClientAddr = "localhost:0"
	if split {
		cfg.NodeAddr = "localhost:0"
	}
	srv := NewServer(NewNameserver(cfg, memfs.New(memfs.Config{MinReplication: 1})))
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %s", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func dialRPC(t *testing.T, addr string) *rpc.Client {
	t.Helper()
	c, err := rpc.DialHTTPPath("tcp", addr, rpcPath)
	if err != nil {
		t.Fatalf("failed to dial %s: %s", addr, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// An ephemeral port must be resolved to a concrete one once bound.
func TestServerEphemeralAddr(t *testing.T) {
	srv := newTestServer(t, true)

	for _, addr := range []string{srv.ClientAddr(), srv.NodeAddr()} {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			t.Fatalf("bad effective address %q: %s", addr, err)
		}
		if port == "0" || port == "" {
			t.Fatalf("ephemeral port not resolved in %q", addr)
		}
	}
	if srv.ClientAddr() == srv.NodeAddr() {
		t.Fatalf("split deployment reuses one address: %s", srv.ClientAddr())
	}
}

// Startup must fail fast when a configured port is taken, without leaving
// the other endpoint half-started.
func TestServerPortConflict(t *testing.T) {
	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	defer lis.Close()

	cfg := DefaultConfig
	cfg.ClientAddr = "localhost:0"
	cfg.NodeAddr = lis.Addr().String()
	srv := NewServer(NewNameserver(cfg, memfs.New(memfs.Config{})))
	if err := srv.Start(); err == nil {
		t.Fatalf("expected startup to fail on a taken port")
	}
}

func TestServerStopIdempotent(t *testing.T) {
	srv := newTestServer(t, false)
	srv.Stop()
	srv.Stop()
	srv.Wait()
}

// Negotiation over the wire: each endpoint serves its own families.
func TestServerVersionNegotiation(t *testing.T) {
	srv := newTestServer(t, true)

	client := dialRPC(t, srv.ClientAddr())
	var reply core.GetProtocolVersionReply
	req := core.GetProtocolVersionReq{Family: core.ClientProtocol, Version: core.ClientProtocolVersion}
	if err := client.Call(core.GetProtocolVersionMethod, req, &reply); err != nil {
		t.Fatalf("rpc failed: %s", err)
	}
	if reply.Err != core.NoError || reply.Version != core.ClientProtocolVersion {
		t.Fatalf("unexpected reply %+v", reply)
	}

	// Node protocol on the client endpoint of a split deployment.
	req = core.GetProtocolVersionReq{Family: core.NodeProtocol, Version: core.NodeProtocolVersion}
	if err := client.Call(core.GetProtocolVersionMethod, req, &reply); err != nil {
		t.Fatalf("rpc failed: %s", err)
	}
	if reply.Err != core.ErrWrongEndpoint {
		t.Fatalf("expected ErrWrongEndpoint, got %s", reply.Err)
	}

	node := dialRPC(t, srv.NodeAddr())
	if err := node.Call(core.GetProtocolVersionMethod, req, &reply); err != nil {
		t.Fatalf("rpc failed: %s", err)
	}
	if reply.Err != core.NoError || reply.Version != core.NodeProtocolVersion {
		t.Fatalf("unexpected reply %+v", reply)
	}

	// The client receiver set isn't even registered on the node endpoint.
	var createReply core.CreateReply
	if err := node.Call(core.CreateMethod, core.CreateReq{Path: "/x"}, &createReply); err == nil {
		t.Fatalf("client method should not exist on the node endpoint")
	}
}

// Without a node address configured the single endpoint serves everything.
func TestServerSharedEndpoint(t *testing.T) {
	srv := newTestServer(t, false)
	if srv.ClientAddr() != srv.NodeAddr() {
		t.Fatalf("shared deployment has two addresses: %s vs %s", srv.ClientAddr(), srv.NodeAddr())
	}

	c := dialRPC(t, srv.ClientAddr())
	var reply core.GetProtocolVersionReply
	req := core.GetProtocolVersionReq{Family: core.NodeProtocol, Version: core.NodeProtocolVersion}
	if err := c.Call(core.GetProtocolVersionMethod, req, &reply); err != nil {
		t.Fatalf("rpc failed: %s", err)
	}
	if reply.Err != core.NoError {
		t.Fatalf("node protocol on shared endpoint: %s", reply.Err)
	}
}

// The whole write pipeline over the wire: register a node, create, allocate,
// acknowledge, complete.
func TestServerWritePipeline(t *testing.T) {
	srv := newTestServer(t, true)
	node := dialRPC(t, srv.NodeAddr())
	client := dialRPC(t, srv.ClientAddr())

	var regReply core.RegisterNodeReply
	regReq := core.RegisterNodeReq{Node: core.NodeRegistration{Addr: "ts1:4000", LayoutVersion: core.LayoutVersion}}
	if err := node.Call(core.RegisterNodeMethod, regReq, &regReply); err != nil {
		t.Fatalf("register rpc failed: %s", err)
	}
	if regReply.Err != core.NoError || !regReply.Node.ID.IsValid() {
		t.Fatalf("unexpected register reply %+v", regReply)
	}

	var createReply core.CreateReply
	createReq := core.CreateReq{Path: "/pipeline", ClientName: "c1", Replication: 1, BlockSize: 64 << 20}
	if err := client.Call(core.CreateMethod, createReq, &createReply); err != nil {
		t.Fatalf("create rpc failed: %s", err)
	}
	if createReply.Err != core.NoError {
		t.Fatalf("create: %s", createReply.Err)
	}

	// A second writer is locked out while the lease is open, even from a
	// different connection.
	client2 := dialRPC(t, srv.ClientAddr())
	createReq.ClientName = "c2"
	if err := client2.Call(core.CreateMethod, createReq, &createReply); err != nil {
		t.Fatalf("create rpc failed: %s", err)
	}
	if createReply.Err != core.ErrLeaseConflict {
		t.Fatalf("expected ErrLeaseConflict, got %s", createReply.Err)
	}

	var addReply core.AddBlockReply
	addReq := core.AddBlockReq{Path: "/pipeline", ClientName: "c1"}
	if err := client.Call(core.AddBlockMethod, addReq, &addReply); err != nil {
		t.Fatalf("addBlock rpc failed: %s", err)
	}
	if addReply.Err != core.NoError || len(addReply.Block.Targets) != 1 || addReply.Block.Targets[0] != "ts1:4000" {
		t.Fatalf("unexpected addBlock reply %+v", addReply)
	}

	// Before the node acknowledges the replica, complete keeps the caller
	// polling.
	block := addReply.Block.Block
	block.NumBytes = 1234
	var completeReply core.CompleteReply
	completeReq := core.CompleteReq{Path: "/pipeline", ClientName: "c1", Length: 1234, LastBlock: &block}
	if err := client.Call(core.CompleteMethod, completeReq, &completeReply); err != nil {
		t.Fatalf("complete rpc failed: %s", err)
	}
	if completeReply.Err != core.NoError || completeReply.Status != core.CompleteStillWaiting {
		t.Fatalf("expected still-waiting, got %+v", completeReply)
	}

	var ackReply core.BlockReceivedAndDeletedReply
	ackReq := core.BlockReceivedAndDeletedReq{Node: regReply.Node, Received: []core.Block{block}}
	if err := node.Call(core.BlockReceivedAndDeletedMethod, ackReq, &ackReply); err != nil {
		t.Fatalf("ack rpc failed: %s", err)
	}
	if ackReply.Err != core.NoError {
		t.Fatalf("ack: %s", ackReply.Err)
	}

	if err := client.Call(core.CompleteMethod, completeReq, &completeReply); err != nil {
		t.Fatalf("complete rpc failed: %s", err)
	}
	if completeReply.Err != core.NoError || completeReply.Status != core.CompleteSuccess {
		t.Fatalf("expected success, got %+v", completeReply)
	}

	// Lost-reply retry: the same holder completing again still succeeds.
	if err := client.Call(core.CompleteMethod, completeReq, &completeReply); err != nil {
		t.Fatalf("complete rpc failed: %s", err)
	}
	if completeReply.Err != core.NoError || completeReply.Status != core.CompleteSuccess {
		t.Fatalf("retried complete should succeed, got %+v", completeReply)
	}

	var locReply core.GetBlockLocationsReply
	locReq := core.GetBlockLocationsReq{Path: "/pipeline", Offset: 0, Length: 1 << 30}
	if err := client.Call(core.GetBlockLocationsMethod, locReq, &locReply); err != nil {
		t.Fatalf("getBlockLocations rpc failed: %s", err)
	}
	if locReply.Err != core.NoError || len(locReply.Blocks) != 1 || locReply.Blocks[0].Block.NumBytes != 1234 {
		t.Fatalf("unexpected locations %+v", locReply)
	}

	var listReply core.GetListingReply
	if err := client.Call(core.GetListingMethod, core.GetListingReq{Path: "/"}, &listReply); err != nil {
		t.Fatalf("getListing rpc failed: %s", err)
	}
	if listReply.Err != core.NoError || len(listReply.Entries) != 1 || listReply.Entries[0].Path != "/pipeline" {
		t.Fatalf("unexpected listing %+v", listReply)
	}

	var lenReply core.GetBlockLengthsReply
	lenReq := core.GetBlockLengthsReq{IDs: []core.BlockID{block.ID, 999999}}
	if err := client.Call(core.GetBlockLengthsMethod, lenReq, &lenReply); err != nil {
		t.Fatalf("getBlockLengths rpc failed: %s", err)
	}
	if lenReply.Err != core.NoError || len(lenReply.Lengths) != 2 || lenReply.Lengths[0] != 1234 || lenReply.Lengths[1] != -1 {
		t.Fatalf("unexpected lengths %+v", lenReply)
	}
}
