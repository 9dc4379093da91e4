// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package nameserver

import (
	"strings"
	"sync"
	"testing"

	"github.com/blockfs/blockfs/internal/core"
	"github.com/blockfs/blockfs/internal/memfs"
)

func newTestNameserver() *Nameserver {
	cfg := DefaultConfig
	cfg.ClientAddr = "localhost:0"
	return NewNameserver(cfg, memfs.New(memfs.Config{MinReplication: 1}))
}

func registerTestNode(t *testing.T, n *Nameserver, addr string) core.NodeRegistration {
	t.Helper()
	reg, err := n.registerNode(core.NodeRegistration{Addr: addr, LayoutVersion: core.LayoutVersion})
	if err != core.NoError {
		t.Fatalf("failed to register node at %s: %s", addr, err)
	}
	return reg
}

// A node built for a different layout version must be turned away at
// registration time.
func TestRegisterRejectsWrongLayout(t *testing.T) {
	n := newTestNameserver()
	_, err := n.registerNode(core.NodeRegistration{Addr: "ts1:4000", LayoutVersion: core.LayoutVersion - 1})
	if err != core.ErrIncorrectVersion {
		t.Fatalf("expected ErrIncorrectVersion, got %s", err)
	}
	_, err = n.registerNode(core.NodeRegistration{Addr: "ts1:4000", LayoutVersion: core.LayoutVersion + 1})
	if err != core.ErrIncorrectVersion {
		t.Fatalf("expected ErrIncorrectVersion, got %s", err)
	}
}

// A heartbeat carrying a stale registration id must be refused before any
// liveness state is updated.
func TestHeartbeatStaleRegistrationID(t *testing.T) {
	n := newTestNameserver()
	reg := registerTestNode(t, n, "ts1:4000")

	stale := reg
	stale.RegistrationID = "not-the-issued-id"
	if _, err := n.heartbeat(stale, core.NodeUsage{Capacity: 100}); err != core.ErrUnregisteredNode {
		t.Fatalf("expected ErrUnregisteredNode, got %s", err)
	}
	for _, info := range n.getNodes() {
		if info.ID == reg.ID && info.Usage.Capacity != 0 {
			t.Fatalf("liveness state updated despite failed verification")
		}
	}

	// Version mismatch wins over registration checks.
	wrong := reg
	wrong.LayoutVersion = core.LayoutVersion - 1
	if _, err := n.heartbeat(wrong, core.NodeUsage{}); err != core.ErrIncorrectVersion {
		t.Fatalf("expected ErrIncorrectVersion, got %s", err)
	}
}

func TestHeartbeatDrainsCommandsInOrder(t *testing.T) {
	n := newTestNameserver()
	reg := registerTestNode(t, n, "ts1:4000")

	holder := core.LeaseHolder{ClientName: "c1", ClientAddr: "client:1"}
	if err := n.create("/a", holder.ClientName, holder.ClientAddr, false, 1, 64<<20); err != core.NoError {
		t.Fatalf("create: %s", err)
	}
	lb1, err := n.addBlock("/a", "c1", "client:1", core.AddBlockOptions{})
	if err != core.NoError {
		t.Fatalf("addBlock: %s", err)
	}
	if err := n.blockReceivedAndDeleted(reg, []core.Block{lb1.Block}, nil); err != core.NoError {
		t.Fatalf("blockReceivedAndDeleted: %s", err)
	}
	lb2, err := n.addBlock("/a", "c1", "client:1", core.AddBlockOptions{LastBlock: &lb1.Block})
	if err != core.NoError {
		t.Fatalf("addBlock: %s", err)
	}
	if err := n.blockReceivedAndDeleted(reg, []core.Block{lb2.Block}, nil); err != core.NoError {
		t.Fatalf("blockReceivedAndDeleted: %s", err)
	}

	// Abandoning both blocks queues two deletes in order.
	if err := n.abandonBlock(lb2.Block, "/a", "c1"); err != core.NoError {
		t.Fatalf("abandonBlock: %s", err)
	}
	if err := n.abandonBlock(lb1.Block, "/a", "c1"); err != core.NoError {
		t.Fatalf("abandonBlock: %s", err)
	}

	cmds, err := n.heartbeat(reg, core.NodeUsage{})
	if err != core.NoError {
		t.Fatalf("heartbeat: %s", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
	if cmds[0].Op != core.CmdDelete || cmds[0].Blocks[0].ID != lb2.Block.ID {
		t.Fatalf("first command should delete %s, got %+v", lb2.Block, cmds[0])
	}
	if cmds[1].Op != core.CmdDelete || cmds[1].Blocks[0].ID != lb1.Block.ID {
		t.Fatalf("second command should delete %s, got %+v", lb1.Block, cmds[1])
	}

	// The queue is drained; a second heartbeat returns nothing.
	if cmds, err = n.heartbeat(reg, core.NodeUsage{}); err != core.NoError || len(cmds) != 0 {
		t.Fatalf("expected empty queue, got %v, %s", cmds, err)
	}
}

// A full report carrying a replica with a stale generation stamp earns the
// node a delete command for it.
func TestBlockReportStaleReplica(t *testing.T) {
	n := newTestNameserver()
	reg := registerTestNode(t, n, "ts1:4000")

	if err := n.create("/f", "c1", "client:1", false, 1, 64<<20); err != core.NoError {
		t.Fatalf("create: %s", err)
	}
	lb, err := n.addBlock("/f", "c1", "client:1", core.AddBlockOptions{})
	if err != core.NoError {
		t.Fatalf("addBlock: %s", err)
	}

	stale := lb.Block
	stale.GenStamp--
	if _, err := n.blockReport(reg, core.EncodeBlockList([]core.Block{stale})); err != core.NoError {
		t.Fatalf("blockReport: %s", err)
	}

	cmds, err := n.heartbeat(reg, core.NodeUsage{})
	if err != core.NoError {
		t.Fatalf("heartbeat: %s", err)
	}
	if len(cmds) != 1 || cmds[0].Op != core.CmdDelete || cmds[0].Blocks[0].GenStamp != stale.GenStamp {
		t.Fatalf("expected a delete command for the stale replica, got %+v", cmds)
	}
}

func TestBlockReportMalformed(t *testing.T) {
	n := newTestNameserver()
	reg := registerTestNode(t, n, "ts1:4000")
	if _, err := n.blockReport(reg, core.BlockList{1, 2}); err != core.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %s", err)
	}
}

// A fatal disk error removes the node; a notify-level report never needs
// verification.
func TestErrorReportSeverities(t *testing.T) {
	n := newTestNameserver()
	reg := registerTestNode(t, n, "ts1:4000")

	unverified := core.NodeRegistration{Addr: "who:1"}
	if err := n.errorReport(unverified, core.SeverityNotify, "just saying"); err != core.NoError {
		t.Fatalf("notify should skip verification: %s", err)
	}

	if err := n.errorReport(reg, core.SeverityFatalDiskError, "all disks gone"); err != core.NoError {
		t.Fatalf("errorReport: %s", err)
	}
	if _, err := n.heartbeat(reg, core.NodeUsage{}); err != core.ErrUnregisteredNode {
		t.Fatalf("node should be gone after fatal disk error, got %s", err)
	}
	if len(n.getNodes()) != 0 {
		t.Fatalf("volatile node view should be empty")
	}
}

func TestCheckPath(t *testing.T) {
	n := newTestNameserver()

	if err := n.checkPath("/ok/path"); err != core.NoError {
		t.Fatalf("valid path rejected: %s", err)
	}
	if err := n.checkPath("relative/path"); err != core.ErrPathInvalid {
		t.Fatalf("expected ErrPathInvalid for relative path, got %s", err)
	}
	if err := n.checkPath(""); err != core.ErrPathInvalid {
		t.Fatalf("expected ErrPathInvalid for empty path, got %s", err)
	}

	long := "/" + strings.Repeat("x", n.cfg.MaxPathLength)
	if err := n.checkPath(long); err != core.ErrPathInvalid {
		t.Fatalf("expected ErrPathInvalid for long path, got %s", err)
	}
	deep := strings.Repeat("/d", n.cfg.MaxPathDepth+1)
	if err := n.checkPath(deep); err != core.ErrPathInvalid {
		t.Fatalf("expected ErrPathInvalid for deep path, got %s", err)
	}
}

// Two clients racing to create the same path: exactly one wins the lease.
func TestCreateRace(t *testing.T) {
	n := newTestNameserver()

	const racers = 8
	errs := make([]core.Error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = n.create("/contested", "client", "addr", false, 1, 64<<20)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch err {
		case core.NoError:
			winners++
		case core.ErrLeaseConflict:
		default:
			t.Fatalf("unexpected error: %s", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestRefreshServiceACL(t *testing.T) {
	n := newTestNameserver()
	if err := n.refreshServiceACL(); err != core.ErrPolicyDisabled {
		t.Fatalf("expected ErrPolicyDisabled, got %s", err)
	}

	n.cfg.ServiceAuthEnabled = true
	if err := n.refreshServiceACL(); err != core.NoError {
		t.Fatalf("refresh with auth enabled: %s", err)
	}
}
