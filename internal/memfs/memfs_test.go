// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package memfs

import (
	"path/filepath"
	"testing"

	"github.com/blockfs/blockfs/internal/core"
)

var (
	alice = core.LeaseHolder{ClientName: "alice", ClientAddr: "10.0.0.1:999"}
	bob   = core.LeaseHolder{ClientName: "bob", ClientAddr: "10.0.0.2:999"}
)

func newTestFS(t *testing.T) *MemFS {
	t.Helper()
	fs := New(Config{MinReplication: 1})
	t.Cleanup(fs.Close)
	return fs
}

// addNode registers a storage node and returns its canonical registration.
func addNode(t *testing.T, fs *MemFS, addr string) core.NodeRegistration {
	t.Helper()
	reg, err := fs.RegisterNode(core.NodeRegistration{Addr: addr, LayoutVersion: core.LayoutVersion})
	if err != core.NoError {
		t.Fatalf("failed to register %s: %s", addr, err)
	}
	return reg
}

// openAndAllocate creates a file and allocates one block for it.
func openAndAllocate(t *testing.T, fs *MemFS, path string, holder core.LeaseHolder) core.LocatedBlock {
	t.Helper()
	if err := fs.StartFile(path, holder, false, 1, 64<<20); err != core.NoError {
		t.Fatalf("create %s: %s", path, err)
	}
	lb, err := fs.GetAdditionalBlock(path, holder, core.AddBlockOptions{})
	if err != core.NoError {
		t.Fatalf("addBlock %s: %s", path, err)
	}
	return lb
}

// ack tells the authority a node holds a replica of the block.
func ack(t *testing.T, fs *MemFS, reg core.NodeRegistration, b core.Block) {
	t.Helper()
	if err := fs.BlockReceivedAndDeleted(reg.ID, []core.Block{b}, nil); err != core.NoError {
		t.Fatalf("ack %s: %s", b, err)
	}
}

func TestLeaseMutualExclusion(t *testing.T) {
	fs := newTestFS(t)

	if err := fs.StartFile("/f", alice, false, 1, 64<<20); err != core.NoError {
		t.Fatalf("create: %s", err)
	}
	if err := fs.StartFile("/f", bob, false, 1, 64<<20); err != core.ErrLeaseConflict {
		t.Fatalf("expected ErrLeaseConflict, got %s", err)
	}
	// Even overwrite cannot steal an open lease.
	if err := fs.StartFile("/f", bob, true, 1, 64<<20); err != core.ErrLeaseConflict {
		t.Fatalf("expected ErrLeaseConflict on overwrite, got %s", err)
	}
}

func TestCreateExisting(t *testing.T) {
	fs := newTestFS(t)
	reg := addNode(t, fs, "ts1:4000")

	lb := openAndAllocate(t, fs, "/f", alice)
	ack(t, fs, reg, lb.Block)
	if status, err := fs.CompleteFile("/f", alice.ClientName, -1, nil); err != core.NoError || status != core.CompleteSuccess {
		t.Fatalf("complete: %s/%s", status, err)
	}

	if err := fs.StartFile("/f", bob, false, 1, 64<<20); err != core.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %s", err)
	}
	// Overwriting a complete file works and schedules the old block's
	// deletion.
	if err := fs.StartFile("/f", bob, true, 1, 64<<20); err != core.NoError {
		t.Fatalf("overwrite: %s", err)
	}
	cmds, err := fs.HandleHeartbeat(reg.ID, core.NodeUsage{})
	if err != core.NoError || len(cmds) != 1 || cmds[0].Op != core.CmdDelete {
		t.Fatalf("expected one delete command, got %v, %s", cmds, err)
	}
}

// A lease-holder-only call must match both the name and the originating
// address of the holder.
func TestAddBlockHolderChecks(t *testing.T) {
	fs := newTestFS(t)
	addNode(t, fs, "ts1:4000")
	openAndAllocate(t, fs, "/f", alice)

	if _, err := fs.GetAdditionalBlock("/f", bob, core.AddBlockOptions{}); err != core.ErrNotLeaseHolder {
		t.Fatalf("expected ErrNotLeaseHolder, got %s", err)
	}
	spoofed := core.LeaseHolder{ClientName: alice.ClientName, ClientAddr: bob.ClientAddr}
	if _, err := fs.GetAdditionalBlock("/f", spoofed, core.AddBlockOptions{}); err != core.ErrNotLeaseHolder {
		t.Fatalf("expected ErrNotLeaseHolder for spoofed address, got %s", err)
	}
	if _, err := fs.GetAdditionalBlock("/nope", alice, core.AddBlockOptions{}); err != core.ErrNoSuchFile {
		t.Fatalf("expected ErrNoSuchFile, got %s", err)
	}
}

// A retried allocation whose reply was lost returns the existing trailing
// block instead of allocating a duplicate.
func TestAddBlockRetry(t *testing.T) {
	fs := newTestFS(t)
	reg := addNode(t, fs, "ts1:4000")

	first := openAndAllocate(t, fs, "/f", alice)
	ack(t, fs, reg, first.Block)
	second, err := fs.GetAdditionalBlock("/f", alice, core.AddBlockOptions{LastBlock: &first.Block})
	if err != core.NoError {
		t.Fatalf("addBlock: %s", err)
	}

	// The client never saw 'second' and retries with 'first' as its last
	// known block.
	retried, err := fs.GetAdditionalBlock("/f", alice, core.AddBlockOptions{LastBlock: &first.Block})
	if err != core.NoError {
		t.Fatalf("retried addBlock: %s", err)
	}
	if retried.Block.ID != second.Block.ID {
		t.Fatalf("retry allocated a new block: %s vs %s", retried.Block, second.Block)
	}

	// A last block that is neither the tail nor the penultimate one is a
	// protocol violation.
	bogus := core.Block{ID: 9999}
	if _, err := fs.GetAdditionalBlock("/f", alice, core.AddBlockOptions{LastBlock: &bogus}); err != core.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %s", err)
	}
}

func TestAddBlockPlacement(t *testing.T) {
	fs := newTestFS(t)
	addNode(t, fs, "ts1:4000")
	addNode(t, fs, "ts2:4000")
	addNode(t, fs, "ts3:4000")

	if err := fs.StartFile("/f", alice, false, 2, 64<<20); err != core.NoError {
		t.Fatalf("create: %s", err)
	}
	lb, err := fs.GetAdditionalBlock("/f", alice, core.AddBlockOptions{
		ExcludedNodes: []string{"ts1:4000"},
		FavoredNodes:  []string{"ts3:4000"},
	})
	if err != core.NoError {
		t.Fatalf("addBlock: %s", err)
	}
	if len(lb.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %v", lb.Targets)
	}
	if lb.Targets[0] != "ts3:4000" {
		t.Fatalf("favored node not first: %v", lb.Targets)
	}
	for _, target := range lb.Targets {
		if target == "ts1:4000" {
			t.Fatalf("excluded node placed on: %v", lb.Targets)
		}
	}
}

func TestCompleteTriState(t *testing.T) {
	fs := newTestFS(t)
	reg := addNode(t, fs, "ts1:4000")
	lb := openAndAllocate(t, fs, "/f", alice)

	// Unreplicated tail keeps the caller polling.
	status, err := fs.CompleteFile("/f", alice.ClientName, -1, &lb.Block)
	if err != core.NoError || status != core.CompleteStillWaiting {
		t.Fatalf("expected still-waiting, got %s/%s", status, err)
	}

	// Only the holder may complete.
	if _, err := fs.CompleteFile("/f", bob.ClientName, -1, &lb.Block); err != core.ErrNotLeaseHolder {
		t.Fatalf("expected ErrNotLeaseHolder, got %s", err)
	}

	ack(t, fs, reg, lb.Block)
	status, err = fs.CompleteFile("/f", alice.ClientName, 777, &core.Block{ID: lb.Block.ID, GenStamp: lb.Block.GenStamp, NumBytes: 777})
	if err != core.NoError || status != core.CompleteSuccess {
		t.Fatalf("expected success, got %s/%s", status, err)
	}

	// Idempotent for the holder whose reply was lost.
	status, err = fs.CompleteFile("/f", alice.ClientName, 777, &lb.Block)
	if err != core.NoError || status != core.CompleteSuccess {
		t.Fatalf("retried complete: %s/%s", status, err)
	}

	// Anyone else completing the closed file has no lease.
	if _, err := fs.CompleteFile("/f", bob.ClientName, -1, nil); err != core.ErrNoLease {
		t.Fatalf("expected ErrNoLease, got %s", err)
	}

	if info, err := fs.GetFileInfo("/f"); err != core.NoError || info.Length != 777 {
		t.Fatalf("unexpected file info %+v, %s", info, err)
	}
}

func TestRecoverLease(t *testing.T) {
	fs := newTestFS(t)
	reg := addNode(t, fs, "ts1:4000")

	// Recovering a complete file reports done immediately.
	lb := openAndAllocate(t, fs, "/done", alice)
	ack(t, fs, reg, lb.Block)
	fs.CompleteFile("/done", alice.ClientName, -1, nil)
	if done, err := fs.RecoverLease("/done", bob.ClientName, bob.ClientAddr, false); err != core.NoError || !done {
		t.Fatalf("expected immediate recovery, got done=%v err=%s", done, err)
	}

	// Discarding an unacknowledged tail closes the file without it.
	first := openAndAllocate(t, fs, "/orphan", alice)
	ack(t, fs, reg, first.Block)
	if _, err := fs.GetAdditionalBlock("/orphan", alice, core.AddBlockOptions{LastBlock: &first.Block}); err != core.NoError {
		t.Fatalf("addBlock: %s", err)
	}
	done, err := fs.RecoverLease("/orphan", bob.ClientName, bob.ClientAddr, true)
	if err != core.NoError || !done {
		t.Fatalf("expected synchronous recovery, got done=%v err=%s", done, err)
	}
	locs, err := fs.GetBlockLocations("/orphan", 0, 1<<40)
	if err != core.NoError || len(locs) != 1 || locs[0].Block.ID != first.Block.ID {
		t.Fatalf("discarded tail still present: %v, %s", locs, err)
	}
	// The old holder cannot write anymore.
	if _, err := fs.GetAdditionalBlock("/orphan", alice, core.AddBlockOptions{}); err != core.ErrNoLease {
		t.Fatalf("expected ErrNoLease, got %s", err)
	}

	// Keeping an unacknowledged tail defers to block recovery: not done,
	// and the tail is fenced with a fresh stamp.
	tail := openAndAllocate(t, fs, "/pending", alice)
	done, err = fs.RecoverLease("/pending", bob.ClientName, bob.ClientAddr, false)
	if err != core.NoError || done {
		t.Fatalf("expected deferred recovery, got done=%v err=%s", done, err)
	}
	stamp, err := fs.NextGenerationStamp(tail.Block)
	if err != core.NoError || stamp <= tail.Block.GenStamp+1 {
		t.Fatalf("tail not fenced: stamp %d vs original %d, %s", stamp, tail.Block.GenStamp, err)
	}
}

func TestCommitBlockSynchronization(t *testing.T) {
	fs := newTestFS(t)
	reg := addNode(t, fs, "ts1:4000")
	lb := openAndAllocate(t, fs, "/f", alice)

	if done, err := fs.RecoverLease("/f", bob.ClientName, bob.ClientAddr, false); err != core.NoError || done {
		t.Fatalf("expected deferred recovery, got done=%v err=%s", done, err)
	}

	// A stamp older than the fenced one must be refused.
	if err := fs.CommitBlockSynchronization(lb.Block, lb.Block.GenStamp-1, 10, true, false, nil); err != core.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for stale stamp, got %s", err)
	}

	newStamp, err := fs.NextGenerationStamp(lb.Block)
	if err != core.NoError {
		t.Fatalf("nextGenerationStamp: %s", err)
	}
	err = fs.CommitBlockSynchronization(lb.Block, newStamp, 42, true, false, []core.StorageNodeID{reg.ID})
	if err != core.NoError {
		t.Fatalf("commitBlockSynchronization: %s", err)
	}

	locs, err := fs.GetBlockLocations("/f", 0, 1<<40)
	if err != core.NoError || len(locs) != 1 {
		t.Fatalf("locations: %v, %s", locs, err)
	}
	got := locs[0]
	if got.Block.GenStamp != newStamp || got.Block.NumBytes != 42 {
		t.Fatalf("recovered block not updated: %+v", got.Block)
	}
	if len(got.Targets) != 1 || got.Targets[0] != "ts1:4000" {
		t.Fatalf("replica set not replaced: %v", got.Targets)
	}
	if info, _ := fs.GetFileInfo("/f"); info.Length != 42 {
		t.Fatalf("file not closed at recovered length: %+v", info)
	}
}

func TestSafeModeGating(t *testing.T) {
	fs := newTestFS(t)
	reg := addNode(t, fs, "ts1:4000")
	lb := openAndAllocate(t, fs, "/f", alice)
	ack(t, fs, reg, lb.Block)
	fs.CompleteFile("/f", alice.ClientName, -1, nil)

	if on, err := fs.SetSafeMode(core.SafeModeEnter); err != core.NoError || !on {
		t.Fatalf("enter safe mode: on=%v err=%s", on, err)
	}
	if !fs.IsInSafeMode() {
		t.Fatalf("not in safe mode after enter")
	}

	// Mutations are refused.
	if err := fs.StartFile("/g", alice, false, 1, 64<<20); err != core.ErrSafeMode {
		t.Fatalf("expected ErrSafeMode for create, got %s", err)
	}
	if err := fs.Delete("/f", false); err != core.ErrSafeMode {
		t.Fatalf("expected ErrSafeMode for delete, got %s", err)
	}
	if err := fs.RenameTo("/f", "/f2"); err != core.ErrSafeMode {
		t.Fatalf("expected ErrSafeMode for rename, got %s", err)
	}
	if _, err := fs.RecoverLease("/f", bob.ClientName, bob.ClientAddr, false); err != core.ErrSafeMode {
		t.Fatalf("expected ErrSafeMode for recoverLease, got %s", err)
	}

	// Reads still work.
	if _, err := fs.GetBlockLocations("/f", 0, 1<<40); err != core.NoError {
		t.Fatalf("read in safe mode: %s", err)
	}
	if _, err := fs.GetFileInfo("/f"); err != core.NoError {
		t.Fatalf("stat in safe mode: %s", err)
	}

	if on, err := fs.SetSafeMode(core.SafeModeGet); err != core.NoError || !on {
		t.Fatalf("get safe mode: on=%v err=%s", on, err)
	}
	if on, err := fs.SetSafeMode(core.SafeModeLeave); err != core.NoError || on {
		t.Fatalf("leave safe mode: on=%v err=%s", on, err)
	}
	if err := fs.StartFile("/g", alice, false, 1, 64<<20); err != core.NoError {
		t.Fatalf("create after leaving safe mode: %s", err)
	}
}

func TestNamespaceOps(t *testing.T) {
	fs := newTestFS(t)
	reg := addNode(t, fs, "ts1:4000")

	if err := fs.Mkdirs("/a/b/c"); err != core.NoError {
		t.Fatalf("mkdirs: %s", err)
	}
	if info, err := fs.GetFileInfo("/a/b"); err != core.NoError || !info.IsDir {
		t.Fatalf("intermediate dir missing: %+v, %s", info, err)
	}

	lb := openAndAllocate(t, fs, "/a/b/c/file", alice)
	ack(t, fs, reg, lb.Block)
	fs.CompleteFile("/a/b/c/file", alice.ClientName, -1, nil)

	// A file in the way of a directory chain.
	if err := fs.Mkdirs("/a/b/c/file/d"); err != core.ErrNotDirectory {
		t.Fatalf("expected ErrNotDirectory, got %s", err)
	}

	// Rename moves the subtree and block back-pointers.
	if err := fs.RenameTo("/a/b", "/moved"); err != core.NoError {
		t.Fatalf("rename: %s", err)
	}
	if _, err := fs.GetFileInfo("/a/b/c/file"); err != core.ErrNoSuchFile {
		t.Fatalf("old path still resolves: %s", err)
	}
	if locs, err := fs.GetBlockLocations("/moved/c/file", 0, 1<<40); err != core.NoError || len(locs) != 1 {
		t.Fatalf("moved file unreadable: %v, %s", locs, err)
	}

	// Renaming onto an existing path or into a missing parent fails.
	if err := fs.RenameTo("/moved/c/file", "/moved/c"); err != core.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %s", err)
	}
	if err := fs.RenameTo("/moved/c/file", "/nope/file"); err != core.ErrNoSuchFile {
		t.Fatalf("expected ErrNoSuchFile, got %s", err)
	}

	// Non-empty directory needs recursive; the blocks get delete commands.
	if err := fs.Delete("/moved", false); err != core.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %s", err)
	}
	if err := fs.Delete("/moved", true); err != core.NoError {
		t.Fatalf("recursive delete: %s", err)
	}
	cmds, err := fs.HandleHeartbeat(reg.ID, core.NodeUsage{})
	if err != core.NoError || len(cmds) != 1 || cmds[0].Op != core.CmdDelete {
		t.Fatalf("expected a delete command, got %v, %s", cmds, err)
	}

	if err := fs.SetReplication("/missing", 3); err != core.ErrNoSuchFile {
		t.Fatalf("expected ErrNoSuchFile, got %s", err)
	}
}

func TestRollEditLogAndImage(t *testing.T) {
	fs := newTestFS(t)
	fs.Mkdirs("/a")

	sig, err := fs.RollEditLog()
	if err != core.NoError {
		t.Fatalf("rollEditLog: %s", err)
	}
	if sig.CurTxID == 0 {
		t.Fatalf("no transactions recorded before roll")
	}

	// A signature from another namespace never rolls our image.
	bad := sig
	bad.NamespaceID++
	if err := fs.RollFsImage(bad); err != core.ErrStaleSignature {
		t.Fatalf("expected ErrStaleSignature, got %s", err)
	}

	if err := fs.RollFsImage(sig); err != core.NoError {
		t.Fatalf("rollFsImage: %s", err)
	}

	// Each issuance is single-use.
	if err := fs.RollFsImage(sig); err != core.ErrStaleSignature {
		t.Fatalf("expected ErrStaleSignature on reuse, got %s", err)
	}

	// Rolling consumed the backlog.
	if size, err := fs.GetEditLogSize(); err != core.NoError || size != 0 {
		t.Fatalf("expected empty edit log, got %d, %s", size, err)
	}

	// A signature issued before more edits is stale once a new roll happens.
	old, _ := fs.RollEditLog()
	fs.Mkdirs("/b")
	if _, err := fs.RollEditLog(); err != core.NoError {
		t.Fatalf("rollEditLog: %s", err)
	}
	if err := fs.RollFsImage(old); err != core.ErrStaleSignature {
		t.Fatalf("expected ErrStaleSignature for superseded signature, got %s", err)
	}
}

func TestSaveAndLoadImage(t *testing.T) {
	file := filepath.Join(t.TempDir(), "checkpoint.db")

	fs := New(Config{MinReplication: 1, CheckpointFile: file})
	defer fs.Close()
	reg := addNode(t, fs, "ts1:4000")
	lb := openAndAllocate(t, fs, "/saved", alice)
	ack(t, fs, reg, lb.Block)
	fs.CompleteFile("/saved", alice.ClientName, -1, nil)
	want := fs.NamespaceInfo()

	if err := fs.SaveNamespace(false, false); err != core.NoError {
		t.Fatalf("saveNamespace: %s", err)
	}
	fs.Close()

	restored := New(Config{MinReplication: 1, CheckpointFile: file})
	defer restored.Close()
	if err := restored.LoadImage(); err != core.NoError {
		t.Fatalf("loadImage: %s", err)
	}
	if got := restored.NamespaceInfo(); got.NamespaceID != want.NamespaceID || got.GenStamp != want.GenStamp {
		t.Fatalf("identity not restored: %+v vs %+v", got, want)
	}
	if info, err := restored.GetFileInfo("/saved"); err != core.NoError || info.IsDir {
		t.Fatalf("file not restored: %+v, %s", info, err)
	}
	// Replica locations are volatile and rebuilt from reports, not images.
	if locs, err := restored.GetBlockLocations("/saved", 0, 1<<40); err != core.NoError || len(locs) != 1 || len(locs[0].Targets) != 0 {
		t.Fatalf("unexpected restored locations: %v, %s", locs, err)
	}
}

func TestSaveNamespaceUncompressed(t *testing.T) {
	file := filepath.Join(t.TempDir(), "checkpoint.db")
	fs := New(Config{CheckpointFile: file})
	defer fs.Close()
	fs.Mkdirs("/d")

	if err := fs.SaveNamespace(false, true); err != core.NoError {
		t.Fatalf("saveNamespace: %s", err)
	}
	restored := New(Config{CheckpointFile: file})
	defer restored.Close()
	if err := restored.LoadImage(); err != core.NoError {
		t.Fatalf("loadImage: %s", err)
	}
	if info, err := restored.GetFileInfo("/d"); err != core.NoError || !info.IsDir {
		t.Fatalf("dir not restored: %+v, %s", info, err)
	}
}

func TestUpgradeLifecycle(t *testing.T) {
	fs := newTestFS(t)

	if err := fs.BeginUpgrade(core.LayoutVersion); err != core.NoError {
		t.Fatalf("beginUpgrade: %s", err)
	}
	if fs.IsUpgradeFinalized() {
		t.Fatalf("finalized before finalize")
	}
	if fs.NamespaceInfo().UpgradeVersion != core.LayoutVersion {
		t.Fatalf("upgrade version not advertised")
	}

	reply, err := fs.ProcessUpgradeCommand(core.UpgradeCommand{Version: core.LayoutVersion, PctComplete: 40})
	if err != core.NoError || reply.PctComplete != 40 {
		t.Fatalf("unexpected reply %+v, %s", reply, err)
	}
	if _, err := fs.ProcessUpgradeCommand(core.UpgradeCommand{Version: core.LayoutVersion - 1}); err != core.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for wrong version, got %s", err)
	}

	status, err := fs.UpgradeProgress(core.UpgradeForceProceed)
	if err != core.NoError || status.PctComplete != 100 {
		t.Fatalf("force proceed: %+v, %s", status, err)
	}

	if err := fs.FinalizeUpgrade(); err != core.NoError {
		t.Fatalf("finalize: %s", err)
	}
	if !fs.IsUpgradeFinalized() {
		t.Fatalf("not finalized after finalize")
	}
	// One-way: finalizing twice is an error.
	if err := fs.FinalizeUpgrade(); err != core.ErrUpgradeFinalized {
		t.Fatalf("expected ErrUpgradeFinalized, got %s", err)
	}
	if _, err := fs.ProcessUpgradeCommand(core.UpgradeCommand{Version: core.LayoutVersion}); err != core.ErrUpgradeFinalized {
		t.Fatalf("expected ErrUpgradeFinalized, got %s", err)
	}
}

func TestProcessReportReconciliation(t *testing.T) {
	fs := newTestFS(t)
	reg := addNode(t, fs, "ts1:4000")
	lb := openAndAllocate(t, fs, "/f", alice)
	ack(t, fs, reg, lb.Block)

	// A report omitting the block drops the replica.
	if err := fs.ProcessReport(reg.ID, nil); err != core.NoError {
		t.Fatalf("processReport: %s", err)
	}
	locs, _ := fs.GetBlockLocations("/f", 0, 1<<40)
	if len(locs) != 1 || len(locs[0].Targets) != 0 {
		t.Fatalf("replica survived an omitting report: %v", locs)
	}

	// Reporting it again restores the replica; an unknown block earns a
	// delete command.
	ghost := core.Block{ID: 424242, GenStamp: 1}
	if err := fs.ProcessReport(reg.ID, []core.Block{lb.Block, ghost}); err != core.NoError {
		t.Fatalf("processReport: %s", err)
	}
	locs, _ = fs.GetBlockLocations("/f", 0, 1<<40)
	if len(locs) != 1 || len(locs[0].Targets) != 1 {
		t.Fatalf("replica not restored: %v", locs)
	}
	cmds, err := fs.HandleHeartbeat(reg.ID, core.NodeUsage{})
	if err != core.NoError || len(cmds) != 1 || cmds[0].Op != core.CmdDelete || cmds[0].Blocks[0].ID != ghost.ID {
		t.Fatalf("expected delete for unknown block, got %v, %s", cmds, err)
	}
}

func TestGetListing(t *testing.T) {
	fs := newTestFS(t)
	reg := addNode(t, fs, "ts1:4000")

	fs.Mkdirs("/dir/sub")
	lb := openAndAllocate(t, fs, "/dir/file", alice)
	ack(t, fs, reg, lb.Block)
	closed := core.Block{ID: lb.Block.ID, GenStamp: lb.Block.GenStamp, NumBytes: 9}
	fs.CompleteFile("/dir/file", alice.ClientName, 9, &closed)

	entries, err := fs.GetListing("/dir")
	if err != core.NoError || len(entries) != 2 {
		t.Fatalf("unexpected listing %v, %s", entries, err)
	}
	if entries[0].Path != "/dir/file" || entries[0].IsDir || entries[0].Length != 9 {
		t.Fatalf("unexpected file entry %+v", entries[0])
	}
	if entries[1].Path != "/dir/sub" || !entries[1].IsDir {
		t.Fatalf("unexpected dir entry %+v", entries[1])
	}

	// Direct children only; grandchildren belong to their own parent.
	fs.Mkdirs("/dir/sub/deep")
	if entries, _ = fs.GetListing("/dir"); len(entries) != 2 {
		t.Fatalf("grandchild leaked into listing: %v", entries)
	}

	// Listing a file returns the file itself.
	entries, err = fs.GetListing("/dir/file")
	if err != core.NoError || len(entries) != 1 || entries[0].Path != "/dir/file" {
		t.Fatalf("unexpected file listing %v, %s", entries, err)
	}

	if entries, _ = fs.GetListing("/"); len(entries) != 1 || entries[0].Path != "/dir" {
		t.Fatalf("unexpected root listing %v", entries)
	}

	if _, err := fs.GetListing("/nope"); err != core.ErrNoSuchFile {
		t.Fatalf("expected ErrNoSuchFile, got %s", err)
	}
}

func TestGetBlockLengths(t *testing.T) {
	fs := newTestFS(t)
	reg := addNode(t, fs, "ts1:4000")

	lb := openAndAllocate(t, fs, "/f", alice)
	ack(t, fs, reg, lb.Block)
	closed := core.Block{ID: lb.Block.ID, GenStamp: lb.Block.GenStamp, NumBytes: 512}
	fs.CompleteFile("/f", alice.ClientName, 512, &closed)

	lengths := fs.GetBlockLengths([]core.BlockID{lb.Block.ID, 424242})
	if len(lengths) != 2 || lengths[0] != 512 {
		t.Fatalf("unexpected lengths %v", lengths)
	}
	if lengths[1] != -1 {
		t.Fatalf("unknown block should report -1, got %d", lengths[1])
	}
}

// Automatic safe mode ends on its own once enough of the known blocks have a
// reported replica.
func TestSafeModeAutoExit(t *testing.T) {
	file := filepath.Join(t.TempDir(), "checkpoint.db")

	fs := New(Config{MinReplication: 1, CheckpointFile: file})
	defer fs.Close()
	reg := addNode(t, fs, "ts1:4000")
	var blocks []core.Block
	for _, p := range []string{"/a", "/b"} {
		lb := openAndAllocate(t, fs, p, alice)
		ack(t, fs, reg, lb.Block)
		fs.CompleteFile(p, alice.ClientName, -1, nil)
		blocks = append(blocks, lb.Block)
	}
	if err := fs.SaveNamespace(false, false); err != core.NoError {
		t.Fatalf("saveNamespace: %s", err)
	}
	fs.Close()

	restored := New(Config{MinReplication: 1, CheckpointFile: file, StartInSafeMode: true, SafeModeThreshold: 1.0})
	defer restored.Close()
	if err := restored.LoadImage(); err != core.NoError {
		t.Fatalf("loadImage: %s", err)
	}
	if !restored.IsInSafeMode() {
		t.Fatalf("not in safe mode after starting in it")
	}

	// Below threshold: mutations stay refused.
	reg = addNode(t, restored, "ts1:4000")
	if err := restored.ProcessReport(reg.ID, blocks[:1]); err != core.NoError {
		t.Fatalf("processReport: %s", err)
	}
	if !restored.IsInSafeMode() {
		t.Fatalf("left safe mode with half the blocks reported")
	}
	if err := restored.Mkdirs("/early"); err != core.ErrSafeMode {
		t.Fatalf("expected ErrSafeMode, got %s", err)
	}

	// Every block reported: safe mode ends without an operator.
	if err := restored.ProcessReport(reg.ID, blocks); err != core.NoError {
		t.Fatalf("processReport: %s", err)
	}
	if restored.IsInSafeMode() {
		t.Fatalf("still in safe mode with every block reported")
	}
	if err := restored.Mkdirs("/after"); err != core.NoError {
		t.Fatalf("mkdirs after safe mode: %s", err)
	}
}

// Safe mode an operator asked for is never ended by block reports.
func TestSafeModeManualStays(t *testing.T) {
	fs := newTestFS(t)
	reg := addNode(t, fs, "ts1:4000")
	lb := openAndAllocate(t, fs, "/f", alice)
	ack(t, fs, reg, lb.Block)
	fs.CompleteFile("/f", alice.ClientName, -1, nil)

	fs.SetSafeMode(core.SafeModeEnter)
	if err := fs.ProcessReport(reg.ID, []core.Block{lb.Block}); err != core.NoError {
		t.Fatalf("processReport: %s", err)
	}
	if !fs.IsInSafeMode() {
		t.Fatalf("a block report ended operator safe mode")
	}
}

func TestRemoveNodeDropsReplicas(t *testing.T) {
	fs := newTestFS(t)
	reg := addNode(t, fs, "ts1:4000")
	lb := openAndAllocate(t, fs, "/f", alice)
	ack(t, fs, reg, lb.Block)

	if err := fs.RemoveNode(reg.ID); err != core.NoError {
		t.Fatalf("removeNode: %s", err)
	}
	if _, err := fs.HandleHeartbeat(reg.ID, core.NodeUsage{}); err != core.ErrUnregisteredNode {
		t.Fatalf("expected ErrUnregisteredNode, got %s", err)
	}
	locs, _ := fs.GetBlockLocations("/f", 0, 1<<40)
	if len(locs) != 1 || len(locs[0].Targets) != 0 {
		t.Fatalf("removed node still listed as replica: %v", locs)
	}
}
