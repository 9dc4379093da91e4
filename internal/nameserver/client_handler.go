// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package nameserver

import (
	log "github.com/golang/glog"

	"github.com/blockfs/blockfs/internal/core"
	"github.com/blockfs/blockfs/internal/server"
)

// Metrics are per-process: several servers in one process (tests) share them.
var clientOpM = server.NewOpMetric("nameserver_client_rpc", "rpc")

// clientHandlerState is shared by every per-connection handler instance of
// one server; only remoteAddr differs between them.
type clientHandlerState struct {
	pendingSem server.Semaphore
	opm        *server.OpMetric
}

func newClientHandlerState(rejectThreshold int) *clientHandlerState {
	return &clientHandlerState{
		pendingSem: server.NewSemaphore(rejectThreshold),
		opm:        clientOpM,
	}
}

// ClientSrvHandler serves the write-lease pipeline and namespace operations
// for clients. One instance exists per connection so the originating address
// is known; shared state lives in clientHandlerState.
type ClientSrvHandler struct {
	nameserver *Nameserver
	state      *clientHandlerState

	// Address the connection originated from. Lease holders are bound to it.
	remoteAddr string
}

// rpcStats exposes per-method metric strings for the status page.
func (h *clientHandlerState) rpcStats() map[string]string {
	return h.opm.Strings(
		"Create",
		"Append",
		"AddBlock",
		"AbandonBlock",
		"AbandonFile",
		"Complete",
		"RecoverLease",
		"CommitBlockSynchronization",
		"ReportBadBlocks",
		"RenewLease",
		"Fsync",
		"GetBlockLocations",
		"Rename",
		"Delete",
		"Mkdirs",
		"GetFileInfo",
		"GetListing",
		"SetReplication",
		"GetPreferredBlockSize",
	)
}

// acquire reserves a handler slot, rejecting when too many requests are
// already pending. Callers must Release on the state's semaphore when it
// returns true.
func (h *ClientSrvHandler) acquire() bool {
	return h.state.pendingSem.TryAcquire()
}

// Create opens a new file and its write lease.
func (h *ClientSrvHandler) Create(req core.CreateReq, reply *core.CreateReply) error {
	op := h.state.opm.Start("Create")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.Err = h.nameserver.create(req.Path, req.ClientName, h.remoteAddr,
		req.Overwrite, req.Replication, req.BlockSize)
	log.Infof("Create: req %+v reply %+v", req, *reply)
	return nil
}

// Append reopens an existing file for append.
func (h *ClientSrvHandler) Append(req core.AppendReq, reply *core.AppendReply) error {
	op := h.state.opm.Start("Append")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.LastBlock, reply.Err = h.nameserver.appendFile(req.Path, req.ClientName, h.remoteAddr)
	log.Infof("Append: req %+v reply %+v", req, *reply)
	return nil
}

// AddBlock allocates the next block of an open file.
func (h *ClientSrvHandler) AddBlock(req core.AddBlockReq, reply *core.AddBlockReply) error {
	op := h.state.opm.Start("AddBlock")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.Block, reply.Err = h.nameserver.addBlock(req.Path, req.ClientName, h.remoteAddr, req.Options)
	log.Infof("AddBlock: req %+v reply %+v", req, *reply)
	return nil
}

// AbandonBlock releases a provisional block the client could not write.
func (h *ClientSrvHandler) AbandonBlock(req core.AbandonBlockReq, reply *core.AbandonBlockReply) error {
	op := h.state.opm.Start("AbandonBlock")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.Err = h.nameserver.abandonBlock(req.Block, req.Path, req.ClientName)
	log.Infof("AbandonBlock: req %+v reply %+v", req, *reply)
	return nil
}

// AbandonFile releases an in-progress file.
func (h *ClientSrvHandler) AbandonFile(req core.AbandonFileReq, reply *core.AbandonFileReply) error {
	op := h.state.opm.Start("AbandonFile")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.Err = h.nameserver.abandonFile(req.Path, req.ClientName)
	log.Infof("AbandonFile: req %+v reply %+v", req, *reply)
	return nil
}

// Complete attempts to close the file. StillWaiting is a normal polling
// outcome, not a failure.
func (h *ClientSrvHandler) Complete(req core.CompleteReq, reply *core.CompleteReply) error {
	op := h.state.opm.Start("Complete")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.Status, reply.Err = h.nameserver.complete(req.Path, req.ClientName, req.Length, req.LastBlock)
	log.Infof("Complete: req %+v reply %+v", req, *reply)
	return nil
}

// RecoverLease force-terminates a lease presumed orphaned.
func (h *ClientSrvHandler) RecoverLease(req core.RecoverLeaseReq, reply *core.RecoverLeaseReply) error {
	op := h.state.opm.Start("RecoverLease")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.Done, reply.Err = h.nameserver.recoverLease(req.Path, req.ClientName, h.remoteAddr, req.DiscardLastBlock)
	log.Infof("RecoverLease: req %+v reply %+v", req, *reply)
	return nil
}

// CommitBlockSynchronization commits the result of block recovery.
func (h *ClientSrvHandler) CommitBlockSynchronization(req core.CommitBlockSynchronizationReq, reply *core.CommitBlockSynchronizationReply) error {
	op := h.state.opm.Start("CommitBlockSynchronization")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.Err = h.nameserver.commitBlockSynchronization(req)
	log.Infof("CommitBlockSynchronization: req %+v reply %+v", req, *reply)
	return nil
}

// ReportBadBlocks marks client-detected corrupt replicas.
func (h *ClientSrvHandler) ReportBadBlocks(req core.ReportBadBlocksReq, reply *core.ReportBadBlocksReply) error {
	op := h.state.opm.Start("ReportBadBlocks")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.Err = h.nameserver.reportBadBlocks(req.Blocks)
	log.Infof("ReportBadBlocks: req %+v reply %+v", req, *reply)
	return nil
}

// RenewLease refreshes every lease the client holds. No pending-slot check:
// renewals are cheap and dropping them under load would expire leases just
// when the cluster is busiest.
func (h *ClientSrvHandler) RenewLease(req core.RenewLeaseReq, reply *core.RenewLeaseReply) error {
	op := h.state.opm.Start("RenewLease")
	defer op.EndWithFsError(&reply.Err)

	reply.Err = h.nameserver.ns.RenewLease(req.ClientName)
	log.V(2).Infof("RenewLease: req %+v reply %+v", req, *reply)
	return nil
}

// Fsync persists the current block list of an open file.
func (h *ClientSrvHandler) Fsync(req core.FsyncReq, reply *core.FsyncReply) error {
	op := h.state.opm.Start("Fsync")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.Err = h.nameserver.ns.Fsync(req.Path, req.ClientName)
	log.Infof("Fsync: req %+v reply %+v", req, *reply)
	return nil
}

// GetBlockLocations resolves a byte range of a file to located blocks.
func (h *ClientSrvHandler) GetBlockLocations(req core.GetBlockLocationsReq, reply *core.GetBlockLocationsReply) error {
	op := h.state.opm.Start("GetBlockLocations")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.Blocks, reply.Err = h.nameserver.getBlockLocations(req.Path, req.Offset, req.Length)
	log.V(1).Infof("GetBlockLocations: req %+v reply %+v", req, *reply)
	return nil
}

// Rename renames a file or directory.
func (h *ClientSrvHandler) Rename(req core.RenameReq, reply *core.RenameReply) error {
	op := h.state.opm.Start("Rename")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.Err = h.nameserver.rename(req.Src, req.Dst)
	log.Infof("Rename: req %+v reply %+v", req, *reply)
	return nil
}

// Delete removes a file or directory.
func (h *ClientSrvHandler) Delete(req core.DeleteReq, reply *core.DeleteReply) error {
	op := h.state.opm.Start("Delete")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.Err = h.nameserver.delete(req.Path, req.Recursive)
	log.Infof("Delete: req %+v reply %+v", req, *reply)
	return nil
}

// Mkdirs creates a directory chain.
func (h *ClientSrvHandler) Mkdirs(req core.MkdirsReq, reply *core.MkdirsReply) error {
	op := h.state.opm.Start("Mkdirs")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	reply.Err = h.nameserver.mkdirs(req.Path)
	log.Infof("Mkdirs: req %+v reply %+v", req, *reply)
	return nil
}

// GetFileInfo stats one path.
func (h *ClientSrvHandler) GetFileInfo(req core.GetFileInfoReq, reply *core.GetFileInfoReply) error {
	op := h.state.opm.Start("GetFileInfo")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	if reply.Err = h.nameserver.checkPath(req.Path); reply.Err == core.NoError {
		reply.Info, reply.Err = h.nameserver.ns.GetFileInfo(req.Path)
	}
	log.V(1).Infof("GetFileInfo: req %+v reply %+v", req, *reply)
	return nil
}

// GetListing enumerates the direct children of a directory.
func (h *ClientSrvHandler) GetListing(req core.GetListingReq, reply *core.GetListingReply) error {
	op := h.state.opm.Start("GetListing")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	if reply.Err = h.nameserver.checkPath(req.Path); reply.Err == core.NoError {
		reply.Entries, reply.Err = h.nameserver.ns.GetListing(req.Path)
	}
	log.V(1).Infof("GetListing: req %+v, %d entries, err %s", req, len(reply.Entries), reply.Err)
	return nil
}

// SetReplication changes the target replica count of a file.
func (h *ClientSrvHandler) SetReplication(req core.SetReplicationReq, reply *core.SetReplicationReply) error {
	op := h.state.opm.Start("SetReplication")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	if req.Replication <= 0 {
		reply.Err = core.ErrInvalidArgument
	} else if reply.Err = h.nameserver.checkPath(req.Path); reply.Err == core.NoError {
		reply.Err = h.nameserver.ns.SetReplication(req.Path, req.Replication)
	}
	log.Infof("SetReplication: req %+v reply %+v", req, *reply)
	return nil
}

// GetPreferredBlockSize reads the block size create chose for a file.
func (h *ClientSrvHandler) GetPreferredBlockSize(req core.GetPreferredBlockSizeReq, reply *core.GetPreferredBlockSizeReply) error {
	op := h.state.opm.Start("GetPreferredBlockSize")
	defer op.EndWithFsError(&reply.Err)

	if !h.acquire() {
		reply.Err = core.ErrTooBusy
		op.TooBusy()
		return nil
	}
	defer h.state.pendingSem.Release()

	if reply.Err = h.nameserver.checkPath(req.Path); reply.Err == core.NoError {
		reply.BlockSize, reply.Err = h.nameserver.ns.GetPreferredBlockSize(req.Path)
	}
	log.V(1).Infof("GetPreferredBlockSize: req %+v reply %+v", req, *reply)
	return nil
}
