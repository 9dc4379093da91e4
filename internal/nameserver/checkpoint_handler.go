// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package nameserver

import (
	log "github.com/golang/glog"

	"github.com/blockfs/blockfs/internal/core"
	"github.com/blockfs/blockfs/internal/server"
)

var (
	checkpointOpM = server.NewOpMetric("nameserver_checkpoint_rpc", "rpc")
	adminOpM      = server.NewOpMetric("nameserver_admin_rpc", "rpc")
)

type checkpointHandlerState struct {
	opm *server.OpMetric
}

func newCheckpointHandlerState() *checkpointHandlerState {
	return &checkpointHandlerState{opm: checkpointOpM}
}

// CheckpointHandler serves checkpointing nameservers and operators: safe
// mode, edit-log and image rolling, the upgrade state machine. Checkpoint
// traffic is rare and never rejected, so there is no pending-slot check.
type CheckpointHandler struct {
	nameserver *Nameserver
	state      *checkpointHandlerState
}

func (h *checkpointHandlerState) rpcStats() map[string]string {
	return h.opm.Strings(
		"SetSafeMode",
		"GetEditLogSize",
		"RollEditLog",
		"RollFsImage",
		"SaveNamespace",
		"FinalizeUpgrade",
		"UpgradeProgress",
		"GetBlocks",
		"GetBlockLengths",
	)
}

// SetSafeMode enters, leaves, or queries safe mode.
func (h *CheckpointHandler) SetSafeMode(req core.SetSafeModeReq, reply *core.SetSafeModeReply) error {
	op := h.state.opm.Start("SetSafeMode")
	defer op.EndWithFsError(&reply.Err)

	reply.InSafeMode, reply.Err = h.nameserver.setSafeMode(req.Action)
	log.Infof("SetSafeMode: req %+v reply %+v", req, *reply)
	return nil
}

// GetEditLogSize returns the size of the active edit segment.
func (h *CheckpointHandler) GetEditLogSize(req core.GetEditLogSizeReq, reply *core.GetEditLogSizeReply) error {
	op := h.state.opm.Start("GetEditLogSize")
	defer op.EndWithFsError(&reply.Err)

	reply.Size, reply.Err = h.nameserver.ns.GetEditLogSize()
	log.V(1).Infof("GetEditLogSize: reply %+v", *reply)
	return nil
}

// RollEditLog closes the active edit segment and opens a new one.
func (h *CheckpointHandler) RollEditLog(req core.RollEditLogReq, reply *core.RollEditLogReply) error {
	op := h.state.opm.Start("RollEditLog")
	defer op.EndWithFsError(&reply.Err)

	reply.Signature, reply.Err = h.nameserver.rollEditLog()
	log.Infof("RollEditLog: reply %+v", *reply)
	return nil
}

// RollFsImage installs an externally produced checkpoint as the base image.
func (h *CheckpointHandler) RollFsImage(req core.RollFsImageReq, reply *core.RollFsImageReply) error {
	op := h.state.opm.Start("RollFsImage")
	defer op.EndWithFsError(&reply.Err)

	reply.Err = h.nameserver.rollFsImage(req.Signature)
	log.Infof("RollFsImage: req %+v reply %+v", req, *reply)
	return nil
}

// SaveNamespace triggers an immediate checkpoint.
func (h *CheckpointHandler) SaveNamespace(req core.SaveNamespaceReq, reply *core.SaveNamespaceReply) error {
	op := h.state.opm.Start("SaveNamespace")
	defer op.EndWithFsError(&reply.Err)

	reply.Err = h.nameserver.saveNamespace(req.Force, req.Uncompressed)
	log.Infof("SaveNamespace: req %+v reply %+v", req, *reply)
	return nil
}

// FinalizeUpgrade irreversibly drops the rollback state.
func (h *CheckpointHandler) FinalizeUpgrade(req core.FinalizeUpgradeReq, reply *core.FinalizeUpgradeReply) error {
	op := h.state.opm.Start("FinalizeUpgrade")
	defer op.EndWithFsError(&reply.Err)

	reply.Err = h.nameserver.finalizeUpgrade()
	log.Infof("FinalizeUpgrade: reply %+v", *reply)
	return nil
}

// UpgradeProgress drives or inspects the cluster-wide upgrade.
func (h *CheckpointHandler) UpgradeProgress(req core.UpgradeProgressReq, reply *core.UpgradeProgressReply) error {
	op := h.state.opm.Start("UpgradeProgress")
	defer op.EndWithFsError(&reply.Err)

	reply.Status, reply.Err = h.nameserver.upgradeProgress(req.Action)
	log.Infof("UpgradeProgress: req %+v reply %+v", req, *reply)
	return nil
}

// GetBlocks samples blocks on a node for rebalancers.
func (h *CheckpointHandler) GetBlocks(req core.GetBlocksReq, reply *core.GetBlocksReply) error {
	op := h.state.opm.Start("GetBlocks")
	defer op.EndWithFsError(&reply.Err)

	reply.Blocks, reply.Err = h.nameserver.getBlocks(req.Node, req.Size)
	log.V(1).Infof("GetBlocks: req %+v, %d blocks, err %s", req, len(reply.Blocks), reply.Err)
	return nil
}

// GetBlockLengths looks up the recorded length of each listed block, -1 for
// blocks the nameserver does not know.
func (h *CheckpointHandler) GetBlockLengths(req core.GetBlockLengthsReq, reply *core.GetBlockLengthsReply) error {
	op := h.state.opm.Start("GetBlockLengths")
	defer op.EndWithFsError(&reply.Err)

	reply.Lengths = h.nameserver.ns.GetBlockLengths(req.IDs)
	reply.Err = core.NoError
	log.V(1).Infof("GetBlockLengths: %d blocks", len(req.IDs))
	return nil
}

// AdminHandler serves operator-only RPCs.
type AdminHandler struct {
	nameserver *Nameserver
	opm        *server.OpMetric
}

func newAdminHandler(n *Nameserver) *AdminHandler {
	return &AdminHandler{nameserver: n, opm: adminOpM}
}

func (h *AdminHandler) rpcStats() map[string]string {
	return h.opm.Strings("RefreshServiceACL")
}

// RefreshServiceACL reloads the service-level authorization policy.
func (h *AdminHandler) RefreshServiceACL(req core.RefreshServiceACLReq, reply *core.RefreshServiceACLReply) error {
	op := h.opm.Start("RefreshServiceACL")
	defer op.EndWithFsError(&reply.Err)

	reply.Err = h.nameserver.refreshServiceACL()
	log.Infof("RefreshServiceACL: reply %+v", *reply)
	return nil
}
