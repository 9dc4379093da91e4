// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package nameserver

import (
	log "github.com/golang/glog"

	"github.com/blockfs/blockfs/internal/core"
	"github.com/blockfs/blockfs/internal/server"
)

var nodeOpM = server.NewOpMetric("nameserver_node_rpc", "rpc")

// nodeHandlerState is shared across the per-connection handler instances of
// the storage-node endpoint. Node traffic is never rejected, only queued, so
// this semaphore blocks rather than failing fast.
type nodeHandlerState struct {
	pendingSem server.Semaphore
	opm        *server.OpMetric
}

func newNodeHandlerState(handlerCount int) *nodeHandlerState {
	return &nodeHandlerState{
		pendingSem: server.NewSemaphore(handlerCount),
		opm:        nodeOpM,
	}
}

// NodeCtlHandler serves registration, heartbeats and reports from storage
// nodes.
type NodeCtlHandler struct {
	nameserver *Nameserver
	state      *nodeHandlerState
}

func (h *nodeHandlerState) rpcStats() map[string]string {
	return h.opm.Strings(
		"Register",
		"Heartbeat",
		"BlockReport",
		"BlocksBeingWrittenReport",
		"BlockReceivedAndDeleted",
		"ErrorReport",
		"ProcessUpgradeCommand",
		"GetNamespaceInfo",
	)
}

// Register admits a storage node, issuing its canonical registration.
func (h *NodeCtlHandler) Register(req core.RegisterNodeReq, reply *core.RegisterNodeReply) error {
	op := h.state.opm.Start("Register")
	defer op.EndWithFsError(&reply.Err)
	h.state.pendingSem.Acquire()
	defer h.state.pendingSem.Release()

	reply.Node, reply.Err = h.nameserver.registerNode(req.Node)
	log.Infof("Register: req %+v reply %+v", req, *reply)
	return nil
}

// Heartbeat records a liveness sample and returns queued commands.
func (h *NodeCtlHandler) Heartbeat(req core.HeartbeatReq, reply *core.HeartbeatReply) error {
	op := h.state.opm.Start("Heartbeat")
	defer op.EndWithFsError(&reply.Err)
	h.state.pendingSem.Acquire()
	defer h.state.pendingSem.Release()

	reply.Commands, reply.Err = h.nameserver.heartbeat(req.Node, req.Usage)
	log.V(2).Infof("Heartbeat: from node %d reply %+v", req.Node.ID, *reply)
	return nil
}

// BlockReport reconciles a node's full inventory.
func (h *NodeCtlHandler) BlockReport(req core.BlockReportReq, reply *core.BlockReportReply) error {
	op := h.state.opm.Start("BlockReport")
	defer op.EndWithFsError(&reply.Err)
	h.state.pendingSem.Acquire()
	defer h.state.pendingSem.Release()

	reply.Command, reply.Err = h.nameserver.blockReport(req.Node, req.Blocks)
	log.Infof("BlockReport: from node %d, %d blocks, reply %+v", req.Node.ID, req.Blocks.NumBlocks(), *reply)
	return nil
}

// BlocksBeingWrittenReport records blocks with open pipelines on the node.
func (h *NodeCtlHandler) BlocksBeingWrittenReport(req core.BlocksBeingWrittenReportReq, reply *core.BlocksBeingWrittenReportReply) error {
	op := h.state.opm.Start("BlocksBeingWrittenReport")
	defer op.EndWithFsError(&reply.Err)
	h.state.pendingSem.Acquire()
	defer h.state.pendingSem.Release()

	reply.Err = h.nameserver.blocksBeingWrittenReport(req.Node, req.Blocks)
	log.Infof("BlocksBeingWrittenReport: from node %d reply %+v", req.Node.ID, *reply)
	return nil
}

// BlockReceivedAndDeleted applies an incremental inventory delta.
func (h *NodeCtlHandler) BlockReceivedAndDeleted(req core.BlockReceivedAndDeletedReq, reply *core.BlockReceivedAndDeletedReply) error {
	op := h.state.opm.Start("BlockReceivedAndDeleted")
	defer op.EndWithFsError(&reply.Err)
	h.state.pendingSem.Acquire()
	defer h.state.pendingSem.Release()

	reply.Err = h.nameserver.blockReceivedAndDeleted(req.Node, req.Received, req.Deleted)
	log.V(1).Infof("BlockReceivedAndDeleted: from node %d, %d received %d deleted, reply %+v",
		req.Node.ID, len(req.Received), len(req.Deleted), *reply)
	return nil
}

// ErrorReport logs a node-side failure and removes the node on fatal disk
// errors.
func (h *NodeCtlHandler) ErrorReport(req core.ErrorReportReq, reply *core.ErrorReportReply) error {
	op := h.state.opm.Start("ErrorReport")
	defer op.EndWithFsError(&reply.Err)
	h.state.pendingSem.Acquire()
	defer h.state.pendingSem.Release()

	reply.Err = h.nameserver.errorReport(req.Node, req.Severity, req.Msg)
	return nil
}

// ProcessUpgradeCommand relays one step of the distributed upgrade handshake.
func (h *NodeCtlHandler) ProcessUpgradeCommand(req core.ProcessUpgradeCommandReq, reply *core.ProcessUpgradeCommandReply) error {
	op := h.state.opm.Start("ProcessUpgradeCommand")
	defer op.EndWithFsError(&reply.Err)
	h.state.pendingSem.Acquire()
	defer h.state.pendingSem.Release()

	reply.Command, reply.Err = h.nameserver.processUpgradeCommand(req.Node, req.Command)
	log.Infof("ProcessUpgradeCommand: req %+v reply %+v", req, *reply)
	return nil
}

// GetNamespaceInfo returns the namespace identity. Served before
// registration, so no verification.
func (h *NodeCtlHandler) GetNamespaceInfo(req core.GetNamespaceInfoReq, reply *core.GetNamespaceInfoReply) error {
	op := h.state.opm.Start("GetNamespaceInfo")
	defer op.EndWithFsError(&reply.Err)

	reply.Info = h.nameserver.ns.NamespaceInfo()
	reply.Err = core.NoError
	log.V(1).Infof("GetNamespaceInfo: reply %+v", *reply)
	return nil
}
