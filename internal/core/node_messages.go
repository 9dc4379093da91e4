// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// This file describes the RPC interface storage nodes use against the
// nameserver: registration, heartbeats, block reports and error reports.

// RegisterNodeMethod is the method name for storage node registration.
const RegisterNodeMethod = "NodeCtlHandler.Register"

// RegisterNodeReq is sent by a storage node on startup and whenever the
// nameserver tells it to re-register.
type RegisterNodeReq struct {
	// Self-description; ID and RegistrationID may be stale or zero, the
	// reply carries the canonical values to persist.
	Node NodeRegistration
}

// RegisterNodeReply returns the canonical registration the node must use in
// all further communication.
type RegisterNodeReply struct {
	Node NodeRegistration
	Err  Error
}

// HeartbeatMethod is the method name for the periodic liveness sample.
const HeartbeatMethod = "NodeCtlHandler.Heartbeat"

// HeartbeatReq carries the node's capacity/load sample.
type HeartbeatReq struct {
	Node  NodeRegistration
	Usage NodeUsage
}

// HeartbeatReply returns queued commands in the order the authority
// enqueued them for this node.
type HeartbeatReply struct {
	Commands []NodeCommand
	Err      Error
}

// BlockReportMethod is the method name for the full inventory report.
const BlockReportMethod = "NodeCtlHandler.BlockReport"

// BlockReportReq carries the node's full block inventory in the compact
// encoding.
type BlockReportReq struct {
	Node   NodeRegistration
	Blocks BlockList
}

// BlockReportReply optionally carries a finalize command once the cluster
// upgrade has been finalized.
type BlockReportReply struct {
	// Nil unless there is work for the node.
	Command *NodeCommand
	Err     Error
}

// BlocksBeingWrittenReportMethod is the method name for reporting blocks
// still being written (open pipelines at node restart time).
const BlocksBeingWrittenReportMethod = "NodeCtlHandler.BlocksBeingWrittenReport"

// BlocksBeingWrittenReportReq carries in-flight blocks in the compact
// encoding.
type BlocksBeingWrittenReportReq struct {
	Node   NodeRegistration
	Blocks BlockList
}

// BlocksBeingWrittenReportReply is sent in response to a
// BlocksBeingWrittenReportReq.
type BlocksBeingWrittenReportReply struct {
	Err Error
}

// BlockReceivedAndDeletedMethod is the method name for the incremental
// inventory delta sent between full reports.
const BlockReceivedAndDeletedMethod = "NodeCtlHandler.BlockReceivedAndDeleted"

// BlockReceivedAndDeletedReq lists blocks newly received and deleted since
// the last delta.
type BlockReceivedAndDeletedReq struct {
	Node     NodeRegistration
	Received []Block
	Deleted  []Block
}

// BlockReceivedAndDeletedReply is sent in response to a
// BlockReceivedAndDeletedReq.
type BlockReceivedAndDeletedReply struct {
	Err Error
}

// ErrorReportMethod is the method name for node-side error reports.
const ErrorReportMethod = "NodeCtlHandler.ErrorReport"

// ErrorReportReq reports a node-side failure. SeverityNotify is logged
// without verification; SeverityFatalDiskError removes the node from the
// active set.
type ErrorReportReq struct {
	Node     NodeRegistration
	Severity ErrorReportSeverity
	Msg      string
}

// ErrorReportReply is sent in response to an ErrorReportReq.
type ErrorReportReply struct {
	Err Error
}

// ProcessUpgradeCommandMethod is the method name for the distributed
// upgrade handshake.
const ProcessUpgradeCommandMethod = "NodeCtlHandler.ProcessUpgradeCommand"

// ProcessUpgradeCommandReq reports the node's upgrade progress.
type ProcessUpgradeCommandReq struct {
	Node    NodeRegistration
	Command UpgradeCommand
}

// ProcessUpgradeCommandReply carries the authority's reply command.
type ProcessUpgradeCommandReply struct {
	Command UpgradeCommand
	Err     Error
}

// GetNamespaceInfoMethod is the method name nodes use to learn the
// namespace identity before registering.
const GetNamespaceInfoMethod = "NodeCtlHandler.GetNamespaceInfo"

// GetNamespaceInfoReq asks for the namespace identity.
type GetNamespaceInfoReq struct {
}

// GetNamespaceInfoReply is sent in response to a GetNamespaceInfoReq.
type GetNamespaceInfoReply struct {
	Info NamespaceInfo
	Err  Error
}
