// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// This file describes the RPC interfaces used by secondary/checkpointing
// nameservers and administrators: safe mode, edit-log/image rolling, the
// upgrade state machine and policy refresh.

// SetSafeModeMethod is the method name for safe mode transitions.
const SetSafeModeMethod = "CheckpointHandler.SetSafeMode"

// SetSafeModeReq requests entering, leaving, or querying safe mode.
type SetSafeModeReq struct {
	Action SafeModeAction
}

// SetSafeModeReply reports whether safe mode is ON after the call.
type SetSafeModeReply struct {
	InSafeMode bool
	Err        Error
}

// GetEditLogSizeMethod is the method name for reading the edit log size.
const GetEditLogSizeMethod = "CheckpointHandler.GetEditLogSize"

// GetEditLogSizeReq asks how large the active edit segment is, so the
// checkpointer can decide whether rolling is worthwhile.
type GetEditLogSizeReq struct {
}

// GetEditLogSizeReply is sent in response to a GetEditLogSizeReq.
type GetEditLogSizeReply struct {
	Size int64
	Err  Error
}

// RollEditLogMethod is the method name for closing the active edit segment.
const RollEditLogMethod = "CheckpointHandler.RollEditLog"

// RollEditLogReq closes the current edit segment and opens a new one.
type RollEditLogReq struct {
}

// RollEditLogReply carries the signature the next checkpoint must start from.
type RollEditLogReply struct {
	Signature CheckpointSignature
	Err       Error
}

// RollFsImageMethod is the method name for installing an uploaded image.
const RollFsImageMethod = "CheckpointHandler.RollFsImage"

// RollFsImageReq atomically makes an externally produced checkpoint the new
// base image, provided the signature matches expectations.
type RollFsImageReq struct {
	Signature CheckpointSignature
}

// RollFsImageReply is sent in response to a RollFsImageReq.
type RollFsImageReply struct {
	Err Error
}

// SaveNamespaceMethod is the method name for an immediate checkpoint.
const SaveNamespaceMethod = "CheckpointHandler.SaveNamespace"

// SaveNamespaceReq triggers a checkpoint outside the periodic schedule.
type SaveNamespaceReq struct {
	// Override the no-checkpoint-in-progress precondition.
	Force bool

	// Skip image compression.
	Uncompressed bool
}

// SaveNamespaceReply is sent in response to a SaveNamespaceReq.
type SaveNamespaceReply struct {
	Err Error
}

// FinalizeUpgradeMethod is the method name for finalizing an upgrade.
const FinalizeUpgradeMethod = "CheckpointHandler.FinalizeUpgrade"

// FinalizeUpgradeReq irreversibly drops the rollback state.
type FinalizeUpgradeReq struct {
}

// FinalizeUpgradeReply is sent in response to a FinalizeUpgradeReq.
type FinalizeUpgradeReply struct {
	Err Error
}

// UpgradeProgressMethod is the method name for distributed upgrade status.
const UpgradeProgressMethod = "CheckpointHandler.UpgradeProgress"

// UpgradeProgressReq drives or inspects the cluster-wide upgrade.
type UpgradeProgressReq struct {
	Action UpgradeAction
}

// UpgradeProgressReply is sent in response to an UpgradeProgressReq.
type UpgradeProgressReply struct {
	Status UpgradeStatus
	Err    Error
}

// GetBlocksMethod is the method name rebalancers use to sample a node's blocks.
const GetBlocksMethod = "CheckpointHandler.GetBlocks"

// GetBlocksReq asks for blocks located on a node totalling roughly Size bytes.
type GetBlocksReq struct {
	Node StorageNodeID

	// Total size of blocks wanted; must be positive.
	Size int64
}

// GetBlocksReply is sent in response to a GetBlocksReq.
type GetBlocksReply struct {
	Blocks []LocatedBlock
	Err    Error
}

// GetBlockLengthsMethod is the method name for bulk block length lookups.
const GetBlockLengthsMethod = "CheckpointHandler.GetBlockLengths"

// GetBlockLengthsReq asks for the recorded length of each listed block.
type GetBlockLengthsReq struct {
	IDs []BlockID
}

// GetBlockLengthsReply carries one length per requested ID, in order; -1
// marks blocks the nameserver does not know.
type GetBlockLengthsReply struct {
	Lengths []int64
	Err     Error
}

// RefreshServiceACLMethod is the method name for reloading the service-level
// authorization policy.
const RefreshServiceACLMethod = "AdminHandler.RefreshServiceACL"

// RefreshServiceACLReq reloads the policy from configuration. Fails with
// ErrPolicyDisabled when service-level authorization is off, which is
// distinct from a permission denial.
type RefreshServiceACLReq struct {
}

// RefreshServiceACLReply is sent in response to a RefreshServiceACLReq.
type RefreshServiceACLReply struct {
	Err Error
}

// GetProtocolVersionMethod is the method name for protocol negotiation. It
// is served on every endpoint; which families are legal depends on the
// endpoint the request arrives on.
const GetProtocolVersionMethod = "VersionHandler.GetProtocolVersion"

// GetProtocolVersionReq declares the caller's protocol family and version.
type GetProtocolVersionReq struct {
	Family  ProtocolFamily
	Version uint64
}

// GetProtocolVersionReply carries the nameserver's version for the family.
type GetProtocolVersionReply struct {
	Version uint64
	Err     Error
}

// GetProtocolSignatureMethod is the method name for fingerprint-based
// negotiation, which lets differing method enumerations interoperate when
// the method-set hash matches.
const GetProtocolSignatureMethod = "VersionHandler.GetProtocolSignature"

// GetProtocolSignatureReq declares the caller's family, version and
// method-set fingerprint.
type GetProtocolSignatureReq struct {
	Family      ProtocolFamily
	Version     uint64
	Fingerprint uint32
}

// GetProtocolSignatureReply carries the nameserver's signature for the family.
type GetProtocolSignatureReply struct {
	Signature ProtocolSignature
	Err       Error
}
