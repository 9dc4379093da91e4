// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// NodeCommandOp is the kind of work a heartbeat reply asks a storage node to do.
type NodeCommandOp int

const (
	// CmdTransfer asks the node to copy blocks to the listed targets.
	CmdTransfer NodeCommandOp = iota + 1

	// CmdDelete asks the node to delete its replicas of the listed blocks.
	CmdDelete

	// CmdFinalize tells the node the cluster upgrade is finalized and it
	// may drop its rollback state.
	CmdFinalize

	// CmdShutdown tells the node to shut itself down.
	CmdShutdown

	// CmdReRegister tells the node its registration is no longer valid and
	// it must register again before doing anything else.
	CmdReRegister
)

func (op NodeCommandOp) String() string {
	switch op {
	case CmdTransfer:
		return "transfer"
	case CmdDelete:
		return "delete"
	case CmdFinalize:
		return "finalize"
	case CmdShutdown:
		return "shutdown"
	case CmdReRegister:
		return "re-register"
	}
	return "unknown"
}

// NodeCommand is one unit of work returned to a storage node on a heartbeat
// or report reply. Commands are delivered in the order the authority
// enqueued them for that node.
type NodeCommand struct {
	Op NodeCommandOp

	// Blocks the command applies to (transfer, delete).
	Blocks []Block

	// Transfer destinations, parallel to Blocks for CmdTransfer.
	Targets [][]string
}

// ErrorReportSeverity classifies a storage node's errorReport call.
type ErrorReportSeverity int

const (
	// SeverityNotify is informational only; no request verification is
	// performed before logging it.
	SeverityNotify ErrorReportSeverity = iota

	// SeverityDiskError reports a failed volume; the node keeps serving
	// from its remaining disks.
	SeverityDiskError

	// SeverityFatalDiskError means the node can no longer serve; it is
	// removed from the active set.
	SeverityFatalDiskError
)

// SafeModeAction selects the transition requested by setSafeMode.
type SafeModeAction int

const (
	// SafeModeGet reports the current state without changing it.
	SafeModeGet SafeModeAction = iota
	// SafeModeEnter requests entering safe mode.
	SafeModeEnter
	// SafeModeLeave requests leaving safe mode.
	SafeModeLeave
)

// UpgradeAction selects what distributedUpgradeProgress should do.
type UpgradeAction int

const (
	// UpgradeGetStatus reports current progress.
	UpgradeGetStatus UpgradeAction = iota
	// UpgradeDetailedStatus reports progress with per-node detail.
	UpgradeDetailedStatus
	// UpgradeForceProceed forces the upgrade past a stuck node.
	UpgradeForceProceed
)

// UpgradeStatus summarizes a distributed upgrade.
type UpgradeStatus struct {
	// Target layout version of the upgrade.
	Version int

	// 0-100.
	PctComplete int

	Finalized bool

	// Per-node detail, only for UpgradeDetailedStatus.
	Detail string
}

// UpgradeCommand is exchanged between storage nodes and the nameserver to
// drive the cluster-wide upgrade state machine.
type UpgradeCommand struct {
	// Upgrade version the command refers to.
	Version int

	// Sender's progress through its local upgrade, 0-100.
	PctComplete int

	// What is the command?
	Action UpgradeAction
}

// CompleteStatus is the tri-state result of a complete call. StillWaiting is
// a defined polling outcome, not an error.
type CompleteStatus int

const (
	// CompleteSuccess means the file is durably complete.
	CompleteSuccess CompleteStatus = iota

	// CompleteStillWaiting means the final block isn't sufficiently
	// replicated yet; retry with backoff.
	CompleteStillWaiting

	// CompleteFailed means the write cannot be completed.
	CompleteFailed
)

func (s CompleteStatus) String() string {
	switch s {
	case CompleteSuccess:
		return "success"
	case CompleteStillWaiting:
		return "still waiting"
	case CompleteFailed:
		return "failed"
	}
	return "unknown"
}
