// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package nameserver

import "github.com/blockfs/blockfs/internal/core"

// Namesystem is the namespace authority the nameserver coordinates around:
// the directory tree, the block map and their persistence. The nameserver
// owns protocol sequencing and request verification; the Namesystem owns
// the state and must provide linearizable per-path semantics. In particular
// the at-most-one-open-lease-per-path invariant is enforced here, since two
// endpoint workers may race on the same path.
//
// All mutating calls must refuse with ErrSafeMode while safe mode is on.
type Namesystem interface {
	// Write pipeline.

	// StartFile opens a new file and its write lease. A second StartFile
	// while another lease is open on the path fails with ErrLeaseConflict.
	StartFile(path string, holder core.LeaseHolder, overwrite bool, replication int, blockSize int64) core.Error

	// AppendFile reopens the lease on an existing file and returns its
	// last, possibly partial, block.
	AppendFile(path string, holder core.LeaseHolder) (core.LocatedBlock, core.Error)

	// GetAdditionalBlock allocates the next block of an open file,
	// respecting exclusions and preferences, and recognizing retried calls
	// via opts.LastBlock.
	GetAdditionalBlock(path string, holder core.LeaseHolder, opts core.AddBlockOptions) (core.LocatedBlock, core.Error)

	// AbandonBlock releases a provisional block.
	AbandonBlock(b core.Block, path, clientName string) core.Error

	// AbandonFile releases the whole in-progress file.
	AbandonFile(path, clientName string) core.Error

	// CompleteFile attempts to close the file. StillWaiting means the last
	// block isn't sufficiently replicated yet. Completing an
	// already-complete file by the same holder reports success.
	CompleteFile(path, clientName string, length int64, last *core.Block) (core.CompleteStatus, core.Error)

	// RecoverLease force-terminates an orphaned lease. Returns whether
	// recovery finished synchronously.
	RecoverLease(path, clientName, clientAddr string, discardLastBlock bool) (bool, core.Error)

	// CommitBlockSynchronization installs the final generation stamp,
	// length and replica set of a recovered block.
	CommitBlockSynchronization(b core.Block, newGenStamp core.GenerationStamp, newLength int64,
		closeFile, deleteBlock bool, newTargets []core.StorageNodeID) core.Error

	// MarkBlockAsCorrupt marks one replica of a block corrupt.
	MarkBlockAsCorrupt(b core.Block, node core.StorageNodeID) core.Error

	// NextGenerationStamp issues a fresh stamp for a block lineage.
	NextGenerationStamp(b core.Block) (core.GenerationStamp, core.Error)

	// RenewLease refreshes all leases held by the client.
	RenewLease(clientName string) core.Error

	// Fsync persists the current block list of an open file.
	Fsync(path, clientName string) core.Error

	// Namespace reads and mutations.

	GetBlockLocations(path string, offset, length int64) ([]core.LocatedBlock, core.Error)
	RenameTo(src, dst string) core.Error
	Delete(path string, recursive bool) core.Error
	Mkdirs(path string) core.Error
	GetFileInfo(path string) (core.FileInfo, core.Error)

	// GetListing enumerates the direct children of a directory. Listing a
	// file returns the file itself as the single entry.
	GetListing(path string) ([]core.FileInfo, core.Error)
	SetReplication(path string, replication int) core.Error
	GetPreferredBlockSize(path string) (int64, core.Error)

	// Storage node lifecycle.

	// RegisterNode validates and records a node, returning the canonical
	// registration (authority-assigned ID and registration id).
	RegisterNode(reg core.NodeRegistration) (core.NodeRegistration, core.Error)

	// RegistrationID is the id every registered node must echo back.
	RegistrationID() string

	// HandleHeartbeat records the liveness sample and drains the node's
	// command queue. It must not block on replication work.
	HandleHeartbeat(id core.StorageNodeID, usage core.NodeUsage) ([]core.NodeCommand, core.Error)

	// ProcessReport reconciles a full inventory against the block map.
	ProcessReport(id core.StorageNodeID, blocks []core.Block) core.Error

	// ProcessBlocksBeingWritten records in-flight pipeline blocks.
	ProcessBlocksBeingWritten(id core.StorageNodeID, blocks []core.Block) core.Error

	// BlockReceivedAndDeleted applies an incremental inventory delta.
	BlockReceivedAndDeleted(id core.StorageNodeID, received, deleted []core.Block) core.Error

	// RemoveNode drops a node from the active set.
	RemoveNode(id core.StorageNodeID) core.Error

	// Lifecycle and checkpointing.

	SetSafeMode(action core.SafeModeAction) (bool, core.Error)
	IsInSafeMode() bool
	GetEditLogSize() (int64, core.Error)
	RollEditLog() (core.CheckpointSignature, core.Error)
	RollFsImage(sig core.CheckpointSignature) core.Error
	SaveNamespace(force, uncompressed bool) core.Error
	FinalizeUpgrade() core.Error
	IsUpgradeFinalized() bool
	UpgradeProgress(action core.UpgradeAction) (core.UpgradeStatus, core.Error)
	ProcessUpgradeCommand(cmd core.UpgradeCommand) (core.UpgradeCommand, core.Error)
	GetBlocks(node core.StorageNodeID, size int64) ([]core.LocatedBlock, core.Error)

	// GetBlockLengths returns one recorded length per listed block, in
	// order, -1 for blocks the authority does not know.
	GetBlockLengths(ids []core.BlockID) []int64

	NamespaceInfo() core.NamespaceInfo

	// Close releases the authority's resources. In-flight operations
	// either complete or fail cleanly.
	Close()
}
