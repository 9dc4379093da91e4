// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// This file describes the client-facing RPC interface exported by the
// nameserver (the write-lease pipeline plus namespace reads). Every reply
// carries a core.Error; NoError means the call took effect.

// CreateMethod is the method name for opening a new file for writing.
const CreateMethod = "ClientSrvHandler.Create"

// CreateReq opens a new file and its write lease.
type CreateReq struct {
	// Path of the file to create.
	Path string

	// Client-chosen name binding the lease. The originating address is
	// taken from the connection, not the request.
	ClientName string

	// Replace an existing complete file?
	Overwrite bool

	// Target replica count for each block.
	Replication int

	// Maximum bytes per block.
	BlockSize int64
}

// CreateReply is sent in response to a CreateReq.
type CreateReply struct {
	Err Error
}

// AppendMethod is the method name for reopening an existing file for append.
const AppendMethod = "ClientSrvHandler.Append"

// AppendReq reopens the lease on an existing file.
type AppendReq struct {
	Path       string
	ClientName string
}

// AppendReply returns the last, possibly partial, block so the client can
// resume writing into it.
type AppendReply struct {
	LastBlock LocatedBlock
	Err       Error
}

// AddBlockMethod is the method name for allocating the next block of an
// open file.
const AddBlockMethod = "ClientSrvHandler.AddBlock"

// AddBlockOptions collects the optional parameters of addBlock. Older call
// shapes are adapters over this one structure.
type AddBlockOptions struct {
	// Nodes the client has had trouble reaching; never placed on.
	ExcludedNodes []string

	// Nodes to prefer when placing, best effort.
	FavoredNodes []string

	// The last block the client believes exists. Lets the authority
	// recognize a retried call and return the existing allocation instead
	// of a duplicate block.
	LastBlock *Block
}

// AddBlockReq asks for a new block at the tail of an open file.
type AddBlockReq struct {
	Path       string
	ClientName string
	Options    AddBlockOptions
}

// AddBlockReply is sent in response to an AddBlockReq.
type AddBlockReply struct {
	Block LocatedBlock
	Err   Error
}

// AbandonBlockMethod is the method name for giving up on a provisional block.
const AbandonBlockMethod = "ClientSrvHandler.AbandonBlock"

// AbandonBlockReq releases a block the client could not write.
type AbandonBlockReq struct {
	Block      Block
	Path       string
	ClientName string
}

// AbandonBlockReply is sent in response to an AbandonBlockReq.
type AbandonBlockReply struct {
	Err Error
}

// AbandonFileMethod is the method name for giving up on an in-progress file.
const AbandonFileMethod = "ClientSrvHandler.AbandonFile"

// AbandonFileReq releases the whole in-progress file.
type AbandonFileReq struct {
	Path       string
	ClientName string
}

// AbandonFileReply is sent in response to an AbandonFileReq.
type AbandonFileReply struct {
	Err Error
}

// CompleteMethod is the method name for finishing a write.
const CompleteMethod = "ClientSrvHandler.Complete"

// CompleteReq asks the nameserver to close the file.
type CompleteReq struct {
	Path       string
	ClientName string

	// Total file length the client wrote, -1 if unknown.
	Length int64

	// The last block the client wrote, nil for older callers.
	LastBlock *Block
}

// CompleteReply carries the tri-state completion result. StillWaiting is a
// normal polling outcome and arrives with Err == NoError.
type CompleteReply struct {
	Status CompleteStatus
	Err    Error
}

// RecoverLeaseMethod is the method name for starting lease recovery.
const RecoverLeaseMethod = "ClientSrvHandler.RecoverLease"

// RecoverLeaseReq force-terminates a lease presumed orphaned. Any caller may
// send it, not just the original holder.
type RecoverLeaseReq struct {
	Path string

	// Name of the caller requesting recovery.
	ClientName string

	// Drop the trailing, possibly-unacknowledged block instead of keeping it.
	DiscardLastBlock bool
}

// RecoverLeaseReply reports whether recovery completed synchronously.
type RecoverLeaseReply struct {
	Done bool
	Err  Error
}

// CommitBlockSynchronizationMethod is the method name for committing the
// result of block recovery.
const CommitBlockSynchronizationMethod = "ClientSrvHandler.CommitBlockSynchronization"

// CommitBlockSynchronizationReq reconciles a block's final generation stamp
// and length across replicas after recovery.
type CommitBlockSynchronizationReq struct {
	Block       Block
	NewGenStamp GenerationStamp
	NewLength   int64
	CloseFile   bool
	DeleteBlock bool

	// Nodes hosting the final replica set.
	NewTargets []StorageNodeID
}

// CommitBlockSynchronizationReply is sent in response to a
// CommitBlockSynchronizationReq.
type CommitBlockSynchronizationReply struct {
	Err Error
}

// ReportBadBlocksMethod is the method name for client corruption reports.
const ReportBadBlocksMethod = "ClientSrvHandler.ReportBadBlocks"

// ReportBadBlocksReq lists replicas the client found corrupt. Each listed
// location is marked corrupt individually; the block itself survives as
// long as a healthy replica remains.
type ReportBadBlocksReq struct {
	Blocks []LocatedBlock
}

// ReportBadBlocksReply is sent in response to a ReportBadBlocksReq.
type ReportBadBlocksReply struct {
	Err Error
}

// RenewLeaseMethod is the method name for keeping leases alive.
const RenewLeaseMethod = "ClientSrvHandler.RenewLease"

// RenewLeaseReq refreshes every lease held by the named client.
type RenewLeaseReq struct {
	ClientName string
}

// RenewLeaseReply is sent in response to a RenewLeaseReq.
type RenewLeaseReply struct {
	Err Error
}

// FsyncMethod is the method name for persisting an open file's metadata.
const FsyncMethod = "ClientSrvHandler.Fsync"

// FsyncReq asks that the file's current block list be made durable.
type FsyncReq struct {
	Path       string
	ClientName string
}

// FsyncReply is sent in response to a FsyncReq.
type FsyncReply struct {
	Err Error
}

// GetBlockLocationsMethod is the method name for resolving a byte range to
// block locations.
const GetBlockLocationsMethod = "ClientSrvHandler.GetBlockLocations"

// GetBlockLocationsReq resolves [Offset, Offset+Length) of a file.
type GetBlockLocationsReq struct {
	Path   string
	Offset int64
	Length int64
}

// GetBlockLocationsReply is sent in response to a GetBlockLocationsReq.
type GetBlockLocationsReply struct {
	Blocks []LocatedBlock
	Err    Error
}

// RenameMethod is the method name for renaming a file or directory.
const RenameMethod = "ClientSrvHandler.Rename"

// RenameReq renames Src to Dst.
type RenameReq struct {
	Src string
	Dst string
}

// RenameReply is sent in response to a RenameReq.
type RenameReply struct {
	Err Error
}

// DeleteMethod is the method name for deleting a file or directory.
const DeleteMethod = "ClientSrvHandler.Delete"

// DeleteReq deletes a path, recursively if asked.
type DeleteReq struct {
	Path      string
	Recursive bool
}

// DeleteReply is sent in response to a DeleteReq.
type DeleteReply struct {
	Err Error
}

// MkdirsMethod is the method name for creating a directory chain.
const MkdirsMethod = "ClientSrvHandler.Mkdirs"

// MkdirsReq creates the directory and any missing parents.
type MkdirsReq struct {
	Path string
}

// MkdirsReply is sent in response to a MkdirsReq.
type MkdirsReply struct {
	Err Error
}

// GetListingMethod is the method name for enumerating a directory.
const GetListingMethod = "ClientSrvHandler.GetListing"

// GetListingReq asks for the direct children of a directory. Listing a file
// returns the file itself as the single entry.
type GetListingReq struct {
	Path string
}

// GetListingReply is sent in response to a GetListingReq.
type GetListingReply struct {
	Entries []FileInfo
	Err     Error
}

// GetFileInfoMethod is the method name for stat.
const GetFileInfoMethod = "ClientSrvHandler.GetFileInfo"

// GetFileInfoReq asks for metadata of one path.
type GetFileInfoReq struct {
	Path string
}

// GetFileInfoReply is sent in response to a GetFileInfoReq.
type GetFileInfoReply struct {
	Info FileInfo
	Err  Error
}

// SetReplicationMethod is the method name for changing a file's replica count.
const SetReplicationMethod = "ClientSrvHandler.SetReplication"

// SetReplicationReq changes the target replication of a file.
type SetReplicationReq struct {
	Path        string
	Replication int
}

// SetReplicationReply is sent in response to a SetReplicationReq.
type SetReplicationReply struct {
	Err Error
}

// GetPreferredBlockSizeMethod is the method name for reading a file's block size.
const GetPreferredBlockSizeMethod = "ClientSrvHandler.GetPreferredBlockSize"

// GetPreferredBlockSizeReq asks for the block size create chose for a file.
type GetPreferredBlockSizeReq struct {
	Path string
}

// GetPreferredBlockSizeReply is sent in response to a GetPreferredBlockSizeReq.
type GetPreferredBlockSizeReply struct {
	BlockSize int64
	Err       Error
}
