// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "fmt"

// StorageNodeID is a nameserver-assigned ID for a storage node. Valid
// StorageNodeIDs start from 1.
type StorageNodeID uint32

func (id StorageNodeID) String() string {
	return fmt.Sprintf("%d", id)
}

// IsValid returns whether the id could have been assigned by a nameserver.
func (id StorageNodeID) IsValid() bool {
	return id > 0
}

// BlockID identifies a block in the namespace. Valid BlockIDs start from 1.
type BlockID uint64

// GenerationStamp is a monotonically increasing tag distinguishing successive
// versions of a block's content after recovery events. A replica carrying a
// stamp lower than the authority's is stale.
type GenerationStamp uint64

// NamespaceID identifies a formatted namespace. Two nameservers with
// different NamespaceIDs must never exchange checkpoints.
type NamespaceID uint32

// TxID is the position of an operation in the edit log.
type TxID uint64

// Block describes one block of a file.
type Block struct {
	// What block is this?
	ID BlockID

	// Generation stamp of the most recent successful write to the block.
	GenStamp GenerationStamp

	// How many bytes are in the block?
	NumBytes int64
}

func (b Block) String() string {
	return fmt.Sprintf("blk_%d_%d", b.ID, b.GenStamp)
}

// LocatedBlock is a block plus the addresses of the storage nodes that hold
// (or should receive) its replicas.
type LocatedBlock struct {
	Block Block

	// Targets[0] is the primary target for pipeline writes.
	Targets []string
}

// LeaseHolder identifies the writer of an in-progress file. Both fields must
// match for lease-holder-only operations.
type LeaseHolder struct {
	// Client-chosen name, unique per client instance.
	ClientName string

	// Network address the lease-opening call arrived from.
	ClientAddr string
}

func (h LeaseHolder) String() string {
	return h.ClientName + "@" + h.ClientAddr
}

// NodeRegistration identifies a storage node to the nameserver. The
// RegistrationID is issued by the namespace authority at registration time
// and must be echoed back on every subsequent call from that node.
type NodeRegistration struct {
	// Nameserver-assigned node ID, 0 before first registration.
	ID StorageNodeID

	// Address the node serves block traffic on.
	Addr string

	// Opaque registration id issued by the authority.
	RegistrationID string

	// On-disk layout version the node was built for. Must match the
	// nameserver's exactly.
	LayoutVersion int
}

// NodeUsage is the liveness/capacity sample carried by a heartbeat.
type NodeUsage struct {
	Capacity      uint64
	Used          uint64
	Remaining     uint64
	NamespaceUsed uint64

	// Replication transfers currently running on the node.
	XmitsInProgress int

	// Active transceiver threads serving client traffic.
	XceiverCount int
}

// FileInfo describes one file or directory for clients.
type FileInfo struct {
	Path        string
	Length      int64
	IsDir       bool
	Replication int
	BlockSize   int64
	ModTime     int64
}

// CheckpointSignature ties a checkpoint to the namespace and edit-log
// position it was taken at. Each issuance is a fresh immutable value; a
// secondary checkpointer presents it back to prove it rolled forward from
// the right state.
type CheckpointSignature struct {
	// Which namespace is this a signature of?
	NamespaceID NamespaceID

	// Transaction the last durable image covers.
	CheckpointTxID TxID

	// Edit log position at issuance time.
	CurTxID TxID

	// Incremented every time a new image is accepted.
	Generation uint64
}

// NamespaceInfo is returned to storage nodes at version-negotiation time so
// they can verify they belong to this cluster.
type NamespaceInfo struct {
	NamespaceID   NamespaceID
	LayoutVersion int
	CTime         int64
	GenStamp      GenerationStamp

	// Version of the distributed upgrade in progress, 0 if none.
	UpgradeVersion int
}
