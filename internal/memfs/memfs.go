// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package memfs is an in-memory namespace authority. It keeps the directory
// tree, block map and node set in process memory, checkpointing to a local
// bolt file when configured. It exists to serve single-process deployments
// and tests; the coordination protocol above it neither knows nor cares.
package memfs

import (
	"sync"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"

	"github.com/blockfs/blockfs/internal/core"
)

// Config encapsulates parameters for the in-memory authority.
type Config struct {
	// Replicas a block needs before a file covering it may complete.
	MinReplication int

	// Path of the bolt file checkpoints are saved to. Empty disables
	// durable checkpoints.
	CheckpointFile string

	// How many recently completed (path, client) pairs to remember, for
	// idempotent completion after a lost reply.
	CompletedCacheSize int

	// Start with mutations refused until enough blocks are reported or an
	// operator leaves safe mode.
	StartInSafeMode bool

	// Fraction of known blocks that must have a minimally replicated copy
	// reported before automatic safe mode exits on its own.
	SafeModeThreshold float64
}

// DefaultConfig includes default values for the authority.
var DefaultConfig = Config{
	MinReplication:     1,
	CompletedCacheSize: 4096,
	SafeModeThreshold:  0.999,
}

// lease tracks the writer of one in-progress file.
type lease struct {
	holder  core.LeaseHolder
	renewed time.Time
}

// inode is one entry in the namespace tree, keyed by full path.
type inode struct {
	isDir       bool
	blocks      []core.BlockID
	replication int
	blockSize   int64
	modTime     int64

	// Nil when no write lease is open on the file.
	lease *lease

	// Finished files have no trailing provisional block.
	complete bool
}

// blockMeta is the authority's view of one block.
type blockMeta struct {
	block core.Block
	path  string

	// Allocated but not yet covered by a completed file.
	provisional bool

	// Which nodes hold a current replica.
	replicas map[core.StorageNodeID]bool
}

// nodeState is everything remembered about one storage node.
type nodeState struct {
	reg   core.NodeRegistration
	usage core.NodeUsage

	// FIFO command queue drained by heartbeats.
	commands []core.NodeCommand

	// Blocks the node reported holding.
	blocks map[core.BlockID]bool

	lastHeartbeat time.Time
}

// MemFS implements the namespace authority against process memory.
type MemFS struct {
	cfg Config

	mu sync.Mutex

	// Namespace tree, full path to inode. "/" is always present.
	inodes map[string]*inode

	// Block map.
	blocks map[core.BlockID]*blockMeta

	// Storage nodes by ID.
	nodes map[core.StorageNodeID]*nodeState

	// Identity issued at format time.
	namespaceID    core.NamespaceID
	ctime          int64
	registrationID string

	// Monotonic counters.
	nextNodeID  core.StorageNodeID
	nextBlockID core.BlockID
	genStamp    core.GenerationStamp
	curTxID     core.TxID

	// Checkpoint state.
	checkpointTxID core.TxID
	generation     uint64
	pendingSig     *core.CheckpointSignature
	saving         bool
	db             *bolt.DB

	safeMode bool

	// Safe mode requested by an operator never exits on its own.
	manualSafeMode bool

	// Distributed upgrade state.
	upgradeVersion int
	upgradePct     int
	finalized      bool

	// Recently completed (path, client) pairs, for idempotent completion.
	completed *lru.Cache

	closed bool
}

// New creates a freshly formatted in-memory authority.
func New(cfg Config) *MemFS {
	if cfg.MinReplication <= 0 {
		cfg.MinReplication = DefaultConfig.MinReplication
	}
	if cfg.CompletedCacheSize <= 0 {
		cfg.CompletedCacheSize = DefaultConfig.CompletedCacheSize
	}
	if cfg.SafeModeThreshold <= 0 {
		cfg.SafeModeThreshold = DefaultConfig.SafeModeThreshold
	}
	now := time.Now()
	m := &MemFS{
		cfg:            cfg,
		inodes:         map[string]*inode{"/": {isDir: true, complete: true, modTime: now.UnixNano()}},
		blocks:         make(map[core.BlockID]*blockMeta),
		nodes:          make(map[core.StorageNodeID]*nodeState),
		namespaceID:    core.NamespaceID(uuid.New().ID()),
		ctime:          now.Unix(),
		registrationID: uuid.NewString(),
		generation:     1,
		safeMode:       cfg.StartInSafeMode,
		completed:      lru.New(cfg.CompletedCacheSize),
	}
	return m
}

// Close releases the authority's resources.
func (m *MemFS) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.db != nil {
		m.db.Close()
		m.db = nil
	}
}

// NamespaceInfo returns the namespace identity.
func (m *MemFS) NamespaceInfo() core.NamespaceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return core.NamespaceInfo{
		NamespaceID:    m.namespaceID,
		LayoutVersion:  core.LayoutVersion,
		CTime:          m.ctime,
		GenStamp:       m.genStamp,
		UpgradeVersion: m.upgradeVersion,
	}
}

// RegistrationID is the id every registered node must echo back.
func (m *MemFS) RegistrationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registrationID
}

//----------------------------------
// Storage node lifecycle
//----------------------------------

// RegisterNode admits a node and returns its canonical registration. A node
// re-registering under a known ID keeps it; everyone else gets a fresh one.
func (m *MemFS) RegisterNode(reg core.NodeRegistration) (core.NodeRegistration, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := reg.ID
	if !id.IsValid() || m.nodes[id] == nil {
		m.nextNodeID++
		id = m.nextNodeID
	}

	canonical := core.NodeRegistration{
		ID:             id,
		Addr:           reg.Addr,
		RegistrationID: m.registrationID,
		LayoutVersion:  core.LayoutVersion,
	}
	m.nodes[id] = &nodeState{
		reg:           canonical,
		blocks:        make(map[core.BlockID]bool),
		lastHeartbeat: time.Now(),
	}
	return canonical, core.NoError
}

// HandleHeartbeat records the sample and drains the node's command queue.
func (m *MemFS) HandleHeartbeat(id core.StorageNodeID, usage core.NodeUsage) ([]core.NodeCommand, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.nodes[id]
	if n == nil {
		return nil, core.ErrUnregisteredNode
	}
	n.usage = usage
	n.lastHeartbeat = time.Now()

	cmds := n.commands
	n.commands = nil
	return cmds, core.NoError
}

// ProcessReport reconciles a full inventory against the block map. Unknown
// blocks and stale-stamp replicas earn the node a delete command; replicas
// the node no longer reports are dropped.
func (m *MemFS) ProcessReport(id core.StorageNodeID, blocks []core.Block) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.nodes[id]
	if n == nil {
		return core.ErrUnregisteredNode
	}

	reported := make(map[core.BlockID]bool, len(blocks))
	var toDelete []core.Block
	for _, b := range blocks {
		reported[b.ID] = true
		meta := m.blocks[b.ID]
		if meta == nil {
			toDelete = append(toDelete, b)
			continue
		}
		if b.GenStamp < meta.block.GenStamp {
			// Stale replica from before a recovery; the node must drop it.
			log.Warningf("node %d reports stale replica %s, authority has %s", id, b, meta.block)
			toDelete = append(toDelete, b)
			continue
		}
		meta.replicas[id] = true
		n.blocks[b.ID] = true
	}

	// Drop replicas the node used to hold but no longer reports.
	for bid := range n.blocks {
		if !reported[bid] {
			delete(n.blocks, bid)
			if meta := m.blocks[bid]; meta != nil {
				delete(meta.replicas, id)
			}
		}
	}

	if len(toDelete) > 0 {
		n.commands = append(n.commands, core.NodeCommand{Op: core.CmdDelete, Blocks: toDelete})
	}
	m.checkSafeModeLocked()
	return core.NoError
}

// ProcessBlocksBeingWritten records replicas of blocks with open pipelines,
// so lease recovery after a node restart knows where to look.
func (m *MemFS) ProcessBlocksBeingWritten(id core.StorageNodeID, blocks []core.Block) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.nodes[id]
	if n == nil {
		return core.ErrUnregisteredNode
	}
	for _, b := range blocks {
		meta := m.blocks[b.ID]
		if meta == nil || !meta.provisional {
			continue
		}
		meta.replicas[id] = true
		n.blocks[b.ID] = true
	}
	return core.NoError
}

// BlockReceivedAndDeleted applies the incremental delta sent between full
// reports.
func (m *MemFS) BlockReceivedAndDeleted(id core.StorageNodeID, received, deleted []core.Block) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.nodes[id]
	if n == nil {
		return core.ErrUnregisteredNode
	}

	var toDelete []core.Block
	for _, b := range received {
		meta := m.blocks[b.ID]
		if meta == nil || b.GenStamp < meta.block.GenStamp {
			toDelete = append(toDelete, b)
			continue
		}
		meta.replicas[id] = true
		n.blocks[b.ID] = true
	}
	for _, b := range deleted {
		delete(n.blocks, b.ID)
		if meta := m.blocks[b.ID]; meta != nil {
			delete(meta.replicas, id)
		}
	}

	if len(toDelete) > 0 {
		n.commands = append(n.commands, core.NodeCommand{Op: core.CmdDelete, Blocks: toDelete})
	}
	m.checkSafeModeLocked()
	return core.NoError
}

// RemoveNode drops a node and all its replicas from the active set.
func (m *MemFS) RemoveNode(id core.StorageNodeID) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.nodes[id]
	if n == nil {
		return core.ErrUnregisteredNode
	}
	for bid := range n.blocks {
		if meta := m.blocks[bid]; meta != nil {
			delete(meta.replicas, id)
		}
	}
	delete(m.nodes, id)
	return core.NoError
}

// MarkBlockAsCorrupt drops one replica and tells its node to delete it. The
// block itself survives as long as a healthy replica remains.
func (m *MemFS) MarkBlockAsCorrupt(b core.Block, node core.StorageNodeID) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := m.blocks[b.ID]
	if meta == nil {
		return core.ErrNoSuchFile
	}
	n := m.nodes[node]
	if n == nil {
		return core.ErrUnregisteredNode
	}
	delete(meta.replicas, node)
	delete(n.blocks, b.ID)
	n.commands = append(n.commands, core.NodeCommand{Op: core.CmdDelete, Blocks: []core.Block{b}})
	return core.NoError
}

// NextGenerationStamp issues a fresh stamp for a block lineage.
func (m *MemFS) NextGenerationStamp(b core.Block) (core.GenerationStamp, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.blocks[b.ID] == nil {
		return 0, core.ErrNoSuchFile
	}
	m.genStamp++
	return m.genStamp, core.NoError
}

// GetBlocks samples blocks on a node totalling roughly 'size' bytes.
func (m *MemFS) GetBlocks(node core.StorageNodeID, size int64) ([]core.LocatedBlock, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.nodes[node]
	if n == nil {
		return nil, core.ErrUnregisteredNode
	}

	var out []core.LocatedBlock
	var total int64
	for bid := range n.blocks {
		meta := m.blocks[bid]
		if meta == nil || meta.provisional {
			continue
		}
		out = append(out, m.locateLocked(meta))
		if total += meta.block.NumBytes; total >= size {
			break
		}
	}
	return out, core.NoError
}

// GetBlockLengths returns the recorded length of each listed block, in
// order. Unknown blocks report -1 so the caller can tell them apart from
// empty ones.
func (m *MemFS) GetBlockLengths(ids []core.BlockID) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	lengths := make([]int64, len(ids))
	for i, id := range ids {
		if meta := m.blocks[id]; meta != nil {
			lengths[i] = meta.block.NumBytes
		} else {
			lengths[i] = -1
		}
	}
	return lengths
}

// locateLocked builds the client view of a block. Callers hold m.mu.
func (m *MemFS) locateLocked(meta *blockMeta) core.LocatedBlock {
	lb := core.LocatedBlock{Block: meta.block}
	for id := range meta.replicas {
		if n := m.nodes[id]; n != nil {
			lb.Targets = append(lb.Targets, n.reg.Addr)
		}
	}
	return lb
}

// enqueueDeleteLocked queues delete commands for every replica of a block.
// Callers hold m.mu.
func (m *MemFS) enqueueDeleteLocked(meta *blockMeta) {
	for id := range meta.replicas {
		if n := m.nodes[id]; n != nil {
			n.commands = append(n.commands, core.NodeCommand{Op: core.CmdDelete, Blocks: []core.Block{meta.block}})
			delete(n.blocks, meta.block.ID)
		}
	}
}
