// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package nameserver

import (
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/blockfs/blockfs/internal/core"
)

// NodeInfo is the volatile view of one storage node, kept for the status
// page. The authoritative liveness state lives in the Namesystem.
type NodeInfo struct {
	ID            core.StorageNodeID
	Addr          string
	LastHeartbeat time.Time
	Usage         core.NodeUsage
}

// Nameserver is the control-plane coordinator: it verifies requests,
// sequences the write-lease protocol, dispatches heartbeats and reports,
// and drives namespace lifecycle events, delegating all state to the
// namespace authority.
type Nameserver struct {
	// Configuration.
	cfg Config

	// The namespace authority. Does own synchronization.
	ns Namesystem

	// Volatile storage node information, sorted by nodes[i].ID.
	nodes []NodeInfo

	// Lock for 'nodes'.
	lock sync.Mutex
}

// NewNameserver creates and returns a new Nameserver around the given
// namespace authority.
func NewNameserver(cfg Config, ns Namesystem) *Nameserver {
	return &Nameserver{cfg: cfg, ns: ns}
}

// Namesystem returns the authority this nameserver coordinates.
func (n *Nameserver) Namesystem() Namesystem {
	return n.ns
}

//----------------------------------
// Request verification
//----------------------------------

// verifyVersion checks the reported layout version against ours. Heartbeats
// and reports require an exact match, not merely a compatible one.
func (n *Nameserver) verifyVersion(reported int) core.Error {
	if reported != core.LayoutVersion {
		return core.ErrIncorrectVersion
	}
	return core.NoError
}

// verifyRequest validates a storage node call: exact layout version and a
// registration id matching the one issued at register time. A node that was
// decommissioned and re-admitted under stale state fails here and must
// re-register before acting.
func (n *Nameserver) verifyRequest(reg core.NodeRegistration) core.Error {
	if err := n.verifyVersion(reg.LayoutVersion); err != core.NoError {
		return err
	}
	if !reg.ID.IsValid() || reg.RegistrationID != n.ns.RegistrationID() {
		return core.ErrUnregisteredNode
	}
	return core.NoError
}

// checkPath rejects paths exceeding the configured length or depth maxima
// before the namespace authority sees them.
func (n *Nameserver) checkPath(path string) core.Error {
	if len(path) == 0 || path[0] != '/' {
		return core.ErrPathInvalid
	}
	if len(path) > n.cfg.MaxPathLength || strings.Count(path, "/") > n.cfg.MaxPathDepth {
		return core.ErrPathInvalid
	}
	return core.NoError
}

//----------------------------------
// Heartbeat & report dispatch
//----------------------------------

// registerNode validates the node's layout version, then asks the authority
// for a canonical registration. No verifyRequest here: the node may not
// have a valid registration id yet, that is the point of the call.
func (n *Nameserver) registerNode(reg core.NodeRegistration) (core.NodeRegistration, core.Error) {
	if err := n.verifyVersion(reg.LayoutVersion); err != core.NoError {
		log.Errorf("rejecting registration from %s: layout version %d, want %d",
			reg.Addr, reg.LayoutVersion, core.LayoutVersion)
		return core.NodeRegistration{}, err
	}

	canonical, err := n.ns.RegisterNode(reg)
	if err != core.NoError {
		log.Errorf("failed to register node at %s: %s", reg.Addr, err)
		return core.NodeRegistration{}, err
	}
	log.Infof("node at %s registered with ID %d", canonical.Addr, canonical.ID)

	n.noteNode(canonical.ID, canonical.Addr, core.NodeUsage{})
	return canonical, core.NoError
}

// heartbeat forwards a liveness sample and drains queued commands for the
// node, in the order the authority enqueued them. It never blocks waiting
// for replication work; commands are already computed.
func (n *Nameserver) heartbeat(reg core.NodeRegistration, usage core.NodeUsage) ([]core.NodeCommand, core.Error) {
	if err := n.verifyRequest(reg); err != core.NoError {
		return nil, err
	}
	cmds, err := n.ns.HandleHeartbeat(reg.ID, usage)
	if err != core.NoError {
		return nil, err
	}
	n.noteNode(reg.ID, reg.Addr, usage)
	return cmds, core.NoError
}

// blockReport decodes the compact inventory and reconciles it against the
// authority's view. Returns a finalize command once the upgrade is
// finalized, so nodes eventually drop their rollback state.
func (n *Nameserver) blockReport(reg core.NodeRegistration, list core.BlockList) (*core.NodeCommand, core.Error) {
	if err := n.verifyRequest(reg); err != core.NoError {
		return nil, err
	}
	blocks, err := list.Decode()
	if err != core.NoError {
		return nil, err
	}
	log.V(1).Infof("blockReport: from node %d, %d blocks", reg.ID, len(blocks))

	if err := n.ns.ProcessReport(reg.ID, blocks); err != core.NoError {
		return nil, err
	}
	if n.ns.IsUpgradeFinalized() {
		return &core.NodeCommand{Op: core.CmdFinalize}, core.NoError
	}
	return nil, core.NoError
}

// blocksBeingWrittenReport records blocks with open pipelines on the node,
// used to rebuild lease state after a node restart.
func (n *Nameserver) blocksBeingWrittenReport(reg core.NodeRegistration, list core.BlockList) core.Error {
	if err := n.verifyRequest(reg); err != core.NoError {
		return err
	}
	blocks, err := list.Decode()
	if err != core.NoError {
		return err
	}
	log.Infof("blocksBeingWrittenReport: from node %d, %d blocks", reg.ID, len(blocks))
	return n.ns.ProcessBlocksBeingWritten(reg.ID, blocks)
}

// blockReceivedAndDeleted applies the cheap incremental delta sent between
// full reports.
func (n *Nameserver) blockReceivedAndDeleted(reg core.NodeRegistration, received, deleted []core.Block) core.Error {
	if err := n.verifyRequest(reg); err != core.NoError {
		return err
	}
	return n.ns.BlockReceivedAndDeleted(reg.ID, received, deleted)
}

// errorReport logs a node-side failure. NOTIFY is informational and skips
// verification; a fatal disk error removes the node from the active set.
func (n *Nameserver) errorReport(reg core.NodeRegistration, severity core.ErrorReportSeverity, msg string) core.Error {
	log.Infof("error report from node %d at %s: %s", reg.ID, reg.Addr, msg)
	if severity == core.SeverityNotify {
		return core.NoError
	}
	if err := n.verifyRequest(reg); err != core.NoError {
		return err
	}
	switch severity {
	case core.SeverityDiskError:
		log.Warningf("volume failed on node %d at %s", reg.ID, reg.Addr)
		return core.NoError
	case core.SeverityFatalDiskError:
		log.Errorf("fatal disk failure on node %d at %s, removing it", reg.ID, reg.Addr)
		n.dropNode(reg.ID)
		return n.ns.RemoveNode(reg.ID)
	}
	return core.ErrInvalidArgument
}

// processUpgradeCommand relays one step of the distributed upgrade
// handshake between a node and the authority.
func (n *Nameserver) processUpgradeCommand(reg core.NodeRegistration, cmd core.UpgradeCommand) (core.UpgradeCommand, core.Error) {
	if err := n.verifyRequest(reg); err != core.NoError {
		return core.UpgradeCommand{}, err
	}
	return n.ns.ProcessUpgradeCommand(cmd)
}

// noteNode records volatile node info, keeping n.nodes sorted by ID.
func (n *Nameserver) noteNode(id core.StorageNodeID, addr string, usage core.NodeUsage) {
	n.lock.Lock()
	defer n.lock.Unlock()

	f := func(i int) bool {
		return n.nodes[i].ID >= id
	}
	i := sort.Search(len(n.nodes), f)
	if !(i < len(n.nodes) && n.nodes[i].ID == id) {
		n.nodes = append(n.nodes, NodeInfo{})
		copy(n.nodes[i+1:], n.nodes[i:])
	}
	n.nodes[i] = NodeInfo{ID: id, Addr: addr, LastHeartbeat: time.Now(), Usage: usage}
}

// dropNode removes a node from the volatile view.
func (n *Nameserver) dropNode(id core.StorageNodeID) {
	n.lock.Lock()
	defer n.lock.Unlock()

	for i := range n.nodes {
		if n.nodes[i].ID == id {
			n.nodes = append(n.nodes[:i], n.nodes[i+1:]...)
			return
		}
	}
}

// getNodes returns a copy of the volatile node info for the status page.
func (n *Nameserver) getNodes() []NodeInfo {
	n.lock.Lock()
	defer n.lock.Unlock()
	out := make([]NodeInfo, len(n.nodes))
	copy(out, n.nodes)
	return out
}

//----------------------------------
// Write-lease pipeline
//----------------------------------

// create opens a new file and its write lease, bound to the caller's name
// and originating address. Path validation happens here; the one-open-lease
// invariant is the authority's.
func (n *Nameserver) create(path, clientName, clientAddr string, overwrite bool, replication int, blockSize int64) core.Error {
	if err := n.checkPath(path); err != core.NoError {
		return err
	}
	if replication <= 0 || blockSize <= 0 {
		return core.ErrInvalidArgument
	}
	holder := core.LeaseHolder{ClientName: clientName, ClientAddr: clientAddr}
	log.V(1).Infof("create: file %s for %s", path, holder)
	return n.ns.StartFile(path, holder, overwrite, replication, blockSize)
}

// appendFile reopens the lease on an existing file.
func (n *Nameserver) appendFile(path, clientName, clientAddr string) (core.LocatedBlock, core.Error) {
	if err := n.checkPath(path); err != core.NoError {
		return core.LocatedBlock{}, err
	}
	holder := core.LeaseHolder{ClientName: clientName, ClientAddr: clientAddr}
	log.V(1).Infof("append: file %s for %s", path, holder)
	return n.ns.AppendFile(path, holder)
}

// addBlock allocates the next block of an open file.
func (n *Nameserver) addBlock(path, clientName, clientAddr string, opts core.AddBlockOptions) (core.LocatedBlock, core.Error) {
	if err := n.checkPath(path); err != core.NoError {
		return core.LocatedBlock{}, err
	}
	holder := core.LeaseHolder{ClientName: clientName, ClientAddr: clientAddr}
	log.V(1).Infof("addBlock: file %s for %s", path, holder)
	return n.ns.GetAdditionalBlock(path, holder, opts)
}

func (n *Nameserver) abandonBlock(b core.Block, path, clientName string) core.Error {
	log.V(1).Infof("abandonBlock: %s of file %s", b, path)
	return n.ns.AbandonBlock(b, path, clientName)
}

func (n *Nameserver) abandonFile(path, clientName string) core.Error {
	log.V(1).Infof("abandonFile: %s", path)
	return n.ns.AbandonFile(path, clientName)
}

// complete attempts to close the file. StillWaiting is a normal reply: the
// caller retries with backoff until placement is confirmed.
func (n *Nameserver) complete(path, clientName string, length int64, last *core.Block) (core.CompleteStatus, core.Error) {
	log.V(1).Infof("complete: %s for %s", path, clientName)
	return n.ns.CompleteFile(path, clientName, length, last)
}

// recoverLease force-terminates a lease presumed orphaned. Any caller may
// request it.
func (n *Nameserver) recoverLease(path, clientName, clientAddr string, discardLastBlock bool) (bool, core.Error) {
	if err := n.checkPath(path); err != core.NoError {
		return false, err
	}
	log.Infof("recoverLease: %s requested by %s, discardLastBlock=%v", path, clientName, discardLastBlock)
	return n.ns.RecoverLease(path, clientName, clientAddr, discardLastBlock)
}

func (n *Nameserver) commitBlockSynchronization(req core.CommitBlockSynchronizationReq) core.Error {
	log.Infof("commitBlockSynchronization: %s newGS=%d newLen=%d close=%v delete=%v",
		req.Block, req.NewGenStamp, req.NewLength, req.CloseFile, req.DeleteBlock)
	return n.ns.CommitBlockSynchronization(req.Block, req.NewGenStamp, req.NewLength,
		req.CloseFile, req.DeleteBlock, req.NewTargets)
}

// reportBadBlocks marks each reported replica corrupt individually, so
// remediation can replace just the bad copies.
func (n *Nameserver) reportBadBlocks(blocks []core.LocatedBlock) core.Error {
	log.Infof("reportBadBlocks: %d blocks", len(blocks))
	for _, lb := range blocks {
		for _, target := range lb.Targets {
			id, ok := n.nodeIDForAddr(target)
			if !ok {
				log.Warningf("reportBadBlocks: unknown replica location %s for %s", target, lb.Block)
				continue
			}
			if err := n.ns.MarkBlockAsCorrupt(lb.Block, id); err != core.NoError {
				return err
			}
		}
	}
	return core.NoError
}

// nodeIDForAddr resolves a replica address to a node ID via the volatile view.
func (n *Nameserver) nodeIDForAddr(addr string) (core.StorageNodeID, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for _, info := range n.nodes {
		if info.Addr == addr {
			return info.ID, true
		}
	}
	return 0, false
}

//----------------------------------
// Namespace operations
//----------------------------------

func (n *Nameserver) getBlockLocations(path string, offset, length int64) ([]core.LocatedBlock, core.Error) {
	if err := n.checkPath(path); err != core.NoError {
		return nil, err
	}
	if offset < 0 || length < 0 {
		return nil, core.ErrInvalidArgument
	}
	return n.ns.GetBlockLocations(path, offset, length)
}

func (n *Nameserver) rename(src, dst string) core.Error {
	if err := n.checkPath(src); err != core.NoError {
		return err
	}
	if err := n.checkPath(dst); err != core.NoError {
		return err
	}
	log.V(1).Infof("rename: %s to %s", src, dst)
	return n.ns.RenameTo(src, dst)
}

func (n *Nameserver) delete(path string, recursive bool) core.Error {
	if err := n.checkPath(path); err != core.NoError {
		return err
	}
	log.V(1).Infof("delete: %s recursive=%v", path, recursive)
	return n.ns.Delete(path, recursive)
}

func (n *Nameserver) mkdirs(path string) core.Error {
	if err := n.checkPath(path); err != core.NoError {
		return err
	}
	log.V(1).Infof("mkdirs: %s", path)
	return n.ns.Mkdirs(path)
}

//----------------------------------
// Lifecycle & checkpointing
//----------------------------------

func (n *Nameserver) setSafeMode(action core.SafeModeAction) (bool, core.Error) {
	on, err := n.ns.SetSafeMode(action)
	if err == core.NoError && action != core.SafeModeGet {
		log.Infof("safe mode is now %v", on)
	}
	return on, err
}

func (n *Nameserver) rollEditLog() (core.CheckpointSignature, core.Error) {
	return n.ns.RollEditLog()
}

func (n *Nameserver) rollFsImage(sig core.CheckpointSignature) core.Error {
	log.Infof("rollFsImage: namespace %d txid %d", sig.NamespaceID, sig.CurTxID)
	return n.ns.RollFsImage(sig)
}

func (n *Nameserver) saveNamespace(force, uncompressed bool) core.Error {
	log.Infof("saveNamespace: force=%v uncompressed=%v", force, uncompressed)
	return n.ns.SaveNamespace(force, uncompressed)
}

func (n *Nameserver) finalizeUpgrade() core.Error {
	log.Infof("finalizeUpgrade requested")
	return n.ns.FinalizeUpgrade()
}

func (n *Nameserver) upgradeProgress(action core.UpgradeAction) (core.UpgradeStatus, core.Error) {
	return n.ns.UpgradeProgress(action)
}

// getBlocks samples blocks on a node totalling roughly 'size' bytes, for
// rebalancers.
func (n *Nameserver) getBlocks(node core.StorageNodeID, size int64) ([]core.LocatedBlock, core.Error) {
	if size <= 0 {
		return nil, core.ErrInvalidArgument
	}
	return n.ns.GetBlocks(node, size)
}

// refreshServiceACL reloads the service-level authorization policy. When
// the feature is disabled this fails distinctly from a permission denial.
func (n *Nameserver) refreshServiceACL() core.Error {
	if !n.cfg.ServiceAuthEnabled {
		return core.ErrPolicyDisabled
	}
	log.Infof("service-level authorization policy refreshed")
	return core.NoError
}
