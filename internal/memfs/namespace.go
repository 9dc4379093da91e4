// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package memfs

import (
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/golang/glog"

	"github.com/blockfs/blockfs/internal/core"
)

// safeModeErrLocked refuses mutations while safe mode is on. Callers hold m.mu.
func (m *MemFS) safeModeErrLocked() core.Error {
	if m.safeMode {
		return core.ErrSafeMode
	}
	return core.NoError
}

func parentPath(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// completedKey identifies one (path, client) completion for the idempotency
// cache.
func completedKey(path, clientName string) string {
	return path + "\x00" + clientName
}

// openFileLocked resolves an in-progress file owned by clientName. Callers
// hold m.mu.
func (m *MemFS) openFileLocked(path, clientName string) (*inode, core.Error) {
	ino := m.inodes[path]
	if ino == nil || ino.isDir {
		return nil, core.ErrNoSuchFile
	}
	if ino.lease == nil {
		return nil, core.ErrNoLease
	}
	if ino.lease.holder.ClientName != clientName {
		return nil, core.ErrNotLeaseHolder
	}
	return ino, core.NoError
}

// mkdirsLocked creates every missing ancestor of path (path itself excluded).
// Callers hold m.mu.
func (m *MemFS) mkdirsLocked(path string) core.Error {
	dir := parentPath(path)
	if dir == "/" {
		return core.NoError
	}
	var build string
	for _, part := range strings.Split(dir[1:], "/") {
		build += "/" + part
		ino := m.inodes[build]
		if ino == nil {
			m.inodes[build] = &inode{isDir: true, complete: true, modTime: time.Now().UnixNano()}
			continue
		}
		if !ino.isDir {
			return core.ErrNotDirectory
		}
	}
	return core.NoError
}

// fileLengthLocked sums the file's block lengths. Callers hold m.mu.
func (m *MemFS) fileLengthLocked(ino *inode) int64 {
	var total int64
	for _, bid := range ino.blocks {
		if meta := m.blocks[bid]; meta != nil {
			total += meta.block.NumBytes
		}
	}
	return total
}

// dropBlocksLocked removes a file's blocks from the block map and queues
// delete commands for every replica. Callers hold m.mu.
func (m *MemFS) dropBlocksLocked(ino *inode) {
	for _, bid := range ino.blocks {
		if meta := m.blocks[bid]; meta != nil {
			m.enqueueDeleteLocked(meta)
			delete(m.blocks, bid)
		}
	}
	ino.blocks = nil
}

//----------------------------------
// Write pipeline
//----------------------------------

// StartFile opens a new file and its write lease.
func (m *MemFS) StartFile(path string, holder core.LeaseHolder, overwrite bool, replication int, blockSize int64) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.safeModeErrLocked(); err != core.NoError {
		return err
	}

	if ino := m.inodes[path]; ino != nil {
		if ino.isDir {
			return core.ErrAlreadyExists
		}
		if ino.lease != nil {
			log.Errorf("create %s: lease already held by %s, wanted by %s", path, ino.lease.holder, holder)
			return core.ErrLeaseConflict
		}
		if !overwrite {
			return core.ErrAlreadyExists
		}
		m.dropBlocksLocked(ino)
	}
	if err := m.mkdirsLocked(path); err != core.NoError {
		return err
	}

	m.inodes[path] = &inode{
		replication: replication,
		blockSize:   blockSize,
		modTime:     time.Now().UnixNano(),
		lease:       &lease{holder: holder, renewed: time.Now()},
	}
	m.curTxID++
	return core.NoError
}

// AppendFile reopens the lease on an existing file and returns its last,
// possibly partial, block.
func (m *MemFS) AppendFile(path string, holder core.LeaseHolder) (core.LocatedBlock, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.safeModeErrLocked(); err != core.NoError {
		return core.LocatedBlock{}, err
	}

	ino := m.inodes[path]
	if ino == nil {
		return core.LocatedBlock{}, core.ErrNoSuchFile
	}
	if ino.isDir {
		return core.LocatedBlock{}, core.ErrNotDirectory
	}
	if ino.lease != nil {
		return core.LocatedBlock{}, core.ErrLeaseConflict
	}

	ino.lease = &lease{holder: holder, renewed: time.Now()}
	ino.complete = false
	m.curTxID++

	var last core.LocatedBlock
	if n := len(ino.blocks); n > 0 {
		meta := m.blocks[ino.blocks[n-1]]
		meta.provisional = true
		last = m.locateLocked(meta)
	}
	return last, core.NoError
}

// GetAdditionalBlock allocates the next block of an open file. A retried
// call (the caller's last block is our penultimate one) returns the existing
// trailing allocation instead of a duplicate block.
func (m *MemFS) GetAdditionalBlock(path string, holder core.LeaseHolder, opts core.AddBlockOptions) (core.LocatedBlock, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.safeModeErrLocked(); err != core.NoError {
		return core.LocatedBlock{}, err
	}
	ino, err := m.openFileLocked(path, holder.ClientName)
	if err != core.NoError {
		return core.LocatedBlock{}, err
	}
	if ino.lease.holder.ClientAddr != holder.ClientAddr {
		return core.LocatedBlock{}, core.ErrNotLeaseHolder
	}
	ino.lease.renewed = time.Now()

	if opts.LastBlock != nil && len(ino.blocks) > 0 {
		tail := ino.blocks[len(ino.blocks)-1]
		if tail != opts.LastBlock.ID {
			if len(ino.blocks) >= 2 && ino.blocks[len(ino.blocks)-2] == opts.LastBlock.ID {
				// Retry of an allocation whose reply was lost.
				log.Infof("addBlock %s: retried call, returning existing %s", path, m.blocks[tail].block)
				return m.locateLocked(m.blocks[tail]), core.NoError
			}
			return core.LocatedBlock{}, core.ErrInvalidArgument
		}
	}

	targets := m.chooseTargetsLocked(ino.replication, opts.ExcludedNodes, opts.FavoredNodes)
	if len(targets) == 0 {
		return core.LocatedBlock{}, core.ErrTooBusy
	}

	m.nextBlockID++
	m.genStamp++
	meta := &blockMeta{
		block:       core.Block{ID: m.nextBlockID, GenStamp: m.genStamp},
		path:        path,
		provisional: true,
		replicas:    make(map[core.StorageNodeID]bool),
	}
	m.blocks[meta.block.ID] = meta
	ino.blocks = append(ino.blocks, meta.block.ID)
	m.curTxID++

	return core.LocatedBlock{Block: meta.block, Targets: targets}, core.NoError
}

// chooseTargetsLocked picks placement targets: favored nodes first, then the
// rest by remaining space, never an excluded address. Callers hold m.mu.
func (m *MemFS) chooseTargetsLocked(replication int, excluded, favored []string) []string {
	bad := make(map[string]bool, len(excluded))
	for _, a := range excluded {
		bad[a] = true
	}
	want := make(map[string]bool, len(favored))
	for _, a := range favored {
		want[a] = true
	}

	candidates := make([]*nodeState, 0, len(m.nodes))
	for _, n := range m.nodes {
		if !bad[n.reg.Addr] {
			candidates = append(candidates, n)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := want[candidates[i].reg.Addr], want[candidates[j].reg.Addr]
		if fi != fj {
			return fi
		}
		if candidates[i].usage.Remaining != candidates[j].usage.Remaining {
			return candidates[i].usage.Remaining > candidates[j].usage.Remaining
		}
		return candidates[i].reg.ID < candidates[j].reg.ID
	})

	if len(candidates) > replication {
		candidates = candidates[:replication]
	}
	targets := make([]string, 0, len(candidates))
	for _, n := range candidates {
		targets = append(targets, n.reg.Addr)
	}
	return targets
}

// AbandonBlock releases the trailing provisional block.
func (m *MemFS) AbandonBlock(b core.Block, path, clientName string) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.safeModeErrLocked(); err != core.NoError {
		return err
	}
	ino, err := m.openFileLocked(path, clientName)
	if err != core.NoError {
		return err
	}
	n := len(ino.blocks)
	if n == 0 || ino.blocks[n-1] != b.ID {
		return core.ErrInvalidArgument
	}

	meta := m.blocks[b.ID]
	m.enqueueDeleteLocked(meta)
	delete(m.blocks, b.ID)
	ino.blocks = ino.blocks[:n-1]
	m.curTxID++
	return core.NoError
}

// AbandonFile releases the whole in-progress file, as if create never
// happened.
func (m *MemFS) AbandonFile(path, clientName string) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.safeModeErrLocked(); err != core.NoError {
		return err
	}
	ino, err := m.openFileLocked(path, clientName)
	if err != core.NoError {
		return err
	}

	m.dropBlocksLocked(ino)
	delete(m.inodes, path)
	m.curTxID++
	return core.NoError
}

// CompleteFile attempts to close the file. Completion is idempotent for a
// holder whose success reply was lost, via the recently-completed cache.
func (m *MemFS) CompleteFile(path, clientName string, length int64, last *core.Block) (core.CompleteStatus, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.safeModeErrLocked(); err != core.NoError {
		return core.CompleteFailed, err
	}

	key := completedKey(path, clientName)
	ino := m.inodes[path]
	if ino == nil || ino.isDir {
		if _, ok := m.completed.Get(key); ok {
			// Completed earlier and since renamed or deleted; the original
			// call did succeed.
			return core.CompleteSuccess, core.NoError
		}
		return core.CompleteFailed, core.ErrNoSuchFile
	}
	if ino.complete {
		if _, ok := m.completed.Get(key); ok {
			return core.CompleteSuccess, core.NoError
		}
		return core.CompleteFailed, core.ErrNoLease
	}
	if ino.lease == nil {
		return core.CompleteFailed, core.ErrNoLease
	}
	if ino.lease.holder.ClientName != clientName {
		return core.CompleteFailed, core.ErrNotLeaseHolder
	}

	if n := len(ino.blocks); n > 0 {
		meta := m.blocks[ino.blocks[n-1]]
		if last != nil {
			if last.ID != meta.block.ID {
				log.Errorf("complete %s: client's last block %s is not ours (%s)", path, last, meta.block)
				return core.CompleteFailed, core.NoError
			}
			meta.block.NumBytes = last.NumBytes
		}
		if len(meta.replicas) < m.cfg.MinReplication {
			return core.CompleteStillWaiting, core.NoError
		}
	}

	m.finalizeLocked(path, ino)
	m.completed.Add(key, true)
	return core.CompleteSuccess, core.NoError
}

// finalizeLocked marks the file durably complete. Callers hold m.mu.
func (m *MemFS) finalizeLocked(path string, ino *inode) {
	for _, bid := range ino.blocks {
		if meta := m.blocks[bid]; meta != nil {
			meta.provisional = false
		}
	}
	ino.lease = nil
	ino.complete = true
	ino.modTime = time.Now().UnixNano()
	m.curTxID++
	log.Infof("file %s is complete", path)
}

// RecoverLease force-terminates an orphaned lease. Returns true when the
// file could be closed synchronously.
func (m *MemFS) RecoverLease(path, clientName, clientAddr string, discardLastBlock bool) (bool, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.safeModeErrLocked(); err != core.NoError {
		return false, err
	}
	ino := m.inodes[path]
	if ino == nil || ino.isDir {
		return false, core.ErrNoSuchFile
	}
	if ino.complete {
		return true, core.NoError
	}

	if ino.lease != nil {
		log.Infof("recoverLease %s: terminating lease of %s on behalf of %s",
			path, ino.lease.holder, clientName)
		ino.lease = nil
	}

	if n := len(ino.blocks); n > 0 {
		meta := m.blocks[ino.blocks[n-1]]
		if discardLastBlock && meta.provisional {
			m.enqueueDeleteLocked(meta)
			delete(m.blocks, meta.block.ID)
			ino.blocks = ino.blocks[:n-1]
		} else if len(meta.replicas) < m.cfg.MinReplication {
			// The trailing block needs pipeline recovery; fence stale
			// replicas with a fresh stamp and let
			// commitBlockSynchronization finish the job.
			m.genStamp++
			meta.block.GenStamp = m.genStamp
			return false, core.NoError
		}
	}

	m.finalizeLocked(path, ino)
	m.completed.Add(completedKey(path, clientName), true)
	return true, core.NoError
}

// CommitBlockSynchronization installs the final generation stamp, length and
// replica set of a recovered block.
func (m *MemFS) CommitBlockSynchronization(b core.Block, newGenStamp core.GenerationStamp, newLength int64,
	closeFile, deleteBlock bool, newTargets []core.StorageNodeID) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.safeModeErrLocked(); err != core.NoError {
		return err
	}
	meta := m.blocks[b.ID]
	if meta == nil {
		return core.ErrNoSuchFile
	}
	if newGenStamp < meta.block.GenStamp {
		log.Errorf("commitBlockSynchronization %s: stamp %d older than current %d",
			b, newGenStamp, meta.block.GenStamp)
		return core.ErrInvalidArgument
	}
	ino := m.inodes[meta.path]

	if deleteBlock {
		m.enqueueDeleteLocked(meta)
		delete(m.blocks, b.ID)
		if ino != nil {
			for i, bid := range ino.blocks {
				if bid == b.ID {
					ino.blocks = append(ino.blocks[:i], ino.blocks[i+1:]...)
					break
				}
			}
		}
	} else {
		meta.block.GenStamp = newGenStamp
		meta.block.NumBytes = newLength
		for id := range meta.replicas {
			if n := m.nodes[id]; n != nil {
				delete(n.blocks, b.ID)
			}
		}
		meta.replicas = make(map[core.StorageNodeID]bool)
		for _, id := range newTargets {
			if n := m.nodes[id]; n != nil {
				meta.replicas[id] = true
				n.blocks[b.ID] = true
			}
		}
	}
	if m.genStamp < newGenStamp {
		m.genStamp = newGenStamp
	}

	if closeFile && ino != nil {
		m.finalizeLocked(meta.path, ino)
	} else {
		m.curTxID++
	}
	return core.NoError
}

// RenewLease refreshes every lease the client holds. Unknown clients are a
// no-op, not an error.
func (m *MemFS) RenewLease(clientName string) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, ino := range m.inodes {
		if ino.lease != nil && ino.lease.holder.ClientName == clientName {
			ino.lease.renewed = now
		}
	}
	return core.NoError
}

// Fsync persists the current block list of an open file.
func (m *MemFS) Fsync(path, clientName string) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.safeModeErrLocked(); err != core.NoError {
		return err
	}
	if _, err := m.openFileLocked(path, clientName); err != core.NoError {
		return err
	}
	m.curTxID++
	return core.NoError
}

//----------------------------------
// Namespace reads and mutations
//----------------------------------

// GetBlockLocations resolves [offset, offset+length) to located blocks.
func (m *MemFS) GetBlockLocations(path string, offset, length int64) ([]core.LocatedBlock, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ino := m.inodes[path]
	if ino == nil {
		return nil, core.ErrNoSuchFile
	}
	if ino.isDir {
		return nil, core.ErrInvalidArgument
	}

	var out []core.LocatedBlock
	var pos int64
	for _, bid := range ino.blocks {
		meta := m.blocks[bid]
		if meta == nil {
			continue
		}
		end := pos + meta.block.NumBytes
		if end > offset && pos < offset+length {
			out = append(out, m.locateLocked(meta))
		}
		pos = end
	}
	return out, core.NoError
}

// RenameTo renames a file or directory, moving the whole subtree.
func (m *MemFS) RenameTo(src, dst string) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.safeModeErrLocked(); err != core.NoError {
		return err
	}
	if src == "/" || dst == "/" || strings.HasPrefix(dst, src+"/") {
		return core.ErrPathInvalid
	}
	ino := m.inodes[src]
	if ino == nil {
		return core.ErrNoSuchFile
	}
	if m.inodes[dst] != nil {
		return core.ErrAlreadyExists
	}
	if parent := m.inodes[parentPath(dst)]; parent == nil {
		return core.ErrNoSuchFile
	} else if !parent.isDir {
		return core.ErrNotDirectory
	}

	move := func(from, to string) {
		node := m.inodes[from]
		delete(m.inodes, from)
		m.inodes[to] = node
		for _, bid := range node.blocks {
			if meta := m.blocks[bid]; meta != nil {
				meta.path = to
			}
		}
	}
	move(src, dst)
	if ino.isDir {
		prefix := src + "/"
		var children []string
		for p := range m.inodes {
			if strings.HasPrefix(p, prefix) {
				children = append(children, p)
			}
		}
		for _, p := range children {
			move(p, dst+p[len(src):])
		}
	}
	m.curTxID++
	return core.NoError
}

// Delete removes a path. Non-empty directories require recursive.
func (m *MemFS) Delete(path string, recursive bool) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.safeModeErrLocked(); err != core.NoError {
		return err
	}
	if path == "/" {
		return core.ErrPathInvalid
	}
	ino := m.inodes[path]
	if ino == nil {
		return core.ErrNoSuchFile
	}

	var victims []string
	if ino.isDir {
		prefix := path + "/"
		for p := range m.inodes {
			if strings.HasPrefix(p, prefix) {
				victims = append(victims, p)
			}
		}
		if len(victims) > 0 && !recursive {
			return core.ErrInvalidArgument
		}
	}
	victims = append(victims, path)

	for _, p := range victims {
		victim := m.inodes[p]
		m.dropBlocksLocked(victim)
		delete(m.inodes, p)
	}
	m.curTxID++
	return core.NoError
}

// Mkdirs creates the directory and any missing parents.
func (m *MemFS) Mkdirs(path string) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.safeModeErrLocked(); err != core.NoError {
		return err
	}
	if ino := m.inodes[path]; ino != nil {
		if !ino.isDir {
			return core.ErrNotDirectory
		}
		return core.NoError
	}
	if err := m.mkdirsLocked(path); err != core.NoError {
		return err
	}
	m.inodes[path] = &inode{isDir: true, complete: true, modTime: time.Now().UnixNano()}
	m.curTxID++
	return core.NoError
}

// GetFileInfo stats one path.
func (m *MemFS) GetFileInfo(path string) (core.FileInfo, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ino := m.inodes[path]
	if ino == nil {
		return core.FileInfo{}, core.ErrNoSuchFile
	}
	return m.fileInfoLocked(path, ino), core.NoError
}

// GetListing enumerates the direct children of a directory, sorted by path.
// Listing a file returns the file itself as the single entry.
func (m *MemFS) GetListing(path string) ([]core.FileInfo, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ino := m.inodes[path]
	if ino == nil {
		return nil, core.ErrNoSuchFile
	}
	if !ino.isDir {
		return []core.FileInfo{m.fileInfoLocked(path, ino)}, core.NoError
	}

	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	entries := []core.FileInfo{}
	for p, child := range m.inodes {
		if !strings.HasPrefix(p, prefix) || p == path {
			continue
		}
		if strings.ContainsRune(p[len(prefix):], '/') {
			// A grandchild; its parent will carry it.
			continue
		}
		entries = append(entries, m.fileInfoLocked(p, child))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, core.NoError
}

// fileInfoLocked builds the stat view of one inode. Callers hold m.mu.
func (m *MemFS) fileInfoLocked(path string, ino *inode) core.FileInfo {
	return core.FileInfo{
		Path:        path,
		Length:      m.fileLengthLocked(ino),
		IsDir:       ino.isDir,
		Replication: ino.replication,
		BlockSize:   ino.blockSize,
		ModTime:     ino.modTime,
	}
}

// SetReplication changes the target replica count of a file.
func (m *MemFS) SetReplication(path string, replication int) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.safeModeErrLocked(); err != core.NoError {
		return err
	}
	ino := m.inodes[path]
	if ino == nil {
		return core.ErrNoSuchFile
	}
	if ino.isDir {
		return core.ErrNotDirectory
	}
	ino.replication = replication
	m.curTxID++
	return core.NoError
}

// GetPreferredBlockSize reads the block size create chose for a file.
func (m *MemFS) GetPreferredBlockSize(path string) (int64, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ino := m.inodes[path]
	if ino == nil {
		return 0, core.ErrNoSuchFile
	}
	if ino.isDir {
		return 0, core.ErrNotDirectory
	}
	return ino.blockSize, core.NoError
}

// String summarizes the namespace for debugging.
func (m *MemFS) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("memfs{files=%d blocks=%d nodes=%d txid=%d}",
		len(m.inodes), len(m.blocks), len(m.nodes), m.curTxID)
}
