// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package memfs

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"
	"github.com/golang/snappy"

	"github.com/blockfs/blockfs/internal/core"
)

// Rough bytes per logged operation, used to size the edit log for
// checkpointers deciding whether a roll is worthwhile.
const editOpBytes = 64

var imageBucket = []byte("namespace")

// imageSnapshot is the durable form of the namespace, written by
// SaveNamespace and at image rolls.
type imageSnapshot struct {
	NamespaceID    core.NamespaceID
	CTime          int64
	RegistrationID string
	GenStamp       core.GenerationStamp
	NextBlockID    core.BlockID
	CurTxID        core.TxID
	Compressed     bool
	Files          map[string]fileImage
}

type fileImage struct {
	IsDir       bool
	Replication int
	BlockSize   int64
	ModTime     int64
	Blocks      []core.Block
}

//----------------------------------
// Safe mode
//----------------------------------

// SetSafeMode enters, leaves, or queries safe mode, returning the state
// after the call.
func (m *MemFS) SetSafeMode(action core.SafeModeAction) (bool, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch action {
	case core.SafeModeGet:
	case core.SafeModeEnter:
		m.safeMode = true
		m.manualSafeMode = true
	case core.SafeModeLeave:
		m.safeMode = false
		m.manualSafeMode = false
	default:
		return m.safeMode, core.ErrInvalidArgument
	}
	return m.safeMode, core.NoError
}

// IsInSafeMode reports whether mutations are currently refused.
func (m *MemFS) IsInSafeMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.safeMode
}

// checkSafeModeLocked leaves automatic safe mode once enough of the known
// blocks have a minimally replicated copy reported. Safe mode entered by an
// operator stays until the operator leaves it. Callers hold m.mu.
func (m *MemFS) checkSafeModeLocked() {
	if !m.safeMode || m.manualSafeMode {
		return
	}
	var total, reported int
	for _, meta := range m.blocks {
		if meta.provisional {
			continue
		}
		total++
		if len(meta.replicas) >= m.cfg.MinReplication {
			reported++
		}
	}
	if total == 0 || float64(reported)/float64(total) >= m.cfg.SafeModeThreshold {
		m.safeMode = false
		log.Infof("leaving safe mode: %d of %d blocks reported", reported, total)
	}
}

//----------------------------------
// Edit log and image rolls
//----------------------------------

// GetEditLogSize estimates the size of the active edit segment.
func (m *MemFS) GetEditLogSize() (int64, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.curTxID-m.checkpointTxID) * editOpBytes, core.NoError
}

// RollEditLog closes the active edit segment and issues the signature the
// next checkpoint must start from. Each issuance is a fresh immutable value;
// re-rolling invalidates the previous one.
func (m *MemFS) RollEditLog() (core.CheckpointSignature, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig := core.CheckpointSignature{
		NamespaceID:    m.namespaceID,
		CheckpointTxID: m.checkpointTxID,
		CurTxID:        m.curTxID,
		Generation:     m.generation,
	}
	m.pendingSig = &sig
	log.Infof("rolled edit log at txid %d", sig.CurTxID)
	return sig, core.NoError
}

// RollFsImage accepts an externally produced checkpoint, provided the
// presented signature is the one issued by the last RollEditLog.
func (m *MemFS) RollFsImage(sig core.CheckpointSignature) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sig.NamespaceID != m.namespaceID {
		log.Errorf("rollFsImage: signature for namespace %d, we are %d", sig.NamespaceID, m.namespaceID)
		return core.ErrStaleSignature
	}
	if m.pendingSig == nil || sig != *m.pendingSig {
		log.Errorf("rollFsImage: signature %+v does not match pending roll", sig)
		return core.ErrStaleSignature
	}

	m.checkpointTxID = sig.CurTxID
	m.generation++
	m.pendingSig = nil
	log.Infof("rolled image to txid %d, generation %d", m.checkpointTxID, m.generation)
	return core.NoError
}

// SaveNamespace writes an immediate checkpoint to the configured bolt file.
// A save already in progress fails with ErrCheckpointBusy unless forced.
func (m *MemFS) SaveNamespace(force, uncompressed bool) core.Error {
	m.mu.Lock()
	if m.saving && !force {
		m.mu.Unlock()
		return core.ErrCheckpointBusy
	}
	m.saving = true
	snap := m.snapshotLocked(!uncompressed)
	m.mu.Unlock()

	err := m.writeImage(snap)

	m.mu.Lock()
	m.saving = false
	if err == core.NoError {
		m.checkpointTxID = snap.CurTxID
	}
	m.mu.Unlock()
	return err
}

// snapshotLocked captures the durable namespace state. Callers hold m.mu.
func (m *MemFS) snapshotLocked(compressed bool) imageSnapshot {
	snap := imageSnapshot{
		NamespaceID:    m.namespaceID,
		CTime:          m.ctime,
		RegistrationID: m.registrationID,
		GenStamp:       m.genStamp,
		NextBlockID:    m.nextBlockID,
		CurTxID:        m.curTxID,
		Compressed:     compressed,
		Files:          make(map[string]fileImage, len(m.inodes)),
	}
	for path, ino := range m.inodes {
		fi := fileImage{
			IsDir:       ino.isDir,
			Replication: ino.replication,
			BlockSize:   ino.blockSize,
			ModTime:     ino.modTime,
		}
		for _, bid := range ino.blocks {
			if meta := m.blocks[bid]; meta != nil {
				fi.Blocks = append(fi.Blocks, meta.block)
			}
		}
		snap.Files[path] = fi
	}
	return snap
}

// writeImage encodes and stores one snapshot. Runs without m.mu held; bolt
// serializes writers itself.
func (m *MemFS) writeImage(snap imageSnapshot) core.Error {
	if m.cfg.CheckpointFile == "" {
		log.Infof("saveNamespace: no checkpoint file configured, nothing persisted")
		return core.NoError
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		log.Errorf("saveNamespace: failed to encode image: %s", err)
		return core.ErrUnknown
	}
	data := buf.Bytes()
	if snap.Compressed {
		data = snappy.Encode(nil, data)
	}

	db, err := m.checkpointDB()
	if err != nil {
		log.Errorf("saveNamespace: failed to open %s: %s", m.cfg.CheckpointFile, err)
		return core.ErrFatalDisk
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(imageBucket)
		if err != nil {
			return err
		}
		if err := b.Put([]byte("image"), data); err != nil {
			return err
		}
		return b.Put([]byte("txid"), []byte(fmt.Sprintf("%d", snap.CurTxID)))
	})
	if err != nil {
		log.Errorf("saveNamespace: failed to write image: %s", err)
		return core.ErrFatalDisk
	}
	log.Infof("saveNamespace: wrote %d files at txid %d to %s", len(snap.Files), snap.CurTxID, m.cfg.CheckpointFile)
	return core.NoError
}

// checkpointDB opens the bolt file on first use.
func (m *MemFS) checkpointDB() (*bolt.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return m.db, nil
	}
	db, err := bolt.Open(m.cfg.CheckpointFile, 0600, nil)
	if err != nil {
		return nil, err
	}
	m.db = db
	return db, nil
}

// LoadImage restores the namespace from the last saved checkpoint. Only
// meaningful on a fresh instance; used by the import startup path.
func (m *MemFS) LoadImage() core.Error {
	if m.cfg.CheckpointFile == "" {
		return core.ErrInvalidArgument
	}
	db, err := m.checkpointDB()
	if err != nil {
		log.Errorf("loadImage: failed to open %s: %s", m.cfg.CheckpointFile, err)
		return core.ErrFatalDisk
	}

	var data []byte
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(imageBucket)
		if b == nil {
			return fmt.Errorf("no image in %s", m.cfg.CheckpointFile)
		}
		data = append([]byte(nil), b.Get([]byte("image"))...)
		return nil
	})
	if err != nil || len(data) == 0 {
		log.Errorf("loadImage: no usable image: %v", err)
		return core.ErrNoSuchFile
	}

	var snap imageSnapshot
	if derr := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); derr != nil {
		// The image may be compressed; try that before giving up.
		raw, serr := snappy.Decode(nil, data)
		if serr != nil {
			log.Errorf("loadImage: failed to decode image: %s", derr)
			return core.ErrUnknown
		}
		if derr = gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); derr != nil {
			log.Errorf("loadImage: failed to decode image: %s", derr)
			return core.ErrUnknown
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaceID = snap.NamespaceID
	m.ctime = snap.CTime
	m.registrationID = snap.RegistrationID
	m.genStamp = snap.GenStamp
	m.nextBlockID = snap.NextBlockID
	m.curTxID = snap.CurTxID
	m.checkpointTxID = snap.CurTxID
	m.inodes = make(map[string]*inode, len(snap.Files))
	m.blocks = make(map[core.BlockID]*blockMeta)
	for path, fi := range snap.Files {
		ino := &inode{
			isDir:       fi.IsDir,
			replication: fi.Replication,
			blockSize:   fi.BlockSize,
			modTime:     fi.ModTime,
			complete:    true,
		}
		for _, b := range fi.Blocks {
			ino.blocks = append(ino.blocks, b.ID)
			m.blocks[b.ID] = &blockMeta{
				block:    b,
				path:     path,
				replicas: make(map[core.StorageNodeID]bool),
			}
		}
		m.inodes[path] = ino
	}
	if m.inodes["/"] == nil {
		m.inodes["/"] = &inode{isDir: true, complete: true}
	}
	log.Infof("loadImage: restored %d files at txid %d", len(m.inodes), m.curTxID)
	return core.NoError
}

//----------------------------------
// Distributed upgrade
//----------------------------------

// BeginUpgrade starts a distributed upgrade to the given layout version.
// Used by the upgrade startup path.
func (m *MemFS) BeginUpgrade(version int) core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.upgradeVersion != 0 {
		return core.ErrInvalidArgument
	}
	m.upgradeVersion = version
	m.upgradePct = 0
	m.finalized = false
	log.Infof("distributed upgrade to version %d started", version)
	return core.NoError
}

// FinalizeUpgrade irreversibly drops the rollback state. Finalizing twice
// is an error; there is nothing left to finalize.
func (m *MemFS) FinalizeUpgrade() core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return core.ErrUpgradeFinalized
	}
	m.finalized = true
	m.upgradeVersion = 0
	m.upgradePct = 100
	log.Infof("upgrade finalized")
	return core.NoError
}

// IsUpgradeFinalized reports whether rollback state has been dropped.
func (m *MemFS) IsUpgradeFinalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}

// UpgradeProgress drives or inspects the cluster-wide upgrade.
func (m *MemFS) UpgradeProgress(action core.UpgradeAction) (core.UpgradeStatus, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if action == core.UpgradeForceProceed {
		if m.upgradeVersion == 0 {
			return core.UpgradeStatus{}, core.ErrInvalidArgument
		}
		m.upgradePct = 100
	}

	status := core.UpgradeStatus{
		Version:     m.upgradeVersion,
		PctComplete: m.upgradePct,
		Finalized:   m.finalized,
	}
	if m.upgradeVersion == 0 {
		status.PctComplete = 100
	}
	if action == core.UpgradeDetailedStatus {
		status.Detail = fmt.Sprintf("upgrade version %d, %d%% complete, %d nodes registered",
			m.upgradeVersion, status.PctComplete, len(m.nodes))
	}
	return status, core.NoError
}

// ProcessUpgradeCommand folds a node's progress report into the cluster view
// and replies with the current cluster-wide state.
func (m *MemFS) ProcessUpgradeCommand(cmd core.UpgradeCommand) (core.UpgradeCommand, core.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.upgradeVersion == 0 {
		if m.finalized {
			return core.UpgradeCommand{}, core.ErrUpgradeFinalized
		}
		return core.UpgradeCommand{}, core.ErrInvalidArgument
	}
	if cmd.Version != m.upgradeVersion {
		return core.UpgradeCommand{}, core.ErrInvalidArgument
	}
	if cmd.PctComplete > m.upgradePct {
		m.upgradePct = cmd.PctComplete
	}
	return core.UpgradeCommand{
		Version:     m.upgradeVersion,
		PctComplete: m.upgradePct,
		Action:      core.UpgradeGetStatus,
	}, core.NoError
}
