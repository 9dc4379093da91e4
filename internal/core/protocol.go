// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"hash/fnv"
	"sort"
)

// ProtocolFamily names one of the wire protocols the nameserver serves. A
// request must declare its family and version; the pair gates execution.
type ProtocolFamily string

const (
	// ClientProtocol is spoken by file-system clients.
	ClientProtocol ProtocolFamily = "blockfs.ClientProtocol"

	// NodeProtocol is spoken by storage nodes (heartbeats and reports).
	NodeProtocol ProtocolFamily = "blockfs.NodeProtocol"

	// CheckpointProtocol is spoken by secondary/checkpointing nameservers.
	CheckpointProtocol ProtocolFamily = "blockfs.CheckpointProtocol"

	// AdminProtocol is spoken for policy refresh and other administration.
	AdminProtocol ProtocolFamily = "blockfs.AdminProtocol"
)

// Per-family protocol versions. Bumped whenever the method set or any
// message shape changes incompatibly.
const (
	ClientProtocolVersion     uint64 = 61
	NodeProtocolVersion       uint64 = 26
	CheckpointProtocolVersion uint64 = 5
	AdminProtocolVersion      uint64 = 1
)

// LayoutVersion is the on-disk layout version this build reads and writes.
// Storage nodes must report exactly this value.
const LayoutVersion = 37

// CompatibilityPredicate decides whether a caller speaking oldVersion can
// interoperate with a server speaking newVersion.
type CompatibilityPredicate func(oldVersion, newVersion uint64) bool

// ProtocolContract is the static description of one protocol family.
type ProtocolContract struct {
	Family  ProtocolFamily
	Version uint64

	// Compatible, if non-nil, admits older caller versions.
	Compatible CompatibilityPredicate
}

// ClientCompatible is the backward-compatibility predicate for the client
// protocol: versions since the addBlock options change interoperate.
func ClientCompatible(oldVersion, newVersion uint64) bool {
	// 59 introduced the options form of addBlock; everything since is
	// wire-compatible with it.
	return oldVersion >= 59 && oldVersion <= newVersion
}

// Contracts returns the full contract set this build serves.
func Contracts() []ProtocolContract {
	return []ProtocolContract{
		{Family: ClientProtocol, Version: ClientProtocolVersion, Compatible: ClientCompatible},
		{Family: NodeProtocol, Version: NodeProtocolVersion},
		{Family: CheckpointProtocol, Version: CheckpointProtocolVersion},
		{Family: AdminProtocol, Version: AdminProtocolVersion},
	}
}

// MethodFingerprint hashes a method set into a fingerprint that survives
// reordering. Two builds whose enumerations differ (methods added or
// removed) produce different fingerprints; a matching fingerprint means the
// method sets are identical even if the declared versions differ.
func MethodFingerprint(methods []string) uint32 {
	sorted := make([]string, len(methods))
	copy(sorted, methods)
	sort.Strings(sorted)

	h := fnv.New32a()
	for _, m := range sorted {
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	return h.Sum32()
}

// ProtocolSignature is the reply to a signature negotiation: the server's
// version for the family plus its method-set fingerprint.
type ProtocolSignature struct {
	Version     uint64
	Fingerprint uint32
}
