// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package nameserver

import (
	"testing"

	"github.com/blockfs/blockfs/internal/core"
)

func testNegotiator() *Negotiator {
	fingerprints := make(map[core.ProtocolFamily]uint32)
	for family, methods := range familyMethods() {
		fingerprints[family] = core.MethodFingerprint(methods)
	}
	return NewNegotiator(core.Contracts(), fingerprints)
}

func TestNegotiatorUnknownFamily(t *testing.T) {
	n := testNegotiator()
	if _, err := n.Version("blockfs.NoSuchProtocol", 1, SharedEndpoint); err != core.ErrUnknownProtocol {
		t.Fatalf("expected ErrUnknownProtocol, got %s", err)
	}
	if _, err := n.Signature("blockfs.NoSuchProtocol", 1, 0, SharedEndpoint); err != core.ErrUnknownProtocol {
		t.Fatalf("expected ErrUnknownProtocol, got %s", err)
	}
}

// On a split deployment node traffic is only legal on the node endpoint and
// everything else only on the client endpoint.
func TestNegotiatorEndpointLegality(t *testing.T) {
	n := testNegotiator()

	if _, err := n.Version(core.NodeProtocol, core.NodeProtocolVersion, ClientEndpoint); err != core.ErrWrongEndpoint {
		t.Fatalf("node protocol on client endpoint: expected ErrWrongEndpoint, got %s", err)
	}
	if _, err := n.Version(core.ClientProtocol, core.ClientProtocolVersion, NodeEndpoint); err != core.ErrWrongEndpoint {
		t.Fatalf("client protocol on node endpoint: expected ErrWrongEndpoint, got %s", err)
	}
	if _, err := n.Version(core.CheckpointProtocol, core.CheckpointProtocolVersion, NodeEndpoint); err != core.ErrWrongEndpoint {
		t.Fatalf("checkpoint protocol on node endpoint: expected ErrWrongEndpoint, got %s", err)
	}

	// A shared endpoint serves everything.
	for _, c := range core.Contracts() {
		if _, err := n.Version(c.Family, c.Version, SharedEndpoint); err != core.NoError {
			t.Fatalf("%s on shared endpoint: %s", c.Family, err)
		}
	}
}

func TestNegotiatorVersionRules(t *testing.T) {
	n := testNegotiator()

	// Exact match succeeds and reports our version.
	v, err := n.Version(core.ClientProtocol, core.ClientProtocolVersion, ClientEndpoint)
	if err != core.NoError || v != core.ClientProtocolVersion {
		t.Fatalf("exact match failed: v=%d err=%s", v, err)
	}

	// Old client versions covered by the compatibility predicate pass.
	if _, err := n.Version(core.ClientProtocol, 59, ClientEndpoint); err != core.NoError {
		t.Fatalf("version 59 should be compatible: %s", err)
	}
	if _, err := n.Version(core.ClientProtocol, 58, ClientEndpoint); err != core.ErrVersionIncompatible {
		t.Fatalf("version 58: expected ErrVersionIncompatible, got %s", err)
	}

	// The node protocol has no predicate, so any older version fails.
	if _, err := n.Version(core.NodeProtocol, core.NodeProtocolVersion-1, NodeEndpoint); err != core.ErrVersionIncompatible {
		t.Fatalf("old node version: expected ErrVersionIncompatible, got %s", err)
	}

	// A caller newer than us gets our version back and decides for itself.
	v, err = n.Version(core.ClientProtocol, core.ClientProtocolVersion+10, ClientEndpoint)
	if err != core.NoError || v != core.ClientProtocolVersion {
		t.Fatalf("newer caller: v=%d err=%s", v, err)
	}
}

// A matching method-set fingerprint interoperates even across a version gap
// that plain version rules would reject.
func TestNegotiatorSignatureMatch(t *testing.T) {
	ours := core.MethodFingerprint(familyMethods()[core.NodeProtocol])
	n := testNegotiator()

	sig, err := n.Signature(core.NodeProtocol, core.NodeProtocolVersion-5, ours, NodeEndpoint)
	if err != core.NoError {
		t.Fatalf("matching fingerprint should interoperate: %s", err)
	}
	if sig.Version != core.NodeProtocolVersion || sig.Fingerprint != ours {
		t.Fatalf("unexpected signature %+v", sig)
	}

	// A differing fingerprint falls back to version rules.
	if _, err := n.Signature(core.NodeProtocol, core.NodeProtocolVersion-5, ours+1, NodeEndpoint); err != core.ErrVersionIncompatible {
		t.Fatalf("expected ErrVersionIncompatible, got %s", err)
	}
	if sig, err = n.Signature(core.NodeProtocol, core.NodeProtocolVersion, ours+1, NodeEndpoint); err != core.NoError {
		t.Fatalf("same version with odd fingerprint should pass version rules: %s", err)
	}
}
