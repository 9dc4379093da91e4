// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package nameserver

import (
	log "github.com/golang/glog"

	"github.com/blockfs/blockfs/internal/core"
)

// EndpointKind says which physical endpoint a request arrived on. Family
// resolution depends on it: storage-node traffic is only legal on the node
// endpoint, everything else only on the client endpoint. A shared endpoint
// (no split configured) serves all families.
type EndpointKind int

const (
	// ClientEndpoint serves clients, checkpointers and administrators.
	ClientEndpoint EndpointKind = iota
	// NodeEndpoint serves storage-node traffic.
	NodeEndpoint
	// SharedEndpoint serves everything (deployment without a split).
	SharedEndpoint
)

func (k EndpointKind) String() string {
	switch k {
	case ClientEndpoint:
		return "client"
	case NodeEndpoint:
		return "node"
	case SharedEndpoint:
		return "shared"
	}
	return "unknown"
}

// Negotiator decides, per request, whether the caller's protocol family and
// version may execute here. Built once at startup; static afterwards.
type Negotiator struct {
	contracts map[core.ProtocolFamily]core.ProtocolContract

	// Method-set fingerprints remembered at startup, per family.
	fingerprints map[core.ProtocolFamily]uint32
}

// NewNegotiator builds a negotiator from the contract set and the method
// fingerprints of the handlers actually registered on this server.
func NewNegotiator(contracts []core.ProtocolContract, fingerprints map[core.ProtocolFamily]uint32) *Negotiator {
	m := make(map[core.ProtocolFamily]core.ProtocolContract, len(contracts))
	for _, c := range contracts {
		m[c.Family] = c
	}
	return &Negotiator{contracts: m, fingerprints: fingerprints}
}

// servedOn reports whether a family is legal on an endpoint kind.
func servedOn(family core.ProtocolFamily, kind EndpointKind) bool {
	if kind == SharedEndpoint {
		return true
	}
	if family == core.NodeProtocol {
		return kind == NodeEndpoint
	}
	return kind == ClientEndpoint
}

// Version returns the server's version for the family, or fails when the
// family is unknown, arrives on the wrong endpoint, or the caller's version
// is older than ours with no compatibility predicate covering the gap.
func (n *Negotiator) Version(family core.ProtocolFamily, callerVersion uint64, kind EndpointKind) (uint64, core.Error) {
	c, ok := n.contracts[family]
	if !ok {
		log.Errorf("unknown protocol %q from a %s-endpoint caller", family, kind)
		return 0, core.ErrUnknownProtocol
	}
	if !servedOn(family, kind) {
		return 0, core.ErrWrongEndpoint
	}
	if callerVersion < c.Version {
		if c.Compatible == nil || !c.Compatible(callerVersion, c.Version) {
			return 0, core.ErrVersionIncompatible
		}
	}
	// A caller that is newer than us gets our version back and decides for
	// itself whether to proceed.
	return c.Version, core.NoError
}

// Signature performs fingerprint-based negotiation: when the caller's
// method-set hash matches the fingerprint remembered at startup, the method
// enumerations are identical and the two sides interoperate even across a
// version gap. Otherwise the plain version rules apply.
func (n *Negotiator) Signature(family core.ProtocolFamily, callerVersion uint64, fingerprint uint32, kind EndpointKind) (core.ProtocolSignature, core.Error) {
	c, ok := n.contracts[family]
	if !ok {
		return core.ProtocolSignature{}, core.ErrUnknownProtocol
	}
	if !servedOn(family, kind) {
		return core.ProtocolSignature{}, core.ErrWrongEndpoint
	}

	ours := n.fingerprints[family]
	if fingerprint == ours {
		return core.ProtocolSignature{Version: c.Version, Fingerprint: ours}, core.NoError
	}
	if _, err := n.Version(family, callerVersion, kind); err != core.NoError {
		return core.ProtocolSignature{}, err
	}
	return core.ProtocolSignature{Version: c.Version, Fingerprint: ours}, core.NoError
}

// VersionHandler exposes negotiation RPCs on one endpoint. A separate
// instance is registered per endpoint so the arrival endpoint is known
// without trusting the request.
type VersionHandler struct {
	negotiator *Negotiator
	kind       EndpointKind
}

// GetProtocolVersion is the negotiation RPC.
func (h *VersionHandler) GetProtocolVersion(req core.GetProtocolVersionReq, reply *core.GetProtocolVersionReply) error {
	reply.Version, reply.Err = h.negotiator.Version(req.Family, req.Version, h.kind)
	return nil
}

// GetProtocolSignature is the fingerprint-reconciling negotiation RPC.
func (h *VersionHandler) GetProtocolSignature(req core.GetProtocolSignatureReq, reply *core.GetProtocolSignatureReply) error {
	reply.Signature, reply.Err = h.negotiator.Signature(req.Family, req.Version, req.Fingerprint, h.kind)
	return nil
}
