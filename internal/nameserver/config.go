// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package nameserver

// Config encapsulates parameters for the server.
type Config struct {
	// Address for client-facing requests. The port may be 0 (ephemeral);
	// the effective address is republished after bind.
	ClientAddr string

	// Address for storage-node traffic. Empty means no split: the client
	// endpoint serves both workloads.
	NodeAddr string

	// Handler pool size for the client endpoint.
	HandlerCount int

	// Handler pool size for the storage-node endpoint. 0 means use
	// HandlerCount.
	NodeHandlerCount int

	// Pending client requests are rejected after this threshold.
	RejectReqThreshold int

	// Path validation maxima, checked before the namespace authority is
	// consulted.
	MaxPathLength int
	MaxPathDepth  int

	// Is service-level authorization (and thus policy refresh) enabled?
	ServiceAuthEnabled bool

	// Federation service id this instance serves, "" outside federation.
	ServiceID string

	// Name shown on the status page.
	JobName string
}

// DefaultConfig includes default values for the nameserver.
var DefaultConfig = Config{
	ClientAddr:         "localhost:8020",
	HandlerCount:       10,
	RejectReqThreshold: 1000,
	MaxPathLength:      8000,
	MaxPathDepth:       1000,
}

// nodeHandlerCount resolves the storage-node pool size.
func (c Config) nodeHandlerCount() int {
	if c.NodeHandlerCount > 0 {
		return c.NodeHandlerCount
	}
	return c.HandlerCount
}
