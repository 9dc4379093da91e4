// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package nameserver

import (
	"fmt"
	"sync"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blockfs/blockfs/internal/core"
	"github.com/blockfs/blockfs/internal/server"
)

// familyMethods lists the method set served per protocol family, the input
// to fingerprint negotiation. Order does not matter; the fingerprint sorts.
func familyMethods() map[core.ProtocolFamily][]string {
	return map[core.ProtocolFamily][]string{
		core.ClientProtocol: {
			core.CreateMethod,
			core.AppendMethod,
			core.AddBlockMethod,
			core.AbandonBlockMethod,
			core.AbandonFileMethod,
			core.CompleteMethod,
			core.RecoverLeaseMethod,
			core.CommitBlockSynchronizationMethod,
			core.ReportBadBlocksMethod,
			core.RenewLeaseMethod,
			core.FsyncMethod,
			core.GetBlockLocationsMethod,
			core.RenameMethod,
			core.DeleteMethod,
			core.MkdirsMethod,
			core.GetFileInfoMethod,
			core.GetListingMethod,
			core.SetReplicationMethod,
			core.GetPreferredBlockSizeMethod,
		},
		core.NodeProtocol: {
			core.RegisterNodeMethod,
			core.HeartbeatMethod,
			core.BlockReportMethod,
			core.BlocksBeingWrittenReportMethod,
			core.BlockReceivedAndDeletedMethod,
			core.ErrorReportMethod,
			core.ProcessUpgradeCommandMethod,
			core.GetNamespaceInfoMethod,
		},
		core.CheckpointProtocol: {
			core.SetSafeModeMethod,
			core.GetEditLogSizeMethod,
			core.RollEditLogMethod,
			core.RollFsImageMethod,
			core.SaveNamespaceMethod,
			core.FinalizeUpgradeMethod,
			core.UpgradeProgressMethod,
			core.GetBlocksMethod,
			core.GetBlockLengthsMethod,
		},
		core.AdminProtocol: {
			core.RefreshServiceACLMethod,
		},
	}
}

// Server runs the nameserver's endpoints: one for clients, checkpointers and
// administrators, and optionally a second one dedicated to storage-node
// traffic so heartbeat processing is isolated from client load.
type Server struct {
	cfg        Config
	nameserver *Nameserver
	negotiator *Negotiator

	clientState     *clientHandlerState
	nodeState       *nodeHandlerState
	checkpointState *checkpointHandlerState
	admin           *AdminHandler

	clientEP *endpoint
	nodeEP   *endpoint

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

// NewServer creates a server around the nameserver. Call Start to bind.
func NewServer(n *Nameserver) *Server {
	fingerprints := make(map[core.ProtocolFamily]uint32)
	for family, methods := range familyMethods() {
		fingerprints[family] = core.MethodFingerprint(methods)
	}

	s := &Server{
		cfg:             n.cfg,
		nameserver:      n,
		negotiator:      NewNegotiator(core.Contracts(), fingerprints),
		clientState:     newClientHandlerState(n.cfg.RejectReqThreshold),
		nodeState:       newNodeHandlerState(n.cfg.nodeHandlerCount()),
		checkpointState: newCheckpointHandlerState(),
		admin:           newAdminHandler(n),
		done:            make(chan struct{}),
	}

	clientKind := ClientEndpoint
	if n.cfg.NodeAddr == "" {
		// No split configured: the client endpoint serves node traffic too.
		clientKind = SharedEndpoint
	}

	s.clientEP = newEndpoint("client", clientKind, s.clientHandlers(clientKind))
	if n.cfg.NodeAddr != "" {
		s.nodeEP = newEndpoint("node", NodeEndpoint, s.nodeHandlers(NodeEndpoint))
	}

	s.clientEP.mux.HandleFunc("/", s.statusHandler)
	s.clientEP.mux.HandleFunc("/_quit", server.QuitHandler)
	s.clientEP.mux.Handle("/metrics", promhttp.Handler())
	return s
}

// clientHandlers builds the per-connection receiver set for the
// client-facing endpoint. On a shared endpoint the node receivers are
// included as well.
func (s *Server) clientHandlers(kind EndpointKind) handlerFactory {
	return func(remoteAddr string) map[string]interface{} {
		handlers := map[string]interface{}{
			"ClientSrvHandler": &ClientSrvHandler{
				nameserver: s.nameserver,
				state:      s.clientState,
				remoteAddr: remoteAddr,
			},
			"CheckpointHandler": &CheckpointHandler{
				nameserver: s.nameserver,
				state:      s.checkpointState,
			},
			"AdminHandler":   s.admin,
			"VersionHandler": &VersionHandler{negotiator: s.negotiator, kind: kind},
		}
		if kind == SharedEndpoint {
			handlers["NodeCtlHandler"] = &NodeCtlHandler{
				nameserver: s.nameserver,
				state:      s.nodeState,
			}
		}
		return handlers
	}
}

// nodeHandlers builds the receiver set for the storage-node endpoint.
func (s *Server) nodeHandlers(kind EndpointKind) handlerFactory {
	return func(remoteAddr string) map[string]interface{} {
		return map[string]interface{}{
			"NodeCtlHandler": &NodeCtlHandler{
				nameserver: s.nameserver,
				state:      s.nodeState,
			},
			"VersionHandler": &VersionHandler{negotiator: s.negotiator, kind: kind},
		}
	}
}

// Start binds every configured endpoint and begins serving. All addresses
// are probed first so a port conflict fails the whole startup instead of
// leaving a half-started server. When a node endpoint is configured it comes
// up before the client endpoint: nodes must be able to register before
// clients can be told about them.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := probeAddrs(s.cfg.ClientAddr, s.cfg.NodeAddr); err != nil {
		return fmt.Errorf("address preflight failed: %s", err)
	}

	if s.nodeEP != nil {
		if err := s.nodeEP.start(s.cfg.NodeAddr); err != nil {
			return fmt.Errorf("failed to start node endpoint: %s", err)
		}
	}
	if err := s.clientEP.start(s.cfg.ClientAddr); err != nil {
		if s.nodeEP != nil {
			s.nodeEP.stop()
		}
		return fmt.Errorf("failed to start client endpoint: %s", err)
	}

	log.Infof("nameserver serving clients at %s, nodes at %s", s.ClientAddr(), s.NodeAddr())
	return nil
}

// ClientAddr returns the effective client-facing address. Differs from the
// configured one when an ephemeral port was requested.
func (s *Server) ClientAddr() string {
	return s.clientEP.effectiveAddr()
}

// NodeAddr returns the effective storage-node address; with no split
// configured this is the client address.
func (s *Server) NodeAddr() string {
	if s.nodeEP == nil {
		return s.clientEP.effectiveAddr()
	}
	return s.nodeEP.effectiveAddr()
}

// Stop shuts the endpoints down and closes the namespace authority.
// Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	// Stop taking new work before closing the authority, in the reverse of
	// startup order.
	s.clientEP.stop()
	if s.nodeEP != nil {
		s.nodeEP.stop()
	}
	s.nameserver.ns.Close()
	close(s.done)
	log.Infof("nameserver stopped")
}

// Wait blocks until Stop has run.
func (s *Server) Wait() {
	<-s.done
}
