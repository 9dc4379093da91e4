// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package nameserver

import (
	"io"
	"net"
	"net/http"
	"net/rpc"
	"sync"

	log "github.com/golang/glog"
)

const (
	rpcPath         = "/_goRPC_"
	connectedStatus = "200 Connected to Go RPC" // rpc.connected is not exported
)

// handlerFactory builds the receiver set for one connection. A fresh set is
// built per connection so handlers know the originating address, which the
// write-lease protocol binds lease holders to.
type handlerFactory func(remoteAddr string) map[string]interface{}

// endpoint is one independently addressable request-serving listener: its
// own mux, its own HTTP server, its own RPC receiver set. The nameserver
// runs one for clients and optionally one for storage-node traffic.
type endpoint struct {
	name string
	kind EndpointKind

	mux      *http.ServeMux
	handlers handlerFactory

	mu      sync.Mutex
	lis     net.Listener
	httpSrv *http.Server
	addr    string // effective address, set after bind
	stopped bool
}

func newEndpoint(name string, kind EndpointKind, handlers handlerFactory) *endpoint {
	e := &endpoint{
		name:     name,
		kind:     kind,
		mux:      http.NewServeMux(),
		handlers: handlers,
	}
	e.mux.HandleFunc(rpcPath, e.serveRPC)
	return e
}

// start binds the endpoint and begins serving in the background. Ephemeral
// ports are resolved to their concrete value; effectiveAddr() observes the
// real address, not the requested one.
func (e *endpoint) start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.lis = lis
	e.addr = resolveAddr(addr, lis.Addr())
	e.httpSrv = &http.Server{Handler: e.mux}
	srv := e.httpSrv
	e.mu.Unlock()

	log.Infof("%s endpoint up at %s", e.name, e.addr)
	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			e.mu.Lock()
			stopped := e.stopped
			e.mu.Unlock()
			if !stopped {
				log.Errorf("%s endpoint listener returned error: %v", e.name, err)
			}
		}
	}()
	return nil
}

// stop closes the listener. Idempotent; in-flight requests run to
// completion on their hijacked connections or fail cleanly when the client
// goes away.
func (e *endpoint) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
}

// effectiveAddr returns the bound address, "" before start.
func (e *endpoint) effectiveAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// serveRPC speaks the Go net/rpc HTTP CONNECT handshake and then serves gob
// RPC on the hijacked connection, with a receiver set bound to the caller's
// address.
func (e *endpoint) serveRPC(w http.ResponseWriter, req *http.Request) {
	if req.Method != "CONNECT" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		io.WriteString(w, "405 must CONNECT\n")
		return
	}
	conn, _, err := w.(http.Hijacker).Hijack()
	if err != nil {
		log.Errorf("rpc hijacking %s: %s", req.RemoteAddr, err)
		return
	}
	io.WriteString(conn, "HTTP/1.0 "+connectedStatus+"\n\n")

	srv := rpc.NewServer()
	for name, rcvr := range e.handlers(req.RemoteAddr) {
		if err := srv.RegisterName(name, rcvr); err != nil {
			log.Errorf("failed to register %s on %s endpoint: %s", name, e.name, err)
			conn.Close()
			return
		}
	}
	srv.ServeConn(conn)
}

// resolveAddr combines the requested host with the bound port so that a
// hostname the operator configured survives ephemeral port resolution.
func resolveAddr(requested string, bound net.Addr) string {
	_, port, err := net.SplitHostPort(bound.String())
	if err != nil {
		return bound.String()
	}
	host, _, err := net.SplitHostPort(requested)
	if err != nil || host == "" {
		return bound.String()
	}
	return net.JoinHostPort(host, port)
}

// probeAddrs checks that every given address can be bound, by a
// bind-then-release probe, so startup fails fast on port conflicts rather
// than partially starting. Addresses with port 0 always pass.
func probeAddrs(addrs ...string) error {
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		lis.Close()
	}
	return nil
}
