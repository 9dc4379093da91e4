// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"net/http"

	log "github.com/golang/glog"
)

// QuitHandler kills the process on request. Test clusters mount it at
// /_quit to tear servers down remotely; never expose it on a production
// endpoint.
func QuitHandler(w http.ResponseWriter, r *http.Request) {
	log.Fatalf("quit requested by %s, exiting", r.RemoteAddr)
}
