// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package nameserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"

	log "github.com/golang/glog"

	"github.com/blockfs/blockfs/internal/core"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>blockfs nameserver status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding-left: 8px;
      padding-right: 8px;
      padding-top: 4px;
      padding-bottom: 4px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.status tr:hover {background-color: #DDD;}

    table.nodes th {
      background-color: #3399FF;
    }
  </style>
</head>

<body>

<h3>
{{if .JobName}}
	{{.JobName}}
{{else}}
	blockfs-nameserver
{{end}}
{{if .SafeMode}}  / SAFE MODE, namespace is read-only {{end}}
</h3>

<table>
  <tr>
    <td>Client addr:</td>
    <td><a href="http://{{.ClientAddr}}">{{.ClientAddr}}</a></td>
  </tr>
  <tr>
    <td>Node addr:</td>
    <td>{{.NodeAddr}}</td>
  </tr>
  <tr>
    <td>Namespace ID:</td>
    <td>{{.Namespace.NamespaceID}}</td>
  </tr>
  <tr>
    <td>Layout version:</td>
    <td>{{.Namespace.LayoutVersion}}</td>
  </tr>
  <tr>
    <td>Generation stamp:</td>
    <td>{{.Namespace.GenStamp}}</td>
  </tr>
  <tr>
    <td>Free memory:</td>
    <td>{{.FreeMem}} / {{.TotalMem}} mb</td>
  </tr>
  <tr>
    <td>Last reboot:</td>
    <td>{{.Reboot}}</td>
  </tr>
</table>

<br>
<hr></hr>
<table class="status">
  <caption>Node RPC Metrics</caption>
  <tr>
    <th>Metric</th>
    <th>Stats</th>
  </tr>
  {{range $k, $v := .NodeRPC}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>

<br>
<hr></hr>
<table class="status">
  <caption>Client RPC Metrics</caption>
  <tr>
    <th>Metric</th>
    <th>Stats</th>
  </tr>
  {{range $k, $v := .ClientRPC}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>

<br>
<hr></hr>
<table class="status">
  <caption>Checkpoint RPC Metrics</caption>
  <tr>
    <th>Metric</th>
    <th>Stats</th>
  </tr>
  {{range $k, $v := .CheckpointRPC}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>

<br>
<hr></hr>
<table class="status nodes">
  <caption>Storage Nodes</caption>
  <tr>
    <th>ID</th>
    <th>Addr</th>
    <th>Last HB</th>
    <th>Capacity</th>
    <th>Remaining</th>
    <th>Xceivers</th>
  </tr>
  {{range .Nodes}}
  <tr>
    <td>{{.ID}}</td>
    <td><a href="http://{{.Addr}}">{{.Addr}}</a></td>
    <td>{{.LastHeartbeat}}</td>
    <td>{{.Usage.Capacity}}</td>
    <td>{{.Usage.Remaining}}</td>
    <td>{{.Usage.XceiverCount}}</td>
  </tr>
  {{end}}
</table>

status update time: {{.Now}}
</body>
</html>
`

// StatusData includes nameserver status info.
type StatusData struct {
	JobName    string
	ClientAddr string
	NodeAddr   string
	SafeMode   bool
	Namespace  core.NamespaceInfo
	FreeMem    uint64
	TotalMem   uint64
	Nodes      []NodeInfo

	Reboot        time.Time
	NodeRPC       map[string]string
	ClientRPC     map[string]string
	CheckpointRPC map[string]string
	Now           time.Time
}

const mb = 1024 * 1024

var (
	// When was the last reboot?
	reboot = time.Now()

	// Status html template.
	statusTemplate = template.Must(template.New("status_html").Parse(statusTemplateStr))
)

// statusHandler is called when somebody makes a http request to a status port.
// If the "Accept" header is set to be "application/json", it sends json encoded
// status; otherwise it sends html.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/json" {
		s.handleJSON(w)
	} else {
		s.handleHTML(w)
	}
}

// Generate status data.
func (s *Server) genStatus() StatusData {
	// Pull memory info.
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	return StatusData{
		JobName:       s.cfg.JobName,
		ClientAddr:    s.ClientAddr(),
		NodeAddr:      s.NodeAddr(),
		SafeMode:      s.nameserver.ns.IsInSafeMode(),
		Namespace:     s.nameserver.ns.NamespaceInfo(),
		FreeMem:       mem.ActualFree / mb,
		TotalMem:      mem.Total / mb,
		Nodes:         s.nameserver.getNodes(),
		Reboot:        reboot,
		NodeRPC:       s.nodeState.rpcStats(),
		ClientRPC:     s.clientState.rpcStats(),
		CheckpointRPC: s.checkpointState.rpcStats(),
		Now:           time.Now(),
	}
}

func (s *Server) handleHTML(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := statusTemplate.Execute(&b, s.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode html status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write(b.Bytes())
}

func (s *Server) handleJSON(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(s.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode json status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}
