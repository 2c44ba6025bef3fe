// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	log "github.com/golang/glog"

	"github.com/KrishnaChamarthy/dfs/internal/core"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>dfs master status</title>
  <style>
    table.status { border-collapse: collapse; }
    table.status td, table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 4px 8px;
    }
    table.status th { background-color: #009900; color: white; }
    table.status tr:nth-child(even) { background-color: #F2F2F2; }
  </style>
</head>
<body>
  <h2>master at {{.Cfg.Addr}}</h2>
  <p>{{.Files}} files, {{.Chunks}} chunks, {{.PendingTasks}} pending tasks, {{.Now}}</p>
  <table class="status">
    <tr>
      <th>Server</th><th>Addr</th><th>Zone</th><th>Healthy</th>
      <th>Chunks</th><th>Free</th><th>Total</th><th>Load</th>
    </tr>
    {{range .Servers}}
    <tr>
      <td>{{.ServerID}}</td><td>{{.Addr}}</td><td>{{.Zone}}</td><td>{{.Healthy}}</td>
      <td>{{.ChunkCount}}</td><td>{{.FreeSpace}}</td><td>{{.TotalSpace}}</td>
      <td>{{printf "%.3f" .Load}}</td>
    </tr>
    {{end}}
  </table>
  <p><a href="/metrics">metrics</a></p>
</body>
</html>
`

var statusTemplate = template.Must(template.New("status_html").Parse(statusTemplateStr))

// StatusData is the master's status snapshot.
type StatusData struct {
	Cfg          Config
	Files        int
	Chunks       int
	PendingTasks int
	Servers      []core.ServerInfo
	Now          time.Time
}

// statusHandler serves the status page, as json when asked for.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := StatusData{
		Cfg:          *s.m.cfg,
		PendingTasks: s.m.pendingTaskCount(),
		Servers:      s.m.meta.Servers(),
		Now:          time.Now(),
	}
	data.Files, data.Chunks = s.m.meta.Counts()

	var b bytes.Buffer
	var err error
	if r.Header.Get("Accept") == "application/json" {
		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(&b).Encode(data)
	} else {
		w.Header().Set("Content-Type", "text/html")
		err = statusTemplate.Execute(&b, data)
	}
	if err != nil {
		e := fmt.Sprintf("failed to encode status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}
	w.Write(b.Bytes())
}
