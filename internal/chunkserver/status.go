// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"runtime"
	"time"

	sigar "github.com/cloudfoundry/gosigar"

	log "github.com/golang/glog"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>dfs chunkserver status</title>
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
  <h2>chunkserver {{.ID}} at {{.Cfg.Addr}}</h2>
  <table class="status">
    <tr><th>Chunks</th><td>{{.ChunkCount}}</td></tr>
    <tr><th>Used bytes</th><td>{{.UsedBytes}}</td></tr>
    <tr><th>Free space</th><td>{{.FreeSpace}}</td></tr>
    <tr><th>Total space</th><td>{{.TotalSpace}}</td></tr>
    <tr><th>CPU</th><td>{{printf "%.2f" .CPUUsage}}</td></tr>
    <tr><th>Memory</th><td>{{printf "%.2f" .MemoryUsage}}</td></tr>
    <tr><th>Pending replications</th><td>{{.PendingRepl}}</td></tr>
    <tr><th>Time</th><td>{{.Now}}</td></tr>
  </table>
  <p><a href="/metrics">metrics</a></p>
</body>
</html>
`

var statusTemplate = template.Must(template.New("status_html").Parse(statusTemplateStr))

// StatusData is the chunk server's status snapshot. Fields are exported for
// HTML templating and JSON.
type StatusData struct {
	ID          string
	Cfg         Config
	ChunkCount  int
	UsedBytes   int64
	FreeSpace   int64
	TotalSpace  int64
	CPUUsage    float64
	MemoryUsage float64
	PendingRepl int
	Now         time.Time
}

// statusHandler serves the status page. With "Accept: application/json" it
// sends json encoded status; otherwise html.
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

func (s *Server) genStatus() StatusData {
	total, free := s.diskSpace()
	cpu, mem := s.hostLoad()
	s.replLock.Lock()
	pending := len(s.replq)
	s.replLock.Unlock()
	return StatusData{
		ID:          s.ID(),
		Cfg:         *s.cfg,
		ChunkCount:  s.store.Count(),
		UsedBytes:   s.store.UsedBytes(),
		FreeSpace:   free,
		TotalSpace:  total,
		CPUUsage:    cpu,
		MemoryUsage: mem,
		PendingRepl: pending,
		Now:         time.Now(),
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

// diskSpace reports the capacity of the filesystem holding the data dir.
func (s *Server) diskSpace() (total, free int64) {
	fs := sigar.FileSystemUsage{}
	if err := fs.Get(s.cfg.DataDir); err != nil {
		log.Errorf("failed to stat filesystem under %s: %s", s.cfg.DataDir, err)
		return 0, 0
	}
	// Usage figures are in KiB.
	return int64(fs.Total) * 1024, int64(fs.Avail) * 1024
}

// hostLoad reports cpu and memory pressure as fractions in [0,1] for the
// master's placement scoring.
func (s *Server) hostLoad() (cpu, mem float64) {
	avg := sigar.LoadAverage{}
	if err := avg.Get(); err == nil {
		cpu = avg.One / float64(runtime.NumCPU())
		if cpu > 1 {
			cpu = 1
		}
	} else {
		log.V(2).Infof("failed to get load average: %s", err)
	}

	m := sigar.Mem{}
	if err := m.Get(); err == nil && m.Total > 0 {
		mem = float64(m.ActualUsed) / float64(m.Total)
	} else if err != nil {
		log.V(2).Infof("failed to get memory info: %s", err)
	}
	return
}
