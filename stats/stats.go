/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package stats implements the daemon's observation surface: a JSON
// endpoint describing the current system and per-peer snapshots, a
// Prometheus exporter over the same data, and process-level health
// counters, mirroring sptp/client's sysstats and
// ptp/sptp/stats/prom_exporter.go.
package stats

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"

	"github.com/facebookincubator/ntpd/system"
)

var procStartTime = time.Now()

// SysStats accumulates the previous runtime.MemStats snapshot so a
// rate metric (GC count per second) can be derived between calls.
type SysStats struct {
	memstats *runtime.MemStats
}

// Collect gathers process- and Go-runtime-level health counters,
// following the teacher's sptp/client CollectRuntimeStats shape.
func (s *SysStats) Collect(interval time.Duration) (map[string]uint64, error) {
	stats := make(map[string]uint64)
	m := &runtime.MemStats{}
	runtime.ReadMemStats(m)
	lastStats := s.memstats

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	stats["process.alive"] = 1
	stats["process.alive_since"] = uint64(procStartTime.Unix())
	stats["process.uptime"] = uint64(time.Now().Unix() - procStartTime.Unix())

	if val, err := proc.Percent(0); err == nil {
		stats["process.cpu_permil"] = uint64(val * 1000)
	}
	if val, err := proc.MemoryInfo(); err == nil {
		stats["process.rss"] = val.RSS
		stats["process.vms"] = val.VMS
	}
	if val, err := proc.NumFDs(); err == nil {
		stats["process.num_fds"] = uint64(val)
	}

	stats["runtime.goroutines"] = uint64(runtime.NumGoroutine())
	stats["runtime.mem.heap_alloc"] = m.HeapAlloc
	stats["runtime.mem.heap_inuse"] = m.HeapInuse
	stats["runtime.mem.gc_count"] = uint64(m.NumGC)
	if lastStats != nil && m.NumGC >= lastStats.NumGC {
		secs := uint64(interval.Seconds())
		if secs == 0 {
			secs = 1
		}
		stats["runtime.mem.gc_count.rate"] = uint64(m.NumGC-lastStats.NumGC) / secs
	}
	s.memstats = m
	return stats, nil
}

// Server serves the JSON observation endpoint over one
// *system.System's published watches; the Prometheus exporter is the
// separate PrometheusExporter.
type Server struct {
	sys *system.System
}

// NewServer builds a stats server reading from sys's watches.
func NewServer(sys *system.System) *Server {
	return &Server{sys: sys}
}

// ServeHTTP implements the JSON observation endpoint (spec §6): the
// current system snapshot and every peer's observable state.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := s.sys.SystemSnapshot().Get()
	peers := s.sys.Peers().Get()

	resp := struct {
		Stratum      uint8                   `json:"stratum"`
		Leap         uint8                   `json:"leap"`
		PollInterval int8                    `json:"poll_interval"`
		ResetEpoch   uint64                  `json:"reset_epoch"`
		Peers        []system.ObservablePeer `json:"peers"`
	}{
		Stratum:      snap.Stratum,
		Leap:         uint8(snap.Leap),
		PollInterval: int8(snap.PollInterval),
		ResetEpoch:   snap.ResetEpoch,
		Peers:        peers,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ListenAndServeObservation starts the JSON observation endpoint,
// blocking until it errors (mirroring cmd/ntpd's use of log.Fatal on
// listener failure).
func ListenAndServeObservation(addr string, sys *system.System) error {
	mux := http.NewServeMux()
	mux.Handle("/observation", NewServer(sys))
	return http.ListenAndServe(addr, mux)
}
