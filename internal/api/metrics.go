package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/fvgateway/internal/bridges/fvbus"
	"github.com/nerrad567/fvgateway/internal/gateway"
)

// statusReport is the body of GET /api/v1/metrics.
type statusReport struct {
	Timestamp     time.Time      `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Bus           fvbus.BusStats `json:"bus"`
	Gateway       gateway.Stats  `json:"gateway"`
	MQTT          struct {
		Connected bool `json:"connected"`
	} `json:"mqtt"`
	Capture *captureReport `json:"capture,omitempty"`
	Runtime runtimeReport  `json:"runtime"`
}

type captureReport struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
}

type runtimeReport struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
	NumGC          uint32 `json:"num_gc"`
}

func readRuntime() runtimeReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return runtimeReport{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
		SysBytes:       ms.Sys,
		NumGC:          ms.NumGC,
	}
}

// handleMetrics reports bus and loop counters as JSON. Prometheus scrapes
// /metrics instead.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	report := statusReport{
		Timestamp:     time.Now().UTC().Truncate(time.Second),
		Version:       s.Version,
		UptimeSeconds: int64(time.Since(s.startTime) / time.Second),
		Bus:           s.Bus.Stats(),
		Gateway:       s.Loop.Stats(),
		Runtime:       readRuntime(),
	}
	if s.MQTT != nil {
		report.MQTT.Connected = s.MQTT.IsConnected()
	}
	if s.Capture != nil {
		report.Capture = &captureReport{Written: s.Capture.Written(), Failed: s.Capture.Failed()}
	}
	writeJSON(w, http.StatusOK, report)
}
