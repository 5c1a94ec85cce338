package main

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/irctrakz/apptunnel/pkg/logging"
	"github.com/irctrakz/apptunnel/pkg/tunnel"
)

type metricsSnapshot struct {
	Timestamp string            `json:"ts"`
	Tunnel    tunnel.Stats      `json:"tunnel"`
	RT        map[string]uint64 `json:"rt"`
}

func runMetricsReporter(ctx context.Context, srv *tunnel.Server) {
	// interval
	iv := strings.TrimSpace(os.Getenv("METRICS_INTERVAL"))
	if iv == "" {
		iv = "30s"
	}
	d, err := time.ParseDuration(iv)
	if err != nil {
		d = 30 * time.Second
	}

	// format
	format := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_FORMAT")))
	if format == "" {
		format = "text"
	}

	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		dumpMetrics(srv, format)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func dumpMetrics(srv *tunnel.Server, format string) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := metricsSnapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Tunnel:    srv.Metrics(),
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
	}

	switch format {
	case "json":
		b, _ := json.Marshal(snap)
		logging.Infof("metrics: %s", string(b))
	default:
		logging.Infof("metrics: ts=%s conns=%d active=%d fwd=%d err=%d ka=%d bytes=%d/%d | rt: heap=%dMi inuse=%dMi gor=%d gc=%d",
			snap.Timestamp,
			snap.Tunnel.TotalConnections, snap.Tunnel.ActiveSessions,
			snap.Tunnel.RequestsForwarded, snap.Tunnel.ForwardErrors,
			snap.Tunnel.Keepalives,
			snap.Tunnel.BytesToDest, snap.Tunnel.BytesFromDest,
			snap.RT["heap_alloc"]/(1024*1024), snap.RT["heap_inuse"]/(1024*1024),
			snap.RT["goroutines"], snap.RT["num_gc"],
		)
	}
}
