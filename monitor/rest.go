// monitor/rest.go

// Package monitor exposes the engine to operators: a read-only HTTP status
// endpoint, an emergency-clear endpoint, and a periodic heartbeat log line.
package monitor

import (
	"encoding/json"
	"net/http"
	"time"

	"quant_engine_go/logs"
)

// heartbeatInterval paces the periodic status log line.
const heartbeatInterval = 5 * time.Minute

// StatusSource is the narrow view of the engine the monitor needs. Status
// must return a JSON-serializable snapshot; ClearEmergency lifts the
// emergency latch.
type StatusSource interface {
	Status() any
	ClearEmergency()
}

// Serve runs the status HTTP server until the stop channel closes. It never
// mutates engine state beyond the explicit emergency-clear endpoint.
func Serve(addr string, src StatusSource, stop <-chan struct{}) {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(src.Status()); err != nil {
			logs.Errorf("[Monitor] Failed to encode status: %v", err)
		}
	})

	mux.HandleFunc("/emergency/clear", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		src.ClearEmergency()
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-stop
		if err := server.Close(); err != nil {
			logs.Errorf("[Monitor] Failed to close status server: %v", err)
		}
	}()

	go heartbeat(src, stop)

	logs.Infof("[Monitor] Status server listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logs.Errorf("[Monitor] Status server stopped: %v", err)
	}
}

// heartbeat logs a compact status line so long-running sessions leave a trail
// even when nothing trades.
func heartbeat(src StatusSource, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			data, err := json.Marshal(src.Status())
			if err != nil {
				logs.Errorf("[Monitor] Heartbeat marshal failed: %v", err)
				continue
			}
			logs.Infof("[Monitor] Heartbeat: %s", data)
		}
	}
}
