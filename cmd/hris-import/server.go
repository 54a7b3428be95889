package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Sternrassler/hris-importer/pkg/metrics"
	"github.com/Sternrassler/hris-importer/pkg/queue"
	"github.com/Sternrassler/hris-importer/pkg/upload"
)

type statsSource interface {
	Stats() queue.Diagnostics
}

type progressSource interface {
	Progress() upload.Progress
}

// status is the body of GET /status.
type status struct {
	Queue  queue.Diagnostics `json:"queue"`
	Upload upload.Progress   `json:"upload"`
}

func newMux(q statsSource, p progressSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/status", statusHandler(q, p))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func statusHandler(q statsSource, p progressSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status{
			Queue:  q.Stats(),
			Upload: p.Progress(),
		})
	}
}
