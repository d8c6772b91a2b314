package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"gonum.org/v1/plot"

	"github.com/cwbudde/projmethods/internal/report"
)

// writeJSON writes v with the given status code
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// writePlot sends p as an uncached PNG
func writePlot(w http.ResponseWriter, p *plot.Plot) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")

	if err := report.WritePNG(p, w, 16, 10); err != nil {
		slog.Error("Failed to encode PNG", "error", err)
	}
}
