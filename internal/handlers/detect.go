package handlers

import (
	"context"
	"errors"
	"net/http"

	"gatewatch/internal/dto"
	"gatewatch/internal/logger"
	"gatewatch/internal/model"
	"gatewatch/internal/services/pipeline"
)

type Detector interface {
	DetectNow(ctx context.Context, lane string) (*dto.DetectionResult, error)
}

type LedgerLister interface {
	List() []model.LedgerEntry
}

// DetectHandler classifies the latest frame of a lane ("lane" query parameter, first lane
// by default) and returns the detections without producing an event.
func DetectHandler(detector Detector, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := detector.DetectNow(r.Context(), r.URL.Query().Get("lane"))
		switch {
		case errors.Is(err, pipeline.ErrUnknownLane):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case errors.Is(err, pipeline.ErrNoFrame):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		case err != nil:
			logger.Error("Detect-now failed: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, result, logger)
	}
}

// LedgerHandler lists the plates currently inside.
func LedgerHandler(ledger LedgerLister, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := ledger.List()
		writeJSON(w, http.StatusOK, map[string]any{
			"plates": entries,
			"count":  len(entries),
		}, logger)
	}
}

// StatsHandler serves the counters snapshot built by snapshot.
func StatsHandler(snapshot func() map[string]any, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, snapshot(), logger)
	}
}
