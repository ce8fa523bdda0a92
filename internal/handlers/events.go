package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gatewatch/internal/dto"
	"gatewatch/internal/logger"
	"gatewatch/internal/model"
	"gatewatch/internal/repository"
)

const (
	defaultPageSize = 24
	maxPageSize     = 500
)

// GetEventsHandler lists stored crossing events, newest first.
// Supported query parameters: plate, lane, direction, label, anomaly, from, to, page, limit.
// Response is JSON of type dto.EventsData.
func GetEventsHandler(events repository.EventRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		page := atoiDefault(q.Get("page"), 1)
		limit := min(atoiDefault(q.Get("limit"), defaultPageSize), maxPageSize)

		from, err := parseTime(q.Get("from"), false)
		if err != nil {
			http.Error(w, "Invalid from parameter", http.StatusBadRequest)
			return
		}
		to, err := parseTime(q.Get("to"), true)
		if err != nil {
			http.Error(w, "Invalid to parameter", http.StatusBadRequest)
			return
		}

		filter := dto.EventFilter{
			Lane:        q.Get("lane"),
			Direction:   q.Get("direction"),
			Plate:       plateParam(q.Get("plate")),
			Label:       q.Get("label"),
			AnomalyOnly: q.Get("anomaly") == "true",
			Limit:       limit,
			Offset:      (page - 1) * limit,
		}

		total, err := events.Count(r.Context(), &dto.EventFilter{
			Lane: filter.Lane, Direction: filter.Direction, Plate: filter.Plate, Label: filter.Label,
			AnomalyOnly: filter.AnomalyOnly, From: from, To: to,
		})
		if err != nil {
			logger.Error("Error counting events: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		found, err := events.FindByTimeRange(r.Context(), from, to, &filter)
		if err != nil {
			logger.Error("Error querying events: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		data := dto.EventsData{
			Events:      make([]dto.EventInfo, 0, len(found)),
			Length:      total,
			TotalPages:  (total + limit - 1) / limit,
			CurrentPage: page,
			Limit:       limit,
		}
		for _, e := range found {
			data.Events = append(data.Events, dto.NewEventInfo(e))
		}

		writeJSON(w, http.StatusOK, data, logger)
	}
}

// ViewEventImageHandler serves the evidence JPEG of the event given by "id".
// With kind=plate the cropped plate image is served instead.
func ViewEventImageHandler(events repository.EventRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Event id parameter is required", http.StatusBadRequest)
			return
		}

		event, err := events.GetByID(r.Context(), id)
		if errors.Is(err, repository.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			logger.Error("Error loading event %s: %v", id, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		image := event.Evidence
		if r.URL.Query().Get("kind") == "plate" {
			image = event.PlateImage
		} else if len(image) == 0 && event.EvidencePath != "" {
			http.ServeFile(w, r, event.EvidencePath)
			return
		}
		if len(image) == 0 {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "private, max-age=86400")
		w.Write(image)
	}
}

// atoiDefault converts string to int or returns a default when conversion fails or value <= 0.
func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

// plateParam normalizes a plate query the way plates are stored.
func plateParam(v string) string {
	if strings.EqualFold(strings.TrimSpace(v), model.UnknownPlate) {
		return model.UnknownPlate
	}
	return model.NormalizePlate(v)
}

// parseTime accepts RFC 3339 or a plain date (HTML input format). A plain "to" date covers
// the whole day.
func parseTime(v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *logger.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}
