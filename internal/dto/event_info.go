package dto

import (
	"encoding/json"
	"time"

	"gatewatch/internal/model"
)

// EventInfo is the API representation of a stored crossing event.
type EventInfo struct {
	ID              string    `json:"id"`
	Lane            string    `json:"lane"`
	Direction       string    `json:"direction"`
	Plate           string    `json:"plate"`
	PlateConfidence float64   `json:"plateConfidence,omitempty"`
	Labels          []string  `json:"labels"`
	Anomaly         bool      `json:"anomaly"`
	OccurredAt      time.Time `json:"occurredAt"`
	ImagePath       string    `json:"imagePath,omitempty"`
	ImageURL        string    `json:"imageUrl"`
	EntryEventID    string    `json:"entryEventId,omitempty"`
	DurationSeconds int64     `json:"durationSeconds,omitempty"`
}

// NewEventInfo converts a stored event for the API.
func NewEventInfo(e model.CrossingEvent) EventInfo {
	return EventInfo{
		ID:              e.ID,
		Lane:            e.Lane,
		Direction:       string(e.Direction),
		Plate:           e.Plate,
		PlateConfidence: e.PlateConfidence,
		Labels:          e.Labels,
		Anomaly:         e.Anomaly,
		OccurredAt:      e.OccurredAt,
		ImagePath:       e.EvidencePath,
		ImageURL:        "/api/events/image?id=" + e.ID,
		EntryEventID:    e.EntryEventID,
		DurationSeconds: int64(e.Duration / time.Second),
	}
}

// MarshalJSON formats the occurrence time as RFC 3339 in UTC.
func (e EventInfo) MarshalJSON() ([]byte, error) {
	type Alias EventInfo
	return json.Marshal(&struct {
		OccurredAt string `json:"occurredAt"`
		Alias
	}{
		OccurredAt: e.OccurredAt.UTC().Format(time.RFC3339),
		Alias:      (Alias)(e),
	})
}

// EventsData is a paginated response payload for the events listing.
type EventsData struct {
	Events      []EventInfo `json:"events"`
	Length      int         `json:"length"`
	TotalPages  int         `json:"totalPages"`
	CurrentPage int         `json:"currentPage"`
	Limit       int         `json:"pageSize"`
}
