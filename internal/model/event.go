package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// UnknownPlate is the identity of a crossing whose plate could not be read.
const UnknownPlate = "unknown"

// Direction is a lane's static crossing direction.
type Direction string

const (
	DirectionEntry Direction = "ENTRY"
	DirectionExit  Direction = "EXIT"
)

// ParseDirection accepts entry/exit in any case (and the in/out aliases).
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ENTRY", "IN":
		return DirectionEntry, nil
	case "EXIT", "OUT":
		return DirectionExit, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// CrossingEvent is an accepted, deduplicated vehicle crossing.
type CrossingEvent struct {
	ID              string    `json:"id"`
	Lane            string    `json:"lane"`
	Direction       Direction `json:"direction"`
	Plate           string    `json:"plate"`
	PlateConfidence float64   `json:"plate_confidence,omitempty"`
	Labels          []string  `json:"labels"`
	PrimaryLabel    string    `json:"primary_label"`
	Anomaly         bool      `json:"anomaly"`
	OccurredAt      time.Time `json:"occurred_at"`
	FrameSeq        int64     `json:"frame_seq"`
	Evidence        []byte    `json:"-"`
	EvidencePath    string    `json:"evidence_path,omitempty"`
	PlateImage      []byte    `json:"-"`

	// Set on an EXIT that released a ledger entry: the entry's event id and the time
	// parked, stored with second precision.
	EntryEventID string        `json:"entry_event_id,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// KnownPlate reports whether the event carries a resolved plate identity.
func (e *CrossingEvent) KnownPlate() bool {
	return e.Plate != "" && e.Plate != UnknownPlate
}

// DetectedObjects joins the label set the way it is stored in the evidence table.
func (e *CrossingEvent) DetectedObjects() string {
	return strings.Join(e.Labels, ", ")
}

// LedgerEntry marks a plate currently inside.
type LedgerEntry struct {
	Plate     string    `json:"plate"`
	EventID   string    `json:"event_id"`
	Lane      string    `json:"lane"`
	EnteredAt time.Time `json:"entered_at"`
}

// LabelSet returns the distinct labels of dets, sorted.
func LabelSet(dets []Detection) []string {
	seen := make(map[string]struct{}, len(dets))
	labels := make([]string, 0, len(dets))
	for _, d := range dets {
		if _, ok := seen[d.Label]; ok {
			continue
		}
		seen[d.Label] = struct{}{}
		labels = append(labels, d.Label)
	}
	sort.Strings(labels)
	return labels
}

// Strongest returns the detection with the highest confidence.
func Strongest(dets []Detection) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}

// NormalizePlate upper-cases a plate read and strips separators OCR tends to invent.
func NormalizePlate(text string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(text) {
		switch r {
		case ' ', '.', '-', '_', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
