package dto

import "time"

// EventFilter narrows evidence queries. Zero values mean "no constraint".
type EventFilter struct {
	Lane        string
	Direction   string
	Plate       string
	Label       string
	From        time.Time
	To          time.Time
	AnomalyOnly bool
	Limit       int
	Offset      int
}
