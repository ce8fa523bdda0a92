package dto

import (
	"time"

	"gatewatch/internal/model"
)

// DetectionResult is the single-shot detect-now response.
type DetectionResult struct {
	Lane       string              `json:"lane"`
	FrameSeq   int64               `json:"frameSeq"`
	CapturedAt time.Time           `json:"capturedAt"`
	Detections []model.Detection   `json:"detections"`
	Plate      *model.PlateReading `json:"plate,omitempty"`
}
