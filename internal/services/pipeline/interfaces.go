package pipeline

import (
	"context"

	"gatewatch/internal/model"
	"gatewatch/internal/services/actuation"
	"gatewatch/internal/services/storage"
)

// Classifier finds allow-listed objects on a frame. It keeps no state between calls.
type Classifier interface {
	Classify(frame model.Frame) ([]model.Detection, error)
}

// PlateReader reads a plate from the detection boxes of a frame. nil means no read.
type PlateReader interface {
	ReadPlate(frame model.Frame, dets []model.Detection) (*model.PlateReading, error)
}

// Annotator draws detections onto an encoded frame.
type Annotator interface {
	Annotate(pixels []byte, dets []model.Detection) ([]byte, error)
}

type Recorder interface {
	Record(ctx context.Context, event *model.CrossingEvent) (storage.Status, error)
}

type Dispatcher interface {
	Dispatch(event *model.CrossingEvent) (actuation.Command, error)
}

// Notifier is told about every accepted event (live feed).
type Notifier interface {
	Notify(event *model.CrossingEvent)
}

// FrameSink receives the frames a lane shows to viewers.
type FrameSink interface {
	UpdateJPEG(jpeg []byte)
}
