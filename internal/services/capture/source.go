package capture

import (
	"context"
	"errors"

	"gatewatch/internal/model"
)

var (
	// ErrEndOfStream ends a lane: the source has no more frames, or stalled past its timeout.
	ErrEndOfStream = errors.New("end of stream")
	// ErrBadFrame marks a single unusable frame. The loop skips it.
	ErrBadFrame = errors.New("bad frame")
)

// FrameSource yields the frames of one camera, numbered from 0.
type FrameSource interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (model.Frame, error)
	Close() error
}
