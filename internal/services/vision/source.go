package vision

import (
	"context"
	"fmt"
	"strconv"

	"gocv.io/x/gocv"

	"gatewatch/internal/logger"
	"gatewatch/internal/model"
	"gatewatch/internal/services/capture"
)

// VideoSource reads frames from a local device, a video file or a network stream.
type VideoSource struct {
	source  string
	capture *gocv.VideoCapture
	mat     gocv.Mat
	seq     int64
	logger  *logger.Logger
}

var _ capture.FrameSource = (*VideoSource)(nil)

// NewVideoSource creates a source. A numeric source is a device index, anything else is
// passed to OpenCV as a file name or URL.
func NewVideoSource(source string, log *logger.Logger) *VideoSource {
	if log == nil {
		log = logger.NewNop()
	}
	return &VideoSource{source: source, logger: log}
}

func (s *VideoSource) Open(ctx context.Context) error {
	var device interface{} = s.source
	if idx, err := strconv.Atoi(s.source); err == nil {
		device = idx
	}

	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return fmt.Errorf("failed to open video source %s: %w", s.source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("video source %s is not opened", s.source)
	}

	s.capture = vc
	s.mat = gocv.NewMat()
	s.logger.Info("📹 Video source %s opened", s.source)
	return nil
}

// Read grabs the next frame and encodes it as JPEG. A failed grab ends the stream.
func (s *VideoSource) Read(ctx context.Context) (model.Frame, error) {
	if err := ctx.Err(); err != nil {
		return model.Frame{}, err
	}
	if s.capture == nil {
		return model.Frame{}, capture.ErrEndOfStream
	}

	if ok := s.capture.Read(&s.mat); !ok {
		return model.Frame{}, capture.ErrEndOfStream
	}

	seq := s.seq
	s.seq++

	if s.mat.Empty() {
		return model.Frame{}, fmt.Errorf("%w: empty frame %d", capture.ErrBadFrame, seq)
	}

	pixels, err := encodeJPEG(s.mat)
	if err != nil {
		return model.Frame{}, fmt.Errorf("%w: %v", capture.ErrBadFrame, err)
	}

	return model.Frame{Seq: seq, CapturedAt: timeNow(), Pixels: pixels}, nil
}

func (s *VideoSource) Close() error {
	if s.capture == nil {
		return nil
	}
	s.mat.Close()
	err := s.capture.Close()
	s.capture = nil
	return err
}

func encodeJPEG(mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(".jpg", mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}
