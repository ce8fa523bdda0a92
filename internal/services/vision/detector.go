package vision

import (
	"errors"
	"fmt"
	"image"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"gatewatch/internal/logger"
	"gatewatch/internal/model"
)

var ErrNotInitialized = errors.New("detection network not initialized")

var timeNow = time.Now

type DetectorConfig struct {
	ModelPath  string
	ConfigPath string
	Labels     map[int]string // class id -> label
	Allowed    []string       // labels passed on, empty passes all
	Threshold  float64
	Width      int // optional downscale before inference
	Height     int
}

// Detector wraps an SSD-style OpenCV DNN. The network is loaded once; forward passes are
// serialized because gocv.Net is not safe for concurrent use.
type Detector struct {
	mu        sync.Mutex
	net       gocv.Net
	ready     atomic.Bool // cleared by Close under mu
	labels    map[int]string
	allowed   map[string]bool
	threshold float64
	size      image.Point
	logger    *logger.Logger
}

// NewDetector loads the network. A model that fails to load leaves the detector in a degraded
// state where every Classify call fails.
func NewDetector(cfg DetectorConfig, log *logger.Logger) *Detector {
	d := &Detector{
		labels:    cfg.Labels,
		allowed:   make(map[string]bool, len(cfg.Allowed)),
		threshold: cfg.Threshold,
		size:      image.Pt(cfg.Width, cfg.Height),
		logger:    log,
	}
	for _, l := range cfg.Allowed {
		d.allowed[l] = true
	}

	if err := d.initializeNet(cfg.ModelPath, cfg.ConfigPath); err != nil {
		d.logger.Warning("Could not initialize detection network: %v", err)
	}
	return d
}

func (d *Detector) initializeNet(modelPath, configPath string) error {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", modelPath)
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", configPath)
	}

	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return fmt.Errorf("failed to load network")
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return fmt.Errorf("failed to set preferable backend or target")
	}

	d.net = net
	d.ready.Store(true)
	d.logger.Info("Detection network initialized successfully")
	return nil
}

// Ready reports whether the network loaded.
func (d *Detector) Ready() bool {
	return d.ready.Load()
}

// Classify runs the network on frame and returns allow-listed detections above the threshold,
// with boxes in the frame's pixel space.
func (d *Detector) Classify(frame model.Frame) ([]model.Detection, error) {
	if !d.ready.Load() {
		return nil, ErrNotInitialized
	}

	mat, err := gocv.IMDecode(frame.Pixels, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("decoded image is empty")
	}
	cols, rows := mat.Cols(), mat.Rows()

	input := mat
	if d.size.X > 0 && d.size.Y > 0 {
		small := gocv.NewMat()
		defer small.Close()
		gocv.Resize(mat, &small, d.size, 0, 0, gocv.InterpolationLinear)
		input = small
	}

	blob := gocv.BlobFromImage(input, 1.0/127.5, image.Pt(300, 300), gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	if !d.ready.Load() {
		d.mu.Unlock()
		return nil, ErrNotInitialized
	}
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	d.mu.Unlock()
	defer output.Close()

	reshaped := output.Reshape(1, output.Total()/7)
	defer reshaped.Close()

	var results []model.Detection
	for i := 0; i < reshaped.Rows(); i++ {
		confidence := float64(reshaped.GetFloatAt(i, 2))
		if confidence <= d.threshold {
			continue
		}

		label, ok := d.labels[int(reshaped.GetFloatAt(i, 1))]
		if !ok || !d.passes(label) {
			continue
		}

		box := model.BBox{
			XMin: int(reshaped.GetFloatAt(i, 3) * float32(cols)),
			YMin: int(reshaped.GetFloatAt(i, 4) * float32(rows)),
			XMax: int(reshaped.GetFloatAt(i, 5) * float32(cols)),
			YMax: int(reshaped.GetFloatAt(i, 6) * float32(rows)),
		}
		results = append(results, model.Detection{
			Label:      label,
			Confidence: confidence,
			Box:        ClipBox(box, cols, rows),
		})
	}

	return results, nil
}

func (d *Detector) passes(label string) bool {
	if len(d.allowed) == 0 {
		return true
	}
	return d.allowed[label]
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready.Swap(false) {
		return nil
	}
	return d.net.Close()
}

// ClipBox limits box to a cols x rows image.
func ClipBox(box model.BBox, cols, rows int) model.BBox {
	clamp := func(v, hi int) int {
		return min(max(v, 0), hi)
	}
	return model.BBox{
		XMin: clamp(box.XMin, cols),
		YMin: clamp(box.YMin, rows),
		XMax: clamp(box.XMax, cols),
		YMax: clamp(box.YMax, rows),
	}
}
