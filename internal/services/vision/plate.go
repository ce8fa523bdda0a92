package vision

import (
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"

	"gatewatch/internal/logger"
	"gatewatch/internal/model"
)

// PlateReader runs OCR over the detection boxes of a frame.
type PlateReader struct {
	mu     sync.Mutex
	client *gosseract.Client
	logger *logger.Logger
}

// NewPlateReader creates the OCR client. languages are tesseract language codes.
func NewPlateReader(languages []string, log *logger.Logger) (*PlateReader, error) {
	client := gosseract.NewClient()
	if len(languages) > 0 {
		if err := client.SetLanguage(languages...); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set OCR language: %w", err)
		}
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	return &PlateReader{client: client, logger: log}, nil
}

// ReadPlate crops every detection box, preprocesses it and returns the first non-empty
// read. nil means no box produced text.
func (p *PlateReader) ReadPlate(frame model.Frame, dets []model.Detection) (*model.PlateReading, error) {
	if len(dets) == 0 {
		return nil, nil
	}

	mat, err := gocv.IMDecode(frame.Pixels, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("decoded image is empty")
	}

	for _, det := range dets {
		box := ClipBox(det.Box, mat.Cols(), mat.Rows())
		if box.Empty() {
			continue
		}

		reading, err := p.readRegion(mat, box)
		if err != nil {
			p.logger.Warning("OCR failed for %s box: %v", det.Label, err)
			continue
		}
		if reading != nil {
			return reading, nil
		}
	}
	return nil, nil
}

func (p *PlateReader) readRegion(mat gocv.Mat, box model.BBox) (*model.PlateReading, error) {
	region := mat.Region(image.Rect(box.XMin, box.YMin, box.XMax, box.YMax))
	defer region.Close()

	processed, err := Preprocess(region)
	if err != nil {
		return nil, err
	}
	defer processed.Close()

	png, err := gocv.IMEncode(".png", processed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	defer png.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.client.SetImageFromBytes(png.GetBytes()); err != nil {
		return nil, fmt.Errorf("failed to set OCR image: %w", err)
	}
	text, err := p.client.Text()
	if err != nil {
		return nil, fmt.Errorf("failed to extract text: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	confidence := 0.0
	if boxes, err := p.client.GetBoundingBoxes(gosseract.RIL_WORD); err == nil {
		confidence = averageConfidence(boxes)
	}

	crop, err := encodeJPEG(processed)
	if err != nil {
		crop = nil
	}

	return &model.PlateReading{
		Text:       text,
		Confidence: confidence,
		Source:     box,
		Crop:       crop,
	}, nil
}

// averageConfidence averages tesseract word confidences (0-100) into 0-1.
func averageConfidence(boxes []gosseract.BoundingBox) float64 {
	var total float64
	var words int
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" || b.Confidence <= 0 {
			continue
		}
		total += b.Confidence
		words++
	}
	if words == 0 {
		return 0
	}
	return total / float64(words) / 100.0
}

func (p *PlateReader) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client.Close()
}
