package vision

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"gatewatch/internal/model"
)

var red = color.RGBA{R: 255, G: 0, B: 0, A: 0}

// Annotator draws detection boxes and "label (confidence)" captions onto frames.
type Annotator struct{}

func NewAnnotator() *Annotator {
	return &Annotator{}
}

// Annotate returns a JPEG copy of pixels with dets drawn on it.
func (a *Annotator) Annotate(pixels []byte, dets []model.Detection) ([]byte, error) {
	mat, err := gocv.IMDecode(pixels, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("decoded image is empty")
	}

	for _, d := range dets {
		rect := image.Rect(d.Box.XMin, d.Box.YMin, d.Box.XMax, d.Box.YMax)
		if err := gocv.Rectangle(&mat, rect, red, 2); err != nil {
			return nil, fmt.Errorf("failed to draw rectangle: %w", err)
		}

		label := fmt.Sprintf("%s (%.2f)", d.Label, d.Confidence)
		pt := image.Pt(d.Box.XMin, max(d.Box.YMin-5, 10))
		if err := gocv.PutText(&mat, label, pt, gocv.FontHersheySimplex, 0.5, red, 1); err != nil {
			return nil, fmt.Errorf("failed to draw text: %w", err)
		}
	}

	return encodeJPEG(mat)
}
