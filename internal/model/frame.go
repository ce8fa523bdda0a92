package model

import "time"

// Frame is a single encoded image read from a lane's camera.
type Frame struct {
	Seq        int64
	CapturedAt time.Time
	Pixels     []byte // JPEG
}

// BBox is a pixel-space bounding box (x_min, y_min, x_max, y_max).
type BBox struct {
	XMin int `json:"x_min"`
	YMin int `json:"y_min"`
	XMax int `json:"x_max"`
	YMax int `json:"y_max"`
}

// Width returns the box width, never negative.
func (b BBox) Width() int {
	return max(b.XMax-b.XMin, 0)
}

// Height returns the box height, never negative.
func (b BBox) Height() int {
	return max(b.YMax-b.YMin, 0)
}

// Empty reports whether the box has no area.
func (b BBox) Empty() bool {
	return b.Width() == 0 || b.Height() == 0
}

// Detection is one classified object on a frame.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        BBox    `json:"bbox"`
}

// PlateReading is the OCR result for one detection's crop.
type PlateReading struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Source     BBox    `json:"source_bbox"`
	Crop       []byte  `json:"-"` // preprocessed plate image, JPEG
}
