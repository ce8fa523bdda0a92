package vision

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

const (
	claheClipLimit = 2.0
	borderSize     = 10
)

// Preprocess prepares a plate crop for OCR: grayscale, CLAHE, Otsu binarization, 5x5 Gaussian
// blur, 2x upscale and a white border. The caller closes the returned Mat.
func Preprocess(src gocv.Mat) (gocv.Mat, error) {
	if src.Empty() {
		return gocv.NewMat(), fmt.Errorf("empty plate crop")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if src.Channels() == 1 {
		src.CopyTo(&gray)
	} else if err := gocv.CvtColor(src, &gray, gocv.ColorBGRToGray); err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to convert image to grayscale: %w", err)
	}

	clahe := gocv.NewCLAHEWithParams(claheClipLimit, image.Pt(8, 8))
	defer clahe.Close()
	equalized := gocv.NewMat()
	defer equalized.Close()
	clahe.Apply(gray, &equalized)

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(equalized, &binary, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(binary, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	scaled := gocv.NewMat()
	defer scaled.Close()
	gocv.Resize(blurred, &scaled, image.Point{}, 2, 2, gocv.InterpolationLinear)

	padded := gocv.NewMat()
	white := color.RGBA{R: 255, G: 255, B: 255, A: 0}
	gocv.CopyMakeBorder(scaled, &padded, borderSize, borderSize, borderSize, borderSize, gocv.BorderConstant, white)

	return padded, nil
}
