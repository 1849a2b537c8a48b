package inference

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"avmed-detection/internal/domain"
)

// frameToTensor resizes a frame to the model input and lays it out as a CHW
// float32 buffer normalized to [0,1].
func frameToTensor(frame domain.Frame, width, height int) ([]float32, error) {
	if !frame.Valid() {
		return nil, fmt.Errorf("%w: %dx%d with %d bytes", domain.ErrInvalidFrame, frame.Width, frame.Height, len(frame.Pixels))
	}
	src := &image.RGBA{
		Pix:    frame.Pixels,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	resized := imaging.Resize(src, width, height, imaging.Linear)

	channel := width * height
	buf := make([]float32, 3*channel)
	pix := resized.Pix
	stride := resized.Stride
	for y := 0; y < height; y++ {
		row := pix[y*stride:]
		off := y * width
		for x := 0; x < width; x++ {
			i := off + x
			p := row[x*4:]
			buf[i] = float32(p[0]) / 255.0
			buf[channel+i] = float32(p[1]) / 255.0
			buf[2*channel+i] = float32(p[2]) / 255.0
		}
	}
	return buf, nil
}
