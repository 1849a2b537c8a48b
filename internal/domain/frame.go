package domain

// Frame is one decoded camera frame: tightly packed RGBA pixels plus
// dimensions. The pipeline borrows the buffer for the duration of a single
// inference call and never retains it.
type Frame struct {
	Pixels []byte
	Width  int
	Height int
}

// Valid reports whether the pixel buffer matches the declared dimensions.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Pixels) == f.Width*f.Height*4
}
