// Package decode turns heterogeneous raw model outputs into the pipeline's
// common detection representation. Decoding is a pure per-family function;
// every family shares the NMS engine.
package decode

import (
	"fmt"

	"avmed-detection/internal/domain"
)

// Candidate is a pre-NMS raw detection.
type Candidate struct {
	Label      string
	Class      int
	Confidence float64
	Box        domain.BoundingBox
}

// Detection converts a kept candidate into the caller-facing shape.
func (c Candidate) Detection() domain.Detection {
	return domain.Detection{
		Label:      c.Label,
		Confidence: c.Confidence,
		Box:        c.Box,
		Status:     domain.StatusSuccess,
	}
}

// Decode dispatches on the model family and returns unfiltered-by-NMS
// candidates above the configured confidence threshold. FamilyDualModel is
// handled one sub-model at a time by the caller and is rejected here.
func Decode(cfg ModelConfig, raw []float32, frameW, frameH int) ([]Candidate, error) {
	switch cfg.Family {
	case FamilySingleStage:
		return decodeSingleStage(cfg, raw)
	case FamilyLandmark:
		return decodeLandmark(cfg, raw)
	case FamilyDualModel:
		return nil, &domain.DecodeError{Model: cfg.Name, Cause: fmt.Errorf("dual-model config must be decoded per sub-model")}
	default:
		return nil, &domain.DecodeError{Model: cfg.Name, Cause: fmt.Errorf("unknown model family %d", cfg.Family)}
	}
}

func decodeSingleStage(cfg ModelConfig, raw []float32) ([]Candidate, error) {
	stride := cfg.RowStride()
	rows, err := rowCount(cfg, raw, stride)
	if err != nil {
		return nil, err
	}
	pixel := pixelUnits(raw, rows, stride)

	classes := len(cfg.Labels)
	out := make([]Candidate, 0, 64)
	for r := 0; r < rows; r++ {
		row := raw[r*stride : (r+1)*stride]

		var conf float64
		var best int
		if cfg.Objectness {
			obj := float64(row[4])
			if classes > 0 {
				best, conf = argmax(row[5:])
				conf *= obj
			} else {
				conf = obj
			}
		} else if classes > 0 {
			best, conf = argmax(row[4:])
		} else {
			conf = float64(row[4])
		}
		if conf < cfg.ConfThreshold {
			continue
		}

		out = append(out, Candidate{
			Label:      cfg.Label(best),
			Class:      best,
			Confidence: conf,
			Box:        decodeBox(cfg, row, pixel),
		})
	}
	return out, nil
}

// decodeLandmark reads pose-style rows: box, confidence, then keypoint
// triples. Keypoints refine nothing downstream yet, so only the enclosing
// box is kept; rows share the single configured label.
func decodeLandmark(cfg ModelConfig, raw []float32) ([]Candidate, error) {
	stride := cfg.RowStride()
	rows, err := rowCount(cfg, raw, stride)
	if err != nil {
		return nil, err
	}
	pixel := pixelUnits(raw, rows, stride)

	out := make([]Candidate, 0, 16)
	for r := 0; r < rows; r++ {
		row := raw[r*stride : (r+1)*stride]
		conf := float64(row[4])
		if conf < cfg.ConfThreshold {
			continue
		}
		out = append(out, Candidate{
			Label:      cfg.Label(0),
			Confidence: conf,
			Box:        decodeBox(cfg, row, pixel),
		})
	}
	return out, nil
}

func rowCount(cfg ModelConfig, raw []float32, stride int) (int, error) {
	if stride <= 4 {
		return 0, &domain.DecodeError{Model: cfg.Name, Cause: fmt.Errorf("invalid row stride %d", stride)}
	}
	if len(raw) == 0 || len(raw)%stride != 0 {
		return 0, &domain.DecodeError{Model: cfg.Name, Cause: fmt.Errorf("output length %d not divisible by row stride %d", len(raw), stride)}
	}
	rows := len(raw) / stride
	if cfg.OutputRows > 0 && rows != cfg.OutputRows {
		return 0, &domain.DecodeError{Model: cfg.Name, Cause: fmt.Errorf("got %d rows, model contract says %d", rows, cfg.OutputRows)}
	}
	return rows, nil
}

// pixelUnits applies the compatibility heuristic: when any box coordinate
// magnitude exceeds 1.0 the tensor is treated as pixel-unit relative to the
// model input. Legitimate normalized values slightly above 1.0 at frame edges
// will be misread as pixels; kept for parity with the models in the field.
func pixelUnits(raw []float32, rows, stride int) bool {
	for r := 0; r < rows; r++ {
		base := r * stride
		for i := 0; i < 4; i++ {
			v := raw[base+i]
			if v > 1.0 || v < -1.0 {
				return true
			}
		}
	}
	return false
}

// decodeBox converts a center/size row encoding into a corner box normalized
// to [0,1] and clipped to the frame.
func decodeBox(cfg ModelConfig, row []float32, pixel bool) domain.BoundingBox {
	cx, cy := float64(row[0]), float64(row[1])
	w, h := float64(row[2]), float64(row[3])
	if pixel {
		cx /= float64(cfg.InputWidth)
		cy /= float64(cfg.InputHeight)
		w /= float64(cfg.InputWidth)
		h /= float64(cfg.InputHeight)
	}

	x1 := clamp01(cx - w/2)
	y1 := clamp01(cy - h/2)
	x2 := clamp01(cx + w/2)
	y2 := clamp01(cy + h/2)
	return domain.BoundingBox{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

func argmax(scores []float32) (int, float64) {
	best, bestScore := 0, float64(0)
	for i, s := range scores {
		if v := float64(s); v > bestScore {
			best, bestScore = i, v
		}
	}
	return best, bestScore
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
