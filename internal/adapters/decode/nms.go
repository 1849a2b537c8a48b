package decode

import (
	"sort"

	"avmed-detection/internal/domain"
)

// IoU is the intersection-over-union of two axis-aligned boxes, 0 when
// disjoint. Symmetric; IoU(b, b) == 1 for any box with positive area.
func IoU(a, b domain.BoundingBox) float64 {
	ix := overlap(a.X, a.X+a.Width, b.X, b.X+b.Width)
	iy := overlap(a.Y, a.Y+a.Height, b.Y, b.Y+b.Height)
	inter := ix * iy
	if inter <= 0 {
		return 0
	}
	union := a.Width*a.Height + b.Width*b.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func overlap(a1, a2, b1, b2 float64) float64 {
	lo := a1
	if b1 > lo {
		lo = b1
	}
	hi := a2
	if b2 < hi {
		hi = b2
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// NMS greedily suppresses overlapping candidates: repeatedly keep the highest
// confidence candidate and drop every remaining one whose IoU with it exceeds
// the threshold. Ties on equal confidence keep original order. O(n²), fine
// for the candidate counts a single frame produces.
func NMS(cands []Candidate, iouThreshold float64) []Candidate {
	if len(cands) <= 1 {
		return cands
	}
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]Candidate, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] {
				continue
			}
			if IoU(sorted[i].Box, sorted[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
