package decode

// ModelFamily selects the decode strategy for a model's raw output. The set
// is closed: adding a family means adding a decode function, not a subclass.
type ModelFamily int

const (
	// FamilySingleStage covers one-shot detectors emitting rows of
	// box + objectness + per-class scores (or box + merged class scores).
	FamilySingleStage ModelFamily = iota
	// FamilyDualModel runs two sub-models per frame and concatenates their
	// independently decoded and suppressed outputs.
	FamilyDualModel
	// FamilyLandmark covers pose-style models emitting a box, a confidence
	// and a keypoint triple per tracked point.
	FamilyLandmark
)

func (f ModelFamily) String() string {
	switch f {
	case FamilySingleStage:
		return "single_stage"
	case FamilyDualModel:
		return "dual_model"
	case FamilyLandmark:
		return "landmark"
	default:
		return "unknown"
	}
}

// ModelConfig is the static descriptor for one loaded model: input geometry,
// label table, thresholds and the output-shape contract. Loaded once,
// immutable afterwards.
type ModelConfig struct {
	Name        string
	Family      ModelFamily
	InputWidth  int
	InputHeight int
	Labels      []string

	// ConfThreshold discards candidates below it; IoUThreshold drives NMS.
	ConfThreshold float64
	IoUThreshold  float64

	// OutputRows is N in the 1×N×attrs output contract.
	OutputRows int
	// Objectness selects the 4+1+C row layout (objectness × max class score)
	// over the merged 4+C layout.
	Objectness bool
	// Keypoints is the tracked point count for FamilyLandmark rows
	// (4 box + 1 conf + 3 per point).
	Keypoints int

	// Sub holds the two sub-model descriptors for FamilyDualModel. The outer
	// config then carries no output contract of its own.
	Sub []ModelConfig

	// Tensor names for the runtime session. Empty values fall back to the
	// conventional "images"/"output0".
	InputName  string
	OutputName string
}

// RowStride is the attribute count per output row.
func (c ModelConfig) RowStride() int {
	switch c.Family {
	case FamilyLandmark:
		return 5 + 3*c.Keypoints
	default:
		if c.Objectness {
			return 5 + len(c.Labels)
		}
		return 4 + len(c.Labels)
	}
}

// Label returns the class name for an index, or "unknown" when the index is
// outside the label table. Decoding never fails on a bad class index.
func (c ModelConfig) Label(class int) string {
	if class < 0 || class >= len(c.Labels) {
		return "unknown"
	}
	return c.Labels[class]
}
