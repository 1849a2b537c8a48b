package domain

// Status marks how a detection was produced. Warning and failure entries are
// synthetic markers emitted by the pipeline itself (e.g. a degraded frame),
// regular model output is always success.
type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusFailure Status = "failure"
)

// BoundingBox is an axis-aligned box normalized to [0,1] relative to the
// original frame. Width and height are positive for real detections;
// synthetic error/warning markers may carry a zero box.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is the single result shape both the local and the remote path
// resolve to. Immutable once created.
type Detection struct {
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
	Status     Status      `json:"status"`
}
