package remote

import (
	"encoding/json"

	"avmed-detection/internal/domain"
)

// Wire protocol: JSON messages over one WebSocket, discriminated by `type`.
const (
	TypeInit      = "init"
	TypeFrame     = "frame"
	TypeDetection = "detection"
	TypeEnd       = "end"
	TypeError     = "error"
	TypeHeartbeat = "heartbeat"
)

// Message is the envelope for both directions. Init acks carry `status`
// either at the top level or nested in the payload, so both spots are parsed.
type Message struct {
	Type    string          `json:"type"`
	Status  string          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckStatus digs the status field out of wherever the server put it.
func (m Message) AckStatus() string {
	if m.Status != "" {
		return m.Status
	}
	var nested struct {
		Status string `json:"status"`
	}
	if len(m.Payload) > 0 && json.Unmarshal(m.Payload, &nested) == nil {
		return nested.Status
	}
	return ""
}

type initParams struct {
	ShouldRecord    bool `json:"shouldRecord"`
	Width           int  `json:"width"`
	Height          int  `json:"height"`
	FramesPerSecond int  `json:"framesPerSecond"`
}

type initPayload struct {
	SessionID   string     `json:"sessionId"`
	PatientCode string     `json:"patientCode"`
	Params      initParams `json:"params"`
}

type framePayload struct {
	B64Frame string `json:"b64Frame"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type wireBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type wireDetection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        wireBox `json:"box"`
}

// detectionPayload holds two independent arrays. Both decode into the common
// detection shape; face entries default to the "face" label.
type detectionPayload struct {
	Boxes []wireDetection `json:"boxes"`
	Faces []wireDetection `json:"faces"`
}

func (p detectionPayload) detections() []domain.Detection {
	out := make([]domain.Detection, 0, len(p.Boxes)+len(p.Faces))
	for _, b := range p.Boxes {
		out = append(out, b.detection(""))
	}
	for _, f := range p.Faces {
		out = append(out, f.detection("face"))
	}
	return out
}

func (d wireDetection) detection(fallbackLabel string) domain.Detection {
	label := d.Label
	if label == "" {
		label = fallbackLabel
	}
	return domain.Detection{
		Label:      label,
		Confidence: d.Confidence,
		Box:        domain.BoundingBox(d.Box),
		Status:     domain.StatusSuccess,
	}
}
