package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/disintegration/imaging"

	"avmed-detection/internal/domain"
)

// handleSubmitFrame ingests one camera frame as base64 image data, feeds it
// to the active session and returns the latest completed detection set.
func (d *Deps) handleSubmitFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST", nil)
		return
	}
	var body struct {
		B64Frame string `json:"b64Frame"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.B64Frame == "" {
		writeError(w, http.StatusBadRequest, "BAD_FRAME", "b64Frame is required", nil)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(body.B64Frame)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_FRAME", "invalid base64", nil)
		return
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_FRAME", "undecodable image", nil)
		return
	}
	nrgba := imaging.Clone(img)
	frame := domain.Frame{
		Pixels: nrgba.Pix,
		Width:  nrgba.Rect.Dx(),
		Height: nrgba.Rect.Dy(),
	}

	dets, err := d.Svc.Submit(frame)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidState) {
			status = http.StatusConflict
		}
		writeError(w, status, "FRAME_SUBMIT_FAILED", err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sessionId":  d.Svc.CurrentSession(),
		"detections": dets,
	})
}
