// Package client is a minimal Go client for the detectord HTTP API.
package client

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"avmed-detection/internal/domain"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client { return &Client{BaseURL: baseURL, HTTP: http.DefaultClient} }

// StartSession opens a detection session and returns its id.
func (c *Client) StartSession(recording bool) (string, error) {
	body, _ := json.Marshal(map[string]any{"recording": recording})
	resp, err := c.HTTP.Post(c.BaseURL+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("start session: status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// SubmitFrame sends one encoded image (JPEG or PNG bytes) and returns the
// latest completed detection set.
func (c *Client) SubmitFrame(imageBytes []byte) ([]domain.Detection, error) {
	body, _ := json.Marshal(map[string]any{"b64Frame": base64.StdEncoding.EncodeToString(imageBytes)})
	resp, err := c.HTTP.Post(c.BaseURL+"/api/frames", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("submit frame: status %d", resp.StatusCode)
	}
	var out struct {
		Detections []domain.Detection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Detections, nil
}

// LatestDetections reads the newest completed detection set without
// submitting a frame.
func (c *Client) LatestDetections() ([]domain.Detection, error) {
	resp, err := c.HTTP.Get(c.BaseURL + "/api/detections")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Detections []domain.Detection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Detections, nil
}

// EndSession closes the named session.
func (c *Client) EndSession(id string) error {
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/sessions/%s/end", c.BaseURL, id), nil)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("end session: status %d", resp.StatusCode)
	}
	return nil
}

// ListSessions pages through stored session records.
func (c *Client) ListSessions(limit, offset int) ([]domain.SessionRecord, int, error) {
	resp, err := c.HTTP.Get(fmt.Sprintf("%s/api/sessions?limit=%d&offset=%d", c.BaseURL, limit, offset))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Items []domain.SessionRecord `json:"items"`
		Total int                    `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, err
	}
	return out.Items, out.Total, nil
}
