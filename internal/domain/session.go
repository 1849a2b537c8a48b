package domain

import "time"

// FrameCounters accumulates per-session frame accounting.
type FrameCounters struct {
	Submitted int `json:"submitted"`
	Detected  int `json:"detected"`
	Dropped   int `json:"dropped"`
	Skipped   int `json:"skipped"`
}

// SessionRecord describes one detection engagement, local or remote.
// Remote sessions carry the endpoint they were initialized against.
type SessionRecord struct {
	ID        string        `json:"id"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Mode      string        `json:"mode"` // "local" | "remote"
	Recording bool          `json:"recording"`
	StartedAt time.Time     `json:"startedAt"`
	ClosedAt  *time.Time    `json:"closedAt"`
	Error     *string       `json:"error"`
	Frames    FrameCounters `json:"frames"`
}
