package domain

import "encoding/json"

// StartRequest is the command to start a query on an instance.
type StartRequest struct {
	CWD                   string   `json:"cwd"`
	AdditionalDirectories []string `json:"additional_directories,omitempty"`
	Prompt                string   `json:"prompt"`
	AllowedTools          []string `json:"allowed_tools,omitempty"`
	MaxTurns              int      `json:"max_turns,omitempty"`
	Resume                string   `json:"resume,omitempty"`
	Continue              bool     `json:"continue,omitempty"`
}

// RespondRequest delivers a human decision for a pending request.
type RespondRequest struct {
	RequestID     string            `json:"request_id"`
	Action        ResponseAction    `json:"action"`
	ModifiedInput json.RawMessage   `json:"modified_input,omitempty"`
	Feedback      string            `json:"feedback,omitempty"`
	Answers       map[string]string `json:"answers,omitempty"`
}

// StartResponse acknowledges a non-blocking start.
type StartResponse struct {
	InstanceID string `json:"instance_id"`
	Started    bool   `json:"started"`
}
