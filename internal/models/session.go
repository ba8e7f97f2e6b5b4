package models

import "time"

// Phase is the pipeline state of a workspace.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseProcessing Phase = "processing"
	PhaseChatting   Phase = "chatting"
)

// Snapshot is a point-in-time copy of a workspace state, safe to share.
type Snapshot struct {
	WorkspaceID string    `json:"workspace_id"`
	Phase       Phase     `json:"phase"`
	Progress    string    `json:"progress,omitempty"`
	Error       string    `json:"error,omitempty"`
	Busy        bool      `json:"busy"`
	Equations   []string  `json:"equations,omitempty"`
	Messages    []Message `json:"messages"`
	UpdatedAt   time.Time `json:"updated_at"`
}
