package ws

import (
	"time"

	"github.com/Sighthesia/interactive-choice-mcp/internal/session"
)

type MessageType string

const (
	// MsgSync carries the server-authoritative countdown for one session.
	MsgSync MessageType = "sync"
	// MsgStatus announces a session's terminal outcome.
	MsgStatus MessageType = "status"
	// MsgList carries the full interaction list.
	MsgList MessageType = "list"
	MsgPing MessageType = "ping"
	MsgPong MessageType = "pong"
)

// Messages are flat rather than enveloped; clients switch on "type".

type SyncMessage struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	RemainingSeconds float64     `json:"remaining_seconds"`
	TimeoutSeconds   int         `json:"timeout_seconds"`
}

// StatusMessage carries the full outcome so a page refreshed after the
// decision can still render what was chosen.
type StatusMessage struct {
	Type              MessageType       `json:"type"`
	SessionID         string            `json:"session_id"`
	Status            string            `json:"status"`
	ActionStatus      string            `json:"action_status,omitempty"`
	SelectedIndices   []string          `json:"selected_indices,omitempty"`
	OptionAnnotations map[string]string `json:"option_annotations,omitempty"`
	ExtraAnnotation   string            `json:"extra_annotation,omitempty"`
}

type ListMessage struct {
	Type         MessageType     `json:"type"`
	Interactions []session.Entry `json:"interactions"`
}

type controlMessage struct {
	Type MessageType `json:"type"`
}

func syncMessage(s *session.Session, now time.Time) SyncMessage {
	return SyncMessage{
		Type:             MsgSync,
		SessionID:        s.ID,
		RemainingSeconds: s.Remaining(now),
		TimeoutSeconds:   s.TimeoutSeconds,
	}
}

func statusMessage(s *session.Session) StatusMessage {
	m := StatusMessage{
		Type:      MsgStatus,
		SessionID: s.ID,
		Status:    s.Status.String(),
	}
	if s.Result != nil {
		m.ActionStatus = s.Result.ActionStatus
		m.SelectedIndices = s.Result.SelectedIndices
		m.OptionAnnotations = s.Result.OptionAnnotations
		m.ExtraAnnotation = s.Result.ExtraAnnotation
	}
	return m
}
