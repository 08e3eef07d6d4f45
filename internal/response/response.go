// Package response builds the envelopes returned to the requesting agent.
// An envelope is the flat, wire-level outcome of a session; all policy
// about what a timeout or cancellation yields lives here rather than in
// the registry.
package response

import (
	"fmt"
	"strings"

	"github.com/Sighthesia/interactive-choice-mcp/internal/session"
)

// Envelope is the agent-facing outcome of a choice session.
type Envelope struct {
	ActionStatus      string            `json:"action_status"`
	SelectedIndices   []string          `json:"selected_indices,omitempty"`
	OptionAnnotations map[string]string `json:"option_annotations,omitempty"`
	ExtraAnnotation   string            `json:"extra_annotation,omitempty"`
	Summary           string            `json:"summary,omitempty"`
	SessionID         string            `json:"session_id,omitempty"`
	URL               string            `json:"url,omitempty"`
	LaunchCommand     string            `json:"launch_command,omitempty"`
	Instructions      string            `json:"instructions,omitempty"`
}

// Normalize validates a raw selection against the request and produces the
// canonical result: ids are checked against the option set, kept in option
// order, deduplicated, and summarized.
func Normalize(req *session.Request, ids []string, annotations map[string]string, extra, action string) (*session.Result, error) {
	if !session.ValidActions[action] {
		return nil, fmt.Errorf("invalid action_status %q", action)
	}
	for _, id := range ids {
		if !req.HasOption(id) {
			return nil, fmt.Errorf("selected id %q is not an option", id)
		}
	}

	// Canonical order is the option order of the request, not submission
	// order, so racing clients produce identical results.
	picked := make(map[string]bool, len(ids))
	for _, id := range ids {
		picked[id] = true
	}
	ordered := make([]string, 0, len(picked))
	for _, o := range req.Options {
		if picked[o.ID] {
			ordered = append(ordered, o.ID)
		}
	}

	if req.SelectionMode == session.ModeSingle && len(ordered) > 1 {
		return nil, fmt.Errorf("single selection mode got %d ids", len(ordered))
	}

	return &session.Result{
		ActionStatus:      action,
		SelectedIndices:   ordered,
		OptionAnnotations: annotations,
		ExtraAnnotation:   extra,
		Summary:           summarize(ordered, annotations, extra),
	}, nil
}

func summarize(ids []string, annotations map[string]string, extra string) string {
	var parts []string
	if len(ids) > 0 {
		parts = append(parts, fmt.Sprintf("ids=[%s]", strings.Join(ids, ", ")))
	}
	if len(annotations) > 0 {
		parts = append(parts, fmt.Sprintf("option_annotations=%d", len(annotations)))
	}
	if extra != "" {
		parts = append(parts, fmt.Sprintf("additional_annotation=%s", extra))
	}
	if len(parts) == 0 {
		return "no selection"
	}
	return strings.Join(parts, ", ")
}

// Cancelled builds the result for a user-initiated cancel. An annotation
// upgrades the action status so the agent can tell "dismissed" from
// "rejected with a reason".
func Cancelled(annotations map[string]string, extra string) *session.Result {
	action := session.ActionCancelled
	if extra != "" || len(annotations) > 0 {
		action = session.ActionCancelWithAnnotation
	}
	return &session.Result{
		ActionStatus:      action,
		OptionAnnotations: annotations,
		ExtraAnnotation:   extra,
		Summary:           "cancelled",
	}
}

// Interrupted builds the result applied when the requesting agent goes
// away before the human answers.
func Interrupted() *session.Result {
	return &session.Result{
		ActionStatus: session.ActionInterrupted,
		Summary:      "interrupted",
	}
}

// TimeoutOutcome computes the result applied when a session's deadline
// fires. Precedence: an explicit cancel wins; otherwise a configured
// default (index or first recommended) is auto-submitted; otherwise the
// timeout cancels with no selection.
func TimeoutOutcome(req *session.Request) *session.Result {
	if req.TimeoutAction != session.TimeoutActionCancel && req.UseDefaultOption {
		if opt, ok := req.DefaultOption(); ok {
			return &session.Result{
				ActionStatus:    session.ActionTimeoutAutoSubmitted,
				SelectedIndices: []string{opt.ID},
				Summary:         fmt.Sprintf("ids=[%s]", opt.ID),
			}
		}
	}
	return &session.Result{
		ActionStatus: session.ActionTimeoutCancelled,
		Summary:      "no selection",
	}
}

// FromResult projects a finalized session into its envelope.
func FromResult(s *session.Session) *Envelope {
	e := &Envelope{
		ActionStatus: session.ActionCancelled,
		SessionID:    s.ID,
		URL:          s.URL,
	}
	if s.Result != nil {
		e.ActionStatus = s.Result.ActionStatus
		e.SelectedIndices = s.Result.SelectedIndices
		e.OptionAnnotations = s.Result.OptionAnnotations
		e.ExtraAnnotation = s.Result.ExtraAnnotation
		e.Summary = s.Result.Summary
	}
	return e
}

// Pending is returned by a bounded poll that expired before the session
// finalized. The agent is expected to poll again with the same id.
func Pending(s *session.Session) *Envelope {
	return &Envelope{
		ActionStatus: "pending",
		SessionID:    s.ID,
		URL:          s.URL,
		Instructions: "session still awaiting input; poll again with the same session_id",
	}
}

// PendingLaunch is the immediate reply for a terminal hand-off: the agent
// must run the launch command, then poll with the session id.
func PendingLaunch(s *session.Session, launchCommand string) *Envelope {
	return &Envelope{
		ActionStatus:  session.ActionPendingLaunch,
		SessionID:     s.ID,
		URL:           s.URL,
		LaunchCommand: launchCommand,
		Summary:       launchCommand,
		Instructions:  "run the launch command in a terminal, then poll with the session_id",
	}
}

// Unknown is the reply for a poll against an id the server no longer
// knows. Shaped like a cancellation so agents need no special casing.
func Unknown(id string) *Envelope {
	return &Envelope{
		ActionStatus: session.ActionCancelled,
		SessionID:    id,
		Summary:      "unknown session",
	}
}
