// Package validate turns raw choice payloads into validated request
// models and applies saved preferences on top.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Sighthesia/interactive-choice-mcp/internal/config"
	"github.com/Sighthesia/interactive-choice-mcp/internal/session"
)

// Input is the wire shape of a choice request before validation.
type Input struct {
	Title            string           `json:"title"`
	Prompt           string           `json:"prompt"`
	SelectionMode    string           `json:"selection_mode"`
	Options          []session.Option `json:"options"`
	Transport        string           `json:"transport,omitempty"`
	TimeoutSeconds   *int             `json:"timeout_seconds,omitempty"`
	SingleSubmit     *bool            `json:"single_submit_mode,omitempty"`
	UseDefaultOption *bool            `json:"use_default_option,omitempty"`
	TimeoutAction    string           `json:"timeout_action,omitempty"`
	DefaultIndex     *int             `json:"default_index,omitempty"`
	AgentPID         int              `json:"agent_pid,omitempty"`
	SessionID        string           `json:"session_id,omitempty"`
}

var errNoOptions = errors.New("options must contain at least one entry")

// ParseRequest validates and normalizes a raw payload into a request.
func ParseRequest(in *Input) (*session.Request, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, errors.New("title must be a non-empty string")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, errors.New("prompt must be a non-empty string")
	}

	mode := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(in.SelectionMode), "-", "_"))
	if mode != session.ModeSingle && mode != session.ModeMulti {
		return nil, fmt.Errorf("selection_mode must be %q or %q", session.ModeSingle, session.ModeMulti)
	}

	if len(in.Options) == 0 {
		return nil, errNoOptions
	}
	seen := make(map[string]bool, len(in.Options))
	recommended := 0
	for _, o := range in.Options {
		if strings.TrimSpace(o.ID) == "" {
			return nil, errors.New("option.id must be a non-empty string")
		}
		if seen[o.ID] {
			return nil, fmt.Errorf("duplicate option id: %s", o.ID)
		}
		seen[o.ID] = true
		if o.Recommended {
			recommended++
		}
	}
	if recommended == 0 {
		return nil, errors.New("at least one option must be marked as recommended")
	}
	if mode == session.ModeSingle && recommended > 1 {
		return nil, errors.New("single requests may only mark one recommended option")
	}

	timeout := session.DefaultTimeoutSeconds
	if in.TimeoutSeconds != nil {
		timeout = *in.TimeoutSeconds
	}
	if timeout <= 0 {
		return nil, errors.New("timeout_seconds must be positive")
	}

	if in.DefaultIndex != nil {
		if *in.DefaultIndex < 0 || *in.DefaultIndex >= len(in.Options) {
			return nil, fmt.Errorf("default_index %d out of range", *in.DefaultIndex)
		}
	}

	if in.Transport != "" {
		if _, ok := session.ParseTransport(in.Transport); !ok {
			return nil, fmt.Errorf("transport must be one of web, terminal, terminal_web")
		}
	}

	action := in.TimeoutAction
	if action == "" {
		action = session.TimeoutActionSubmit
	}
	if action != session.TimeoutActionSubmit && action != session.TimeoutActionCancel {
		return nil, fmt.Errorf("timeout_action must be %q or %q",
			session.TimeoutActionSubmit, session.TimeoutActionCancel)
	}

	req := &session.Request{
		Title:          strings.TrimSpace(in.Title),
		Prompt:         strings.TrimSpace(in.Prompt),
		SelectionMode:  mode,
		Options:        in.Options,
		TimeoutSeconds: timeout,
		SingleSubmit:   true,
		TimeoutAction:  action,
		DefaultIndex:   in.DefaultIndex,
	}
	if in.SingleSubmit != nil {
		req.SingleSubmit = *in.SingleSubmit
	}
	if in.UseDefaultOption != nil {
		req.UseDefaultOption = *in.UseDefaultOption
	}
	return req, nil
}

// Apply overlays saved preferences onto a validated request. Fields the
// request set explicitly win; preference values only fill the gaps the
// payload left at their zero defaults.
func Apply(in *Input, req *session.Request, prefs config.Preferences) *session.Request {
	out := *req
	if in.TimeoutSeconds == nil && prefs.TimeoutSeconds > 0 {
		out.TimeoutSeconds = prefs.TimeoutSeconds
	}
	if in.SingleSubmit == nil {
		out.SingleSubmit = prefs.SingleSubmit
	}
	if in.UseDefaultOption == nil {
		out.UseDefaultOption = prefs.UseDefaultOption
	}
	if in.TimeoutAction == "" && prefs.TimeoutAction != "" {
		out.TimeoutAction = prefs.TimeoutAction
	}
	if in.DefaultIndex == nil && prefs.DefaultIndex != nil {
		if *prefs.DefaultIndex >= 0 && *prefs.DefaultIndex < len(req.Options) {
			out.DefaultIndex = prefs.DefaultIndex
		}
	}
	return &out
}

// ResolveTransport picks the transport for a new session: an explicit
// request override wins, then the saved preference, then web.
func ResolveTransport(in *Input, prefs config.Preferences) session.Transport {
	if in.Transport != "" {
		if t, ok := session.ParseTransport(in.Transport); ok {
			return t
		}
	}
	if t, ok := session.ParseTransport(prefs.Transport); ok {
		return t
	}
	return session.TransportWeb
}
