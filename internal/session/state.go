package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a choice session. Pending is the only
// non-terminal status; every other value is a one-way latch.
type Status int

const (
	StatusPending Status = iota
	StatusSubmitted
	StatusAutoSubmitted
	StatusCancelled
	StatusTimeout
	StatusInterrupted
)

var statusNames = map[Status]string{
	StatusPending:       "pending",
	StatusSubmitted:     "submitted",
	StatusAutoSubmitted: "auto_submitted",
	StatusCancelled:     "cancelled",
	StatusTimeout:       "timeout",
	StatusInterrupted:   "interrupted",
}

var statusFromName = map[string]Status{
	"pending":        StatusPending,
	"submitted":      StatusSubmitted,
	"auto_submitted": StatusAutoSubmitted,
	"cancelled":      StatusCancelled,
	"timeout":        StatusTimeout,
	"interrupted":    StatusInterrupted,
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := statusFromName[name]
	if !ok {
		return fmt.Errorf("unknown status %q", name)
	}
	*s = v
	return nil
}

// Terminal reports whether the status is final. Once a session reaches a
// terminal status no further transition is allowed.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// StatusFromAction maps a fine-grained action status (the envelope
// vocabulary) onto the coarse session status used for display and history.
func StatusFromAction(action string) Status {
	switch {
	case action == ActionInterrupted:
		return StatusInterrupted
	case action == ActionTimeoutAutoSubmitted:
		return StatusAutoSubmitted
	case strings.HasPrefix(action, "timeout"):
		return StatusTimeout
	case action == ActionCancelled || action == ActionCancelWithAnnotation:
		return StatusCancelled
	case action == ActionSelected || action == ActionCustomInput:
		return StatusSubmitted
	default:
		return StatusPending
	}
}

// Transport identifies how the human interacts with a session.
type Transport int

const (
	TransportWeb Transport = iota
	TransportTerminal
	// TransportTerminalWeb marks a session that started as a terminal
	// hand-off and switched to the web page mid-flight, keeping its id.
	TransportTerminalWeb
)

var transportNames = map[Transport]string{
	TransportWeb:         "web",
	TransportTerminal:    "terminal",
	TransportTerminalWeb: "terminal_web",
}

var transportFromName = map[string]Transport{
	"web":          TransportWeb,
	"terminal":     TransportTerminal,
	"terminal_web": TransportTerminalWeb,
}

func (t Transport) String() string {
	if name, ok := transportNames[t]; ok {
		return name
	}
	return "unknown"
}

func (t Transport) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Transport) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := transportFromName[name]
	if !ok {
		return fmt.Errorf("unknown transport %q", name)
	}
	*t = v
	return nil
}

// ParseTransport returns the transport for a wire name.
func ParseTransport(name string) (Transport, bool) {
	t, ok := transportFromName[name]
	return t, ok
}

// Action status vocabulary for the response envelope.
const (
	ActionSelected             = "selected"
	ActionCustomInput          = "custom_input"
	ActionCancelled            = "cancelled"
	ActionCancelWithAnnotation = "cancel_with_annotation"
	ActionTimeout              = "timeout"
	ActionTimeoutAutoSubmitted = "timeout_auto_submitted"
	ActionTimeoutCancelled     = "timeout_cancelled"
	ActionPendingLaunch        = "pending_terminal_launch"
	ActionInterrupted          = "interrupted"
)

// ValidActions is the closed set of action statuses a result may carry.
var ValidActions = map[string]bool{
	ActionSelected:             true,
	ActionCustomInput:          true,
	ActionCancelled:            true,
	ActionCancelWithAnnotation: true,
	ActionTimeout:              true,
	ActionTimeoutAutoSubmitted: true,
	ActionTimeoutCancelled:     true,
	ActionPendingLaunch:        true,
	ActionInterrupted:          true,
}

// Selection modes.
const (
	ModeSingle = "single"
	ModeMulti  = "multi"
)

// Timeout actions configured on a request or in preferences.
const (
	TimeoutActionSubmit = "submit"
	TimeoutActionCancel = "cancel"
)

// DefaultTimeoutSeconds applies when neither the request nor the saved
// preferences specify a timeout.
const DefaultTimeoutSeconds = 300

// Option is one selectable entry. The id doubles as the visible label.
type Option struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Recommended bool   `json:"recommended,omitempty"`
}

// Request is a validated choice request. Immutable once a session is
// created; the registry and monitors only ever read it.
type Request struct {
	Title            string   `json:"title"`
	Prompt           string   `json:"prompt"`
	SelectionMode    string   `json:"selection_mode"`
	Options          []Option `json:"options"`
	TimeoutSeconds   int      `json:"timeout_seconds"`
	SingleSubmit     bool     `json:"single_submit_mode"`
	UseDefaultOption bool     `json:"use_default_option"`
	TimeoutAction    string   `json:"timeout_action"`
	// DefaultIndex points at the option auto-submitted on timeout when
	// UseDefaultOption is set. Nil means no configured default.
	DefaultIndex *int `json:"default_index,omitempty"`
}

// DefaultOption returns the configured timeout default, if any. Falls
// back to the first recommended option when no index is configured.
func (r *Request) DefaultOption() (Option, bool) {
	if r.DefaultIndex != nil {
		if *r.DefaultIndex >= 0 && *r.DefaultIndex < len(r.Options) {
			return r.Options[*r.DefaultIndex], true
		}
		return Option{}, false
	}
	for _, o := range r.Options {
		if o.Recommended {
			return o, true
		}
	}
	return Option{}, false
}

// HasOption reports whether id names one of the request's options.
func (r *Request) HasOption(id string) bool {
	for _, o := range r.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// Result is the outcome of a session, populated exactly once on the
// terminal transition.
type Result struct {
	ActionStatus      string            `json:"action_status"`
	SelectedIndices   []string          `json:"selected_indices"`
	OptionAnnotations map[string]string `json:"option_annotations,omitempty"`
	ExtraAnnotation   string            `json:"extra_annotation,omitempty"`
	Summary           string            `json:"summary,omitempty"`
}

// clone returns a deep copy so registry snapshots can be mutated by
// callers without leaking into the authoritative state.
func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	if len(r.SelectedIndices) > 0 {
		c.SelectedIndices = append([]string(nil), r.SelectedIndices...)
	}
	if len(r.OptionAnnotations) > 0 {
		c.OptionAnnotations = make(map[string]string, len(r.OptionAnnotations))
		for k, v := range r.OptionAnnotations {
			c.OptionAnnotations[k] = v
		}
	}
	return &c
}

// Session is the unit of work: one in-flight or completed decision.
type Session struct {
	ID             string    `json:"id"`
	Request        *Request  `json:"request"`
	Transport      Transport `json:"transport"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	Deadline       time.Time `json:"deadline"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	URL            string    `json:"url,omitempty"`
	Result         *Result   `json:"result,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitzero"`
	// AgentPID is the requesting agent's process id when provided; used
	// to mark sessions interrupted if the agent dies mid-interaction.
	AgentPID int `json:"agent_pid,omitempty"`
}

// Clone returns a deep copy of the session. Request is shared because it
// is immutable after validation.
func (s *Session) Clone() *Session {
	c := *s
	c.Result = s.Result.clone()
	return &c
}

// Remaining returns the seconds left before the deadline at the given
// instant, clamped at zero.
func (s *Session) Remaining(now time.Time) float64 {
	if s.Status.Terminal() {
		return 0
	}
	rem := s.Deadline.Sub(now).Seconds()
	if rem < 0 {
		return 0
	}
	return rem
}

// Entry is the interaction-list projection of a session: a read-mostly
// view recomputed from the registry, never independently authoritative.
type Entry struct {
	SessionID        string    `json:"session_id"`
	Title            string    `json:"title"`
	Transport        Transport `json:"transport"`
	Status           Status    `json:"status"`
	StartedAt        string    `json:"started_at"`
	URL              string    `json:"url,omitempty"`
	RemainingSeconds *float64  `json:"remaining_seconds,omitempty"`
	TimeoutSeconds   *int      `json:"timeout_seconds,omitempty"`
}

// EntryTimeLayout formats started-at timestamps for list entries.
const EntryTimeLayout = "2006-01-02 15:04:05"

// ToEntry projects the session into an interaction-list entry at the
// given instant.
func (s *Session) ToEntry(now time.Time) Entry {
	e := Entry{
		SessionID: s.ID,
		Title:     s.Request.Title,
		Transport: s.Transport,
		Status:    s.Status,
		StartedAt: s.CreatedAt.Format(EntryTimeLayout),
		URL:       s.URL,
	}
	if s.Status == StatusPending {
		rem := s.Remaining(now)
		timeout := s.TimeoutSeconds
		e.RemainingSeconds = &rem
		e.TimeoutSeconds = &timeout
	}
	return e
}
