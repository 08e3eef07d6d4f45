// Package orchestrator ties the session registry, preference store, and
// history together behind the operations the transports call.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/Sighthesia/interactive-choice-mcp/internal/config"
	"github.com/Sighthesia/interactive-choice-mcp/internal/history"
	"github.com/Sighthesia/interactive-choice-mcp/internal/response"
	"github.com/Sighthesia/interactive-choice-mcp/internal/session"
	"github.com/Sighthesia/interactive-choice-mcp/internal/validate"
)

// Notifier receives push-side effects of session changes. The websocket
// layer implements it; a no-op implementation is fine for tests.
type Notifier interface {
	// SessionFinalized fires after a session reaches a terminal status.
	SessionFinalized(s *session.Session)
	// ListChanged fires whenever the interaction list may have changed.
	ListChanged()
}

type noopNotifier struct{}

func (noopNotifier) SessionFinalized(*session.Session) {}
func (noopNotifier) ListChanged()                      {}

// Orchestrator owns the request lifecycle from raw payload to envelope.
type Orchestrator struct {
	registry *session.Registry
	store    *history.Store
	prefs    *config.PrefsStore
	cfg      *config.Config
	notifier Notifier
	baseURL  string
}

func New(reg *session.Registry, store *history.Store, prefs *config.PrefsStore, cfg *config.Config, baseURL string) *Orchestrator {
	o := &Orchestrator{
		registry: reg,
		store:    store,
		prefs:    prefs,
		cfg:      cfg,
		notifier: noopNotifier{},
		baseURL:  baseURL,
	}
	reg.TimeoutOutcome = func(s *session.Session) *session.Result {
		return response.TimeoutOutcome(s.Request)
	}
	reg.OnTerminal = o.onTerminal
	return o
}

// SetNotifier wires the push layer in. Must be called before traffic.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

func (o *Orchestrator) Registry() *session.Registry { return o.registry }

func (o *Orchestrator) sessionURL(id string) string {
	return fmt.Sprintf("%s/session/%s", o.baseURL, id)
}

// HandleChoice is the main entry point: validate the payload, create a
// session on the resolved transport, and either wait for the outcome
// (web) or hand off to a terminal launch. A payload carrying a session id
// re-enters the poll path instead of creating anything.
func (o *Orchestrator) HandleChoice(ctx context.Context, in *validate.Input) (*response.Envelope, error) {
	if in.SessionID != "" {
		return o.Poll(ctx, in.SessionID), nil
	}

	req, err := validate.ParseRequest(in)
	if err != nil {
		return nil, err
	}
	prefs := o.prefs.Get()
	req = validate.Apply(in, req, prefs)
	transport := validate.ResolveTransport(in, prefs)

	sess, err := o.registry.Create(req, transport, req.TimeoutSeconds)
	if err != nil {
		return nil, err
	}
	o.registry.SetURL(sess.ID, o.sessionURL(sess.ID))
	if in.AgentPID > 0 {
		o.registry.SetAgentPID(sess.ID, in.AgentPID)
	}
	sess, _ = o.registry.Get(sess.ID)
	log.Printf("session %s created: title=%q transport=%s timeout=%ds",
		sess.ID[:8], req.Title, transport, req.TimeoutSeconds)
	o.notifier.ListChanged()

	if transport == session.TransportTerminal {
		cmd := fmt.Sprintf("choice-term -session %s -url %s", sess.ID, o.baseURL)
		return response.PendingLaunch(sess, cmd), nil
	}
	return o.Poll(ctx, sess.ID), nil
}

// Poll blocks up to the configured poll window for the session's outcome.
// A still-pending session yields a pending envelope; an id the registry
// no longer knows falls back to history and then to a cancelled-shaped
// reply so agents never special-case expiry.
func (o *Orchestrator) Poll(ctx context.Context, id string) *response.Envelope {
	sess, ok := o.registry.Await(ctx, id, o.cfg.Session.PollWait)
	if !ok {
		if o.store != nil {
			if rec, found := o.store.Get(id); found && rec.Result != nil {
				return &response.Envelope{
					ActionStatus:      rec.Result.ActionStatus,
					SelectedIndices:   rec.Result.SelectedIndices,
					OptionAnnotations: rec.Result.OptionAnnotations,
					ExtraAnnotation:   rec.Result.ExtraAnnotation,
					Summary:           rec.Result.Summary,
					SessionID:         rec.SessionID,
					URL:               rec.URL,
				}
			}
		}
		return response.Unknown(id)
	}
	if !sess.Status.Terminal() {
		return response.Pending(sess)
	}
	return response.FromResult(sess)
}

// Submission is a human's answer to a pending session.
type Submission struct {
	Action            string            `json:"action_status"`
	SelectedIndices   []string          `json:"selected_indices"`
	OptionAnnotations map[string]string `json:"option_annotations"`
	ExtraAnnotation   string            `json:"extra_annotation"`
}

// Submit finalizes a session with a human decision. The returned bool is
// false when another outcome won the race; the envelope then reflects
// the outcome that actually latched.
func (o *Orchestrator) Submit(id string, sub *Submission) (*response.Envelope, bool, error) {
	sess, ok := o.registry.Get(id)
	if !ok {
		return response.Unknown(id), false, nil
	}

	var result *session.Result
	switch sub.Action {
	case session.ActionCancelled, session.ActionCancelWithAnnotation, "":
		if sub.Action == "" && len(sub.SelectedIndices) > 0 {
			var err error
			result, err = response.Normalize(sess.Request, sub.SelectedIndices,
				sub.OptionAnnotations, sub.ExtraAnnotation, session.ActionSelected)
			if err != nil {
				return nil, false, err
			}
		} else {
			result = response.Cancelled(sub.OptionAnnotations, sub.ExtraAnnotation)
		}
	default:
		var err error
		result, err = response.Normalize(sess.Request, sub.SelectedIndices,
			sub.OptionAnnotations, sub.ExtraAnnotation, sub.Action)
		if err != nil {
			return nil, false, err
		}
	}

	final, won := o.registry.Transition(id, session.StatusFromAction(result.ActionStatus), result)
	if final == nil {
		return response.Unknown(id), false, nil
	}
	return response.FromResult(final), won, nil
}

// SwitchToWeb moves a pending terminal session onto the web page,
// keeping its id and re-arming its deadline. The envelope carries the
// page URL for the human to open.
func (o *Orchestrator) SwitchToWeb(id string, timeoutSeconds int) (*response.Envelope, bool) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = o.prefs.Get().TimeoutSeconds
	}
	sess, ok := o.registry.SwitchTransport(id, session.TransportTerminalWeb, timeoutSeconds)
	if !ok {
		return response.Unknown(id), false
	}
	o.notifier.ListChanged()
	log.Printf("session %s switched to web, timeout %ds", id[:8], timeoutSeconds)
	return &response.Envelope{
		ActionStatus: "pending",
		SessionID:    sess.ID,
		URL:          sess.URL,
		Instructions: "open the url to continue in the browser",
	}, true
}

// ExtendDeadline re-arms a pending session's countdown. Used when the
// human changes the timeout from the page or the terminal client.
func (o *Orchestrator) ExtendDeadline(id string, timeoutSeconds int) {
	o.registry.UpdateDeadline(id, timeoutSeconds)
	o.notifier.ListChanged()
}

// Preferences returns the current saved settings.
func (o *Orchestrator) Preferences() config.Preferences {
	return o.prefs.Get()
}

// UpdatePreferences persists new settings. When sessionID names a pending
// session and the timeout changed, that session's deadline is re-armed so
// the new value applies immediately, not just to future sessions.
func (o *Orchestrator) UpdatePreferences(p config.Preferences, sessionID string) error {
	old := o.prefs.Get()
	if err := o.prefs.Update(p); err != nil {
		return err
	}
	if sessionID != "" && p.TimeoutSeconds > 0 && p.TimeoutSeconds != old.TimeoutSeconds {
		o.registry.UpdateDeadline(sessionID, p.TimeoutSeconds)
	}
	o.notifier.ListChanged()
	return nil
}

// ListFilter narrows the interaction list.
type ListFilter string

const (
	FilterAll       ListFilter = "all"
	FilterActive    ListFilter = "active"
	FilterCompleted ListFilter = "completed"
)

// ParseListFilter maps a wire name onto a filter. Empty means all.
func ParseListFilter(name string) (ListFilter, bool) {
	switch name {
	case "":
		return FilterAll, true
	case string(FilterAll), string(FilterActive), string(FilterCompleted):
		return ListFilter(name), true
	}
	return FilterAll, false
}

// List builds the interaction list: every pending session plus at most
// the configured number of recently completed ones, merged across the
// registry and history, one entry per id, newest first. The filter keeps
// only one of the two groups; completed stays capped either way.
func (o *Orchestrator) List(filter ListFilter) []session.Entry {
	now := time.Now()
	limit := o.cfg.Session.RecentCompleted

	type completed struct {
		entry session.Entry
		at    time.Time
	}

	var pending []*session.Session
	var done []completed
	seen := map[string]bool{}

	for _, s := range o.registry.Snapshot() {
		if s.Status.Terminal() {
			done = append(done, completed{entry: s.ToEntry(now), at: s.CompletedAt})
		} else {
			pending = append(pending, s)
		}
		seen[s.ID] = true
	}
	if o.store != nil && filter != FilterActive {
		for _, e := range o.store.Recent(limit) {
			if seen[e.SessionID] {
				continue
			}
			at, _ := time.ParseInLocation(session.EntryTimeLayout, e.StartedAt, time.Local)
			done = append(done, completed{entry: e, at: at})
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.After(pending[j].CreatedAt)
	})
	sort.Slice(done, func(i, j int) bool {
		return done[i].at.After(done[j].at)
	})
	if limit > 0 && len(done) > limit {
		done = done[:limit]
	}

	entries := make([]session.Entry, 0, len(pending)+len(done))
	if filter != FilterCompleted {
		for _, s := range pending {
			entries = append(entries, s.ToEntry(now))
		}
	}
	if filter != FilterActive {
		for _, c := range done {
			entries = append(entries, c.entry)
		}
	}
	return entries
}

// RunMaintenance periodically evicts stale in-memory sessions and
// enforces the history retention policy. Blocks until ctx is done.
func (o *Orchestrator) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := o.registry.SweepTerminal(o.cfg.Session.EvictAfter); len(removed) > 0 {
				log.Printf("evicted %d completed sessions", len(removed))
				o.notifier.ListChanged()
			}
			if o.store != nil {
				if removed := o.store.Cleanup(o.cfg.History.RetentionDays); removed > 0 {
					log.Printf("history: removed %d expired sessions", removed)
				}
			}
		}
	}
}

// onTerminal runs once per finalized session: persist, then push.
func (o *Orchestrator) onTerminal(s *session.Session) {
	log.Printf("session %s finalized: %s", s.ID[:8], s.Status)
	if o.store != nil && o.cfg.History.Enabled {
		if err := o.store.Save(s); err != nil {
			log.Printf("history: save %s: %v", s.ID[:8], err)
		}
	}
	o.notifier.SessionFinalized(s)
	o.notifier.ListChanged()
}
