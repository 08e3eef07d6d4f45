package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTimeout is returned by Create when the timeout is not positive.
var ErrInvalidTimeout = errors.New("timeout_seconds must be positive")

// TimeoutOutcomeFunc computes the result applied when a session's deadline
// fires. The registry treats it as opaque policy; the returned result's
// action status decides between the timeout and auto_submitted statuses.
type TimeoutOutcomeFunc func(*Session) *Result

// Registry is the authoritative in-memory store of live sessions. All
// mutating operations are atomic per session; a terminal transition is a
// first-writer-wins latch. One deadline monitor goroutine is armed per
// pending session and re-armed (cancel old, schedule new) on deadline
// updates.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	monitors map[string]chan struct{}
	done     map[string]chan struct{}

	now func() time.Time

	// TimeoutOutcome is the injected timeout policy. Nil falls back to a
	// timeout_cancelled result with no selection.
	TimeoutOutcome TimeoutOutcomeFunc

	// OnTerminal is invoked exactly once per session, outside the registry
	// lock, with a snapshot of the finalized session.
	OnTerminal func(*Session)
}

// NewRegistry creates an empty registry using the wall clock.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		monitors: make(map[string]chan struct{}),
		done:     make(map[string]chan struct{}),
		now:      time.Now,
	}
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("session id generation: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// Create allocates a new pending session with deadline now+timeoutSeconds
// and arms its deadline monitor.
func (r *Registry) Create(req *Request, transport Transport, timeoutSeconds int) (*Session, error) {
	if timeoutSeconds <= 0 {
		return nil, ErrInvalidTimeout
	}
	return r.create(req, transport, time.Duration(timeoutSeconds)*time.Second, timeoutSeconds), nil
}

func (r *Registry) create(req *Request, transport Transport, d time.Duration, timeoutSeconds int) *Session {
	r.mu.Lock()
	now := r.now()
	s := &Session{
		ID:             newID(),
		Request:        req,
		Transport:      transport,
		Status:         StatusPending,
		CreatedAt:      now,
		Deadline:       now.Add(d),
		TimeoutSeconds: timeoutSeconds,
	}
	r.sessions[s.ID] = s
	r.done[s.ID] = make(chan struct{})
	r.armLocked(s.ID, s.Deadline)
	snap := s.Clone()
	r.mu.Unlock()
	return snap
}

// Get returns a snapshot of the session, if present.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Snapshot returns copies of all live sessions.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	return out
}

// PendingCount returns the number of non-terminal sessions.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if !s.Status.Terminal() {
			n++
		}
	}
	return n
}

// Transition atomically finalizes a pending session. The first caller
// wins: status and result are latched, the deadline is frozen, waiters are
// released and the monitor is stopped. Racing callers get the existing
// terminal snapshot and false; racing termination is expected, not an
// error. An unknown id returns (nil, false). A non-terminal status is a
// caller bug and panics.
func (r *Registry) Transition(id string, status Status, result *Result) (*Session, bool) {
	if !status.Terminal() {
		panic(fmt.Sprintf("transition to non-terminal status %q", status))
	}
	return r.transition(id, status, result, nil)
}

// transition is the single finalization path. guard, when non-nil, is
// evaluated under the lock after the pending check and may veto the
// transition (used by the deadline monitor to detect stale timer fires).
func (r *Registry) transition(id string, status Status, result *Result, guard func() bool) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	if s.Status.Terminal() {
		snap := s.Clone()
		r.mu.Unlock()
		return snap, false
	}
	if guard != nil && !guard() {
		r.mu.Unlock()
		return nil, false
	}
	s.Status = status
	s.Result = result.clone()
	if s.Result == nil {
		s.Result = &Result{ActionStatus: ActionCancelled}
	}
	s.CompletedAt = r.now()
	r.stopMonitorLocked(id)
	done := r.done[id]
	hook := r.OnTerminal
	snap := s.Clone()
	r.mu.Unlock()

	close(done)
	if hook != nil {
		hook(snap)
	}
	return snap, true
}

// UpdateDeadline replaces the deadline of a pending session and re-arms
// its monitor. Terminal or unknown sessions are a silent no-op: the last
// adjustment before termination wins.
func (r *Registry) UpdateDeadline(id string, timeoutSeconds int) {
	if timeoutSeconds <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status.Terminal() {
		return
	}
	s.Deadline = r.now().Add(time.Duration(timeoutSeconds) * time.Second)
	s.TimeoutSeconds = timeoutSeconds
	r.armLocked(id, s.Deadline)
}

// SwitchTransport rewrites transport and deadline in place while pending,
// preserving the session id and request. Returns false when the session is
// unknown or already terminal.
func (r *Registry) SwitchTransport(id string, transport Transport, timeoutSeconds int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status.Terminal() {
		return nil, false
	}
	s.Transport = transport
	if timeoutSeconds > 0 {
		s.Deadline = r.now().Add(time.Duration(timeoutSeconds) * time.Second)
		s.TimeoutSeconds = timeoutSeconds
		r.armLocked(id, s.Deadline)
	}
	return s.Clone(), true
}

// SetURL records the session's user-facing URL.
func (r *Registry) SetURL(id, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.URL = url
	}
}

// SetAgentPID records the requesting agent's pid for liveness tracking.
func (r *Registry) SetAgentPID(id string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.AgentPID = pid
	}
}

// Await blocks until the session reaches a terminal status, maxWait
// elapses or ctx is cancelled, whichever comes first, then returns the
// current snapshot. All concurrent waiters are released together when the
// session terminates. Returns (nil, false) for an unknown id.
func (r *Registry) Await(ctx context.Context, id string, maxWait time.Duration) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	if s.Status.Terminal() {
		snap := s.Clone()
		r.mu.RUnlock()
		return snap, true
	}
	done := r.done[id]
	r.mu.RUnlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
	return r.Get(id)
}

// Remove evicts a session. Any armed monitor is stopped first; pending
// waiters are released so nothing blocks on an id that no longer exists.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	r.stopMonitorLocked(id)
	if !s.Status.Terminal() {
		close(r.done[id])
	}
	delete(r.sessions, id)
	delete(r.done, id)
}

// SweepTerminal removes sessions that have been terminal for longer than
// age and returns their ids. Eviction only affects the in-memory view;
// completed sessions were already externalized via OnTerminal.
func (r *Registry) SweepTerminal(age time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-age)
	var removed []string
	for id, s := range r.sessions {
		if s.Status.Terminal() && !s.CompletedAt.IsZero() && s.CompletedAt.Before(cutoff) {
			r.stopMonitorLocked(id)
			delete(r.sessions, id)
			delete(r.done, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Close stops all monitors. Pending sessions stay pending; this is only
// for process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.monitors {
		close(r.monitors[id])
		delete(r.monitors, id)
	}
}

// armLocked starts the deadline monitor for id, cancelling any previous
// one. Re-arming is always cancel-old-schedule-new, never mutating a live
// timer. Caller must hold r.mu.
func (r *Registry) armLocked(id string, deadline time.Time) {
	if stop, ok := r.monitors[id]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	r.monitors[id] = stop
	wait := deadline.Sub(r.now())
	go func() {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
			r.fire(id, stop)
		case <-stop:
		}
	}()
}

// stopMonitorLocked cancels the armed monitor for id, if any. Caller must
// hold r.mu.
func (r *Registry) stopMonitorLocked(id string) {
	if stop, ok := r.monitors[id]; ok {
		close(stop)
		delete(r.monitors, id)
	}
}

// fire attempts the timeout transition. The stop channel identifies the
// arming generation: if the session was re-armed or finalized between the
// timer firing and this call, the attempt is a silent no-op.
func (r *Registry) fire(id string, stop chan struct{}) {
	snap, ok := r.Get(id)
	if !ok || snap.Status.Terminal() {
		return
	}
	var result *Result
	if r.TimeoutOutcome != nil {
		result = r.TimeoutOutcome(snap)
	}
	if result == nil {
		result = &Result{ActionStatus: ActionTimeoutCancelled}
	}
	status := StatusFromAction(result.ActionStatus)
	if !status.Terminal() {
		status = StatusTimeout
	}
	r.transition(id, status, result, func() bool { return r.monitors[id] == stop })
}
