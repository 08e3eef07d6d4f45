package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sighthesia/interactive-choice-mcp/internal/config"
	"github.com/Sighthesia/interactive-choice-mcp/internal/history"
	"github.com/Sighthesia/interactive-choice-mcp/internal/session"
	"github.com/Sighthesia/interactive-choice-mcp/internal/validate"
)

type recordingNotifier struct {
	mu        sync.Mutex
	finalized []string
	listCalls int
}

func (n *recordingNotifier) SessionFinalized(s *session.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finalized = append(n.finalized, s.ID)
}

func (n *recordingNotifier) ListChanged() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listCalls++
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *recordingNotifier) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Session.PollWait = 50 * time.Millisecond
	prefs, err := config.NewPrefsStore(filepath.Join(dir, "prefs.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	reg := session.NewRegistry()
	t.Cleanup(reg.Close)
	o := New(reg, history.NewStore(dir, 0), prefs, cfg, "http://127.0.0.1:8787")
	n := &recordingNotifier{}
	o.SetNotifier(n)
	return o, n
}

func choiceInput() *validate.Input {
	return &validate.Input{
		Title:         "Restart the worker?",
		Prompt:        "The queue is stuck. Restart the worker process?",
		SelectionMode: "single",
		Options: []session.Option{
			{ID: "restart", Description: "Restart now", Recommended: true},
			{ID: "wait", Description: "Keep waiting"},
		},
	}
}

func TestHandleChoiceWebPendingAfterPollWindow(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	env, err := o.HandleChoice(context.Background(), choiceInput())
	if err != nil {
		t.Fatalf("HandleChoice: %v", err)
	}
	if env.ActionStatus != "pending" {
		t.Errorf("action = %q, want pending", env.ActionStatus)
	}
	if env.SessionID == "" || env.URL == "" {
		t.Errorf("pending envelope missing session id or url: %+v", env)
	}
}

func TestHandleChoiceReturnsOutcomeWhenSubmittedInWindow(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Submit against the only live session once it appears.
		for i := 0; i < 100; i++ {
			for _, s := range o.Registry().Snapshot() {
				o.Submit(s.ID, &Submission{
					Action:          session.ActionSelected,
					SelectedIndices: []string{"restart"},
				})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	env, err := o.HandleChoice(context.Background(), choiceInput())
	if err != nil {
		t.Fatalf("HandleChoice: %v", err)
	}
	<-done
	if env.ActionStatus != session.ActionSelected {
		t.Errorf("action = %q, want selected", env.ActionStatus)
	}
	if len(env.SelectedIndices) != 1 || env.SelectedIndices[0] != "restart" {
		t.Errorf("selected = %v", env.SelectedIndices)
	}
}

func TestHandleChoiceInvalidPayload(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	in := choiceInput()
	in.Options = nil
	if _, err := o.HandleChoice(context.Background(), in); err == nil {
		t.Error("HandleChoice accepted a payload with no options")
	}
}

func TestHandleChoiceTerminalHandoff(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	in := choiceInput()
	in.Transport = "terminal"
	env, err := o.HandleChoice(context.Background(), in)
	if err != nil {
		t.Fatalf("HandleChoice: %v", err)
	}
	if env.ActionStatus != session.ActionPendingLaunch {
		t.Errorf("action = %q, want %q", env.ActionStatus, session.ActionPendingLaunch)
	}
	if env.LaunchCommand == "" || env.SessionID == "" {
		t.Errorf("hand-off envelope incomplete: %+v", env)
	}

	// The hand-off must return without waiting for the poll window.
	sess, ok := o.Registry().Get(env.SessionID)
	if !ok || sess.Status != session.StatusPending {
		t.Errorf("hand-off session not pending: %+v", sess)
	}
}

func TestHandleChoiceWithSessionIDPolls(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	in := choiceInput()
	in.Transport = "terminal"
	env, _ := o.HandleChoice(context.Background(), in)

	o.Submit(env.SessionID, &Submission{
		Action:          session.ActionSelected,
		SelectedIndices: []string{"wait"},
	})

	poll := &validate.Input{SessionID: env.SessionID}
	got, err := o.HandleChoice(context.Background(), poll)
	if err != nil {
		t.Fatalf("HandleChoice poll: %v", err)
	}
	if got.ActionStatus != session.ActionSelected {
		t.Errorf("poll action = %q, want selected", got.ActionStatus)
	}
}

func TestPollUnknownLooksCancelled(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	env := o.Poll(context.Background(), "never-existed")
	if env.ActionStatus != session.ActionCancelled {
		t.Errorf("action = %q, want cancelled", env.ActionStatus)
	}
}

func TestPollEvictedSessionServedFromHistory(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	in := choiceInput()
	in.Transport = "terminal"
	env, _ := o.HandleChoice(context.Background(), in)
	o.Submit(env.SessionID, &Submission{
		Action:          session.ActionSelected,
		SelectedIndices: []string{"restart"},
	})

	// Simulate eviction of the completed session from memory.
	o.Registry().Remove(env.SessionID)

	got := o.Poll(context.Background(), env.SessionID)
	if got.ActionStatus != session.ActionSelected {
		t.Errorf("history-backed poll action = %q, want selected", got.ActionStatus)
	}
	if len(got.SelectedIndices) != 1 || got.SelectedIndices[0] != "restart" {
		t.Errorf("history-backed poll selected = %v", got.SelectedIndices)
	}
}

func TestSubmitRaceReportsAlreadySet(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	in := choiceInput()
	in.Transport = "terminal"
	env, _ := o.HandleChoice(context.Background(), in)

	_, won, err := o.Submit(env.SessionID, &Submission{
		Action:          session.ActionSelected,
		SelectedIndices: []string{"restart"},
	})
	if err != nil || !won {
		t.Fatalf("first submit: won=%v err=%v", won, err)
	}

	got, won, err := o.Submit(env.SessionID, &Submission{Action: session.ActionCancelled})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if won {
		t.Error("second submit reported a win")
	}
	if got.ActionStatus != session.ActionSelected {
		t.Errorf("losing submit envelope = %q, want the latched selected", got.ActionStatus)
	}
}

func TestSubmitValidatesSelection(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	in := choiceInput()
	in.Transport = "terminal"
	env, _ := o.HandleChoice(context.Background(), in)

	if _, _, err := o.Submit(env.SessionID, &Submission{
		Action:          session.ActionSelected,
		SelectedIndices: []string{"nuke-it"},
	}); err == nil {
		t.Error("Submit accepted an unknown option id")
	}

	// The failed submit must not have finalized the session.
	sess, _ := o.Registry().Get(env.SessionID)
	if sess.Status != session.StatusPending {
		t.Errorf("session finalized by invalid submit: %v", sess.Status)
	}
}

func TestSubmitCancelWithAnnotation(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	in := choiceInput()
	in.Transport = "terminal"
	env, _ := o.HandleChoice(context.Background(), in)

	got, won, err := o.Submit(env.SessionID, &Submission{
		Action:          session.ActionCancelled,
		ExtraAnnotation: "none of these apply",
	})
	if err != nil || !won {
		t.Fatalf("submit: won=%v err=%v", won, err)
	}
	if got.ActionStatus != session.ActionCancelWithAnnotation {
		t.Errorf("action = %q, want %q", got.ActionStatus, session.ActionCancelWithAnnotation)
	}
}

func TestSwitchToWebKeepsSessionID(t *testing.T) {
	o, n := newTestOrchestrator(t)

	in := choiceInput()
	in.Transport = "terminal"
	env, _ := o.HandleChoice(context.Background(), in)

	switched, ok := o.SwitchToWeb(env.SessionID, 120)
	if !ok {
		t.Fatal("SwitchToWeb failed for pending session")
	}
	if switched.SessionID != env.SessionID {
		t.Error("switch changed the session id")
	}
	if switched.URL == "" {
		t.Error("switch envelope has no url")
	}

	sess, _ := o.Registry().Get(env.SessionID)
	if sess.Transport != session.TransportTerminalWeb {
		t.Errorf("transport = %v, want terminal_web", sess.Transport)
	}
	if sess.TimeoutSeconds != 120 {
		t.Errorf("timeout = %d, want re-armed 120", sess.TimeoutSeconds)
	}

	n.mu.Lock()
	calls := n.listCalls
	n.mu.Unlock()
	if calls == 0 {
		t.Error("switch did not refresh the interaction list")
	}
}

func TestSwitchToWebUnknownSession(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if _, ok := o.SwitchToWeb("ghost", 120); ok {
		t.Error("SwitchToWeb succeeded for unknown session")
	}
}

func TestTerminalHookPersistsAndNotifies(t *testing.T) {
	o, n := newTestOrchestrator(t)

	in := choiceInput()
	in.Transport = "terminal"
	env, _ := o.HandleChoice(context.Background(), in)
	o.Submit(env.SessionID, &Submission{
		Action:          session.ActionSelected,
		SelectedIndices: []string{"restart"},
	})

	n.mu.Lock()
	finalized := append([]string(nil), n.finalized...)
	n.mu.Unlock()
	if len(finalized) != 1 || finalized[0] != env.SessionID {
		t.Errorf("finalized notifications = %v", finalized)
	}

	entries := o.List(FilterAll)
	found := false
	for _, e := range entries {
		if e.SessionID == env.SessionID && e.Status == session.StatusSubmitted {
			found = true
		}
	}
	if !found {
		t.Errorf("completed session missing from list: %+v", entries)
	}
}

func TestListCapsCompletedEntries(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	var pendingID string
	for i := 0; i < 8; i++ {
		in := choiceInput()
		in.Transport = "terminal"
		env, err := o.HandleChoice(context.Background(), in)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			pendingID = env.SessionID
			continue
		}
		o.Submit(env.SessionID, &Submission{
			Action:          session.ActionSelected,
			SelectedIndices: []string{"restart"},
		})
	}

	entries := o.List(FilterAll)
	var pending, completed int
	for _, e := range entries {
		if e.Status == session.StatusPending {
			pending++
		} else {
			completed++
		}
	}
	if pending != 1 {
		t.Errorf("pending entries = %d, want 1", pending)
	}
	if completed != 5 {
		t.Errorf("completed entries = %d, want capped at 5", completed)
	}
	if entries[0].SessionID != pendingID {
		t.Errorf("pending entry not listed first: %+v", entries[0])
	}
}

func TestListFilter(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	in := choiceInput()
	in.Transport = "terminal"
	pendingEnv, _ := o.HandleChoice(context.Background(), in)

	in = choiceInput()
	in.Transport = "terminal"
	doneEnv, _ := o.HandleChoice(context.Background(), in)
	o.Submit(doneEnv.SessionID, &Submission{
		Action:          session.ActionSelected,
		SelectedIndices: []string{"restart"},
	})

	active := o.List(FilterActive)
	if len(active) != 1 || active[0].SessionID != pendingEnv.SessionID {
		t.Errorf("active list = %+v, want only the pending session", active)
	}
	for _, e := range active {
		if e.Status.Terminal() {
			t.Errorf("active list contains terminal entry %+v", e)
		}
	}

	completed := o.List(FilterCompleted)
	if len(completed) != 1 || completed[0].SessionID != doneEnv.SessionID {
		t.Errorf("completed list = %+v, want only the submitted session", completed)
	}

	if got := len(o.List(FilterAll)); got != 2 {
		t.Errorf("all list has %d entries, want 2", got)
	}
}

func TestParseListFilter(t *testing.T) {
	tests := []struct {
		in     string
		want   ListFilter
		wantOK bool
	}{
		{"", FilterAll, true},
		{"all", FilterAll, true},
		{"active", FilterActive, true},
		{"completed", FilterCompleted, true},
		{"bogus", FilterAll, false},
	}
	for _, tt := range tests {
		got, ok := ParseListFilter(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParseListFilter(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestListOneEntryPerID(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	in := choiceInput()
	in.Transport = "terminal"
	env, _ := o.HandleChoice(context.Background(), in)
	o.Submit(env.SessionID, &Submission{
		Action:          session.ActionSelected,
		SelectedIndices: []string{"restart"},
	})

	// The session is now both in the registry and in history.
	counts := map[string]int{}
	for _, e := range o.List(FilterAll) {
		counts[e.SessionID]++
	}
	if counts[env.SessionID] != 1 {
		t.Errorf("session appears %d times in list", counts[env.SessionID])
	}
}

func TestUpdatePreferencesReArmsNamedSession(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	in := choiceInput()
	in.Transport = "terminal"
	env, _ := o.HandleChoice(context.Background(), in)

	p := o.Preferences()
	p.TimeoutSeconds = 900
	if err := o.UpdatePreferences(p, env.SessionID); err != nil {
		t.Fatalf("UpdatePreferences: %v", err)
	}

	sess, _ := o.Registry().Get(env.SessionID)
	if sess.TimeoutSeconds != 900 {
		t.Errorf("session timeout = %d, want re-armed 900", sess.TimeoutSeconds)
	}
	if o.Preferences().TimeoutSeconds != 900 {
		t.Error("preferences not persisted")
	}
}

func TestDeadAgentMarksSessionInterrupted(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	orig := pidAlive
	pidAlive = func(context.Context, int) (bool, error) { return false, nil }
	defer func() { pidAlive = orig }()

	in := choiceInput()
	in.Transport = "terminal"
	in.AgentPID = 424242
	env, _ := o.HandleChoice(context.Background(), in)

	o.sweepDeadAgents(context.Background())

	sess, _ := o.Registry().Get(env.SessionID)
	if sess.Status != session.StatusInterrupted {
		t.Errorf("status = %v, want interrupted", sess.Status)
	}
	if sess.Result == nil || sess.Result.ActionStatus != session.ActionInterrupted {
		t.Errorf("result = %+v", sess.Result)
	}
}

func TestLiveAgentLeavesSessionAlone(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	orig := pidAlive
	pidAlive = func(context.Context, int) (bool, error) { return true, nil }
	defer func() { pidAlive = orig }()

	in := choiceInput()
	in.Transport = "terminal"
	in.AgentPID = 424242
	env, _ := o.HandleChoice(context.Background(), in)

	o.sweepDeadAgents(context.Background())

	sess, _ := o.Registry().Get(env.SessionID)
	if sess.Status != session.StatusPending {
		t.Errorf("status = %v, want pending", sess.Status)
	}
}
