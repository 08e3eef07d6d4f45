package ws

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Sighthesia/interactive-choice-mcp/internal/config"
	"github.com/Sighthesia/interactive-choice-mcp/internal/history"
	"github.com/Sighthesia/interactive-choice-mcp/internal/orchestrator"
	"github.com/Sighthesia/interactive-choice-mcp/internal/session"
)

func newTestServer(t *testing.T, token string) (*httptest.Server, *orchestrator.Orchestrator) {
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

	orch := orchestrator.New(reg, history.NewStore(dir, 0), prefs, cfg, "http://127.0.0.1:8787")
	b := NewBroadcaster(reg, func() []session.Entry { return orch.List(orchestrator.FilterAll) }, cfg.Session.SyncInterval)
	t.Cleanup(b.Close)
	orch.SetNotifier(b)

	srv := NewServer(orch, b, "", false, nil, nil, token)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, orch
}

func postJSON(t *testing.T, url string, payload interface{}) map[string]interface{} {
	t.Helper()
	body, _ := json.Marshal(payload)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s: status %d", url, resp.StatusCode)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func choicePayload() map[string]interface{} {
	return map[string]interface{}{
		"title":          "Approve data migration?",
		"prompt":         "The migration rewrites 2M rows. Proceed?",
		"selection_mode": "single",
		"transport":      "terminal",
		"options": []map[string]interface{}{
			{"id": "proceed", "description": "Run it now", "recommended": true},
			{"id": "abort", "description": "Do not run"},
		},
	}
}

func TestChoiceSubmitPollFlow(t *testing.T) {
	ts, _ := newTestServer(t, "")

	// Terminal hand-off returns immediately with the launch info.
	env := postJSON(t, ts.URL+"/api/choice", choicePayload())
	if env["action_status"] != "pending_terminal_launch" {
		t.Fatalf("action = %v", env["action_status"])
	}
	id := env["session_id"].(string)
	if id == "" || env["launch_command"] == "" {
		t.Fatalf("hand-off envelope incomplete: %v", env)
	}

	// The session page state is served over GET.
	resp, err := http.Get(ts.URL + "/api/session/" + id)
	if err != nil {
		t.Fatal(err)
	}
	var view map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&view)
	resp.Body.Close()
	if view["title"] != "Approve data migration?" || view["status"] != "pending" {
		t.Errorf("session view = %v", view)
	}

	// Submit the decision.
	out := postJSON(t, ts.URL+"/api/session/"+id+"/submit", map[string]interface{}{
		"action_status":    "selected",
		"selected_indices": []string{"proceed"},
	})
	if out["status"] != "ok" {
		t.Fatalf("submit status = %v", out["status"])
	}

	// A second submit loses the race and reports already_set.
	out = postJSON(t, ts.URL+"/api/session/"+id+"/submit", map[string]interface{}{
		"action_status": "cancelled",
	})
	if out["status"] != "already_set" {
		t.Errorf("second submit status = %v", out["status"])
	}

	// Poll returns the latched outcome.
	poll := postJSON(t, ts.URL+"/api/poll", map[string]string{"session_id": id})
	if poll["action_status"] != "selected" {
		t.Errorf("poll action = %v", poll["action_status"])
	}
}

func TestPollUnknownSessionLooksCancelled(t *testing.T) {
	ts, _ := newTestServer(t, "")

	poll := postJSON(t, ts.URL+"/api/poll", map[string]string{"session_id": "ghost"})
	if poll["action_status"] != "cancelled" {
		t.Errorf("poll action = %v, want cancelled", poll["action_status"])
	}
}

func TestSwitchEndpointMovesSessionToWeb(t *testing.T) {
	ts, orch := newTestServer(t, "")

	env := postJSON(t, ts.URL+"/api/choice", choicePayload())
	id := env["session_id"].(string)

	out := postJSON(t, ts.URL+"/api/session/"+id+"/switch", map[string]int{"timeout_seconds": 90})
	if out["session_id"] != id {
		t.Errorf("switch changed id: %v", out)
	}
	if out["url"] == "" {
		t.Error("switch reply has no url")
	}

	sess, _ := orch.Registry().Get(id)
	if sess.Transport != session.TransportTerminalWeb {
		t.Errorf("transport = %v", sess.Transport)
	}
}

func TestInteractionsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "")

	postJSON(t, ts.URL+"/api/choice", choicePayload())

	resp, err := http.Get(ts.URL + "/api/interactions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var entries []session.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != session.StatusPending {
		t.Errorf("interactions = %+v", entries)
	}
	if entries[0].RemainingSeconds == nil {
		t.Error("pending entry missing countdown")
	}

	// The pending session is invisible through the completed filter.
	resp2, err := http.Get(ts.URL + "/api/interactions?filter=completed")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	entries = nil
	if err := json.NewDecoder(resp2.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("completed filter returned %+v", entries)
	}

	resp3, err := http.Get(ts.URL + "/api/interactions?filter=bogus")
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus filter status = %d, want 400", resp3.StatusCode)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, "")

	out := postJSON(t, ts.URL+"/api/config", map[string]interface{}{
		"transport":          "terminal",
		"timeout_seconds":    120,
		"single_submit_mode": false,
		"timeout_action":     "cancel",
	})
	if out["transport"] != "terminal" || out["timeout_seconds"] != float64(120) {
		t.Errorf("config after update = %v", out)
	}

	resp, _ := http.Get(ts.URL + "/api/config")
	var got map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if got["timeout_action"] != "cancel" {
		t.Errorf("persisted config = %v", got)
	}
}

func TestAuthTokenRequired(t *testing.T) {
	ts, _ := newTestServer(t, "sekrit")

	resp, err := http.Get(ts.URL + "/api/interactions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no-token status = %d, want 401", resp.StatusCode)
	}

	for _, try := range []func(*http.Request){
		func(r *http.Request) { r.URL.RawQuery = "token=sekrit" },
		func(r *http.Request) { r.Header.Set("X-Choice-Token", "sekrit") },
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer sekrit") },
	} {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/interactions", nil)
		try(req)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("authorized request got %d", resp.StatusCode)
		}
	}
}

func TestSessionWebSocketCountdown(t *testing.T) {
	ts, _ := newTestServer(t, "")

	env := postJSON(t, ts.URL+"/api/choice", choicePayload())
	id := env["session_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/session/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := readMessage(t, conn)
	if msg["type"] != "sync" {
		t.Fatalf("first message = %v, want sync", msg)
	}
	if msg["remaining_seconds"].(float64) <= 0 {
		t.Errorf("remaining = %v", msg["remaining_seconds"])
	}
}

func TestWebSocketPingPong(t *testing.T) {
	ts, _ := newTestServer(t, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/interactions"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readMessage(t, conn) // initial list

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "pong" {
		t.Errorf("reply = %v, want pong", msg)
	}
}

func TestCheckOrigin(t *testing.T) {
	srv := NewServer(nil, nil, "", false, nil, []string{"http://app.example.com"}, "")

	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "x", true},
		{"http://app.example.com", "x", true},
		{"http://evil.example.com", "x", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws/interactions", nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := srv.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(origin=%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}

	// Without an allowlist, localhost and same-host are accepted.
	open := NewServer(nil, nil, "", false, nil, nil, "")
	r := httptest.NewRequest(http.MethodGet, "/ws/interactions", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	if !open.checkOrigin(r) {
		t.Error("localhost origin rejected without allowlist")
	}
	r.Header.Set("Origin", "http://somewhere.else")
	if open.checkOrigin(r) {
		t.Error("foreign origin accepted without allowlist")
	}
}
