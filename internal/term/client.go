package term

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 15 * time.Second
	writeTimeout       = 10 * time.Second
	readTimeout        = 90 * time.Second
	pingInterval       = 30 * time.Second
)

// OptionView is one selectable option as the server renders it.
type OptionView struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Recommended bool   `json:"recommended,omitempty"`
}

// ResultView is the latched outcome of a completed session.
type ResultView struct {
	ActionStatus      string            `json:"action_status"`
	SelectedIndices   []string          `json:"selected_indices"`
	OptionAnnotations map[string]string `json:"option_annotations,omitempty"`
	ExtraAnnotation   string            `json:"extra_annotation,omitempty"`
	Summary           string            `json:"summary,omitempty"`
}

// SessionView mirrors the server's session payload.
type SessionView struct {
	ID               string       `json:"id"`
	Title            string       `json:"title"`
	Prompt           string       `json:"prompt"`
	SelectionMode    string       `json:"selection_mode"`
	Options          []OptionView `json:"options"`
	Transport        string       `json:"transport"`
	Status           string       `json:"status"`
	SingleSubmit     bool         `json:"single_submit_mode"`
	RemainingSeconds float64      `json:"remaining_seconds"`
	TimeoutSeconds   int          `json:"timeout_seconds"`
	Result           *ResultView  `json:"result,omitempty"`
	URL              string       `json:"url,omitempty"`
}

// SubmitRequest is the body for POST /api/session/{id}/submit.
type SubmitRequest struct {
	Action            string            `json:"action_status"`
	SelectedIndices   []string          `json:"selected_indices"`
	OptionAnnotations map[string]string `json:"option_annotations"`
	ExtraAnnotation   string            `json:"extra_annotation"`
}

// Envelope is the agent-facing summary the server returns after an
// outcome latches.
type Envelope struct {
	ActionStatus    string   `json:"action_status"`
	SelectedIndices []string `json:"selected_indices,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
	URL             string   `json:"url,omitempty"`
}

// SubmitResponse carries the race verdict: "ok" when this submission
// won, "already_set" when another outcome latched first.
type SubmitResponse struct {
	Status   string   `json:"status"`
	Envelope Envelope `json:"envelope"`
}

// Preferences mirrors the server's user settings payload.
type Preferences struct {
	Transport        string `json:"transport"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	SingleSubmit     bool   `json:"single_submit_mode"`
	UseDefaultOption bool   `json:"use_default_option"`
	TimeoutAction    string `json:"timeout_action"`
	DefaultIndex     *int   `json:"default_index,omitempty"`
}

// HTTPClient makes REST calls to the choice server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL
// (e.g. "http://127.0.0.1:8787").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Session fetches /api/session/{id}.
func (c *HTTPClient) Session(id string) (*SessionView, error) {
	var v SessionView
	if err := c.get("/api/session/"+id, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Submit posts a decision for the session.
func (c *HTTPClient) Submit(id string, req SubmitRequest) (*SubmitResponse, error) {
	var out SubmitResponse
	if err := c.post("/api/session/"+id+"/submit", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Switch hands the session over to the web page, preserving its id.
// A zero timeout keeps the server default.
func (c *HTTPClient) Switch(id string, timeoutSeconds int) (*Envelope, error) {
	body := map[string]int{"timeout_seconds": timeoutSeconds}
	var out Envelope
	if err := c.post("/api/session/"+id+"/switch", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Config fetches /api/config.
func (c *HTTPClient) Config() (*Preferences, error) {
	var p Preferences
	if err := c.get("/api/config", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateConfig saves preferences. A non-empty sessionID also re-arms that
// session's deadline when the timeout changed.
func (c *HTTPClient) UpdateConfig(p Preferences, sessionID string) (*Preferences, error) {
	body := struct {
		Preferences
		SessionID string `json:"session_id,omitempty"`
	}{Preferences: p, SessionID: sessionID}
	var out Preferences
	if err := c.post("/api/config", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) post(path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s: %d %s", path, resp.StatusCode, string(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// --- Bubble Tea messages ---

// WSConnectedMsg is sent when the WebSocket connects.
type WSConnectedMsg struct{}

// WSDisconnectedMsg is sent when the connection drops.
type WSDisconnectedMsg struct{ Err error }

// WSSyncMsg delivers the server-authoritative countdown.
type WSSyncMsg struct {
	SessionID        string  `json:"session_id"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	TimeoutSeconds   int     `json:"timeout_seconds"`
}

// WSStatusMsg announces that the session reached a terminal outcome,
// possibly on another transport.
type WSStatusMsg struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	ActionStatus string `json:"action_status,omitempty"`
}

type wsFrame struct {
	Type             string  `json:"type"`
	SessionID        string  `json:"session_id"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	TimeoutSeconds   int     `json:"timeout_seconds"`
	Status           string  `json:"status"`
	ActionStatus     string  `json:"action_status"`
}

// WSClient manages the per-session WebSocket connection.
type WSClient struct {
	url string

	mu      sync.Mutex
	writeMu sync.Mutex // serialises conn writes (pings)
	conn    *websocket.Conn
	pingCtx context.CancelFunc
}

// NewWSClient creates a client that connects to the given WebSocket URL.
func NewWSClient(url string) *WSClient {
	return &WSClient{url: url}
}

// Listen returns a Bubble Tea command that connects and reconnects with
// backoff until the context is cancelled.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
			if err != nil {
				time.Sleep(delay)
				delay = min(delay*2, reconnectMaxDelay)
				continue
			}

			c.mu.Lock()
			if c.pingCtx != nil {
				c.pingCtx()
			}
			pingCtx, pingCancel := context.WithCancel(ctx)
			c.conn = conn
			c.pingCtx = pingCancel
			c.mu.Unlock()

			go c.pingLoop(pingCtx, conn)

			return WSConnectedMsg{}
		}
	}
}

// ReadLoop returns a command that reads one renderable message. Start it
// after WSConnectedMsg and re-arm it after every delivered message.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return WSDisconnectedMsg{Err: fmt.Errorf("no connection")}
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				return WSDisconnectedMsg{Err: err}
			}
			conn.SetReadDeadline(time.Now().Add(readTimeout))

			var frame wsFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			switch frame.Type {
			case "sync":
				return WSSyncMsg{
					SessionID:        frame.SessionID,
					RemainingSeconds: frame.RemainingSeconds,
					TimeoutSeconds:   frame.TimeoutSeconds,
				}
			case "status":
				return WSStatusMsg{
					SessionID:    frame.SessionID,
					Status:       frame.Status,
					ActionStatus: frame.ActionStatus,
				}
			}
		}
	}
}

// Close tears down the connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingCtx != nil {
		c.pingCtx()
		c.pingCtx = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// pingLoop keeps the connection alive with application-level pings. The
// server answers each with a pong, which ReadLoop discards.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteJSON(map[string]string{"type": "ping"})
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
