package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Sighthesia/interactive-choice-mcp/internal/config"
	"github.com/Sighthesia/interactive-choice-mcp/internal/orchestrator"
	"github.com/Sighthesia/interactive-choice-mcp/internal/session"
	"github.com/Sighthesia/interactive-choice-mcp/internal/validate"
)

type Server struct {
	orch            *orchestrator.Orchestrator
	broadcaster     *Broadcaster
	frontendDir     string
	dev             bool
	embeddedHandler http.Handler
	allowedOrigins  map[string]bool
	allowedHosts    map[string]bool
	authToken       string
}

func NewServer(orch *orchestrator.Orchestrator, broadcaster *Broadcaster, frontendDir string, dev bool, embeddedHandler http.Handler, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		orch:            orch,
		broadcaster:     broadcaster,
		frontendDir:     frontendDir,
		dev:             dev,
		embeddedHandler: embeddedHandler,
		allowedOrigins:  make(map[string]bool),
		allowedHosts:    make(map[string]bool),
		authToken:       authToken,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/choice", s.handleChoice)
	mux.HandleFunc("/api/poll", s.handlePoll)
	mux.HandleFunc("/api/interactions", s.handleInteractions)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/session/", s.handleSessionRoutes)
	mux.HandleFunc("/ws/session/", s.handleSessionWS)
	mux.HandleFunc("/ws/interactions", s.handleListWS)
	mux.HandleFunc("/session/", s.handlePage)

	if s.dev {
		log.Printf("Serving frontend from filesystem: %s", s.frontendDir)
		mux.Handle("/", http.FileServer(http.Dir(s.frontendDir)))
	} else if s.embeddedHandler != nil {
		log.Println("Serving embedded frontend")
		mux.Handle("/", s.embeddedHandler)
	}
}

// handlePage serves the choice page for /session/{id} URLs. The page
// reads the session id from its own path.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if s.dev && s.frontendDir != "" {
		http.ServeFile(w, r, filepath.Join(s.frontendDir, "index.html"))
		return
	}
	if s.embeddedHandler != nil {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/"
		s.embeddedHandler.ServeHTTP(w, r2)
		return
	}
	http.Error(w, "frontend not available", http.StatusNotFound)
}

// handleChoice is the agent entry point: create a session (or poll an
// existing one when the payload carries a session_id) and reply with the
// outcome envelope.
func (s *Server) handleChoice(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in validate.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	env, err := s.orch.HandleChoice(r.Context(), &in)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, env)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.SessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.orch.Poll(r.Context(), payload.SessionID))
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	filter, ok := orchestrator.ParseListFilter(r.URL.Query().Get("filter"))
	if !ok {
		http.Error(w, "filter must be active, completed or all", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.orch.List(filter))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.orch.Preferences())
	case http.MethodPost:
		var payload struct {
			config.Preferences
			SessionID string `json:"session_id,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if err := s.orch.UpdatePreferences(payload.Preferences, payload.SessionID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, s.orch.Preferences())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// sessionView is the state a page or terminal client renders from.
type sessionView struct {
	ID               string           `json:"id"`
	Title            string           `json:"title"`
	Prompt           string           `json:"prompt"`
	SelectionMode    string           `json:"selection_mode"`
	Options          []session.Option `json:"options"`
	Transport        string           `json:"transport"`
	Status           session.Status   `json:"status"`
	SingleSubmit     bool             `json:"single_submit_mode"`
	RemainingSeconds float64          `json:"remaining_seconds"`
	TimeoutSeconds   int              `json:"timeout_seconds"`
	Result           *session.Result  `json:"result,omitempty"`
	URL              string           `json:"url,omitempty"`
}

func viewOf(sess *session.Session) sessionView {
	return sessionView{
		ID:               sess.ID,
		Title:            sess.Request.Title,
		Prompt:           sess.Request.Prompt,
		SelectionMode:    sess.Request.SelectionMode,
		Options:          sess.Request.Options,
		Transport:        sess.Transport.String(),
		Status:           sess.Status,
		SingleSubmit:     sess.Request.SingleSubmit,
		RemainingSeconds: sess.Remaining(time.Now()),
		TimeoutSeconds:   sess.TimeoutSeconds,
		Result:           sess.Result,
		URL:              sess.URL,
	}
}

// handleSessionRoutes dispatches /api/session/{id}[/submit|/switch].
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/session/")
	parts := strings.SplitN(path, "/", 2)
	id, err := url.PathUnescape(parts[0])
	if err != nil || id == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleSessionGet(w, r, id)
	case "submit":
		s.handleSubmit(w, r, id)
	case "switch":
		s.handleSwitch(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.orch.Registry().Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, viewOf(sess))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sub orchestrator.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	env, won, err := s.orch.Submit(id, &sub)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := "ok"
	if !won {
		status = "already_set"
	}
	writeJSON(w, map[string]interface{}{
		"status":   status,
		"envelope": env,
	})
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		TimeoutSeconds int `json:"timeout_seconds"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
	}

	env, ok := s.orch.SwitchToWeb(id, payload.TimeoutSeconds)
	if !ok {
		http.Error(w, "session not found or already completed", http.StatusConflict)
		return
	}
	writeJSON(w, env)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/ws/session/")
	if id == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrade(w, r)
	if err != nil {
		return
	}
	c := s.broadcaster.AddSessionClient(id, conn)
	go s.readLoop(conn, c)
}

func (s *Server) handleListWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrade(w, r)
	if err != nil {
		return
	}
	c := s.broadcaster.AddListClient(conn)
	go s.readLoop(conn, c)
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return nil, err
	}
	log.Printf("WebSocket client connected: %s", r.RemoteAddr)
	return conn, nil
}

// readLoop answers pings and tears the client down when the socket dies.
func (s *Server) readLoop(conn *websocket.Conn, c *client) {
	defer func() {
		s.broadcaster.RemoveClient(c)
		log.Printf("WebSocket client disconnected: %s", conn.RemoteAddr())
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if json.Unmarshal(data, &msg) == nil && msg.Type == MsgPing {
			s.broadcaster.sendTo(c, controlMessage{Type: MsgPong})
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Choice-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
