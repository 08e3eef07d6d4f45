// Package history persists completed sessions as a JSON index so the
// interaction list survives restarts.
package history

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Sighthesia/interactive-choice-mcp/internal/session"
)

const (
	DefaultRetentionDays = 3
	DefaultMaxSessions   = 100
)

// PersistedSession is the durable record of one completed session.
type PersistedSession struct {
	SessionID      string           `json:"session_id"`
	Title          string           `json:"title"`
	Prompt         string           `json:"prompt"`
	Transport      string           `json:"transport"`
	SelectionMode  string           `json:"selection_mode"`
	Options        []session.Option `json:"options"`
	Result         *session.Result  `json:"result,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    time.Time        `json:"completed_at"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty"`
	URL            string           `json:"url,omitempty"`
}

func (p *PersistedSession) entry() session.Entry {
	status := session.StatusPending
	if p.Result != nil {
		status = session.StatusFromAction(p.Result.ActionStatus)
	}
	transport, _ := session.ParseTransport(p.Transport)
	return session.Entry{
		SessionID: p.SessionID,
		Title:     p.Title,
		Transport: transport,
		Status:    status,
		StartedAt: p.StartedAt.Format(session.EntryTimeLayout),
		URL:       p.URL,
	}
}

func (p *PersistedSession) sortTime() time.Time {
	if !p.CompletedAt.IsZero() {
		return p.CompletedAt
	}
	return p.StartedAt
}

type index struct {
	Version  int                 `json:"version"`
	Sessions []*PersistedSession `json:"sessions"`
}

// Store keeps the index in memory and mirrors every mutation to disk via
// a temp file and rename. A corrupted or missing index starts fresh
// rather than failing startup.
type Store struct {
	mu          sync.Mutex
	path        string
	sessions    []*PersistedSession
	maxSessions int
}

// NewStore opens (or initializes) the index file at dir/index.json.
func NewStore(dir string, maxSessions int) *Store {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	s := &Store{
		path:        filepath.Join(dir, "index.json"),
		maxSessions: maxSessions,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("history: read index: %v", err)
		}
		return
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		log.Printf("history: invalid index, starting fresh: %v", err)
		return
	}
	s.sessions = idx.Sessions
}

// Save records a finalized session, replacing any previous record with
// the same id and evicting the oldest records past the cap.
func (s *Store) Save(sess *session.Session) error {
	rec := &PersistedSession{
		SessionID:      sess.ID,
		Title:          sess.Request.Title,
		Prompt:         sess.Request.Prompt,
		Transport:      sess.Transport.String(),
		SelectionMode:  sess.Request.SelectionMode,
		Options:        sess.Request.Options,
		Result:         sess.Result,
		StartedAt:      sess.CreatedAt,
		CompletedAt:    sess.CompletedAt,
		TimeoutSeconds: sess.TimeoutSeconds,
		URL:            sess.URL,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.sessions[:0]
	for _, p := range s.sessions {
		if p.SessionID != rec.SessionID {
			kept = append(kept, p)
		}
	}
	s.sessions = append(kept, rec)

	if len(s.sessions) > s.maxSessions {
		sort.Slice(s.sessions, func(i, j int) bool {
			return s.sessions[i].sortTime().Before(s.sessions[j].sortTime())
		})
		s.sessions = s.sessions[len(s.sessions)-s.maxSessions:]
	}

	return s.writeLocked()
}

// Recent returns up to limit completed sessions as list entries, newest
// first.
func (s *Store) Recent(limit int) []session.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := make([]*PersistedSession, 0, len(s.sessions))
	for _, p := range s.sessions {
		if p.Result != nil {
			completed = append(completed, p)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].sortTime().After(completed[j].sortTime())
	})
	if limit > 0 && len(completed) > limit {
		completed = completed[:limit]
	}

	entries := make([]session.Entry, len(completed))
	for i, p := range completed {
		entries[i] = p.entry()
	}
	return entries
}

// Get returns the persisted record for id, if present.
func (s *Store) Get(id string) (*PersistedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.sessions {
		if p.SessionID == id {
			c := *p
			return &c, true
		}
	}
	return nil, false
}

// Remove drops the record for id. Returns whether anything was removed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.sessions[:0]
	removed := false
	for _, p := range s.sessions {
		if p.SessionID == id {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	s.sessions = kept
	if removed {
		if err := s.writeLocked(); err != nil {
			log.Printf("history: write index: %v", err)
		}
	}
	return removed
}

// Cleanup drops records older than retentionDays and returns how many
// were removed.
func (s *Store) Cleanup(retentionDays int) int {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.sessions[:0]
	removed := 0
	for _, p := range s.sessions {
		if p.sortTime().Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	s.sessions = kept
	if removed > 0 {
		if err := s.writeLocked(); err != nil {
			log.Printf("history: write index: %v", err)
		}
	}
	return removed
}

// Len returns the number of persisted records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(index{Version: 1, Sessions: s.sessions}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
