package term

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type state int

const (
	stateLoading state = iota
	statePicking
	stateInput
	stateDone
)

// Input targets beyond a concrete option id.
const (
	targetExtra   = "@extra"
	targetCustom  = "@custom"
	targetTimeout = "@timeout"
)

type sessionLoadedMsg struct{ view *SessionView }

type errMsg struct{ err error }

type submitDoneMsg struct{ resp *SubmitResponse }

type switchDoneMsg struct{ env *Envelope }

type prefsSavedMsg struct{ prefs *Preferences }

// Model is the root Bubble Tea model for one decision session.
type Model struct {
	http   *HTTPClient
	ws     *WSClient
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	sessionID string
	view      *SessionView

	// Selection state.
	cursor      int
	selected    map[string]bool
	annotations map[string]string
	extra       string
	customText  string

	// Free-text entry.
	input       textinput.Model
	inputTarget string

	state     state
	remaining float64
	timeout   float64
	connected bool
	submitted bool

	// Terminal outcome, for the caller to report after Run.
	FinalAction  string
	FinalSummary string
	WebURL       string

	err error
}

// New creates the root model for the given session id.
func New(httpClient *HTTPClient, ws *WSClient, sessionID string) Model {
	ctx, cancel := context.WithCancel(context.Background())
	ti := textinput.New()
	ti.CharLimit = 2000
	return Model{
		http:        httpClient,
		ws:          ws,
		ctx:         ctx,
		cancel:      cancel,
		keys:        DefaultKeyMap(),
		sessionID:   sessionID,
		selected:    make(map[string]bool),
		annotations: make(map[string]string),
		input:       ti,
	}
}

// Init fetches the session and opens the countdown stream.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadSession(), m.ws.Listen(m.ctx))
}

func (m Model) loadSession() tea.Cmd {
	return func() tea.Msg {
		v, err := m.http.Session(m.sessionID)
		if err != nil {
			return errMsg{err}
		}
		return sessionLoadedMsg{view: v}
	}
}

func (m Model) submit(req SubmitRequest) tea.Cmd {
	return func() tea.Msg {
		resp, err := m.http.Submit(m.sessionID, req)
		if err != nil {
			return errMsg{err}
		}
		return submitDoneMsg{resp: resp}
	}
}

func (m Model) saveTimeout(seconds int) tea.Cmd {
	return func() tea.Msg {
		prefs, err := m.http.Config()
		if err != nil {
			return errMsg{err}
		}
		prefs.TimeoutSeconds = seconds
		saved, err := m.http.UpdateConfig(*prefs, m.sessionID)
		if err != nil {
			return errMsg{err}
		}
		return prefsSavedMsg{prefs: saved}
	}
}

func (m Model) switchToWeb() tea.Cmd {
	return func() tea.Msg {
		env, err := m.http.Switch(m.sessionID, 0)
		if err != nil {
			return errMsg{err}
		}
		return switchDoneMsg{env: env}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(20, msg.Width-4)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case sessionLoadedMsg:
		m.view = msg.view
		m.remaining = msg.view.RemainingSeconds
		m.timeout = float64(msg.view.TimeoutSeconds)
		if msg.view.Status != "pending" {
			m.FinalAction = msg.view.Status
			if msg.view.Result != nil {
				m.FinalAction = msg.view.Result.ActionStatus
				m.FinalSummary = msg.view.Result.Summary
			}
			m.state = stateDone
			return m.quit()
		}
		m.state = statePicking
		m.cursor = recommendedIndex(msg.view.Options)
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil

	case WSConnectedMsg:
		m.connected = true
		return m, m.ws.ReadLoop(m.ctx)

	case WSDisconnectedMsg:
		m.connected = false
		if m.state == stateDone {
			return m, nil
		}
		return m, m.ws.Listen(m.ctx)

	case WSSyncMsg:
		if msg.SessionID == m.sessionID {
			m.remaining = msg.RemainingSeconds
			m.timeout = float64(msg.TimeoutSeconds)
		}
		return m, m.ws.ReadLoop(m.ctx)

	case WSStatusMsg:
		// The outcome latched, here or on another transport.
		if msg.SessionID != m.sessionID {
			return m, m.ws.ReadLoop(m.ctx)
		}
		m.FinalAction = msg.ActionStatus
		if m.FinalAction == "" {
			m.FinalAction = msg.Status
		}
		m.state = stateDone
		return m.quit()

	case submitDoneMsg:
		m.FinalAction = msg.resp.Envelope.ActionStatus
		m.FinalSummary = msg.resp.Envelope.Summary
		m.state = stateDone
		return m.quit()

	case prefsSavedMsg:
		// The re-armed deadline arrives on the next sync message.
		m.err = nil
		return m, nil

	case switchDoneMsg:
		m.WebURL = msg.env.URL
		m.FinalAction = "switched_to_web"
		m.state = stateDone
		return m.quit()
	}

	return m, nil
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.cancel()
	if m.ws != nil {
		m.ws.Close()
	}
	return m, tea.Quit
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.state == stateInput {
		return m.handleInputKey(msg)
	}
	if m.state != statePicking {
		if key.Matches(msg, m.keys.Quit) {
			return m.quit()
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit), key.Matches(msg, m.keys.Cancel):
		if m.submitted {
			return m, nil
		}
		m.submitted = true
		return m, m.submit(SubmitRequest{
			Action:            cancelAction(m.annotations, m.extra),
			OptionAnnotations: m.annotations,
			ExtraAnnotation:   m.extra,
		})

	case key.Matches(msg, m.keys.Down):
		if n := len(m.view.Options); n > 0 {
			m.cursor = (m.cursor + 1) % n
		}
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if n := len(m.view.Options); n > 0 {
			m.cursor = (m.cursor - 1 + n) % n
		}
		return m, nil

	case key.Matches(msg, m.keys.Toggle):
		if len(m.view.Options) == 0 {
			return m, nil
		}
		id := m.view.Options[m.cursor].ID
		if m.view.SelectionMode == "single" {
			for k := range m.selected {
				delete(m.selected, k)
			}
			m.selected[id] = true
			// Single-submit mode skips the confirmation step: picking
			// an option is the decision.
			if m.view.SingleSubmit && !m.submitted {
				m.submitted = true
				return m, m.submit(SubmitRequest{
					Action:            "selected",
					SelectedIndices:   []string{id},
					OptionAnnotations: m.annotations,
					ExtraAnnotation:   m.extra,
				})
			}
		} else {
			if m.selected[id] {
				delete(m.selected, id)
			} else {
				m.selected[id] = true
			}
		}
		return m, nil

	case key.Matches(msg, m.keys.Annotate):
		if len(m.view.Options) == 0 {
			return m, nil
		}
		id := m.view.Options[m.cursor].ID
		m.inputTarget = id
		m.input.SetValue(m.annotations[id])
		m.input.Placeholder = "note for " + id
		m.input.Focus()
		m.state = stateInput
		return m, textinput.Blink

	case key.Matches(msg, m.keys.Extra):
		m.inputTarget = targetExtra
		m.input.SetValue(m.extra)
		m.input.Placeholder = "additional note"
		m.input.Focus()
		m.state = stateInput
		return m, textinput.Blink

	case key.Matches(msg, m.keys.Custom):
		m.inputTarget = targetCustom
		m.input.SetValue(m.customText)
		m.input.Placeholder = "free-form answer"
		m.input.Focus()
		m.state = stateInput
		return m, textinput.Blink

	case key.Matches(msg, m.keys.Settings):
		m.inputTarget = targetTimeout
		m.input.SetValue("")
		m.input.Placeholder = fmt.Sprintf("timeout seconds (now %.0f)", m.timeout)
		m.input.Focus()
		m.state = stateInput
		return m, textinput.Blink

	case key.Matches(msg, m.keys.Web):
		if m.submitted {
			return m, nil
		}
		return m, m.switchToWeb()

	case key.Matches(msg, m.keys.Enter):
		if m.submitted {
			return m, nil
		}
		req, ok := m.buildSubmission()
		if !ok {
			return m, nil
		}
		m.submitted = true
		return m, m.submit(req)
	}

	return m, nil
}

func (m Model) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Escape):
		m.input.Blur()
		m.state = statePicking
		return m, nil

	case msg.Type == tea.KeyEnter:
		text := strings.TrimSpace(m.input.Value())
		switch m.inputTarget {
		case targetExtra:
			m.extra = text
		case targetCustom:
			m.customText = text
		case targetTimeout:
			m.input.Blur()
			m.state = statePicking
			seconds, err := strconv.Atoi(text)
			if err != nil || seconds <= 0 {
				if text != "" {
					m.err = fmt.Errorf("timeout must be a positive number of seconds")
				}
				return m, nil
			}
			return m, m.saveTimeout(seconds)
		default:
			if text == "" {
				delete(m.annotations, m.inputTarget)
			} else {
				m.annotations[m.inputTarget] = text
			}
		}
		m.input.Blur()
		m.state = statePicking
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// buildSubmission assembles the request for Enter. Selected option ids
// win over custom text; with neither there is nothing to send.
func (m Model) buildSubmission() (SubmitRequest, bool) {
	ids := make([]string, 0, len(m.selected))
	for _, o := range m.view.Options {
		if m.selected[o.ID] {
			ids = append(ids, o.ID)
		}
	}
	if len(ids) == 0 && m.view.SelectionMode == "single" && len(m.view.Options) > 0 {
		// Enter with nothing toggled picks the highlighted option.
		ids = append(ids, m.view.Options[m.cursor].ID)
	}

	if len(ids) > 0 {
		return SubmitRequest{
			Action:            "selected",
			SelectedIndices:   ids,
			OptionAnnotations: m.annotations,
			ExtraAnnotation:   m.extra,
		}, true
	}
	if m.customText != "" {
		extra := m.customText
		if m.extra != "" {
			extra = m.customText + "\n" + m.extra
		}
		return SubmitRequest{
			Action:            "custom_input",
			OptionAnnotations: m.annotations,
			ExtraAnnotation:   extra,
		}, true
	}
	return SubmitRequest{}, false
}

func cancelAction(annotations map[string]string, extra string) string {
	if len(annotations) > 0 || extra != "" {
		return "cancel_with_annotation"
	}
	return "cancelled"
}

func recommendedIndex(opts []OptionView) int {
	for i, o := range opts {
		if o.Recommended {
			return i
		}
	}
	return 0
}

// View renders the full client.
func (m Model) View() string {
	switch m.state {
	case stateLoading:
		if m.err != nil {
			return styleError.Render("error: "+m.err.Error()) + "\n"
		}
		return styleDimmed.Render("loading session "+m.sessionID+"...") + "\n"
	case stateDone:
		return m.renderDone()
	}

	var sections []string
	sections = append(sections, styleTitle.Render(m.view.Title))
	if m.view.Prompt != "" {
		sections = append(sections, stylePrompt.Render(m.view.Prompt))
	}
	sections = append(sections, "")
	sections = append(sections, m.renderOptions())
	sections = append(sections, "")

	if m.customText != "" {
		sections = append(sections, styleNote.Render("custom: "+m.customText))
	}
	if m.extra != "" {
		sections = append(sections, styleNote.Render("note: "+m.extra))
	}

	if m.state == stateInput {
		sections = append(sections, m.input.View())
	} else {
		sections = append(sections, m.renderStatusLine())
		sections = append(sections, styleDimmed.Render("  j/k:move  space:toggle  a:annotate  i:custom  e:note  s:timeout  w:web  c:cancel  enter:submit"))
	}
	if m.err != nil {
		sections = append(sections, styleError.Render("error: "+m.err.Error()))
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func (m Model) renderOptions() string {
	var lines []string
	for i, o := range m.view.Options {
		prefix := "  "
		if i == m.cursor {
			prefix = styleCursor.Render("> ")
		}
		mark := "[ ]"
		if m.selected[o.ID] {
			mark = styleSelected.Render("[x]")
		}
		label := o.ID
		if o.Description != "" {
			label += "  " + o.Description
		}
		if o.Recommended {
			label += " " + styleRecomm.Render("(recommended)")
		}
		line := prefix + mark + " " + label
		if note, ok := m.annotations[o.ID]; ok {
			line += "\n      " + styleNote.Render("note: "+note)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		lines = append(lines, styleDimmed.Render("  (no options, use i for free-form input)"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderStatusLine() string {
	conn := styleDimmed.Render("offline")
	if m.connected {
		conn = styleSelected.Render("live")
	}
	countdown := countdownStyle(m.remaining, m.timeout).Render(fmt.Sprintf("%.0fs left", m.remaining))
	mode := m.view.SelectionMode
	return styleDimmed.Render("  "+mode+" | ") + countdown + styleDimmed.Render(" | ") + conn
}

func (m Model) renderDone() string {
	line := m.FinalAction
	if m.FinalSummary != "" {
		line += ": " + m.FinalSummary
	}
	if m.WebURL != "" {
		line = "continue in browser: " + m.WebURL
	}
	return styleDone.Render(line) + "\n"
}
