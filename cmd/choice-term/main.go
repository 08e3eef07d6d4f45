package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Sighthesia/interactive-choice-mcp/internal/term"
)

func main() {
	sessionID := flag.String("session", "", "Session id to answer")
	baseURL := flag.String("url", "http://127.0.0.1:8787", "Base URL of the choice server")
	token := flag.String("token", "", "Auth token (if the server requires one)")
	flag.Parse()

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "Usage: choice-term -session <id> [-url http://host:port] [-token t]")
		os.Exit(2)
	}

	wsURL, err := deriveWSURL(*baseURL, *sessionID, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid url: %v\n", err)
		os.Exit(2)
	}

	httpClient := term.NewHTTPClient(strings.TrimRight(*baseURL, "/"), *token)
	ws := term.NewWSClient(wsURL)

	m := term.New(httpClient, ws, *sessionID)
	p := tea.NewProgram(m, tea.WithAltScreen())

	final, err := p.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// The alt screen is gone by now, so repeat the outcome on stdout.
	if fm, ok := final.(term.Model); ok {
		switch {
		case fm.WebURL != "":
			fmt.Printf("Continue in the browser: %s\n", fm.WebURL)
		case fm.FinalSummary != "":
			fmt.Printf("%s: %s\n", fm.FinalAction, fm.FinalSummary)
		case fm.FinalAction != "":
			fmt.Println(fm.FinalAction)
		}
	}
}

// deriveWSURL converts http://host:port into the per-session WebSocket
// endpoint, carrying the token as a query parameter.
func deriveWSURL(base, sessionID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := fmt.Sprintf("%s://%s/ws/session/%s", scheme, u.Host, url.PathEscape(sessionID))
	if token != "" {
		wsURL += "?token=" + url.QueryEscape(token)
	}
	return wsURL, nil
}
