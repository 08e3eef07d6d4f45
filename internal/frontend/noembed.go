//go:build !embed

package frontend

import "net/http"

// Handler returns nil when the binary was built without the embed tag.
// The server then falls back to filesystem serving in dev mode.
func Handler() http.Handler {
	return nil
}
