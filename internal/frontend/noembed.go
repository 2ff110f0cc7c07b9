//go:build !embed

package frontend

import "net/http"

// Handler returns nil when the binary is built without the embed tag; the
// server then falls back to serving the dashboard from the filesystem.
func Handler() http.Handler {
	return nil
}
