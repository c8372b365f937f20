// Package web embeds a small demo page that exercises the chat API from
// a browser: it sends messages, renders the streamed reply, and reloads
// history on page refresh. It is meant for local development and manual
// testing, not as the production widget.
package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed all:static
var staticFS embed.FS

// DemoHandler returns an http.Handler serving the embedded demo page.
func DemoHandler() http.Handler {
	subFS, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	return http.FileServer(http.FS(subFS))
}
