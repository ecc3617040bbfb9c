// api/internal/api/handlers/ws_dispatch.go
package handlers

import (
	"log/slog"
	"net/http"
)

// WSDispatcher is the single upgrade entry point for every WebSocket the
// broker accepts. It routes by path: /ws/runner to the Runner Registry
// handler, /ws to the Subscriber Hub handler, /ws/hmr to the HMR tunnel.
// Anything else is destroyed, so two socket servers can never race for the
// same upgrade.
type WSDispatcher struct {
	Runner  *RunnerWebSocketHandler
	Browser *BrowserWebSocketHandler
	HMR     *HMRWebSocketHandler
	Logger  *slog.Logger
}

func NewWSDispatcher(runner *RunnerWebSocketHandler, browser *BrowserWebSocketHandler, hmr *HMRWebSocketHandler, logger *slog.Logger) *WSDispatcher {
	return &WSDispatcher{Runner: runner, Browser: browser, HMR: hmr, Logger: logger}
}

func (d *WSDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ws/runner":
		d.Runner.Handle(w, r)
	case "/ws":
		d.Browser.Handle(w, r)
	case "/ws/hmr":
		d.HMR.Handle(w, r)
	default:
		if r.URL.Path != "/" {
			d.Logger.Warn("unknown websocket upgrade path", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
		}
		// Hijack and drop rather than answering with an HTTP error: a
		// client mid-upgrade is not expecting a response body.
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		http.Error(w, "not found", http.StatusNotFound)
	}
}
