// api/internal/api/handlers/runner_ws.go
package handlers

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgebridge/runner-broker/api/internal/broker"
)

const (
	runnerReadLimit  = 1 << 20 // 1 MiB, generous for file-content/log-chunk payloads
	runnerPongWait   = 90 * time.Second
	runnerPingPeriod = 30 * time.Second
)

// SecretProvider resolves the current runner shared secret on every
// upgrade attempt rather than once at startup, so rotating the secret
// (e.g. via a config reload) takes effect without a restart.
type SecretProvider func() string

// RunnerWebSocketHandler upgrades and maintains the persistent runner
// connections that the Registry and Router address commands to.
type RunnerWebSocketHandler struct {
	Dispatcher *broker.UpgradeDispatcher
	Broker     *broker.Broker
	Secret     SecretProvider
	Logger     *slog.Logger
}

func NewRunnerWebSocketHandler(dispatcher *broker.UpgradeDispatcher, b *broker.Broker, secret SecretProvider, logger *slog.Logger) *RunnerWebSocketHandler {
	return &RunnerWebSocketHandler{Dispatcher: dispatcher, Broker: b, Secret: secret, Logger: logger}
}

// Handle serves GET /ws/runner?runnerId=... . The caller must present
// Authorization: Bearer <shared secret>; a missing or mismatched secret is
// rejected with a 1008 policy-violation close.
func (h *RunnerWebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	runnerID := r.URL.Query().Get("runnerId")
	if runnerID == "" {
		runnerID = "default"
	}

	authorized := h.authorized(r)

	ws, err := h.Dispatcher.Upgrade(w, r)
	if err != nil {
		h.Logger.Error("runner upgrade failed", slog.String("error", err.Error()))
		return
	}

	// The upgrade completes before the secret check so the rejection is a
	// proper 1008 policy-violation close the runner can distinguish from a
	// network failure, rather than a plain HTTP error.
	if !authorized {
		h.Logger.Warn("rejected runner upgrade: bad secret", slog.String("runner_id", runnerID), slog.String("remote_addr", r.RemoteAddr))
		h.Broker.RecordAudit("auth_failure", runnerID, "runner upgrade rejected: bad or missing bearer secret")
		deadline := time.Now().Add(5 * time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthorized"), deadline)
		ws.Close()
		return
	}

	conn := h.Broker.Registry.Register(runnerID, "", r.RemoteAddr, ws)

	done := make(chan struct{})
	go h.writePump(ws, conn, runnerID, done)
	h.readPump(ws, conn, runnerID)
	close(done)
}

func (h *RunnerWebSocketHandler) authorized(r *http.Request) bool {
	secret := h.Secret()
	if secret == "" {
		return true // no secret configured: auth disabled, e.g. local dev
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

func (h *RunnerWebSocketHandler) readPump(ws *websocket.Conn, conn *broker.RunnerConn, runnerID string) {
	defer func() {
		h.Broker.Registry.Unregister(runnerID, conn)
		ws.Close()
	}()

	ws.SetReadLimit(runnerReadLimit)
	ws.SetReadDeadline(time.Now().Add(runnerPongWait))
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		ws.SetReadDeadline(time.Now().Add(runnerPongWait))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.Logger.Warn("runner socket closed unexpectedly", slog.String("runner_id", runnerID), slog.String("error", err.Error()))
			}
			return
		}

		conn.Touch() // any frame counts as liveness, not just pong
		cmd, evt, err := h.Broker.Registry.DecodeFrame(raw)
		if err != nil {
			h.Logger.Warn("dropping malformed runner frame", slog.String("runner_id", runnerID), slog.String("error", err.Error()))
			continue
		}
		if cmd != nil {
			h.Logger.Debug("ignoring unexpected command frame from runner", slog.String("runner_id", runnerID), slog.String("type", string(cmd.Type)))
			continue
		}

		// Events carry no sessionId, so dispatch project-wide; only
		// browser clients subscribed without a specific session see raw
		// runner events, matching Hub.interestedIn's empty-session rule.
		h.Broker.DispatchEvent("", evt)
	}
}

func (h *RunnerWebSocketHandler) writePump(ws *websocket.Conn, conn *broker.RunnerConn, runnerID string, done <-chan struct{}) {
	ticker := time.NewTicker(runnerPingPeriod)
	defer ticker.Stop()

	// WriteControl is safe concurrently with the command writes the
	// Router makes on this socket; a data-frame ping here would not be.
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				h.Broker.Registry.Unregister(runnerID, conn)
				return
			}
		}
	}
}
