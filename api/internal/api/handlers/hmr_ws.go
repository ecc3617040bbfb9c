// api/internal/api/handlers/hmr_ws.go
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgebridge/runner-broker/api/internal/broker"
)

var errHMRClosed = errors.New("handlers: hmr socket closed")

const (
	hmrReadLimit  = 1 << 20
	hmrPongWait   = 60 * time.Second
	hmrPingPeriod = (hmrPongWait * 9) / 10
)

// HMRWebSocketHandler tunnels a browser-side HMR WebSocket client through
// the HMR Proxy Manager to a runner's dev server. The browser
// supplies connectionId itself; it is the correlation key carried on every
// relayed frame in both directions.
type HMRWebSocketHandler struct {
	Dispatcher *broker.UpgradeDispatcher
	Broker     *broker.Broker
	Logger     *slog.Logger
}

func NewHMRWebSocketHandler(dispatcher *broker.UpgradeDispatcher, b *broker.Broker, logger *slog.Logger) *HMRWebSocketHandler {
	return &HMRWebSocketHandler{Dispatcher: dispatcher, Broker: b, Logger: logger}
}

// Handle serves GET /ws/hmr?connectionId=&runnerId=&projectId=&port=&protocol=.
func (h *HMRWebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	connectionID := q.Get("connectionId")
	runnerID := q.Get("runnerId")
	projectID := q.Get("projectId")
	protocolName := q.Get("protocol")
	port, err := strconv.Atoi(q.Get("port"))
	if connectionID == "" || runnerID == "" || err != nil {
		http.Error(w, "missing or invalid connectionId/runnerId/port", http.StatusBadRequest)
		return
	}

	ws, err := h.Dispatcher.Upgrade(w, r)
	if err != nil {
		h.Logger.Error("hmr upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	ws.SetReadLimit(hmrReadLimit)
	ws.SetReadDeadline(time.Now().Add(hmrPongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(hmrPongWait))
		return nil
	})

	var writeMu lockedWriter
	writeMu.ws = ws

	err = h.Broker.HMRProxy.Connect(connectionID, runnerID, projectID, port, protocolName, broker.HMRCallbacks{
		OnMessage: func(message string) {
			if werr := writeMu.writeText(message); werr != nil {
				h.Logger.Debug("hmr relay write failed", slog.String("connection_id", connectionID), slog.String("error", werr.Error()))
			}
		},
		OnDisconnected: func(code int, reason string) {
			writeMu.close(code, reason)
		},
		OnError: func(msg string) {
			writeMu.close(websocket.CloseInternalServerErr, msg)
		},
	})
	if err != nil {
		h.Logger.Warn("hmr connect failed", slog.String("connection_id", connectionID), slog.String("runner_id", runnerID), slog.String("error", err.Error()))
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}

	go h.pingLoop(&writeMu)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if sendErr := h.Broker.HMRProxy.Send(connectionID, string(raw)); sendErr != nil {
			h.Logger.Debug("hmr send failed", slog.String("connection_id", connectionID), slog.String("error", sendErr.Error()))
		}
	}

	h.Broker.HMRProxy.Disconnect(connectionID)
}

func (h *HMRWebSocketHandler) pingLoop(w *lockedWriter) {
	ticker := time.NewTicker(hmrPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if err := w.ping(); err != nil {
			return
		}
	}
}

// lockedWriter serializes writes to the browser-side HMR socket: the read
// pump, the HMRProxy relay callback, and the ping loop can all originate a
// write concurrently.
type lockedWriter struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func (w *lockedWriter) writeText(message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.ws.WriteMessage(websocket.TextMessage, []byte(message))
}

func (w *lockedWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errHMRClosed
	}
	w.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.ws.WriteMessage(websocket.PingMessage, nil)
}

func (w *lockedWriter) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = w.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
