// api/internal/api/handlers/browser_ws.go
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/forgebridge/runner-broker/api/internal/broker"
)

const (
	browserReadLimit  = 1 << 16
	browserPongWait   = 60 * time.Second
	browserPingPeriod = (browserPongWait * 9) / 10
)

// browserInboundMessage is the small set of control messages a browser
// client may send: subscribe/unsubscribe to a project/session pair,
// report itself alive, or ask for current state.
type browserInboundMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

// BrowserWebSocketHandler upgrades and maintains browser-side subscriber
// connections to the Hub.
type BrowserWebSocketHandler struct {
	Dispatcher *broker.UpgradeDispatcher
	Broker     *broker.Broker
	Logger     *slog.Logger
}

func NewBrowserWebSocketHandler(dispatcher *broker.UpgradeDispatcher, b *broker.Broker, logger *slog.Logger) *BrowserWebSocketHandler {
	return &BrowserWebSocketHandler{Dispatcher: dispatcher, Broker: b, Logger: logger}
}

// Handle serves GET /ws (optionally ?projectId=&sessionId=). Every
// connecting browser is assigned a fresh client id and, when the query
// carries a projectId, is auto-subscribed to that (projectId, sessionId)
// pair; further (un)subscriptions arrive as inbound control messages.
func (h *BrowserWebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Dispatcher.Upgrade(w, r)
	if err != nil {
		h.Logger.Error("browser upgrade failed", slog.String("error", err.Error()))
		return
	}

	projectID := r.URL.Query().Get("projectId")
	sessionID := r.URL.Query().Get("sessionId")

	clientID := uuid.NewString()
	client := h.Broker.Hub.Connect(clientID, "", r.RemoteAddr, ws)
	if projectID != "" {
		client.Subscribe(projectID, sessionID)
	}

	if err := client.WriteConnected(clientID, projectID, sessionID); err != nil {
		h.Broker.Hub.Disconnect(client)
		ws.Close()
		return
	}

	done := make(chan struct{})
	go h.writePump(ws, done)
	h.readPump(ws, client, clientID)
	close(done)
}

func (h *BrowserWebSocketHandler) readPump(ws *websocket.Conn, client *broker.BrowserClient, clientID string) {
	defer func() {
		h.Broker.Hub.Disconnect(client)
		ws.Close()
	}()

	ws.SetReadLimit(browserReadLimit)
	ws.SetReadDeadline(time.Now().Add(browserPongWait))
	ws.SetPongHandler(func(string) error {
		client.Touch()
		ws.SetReadDeadline(time.Now().Add(browserPongWait))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.Logger.Debug("browser socket closed unexpectedly", slog.String("client_id", clientID), slog.String("error", err.Error()))
			}
			return
		}

		client.Touch()

		var msg browserInboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.Logger.Debug("dropping malformed browser frame", slog.String("client_id", clientID))
			continue
		}

		switch msg.Type {
		case "subscribe":
			client.Subscribe(msg.ProjectID, msg.SessionID)
		case "unsubscribe":
			client.Unsubscribe(msg.ProjectID, msg.SessionID)
		case "heartbeat":
			if err := client.WriteHeartbeatAck(); err != nil {
				h.Logger.Debug("heartbeat-ack write failed", slog.String("client_id", clientID))
			}
		case "get-state":
			// Actual state recovery is the app's responsibility via HTTP
			//; this only acknowledges the request was received.
			if err := client.WriteStateResponse(); err != nil {
				h.Logger.Debug("state-response write failed", slog.String("client_id", clientID))
			}
		}
	}
}

func (h *BrowserWebSocketHandler) writePump(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(browserPingPeriod)
	defer ticker.Stop()

	// Control frames may interleave with the Hub's data writes, so the
	// ping goes through WriteControl rather than a data-frame write.
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
