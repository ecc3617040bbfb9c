// api/internal/broker/upgrade.go
package broker

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// UpgradeDispatcher is the single point in the broker that turns an HTTP
// request into a WebSocket connection. Both the runner and browser
// handlers share it so the upgrade checks (origin, buffer sizing) live in
// one place instead of being duplicated per socket type.
type UpgradeDispatcher struct {
	upgrader websocket.Upgrader
}

// NewUpgradeDispatcher builds a dispatcher. allowedOrigins is checked
// against the request's Origin header when non-empty; an empty list
// allows any origin, matching a broker deployed behind a trusted reverse
// proxy that already enforces CORS.
func NewUpgradeDispatcher(allowedOrigins []string) *UpgradeDispatcher {
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return &UpgradeDispatcher{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(originSet) == 0 {
					return true
				}
				return originSet[r.Header.Get("Origin")]
			},
		},
	}
}

// Upgrade performs the protocol switch, writing its own error response on
// failure (gorilla's Upgrade already does this, so callers just propagate
// the error for logging).
func (d *UpgradeDispatcher) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return d.upgrader.Upgrade(w, r, nil)
}
