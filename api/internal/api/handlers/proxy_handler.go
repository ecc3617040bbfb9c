// api/internal/api/handlers/proxy_handler.go
package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/forgebridge/runner-broker/api/internal/broker"
)

// ProxyHandler exposes the HTTP Proxy Manager over a plain HTTP route, so
// a browser can reach a runner's dev server at
// /proxy/{runnerId}/{port}/{rest...} without going through the app's own
// backend.
type ProxyHandler struct {
	broker *broker.Broker
	logger *slog.Logger
}

func NewProxyHandler(b *broker.Broker, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{broker: b, logger: logger}
}

func (h *ProxyHandler) Forward(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runnerId")
	portStr := chi.URLParam(r, "port")
	path := "/" + chi.URLParam(r, "*")

	port, err := strconv.Atoi(portStr)
	if err != nil {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}

	if !h.broker.Registry.IsConnected(runnerID) {
		http.Error(w, "runner not connected", http.StatusBadGateway)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	result, err := h.broker.HTTPProxy.Forward(runnerID, r.Method, path, headers, body, port)
	if err != nil {
		if proxyErr, ok := err.(*broker.ProxyError); ok {
			h.logger.Warn("runner reported proxy error", slog.String("runner_id", runnerID), slog.String("error", proxyErr.Message))
			http.Error(w, proxyErr.Message, http.StatusBadGateway)
			return
		}
		h.logger.Warn("proxy request failed", slog.String("runner_id", runnerID), slog.String("error", err.Error()))
		http.Error(w, "proxy request failed", http.StatusGatewayTimeout)
		return
	}

	for k, v := range result.Headers {
		w.Header().Set(k, v)
	}
	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(result.Body)
}
