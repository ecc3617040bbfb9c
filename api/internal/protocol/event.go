// api/internal/protocol/event.go
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType is the discriminator carried on every event envelope.
type EventType string

const (
	EvtAck               EventType = "ack"
	EvtLogChunk          EventType = "log-chunk"
	EvtPortDetected      EventType = "port-detected"
	EvtPortConflict      EventType = "port-conflict"
	EvtTunnelCreated     EventType = "tunnel-created"
	EvtTunnelClosed      EventType = "tunnel-closed"
	EvtProcessExited     EventType = "process-exited"
	EvtBuildProgress     EventType = "build-progress"
	EvtBuildCompleted    EventType = "build-completed"
	EvtBuildFailed       EventType = "build-failed"
	EvtRunnerStatus      EventType = "runner-status"
	EvtBuildStream       EventType = "build-stream"
	EvtProjectMetadata   EventType = "project-metadata"
	EvtFilesDeleted      EventType = "files-deleted"
	EvtFileContent       EventType = "file-content"
	EvtFileWritten       EventType = "file-written"
	EvtFileList          EventType = "file-list"
	EvtDevServerError    EventType = "dev-server-error"
	EvtAutofixStarted    EventType = "autofix-started"
	EvtHTTPProxyResponse EventType = "http-proxy-response"
	EvtHTTPProxyChunk    EventType = "http-proxy-chunk"
	EvtHTTPProxyError    EventType = "http-proxy-error"
	EvtHMRConnected      EventType = "hmr-connected"
	EvtHMRMessage        EventType = "hmr-message"
	EvtHMRDisconnected   EventType = "hmr-disconnected"
	EvtHMRError          EventType = "hmr-error"
	EvtError             EventType = "error"
)

// Event is the wire envelope for every message a runner sends back. CommandID
// correlates it to the command that caused it, when applicable (e.g.
// http-proxy-response correlates via its own RequestID field inside Payload,
// not via CommandID; the HTTP proxy and HMR managers key off payload fields,
// while the Per-Command Event Stream keys off CommandID).
type Event struct {
	Type      EventType       `json:"type"`
	CommandID string          `json:"commandId,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Trace     *TraceContext   `json:"_trace,omitempty"`
}

// UnknownEvent is what DecodeEventPayload returns for an event whose payload
// the broker does not interpret: a discriminator outside the enumerated
// event types, or an enumerated type with a free-form payload. The runner
// receive path does not drop events by type: an event with an unrecognized
// discriminator is forwarded to the Subscriber Hub like any other.
type UnknownEvent struct {
	Type EventType
	Raw  json.RawMessage
}

// --- Typed event payloads the broker itself needs to read. ---

type HTTPProxyResponsePayload struct {
	RequestID  string            `json:"requestId"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	IsChunked  bool              `json:"isChunked"`
	Body       string            `json:"body,omitempty"` // base64
}

type HTTPProxyChunkPayload struct {
	RequestID string `json:"requestId"`
	Chunk     string `json:"chunk"` // base64
	IsFinal   bool   `json:"isFinal"`
}

type HTTPProxyErrorPayload struct {
	RequestID  string `json:"requestId"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error"`
}

type HMRConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

type HMRMessageEventPayload struct {
	ConnectionID string `json:"connectionId"`
	Message      string `json:"message"`
}

type HMRDisconnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	Code         int    `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type HMRErrorPayload struct {
	ConnectionID string `json:"connectionId"`
	Error        string `json:"error"`
}

type RunnerStatusPayload struct {
	RunnerID  string `json:"runnerId"`
	Connected bool   `json:"connected"`
}

// ParseIncoming splits a raw frame into either a *Command or an *Event based
// on the discriminator: a type in the command-type set is a command,
// anything else is an event. Parse failures and unrecognized
// discriminators are the caller's responsibility to log + drop.
func ParseIncoming(raw []byte) (cmd *Command, evt *Event, err error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if IsCommandType(probe.Type) {
		var c Command
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, nil, fmt.Errorf("protocol: malformed command: %w", err)
		}
		return &c, nil, nil
	}
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, nil, fmt.Errorf("protocol: malformed event: %w", err)
	}
	return nil, &e, nil
}

// DecodeEventPayload unmarshals e.Payload into the struct matching e.Type
// for the event types the broker reads, or returns an UnknownEvent with the
// raw payload for every other type, enumerated or not.
func DecodeEventPayload(e *Event) (any, error) {
	var v any
	switch e.Type {
	case EvtHTTPProxyResponse:
		v = &HTTPProxyResponsePayload{}
	case EvtHTTPProxyChunk:
		v = &HTTPProxyChunkPayload{}
	case EvtHTTPProxyError:
		v = &HTTPProxyErrorPayload{}
	case EvtHMRConnected:
		v = &HMRConnectedPayload{}
	case EvtHMRMessage:
		v = &HMRMessageEventPayload{}
	case EvtHMRDisconnected:
		v = &HMRDisconnectedPayload{}
	case EvtHMRError:
		v = &HMRErrorPayload{}
	case EvtRunnerStatus:
		v = &RunnerStatusPayload{}
	case EvtAck, EvtLogChunk, EvtPortDetected, EvtPortConflict, EvtTunnelCreated,
		EvtTunnelClosed, EvtProcessExited, EvtBuildProgress, EvtBuildCompleted,
		EvtBuildFailed, EvtBuildStream, EvtProjectMetadata, EvtFilesDeleted,
		EvtFileContent, EvtFileWritten, EvtFileList, EvtDevServerError,
		EvtAutofixStarted, EvtError:
		// These carry free-form payloads the broker never interprets;
		// hand the raw
		// bytes back for the Subscriber Hub / Per-Command Event Stream to
		// forward untouched.
		return &UnknownEvent{Type: e.Type, Raw: e.Payload}, nil
	default:
		return &UnknownEvent{Type: e.Type, Raw: e.Payload}, nil
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, v); err != nil {
			return nil, fmt.Errorf("protocol: decode %s payload: %w", e.Type, err)
		}
	}
	return v, nil
}
