// api/internal/protocol/command.go
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandType is the discriminator carried on every command envelope.
type CommandType string

const (
	CmdStartBuild         CommandType = "start-build"
	CmdStartDevServer     CommandType = "start-dev-server"
	CmdStopDevServer      CommandType = "stop-dev-server"
	CmdStartTunnel        CommandType = "start-tunnel"
	CmdStopTunnel         CommandType = "stop-tunnel"
	CmdFetchLogs          CommandType = "fetch-logs"
	CmdRunnerHealthCheck  CommandType = "runner-health-check"
	CmdDeleteProjectFiles CommandType = "delete-project-files"
	CmdReadFile           CommandType = "read-file"
	CmdWriteFile          CommandType = "write-file"
	CmdListFiles          CommandType = "list-files"
	CmdHTTPProxyRequest   CommandType = "http-proxy-request"
	CmdHMRConnect         CommandType = "hmr-connect"
	CmdHMRMessage         CommandType = "hmr-message"
	CmdHMRDisconnect      CommandType = "hmr-disconnect"
)

// commandTypes is the complete enumeration, used to decide "is this a
// command or an event" when a raw frame arrives with only a type field.
var commandTypes = map[CommandType]bool{
	CmdStartBuild: true, CmdStartDevServer: true, CmdStopDevServer: true,
	CmdStartTunnel: true, CmdStopTunnel: true, CmdFetchLogs: true,
	CmdRunnerHealthCheck: true, CmdDeleteProjectFiles: true, CmdReadFile: true,
	CmdWriteFile: true, CmdListFiles: true, CmdHTTPProxyRequest: true,
	CmdHMRConnect: true, CmdHMRMessage: true, CmdHMRDisconnect: true,
}

// IsCommandType reports whether type belongs to the command enumeration,
// as opposed to the event enumeration.
func IsCommandType(t string) bool {
	return commandTypes[CommandType(t)]
}

// Command is the wire envelope for every message the app sends to a runner.
// Payload is decoded lazily via DecodePayload once the discriminator is known.
type Command struct {
	ID        string          `json:"id"`
	Type      CommandType     `json:"type"`
	ProjectID string          `json:"projectId"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Trace     *TraceContext   `json:"_trace,omitempty"`
}

// NewCommand stamps id/timestamp and marshals payload into the envelope.
func NewCommand(id string, t CommandType, projectID string, payload any) (*Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload for %s: %w", t, err)
	}
	return &Command{
		ID:        id,
		Type:      t,
		ProjectID: projectID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   raw,
	}, nil
}

// WithTrace attaches a trace envelope in place and returns the command for chaining.
func (c *Command) WithTrace(tc *TraceContext) *Command {
	c.Trace = tc
	return c
}

// --- Typed command payloads, one struct per enumerated type. ---

type StartBuildPayload struct {
	Prompt              string          `json:"prompt"`
	OperationType       string          `json:"operationType"`
	ProjectSlug         string          `json:"projectSlug"`
	ProjectName         string          `json:"projectName"`
	Agent               string          `json:"agent,omitempty"`
	ClaudeModel         string          `json:"claudeModel,omitempty"`
	Template            string          `json:"template,omitempty"`
	Tags                []string        `json:"tags,omitempty"`
	ConversationHistory json.RawMessage `json:"conversationHistory,omitempty"`
	IsAutoFix           bool            `json:"isAutoFix,omitempty"`
	AutoFixError        string          `json:"autoFixError,omitempty"`
	CodexThreadID       string          `json:"codexThreadId,omitempty"`
}

type StartDevServerPayload struct {
	RunCommand       string            `json:"runCommand"`
	WorkingDirectory string            `json:"workingDirectory"`
	Env              map[string]string `json:"env,omitempty"`
	PreferredPort    int               `json:"preferredPort,omitempty"`
	Framework        string            `json:"framework,omitempty"`
}

type StopDevServerPayload struct{}

type StartTunnelPayload struct {
	Port int `json:"port"`
}

type StopTunnelPayload struct {
	Port int `json:"port"`
}

type FetchLogsPayload struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type RunnerHealthCheckPayload struct{}

type DeleteProjectFilesPayload struct {
	Slug string `json:"slug"`
}

type ReadFilePayload struct {
	Slug     string `json:"slug"`
	FilePath string `json:"filePath"`
}

type WriteFilePayload struct {
	Slug     string `json:"slug"`
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

type ListFilesPayload struct {
	Slug string `json:"slug"`
	Path string `json:"path,omitempty"`
}

type HTTPProxyRequestPayload struct {
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body,omitempty"` // base64
	Port      int               `json:"port"`
}

type HMRConnectPayload struct {
	ConnectionID string `json:"connectionId"`
	Port         int    `json:"port"`
	Protocol     string `json:"protocol,omitempty"`
}

type HMRMessagePayload struct {
	ConnectionID string `json:"connectionId"`
	Message      string `json:"message"`
}

type HMRDisconnectPayload struct {
	ConnectionID string `json:"connectionId"`
}

// DecodeCommandPayload unmarshals c.Payload into the struct matching c.Type.
// Unknown types return an error; callers decide whether that is fatal.
// The runner receive path does not call this: command frames arriving from
// a runner are dropped before their payload is decoded.
func DecodeCommandPayload(c *Command) (any, error) {
	var v any
	switch c.Type {
	case CmdStartBuild:
		v = &StartBuildPayload{}
	case CmdStartDevServer:
		v = &StartDevServerPayload{}
	case CmdStopDevServer:
		v = &StopDevServerPayload{}
	case CmdStartTunnel:
		v = &StartTunnelPayload{}
	case CmdStopTunnel:
		v = &StopTunnelPayload{}
	case CmdFetchLogs:
		v = &FetchLogsPayload{}
	case CmdRunnerHealthCheck:
		v = &RunnerHealthCheckPayload{}
	case CmdDeleteProjectFiles:
		v = &DeleteProjectFilesPayload{}
	case CmdReadFile:
		v = &ReadFilePayload{}
	case CmdWriteFile:
		v = &WriteFilePayload{}
	case CmdListFiles:
		v = &ListFilesPayload{}
	case CmdHTTPProxyRequest:
		v = &HTTPProxyRequestPayload{}
	case CmdHMRConnect:
		v = &HMRConnectPayload{}
	case CmdHMRMessage:
		v = &HMRMessagePayload{}
	case CmdHMRDisconnect:
		v = &HMRDisconnectPayload{}
	default:
		return nil, fmt.Errorf("protocol: unknown command type %q", c.Type)
	}
	if len(c.Payload) > 0 {
		if err := json.Unmarshal(c.Payload, v); err != nil {
			return nil, fmt.Errorf("protocol: decode %s payload: %w", c.Type, err)
		}
	}
	return v, nil
}
