// Package ipc implements the local bot-run service transport (component
// C6): a newline-delimited JSON-RPC-lite server over a Unix domain socket,
// plus a loopback HTTP surface for health and metrics. Wire framing is
// grounded on the original_source pm-service/src/ipc.rs serve_path helper;
// server lifecycle and the auxiliary HTTP surface follow the teacher's
// internal/api/server.go conventions.
package ipc

import "encoding/json"

// ProtocolVersion is the wire protocol version this server speaks.
const ProtocolVersion = 1

// ServiceVersion is advertised in the hello response. Overridden at build
// time in production; hardcoded here as the development default.
var ServiceVersion = "dev"

// Capabilities lists the method names this server supports, advertised in
// the hello response so clients can feature-detect.
var Capabilities = []string{
	"bot.run", "bot.status", "bot.show", "bot.runs", "bot.cancel", "bot.resume",
	"service.status", "service.doctor",
}

// Envelope is the newline-delimited wire unit: a request, a response, or a
// server-pushed notification (which omits ID).
type Envelope struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the JSON-RPC-lite error shape.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HelloParams is the required first message on every connection.
type HelloParams struct {
	ProtocolVersion int    `json:"protocol_version"`
	ClientVersion   string `json:"client_version"`
}

// HelloResult is the server's reply to hello.
type HelloResult struct {
	ProtocolVersion int      `json:"protocol_version"`
	ServiceVersion  string   `json:"service_version"`
	Capabilities    []string `json:"capabilities"`
}

// BotRunParams is the bot.run request payload.
type BotRunParams struct {
	WorkspacePath string `json:"workspace_path"`
	WorkItemID    string `json:"work_item_id"`
	Kind          string `json:"kind"`
	CaptureMode   string `json:"capture_mode"`
	WriteMode     string `json:"write_mode"`
	Trigger       string `json:"trigger,omitempty"`
	Subscribe     bool   `json:"subscribe,omitempty"`
}

// BotRunResult is the bot.run response payload.
type BotRunResult struct {
	RunID        string   `json:"run_id"`
	Status       string   `json:"status"`
	ExitCode     int      `json:"exit_code,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	ArtifactURIs []string `json:"artifact_uris,omitempty"`
}

// BotTerminalParams is the payload of a pushed bot.terminal notification.
type BotTerminalParams struct {
	RunID        string   `json:"run_id"`
	Status       string   `json:"status"`
	ExitCode     int      `json:"exit_code"`
	Summary      string   `json:"summary"`
	ArtifactURIs []string `json:"artifact_uris"`
}

// BotStatusParams is the bot.status request payload.
type BotStatusParams struct {
	WorkspacePath string  `json:"workspace_path"`
	WorkItemID    string  `json:"work_item_id"`
	Kind          *string `json:"kind,omitempty"`
}

// BotShowParams is the bot.show request payload.
type BotShowParams struct {
	RunID string `json:"run_id"`
}

// BotRunsParams is the bot.runs request payload.
type BotRunsParams struct {
	WorkspacePath string `json:"workspace_path"`
	WorkItemID    string `json:"work_item_id"`
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
}

// BotRunsResult is the bot.runs response payload.
type BotRunsResult struct {
	Runs  []BotRunResult `json:"runs"`
	Total int            `json:"total"`
}

// BotCancelParams is the bot.cancel request payload.
type BotCancelParams struct {
	WorkspacePath string `json:"workspace_path"`
	WorkItemID    string `json:"work_item_id"`
	RunID         string `json:"run_id"`
}

// BotResumeParams is the bot.resume request payload.
type BotResumeParams struct {
	WorkspacePath string `json:"workspace_path"`
	RunID         string `json:"run_id"`
}

// ServiceStatusResult is the service.status response payload.
type ServiceStatusResult struct {
	UptimeS          float64  `json:"uptime_s"`
	ActiveRunCount   int      `json:"active_run_count"`
	ActiveWorkspaces []string `json:"active_workspaces"`
	Connections      int64    `json:"connections"`
}

// ServiceDoctorResult is the service.doctor response payload.
type ServiceDoctorResult struct {
	Healthy  bool     `json:"healthy"`
	Checks   []string `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}
