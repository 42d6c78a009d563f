package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/ipc"
)

// ipcClient is a minimal synchronous client for the pm service's
// newline-delimited JSON-RPC-lite protocol (internal/ipc/protocol.go).
type ipcClient struct {
	conn   net.Conn
	reader *bufio.Reader
	nextID int64
}

// rpcError wraps a WireError so callers can recover the error code for
// exit-code mapping.
type rpcError struct {
	code    int
	message string
}

func (e *rpcError) Error() string { return e.message }

func dialIPC(path string) (*ipcClient, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, exitErr(ExitInfra, fmt.Errorf("connecting to pm service at %s: %w (is 'codex-pm service serve' running?)", path, err))
	}
	c := &ipcClient{conn: conn, reader: bufio.NewReader(conn)}
	if err := c.hello(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *ipcClient) hello() error {
	params, err := json.Marshal(ipc.HelloParams{ProtocolVersion: ipc.ProtocolVersion, ClientVersion: appVersion})
	if err != nil {
		return exitErr(ExitInfra, err)
	}
	var result ipc.HelloResult
	return c.call("hello", params, &result)
}

func (c *ipcClient) call(method string, params json.RawMessage, result interface{}) error {
	id := c.nextID
	c.nextID++
	env := ipc.Envelope{ID: &id, Method: method, Params: params}
	if err := c.write(env); err != nil {
		return exitErr(ExitInfra, err)
	}

	resp, err := c.read()
	if err != nil {
		return exitErr(ExitInfra, err)
	}
	if resp.Error != nil {
		return &rpcError{code: resp.Error.Code, message: resp.Error.Message}
	}
	if result != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return exitErr(ExitInfra, fmt.Errorf("decoding response: %w", err))
		}
	}
	return nil
}

// callJSON marshals v as the request params and invokes call.
func (c *ipcClient) callJSON(method string, v interface{}, result interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return exitErr(ExitInfra, err)
	}
	return c.call(method, raw, result)
}

// waitNotification blocks until a pushed notification named method arrives
// on this connection (used after bot.run with subscribe=true to wait for
// bot.terminal).
func (c *ipcClient) waitNotification(method string, result interface{}) error {
	for {
		env, err := c.read()
		if err != nil {
			return exitErr(ExitInfra, err)
		}
		if env.Method != method {
			continue
		}
		if result != nil && env.Params != nil {
			return json.Unmarshal(env.Params, result)
		}
		return nil
	}
}

func (c *ipcClient) write(env ipc.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.conn.Write(data)
	return err
}

func (c *ipcClient) read() (ipc.Envelope, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return ipc.Envelope{}, err
	}
	var env ipc.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return ipc.Envelope{}, err
	}
	return env, nil
}

func (c *ipcClient) Close() error { return c.conn.Close() }

// exitCodeForRPCError maps a wire error code to the documented process exit
// code taxonomy (SPEC_FULL.md §6). Unknown codes default to infra (3).
func exitCodeForRPCError(err error) int {
	rerr, ok := err.(*rpcError)
	if !ok {
		return ExitInfra
	}
	switch rerr.code {
	case core.WireCodeNeedsInput:
		return ExitNeedsInput
	case core.WireCodeNeedsApproval:
		return ExitNeedsApproval
	case core.WireCodeAlreadyTerminal:
		return ExitInvariant
	default:
		return ExitInfra
	}
}

// exitCodeForRunStatus maps a terminal bot-run status to the documented
// process exit code taxonomy.
func exitCodeForRunStatus(status string) int {
	switch status {
	case "succeeded":
		return ExitOK
	case "blocked", "cancelled":
		return ExitBlocked
	case "needs_attention":
		return ExitNeedsInput
	default: // failed
		return ExitInfra
	}
}
