package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/botrun"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/pmstore"
)

func startTestServer(t *testing.T) (net.Conn, func()) {
	t.Helper()
	store := pmstore.New(t.TempDir(), nil)
	bus := events.New(16)
	mgr := botrun.NewManager(store, bus, nil)
	srv := NewServer(mgr, nil)

	sockPath := filepath.Join(t.TempDir(), "pm.sock")
	l, err := Listen(sockPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, l) }()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)

	return conn, func() {
		conn.Close()
		cancel()
		l.Close()
	}
}

func sendLine(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func readEnvelope(t *testing.T, reader *bufio.Reader) Envelope {
	t.Helper()
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(line, &env))
	return env
}

func doHello(t *testing.T, conn net.Conn, reader *bufio.Reader) {
	t.Helper()
	one := int64(1)
	sendLine(t, conn, Envelope{ID: &one, Method: "hello", Params: mustJSON(HelloParams{ProtocolVersion: ProtocolVersion, ClientVersion: "test"})})
	env := readEnvelope(t, reader)
	require.Nil(t, env.Error)
	var hr HelloResult
	require.NoError(t, json.Unmarshal(env.Result, &hr))
	assert.Equal(t, ProtocolVersion, hr.ProtocolVersion)
}

func mustJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func TestHelloHandshakeSucceeds(t *testing.T) {
	conn, cleanup := startTestServer(t)
	defer cleanup()
	reader := bufio.NewReader(conn)
	doHello(t, conn, reader)
}

func TestHelloWrongProtocolVersionRejected(t *testing.T) {
	conn, cleanup := startTestServer(t)
	defer cleanup()
	reader := bufio.NewReader(conn)

	one := int64(1)
	sendLine(t, conn, Envelope{ID: &one, Method: "hello", Params: mustJSON(HelloParams{ProtocolVersion: 999, ClientVersion: "test"})})
	env := readEnvelope(t, reader)
	require.NotNil(t, env.Error)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	conn, cleanup := startTestServer(t)
	defer cleanup()
	reader := bufio.NewReader(conn)
	doHello(t, conn, reader)

	two := int64(2)
	sendLine(t, conn, Envelope{ID: &two, Method: "bot.frobnicate"})
	env := readEnvelope(t, reader)
	require.NotNil(t, env.Error)
}

func TestBotRunThenBotShowRoundTrip(t *testing.T) {
	conn, cleanup := startTestServer(t)
	defer cleanup()
	reader := bufio.NewReader(conn)
	doHello(t, conn, reader)

	two := int64(2)
	sendLine(t, conn, Envelope{ID: &two, Method: "bot.run", Params: mustJSON(BotRunParams{
		WorkspacePath: "/ws", WorkItemID: "WI-1", Kind: "research",
		CaptureMode: "prompts_only", WriteMode: "none",
	})})
	env := readEnvelope(t, reader)
	require.Nil(t, env.Error)
	var runResult BotRunResult
	require.NoError(t, json.Unmarshal(env.Result, &runResult))
	assert.Equal(t, "succeeded", runResult.Status)

	three := int64(3)
	sendLine(t, conn, Envelope{ID: &three, Method: "bot.show", Params: mustJSON(BotShowParams{RunID: runResult.RunID})})
	env = readEnvelope(t, reader)
	require.Nil(t, env.Error)
}

func TestBotRunSubscribeDeliversTerminalNotification(t *testing.T) {
	conn, cleanup := startTestServer(t)
	defer cleanup()
	reader := bufio.NewReader(conn)
	doHello(t, conn, reader)

	two := int64(2)
	sendLine(t, conn, Envelope{ID: &two, Method: "bot.run", Params: mustJSON(BotRunParams{
		WorkspacePath: "/ws", WorkItemID: "WI-2", Kind: "research",
		CaptureMode: "prompts_only", WriteMode: "none", Subscribe: true,
	})})
	env := readEnvelope(t, reader)
	require.Nil(t, env.Error)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	notif := readEnvelope(t, reader)
	assert.Equal(t, "bot.terminal", notif.Method)
	var params BotTerminalParams
	require.NoError(t, json.Unmarshal(notif.Params, &params))
	assert.Equal(t, "succeeded", params.Status)
}

func TestServiceStatusReportsActiveRunCount(t *testing.T) {
	conn, cleanup := startTestServer(t)
	defer cleanup()
	reader := bufio.NewReader(conn)
	doHello(t, conn, reader)

	two := int64(2)
	sendLine(t, conn, Envelope{ID: &two, Method: "service.status"})
	env := readEnvelope(t, reader)
	require.Nil(t, env.Error)
	var status ServiceStatusResult
	require.NoError(t, json.Unmarshal(env.Result, &status))
	assert.GreaterOrEqual(t, status.UptimeS, 0.0)
}
