package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/botrun"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/events"
)

// Server is the Unix-socket JSON-RPC-lite server for bot-run operations.
type Server struct {
	manager *botrun.Manager
	logger  *slog.Logger
}

// NewServer creates an IPC server bound to a bot-run manager.
func NewServer(manager *botrun.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: manager, logger: logger}
}

// Listen removes any stale socket file at path and binds a new Unix
// listener there.
func Listen(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, core.ErrTransport("LISTEN_FAILED", "binding unix socket").WithCause(err)
	}
	return l, nil
}

// Serve accepts connections until ctx is cancelled or the listener errs.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		s.manager.IncConnections()
		go func() {
			defer s.manager.DecConnections()
			defer conn.Close()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	writer := newLineWriter(conn)

	first, err := readLine(reader)
	if err != nil {
		return
	}
	var env Envelope
	if err := json.Unmarshal(first, &env); err != nil || env.Method != "hello" {
		_ = writer.writeError(env.ID, core.WireCodeInvalidRequest, "first message must be hello")
		return
	}
	var hp HelloParams
	if env.Params != nil {
		_ = json.Unmarshal(env.Params, &hp)
	}
	if hp.ProtocolVersion != ProtocolVersion {
		_ = writer.writeError(env.ID, core.WireCodeInvalidParams, "unsupported protocol_version")
		return
	}
	if err := writer.writeResult(env.ID, HelloResult{
		ProtocolVersion: ProtocolVersion,
		ServiceVersion:  ServiceVersion,
		Capabilities:    Capabilities,
	}); err != nil {
		return
	}

	for {
		line, err := readLine(reader)
		if err != nil {
			return
		}
		var req Envelope
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writer.writeError(nil, core.WireCodeInvalidRequest, "malformed request")
			continue
		}

		result, terminalCh, unsub, rpcErr := s.dispatch(ctx, req)
		if rpcErr != nil {
			_ = writer.writeError(req.ID, core.WireCode(rpcErr), rpcErr.Error())
			continue
		}
		if err := writer.writeResult(req.ID, result); err != nil {
			if unsub != nil {
				unsub()
			}
			return
		}
		if terminalCh != nil {
			go s.pumpTerminal(ctx, writer, terminalCh, unsub)
		}
	}
}

// pumpTerminal forwards notifications from a per-run subscription to the
// connection until the channel closes or ctx is cancelled, releasing the
// subscription on exit.
func (s *Server) pumpTerminal(ctx context.Context, writer *lineWriter, ch <-chan events.Event, unsub func()) {
	if unsub != nil {
		defer unsub()
	}
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			bte, ok := evt.(events.BotTerminalEvent)
			if !ok {
				continue
			}
			_ = writer.writeNotification("bot.terminal", BotTerminalParams{
				RunID: bte.RunID, Status: bte.Status, ExitCode: bte.ExitCode,
				Summary: bte.Summary, ArtifactURIs: bte.ArtifactURIs,
			})
			return
		case <-ctx.Done():
			return
		}
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(line) == 0 && errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	return line, nil
}

type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLineWriter(w io.Writer) *lineWriter { return &lineWriter{w: w} }

func (lw *lineWriter) write(env Envelope) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = lw.w.Write(data)
	return err
}

func (lw *lineWriter) writeResult(id *int64, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return lw.write(Envelope{ID: id, Result: raw})
}

func (lw *lineWriter) writeError(id *int64, code int, message string) error {
	return lw.write(Envelope{ID: id, Error: &WireError{Code: code, Message: message}})
}

func (lw *lineWriter) writeNotification(method string, params interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return lw.write(Envelope{Method: method, Params: raw})
}
