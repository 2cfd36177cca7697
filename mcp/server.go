package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
)

const (
	// maxLineBytes bounds a single request line. Commands embed pasted
	// step output, so the ceiling is generous.
	maxLineBytes = 10 * 1024 * 1024

	// initialScanBuffer is the starting scanner buffer size.
	initialScanBuffer = 64 * 1024
)

// ErrUnknownTool is returned by ToolHandler.CallTool when the named tool
// is not registered. The server maps it to an invalid-params RPC error.
var ErrUnknownTool = stderrors.New("unknown tool")

// ToolHandler supplies the server's tool surface.
type ToolHandler interface {
	// Tools returns the descriptors served by tools/list.
	Tools() []Tool

	// CallTool executes one named tool. Tool-level failures belong in
	// the result's IsError flag; an error return becomes an IsError
	// result except ErrUnknownTool, which becomes an RPC error.
	CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error)
}

// Options configures a Server.
type Options struct {
	// Name and Version identify the server in the initialize response.
	Name    string
	Version string

	// In and Out override the transport streams. Defaults: stdin, stdout.
	In  io.Reader
	Out io.Writer
}

// Server is a line-framed JSON-RPC 2.0 server over stdio. One request
// per line in, one response per line out; responses are serialized by a
// write mutex so concurrent tool calls never interleave bytes.
type Server struct {
	handler ToolHandler
	name    string
	version string

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
	wg      sync.WaitGroup

	log *slog.Logger
}

// NewServer creates a stdio server around the given tool handler.
func NewServer(handler ToolHandler, opts Options) *Server {
	s := &Server{
		handler: handler,
		name:    opts.Name,
		version: opts.Version,
		in:      opts.In,
		out:     opts.Out,
		log:     logger.With("mcp"),
	}
	if s.in == nil {
		s.in = os.Stdin
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	return s
}

// Serve reads requests until EOF or context cancellation, then waits for
// in-flight tool calls to finish. The scanner error, if any, is returned;
// a clean EOF returns nil.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, initialScanBuffer), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.log.Warn("request parse failed", "error", err)
			s.write(Response{JSONRPC: "2.0", ID: nil, Error: &RPCError{
				Code:    CodeParseError,
				Message: "parse error",
			}})
			continue
		}
		s.dispatch(ctx, &req)
	}

	s.wg.Wait()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio read failed: %w", err)
	}
	return nil
}

// dispatch routes one request. Notifications never produce output.
func (s *Server) dispatch(ctx context.Context, req *Request) {
	switch req.Method {
	case "initialize":
		s.reply(req, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
			ServerInfo:      Implementation{Name: s.name, Version: s.version},
		})

	case "notifications/initialized":
		s.log.Debug("client initialized")

	case "ping":
		s.reply(req, struct{}{})

	case "tools/list":
		s.reply(req, ToolsListResult{Tools: s.handler.Tools()})

	case "tools/call":
		s.handleCallTool(ctx, req)

	default:
		if req.IsNotification() {
			s.log.Debug("ignoring notification", "method", req.Method)
			return
		}
		s.replyError(req, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// handleCallTool runs the tool in its own goroutine so a slow chain step
// or script execution does not stall the read loop.
func (s *Server) handleCallTool(ctx context.Context, req *Request) {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.replyError(req, CodeInvalidParams, "invalid params")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			// A handler panic must not take down the transport loop.
			if r := recover(); r != nil {
				s.log.Error("tool call panicked", "tool", params.Name, "panic", r)
				s.replyError(req, CodeInternalError, fmt.Sprintf("internal error in tool %q", params.Name))
			}
		}()

		result, err := s.handler.CallTool(ctx, params.Name, params.Arguments)
		switch {
		case stderrors.Is(err, ErrUnknownTool):
			s.replyError(req, CodeInvalidParams, fmt.Sprintf("unknown tool: %s", params.Name))
		case err != nil:
			s.reply(req, ErrorResult(err.Error()))
		default:
			s.reply(req, result)
		}
	}()
}

// reply writes a success response unless the request was a notification.
func (s *Server) reply(req *Request, result any) {
	if req.IsNotification() {
		return
	}
	s.write(Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// replyError writes an error response unless the request was a notification.
func (s *Server) replyError(req *Request, code int, message string) {
	if req.IsNotification() {
		return
	}
	s.write(Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: code, Message: message}})
}

func (s *Server) write(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("response marshal failed", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.log.Error("response write failed", "error", err)
	}
}
