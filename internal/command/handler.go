// Package command implements the operator command surface of a capture
// session: the interactive console and the Unix socket control channel.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"firestige.xyz/pcap4mcast/internal/log"
	"firestige.xyz/pcap4mcast/internal/session"
)

// Controller is the part of a capture session commands act on.
type Controller interface {
	Status() session.Status
	Flush() (int, error)
	Sync() error
}

// CommandHandler handles operator commands.
type CommandHandler struct {
	ctrl         Controller
	config       interface{} // dumped by the config command
	shutdownFunc func()      // called by the quit command
	startTime    int64       // Unix timestamp of process start for uptime calc
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(ctrl Controller) *CommandHandler {
	return &CommandHandler{
		ctrl:      ctrl,
		startTime: time.Now().Unix(),
	}
}

// SetShutdownFunc sets the callback invoked by the quit command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// SetConfig sets the effective configuration reported by the config command.
func (h *CommandHandler) SetConfig(cfg interface{}) {
	h.config = cfg
}

// Command represents an operator command.
type Command struct {
	Method string          `json:"method"` // e.g., "status", "flush"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Error codes
const (
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

// Methods
const (
	MethodStatus   = "status"
	MethodFlush    = "flush"
	MethodLogLevel = "log_level"
	MethodConfig   = "config"
	MethodQuit     = "quit"
	MethodHelp     = "help"
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	log.GetLogger().WithFields(log.Fields{"method": cmd.Method, "id": cmd.ID}).Debug("handling command")

	switch cmd.Method {
	case MethodStatus:
		return h.handleStatus(ctx, cmd)
	case MethodFlush:
		return h.handleFlush(ctx, cmd)
	case MethodLogLevel:
		return h.handleLogLevel(ctx, cmd)
	case MethodConfig:
		return h.handleConfig(ctx, cmd)
	case MethodQuit:
		return h.handleQuit(ctx, cmd)
	case MethodHelp:
		return Response{ID: cmd.ID, Result: map[string]interface{}{"text": helpText}}
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func errorResponse(id string, code int, msg string) Response {
	return Response{
		ID:    id,
		Error: &ErrorInfo{Code: code, Message: msg},
	}
}

// StatusResult is returned by status and flush.
type StatusResult struct {
	session.Status
	UptimeSec int64 `json:"uptime_sec"`
	Flushed   int   `json:"flushed,omitempty"`
}

// handleStatus syncs the capture file and reports the session counters.
func (h *CommandHandler) handleStatus(_ context.Context, cmd Command) Response {
	if err := h.ctrl.Sync(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("sync failed: %v", err))
	}
	return Response{ID: cmd.ID, Result: h.statusResult(0)}
}

// handleFlush writes every pending record regardless of age.
func (h *CommandHandler) handleFlush(_ context.Context, cmd Command) Response {
	n, err := h.ctrl.Flush()
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("flush failed: %v", err))
	}
	log.GetLogger().WithField("records", n).Info("forced flush")
	return Response{ID: cmd.ID, Result: h.statusResult(n)}
}

func (h *CommandHandler) statusResult(flushed int) StatusResult {
	return StatusResult{
		Status:    h.ctrl.Status(),
		UptimeSec: time.Now().Unix() - h.startTime,
		Flushed:   flushed,
	}
}

// LogLevelParams represents parameters for the log_level command. An empty
// level only queries the current one.
type LogLevelParams struct {
	Level string `json:"level,omitempty"`
}

func (h *CommandHandler) handleLogLevel(_ context.Context, cmd Command) Response {
	var params LogLevelParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
	}
	if params.Level != "" {
		if _, err := log.SetLevel(params.Level); err != nil {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, err.Error())
		}
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"level": log.Level().String(),
		},
	}
}

// handleConfig returns the effective configuration as YAML.
func (h *CommandHandler) handleConfig(_ context.Context, cmd Command) Response {
	if h.config == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "configuration not available")
	}
	out, err := yaml.Marshal(h.config)
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("marshal config: %v", err))
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"yaml": string(out),
		},
	}
}

// handleQuit triggers graceful shutdown via the registered callback.
func (h *CommandHandler) handleQuit(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	log.GetLogger().Info("quit command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "shutting_down",
		},
	}
}
