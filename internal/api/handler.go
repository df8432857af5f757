// Package api exposes the HTTP surface: the turn endpoint with SSE
// streaming, server and tool introspection, health, and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convoflow/convoflow/internal/contextmgr"
	"github.com/convoflow/convoflow/internal/mcp"
	orcherrors "github.com/convoflow/convoflow/pkg/errors"
	"github.com/convoflow/convoflow/pkg/types"
)

const logPrefix = "[API]"

// TurnRunner starts turns. Implemented by *orchestrator.Orchestrator.
type TurnRunner interface {
	RunTurn(ctx context.Context, req *types.TurnRequest) (<-chan types.TurnEvent, error)
}

// ServerAdmin exposes tool-server introspection and control. Implemented by
// *mcp.Registry.
type ServerAdmin interface {
	ServerInfos() []mcp.ServerInfo
	ReconnectServer(ctx context.Context, name string) error
	GetAllTools() []types.Tool
}

// Handler is the HTTP handler set.
type Handler struct {
	turns   TurnRunner
	servers ServerAdmin
	logger  *slog.Logger
}

// NewHandler creates the API handler. servers may be nil when no tool
// servers are configured.
func NewHandler(turns TurnRunner, servers ServerAdmin, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		turns:   turns,
		servers: servers,
		logger:  logger,
	}
}

// Routes returns the configured mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/turns", h.handleTurn)
	mux.HandleFunc("GET /v1/servers", h.handleServers)
	mux.HandleFunc("POST /v1/servers/{name}/reconnect", h.handleReconnect)
	mux.HandleFunc("GET /v1/tools", h.handleTools)
	mux.HandleFunc("GET /v1/strategies", h.handleStrategies)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req types.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, orcherrors.NewValidationError("api", "malformed request body: "+err.Error()))
		return
	}

	events, err := h.turns.RunTurn(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Stream {
		h.streamTurn(w, r, events)
		return
	}
	h.collectTurn(w, events)
}

// streamTurn forwards turn events as SSE frames, ending with the [DONE]
// sentinel.
func (h *Handler) streamTurn(w http.ResponseWriter, r *http.Request, events <-chan types.TurnEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, orcherrors.NewInternalError("api", "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			// Client went away; the turn goroutine notices via its own
			// context and drains out.
			return
		case ev, ok := <-events:
			if !ok {
				_, _ = w.Write([]byte("data: [DONE]\n\n"))
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error(logPrefix+" failed to marshal event", "error", err)
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

// turnResponse is the aggregated non-streaming result.
type turnResponse struct {
	ConversationID string            `json:"conversation_id"`
	Content        string            `json:"content"`
	Title          string            `json:"title,omitempty"`
	ToolCalls      []toolCallOutcome `json:"tool_calls,omitempty"`
	Error          string            `json:"error,omitempty"`
}

type toolCallOutcome struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// collectTurn drains the event stream into one JSON response.
func (h *Handler) collectTurn(w http.ResponseWriter, events <-chan types.TurnEvent) {
	var resp turnResponse
	for ev := range events {
		switch ev.Type {
		case types.EventContentDelta:
			resp.Content += ev.Content
		case types.EventToolCallComplete:
			resp.ToolCalls = append(resp.ToolCalls, toolCallOutcome{
				ToolCallID: ev.ToolCallID,
				ToolName:   ev.ToolName,
				Result:     ev.ToolResult,
			})
		case types.EventToolCallError:
			resp.ToolCalls = append(resp.ToolCalls, toolCallOutcome{
				ToolCallID: ev.ToolCallID,
				ToolName:   ev.ToolName,
				Error:      ev.Error,
			})
		case types.EventTitleUpdate:
			resp.Title = ev.Title
		case types.EventError:
			resp.Error = ev.Error
		case types.EventDone:
			resp.ConversationID = ev.ConversationID
		}
		if ev.ConversationID != "" {
			resp.ConversationID = ev.ConversationID
		}
	}

	status := http.StatusOK
	if resp.Error != "" && resp.Content == "" {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleServers(w http.ResponseWriter, _ *http.Request) {
	if h.servers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"servers": []mcp.ServerInfo{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": h.servers.ServerInfos()})
}

func (h *Handler) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if h.servers == nil {
		writeError(w, orcherrors.NewValidationError("api", "no tool servers configured"))
		return
	}
	name := r.PathValue("name")
	if err := h.servers.ReconnectServer(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected", "server": name})
}

func (h *Handler) handleTools(w http.ResponseWriter, _ *http.Request) {
	tools := []types.Tool{}
	if h.servers != nil {
		tools = h.servers.GetAllTools()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (h *Handler) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strategies": contextmgr.StrategyNames()})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a typed error as the standard error envelope.
func writeError(w http.ResponseWriter, err error) {
	var oe *orcherrors.OrchestratorError
	if !errors.As(err, &oe) {
		oe = orcherrors.NewInternalError("api", err.Error())
	}
	writeJSON(w, oe.HTTPStatusCode(), map[string]any{
		"error": map[string]any{
			"message": oe.Message,
			"type":    oe.Type,
			"code":    oe.StatusCode,
		},
	})
}
