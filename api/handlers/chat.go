package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/api"
	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/internal/ctxkeys"
	"github.com/BaSui01/modelgate/types"
)

// Dispatcher executes chat requests against upstream providers.
// Satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Completion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
	Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error)
}

// ChatHandler serves POST /v1/chat/completions, both unary and
// streaming depending on the request's stream flag.
type ChatHandler struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewChatHandler builds the chat ingress handler.
func NewChatHandler(d Dispatcher, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{dispatcher: d, logger: logger.With(zap.String("component", "chat_handler"))}
}

// HandleCompletion is the single chat-completions entry point.
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}

	var body api.ChatCompletionRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	if err := validateChatRequest(&body); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	requestID, _ := ctxkeys.RequestID(r.Context())
	req := body.ToCanonical(requestID)

	if req.Stream {
		h.serveStream(w, r, req)
		return
	}
	h.serveUnary(w, r, req)
}

func (h *ChatHandler) serveUnary(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest) {
	resp, err := h.dispatcher.Completion(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("chat completion served",
		zap.String("request_id", req.RequestID),
		zap.String("model", req.Model),
		zap.String("provider", resp.Provider),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Int64("latency_ms", resp.LatencyMS))
	WriteJSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) serveStream(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
			"streaming unsupported by server", h.logger)
		return
	}

	stream, err := h.dispatcher.Stream(r.Context(), req)
	if err != nil {
		// The stream never opened; a normal JSON error still works.
		WriteError(w, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range stream {
		if chunk.Err != nil {
			h.logger.Warn("stream terminated by upstream error",
				zap.String("request_id", req.RequestID), zap.Error(chunk.Err))
			writeSSEError(w, chunk.Err)
			flusher.Flush()
			return
		}
		if len(chunk.Raw) == 0 {
			continue
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := w.Write(chunk.Raw); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}

	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// writeSSEError emits a terminal error event in the OpenAI envelope so
// streaming clients can surface it.
func writeSSEError(w http.ResponseWriter, err error) {
	terr := types.AsError(err)
	payload := api.ErrorEnvelope{Error: api.ErrorDetail{
		Message: terr.Message,
		Type:    errorTypeFor(terr.Code),
		Code:    string(terr.Code),
	}}
	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return
	}
	_, _ = w.Write([]byte("event: error\ndata: "))
	_, _ = w.Write(raw)
	_, _ = w.Write([]byte("\n\n"))
}

func validateChatRequest(req *api.ChatCompletionRequest) *types.Error {
	if req.Model == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages cannot be empty").
			WithHTTPStatus(http.StatusBadRequest)
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant", "tool", "function":
		default:
			return types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("messages[%d].role must be one of system, user, assistant, tool, or function", i)).
				WithHTTPStatus(http.StatusBadRequest)
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return types.NewError(types.ErrInvalidRequest, "top_p must be between 0 and 1").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if req.MaxTokens < 0 {
		return types.NewError(types.ErrInvalidRequest, "max_tokens must be non-negative").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if req.RetryCount != nil && *req.RetryCount < 0 {
		return types.NewError(types.ErrInvalidRequest, "retry_count must be non-negative").
			WithHTTPStatus(http.StatusBadRequest)
	}
	return nil
}
