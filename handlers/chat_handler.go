package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/upb/llm-relay/middleware"
	"github.com/upb/llm-relay/services"
	"github.com/upb/llm-relay/services/providers"
	"github.com/upb/llm-relay/services/relay"
	"github.com/upb/llm-relay/utils"
)

// maxRequestBody bounds an inbound chat request
const maxRequestBody = 10 << 20

// Response headers describing how a request was served
const (
	HeaderChannel  = "X-Relay-Channel"
	HeaderAttempts = "X-Relay-Attempts"
)

// ChatStream is a started upstream stream
type ChatStream interface {
	Recv() (*providers.StreamChunk, error)
	Close() error
}

// ChatRelay sends chat requests upstream
type ChatRelay interface {
	Relay(ctx context.Context, rc *relay.RequestContext, req *providers.ChatRequest) (*providers.ChatResponse, error)
	RelayStream(ctx context.Context, rc *relay.RequestContext, req *providers.ChatRequest) (ChatStream, error)
}

// RelayAdapter exposes a relay.Service as a ChatRelay
type RelayAdapter struct {
	*relay.Service
}

// RelayStream implements ChatRelay
func (a RelayAdapter) RelayStream(ctx context.Context, rc *relay.RequestContext, req *providers.ChatRequest) (ChatStream, error) {
	st, err := a.Service.RelayStream(ctx, rc, req)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// streamErrorEvent is the payload of the last event of a stream that failed midway
type streamErrorEvent struct {
	Error utils.ErrorResponse `json:"error"`
}

// ChatHandler serves OpenAI-compatible chat completions
type ChatHandler struct {
	relay  ChatRelay
	logger *zap.Logger
}

// NewChatHandler creates a new ChatHandler
func NewChatHandler(relay ChatRelay, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		relay:  relay,
		logger: logger,
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req providers.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = utils.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large", nil)
			return
		}
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	userID := middleware.GetUserIDFromContext(ctx)
	if userID == "" {
		userID = req.User
	}
	rc := relay.NewRequestContext(requestID, userID, req.Model)

	h.logger.Debug("processing chat completion",
		zap.String("request_id", rc.RequestID),
		zap.String("model", req.Model),
		zap.Bool("stream", req.Stream))

	if req.Stream {
		h.stream(w, r, rc, &req)
		return
	}

	resp, err := h.relay.Relay(ctx, rc, &req)
	if err != nil {
		h.logger.Warn("chat completion failed",
			zap.String("request_id", rc.RequestID),
			zap.Int("attempts", rc.Attempt),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	setRelayHeaders(w, rc)
	if err := utils.WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", rc.RequestID),
			zap.Error(err))
	}
}

func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, rc *relay.RequestContext, req *providers.ChatRequest) {
	st, err := h.relay.RelayStream(r.Context(), rc, req)
	if err != nil {
		h.logger.Warn("chat stream failed to start",
			zap.String("request_id", rc.RequestID),
			zap.Int("attempts", rc.Attempt),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}
	defer st.Close()

	setRelayHeaders(w, rc)
	out := utils.NewSSEWriter(w)
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			if err := out.WriteDone(); err != nil {
				h.logger.Debug("client gone before done", zap.String("request_id", rc.RequestID))
			}
			return
		}
		if err != nil {
			h.logger.Warn("chat stream interrupted",
				zap.String("request_id", rc.RequestID),
				zap.String("error_type", string(services.GetErrorType(err))),
				zap.Error(err))
			_ = out.WriteJSON(streamErrorEvent{Error: utils.ErrorResponse{
				Error:   utils.ErrorCode(StatusForError(err)),
				Message: ClientMessage(err),
			}})
			return
		}
		if err := out.WriteJSON(chunk); err != nil {
			h.logger.Debug("client gone mid-stream",
				zap.String("request_id", rc.RequestID),
				zap.Error(err))
			return
		}
	}
}

func setRelayHeaders(w http.ResponseWriter, rc *relay.RequestContext) {
	if n := len(rc.UsedChannelIDs); n > 0 {
		w.Header().Set(HeaderChannel, rc.UsedChannelIDs[n-1])
	}
	w.Header().Set(HeaderAttempts, strconv.Itoa(rc.Attempt))
}
