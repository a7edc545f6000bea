package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chat-relay/internal/domain"
	"chat-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
)

// Relay is the use case surface the handler serves.
type Relay interface {
	Chat(ctx context.Context, req domain.ChatRequest) domain.ChatResult
	StreamChat(ctx context.Context, req domain.ChatRequest, sink usecase.EventSink) error
}

type chatResponse struct {
	OK   bool   `json:"ok"`
	Text string `json:"text"`
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// Handler serves the chat relay HTTP API.
type Handler struct {
	relay  Relay
	logger *slog.Logger
	router chi.Router
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(relay Relay, opts ...Option) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	h := &Handler{relay: relay, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.router = h.routes()
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors)
	r.Use(correlationID)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})
	r.Post("/api/chat", h.chat)
	r.Post("/api/chat-stream", h.chatStream)
	return r
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(w, r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	res := h.relay.Chat(r.Context(), req)
	if !res.OK {
		writeJSON(w, res.StatusCode, errorResponse{Code: res.StatusCode, Error: res.Message})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{OK: true, Text: res.Text})
}

func (h *Handler) chatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(w, r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	sink := newSSESink(w, r)
	defer func() { _ = sink.Close() }()

	err = h.relay.StreamChat(r.Context(), req, sink)
	if err == nil {
		return
	}
	if !sink.committed() {
		h.logger.Error("stream could not be opened", "err", err, "request_id", middleware.GetReqID(r.Context()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Code:  http.StatusInternalServerError,
			Error: "Streaming unavailable",
		})
		return
	}
	h.logger.Warn("stream ended with error", "err", err, "request_id", middleware.GetReqID(r.Context()))
}

// decodeChatRequest reads the request body. An empty body is an empty
// request; a missing messages field is an empty history.
func decodeChatRequest(w http.ResponseWriter, r *http.Request) (domain.ChatRequest, error) {
	var req domain.ChatRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		return domain.ChatRequest{}, usecase.NewValidationError("invalid_json", err)
	}
	if req.Messages == nil {
		req.Messages = []domain.ChatMessage{}
	}
	return req, nil
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Info("rejected request", "path", r.URL.Path, "err", err)
	writeJSON(w, http.StatusBadRequest, errorResponse{Code: http.StatusBadRequest, Error: "Invalid JSON body"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		buf = []byte(fmt.Sprintf(`{"ok":false,"code":%d,"error":"Server error"}`, status))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// cors reflects the caller's origin; any origin is allowed.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		} else {
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", correlationHeader}, ", "))
		w.Header().Set("Access-Control-Expose-Headers", correlationHeader)

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// correlationID echoes the caller's correlation id, or the chi request id
// when none was sent.
func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}
		if id != "" {
			w.Header().Set(correlationHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}
