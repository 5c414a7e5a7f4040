package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/qwenbridge/internal/attach"
	"github.com/kalambet/qwenbridge/internal/translate"
)

// Inline base64 images make chat bodies large.
const maxRequestBodySize = 32 << 20 // 32MB

// Service is what the HTTP and MCP surfaces need from the bridge.
type Service interface {
	Complete(ctx context.Context, req translate.ChatRequest, w http.ResponseWriter) error
	Chat(ctx context.Context, req translate.ChatRequest) (translate.Completion, error)
	Upload(ctx context.Context, dataURL string) (attach.Descriptor, error)
	DeleteChat(ctx context.Context, id string) error
	Models(ctx context.Context) translate.ModelList
}

// Options configures the HTTP handler.
type Options struct {
	// APIKey, when set, is required as a bearer token on /v1 routes.
	APIKey string
	// Metrics, when non-nil, is served at /metrics.
	Metrics http.Handler
}

// NewOpenAIHandler returns an http.Handler implementing the OpenAI-compatible
// REST API on top of svc.
func NewOpenAIHandler(svc Service, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", handleIndex)
	r.Get("/health", handleHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(BearerAuth(opts.APIKey))
		}
		r.Get("/models", handleModels(svc))
		r.Post("/chat/completions", handleChatCompletions(svc))
		r.Post("/uploads", handleUpload(svc))
		r.Delete("/chats/{id}", handleDeleteChat(svc))
	})

	return r
}

func handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "qwenbridge: OpenAI-compatible proxy for chat.qwen.ai is running (image uploads supported).",
		"docs":    "https://platform.openai.com/docs/api-reference/chat",
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleModels(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Models(r.Context()))
	}
}

func handleChatCompletions(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req translate.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Messages) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}

		if err := svc.Complete(r.Context(), req, w); err != nil {
			writeServiceError(w, err)
		}
	}
}

type uploadRequest struct {
	FileData string `json:"file_data"`
}

type uploadResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int    `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
	Status    string `json:"status"`
	URL       string `json:"url"`
}

func handleUpload(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !attach.IsDataURL(req.FileData) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file_data must be a base64 image data URL")
			return
		}

		d, err := svc.Upload(r.Context(), req.FileData)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, uploadResponse{
			ID:        d.RemoteID,
			Object:    "file",
			Bytes:     d.SizeBytes,
			CreatedAt: d.CreatedAt.Unix(),
			Filename:  d.Filename,
			Purpose:   "vision",
			Status:    "uploaded",
			URL:       d.URL,
		})
	}
}

func handleDeleteChat(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.DeleteChat(r.Context(), id); err != nil {
			slog.Warn("manual chat delete failed", "chat_id", id, "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": fmt.Sprintf("attempted to delete chat %s", id),
			"success": true,
		})
	}
}

// writeServiceError maps a bridge error to an HTTP status. Only request
// validation failures are the caller's fault.
func writeServiceError(w http.ResponseWriter, err error) {
	var te *translate.TranslationError
	if errors.As(err, &te) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", te.Error())
		return
	}
	slog.Error("request failed", "error", err)
	httpError(w, http.StatusInternalServerError, "server_error", "internal server error: %v", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
			"param":   nil,
			"code":    nil,
		},
	})
}
