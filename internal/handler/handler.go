package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vidachat/internal/auth"
	"vidachat/internal/chat"
	"vidachat/internal/config"
	"vidachat/internal/relay"
	"vidachat/internal/upload"
)

// Handler holds application dependencies
type Handler struct {
	Config    config.Config
	Tokens    *auth.Manager
	Directory *chat.Directory
	Messages  *chat.Messages
	Hub       *relay.Hub
	Uploads   *upload.Storage

	// Gatherer は /metrics で公開するレジストリ。nil ならデフォルト
	Gatherer prometheus.Gatherer
	// Ping はヘルスチェックで呼ばれる。nil なら常に OK
	Ping func(ctx context.Context) error
}

// New creates a new Handler with the given dependencies
func New(cfg config.Config, tokens *auth.Manager, dir *chat.Directory, messages *chat.Messages, hub *relay.Hub, uploads *upload.Storage) *Handler {
	return &Handler{
		Config:    cfg,
		Tokens:    tokens,
		Directory: dir,
		Messages:  messages,
		Hub:       hub,
		Uploads:   uploads,
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	// REST API
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/messages/conversations", h.authenticate(h.ListConversations)).Methods("GET")
	api.HandleFunc("/messages/conversation", h.authenticate(h.StartConversation)).Methods("POST")
	api.HandleFunc("/messages/admin-id", h.authenticate(h.GetAdminID)).Methods("GET")
	api.HandleFunc("/messages/{conversationId}", h.authenticate(h.GetMessages)).Methods("GET")
	api.HandleFunc("/messages/{conversationId}/read", h.authenticate(h.MarkRead)).Methods("POST")
	api.HandleFunc("/chat/upload", h.authenticate(h.UploadAttachment)).Methods("POST")

	// 添付ファイル
	r.HandleFunc(upload.URLPrefix+"{name}", h.ServeAttachment).Methods("GET")

	// WebSocket
	r.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	// 運用
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	if h.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	} else {
		r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	return r
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": h.Hub.ConnectionCount(),
	})
}
