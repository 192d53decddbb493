package handler

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"vidachat/internal/model"
)

// ListConversations handles GET /api/messages/conversations
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())

	list, err := h.Directory.List(r.Context(), user.ID, user.IsElevated())
	if err != nil {
		writeChatError(w, "GET /api/messages/conversations", err)
		return
	}
	if list == nil {
		list = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, list)
}

type startConversationRequest struct {
	ParticipantID string `json:"participantId"`
}

// StartConversation handles POST /api/messages/conversation
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	log.Printf("[POST /api/messages/conversation] Request received from %s", user.ID)

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[POST /api/messages/conversation] ❌ Bad Request: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "participantId is required")
		return
	}

	conv, err := h.Directory.GetOrCreate(r.Context(), user.ID, req.ParticipantID)
	if err != nil {
		writeChatError(w, "POST /api/messages/conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// GetAdminID handles GET /api/messages/admin-id
func (h *Handler) GetAdminID(w http.ResponseWriter, r *http.Request) {
	admin, err := h.Directory.Admin(r.Context())
	if err != nil {
		writeChatError(w, "GET /api/messages/admin-id", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": admin.ID, "name": admin.Name})
}

// GetMessages handles GET /api/messages/{conversationId}
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	conversationID := mux.Vars(r)["conversationId"]

	list, err := h.Messages.ListByConversation(r.Context(), conversationID, user)
	if err != nil {
		writeChatError(w, "GET /api/messages/"+conversationID, err)
		return
	}
	if list == nil {
		list = []model.Message{}
	}
	writeJSON(w, http.StatusOK, list)
}

// MarkRead handles POST /api/messages/{conversationId}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	conversationID := mux.Vars(r)["conversationId"]

	n, err := h.Messages.MarkRead(r.Context(), conversationID, user)
	if err != nil {
		writeChatError(w, "POST /api/messages/"+conversationID+"/read", err)
		return
	}
	h.Hub.NotifyRead(conversationID, user.ID, n)
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}
