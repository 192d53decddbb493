package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"vidachat/internal/auth"
	"vidachat/internal/chat"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("❌ Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeChatError maps chat and auth errors to a status code. Internal
// failures are logged under scope and reported generically.
func writeChatError(w http.ResponseWriter, scope string, err error) {
	switch {
	case chat.IsValidation(err):
		log.Printf("[%s] ❌ Bad Request: %v", scope, err)
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrAccessDenied):
		// 旧 API 互換で 401 を返す
		log.Printf("[%s] ❌ Access denied", scope)
		writeError(w, http.StatusUnauthorized, "Access denied")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		writeError(w, http.StatusUnauthorized, err.Error())
	case chat.IsNotFound(err):
		log.Printf("[%s] ❌ Not found: %v", scope, err)
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Printf("[%s] ❌ Server error: %v", scope, err)
		writeError(w, http.StatusInternalServerError, "Server error")
	}
}
