package handler

import (
	"context"
	"log"
	"net/http"
	"strings"

	"vidachat/internal/model"
)

type ctxKey struct{}

// authenticate validates the session token and puts its user on the request
// context. Browsers cannot set headers on a WebSocket handshake, so the
// token may also come from the "token" query parameter.
func (h *Handler) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := h.userFromRequest(w, r)
		if !ok {
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	}
}

func (h *Handler) userFromRequest(w http.ResponseWriter, r *http.Request) (model.User, bool) {
	scope := r.Method + " " + r.URL.Path

	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "No token, authorization denied")
		return model.User{}, false
	}
	claims, err := h.Tokens.Validate(token)
	if err != nil {
		log.Printf("[%s] ❌ Unauthorized: %v", scope, err)
		writeError(w, http.StatusUnauthorized, "Token is not valid")
		return model.User{}, false
	}

	user := claims.User()
	if err := h.Directory.RememberUser(r.Context(), user); err != nil {
		log.Printf("[%s] ❌ Failed to record user %s: %v", scope, user.ID, err)
		writeError(w, http.StatusInternalServerError, "Server error")
		return model.User{}, false
	}
	return user, true
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// currentUser returns the user set by authenticate
func currentUser(ctx context.Context) model.User {
	u, _ := ctx.Value(ctxKey{}).(model.User)
	return u
}
