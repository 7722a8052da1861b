package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/rapidxoxo/mailpulse/internal/auth"
)

// requireUser extracts the verified user id from the request context and,
// when the route carries a {user_id} path segment, enforces that it
// matches. The identity itself was established upstream; this layer only
// stops a valid token from reading another user's data.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		log.Println("API: No user id in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}

	if pathID := r.PathValue("user_id"); pathID != "" && pathID != userID {
		http.Error(w, "Token does not match user_id", http.StatusForbidden)
		return "", false
	}

	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("API: Failed to encode response: %v", err)
	}
}
