package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/rapidxoxo/mailpulse/internal/auth"
	"github.com/rapidxoxo/mailpulse/internal/models"
)

// UserRegistrar persists user rows and their IMAP credentials.
type UserRegistrar interface {
	UpsertUser(ctx context.Context, id, email string) error
}

// CredentialAttacher stores a password credential for a user.
type CredentialAttacher interface {
	AttachIMAP(ctx context.Context, userID, server string, port int, password string) error
}

// SyncResetter clears per-user sync state after a credential change.
type SyncResetter interface {
	Reset(userID string)
}

type UsersHandler struct {
	users  UserRegistrar
	creds  CredentialAttacher
	engine SyncResetter
}

func NewUsersHandler(users UserRegistrar, creds CredentialAttacher, engine SyncResetter) *UsersHandler {
	return &UsersHandler{users: users, creds: creds, engine: engine}
}

// UpsertUser handles POST /users. It registers (or re-registers) the
// authenticated user and, when IMAP details are present, attaches them
// as the user's active credential.
func (h *UsersHandler) UpsertUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.ID == "" || req.Email == "" {
		http.Error(w, "id and email are required", http.StatusBadRequest)
		return
	}
	if req.ID != userID {
		http.Error(w, "Token does not match user id", http.StatusForbidden)
		return
	}

	if err := h.users.UpsertUser(r.Context(), req.ID, req.Email); err != nil {
		log.Printf("UsersHandler: failed to upsert user %s: %v", req.ID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if req.IMAPPassword != nil && *req.IMAPPassword != "" {
		server := "imap.gmail.com"
		port := 993
		if req.IMAPServer != nil && *req.IMAPServer != "" {
			server = *req.IMAPServer
		}
		if req.IMAPPort != nil && *req.IMAPPort != 0 {
			port = *req.IMAPPort
		}
		if err := h.creds.AttachIMAP(r.Context(), req.ID, server, port, *req.IMAPPassword); err != nil {
			log.Printf("UsersHandler: failed to attach IMAP credential for user %s: %v", req.ID, err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		h.engine.Reset(req.ID)
	}

	writeJSON(w, http.StatusOK, models.UserResponse{
		ID:      req.ID,
		Email:   req.Email,
		Created: true,
	})
}
