package api

import (
	"context"
	"log"
	"net/http"

	"github.com/rapidxoxo/mailpulse/internal/auth"
	"github.com/rapidxoxo/mailpulse/internal/models"
)

// AliasManager issues and retires disposable aliases.
type AliasManager interface {
	Create(ctx context.Context, userID string) (string, error)
	Delete(ctx context.Context, userID string) error
	Address(alias string) string
}

type AliasHandler struct {
	aliases AliasManager
}

func NewAliasHandler(aliases AliasManager) *AliasHandler {
	return &AliasHandler{aliases: aliases}
}

// CreateAlias handles POST /temp-mail. Any previous alias for the user
// is retired by the same call.
func (h *AliasHandler) CreateAlias(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	alias, err := h.aliases.Create(r.Context(), userID)
	if err != nil {
		log.Printf("AliasHandler: failed to create alias for user %s: %v", userID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, models.AliasResponse{
		ID:    alias,
		Alias: alias,
		Email: h.aliases.Address(alias),
	})
}

// DeleteAlias handles DELETE /temp-mail. Mail already ingested through
// the alias stays put; only the binding goes away.
func (h *AliasHandler) DeleteAlias(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.aliases.Delete(r.Context(), userID); err != nil {
		log.Printf("AliasHandler: failed to delete alias for user %s: %v", userID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
