package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/rapidxoxo/mailpulse/internal/credential"
	"github.com/rapidxoxo/mailpulse/internal/db"
	"github.com/rapidxoxo/mailpulse/internal/models"
	syncengine "github.com/rapidxoxo/mailpulse/internal/sync"
)

// Syncer triggers a pull sync for a user.
type Syncer interface {
	Sync(ctx context.Context, userID string) (syncengine.Result, error)
}

type SyncHandler struct {
	engine Syncer
}

func NewSyncHandler(engine Syncer) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// TriggerSync handles POST /sync/{user_id}. The outcome is always a
// structured body: partial successes report what was stored before the
// failure instead of discarding it.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Sync(r.Context(), userID)

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, models.SyncResponse{
			Synced:  result.Stored > 0,
			Count:   result.Stored,
			Message: fmt.Sprintf("Synced %d new emails", result.Stored),
		})

	case errors.Is(err, syncengine.ErrBackoff):
		writeJSON(w, http.StatusTooManyRequests, models.SyncResponse{
			Message: "Too many failed sync attempts, try again later",
		})

	case errors.Is(err, credential.ErrCredentialExpired):
		writeJSON(w, http.StatusUnauthorized, models.SyncResponse{
			Message: "Mail source credential expired, reconnect required",
		})

	case errors.Is(err, credential.ErrNoCredential):
		writeJSON(w, http.StatusBadRequest, models.SyncResponse{
			Message: "No credentials configured. Use OAuth or set an IMAP password.",
		})

	case errors.Is(err, db.ErrUserNotFound):
		http.Error(w, "User not found", http.StatusNotFound)

	case result.Stored > 0:
		// Partial batch: the stored rows are valid, only the rest failed.
		log.Printf("SyncHandler: partial sync for user %s: %v", userID, err)
		writeJSON(w, http.StatusOK, models.SyncResponse{
			Synced:  true,
			Count:   result.Stored,
			Message: fmt.Sprintf("Synced %d emails before the source became unavailable", result.Stored),
		})

	default:
		log.Printf("SyncHandler: sync failed for user %s: %v", userID, err)
		writeJSON(w, http.StatusBadGateway, models.SyncResponse{
			Message: "Mail source unavailable, try again later",
		})
	}
}
