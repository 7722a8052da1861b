package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/rapidxoxo/mailpulse/internal/db"
	"github.com/rapidxoxo/mailpulse/internal/models"
)

const listLimit = 50

// EmailReader reads stored mail records.
type EmailReader interface {
	ListEmails(ctx context.Context, userID string, limit int) ([]*models.Email, error)
	GetLatestEmail(ctx context.Context, userID string) (*models.Email, error)
}

type EmailsHandler struct {
	store EmailReader
}

func NewEmailsHandler(store EmailReader) *EmailsHandler {
	return &EmailsHandler{store: store}
}

// ListEmails handles GET /emails/{user_id}.
func (h *EmailsHandler) ListEmails(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	emails, err := h.store.ListEmails(r.Context(), userID, listLimit)
	if err != nil {
		log.Printf("EmailsHandler: failed to list emails for user %s: %v", userID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	responses := make([]models.EmailResponse, 0, len(emails))
	for _, email := range emails {
		responses = append(responses, toEmailResponse(email))
	}

	writeJSON(w, http.StatusOK, responses)
}

// GetLatest handles GET /latest/{user_id}.
func (h *EmailsHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	email, err := h.store.GetLatestEmail(r.Context(), userID)
	if errors.Is(err, db.ErrEmailNotFound) {
		http.Error(w, "Inbox Empty", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("EmailsHandler: failed to get latest email for user %s: %v", userID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toEmailResponse(email))
}

func toEmailResponse(email *models.Email) models.EmailResponse {
	return models.EmailResponse{
		Sender:     email.Sender,
		Subject:    email.Subject,
		Preview:    email.BodyPreview,
		ReceivedAt: email.ReceivedAt.UTC().Format(time.RFC3339),
	}
}
