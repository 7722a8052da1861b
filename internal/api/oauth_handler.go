package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/rapidxoxo/mailpulse/internal/auth"
)

const sessionTokenTTL = 24 * time.Hour

// OAuthAttacher exchanges and persists OAuth tokens for a user.
type OAuthAttacher interface {
	Provider(name string) (*oauth2.Config, bool)
	AttachOAuth(ctx context.Context, userID, provider string, token *oauth2.Token) error
}

type OAuthHandler struct {
	creds     OAuthAttacher
	users     UserRegistrar
	engine    SyncResetter
	jwtSecret string
}

func NewOAuthHandler(creds OAuthAttacher, users UserRegistrar, engine SyncResetter, jwtSecret string) *OAuthHandler {
	return &OAuthHandler{creds: creds, users: users, engine: engine, jwtSecret: jwtSecret}
}

// Redirect handles GET /auth/{provider}?user_id=... by sending the
// browser to the provider's consent page. The user id travels in the
// state parameter and comes back on the callback.
func (h *OAuthHandler) Redirect(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "Missing user_id", http.StatusBadRequest)
			return
		}

		conf, ok := h.creds.Provider(provider)
		if !ok {
			http.Error(w, "Unknown provider", http.StatusNotFound)
			return
		}

		state := userID + ":" + provider
		opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
		if provider == "google" {
			opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
		}

		http.Redirect(w, r, conf.AuthCodeURL(state, opts...), http.StatusFound)
	}
}

// Callback handles GET /auth/callback. It exchanges the authorization
// code, stores the resulting tokens as the user's active credential and
// returns a session token for the API.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "Missing code or state", http.StatusBadRequest)
		return
	}

	userID, provider, ok := strings.Cut(state, ":")
	if !ok || userID == "" || provider == "" {
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}

	conf, ok := h.creds.Provider(provider)
	if !ok {
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return
	}

	token, err := conf.Exchange(r.Context(), code)
	if err != nil {
		log.Printf("OAuthHandler: code exchange failed for user %s: %v", userID, err)
		http.Error(w, "Authorization failed", http.StatusBadGateway)
		return
	}

	email := fetchProviderEmail(r.Context(), conf, provider, token)
	if email == "" {
		email = userID
	}

	if err := h.users.UpsertUser(r.Context(), userID, email); err != nil {
		log.Printf("OAuthHandler: failed to upsert user %s: %v", userID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if err := h.creds.AttachOAuth(r.Context(), userID, provider, token); err != nil {
		log.Printf("OAuthHandler: failed to store tokens for user %s: %v", userID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.engine.Reset(userID)

	sessionToken, err := auth.GenerateToken(h.jwtSecret, userID, sessionTokenTTL)
	if err != nil {
		log.Printf("OAuthHandler: failed to issue session token for user %s: %v", userID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"user_id": userID,
		"email":   email,
		"token":   sessionToken,
	})
}

// fetchProviderEmail asks the provider for the account's address. A
// failure here is not fatal, the caller falls back to the user id.
func fetchProviderEmail(ctx context.Context, conf *oauth2.Config, provider string, token *oauth2.Token) string {
	var endpoint string
	switch provider {
	case "google":
		endpoint = "https://www.googleapis.com/oauth2/v2/userinfo"
	case "microsoft":
		endpoint = "https://graph.microsoft.com/v1.0/me"
	default:
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := conf.Client(ctx, token)
	resp, err := client.Get(endpoint)
	if err != nil {
		log.Printf("OAuthHandler: userinfo request failed: %v", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("OAuthHandler: userinfo request returned %s", resp.Status)
		return ""
	}

	var info struct {
		Email             string `json:"email"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		log.Printf("OAuthHandler: failed to decode userinfo: %v", err)
		return ""
	}

	switch {
	case info.Email != "":
		return info.Email
	case info.Mail != "":
		return info.Mail
	default:
		return info.UserPrincipalName
	}
}
