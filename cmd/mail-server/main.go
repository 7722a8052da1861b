package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/rapidxoxo/mailpulse/internal/alias"
	"github.com/rapidxoxo/mailpulse/internal/api"
	"github.com/rapidxoxo/mailpulse/internal/auth"
	"github.com/rapidxoxo/mailpulse/internal/config"
	"github.com/rapidxoxo/mailpulse/internal/credential"
	"github.com/rapidxoxo/mailpulse/internal/crypto"
	"github.com/rapidxoxo/mailpulse/internal/db"
	"github.com/rapidxoxo/mailpulse/internal/ratelimit"
	"github.com/rapidxoxo/mailpulse/internal/smtpserver"
	mailsync "github.com/rapidxoxo/mailpulse/internal/sync"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	store := db.New(pool)
	defer store.Close()

	log.Printf("Successfully connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	creds := credential.NewStore(store, encryptor, credential.ProviderConfigs(cfg))
	registry := alias.NewRegistry(store, cfg.SMTPDomain)
	guard := ratelimit.NewGuard(store, cfg.RateLimitMax, cfg.RateLimitWindow)
	engine := mailsync.NewEngine(creds, store, mailsync.NewGmailFetcher(), mailsync.NewIMAPFetcher())

	backend := smtpserver.NewBackend(registry, guard, store)
	smtpSrv := smtpserver.NewServer(backend, cfg.SMTPAddr, cfg.SMTPDomain)
	go func() {
		log.Printf("SMTP server listening on %s for @%s", cfg.SMTPAddr, cfg.SMTPDomain)
		if err := smtpSrv.ListenAndServe(); err != nil {
			log.Fatalf("SMTP server failed: %v", err)
		}
	}()

	server := NewServer(cfg, store, creds, registry, engine)

	address := ":" + cfg.Port
	log.Printf("MailPulse API server starting on %s (environment: %s)", address, cfg.Environment)

	if err := http.ListenAndServe(address, server); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// NewServer creates and returns the HTTP handler for the MailPulse API.
func NewServer(cfg *config.Config, store *db.Store, creds *credential.Store, registry *alias.Registry, engine *mailsync.Engine) http.Handler {
	syncHandler := api.NewSyncHandler(engine)
	emailsHandler := api.NewEmailsHandler(store)
	aliasHandler := api.NewAliasHandler(registry)
	usersHandler := api.NewUsersHandler(store, creds, engine)
	oauthHandler := api.NewOAuthHandler(creds, store, engine, cfg.JWTSecret)

	protect := func(h http.HandlerFunc) http.Handler {
		return auth.RequireAuth(cfg.JWTSecret, h)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)

	mux.Handle("POST /sync/{user_id}", protect(syncHandler.TriggerSync))
	mux.Handle("GET /emails/{user_id}", protect(emailsHandler.ListEmails))
	mux.Handle("GET /latest/{user_id}", protect(emailsHandler.GetLatest))
	mux.Handle("POST /temp-mail", protect(aliasHandler.CreateAlias))
	mux.Handle("DELETE /temp-mail", protect(aliasHandler.DeleteAlias))
	mux.Handle("POST /users", protect(usersHandler.UpsertUser))

	mux.Handle("GET /auth/google", oauthHandler.Redirect("google"))
	mux.Handle("GET /auth/microsoft", oauthHandler.Redirect("microsoft"))
	mux.HandleFunc("GET /auth/callback", oauthHandler.Callback)

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "MailPulse API is running")
}
