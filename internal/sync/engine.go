// Package sync pulls mail from users' remote mailboxes on demand.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rapidxoxo/mailpulse/internal/credential"
	"github.com/rapidxoxo/mailpulse/internal/models"
)

// ErrBackoff is returned while a user is in the backoff window after a
// failure streak. Callers should retry later, not immediately.
var ErrBackoff = errors.New("sync backing off, try later")

// Result reports a sync outcome. Stored counts rows actually written;
// Fetched includes candidates skipped as already ingested.
type Result struct {
	Fetched int
	Stored  int
}

// CredentialSource resolves and refreshes a user's mail-source credential.
type CredentialSource interface {
	EnsureFresh(ctx context.Context, userID string) (*models.Credential, error)
}

// EmailStore is the persistence surface the engine writes through.
type EmailStore interface {
	InsertEmail(ctx context.Context, email *models.Email) (bool, error)
	LatestReceivedAt(ctx context.Context, userID string) (*time.Time, error)
}

// Fetcher pulls message summaries newer than since from a remote source.
// Implementations may return partial results alongside an error.
type Fetcher interface {
	Fetch(ctx context.Context, cred *models.Credential, since time.Time) ([]models.FetchedEmail, error)
}

// Engine runs per-user pull syncs. Concurrent calls for the same user are
// collapsed into one in-flight fetch; different users sync independently.
type Engine struct {
	creds   CredentialSource
	store   EmailStore
	gmail   Fetcher
	imap    Fetcher
	group   singleflight.Group
	timeout time.Duration

	lookback    time.Duration
	backoffFor  time.Duration
	maxFailures int

	mu     sync.Mutex
	states map[string]*userState
}

type userState struct {
	backoffUntil time.Time
	streak       int
}

// NewEngine creates a sync engine using gmail for Google OAuth credentials
// and imap for everything else.
func NewEngine(creds CredentialSource, store EmailStore, gmail, imap Fetcher) *Engine {
	return &Engine{
		creds:       creds,
		store:       store,
		gmail:       gmail,
		imap:        imap,
		timeout:     60 * time.Second,
		lookback:    7 * 24 * time.Hour,
		backoffFor:  5 * time.Minute,
		maxFailures: 3,
		states:      make(map[string]*userState),
	}
}

// Sync pulls new mail for the user. If a sync for the same user is already
// running, the call joins its result instead of starting a second fetch.
// Partial results are reported in Result even when err is non-nil.
func (e *Engine) Sync(ctx context.Context, userID string) (Result, error) {
	e.mu.Lock()
	st := e.state(userID)
	if until := st.backoffUntil; time.Now().Before(until) {
		e.mu.Unlock()
		return Result{}, fmt.Errorf("%w (until %s)", ErrBackoff, until.Format(time.RFC3339))
	}
	e.mu.Unlock()

	ch := e.group.DoChan(userID, func() (interface{}, error) {
		return e.doSync(userID)
	})

	select {
	case <-ctx.Done():
		// The in-flight sync keeps running for other joiners.
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			log.Printf("Sync: joined in-flight sync for user %s", userID)
		}
		result, _ := res.Val.(Result)
		return result, res.Err
	}
}

// Reset clears the user's backoff and failure streak. Called when a
// credential is (re)attached.
func (e *Engine) Reset(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, userID)
}

// doSync is the single in-flight body behind the singleflight group. It
// runs on its own bounded context so a caller disconnecting does not abort
// work other callers joined, and a hung provider releases the slot.
func (e *Engine) doSync(userID string) (Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	cred, err := e.creds.EnsureFresh(ctx, userID)
	if err != nil {
		// Credential problems are the caller's to fix; they do not count
		// toward the provider-failure streak.
		return Result{}, err
	}

	if cred.Kind == models.KindNone {
		return Result{}, credential.ErrNoCredential
	}

	since, err := e.watermark(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	fetcher := e.imap
	if cred.Kind == models.KindOAuth && cred.OAuth.Provider == "google" {
		fetcher = e.gmail
	}

	fetched, fetchErr := fetcher.Fetch(ctx, cred, since)

	// Insert oldest first: the watermark is max(received_at), so a row
	// written out of order would move it past mail that failed to persist.
	sort.SliceStable(fetched, func(i, j int) bool {
		return fetched[i].ReceivedAt.Before(fetched[j].ReceivedAt)
	})

	result := Result{Fetched: len(fetched)}
	var insertErr error
	for _, candidate := range fetched {
		inserted, err := e.store.InsertEmail(ctx, &models.Email{
			UserID:      userID,
			MessageID:   candidate.MessageID,
			Sender:      candidate.Sender,
			Subject:     candidate.Subject,
			BodyPreview: candidate.BodyPreview,
			ReceivedAt:  candidate.ReceivedAt,
		})
		if err != nil {
			insertErr = err
			break
		}
		if inserted {
			result.Stored++
		}
	}

	if fetchErr != nil || insertErr != nil {
		e.recordFailure(userID)
		cause := fetchErr
		if cause == nil {
			cause = insertErr
		}
		// Rows already written stay; only the remainder is reported failed.
		return result, fmt.Errorf("remote source unavailable after %d stored: %w", result.Stored, cause)
	}

	e.recordSuccess(userID)
	log.Printf("Sync: stored %d of %d fetched messages for user %s", result.Stored, result.Fetched, userID)
	return result, nil
}

// watermark returns the newest stored receipt time for the user, or the
// bounded default lookback when the inbox is empty.
func (e *Engine) watermark(ctx context.Context, userID string) (time.Time, error) {
	latest, err := e.store.LatestReceivedAt(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	if latest == nil {
		return time.Now().Add(-e.lookback), nil
	}
	return *latest, nil
}

func (e *Engine) state(userID string) *userState {
	st, ok := e.states[userID]
	if !ok {
		st = &userState{}
		e.states[userID] = st
	}
	return st
}

func (e *Engine) recordFailure(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(userID)
	st.streak++
	if st.streak >= e.maxFailures {
		st.backoffUntil = time.Now().Add(e.backoffFor)
		st.streak = 0
		log.Printf("Sync: user %s entering backoff until %s", userID, st.backoffUntil.Format(time.RFC3339))
	}
}

func (e *Engine) recordSuccess(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(userID)
	st.streak = 0
	st.backoffUntil = time.Time{}
}
