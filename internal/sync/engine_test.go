package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidxoxo/mailpulse/internal/credential"
	"github.com/rapidxoxo/mailpulse/internal/models"
)

type fakeCreds struct {
	cred *models.Credential
	err  error
}

func (f *fakeCreds) EnsureFresh(context.Context, string) (*models.Credential, error) {
	return f.cred, f.err
}

type fakeEmailStore struct {
	mu        sync.Mutex
	latest    *time.Time
	seen      map[string]bool
	insertErr error
	inserts   int
}

func newFakeEmailStore() *fakeEmailStore {
	return &fakeEmailStore{seen: make(map[string]bool)}
}

func (f *fakeEmailStore) InsertEmail(_ context.Context, email *models.Email) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertErr != nil {
		return false, f.insertErr
	}
	f.inserts++
	key := email.UserID + "|" + email.MessageID
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeEmailStore) LatestReceivedAt(context.Context, string) (*time.Time, error) {
	return f.latest, nil
}

type fakeFetcher struct {
	mu        sync.Mutex
	calls     int
	lastSince time.Time
	emails    []models.FetchedEmail
	err       error
	block     chan struct{} // when set, Fetch waits until closed
}

func (f *fakeFetcher) Fetch(_ context.Context, _ *models.Credential, since time.Time) ([]models.FetchedEmail, error) {
	f.mu.Lock()
	f.calls++
	f.lastSince = since
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return f.emails, f.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func oauthCred(provider string) *models.Credential {
	return &models.Credential{
		Kind: models.KindOAuth,
		OAuth: &models.OAuthCredential{
			Provider:    provider,
			AccessToken: "access",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}
}

func imapCred() *models.Credential {
	return &models.Credential{
		Kind: models.KindIMAP,
		IMAP: &models.IMAPCredential{Server: "imap.example.com", Port: 993, Password: "pw"},
	}
}

func fetchedBatch(ids ...string) []models.FetchedEmail {
	var emails []models.FetchedEmail
	for _, id := range ids {
		emails = append(emails, models.FetchedEmail{
			MessageID:  id,
			Sender:     "alice@example.com",
			Subject:    "subject " + id,
			ReceivedAt: time.Now().UTC(),
		})
	}
	return emails
}

func TestSyncStoresFetchedMail(t *testing.T) {
	gmail := &fakeFetcher{emails: fetchedBatch("m1", "m2", "m3")}
	imap := &fakeFetcher{}
	engine := NewEngine(&fakeCreds{cred: oauthCred("google")}, newFakeEmailStore(), gmail, imap)

	result, err := engine.Sync(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 3, result.Stored)
	assert.Equal(t, 1, gmail.callCount())
	assert.Equal(t, 0, imap.callCount(), "google OAuth goes through the gmail fetcher")
}

func TestSyncSelectsIMAPFetcher(t *testing.T) {
	gmail := &fakeFetcher{}
	imap := &fakeFetcher{emails: fetchedBatch("m1")}
	engine := NewEngine(&fakeCreds{cred: imapCred()}, newFakeEmailStore(), gmail, imap)

	result, err := engine.Sync(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stored)
	assert.Equal(t, 0, gmail.callCount())
	assert.Equal(t, 1, imap.callCount())
}

func TestSyncSelectsIMAPForMicrosoftOAuth(t *testing.T) {
	gmail := &fakeFetcher{}
	imap := &fakeFetcher{emails: fetchedBatch("m1")}
	engine := NewEngine(&fakeCreds{cred: oauthCred("microsoft")}, newFakeEmailStore(), gmail, imap)

	_, err := engine.Sync(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, gmail.callCount())
	assert.Equal(t, 1, imap.callCount())
}

func TestSyncSkipsAlreadyIngestedMail(t *testing.T) {
	store := newFakeEmailStore()
	store.seen["user-1|m2"] = true

	gmail := &fakeFetcher{emails: fetchedBatch("m1", "m2", "m3")}
	engine := NewEngine(&fakeCreds{cred: oauthCred("google")}, store, gmail, &fakeFetcher{})

	result, err := engine.Sync(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 2, result.Stored)
}

func TestSyncWatermarkFromStoredMail(t *testing.T) {
	store := newFakeEmailStore()
	latest := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	store.latest = &latest

	gmail := &fakeFetcher{}
	engine := NewEngine(&fakeCreds{cred: oauthCred("google")}, store, gmail, &fakeFetcher{})

	_, err := engine.Sync(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, latest, gmail.lastSince)
}

func TestSyncWatermarkDefaultsToLookback(t *testing.T) {
	gmail := &fakeFetcher{}
	engine := NewEngine(&fakeCreds{cred: oauthCred("google")}, newFakeEmailStore(), gmail, &fakeFetcher{})

	_, err := engine.Sync(context.Background(), "user-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-7*24*time.Hour), gmail.lastSince, time.Minute)
}

func TestSyncNoCredential(t *testing.T) {
	engine := NewEngine(&fakeCreds{cred: &models.Credential{Kind: models.KindNone}}, newFakeEmailStore(), &fakeFetcher{}, &fakeFetcher{})

	_, err := engine.Sync(context.Background(), "user-1")
	assert.ErrorIs(t, err, credential.ErrNoCredential)
}

func TestSyncCredentialErrorsDoNotTriggerBackoff(t *testing.T) {
	creds := &fakeCreds{err: credential.ErrCredentialExpired}
	fetcher := &fakeFetcher{}
	engine := NewEngine(creds, newFakeEmailStore(), fetcher, fetcher)

	for i := 0; i < 5; i++ {
		_, err := engine.Sync(context.Background(), "user-1")
		require.ErrorIs(t, err, credential.ErrCredentialExpired)
		require.NotErrorIs(t, err, ErrBackoff)
	}
	assert.Equal(t, 0, fetcher.callCount())
}

func TestSyncConcurrentCallsJoinOneFetch(t *testing.T) {
	release := make(chan struct{})
	gmail := &fakeFetcher{emails: fetchedBatch("m1", "m2"), block: release}
	engine := NewEngine(&fakeCreds{cred: oauthCred("google")}, newFakeEmailStore(), gmail, &fakeFetcher{})

	const callers = 4
	results := make(chan Result, callers)
	errs := make(chan error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := engine.Sync(context.Background(), "user-1")
			results <- result
			errs <- err
		}()
	}

	// Let all callers reach the join point before the fetch completes.
	require.Eventually(t, func() bool { return gmail.callCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for result := range results {
		assert.Equal(t, Result{Fetched: 2, Stored: 2}, result)
	}
	assert.Equal(t, 1, gmail.callCount(), "concurrent syncs for one user share a single fetch")
}

func TestSyncCallerCancellationLeavesSyncRunning(t *testing.T) {
	release := make(chan struct{})
	store := newFakeEmailStore()
	gmail := &fakeFetcher{emails: fetchedBatch("m1"), block: release}
	engine := NewEngine(&fakeCreds{cred: oauthCred("google")}, store, gmail, &fakeFetcher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := engine.Sync(ctx, "user-1")
		done <- err
	}()

	require.Eventually(t, func() bool { return gmail.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// The in-flight sync still finishes and stores its batch.
	close(release)
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.inserts == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncFailureStreakEntersBackoff(t *testing.T) {
	gmail := &fakeFetcher{err: errors.New("gmail api returned status 503")}
	engine := NewEngine(&fakeCreds{cred: oauthCred("google")}, newFakeEmailStore(), gmail, &fakeFetcher{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.Sync(ctx, "user-1")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrBackoff)
	}

	_, err := engine.Sync(ctx, "user-1")
	assert.ErrorIs(t, err, ErrBackoff)
	assert.Equal(t, 3, gmail.callCount(), "backed-off syncs never reach the fetcher")
}

func TestResetClearsBackoff(t *testing.T) {
	gmail := &fakeFetcher{err: errors.New("gmail api returned status 503")}
	engine := NewEngine(&fakeCreds{cred: oauthCred("google")}, newFakeEmailStore(), gmail, &fakeFetcher{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = engine.Sync(ctx, "user-1")
	}
	_, err := engine.Sync(ctx, "user-1")
	require.ErrorIs(t, err, ErrBackoff)

	engine.Reset("user-1")

	_, err = engine.Sync(ctx, "user-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBackoff)
}

func TestSyncBackoffIsPerUser(t *testing.T) {
	gmail := &fakeFetcher{err: errors.New("gmail api returned status 503")}
	engine := NewEngine(&fakeCreds{cred: oauthCred("google")}, newFakeEmailStore(), gmail, &fakeFetcher{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = engine.Sync(ctx, "user-1")
	}
	_, err := engine.Sync(ctx, "user-1")
	require.ErrorIs(t, err, ErrBackoff)

	_, err = engine.Sync(ctx, "user-2")
	assert.NotErrorIs(t, err, ErrBackoff)
}

func TestSyncReportsPartialBatch(t *testing.T) {
	gmail := &fakeFetcher{
		emails: fetchedBatch("m1", "m2"),
		err:    errors.New("gmail api returned status 503"),
	}
	engine := NewEngine(&fakeCreds{cred: oauthCred("google")}, newFakeEmailStore(), gmail, &fakeFetcher{})

	result, err := engine.Sync(context.Background(), "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote source unavailable")
	assert.Equal(t, 2, result.Stored, "rows stored before the failure are kept and reported")
}

func TestSyncInsertFailureCountsTowardStreak(t *testing.T) {
	store := newFakeEmailStore()
	store.insertErr = errors.New("database unavailable")
	gmail := &fakeFetcher{emails: fetchedBatch("m1")}
	engine := NewEngine(&fakeCreds{cred: oauthCred("google")}, store, gmail, &fakeFetcher{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.Sync(ctx, "user-1")
		require.Error(t, err)
	}

	_, err := engine.Sync(ctx, "user-1")
	assert.ErrorIs(t, err, ErrBackoff)
}

func TestSyncSuccessResetsStreak(t *testing.T) {
	gmail := &fakeFetcher{err: errors.New("gmail api returned status 503")}
	engine := NewEngine(&fakeCreds{cred: oauthCred("google")}, newFakeEmailStore(), gmail, &fakeFetcher{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = engine.Sync(ctx, "user-1")
	}

	gmail.mu.Lock()
	gmail.err = nil
	gmail.mu.Unlock()
	_, err := engine.Sync(ctx, "user-1")
	require.NoError(t, err)

	gmail.mu.Lock()
	gmail.err = errors.New("gmail api returned status 503")
	gmail.mu.Unlock()
	for i := 0; i < 2; i++ {
		_, err := engine.Sync(ctx, "user-1")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrBackoff, "streak should have restarted after the success")
	}
}

// watermarkStore records inserts with their receipt times, serves the real
// max(received_at) watermark, and can fail a specific message once.
type watermarkStore struct {
	mu       sync.Mutex
	stored   map[string]time.Time
	failOnce map[string]bool
}

func newWatermarkStore() *watermarkStore {
	return &watermarkStore{
		stored:   make(map[string]time.Time),
		failOnce: make(map[string]bool),
	}
}

func (s *watermarkStore) InsertEmail(_ context.Context, email *models.Email) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failOnce[email.MessageID] {
		delete(s.failOnce, email.MessageID)
		return false, errors.New("database unavailable")
	}
	if _, ok := s.stored[email.MessageID]; ok {
		return false, nil
	}
	s.stored[email.MessageID] = email.ReceivedAt
	return true, nil
}

func (s *watermarkStore) LatestReceivedAt(context.Context, string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *time.Time
	for _, at := range s.stored {
		at := at
		if latest == nil || at.After(*latest) {
			latest = &at
		}
	}
	return latest, nil
}

func (s *watermarkStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stored[id]
	return ok
}

// newestFirstFetcher serves mail the way list-based providers do: newest
// first, filtered to messages received after since.
type newestFirstFetcher struct {
	messages []models.FetchedEmail
}

func (f *newestFirstFetcher) Fetch(_ context.Context, _ *models.Credential, since time.Time) ([]models.FetchedEmail, error) {
	var out []models.FetchedEmail
	for _, m := range f.messages {
		if m.ReceivedAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func TestSyncInsertFailureLeavesNewerMailEligible(t *testing.T) {
	now := time.Now().UTC()
	m1 := models.FetchedEmail{MessageID: "m1", Sender: "a@example.com", ReceivedAt: now.Add(-3 * time.Hour)}
	m2 := models.FetchedEmail{MessageID: "m2", Sender: "a@example.com", ReceivedAt: now.Add(-2 * time.Hour)}
	m3 := models.FetchedEmail{MessageID: "m3", Sender: "a@example.com", ReceivedAt: now.Add(-time.Hour)}

	fetcher := &newestFirstFetcher{messages: []models.FetchedEmail{m3, m2, m1}}
	store := newWatermarkStore()
	store.failOnce["m2"] = true
	engine := NewEngine(&fakeCreds{cred: oauthCred("google")}, store, fetcher, &fakeFetcher{})
	ctx := context.Background()

	result, err := engine.Sync(ctx, "user-1")
	require.Error(t, err)
	assert.Equal(t, 1, result.Stored)

	// Inserts run oldest first, so only m1 landed and the watermark stays
	// behind the two messages that did not.
	assert.True(t, store.has("m1"))
	assert.False(t, store.has("m2"))
	assert.False(t, store.has("m3"))

	result, err = engine.Sync(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Stored)
	for _, id := range []string{"m1", "m2", "m3"} {
		assert.True(t, store.has(id), "message %s should be stored after the retry", id)
	}
}
