package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"gitea.jw6.us/james/teamcal/internal/cache"
	"gitea.jw6.us/james/teamcal/internal/secret"
	"gitea.jw6.us/james/teamcal/internal/store"
)

const testKey = "0123456789abcdef0123456789abcdef"

type fakeAccounts struct {
	account  *store.ExternalAccount
	upserted *store.ExternalAccount
	revoked  bool
}

func (f *fakeAccounts) FindActive(_ context.Context, _ int64, _ string) (*store.ExternalAccount, error) {
	return f.account, nil
}

func (f *fakeAccounts) Upsert(_ context.Context, account store.ExternalAccount) (*store.ExternalAccount, error) {
	f.upserted = &account
	return &account, nil
}

func (f *fakeAccounts) Revoke(_ context.Context, _ int64, _ string) error {
	f.revoked = true
	return nil
}

type fakeStates struct {
	created *store.OauthState
	stored  *store.OauthState
}

func (f *fakeStates) Create(_ context.Context, state store.OauthState) error {
	f.created = &state
	return nil
}

func (f *fakeStates) Consume(_ context.Context, state string) (*store.OauthState, error) {
	if f.stored != nil && f.stored.State == state {
		matched := *f.stored
		f.stored = nil
		return &matched, nil
	}
	return nil, nil
}

func (f *fakeStates) PurgeExpired(_ context.Context) error { return nil }

func newTestService(t *testing.T, accounts *fakeAccounts, states *fakeStates, c cache.Cache) *Service {
	t.Helper()
	cipher, err := secret.NewCipher(testKey)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return newService(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/callback",
		Location:     loc,
	}, accounts, states, cipher, c)
}

func encryptToken(t *testing.T, token string) *string {
	t.Helper()
	cipher, err := secret.NewCipher(testKey)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	enc, err := cipher.Encrypt(token)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return &enc
}

func testWindow() (time.Time, time.Time) {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
}

// tokenEndpoint serves the OAuth token exchange for the refresh grant.
func tokenEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh-access-token","token_type":"Bearer","expires_in":3600}`)
	}))
}

func TestEventsNotConnected(t *testing.T) {
	svc := newTestService(t, &fakeAccounts{}, &fakeStates{}, cache.NewMemory())

	from, to := testWindow()
	_, err := svc.Events(context.Background(), 7, from, to, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
}

func TestEventsNoStoredTokenDegradesToEmpty(t *testing.T) {
	var upstream int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstream, 1)
	}))
	defer srv.Close()

	accounts := &fakeAccounts{account: &store.ExternalAccount{UserID: 7, Provider: Provider}}
	svc := newTestService(t, accounts, &fakeStates{}, cache.NewMemory())
	svc.apiBase = srv.URL

	from, to := testWindow()
	events, err := svc.Events(context.Background(), 7, from, to, false)
	if err != nil {
		t.Fatalf("Events() error = %v, want nil", err)
	}
	if events == nil || len(events) != 0 {
		t.Errorf("events = %v, want empty non-nil slice", events)
	}
	if n := atomic.LoadInt32(&upstream); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestEventsDecryptFailure(t *testing.T) {
	bad := "not-a-valid-ciphertext"
	accounts := &fakeAccounts{account: &store.ExternalAccount{
		UserID:                7,
		Provider:              Provider,
		RefreshTokenEncrypted: &bad,
	}}
	svc := newTestService(t, accounts, &fakeStates{}, cache.NewMemory())

	from, to := testWindow()
	_, err := svc.Events(context.Background(), 7, from, to, false)

	var tokenErr *TokenError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("error = %v, want *TokenError", err)
	}
	if !errors.Is(err, secret.ErrDecrypt) {
		t.Errorf("error = %v, want wrapped ErrDecrypt", err)
	}
}

func TestEventsFetchesNormalizesAndCaches(t *testing.T) {
	tokens := tokenEndpoint(t)
	defer tokens.Close()

	var apiCalls int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiCalls, 1)
		if got := r.URL.Query().Get("singleEvents"); got != "true" {
			t.Errorf("singleEvents = %q, want true", got)
		}
		fmt.Fprint(w, `{"items":[
			{"id":"g2","status":"confirmed","summary":"Timed",
			 "start":{"dateTime":"2024-03-05T09:00:00Z"},
			 "end":{"dateTime":"2024-03-05T10:00:00Z"}},
			{"id":"g1","status":"confirmed","summary":"Company holiday",
			 "start":{"date":"2024-03-04"},
			 "end":{"date":"2024-03-05"}},
			{"id":"g3","status":"cancelled","summary":"Dropped",
			 "start":{"dateTime":"2024-03-06T09:00:00Z"},
			 "end":{"dateTime":"2024-03-06T10:00:00Z"}}
		]}`)
	}))
	defer api.Close()

	accounts := &fakeAccounts{account: &store.ExternalAccount{
		UserID:                7,
		Provider:              Provider,
		RefreshTokenEncrypted: encryptToken(t, "stored-refresh-token"),
	}}
	svc := newTestService(t, accounts, &fakeStates{}, cache.NewMemory())
	svc.apiBase = api.URL
	svc.oauth.Endpoint = oauth2.Endpoint{TokenURL: tokens.URL}

	from, to := testWindow()
	events, err := svc.Events(context.Background(), 7, from, to, false)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (cancelled dropped)", len(events))
	}
	// The all-day event anchors to Tokyo midnight, which precedes 09:00 UTC.
	if !events[0].AllDay {
		t.Errorf("first event AllDay = false, want true")
	}
	if events[0].Start != "2024-03-04T00:00:00+09:00" {
		t.Errorf("all-day start = %q, want %q", events[0].Start, "2024-03-04T00:00:00+09:00")
	}
	// The timed event renders in the application timezone.
	if events[1].Start != "2024-03-05T18:00:00+09:00" {
		t.Errorf("timed start = %q, want %q", events[1].Start, "2024-03-05T18:00:00+09:00")
	}

	// A second read comes from the cache.
	if _, err := svc.Events(context.Background(), 7, from, to, false); err != nil {
		t.Fatalf("second Events() error = %v", err)
	}
	if n := atomic.LoadInt32(&apiCalls); n != 1 {
		t.Errorf("api calls = %d, want 1 (second read cached)", n)
	}
}

func TestEventsForceBypassesCache(t *testing.T) {
	tokens := tokenEndpoint(t)
	defer tokens.Close()

	var apiCalls int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiCalls, 1)
		fmt.Fprint(w, `{"items":[]}`)
	}))
	defer api.Close()

	accounts := &fakeAccounts{account: &store.ExternalAccount{
		UserID:                7,
		Provider:              Provider,
		RefreshTokenEncrypted: encryptToken(t, "stored-refresh-token"),
	}}
	svc := newTestService(t, accounts, &fakeStates{}, cache.NewMemory())
	svc.apiBase = api.URL
	svc.oauth.Endpoint = oauth2.Endpoint{TokenURL: tokens.URL}

	from, to := testWindow()
	svc.Events(context.Background(), 7, from, to, false)
	svc.Events(context.Background(), 7, from, to, true)

	if n := atomic.LoadInt32(&apiCalls); n != 2 {
		t.Errorf("api calls = %d, want 2 (force skips the cache)", n)
	}
}

func TestEventsAPIErrorStatus(t *testing.T) {
	tokens := tokenEndpoint(t)
	defer tokens.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer api.Close()

	accounts := &fakeAccounts{account: &store.ExternalAccount{
		UserID:                7,
		Provider:              Provider,
		RefreshTokenEncrypted: encryptToken(t, "stored-refresh-token"),
	}}
	svc := newTestService(t, accounts, &fakeStates{}, cache.NewMemory())
	svc.apiBase = api.URL
	svc.oauth.Endpoint = oauth2.Endpoint{TokenURL: tokens.URL}

	from, to := testWindow()
	_, err := svc.Events(context.Background(), 7, from, to, false)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", apiErr.StatusCode)
	}
}

func TestAuthURLPersistsState(t *testing.T) {
	states := &fakeStates{}
	svc := newTestService(t, &fakeAccounts{}, states, cache.NewMemory())
	svc.oauth.Endpoint = oauth2.Endpoint{AuthURL: "https://accounts.example.com/auth"}

	authURL, state, err := svc.AuthURL(context.Background(), 7)
	if err != nil {
		t.Fatalf("AuthURL() error = %v", err)
	}
	if state == "" {
		t.Fatal("state is empty")
	}
	if states.created == nil {
		t.Fatal("state was not persisted")
	}
	if states.created.State != state || states.created.UserID != 7 || states.created.Provider != Provider {
		t.Errorf("persisted state = %+v", states.created)
	}
	if authURL == "" {
		t.Error("auth url is empty")
	}
}

func TestHandleCallbackStateMismatch(t *testing.T) {
	svc := newTestService(t, &fakeAccounts{}, &fakeStates{}, cache.NewMemory())

	err := svc.HandleCallback(context.Background(), "unknown-state", "code")
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("error = %v, want ErrStateMismatch", err)
	}
}

func TestHandleCallbackStateIsSingleUse(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at","token_type":"Bearer","refresh_token":"rt","expires_in":3600}`)
	}))
	defer tokens.Close()

	accounts := &fakeAccounts{}
	states := &fakeStates{stored: &store.OauthState{
		UserID:   7,
		Provider: Provider,
		State:    "state-1",
	}}
	svc := newTestService(t, accounts, states, cache.NewMemory())
	svc.oauth.Endpoint = oauth2.Endpoint{TokenURL: tokens.URL}

	if err := svc.HandleCallback(context.Background(), "state-1", "code"); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if accounts.upserted == nil {
		t.Fatal("account was not upserted")
	}
	if accounts.upserted.RefreshTokenEncrypted == nil {
		t.Error("refresh token was not stored")
	}

	// Replay must fail: the state row is gone.
	err := svc.HandleCallback(context.Background(), "state-1", "code")
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("replay error = %v, want ErrStateMismatch", err)
	}
}

func TestHandleCallbackOmittedRefreshTokenKeepsStored(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokens.Close()

	accounts := &fakeAccounts{}
	states := &fakeStates{stored: &store.OauthState{UserID: 7, Provider: Provider, State: "state-1"}}
	svc := newTestService(t, accounts, states, cache.NewMemory())
	svc.oauth.Endpoint = oauth2.Endpoint{TokenURL: tokens.URL}

	if err := svc.HandleCallback(context.Background(), "state-1", "code"); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if accounts.upserted == nil {
		t.Fatal("account was not upserted")
	}
	// nil tells the store layer to keep the previously stored token.
	if accounts.upserted.RefreshTokenEncrypted != nil {
		t.Error("expected nil encrypted token when the provider omits it")
	}
}

func TestHandleCallbackExchangeFailure(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer tokens.Close()

	states := &fakeStates{stored: &store.OauthState{UserID: 7, Provider: Provider, State: "state-1"}}
	svc := newTestService(t, &fakeAccounts{}, states, cache.NewMemory())
	svc.oauth.Endpoint = oauth2.Endpoint{TokenURL: tokens.URL}

	err := svc.HandleCallback(context.Background(), "state-1", "code")

	var tokenErr *TokenError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("error = %v, want *TokenError", err)
	}
}

func TestDisconnect(t *testing.T) {
	accounts := &fakeAccounts{}
	svc := newTestService(t, accounts, &fakeStates{}, cache.NewMemory())

	if err := svc.Disconnect(context.Background(), 7); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !accounts.revoked {
		t.Error("account was not revoked")
	}
}
