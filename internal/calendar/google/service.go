// Package google implements the Google Calendar integration: the per-user
// OAuth connect flow, encrypted refresh-token custody, and event fetching
// with short-TTL caching.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"gitea.jw6.us/james/teamcal/internal/cache"
	"gitea.jw6.us/james/teamcal/internal/calendar"
	"gitea.jw6.us/james/teamcal/internal/metrics"
	"gitea.jw6.us/james/teamcal/internal/secret"
	"gitea.jw6.us/james/teamcal/internal/store"
)

const (
	Provider = "google"

	defaultAPIBase   = "https://www.googleapis.com/calendar/v3"
	defaultEventsTTL = 5 * time.Minute
	defaultStateTTL  = 10 * time.Minute
	defaultTimeout   = 15 * time.Second

	issuerURL = "https://accounts.google.com"
)

var scopes = []string{oidc.ScopeOpenID, "email", "https://www.googleapis.com/auth/calendar.readonly"}

// ErrNotConnected marks a user who never connected Google Calendar or has
// revoked the connection.
var ErrNotConnected = errors.New("google account not connected")

// ErrStateMismatch marks a callback whose state token is unknown, expired,
// or already used.
var ErrStateMismatch = errors.New("oauth state mismatch")

// TokenError wraps failures to turn the stored refresh token into a usable
// access token: decryption errors and rejected token exchanges.
type TokenError struct {
	Err error
}

func (e *TokenError) Error() string { return fmt.Sprintf("google token error: %v", e.Err) }
func (e *TokenError) Unwrap() error { return e.Err }

// APIError reports a non-success response from the Google Calendar API.
type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("google calendar api returned status %d", e.StatusCode)
}

// Config carries the OAuth client registration for the connect flow.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Location     *time.Location
	EventsTTL    time.Duration
	StateTTL     time.Duration
	Timeout      time.Duration
}

type idTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// Service owns the Google side of the integration. It degrades token
// problems to typed errors (or empty results for never-stored tokens) so the
// HTTP layer can map them to structured responses.
type Service struct {
	accounts store.ExternalAccountRepository
	states   store.OauthStateRepository
	cipher   *secret.Cipher
	cache    cache.Cache

	oauth    *oauth2.Config
	verifier idTokenVerifier
	http     *http.Client

	apiBase   string
	loc       *time.Location
	eventsTTL time.Duration
	stateTTL  time.Duration
}

// NewService discovers the Google OIDC endpoints and wires the service. It
// fails fast on a missing client registration; there is no per-request
// recovery from misconfigured credentials.
func NewService(ctx context.Context, cfg Config, accounts store.ExternalAccountRepository, states store.OauthStateRepository, cipher *secret.Cipher, c cache.Cache) (*Service, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, errors.New("google configuration is required: client id, client secret, and redirect url")
	}

	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover google oidc endpoints: %w", err)
	}

	svc := newService(cfg, accounts, states, cipher, c)
	svc.oauth.Endpoint = provider.Endpoint()
	svc.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return svc, nil
}

// newService wires everything except OIDC discovery; tests use it directly
// with stub endpoints.
func newService(cfg Config, accounts store.ExternalAccountRepository, states store.OauthStateRepository, cipher *secret.Cipher, c cache.Cache) *Service {
	eventsTTL := cfg.EventsTTL
	if eventsTTL == 0 {
		eventsTTL = defaultEventsTTL
	}
	stateTTL := cfg.StateTTL
	if stateTTL == 0 {
		stateTTL = defaultStateTTL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Service{
		accounts: accounts,
		states:   states,
		cipher:   cipher,
		cache:    c,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		http:      &http.Client{Timeout: timeout},
		apiBase:   defaultAPIBase,
		loc:       loc,
		eventsTTL: eventsTTL,
		stateTTL:  stateTTL,
	}
}

// Account returns the user's active Google account, or nil when never
// connected or revoked.
func (s *Service) Account(ctx context.Context, userID int64) (*store.ExternalAccount, error) {
	return s.accounts.FindActive(ctx, userID, Provider)
}

// AuthURL persists a single-use state token and returns the authorization
// URL the front end should redirect the user to.
func (s *Service) AuthURL(ctx context.Context, userID int64) (authURL, state string, err error) {
	state = uuid.NewString()
	err = s.states.Create(ctx, store.OauthState{
		UserID:    userID,
		Provider:  Provider,
		State:     state,
		ExpiresAt: time.Now().Add(s.stateTTL),
	})
	if err != nil {
		return "", "", fmt.Errorf("persist oauth state: %w", err)
	}

	// prompt=consent forces Google to reissue a refresh token on reconnect.
	authURL = s.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
	return authURL, state, nil
}

// HandleCallback completes the authorization-code flow: match and burn the
// state, exchange the code, extract the provider email from the ID token,
// and upsert the account with the freshly encrypted refresh token. When
// Google omits the refresh token the previously stored one is preserved.
func (s *Service) HandleCallback(ctx context.Context, state, code string) error {
	matched, err := s.states.Consume(ctx, state)
	if err != nil {
		return fmt.Errorf("consume oauth state: %w", err)
	}
	if matched == nil || matched.Provider != Provider {
		return ErrStateMismatch
	}

	token, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return &TokenError{Err: err}
	}

	email := s.providerEmail(ctx, token)

	var encrypted *string
	if token.RefreshToken != "" {
		enc, err := s.cipher.Encrypt(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encrypted = &enc
	}

	_, err = s.accounts.Upsert(ctx, store.ExternalAccount{
		UserID:                matched.UserID,
		Provider:              Provider,
		ProviderEmail:         email,
		RefreshTokenEncrypted: encrypted,
		Scopes:                strings.Join(s.oauth.Scopes, " "),
	})
	return err
}

// Disconnect revokes the connection. The row stays for audit; only the
// token is cleared.
func (s *Service) Disconnect(ctx context.Context, userID int64) error {
	return s.accounts.Revoke(ctx, userID, Provider)
}

// Events returns the user's Google events for the window, cache-first.
// A connected account without a stored refresh token yields an empty slice
// without any upstream call.
func (s *Service) Events(ctx context.Context, userID int64, from, to time.Time, force bool) ([]calendar.Event, error) {
	key := fmt.Sprintf("google.calendar.user.%d.%s.%s",
		userID, from.Format(time.RFC3339), to.Format(time.RFC3339))

	if !force {
		if data, err := s.cache.Get(ctx, key); err == nil && data != nil {
			var events []calendar.Event
			if err := json.Unmarshal(data, &events); err == nil {
				metrics.CacheHit("google")
				return events, nil
			}
		}
		metrics.CacheMiss("google")
	}

	account, err := s.accounts.FindActive(ctx, userID, Provider)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrNotConnected
	}
	if account.RefreshTokenEncrypted == nil {
		log.Printf("[WARN] RequestID=%s: google account for user %d has no stored refresh token",
			metrics.RequestIDFromContext(ctx), userID)
		return []calendar.Event{}, nil
	}

	refreshToken, err := s.cipher.Decrypt(*account.RefreshTokenEncrypted)
	if err != nil {
		log.Printf("[ERROR] RequestID=%s: google refresh token decrypt failed for user %d: %v",
			metrics.RequestIDFromContext(ctx), userID, err)
		return nil, &TokenError{Err: err}
	}

	token, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		log.Printf("[ERROR] RequestID=%s: google token exchange failed for user %d: %v",
			metrics.RequestIDFromContext(ctx), userID, err)
		return nil, &TokenError{Err: err}
	}

	events, err := s.fetchEvents(ctx, token, from, to)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(events); err == nil {
		if err := s.cache.Put(ctx, key, data, s.eventsTTL); err != nil {
			log.Printf("[WARN] RequestID=%s: google events cache write failed for user %d: %v",
				metrics.RequestIDFromContext(ctx), userID, err)
		}
	}
	return events, nil
}

func (s *Service) fetchEvents(ctx context.Context, token *oauth2.Token, from, to time.Time) ([]calendar.Event, error) {
	start := time.Now()

	query := url.Values{}
	query.Set("timeMin", from.Format(time.RFC3339))
	query.Set("timeMax", to.Format(time.RFC3339))
	query.Set("singleEvents", "true")
	query.Set("orderBy", "startTime")
	query.Set("maxResults", "250")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.apiBase+"/calendars/primary/events?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	token.SetAuthHeader(req)

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.ObserveUpstream(Provider, "transport", start)
		return nil, &APIError{StatusCode: http.StatusBadGateway}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveUpstream(Provider, "transport", start)
		return nil, &APIError{StatusCode: http.StatusBadGateway}
	}
	if resp.StatusCode != http.StatusOK {
		metrics.ObserveUpstream(Provider, "upstream", start)
		return nil, &APIError{StatusCode: resp.StatusCode}
	}

	var raw struct {
		Items []googleEvent `json:"items"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		metrics.ObserveUpstream(Provider, "malformed", start)
		return nil, &APIError{StatusCode: http.StatusBadGateway}
	}
	metrics.ObserveUpstream(Provider, "success", start)

	events := make([]calendar.Event, 0, len(raw.Items))
	for _, item := range raw.Items {
		if item.Status == "cancelled" {
			continue
		}
		events = append(events, s.normalize(item))
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Start < events[j].Start })
	return events, nil
}

func (s *Service) providerEmail(ctx context.Context, token *oauth2.Token) string {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" || s.verifier == nil {
		return ""
	}

	idToken, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		log.Printf("[WARN] google id token verification failed: %v", err)
		return ""
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return ""
	}
	return claims.Email
}

type googleEventTime struct {
	Date     string `json:"date"`
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type googleEvent struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Summary  string          `json:"summary"`
	Location string          `json:"location"`
	Start    googleEventTime `json:"start"`
	End      googleEventTime `json:"end"`
}

// normalize converts a Google event to the shared shape. All-day events are
// anchored to the start of day in the application timezone, not UTC midnight,
// so they render on the correct calendar day.
func (s *Service) normalize(item googleEvent) calendar.Event {
	event := calendar.Event{
		ID:       item.ID,
		Subject:  item.Summary,
		Location: item.Location,
	}

	if item.Start.Date != "" {
		event.AllDay = true
		event.Start = s.normalizeDate(item.Start.Date)
		event.End = s.normalizeDate(item.End.Date)
		return event
	}

	event.Start = s.normalizeDateTime(item.Start.DateTime)
	event.End = s.normalizeDateTime(item.End.DateTime)
	return event
}

func (s *Service) normalizeDate(date string) string {
	t, err := time.ParseInLocation("2006-01-02", date, s.loc)
	if err != nil {
		return date
	}
	return t.Format(time.RFC3339)
}

func (s *Service) normalizeDateTime(value string) string {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return value
	}
	return t.In(s.loc).Format(time.RFC3339)
}
