package httpserver

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"gitea.jw6.us/james/teamcal/internal/calendar"
	"gitea.jw6.us/james/teamcal/internal/calendar/google"
	"gitea.jw6.us/james/teamcal/internal/http/errors"
)

// GoogleService is the integration contract served by the Google routes.
type GoogleService interface {
	AuthURL(ctx context.Context, userID int64) (authURL, state string, err error)
	HandleCallback(ctx context.Context, state, code string) error
	Events(ctx context.Context, userID int64, from, to time.Time, force bool) ([]calendar.Event, error)
	Disconnect(ctx context.Context, userID int64) error
}

// GoogleHandler serves the per-user Google Calendar integration. The
// authenticated user id arrives in the X-User-ID header set by the fronting
// auth layer; the browser-facing callback carries identity in the state row
// instead.
type GoogleHandler struct {
	svc        GoogleService
	successURL string
	errorURL   string
	loc        *time.Location
}

func NewGoogleHandler(svc GoogleService, successURL, errorURL string, loc *time.Location) *GoogleHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &GoogleHandler{svc: svc, successURL: successURL, errorURL: errorURL, loc: loc}
}

// Authorize starts the OAuth connect flow for the current user.
func (h *GoogleHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}

	authURL, state, err := h.svc.AuthURL(r.Context(), userID)
	if err != nil {
		errors.InternalError(w, r, err, "google authorize failed")
		return
	}
	errors.JSON(w, http.StatusOK, map[string]string{
		"auth_url": authURL,
		"state":    state,
	})
}

// Callback completes the OAuth flow and redirects the browser back to the
// front end with a success or error outcome.
func (h *GoogleHandler) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		h.redirectError(w, r, "invalid_request")
		return
	}

	err := h.svc.HandleCallback(r.Context(), state, code)
	switch {
	case err == nil:
		http.Redirect(w, r, h.successURL, http.StatusFound)
	case stderrors.Is(err, google.ErrStateMismatch):
		h.redirectError(w, r, "state_mismatch")
	default:
		errors.LogError(r, "google oauth callback failed", err)
		var tokenErr *google.TokenError
		if stderrors.As(err, &tokenErr) {
			h.redirectError(w, r, "token_error")
			return
		}
		h.redirectError(w, r, "server_error")
	}
}

// Events returns the current user's Google events for the window.
func (h *GoogleHandler) Events(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}

	from, ok := h.parseTime(w, r.URL.Query().Get("from"), "from")
	if !ok {
		return
	}
	to, ok := h.parseTime(w, r.URL.Query().Get("to"), "to")
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"

	items, err := h.svc.Events(r.Context(), userID, from, to, force)
	if err != nil {
		h.writeEventsError(w, r, err)
		return
	}
	if items == nil {
		items = []calendar.Event{}
	}
	errors.JSON(w, http.StatusOK, map[string]any{"items": items})
}

// Disconnect revokes the current user's Google connection.
func (h *GoogleHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}

	if err := h.svc.Disconnect(r.Context(), userID); err != nil {
		errors.InternalError(w, r, err, "google disconnect failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GoogleHandler) writeEventsError(w http.ResponseWriter, r *http.Request, err error) {
	var tokenErr *google.TokenError
	var apiErr *google.APIError

	switch {
	case stderrors.Is(err, google.ErrNotConnected):
		errors.Error(w, http.StatusNotFound, "NOT_CONNECTED", "google account is not connected")
	case stderrors.As(err, &tokenErr):
		errors.Error(w, http.StatusInternalServerError, "TOKEN_ERROR", "failed to obtain a google access token")
	case stderrors.As(err, &apiErr):
		errors.Error(w, http.StatusBadGateway, "GOOGLE_API_ERROR", "google calendar api request failed")
	default:
		errors.InternalError(w, r, err, "google events fetch failed")
	}
}

func (h *GoogleHandler) redirectError(w http.ResponseWriter, r *http.Request, reason string) {
	target := h.errorURL
	if u, err := url.Parse(h.errorURL); err == nil {
		q := u.Query()
		q.Set("reason", reason)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *GoogleHandler) currentUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-ID")
	userID, err := strconv.ParseInt(raw, 10, 64)
	if raw == "" || err != nil || userID <= 0 {
		errors.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid user identity")
		return 0, false
	}
	return userID, true
}

func (h *GoogleHandler) parseTime(w http.ResponseWriter, value, name string) (time.Time, bool) {
	if value == "" {
		errors.ValidationError(w, name+" query parameter is required")
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02", value, h.loc); err == nil {
		return t, true
	}
	errors.ValidationError(w, name+" must be an ISO-8601 timestamp or date")
	return time.Time{}, false
}
