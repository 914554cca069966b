package httpserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gitea.jw6.us/james/teamcal/internal/calendar"
	"gitea.jw6.us/james/teamcal/internal/http/errors"
)

// Coordinator is the aggregate cache contract the handler drives.
type Coordinator interface {
	Get(ctx context.Context, rng calendar.Range, email string) calendar.View
	Refresh(ctx context.Context, rng calendar.Range, email string, force bool) (calendar.View, bool, error)
}

// GraphDetail resolves a single event for the detail endpoint.
type GraphDetail interface {
	EventDetail(ctx context.Context, email, eventID string) (*calendar.EventDetail, error)
}

// CalendarHandler serves the company-wide calendar aggregate.
type CalendarHandler struct {
	coord Coordinator
	graph GraphDetail
	loc   *time.Location
}

func NewCalendarHandler(coord Coordinator, graph GraphDetail, loc *time.Location) *CalendarHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &CalendarHandler{coord: coord, graph: graph, loc: loc}
}

type companyCalendarResponse struct {
	Range         calendar.Range                `json:"range"`
	Calendars     []calendar.UserCalendarResult `json:"calendars"`
	Errors        []calendar.FetchError         `json:"errors"`
	Status        calendar.Status               `json:"status"`
	LastUpdatedAt *time.Time                    `json:"last_updated_at"`
}

// Index returns the cached aggregate. A stale or missing entry is reported
// as "refreshing" and a background refresh is kicked off; the request itself
// never waits on upstream calls.
func (h *CalendarHandler) Index(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.parseRange(w, r, "start", "end")
	if !ok {
		return
	}
	email := r.URL.Query().Get("email")

	view := h.coord.Get(r.Context(), rng, email)
	if view.Status == calendar.StatusRefreshing {
		h.refreshAsync(r.Context(), rng, email)
	}

	errors.JSON(w, http.StatusOK, companyCalendarResponse{
		Range:         rng,
		Calendars:     view.Calendars,
		Errors:        view.Errors,
		Status:        view.Status,
		LastUpdatedAt: view.LastUpdatedAt,
	})
}

// Refresh refreshes the aggregate under the per-key lock. 200 means this
// call performed the refresh; 202 means another refresh was already in
// flight and the pre-existing payload is returned.
func (h *CalendarHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.parseRange(w, r, "start", "end")
	if !ok {
		return
	}
	email := r.URL.Query().Get("email")

	view, performed, err := h.coord.Refresh(r.Context(), rng, email, true)
	if err != nil {
		errors.InternalError(w, r, err, "calendar refresh failed")
		return
	}

	status := http.StatusOK
	if !performed {
		status = http.StatusAccepted
	}
	errors.JSON(w, status, companyCalendarResponse{
		Range:         rng,
		Calendars:     view.Calendars,
		Errors:        view.Errors,
		Status:        view.Status,
		LastUpdatedAt: view.LastUpdatedAt,
	})
}

// EventDetail returns one normalized event for the given user.
func (h *CalendarHandler) EventDetail(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		errors.ValidationError(w, "email query parameter is required")
		return
	}
	eventID := chi.URLParam(r, "eventID")

	detail, err := h.graph.EventDetail(r.Context(), email, eventID)
	if err != nil {
		errors.LogError(r, "graph event detail fetch failed", err)
		errors.Error(w, http.StatusBadGateway, "GRAPH_API_ERROR", err.Error())
		return
	}
	errors.JSON(w, http.StatusOK, detail)
}

func (h *CalendarHandler) refreshAsync(ctx context.Context, rng calendar.Range, email string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if _, _, err := h.coord.Refresh(ctx, rng, email, false); err != nil {
			log.Printf("[ERROR] background calendar refresh failed: %v", err)
		}
	}()
}

func (h *CalendarHandler) parseRange(w http.ResponseWriter, r *http.Request, startParam, endParam string) (calendar.Range, bool) {
	start, ok := h.parseTime(w, r.URL.Query().Get(startParam), startParam)
	if !ok {
		return calendar.Range{}, false
	}
	end, ok := h.parseTime(w, r.URL.Query().Get(endParam), endParam)
	if !ok {
		return calendar.Range{}, false
	}
	if !end.After(start) {
		errors.ValidationError(w, endParam+" must be after "+startParam)
		return calendar.Range{}, false
	}
	return calendar.Range{Start: start, End: end}, true
}

func (h *CalendarHandler) parseTime(w http.ResponseWriter, value, name string) (time.Time, bool) {
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
