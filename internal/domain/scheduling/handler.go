package scheduling

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telemed/telemed/internal/platform/auth"
	"github.com/telemed/telemed/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read and participant endpoints - any signed-in user
	members := api.Group("", auth.RequireRole(RolePatient, RoleTherapist, RoleAdmin))
	members.GET("/availability", h.GetAvailability)
	members.GET("/therapists/:id/availability", h.GetAvailability)
	members.GET("/therapists/:id/schedule", h.GetSchedule)
	members.GET("/therapists/:id/reviews", h.GetReviews)
	members.GET("/appointments", h.ListAppointments)
	members.GET("/appointments/:id", h.GetAppointment)
	members.PUT("/appointments/:id", h.UpdateAppointment)
	members.DELETE("/appointments/:id", h.CancelAppointment)
	members.POST("/appointments/:id/join", h.JoinAppointment)

	// Patient endpoints
	patients := api.Group("", auth.RequireRole(RolePatient))
	patients.POST("/appointments", h.BookAppointment)
	patients.POST("/therapists/:id/reviews", h.CreateReview)

	// Therapist endpoints
	therapists := api.Group("", auth.RequireRole(RoleTherapist))
	therapists.PUT("/therapists/:id/schedule", h.UpdateSchedule)
}

// actor builds the scheduling principal from the authenticated request.
func actor(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{ID: auth.UserIDFromContext(ctx), IsAdmin: auth.HasRole(ctx, RoleAdmin)}
}

// statusFor maps a domain error kind to its HTTP status.
func statusFor(kind ErrorKind) int {
	switch kind {
	case KindInvalidPatch, KindInvalidRange:
		return http.StatusBadRequest
	case KindInvalidDuration, KindInvalidKind, KindPastStart, KindInvalidNotes,
		KindInvalidScheduleConfig, KindInvalidRating:
		return http.StatusUnprocessableEntity
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindSlotConflict, KindTooEarly, KindExpired, KindNotJoinable,
		KindInvalidTransition, KindDuplicateReview:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// fail writes domain errors as {kind, message} and hands anything else to
// echo's error handler as a 500.
func fail(c echo.Context, err error) error {
	var de *Error
	if errors.As(err, &de) {
		return c.JSON(statusFor(de.Kind), de)
	}
	c.Logger().Error(err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// decodeStrict decodes a JSON body, rejecting fields v does not declare.
func decodeStrict(c echo.Context, v any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return newError(KindInvalidPatch, "request body is empty")
		}
		return newError(KindInvalidPatch, "invalid body: %v", err)
	}
	return nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, newError(KindNotFound, "appointment %q", c.Param("id"))
	}
	return id, nil
}

// -- Availability --

func (h *Handler) GetAvailability(c echo.Context) error {
	therapistID := c.Param("id")
	if therapistID == "" {
		therapistID = c.QueryParam("therapistId")
	}
	if therapistID == "" {
		return fail(c, newError(KindInvalidRange, "therapistId is required"))
	}

	days := DefaultAvailabilityDays
	if raw := c.QueryParam("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fail(c, newError(KindInvalidRange, "days must be an integer"))
		}
		days = n
	}

	var from time.Time
	if raw := c.QueryParam("startDate"); raw != "" {
		t, err := parseDate(raw, h.svc.Location())
		if err != nil {
			return fail(c, newError(KindInvalidRange, "startDate %q is not a date", raw))
		}
		from = t
	}

	slots, err := h.svc.Availability(c.Request().Context(), therapistID, from, days)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, slots)
}

// parseDate accepts a calendar date or a full RFC 3339 instant.
func parseDate(raw string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation(time.DateOnly, raw, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// -- Schedule --

func (h *Handler) GetSchedule(c echo.Context) error {
	cfg, err := h.svc.GetSchedule(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) UpdateSchedule(c echo.Context) error {
	var patch ScheduleConfigPatch
	if err := decodeStrict(c, &patch); err != nil {
		return fail(c, err)
	}
	cfg, err := h.svc.UpdateSchedule(c.Request().Context(), actor(c), c.Param("id"), patch)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, cfg)
}

// -- Appointments --

func (h *Handler) BookAppointment(c echo.Context) error {
	var req BookRequest
	if err := decodeStrict(c, &req); err != nil {
		return fail(c, err)
	}
	a, err := h.svc.Book(c.Request().Context(), actor(c), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	q := ListQuery{
		Scope:       Scope(c.QueryParam("scope")),
		PatientID:   c.QueryParam("patientId"),
		TherapistID: c.QueryParam("therapistId"),
		Limit:       pg.Limit,
		Offset:      pg.Offset,
	}
	items, total, err := h.svc.List(c.Request().Context(), actor(c), q)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, err)
	}
	a, err := h.svc.Get(c.Request().Context(), actor(c), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, err)
	}
	var patch AppointmentPatch
	if err := decodeStrict(c, &patch); err != nil {
		return fail(c, err)
	}
	a, err := h.svc.Update(c.Request().Context(), actor(c), id, patch)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, err)
	}
	a, err := h.svc.Cancel(c.Request().Context(), actor(c), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) JoinAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, err)
	}
	grant, err := h.svc.Join(c.Request().Context(), actor(c), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, grant)
}

// -- Reviews --

func (h *Handler) GetReviews(c echo.Context) error {
	out, err := h.svc.Reviews(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CreateReview(c echo.Context) error {
	var req ReviewRequest
	if err := decodeStrict(c, &req); err != nil {
		return fail(c, err)
	}
	r, err := h.svc.CreateReview(c.Request().Context(), actor(c), c.Param("id"), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, r)
}
