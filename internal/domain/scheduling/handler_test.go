package scheduling

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemed/telemed/internal/platform/auth"
	"github.com/telemed/telemed/pkg/pagination"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *fixture) {
	t.Helper()
	f := newFixture(t)
	return NewHandler(f.svc), echo.New(), f
}

// newRequest builds an echo context for a user already authenticated with
// the given roles.
func newRequest(e *echo.Echo, method, target, body, userID string, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), userID, roles))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) Error {
	t.Helper()
	var body Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandler_BookAppointment(t *testing.T) {
	h, e, _ := newTestHandler(t)
	c, rec := newRequest(e, http.MethodPost, "/appointments",
		`{"therapistId":"t1","start":"2025-03-10T09:00:00Z","durationMinutes":45,"notes":"first visit"}`, "p1", RolePatient)

	require.NoError(t, h.BookAppointment(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var a Appointment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, "p1", a.PatientID)
	assert.Equal(t, 45, a.DurationMinutes)
	assert.Equal(t, StatusScheduled, a.Status)
	assert.Equal(t, KindVideo, a.Kind)
}

func TestHandler_BookAppointment_Errors(t *testing.T) {
	h, e, f := newTestHandler(t)
	f.book(t, patient2, at(monday, 9, 0), 50)

	tests := []struct {
		name   string
		body   string
		status int
		kind   ErrorKind
	}{
		{"empty body", "", http.StatusBadRequest, KindInvalidPatch},
		{"malformed json", `{"therapistId":`, http.StatusBadRequest, KindInvalidPatch},
		{"unknown field", `{"therapistId":"t1","start":"2025-03-10T11:00:00Z","room":"4B"}`, http.StatusBadRequest, KindInvalidPatch},
		{"duration too long", `{"therapistId":"t1","start":"2025-03-10T11:00:00Z","durationMinutes":240}`, http.StatusUnprocessableEntity, KindInvalidDuration},
		{"past start", `{"therapistId":"t1","start":"2025-03-01T11:00:00Z"}`, http.StatusUnprocessableEntity, KindPastStart},
		{"bad kind", `{"therapistId":"t1","start":"2025-03-10T11:00:00Z","kind":"phone"}`, http.StatusUnprocessableEntity, KindInvalidKind},
		{"overlap", `{"therapistId":"t1","start":"2025-03-10T09:30:00Z"}`, http.StatusConflict, KindSlotConflict},
		{"other patient", `{"patientId":"p2","therapistId":"t1","start":"2025-03-10T11:00:00Z"}`, http.StatusForbidden, KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newRequest(e, http.MethodPost, "/appointments", tt.body, "p1", RolePatient)
			require.NoError(t, h.BookAppointment(c))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, decodeError(t, rec).Kind)
		})
	}
}

func TestHandler_GetAvailability(t *testing.T) {
	h, e, f := newTestHandler(t)
	f.setSchedule(t, "t1", weekdayConfig(10, 12, 60))
	f.book(t, patient1, at(monday, 10, 0), 60)

	c, rec := newRequest(e, http.MethodGet, "/availability?therapistId=t1&startDate=2025-03-10&days=1", "", "p2", RolePatient)
	require.NoError(t, h.GetAvailability(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var slots []CandidateSlot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &slots))
	require.Len(t, slots, 1)
	assert.True(t, slots[0].Start.Equal(at(monday, 11, 0)))
	assert.Contains(t, rec.Body.String(), `"startTime"`)
}

func TestHandler_GetAvailability_PathParam(t *testing.T) {
	h, e, _ := newTestHandler(t)
	c, rec := newRequest(e, http.MethodGet, "/therapists/t1/availability?startDate=2025-03-10", "", "p1", RolePatient)
	c.SetParamNames("id")
	c.SetParamValues("t1")

	require.NoError(t, h.GetAvailability(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var slots []CandidateSlot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &slots))
	// Seven days from Monday cover five work days of nine 50-minute slots.
	assert.Len(t, slots, 45)
}

func TestHandler_GetAvailability_BadQuery(t *testing.T) {
	h, e, _ := newTestHandler(t)
	for _, target := range []string{
		"/availability",
		"/availability?therapistId=t1&days=abc",
		"/availability?therapistId=t1&days=0",
		"/availability?therapistId=t1&days=61",
		"/availability?therapistId=t1&startDate=next-week",
	} {
		c, rec := newRequest(e, http.MethodGet, target, "", "p1", RolePatient)
		require.NoError(t, h.GetAvailability(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, KindInvalidRange, decodeError(t, rec).Kind, target)
	}
}

func TestHandler_GetAvailability_UnknownTherapistIsEmpty(t *testing.T) {
	h, e, _ := newTestHandler(t)
	c, rec := newRequest(e, http.MethodGet, "/availability?therapistId=nobody", "", "p1", RolePatient)
	require.NoError(t, h.GetAvailability(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandler_GetAppointment(t *testing.T) {
	h, e, f := newTestHandler(t)
	a := f.book(t, patient1, at(monday, 9, 0), 50)

	c, rec := newRequest(e, http.MethodGet, "/", "", "p1", RolePatient)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	require.NoError(t, h.GetAppointment(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	c, rec = newRequest(e, http.MethodGet, "/", "", "p2", RolePatient)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	require.NoError(t, h.GetAppointment(c))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	c, rec = newRequest(e, http.MethodGet, "/", "", "p1", RolePatient)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	require.NoError(t, h.GetAppointment(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	c, rec = newRequest(e, http.MethodGet, "/", "", "admin-1", RoleAdmin)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	require.NoError(t, h.GetAppointment(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_UpdateAppointment(t *testing.T) {
	h, e, f := newTestHandler(t)
	a := f.book(t, patient1, at(monday, 9, 0), 50)

	c, rec := newRequest(e, http.MethodPut, "/", `{"start":"2025-03-10T13:00:00Z","durationMinutes":30}`, "t1", RoleTherapist)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	require.NoError(t, h.UpdateAppointment(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var got Appointment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.End.Equal(at(monday, 13, 30)))

	c, rec = newRequest(e, http.MethodPut, "/", `{}`, "t1", RoleTherapist)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	require.NoError(t, h.UpdateAppointment(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c, rec = newRequest(e, http.MethodPut, "/", `{"status":"completed"}`, "t1", RoleTherapist)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	require.NoError(t, h.UpdateAppointment(c))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_CancelAppointment(t *testing.T) {
	h, e, f := newTestHandler(t)
	a := f.book(t, patient1, at(monday, 9, 0), 50)

	for i := 0; i < 2; i++ {
		c, rec := newRequest(e, http.MethodDelete, "/", "", "p1", RolePatient)
		c.SetParamNames("id")
		c.SetParamValues(a.ID.String())
		require.NoError(t, h.CancelAppointment(c))
		require.Equal(t, http.StatusOK, rec.Code)

		var got Appointment
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, StatusCancelled, got.Status)
	}
}

func TestHandler_JoinAppointment(t *testing.T) {
	h, e, f := newTestHandler(t)
	a := f.book(t, patient1, at(monday, 9, 0), 50)

	c, rec := newRequest(e, http.MethodPost, "/", "", "p1", RolePatient)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	require.NoError(t, h.JoinAppointment(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, KindTooEarly, decodeError(t, rec).Kind)

	f.clock.Set(at(monday, 8, 50))
	c, rec = newRequest(e, http.MethodPost, "/", "", "p1", RolePatient)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	require.NoError(t, h.JoinAppointment(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var grant JoinGrant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &grant))
	assert.Equal(t, "https://app.test/video/"+a.ID.String(), grant.URL)
}

func TestHandler_ListAppointments(t *testing.T) {
	h, e, f := newTestHandler(t)
	f.book(t, patient1, at(monday, 9, 0), 50)
	f.book(t, patient1, at(monday, 10, 0), 50)
	f.book(t, patient2, at(monday, 11, 0), 50)

	c, rec := newRequest(e, http.MethodGet, "/appointments?limit=1", "", "p1", RolePatient)
	require.NoError(t, h.ListAppointments(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Data    []Appointment `json:"data"`
		Total   int           `json:"total"`
		HasMore bool          `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Data, 1)
	assert.True(t, page.HasMore)

	c, rec = newRequest(e, http.MethodGet, "/appointments?scope=later", "", "p1", RolePatient)
	require.NoError(t, h.ListAppointments(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Schedule(t *testing.T) {
	h, e, _ := newTestHandler(t)

	c, rec := newRequest(e, http.MethodPut, "/", `{"startHour":8,"endHour":12,"workDays":[1,3]}`, "t2", RoleTherapist)
	c.SetParamNames("id")
	c.SetParamValues("t2")
	require.NoError(t, h.UpdateSchedule(c))
	require.Equal(t, http.StatusOK, rec.Code)

	c, rec = newRequest(e, http.MethodGet, "/", "", "p1", RolePatient)
	c.SetParamNames("id")
	c.SetParamValues("t2")
	require.NoError(t, h.GetSchedule(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg ScheduleConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, []int{1, 3}, cfg.WorkDays)
	assert.Equal(t, 50, cfg.SlotMinutes)

	c, rec = newRequest(e, http.MethodPut, "/", `{"startHour":20,"endHour":8}`, "t2", RoleTherapist)
	c.SetParamNames("id")
	c.SetParamValues("t2")
	require.NoError(t, h.UpdateSchedule(c))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	c, rec = newRequest(e, http.MethodPut, "/", `{"startHour":8}`, "t1", RoleTherapist)
	c.SetParamNames("id")
	c.SetParamValues("t2")
	require.NoError(t, h.UpdateSchedule(c))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_Reviews(t *testing.T) {
	h, e, _ := newTestHandler(t)

	c, rec := newRequest(e, http.MethodPost, "/", `{"rating":5,"comment":"helpful"}`, "p1", RolePatient)
	c.SetParamNames("id")
	c.SetParamValues("t1")
	require.NoError(t, h.CreateReview(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	c, rec = newRequest(e, http.MethodPost, "/", `{"rating":9}`, "p2", RolePatient)
	c.SetParamNames("id")
	c.SetParamValues("t1")
	require.NoError(t, h.CreateReview(c))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	c, rec = newRequest(e, http.MethodGet, "/", "", "p2", RolePatient)
	c.SetParamNames("id")
	c.SetParamValues("t1")
	require.NoError(t, h.GetReviews(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var out TherapistReviews
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, 5.0, out.Average)
	assert.Len(t, out.Items, 1)
}

func TestHandler_FailHidesInternalErrors(t *testing.T) {
	e := echo.New()
	c, _ := newRequest(e, http.MethodGet, "/", "", "p1", RolePatient)

	err := fail(c, errors.New("connection refused"))
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusInternalServerError, he.Code)
	assert.NotContains(t, he.Message, "connection refused")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(KindInvalidPatch))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(KindInvalidScheduleConfig))
	assert.Equal(t, http.StatusConflict, statusFor(KindDuplicateReview))
	assert.Equal(t, http.StatusConflict, statusFor(KindNotJoinable))
	assert.Equal(t, http.StatusNotFound, statusFor(KindNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(ErrorKind("Mystery")))
}

func TestRoutes_RoleGuards(t *testing.T) {
	h, e, _ := newTestHandler(t)
	e.Use(auth.DevAuthMiddleware())
	h.RegisterRoutes(e.Group("/api/v1"))

	send := func(method, path, body, user, roles string) *httptest.ResponseRecorder {
		var r io.Reader
		if body != "" {
			r = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, r)
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(auth.DevUserHeader, user)
		req.Header.Set(auth.DevRolesHeader, roles)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	booking := `{"therapistId":"t1","start":"2025-03-10T09:00:00Z"}`

	rec := send(http.MethodPost, "/api/v1/appointments", booking, "t1", RoleTherapist)
	assert.Equal(t, http.StatusForbidden, rec.Code, "therapists cannot book")

	rec = send(http.MethodPost, "/api/v1/appointments", booking, "p1", RolePatient)
	require.Equal(t, http.StatusCreated, rec.Code)
	var a Appointment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))

	rec = send(http.MethodPut, "/api/v1/therapists/t1/schedule", `{"slotMinutes":30}`, "p1", RolePatient)
	assert.Equal(t, http.StatusForbidden, rec.Code, "patients cannot edit schedules")

	rec = send(http.MethodPut, "/api/v1/therapists/t1/schedule", `{"slotMinutes":30}`, "t1", RoleTherapist)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = send(http.MethodGet, "/api/v1/appointments/"+a.ID.String(), "", "t1", RoleTherapist)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = send(http.MethodGet, "/api/v1/therapists/t1/availability?startDate=2025-03-10&days=1", "", "p2", RolePatient)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = send(http.MethodGet, "/api/v1/appointments", "", "guest", "visitor")
	assert.Equal(t, http.StatusForbidden, rec.Code, "unknown roles are rejected")

	rec = send(http.MethodGet, "/api/v1/appointments", "", "root", RoleAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	var page pagination.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
}
