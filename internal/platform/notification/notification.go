// Package notification turns scheduling events into participant messages
// rendered from templates, keeps a delivery history, and exposes it over
// Echo HTTP handlers.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/platform/websocket"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Notification is a single message sent to one participant.
type Notification struct {
	ID            string            `json:"id"`
	EventType     string            `json:"event_type"`
	AppointmentID string            `json:"appointment_id,omitempty"`
	Recipient     string            `json:"recipient"`
	Subject       string            `json:"subject"`
	Body          string            `json:"body"`
	TemplateID    string            `json:"template_id"`
	TemplateData  map[string]string `json:"template_data,omitempty"`
	Status        string            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Sender delivers a rendered message. Recipients are user ids; resolving
// them to addresses is the sender's business.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) error {
	s.logger.Info().Str("to", to).Str("subject", subject).Str("body", body).Msg("notification")
	return nil
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notification template. EventType binds it to
// the scheduling event that triggers it.
type Template struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
	byEvent   map[string]string
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
		byEvent:   make(map[string]string),
	}
	for _, t := range builtIn {
		e.RegisterTemplate(t)
	}
	return e
}

var builtIn = []Template{
	{
		ID:        "appointment-booked",
		EventType: "appointment.booked",
		Subject:   "Session booked for {{date}}",
		Body:      "Your {{kind}} session on {{date}} at {{time}} ({{duration}} minutes) is confirmed. Reference {{appointment_id}}.",
	},
	{
		ID:        "appointment-cancelled",
		EventType: "appointment.cancelled",
		Subject:   "Session on {{date}} cancelled",
		Body:      "Your {{kind}} session on {{date}} at {{time}} has been cancelled. Reference {{appointment_id}}.",
	},
	{
		ID:        "appointment-rescheduled",
		EventType: "appointment.rescheduled",
		Subject:   "Session moved to {{date}}",
		Body:      "Your {{kind}} session now starts on {{date}} at {{time}} and lasts {{duration}} minutes. Reference {{appointment_id}}.",
	},
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
	if t.EventType != "" {
		e.byEvent[t.EventType] = t.ID
	}
}

// ForEvent returns the template id bound to eventType.
func (e *TemplateEngine) ForEvent(eventType string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.byEvent[eventType]
	return id, ok
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// appointmentPayload is the part of an appointment event the templates use.
type appointmentPayload struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patientId"`
	TherapistID     string    `json:"therapistId"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"durationMinutes"`
	Kind            string    `json:"kind"`
}

// Dispatcher sends a templated message to both participants of an
// appointment event and records every attempt. It implements
// websocket.EventPublisher.
type Dispatcher struct {
	sender    Sender
	templates *TemplateEngine
	loc       *time.Location
	logger    zerolog.Logger

	mu            sync.RWMutex
	notifications map[string]*Notification
}

var _ websocket.EventPublisher = (*Dispatcher)(nil)

// NewDispatcher renders dates in loc; nil means UTC.
func NewDispatcher(sender Sender, tpl *TemplateEngine, loc *time.Location, logger zerolog.Logger) *Dispatcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{
		sender:        sender,
		templates:     tpl,
		loc:           loc,
		logger:        logger.With().Str("component", "notification").Logger(),
		notifications: make(map[string]*Notification),
	}
}

// Publish handles events that have a template and ignores the rest.
func (d *Dispatcher) Publish(ctx context.Context, evt websocket.Event) error {
	templateID, ok := d.templates.ForEvent(evt.Type)
	if !ok {
		return nil
	}
	var p appointmentPayload
	if err := json.Unmarshal(evt.Data, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}

	start := p.Start.In(d.loc)
	data := map[string]string{
		"appointment_id": p.ID,
		"date":           start.Format("Mon 2 Jan 2006"),
		"time":           start.Format("15:04 MST"),
		"duration":       strconv.Itoa(p.DurationMinutes),
		"kind":           p.Kind,
	}
	subject, body, err := d.templates.Render(templateID, data)
	if err != nil {
		return err
	}

	var errs []error
	for _, to := range []string{p.PatientID, p.TherapistID} {
		if to == "" {
			continue
		}
		n := &Notification{
			ID:            uuid.New().String(),
			EventType:     evt.Type,
			AppointmentID: p.ID,
			Recipient:     to,
			Subject:       subject,
			Body:          body,
			TemplateID:    templateID,
			TemplateData:  data,
			CreatedAt:     time.Now().UTC(),
		}
		if err := d.deliver(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) error {
	err := d.sender.Send(ctx, n.Recipient, n.Subject, n.Body)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		d.logger.Warn().Err(err).Str("notification_id", n.ID).Str("recipient", n.Recipient).Msg("notification failed")
	} else {
		n.Status = StatusSent
		n.Error = ""
		sentAt := time.Now().UTC()
		n.SentAt = &sentAt
	}
	d.notifications[n.ID] = n
	return err
}

// Get retrieves a notification by ID.
func (d *Dispatcher) Get(_ context.Context, id string) (*Notification, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	cp := *n
	return &cp, nil
}

// ListByRecipient returns a recipient's notifications, newest first, up to limit.
func (d *Dispatcher) ListByRecipient(_ context.Context, recipient string, limit int) []*Notification {
	d.mu.RLock()
	result := []*Notification{}
	for _, n := range d.notifications {
		if n.Recipient == recipient {
			cp := *n
			result = append(result, &cp)
		}
	}
	d.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Retry re-sends a failed notification.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*Notification, error) {
	d.mu.RLock()
	n, ok := d.notifications[id]
	var status string
	if ok {
		status = n.Status
	}
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	if status != StatusFailed {
		return nil, fmt.Errorf("notification %q is not in failed status (current: %s)", id, status)
	}
	err := d.deliver(ctx, n)
	out, _ := d.Get(ctx, id)
	return out, err
}

// Stats returns counts of notifications grouped by status.
func (d *Dispatcher) Stats(_ context.Context) map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := make(map[string]int)
	for _, n := range d.notifications {
		stats[n.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes the delivery history over HTTP.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterRoutes registers the notification routes on g. Callers are
// expected to restrict g to administrators.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.GET("/notifications", h.HandleList)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

// HandleGet handles GET /notifications/:id.
func (h *Handler) HandleGet(c echo.Context) error {
	n, err := h.dispatcher.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, n)
}

// HandleList handles GET /notifications?recipient=...
func (h *Handler) HandleList(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "recipient query parameter is required"})
	}
	return c.JSON(http.StatusOK, h.dispatcher.ListByRecipient(c.Request().Context(), recipient, 100))
}

// HandleRetry handles POST /notifications/:id/retry.
func (h *Handler) HandleRetry(c echo.Context) error {
	n, err := h.dispatcher.Retry(c.Request().Context(), c.Param("id"))
	if n == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusBadGateway, n)
	}
	return c.JSON(http.StatusOK, n)
}

// HandleStats handles GET /notifications/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats(c.Request().Context()))
}
