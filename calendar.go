package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// CalendarAPI is the slice of the calendar backend the HTTP handlers need.
type CalendarAPI interface {
	CreateEvent(ctx context.Context, event *calendar.Event) (*calendar.Event, error)
	ListDay(ctx context.Context, day time.Time) ([]*calendar.Event, error)
}

// GoogleCalendar implements CalendarAPI against the shared salon calendar
// using a service account.
type GoogleCalendar struct {
	svc        *calendar.Service
	calendarID string
}

// NewGoogleCalendar builds a calendar client from GOOGLE_SERVICE_ACCOUNT_JSON
// (the service account key, inline JSON) and GOOGLE_CALENDAR_ID.
func NewGoogleCalendar(ctx context.Context) (*GoogleCalendar, error) {
	credsJSON := os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON")
	if credsJSON == "" {
		return nil, fmt.Errorf("GOOGLE_SERVICE_ACCOUNT_JSON not set")
	}

	calendarID := os.Getenv("GOOGLE_CALENDAR_ID")
	if calendarID == "" {
		calendarID = "primary"
	}

	conf, err := google.JWTConfigFromJSON([]byte(credsJSON), calendar.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("invalid service account credentials: %v", err)
	}

	svc, err := calendar.NewService(ctx, option.WithHTTPClient(conf.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %v", err)
	}

	return &GoogleCalendar{svc: svc, calendarID: calendarID}, nil
}

// CreateEvent inserts an event into the salon calendar.
func (g *GoogleCalendar) CreateEvent(ctx context.Context, event *calendar.Event) (*calendar.Event, error) {
	created, err := g.svc.Events.Insert(g.calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	log.Printf("📅 Event created: %s (%s)", created.Summary, created.Id)
	return created, nil
}

// ListDay returns the events scheduled on the given day, earliest first.
func (g *GoogleCalendar) ListDay(ctx context.Context, day time.Time) ([]*calendar.Event, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)

	result, err := g.svc.Events.List(g.calendarID).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// defaultPhoneRegion is applied when a booking phone number carries no
// country prefix; the salon's clientele is overwhelmingly local.
const defaultPhoneRegion = "IT"

// FormatContactPhone normalizes a caller-provided phone number to E.164 so
// the booking carries a dialable contact.
func FormatContactPhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty phone number")
	}

	num, err := phonenumbers.Parse(raw, defaultPhoneRegion)
	if err != nil {
		return "", fmt.Errorf("failed to parse phone number %q: %v", raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("invalid phone number %q", raw)
	}

	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// appointmentTimeLayouts are the timestamp shapes accepted on bookings. The
// receptionist model emits local ISO timestamps without an offset.
var appointmentTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// parseAppointmentTime validates a booking timestamp against the accepted
// layouts and returns it unchanged: the calendar API takes the raw string
// together with the salon's timezone.
func parseAppointmentTime(value string) error {
	for _, layout := range appointmentTimeLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", value)
}
