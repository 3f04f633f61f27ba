package google

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/ElKaStar/CalendarAgent/internal/models"
)

// CalendarClient provides a client for interacting with the Google Calendar API
// through a service account.
type CalendarClient struct {
	service    *calendar.Service
	calendarID string
	timezone   string
	logger     *slog.Logger
}

// NewClient creates a new Google Calendar client from a service-account
// credentials file. The timezone is attached to created events so Google
// renders them in the user's locale.
func NewClient(ctx context.Context, logger *slog.Logger, credentialsFile, calendarID, timezone string) (*CalendarClient, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read service account file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse service account file to config: %w", err)
	}

	service, err := calendar.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &CalendarClient{
		service:    service,
		calendarID: calendarID,
		timezone:   timezone,
		logger:     logger,
	}, nil
}

// CreateEvent inserts a new event and returns its external ID. This is where
// the default duration is applied when the extraction left it unspecified.
func (c *CalendarClient) CreateEvent(ctx context.Context, ev *models.ParsedEvent) (string, error) {
	end := ev.StartDateTime.Add(time.Duration(ev.EffectiveDurationMinutes()) * time.Minute)

	body := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start: &calendar.EventDateTime{
			DateTime: ev.StartDateTime.Format(time.RFC3339),
			TimeZone: c.timezone,
		},
		End: &calendar.EventDateTime{
			DateTime: end.Format(time.RFC3339),
			TimeZone: c.timezone,
		},
	}

	created, err := c.service.Events.Insert(c.calendarID, body).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create calendar event: %w", err)
	}

	c.logger.Info("Created calendar event.", "eventID", created.Id, "title", ev.Title)
	return created.Id, nil
}

// ListUpcoming fetches upcoming events, optionally filtered by a free-text
// query, ordered by start time.
func (c *CalendarClient) ListUpcoming(ctx context.Context, query string, max int64) ([]*models.CalendarEntry, error) {
	call := c.service.Events.List(c.calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(time.Now().UTC().Format(time.RFC3339)).
		MaxResults(max).
		OrderBy("startTime").
		Context(ctx)
	if query != "" {
		call = call.Q(query)
	}

	events, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}

	c.logger.Debug("Fetched events from Google Calendar.", "count", len(events.Items))
	return c.toEntries(events.Items), nil
}

// DeleteEvent removes an event from the calendar by its external ID.
func (c *CalendarClient) DeleteEvent(ctx context.Context, eventID string) error {
	if err := c.service.Events.Delete(c.calendarID, eventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete calendar event: %w", err)
	}
	c.logger.Info("Deleted calendar event.", "eventID", eventID)
	return nil
}

// toEntries converts Google Calendar events to the internal listing model.
func (c *CalendarClient) toEntries(items []*calendar.Event) []*models.CalendarEntry {
	var entries []*models.CalendarEntry
	for _, item := range items {
		// Skip all-day events without a specific start time.
		if item.Start == nil || item.Start.DateTime == "" {
			continue
		}
		startTime, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			c.logger.Warn("Skipping event with unparseable start time.", "eventID", item.Id)
			continue
		}
		entries = append(entries, &models.CalendarEntry{
			ID:        item.Id,
			Title:     item.Summary,
			StartTime: startTime,
		})
	}
	return entries
}
