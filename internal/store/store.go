package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ElKaStar/CalendarAgent/internal/models"
)

// ErrDuplicateEvent is returned when an event with the same calendar event ID
// has already been saved.
var ErrDuplicateEvent = errors.New("event already saved")

// Instants are stored as RFC3339 UTC text so that lexicographic comparison
// in SQL matches chronological order.
const timeLayout = time.RFC3339

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	calendar_event_id TEXT NOT NULL,
	chat_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	start_datetime_utc TEXT NOT NULL,
	reminder_datetime_utc TEXT NOT NULL,
	reminder_sent INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reminder
	ON events(reminder_sent, reminder_datetime_utc);

CREATE UNIQUE INDEX IF NOT EXISTS idx_calendar_event
	ON events(calendar_event_id);
`

// Store is the durable event store backed by a single SQLite table.
// It is the sole writer of the reminder_sent flag.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY between the inbound
	// pipeline and the scheduler loop.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("Event store initialized.", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts a new event row with reminder_sent=false. The reminder instant
// is computed once here as start minus lead, normalized to UTC. Returns
// ErrDuplicateEvent if the calendar event ID is already present.
func (s *Store) Save(ctx context.Context, calendarEventID string, chatID int64, title string, startLocal time.Time, lead time.Duration) (*models.StoredEvent, error) {
	startUTC := startLocal.UTC()
	reminderUTC := startUTC.Add(-lead)
	createdAt := time.Now().UTC()

	var existing int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM events WHERE calendar_event_id = ?`, calendarEventID).Scan(&existing)
	switch {
	case err == nil:
		s.logger.Warn("Event already present in store, skipping save.", "calendarEventID", calendarEventID, "localID", existing)
		return nil, ErrDuplicateEvent
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to check for duplicate event: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (calendar_event_id, chat_id, title, start_datetime_utc, reminder_datetime_utc, reminder_sent, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		calendarEventID, chatID, title,
		startUTC.Format(timeLayout), reminderUTC.Format(timeLayout), createdAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	localID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get inserted event id: %w", err)
	}

	s.logger.Info("Event saved.", "localID", localID, "calendarEventID", calendarEventID)
	return &models.StoredEvent{
		LocalID:             localID,
		CalendarEventID:     calendarEventID,
		ChatID:              chatID,
		Title:               title,
		StartDateTimeUTC:    startUTC,
		ReminderDateTimeUTC: reminderUTC,
		ReminderSent:        false,
		CreatedAt:           createdAt,
	}, nil
}

// DueReminders returns all unsent reminders whose reminder instant is at or
// before nowUTC, earliest first, so the oldest overdue notification goes out
// first under load.
func (s *Store) DueReminders(ctx context.Context, nowUTC time.Time) ([]*models.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, calendar_event_id, chat_id, title, start_datetime_utc, reminder_datetime_utc, reminder_sent, created_at
		FROM events
		WHERE reminder_sent = 0 AND reminder_datetime_utc <= ?
		ORDER BY reminder_datetime_utc ASC`,
		nowUTC.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due reminders: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkReminded flips reminder_sent to true. Idempotent: marking an already
// reminded (or deleted) row is a no-op, not an error.
func (s *Store) MarkReminded(ctx context.Context, localID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET reminder_sent = 1 WHERE id = ?`, localID)
	if err != nil {
		return fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	return nil
}

// DeleteByCalendarID removes the row for the given calendar event. Deleting
// an absent row is a no-op, since cancellation may race a reminder scan that
// already fetched the row.
func (s *Store) DeleteByCalendarID(ctx context.Context, calendarEventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE calendar_event_id = ?`, calendarEventID)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	s.logger.Info("Event removed from store.", "calendarEventID", calendarEventID)
	return nil
}

// ListUpcoming returns up to limit events for a chat starting at or after
// nowUTC, ordered by start time ascending.
func (s *Store) ListUpcoming(ctx context.Context, chatID int64, nowUTC time.Time, limit int) ([]*models.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, calendar_event_id, chat_id, title, start_datetime_utc, reminder_datetime_utc, reminder_sent, created_at
		FROM events
		WHERE chat_id = ? AND start_datetime_utc >= ?
		ORDER BY start_datetime_utc ASC
		LIMIT ?`,
		chatID, nowUTC.UTC().Format(timeLayout), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*models.StoredEvent, error) {
	var events []*models.StoredEvent
	for rows.Next() {
		var (
			ev                       models.StoredEvent
			start, reminder, created string
			sent                     int
		)
		if err := rows.Scan(&ev.LocalID, &ev.CalendarEventID, &ev.ChatID, &ev.Title, &start, &reminder, &sent, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var err error
		if ev.StartDateTimeUTC, err = time.Parse(timeLayout, start); err != nil {
			return nil, fmt.Errorf("failed to parse start time: %w", err)
		}
		if ev.ReminderDateTimeUTC, err = time.Parse(timeLayout, reminder); err != nil {
			return nil, fmt.Errorf("failed to parse reminder time: %w", err)
		}
		if ev.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("failed to parse created time: %w", err)
		}
		ev.ReminderSent = sent != 0
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return events, nil
}
