package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ElKaStar/CalendarAgent/internal/models"
)

// ReminderSource is the slice of the event store the scheduler reads and
// updates. The store remains the sole owner of the reminder_sent flag.
type ReminderSource interface {
	DueReminders(ctx context.Context, nowUTC time.Time) ([]*models.StoredEvent, error)
	MarkReminded(ctx context.Context, localID int64) error
}

// Notifier delivers a reminder text to a chat.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Scheduler polls the store for due reminders on a fixed interval. The due
// set is recomputed from durable state every cycle, so reminders survive
// process restarts; no in-memory timers are held.
type Scheduler struct {
	logger   *slog.Logger
	source   ReminderSource
	notifier Notifier
	interval time.Duration
	display  *time.Location
}

// New creates a Scheduler. Reminder texts render event times in display.
func New(logger *slog.Logger, source ReminderSource, notifier Notifier, interval time.Duration, display *time.Location) *Scheduler {
	return &Scheduler{
		logger:   logger,
		source:   source,
		notifier: notifier,
		interval: interval,
		display:  display,
	}
}

// Run loops until ctx is cancelled. A sweep runs immediately, then once per
// interval. Cancellation is observed between cycles, so the current cycle
// always completes.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Reminder scheduler started.", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("Reminder scheduler stopped.")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one scan-and-dispatch cycle. A store failure aborts the cycle;
// a single delivery failure is logged and never blocks other due reminders,
// which are retried implicitly on the next cycle since reminder_sent stays
// false.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.source.DueReminders(ctx, now)
	if err != nil {
		s.logger.Error("Failed to scan for due reminders, skipping cycle", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Info("Dispatching due reminders.", "count", len(due))
	for _, ev := range due {
		if err := s.notifier.Send(ctx, ev.ChatID, s.reminderText(ev)); err != nil {
			s.logger.Error("Failed to deliver reminder", "localID", ev.LocalID, "title", ev.Title, "error", err)
			// Continue with the next reminder even if one fails.
			continue
		}
		// Only a successful delivery flips the flag.
		if err := s.source.MarkReminded(ctx, ev.LocalID); err != nil {
			s.logger.Error("Failed to mark reminder as sent", "localID", ev.LocalID, "error", err)
		}
	}
}

func (s *Scheduler) reminderText(ev *models.StoredEvent) string {
	start := ev.StartDateTimeUTC.In(s.display)
	return fmt.Sprintf("🔔 Напоминание: «%s» начинается в %s", ev.Title, start.Format("15:04 02.01.2006"))
}
