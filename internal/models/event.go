package models

import "time"

// ParsedEvent is the structured result of extracting a meeting description
// from free-form user text. It is ephemeral: produced by the extractor,
// consumed once by the creation pipeline.
type ParsedEvent struct {
	Title           string    // Short meeting title, normalized
	StartDateTime   time.Time // Absolute start instant in the reference timezone
	DurationMinutes int       // 0 means unspecified; the calendar gateway applies the default
	Description     string    // Optional free-text details
	Location        string    // Optional; "online" is passed through verbatim
}

// DefaultDurationMinutes is applied by consumers when extraction left the
// duration unspecified. The extractor itself never defaults it.
const DefaultDurationMinutes = 60

// EffectiveDurationMinutes returns the explicit duration, or the default
// when unspecified.
func (e *ParsedEvent) EffectiveDurationMinutes() int {
	if e.DurationMinutes > 0 {
		return e.DurationMinutes
	}
	return DefaultDurationMinutes
}

// StoredEvent is a durable record of a created calendar event, owned by the
// event store. ReminderSent transitions false to true exactly once and is
// never reset.
type StoredEvent struct {
	LocalID             int64
	CalendarEventID     string
	ChatID              int64
	Title               string
	StartDateTimeUTC    time.Time
	ReminderDateTimeUTC time.Time
	ReminderSent        bool
	CreatedAt           time.Time
}

// CalendarEntry is a lightweight view of an event as the external calendar
// reports it, used by listing and cancellation flows.
type CalendarEntry struct {
	ID        string
	Title     string
	StartTime time.Time
}
