package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "events.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndListUpcomingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msk, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	startLocal := time.Date(2030, 1, 16, 15, 0, 0, 0, msk)
	ev, err := s.Save(ctx, "cal-1", 42, "Встреча с Катей", startLocal, 15*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "cal-1", ev.CalendarEventID)
	assert.False(t, ev.ReminderSent)
	assert.True(t, ev.StartDateTimeUTC.Equal(startLocal))
	assert.True(t, ev.ReminderDateTimeUTC.Equal(startLocal.Add(-15*time.Minute)))

	upcoming, err := s.ListUpcoming(ctx, 42, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), 5)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)

	// The stored UTC instant converted back to the reference timezone must
	// equal the original local input.
	got := upcoming[0].StartDateTimeUTC.In(msk)
	assert.Equal(t, startLocal.Format(time.RFC3339), got.Format(time.RFC3339))
}

func TestReminderInstantComputedFromLead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msk, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	// 15:00 MSK with a 15-minute lead puts the reminder at 14:45 MSK,
	// which is 11:45 UTC.
	start := time.Date(2024, 1, 16, 15, 0, 0, 0, msk)
	ev, err := s.Save(ctx, "cal-msk", 42, "Встреча с Катей", start, 15*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "2024-01-16T11:45:00Z", ev.ReminderDateTimeUTC.Format(time.RFC3339))
	assert.Equal(t, "14:45", ev.ReminderDateTimeUTC.In(msk).Format("15:04"))
}

func TestSaveRejectsDuplicateCalendarID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2030, 3, 10, 10, 0, 0, 0, time.UTC)

	_, err := s.Save(ctx, "cal-dup", 1, "Sync", start, 15*time.Minute)
	require.NoError(t, err)

	_, err = s.Save(ctx, "cal-dup", 1, "Sync", start, 15*time.Minute)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
}

func TestDueRemindersOrderingAndExclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	later, err := s.Save(ctx, "cal-later", 1, "Later", base.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	earlier, err := s.Save(ctx, "cal-earlier", 1, "Earlier", base.Add(time.Hour), time.Hour)
	require.NoError(t, err)
	sent, err := s.Save(ctx, "cal-sent", 1, "Already sent", base, time.Hour)
	require.NoError(t, err)
	_, err = s.Save(ctx, "cal-future", 1, "Not due yet", base.Add(48*time.Hour), time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.MarkReminded(ctx, sent.LocalID))

	due, err := s.DueReminders(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 2)

	// Earliest reminder first; the already-sent row is excluded even though
	// its reminder time has passed.
	assert.Equal(t, earlier.LocalID, due[0].LocalID)
	assert.Equal(t, later.LocalID, due[1].LocalID)
	for _, ev := range due {
		assert.NotEqual(t, sent.LocalID, ev.LocalID)
	}
}

func TestMarkRemindedIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev, err := s.Save(ctx, "cal-once", 7, "Standup", time.Date(2030, 2, 1, 9, 0, 0, 0, time.UTC), 15*time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.MarkReminded(ctx, ev.LocalID))
	require.NoError(t, s.MarkReminded(ctx, ev.LocalID))

	due, err := s.DueReminders(ctx, time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDeleteByCalendarIDAbsentIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.NoError(t, s.DeleteByCalendarID(ctx, "never-existed"))

	ev, err := s.Save(ctx, "cal-del", 3, "Dentist", time.Date(2030, 4, 2, 11, 0, 0, 0, time.UTC), 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.DeleteByCalendarID(ctx, ev.CalendarEventID))

	upcoming, err := s.ListUpcoming(ctx, 3, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	assert.Empty(t, upcoming)
}
