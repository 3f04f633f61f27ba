package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElKaStar/CalendarAgent/internal/extractor"
	"github.com/ElKaStar/CalendarAgent/internal/models"
	"github.com/ElKaStar/CalendarAgent/internal/store"
)

type fakeSender struct {
	messages []string
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.messages = append(f.messages, msg.Text)
	}
	return tgbotapi.Message{}, nil
}

type fakeExtractor struct {
	event *models.ParsedEvent
	err   error
}

func (f *fakeExtractor) Extract(context.Context, string, time.Time, *time.Location) (*models.ParsedEvent, error) {
	return f.event, f.err
}

type fakeCalendar struct {
	createCalls int
	createErr   error
	entries     []*models.CalendarEntry
	deleted     []string
}

func (f *fakeCalendar) CreateEvent(context.Context, *models.ParsedEvent) (string, error) {
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "cal-123", nil
}

func (f *fakeCalendar) ListUpcoming(context.Context, string, int64) ([]*models.CalendarEntry, error) {
	return f.entries, nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeStore struct {
	saved   []string
	saveErr error
	deleted []string
	events  []*models.StoredEvent
}

func (f *fakeStore) Save(_ context.Context, calendarEventID string, _ int64, _ string, _ time.Time, _ time.Duration) (*models.StoredEvent, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.saved = append(f.saved, calendarEventID)
	return &models.StoredEvent{CalendarEventID: calendarEventID}, nil
}

func (f *fakeStore) DeleteByCalendarID(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) ListUpcoming(context.Context, int64, time.Time, int) ([]*models.StoredEvent, error) {
	return f.events, nil
}

func testBot(ext EventExtractor, cal Calendar, st EventStore) (*Bot, *fakeSender) {
	out := &fakeSender{}
	return &Bot{
		out:    out,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		deps: Deps{
			Extractor:    ext,
			Calendar:     cal,
			Store:        st,
			Location:     time.UTC,
			ReminderLead: 15 * time.Minute,
		},
	}, out
}

func TestPipelineCreatesAndConfirms(t *testing.T) {
	t.Parallel()
	cal := &fakeCalendar{}
	st := &fakeStore{}
	ext := &fakeExtractor{event: &models.ParsedEvent{
		Title:           "Встреча с Катей",
		StartDateTime:   time.Date(2030, 1, 16, 15, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
	}}
	b, out := testBot(ext, cal, st)

	b.handleNatural(context.Background(), 42, "Завтра в 15:00 встреча с Катей, час")

	assert.Equal(t, 1, cal.createCalls)
	assert.Equal(t, []string{"cal-123"}, st.saved)
	require.Len(t, out.messages, 1)
	assert.Contains(t, out.messages[0], "Встреча с Катей")
	assert.Contains(t, out.messages[0], "16.01.2030 15:00 - 16:00")
}

func TestPastDateRejectedBeforeCalendarCall(t *testing.T) {
	t.Parallel()
	cal := &fakeCalendar{}
	st := &fakeStore{}
	b, out := testBot(&fakeExtractor{err: extractor.ErrPastDate}, cal, st)

	b.handleNatural(context.Background(), 42, "вчера встреча")

	// The calendar gateway must observe zero invocations.
	assert.Equal(t, 0, cal.createCalls)
	assert.Empty(t, st.saved)
	require.Len(t, out.messages, 1)
	assert.Contains(t, out.messages[0], "в прошлом")
}

func TestMissingTimeProducesSpecificMessage(t *testing.T) {
	t.Parallel()
	cal := &fakeCalendar{}
	b, out := testBot(&fakeExtractor{err: &extractor.MissingFieldError{Field: "time"}}, cal, &fakeStore{})

	b.handleNatural(context.Background(), 42, "встреча 10 марта")

	assert.Equal(t, 0, cal.createCalls)
	require.Len(t, out.messages, 1)
	assert.Contains(t, out.messages[0], "время")
}

func TestCalendarFailureGivesGenericMessage(t *testing.T) {
	t.Parallel()
	cal := &fakeCalendar{createErr: errors.New("503 backend error")}
	st := &fakeStore{}
	ext := &fakeExtractor{event: &models.ParsedEvent{
		Title:         "Созвон",
		StartDateTime: time.Date(2030, 1, 16, 15, 0, 0, 0, time.UTC),
	}}
	b, out := testBot(ext, cal, st)

	b.handleNatural(context.Background(), 42, "созвон завтра в 15:00")

	assert.Empty(t, st.saved)
	require.Len(t, out.messages, 1)
	assert.Equal(t, genericErrorText, out.messages[0])
	// Internal detail stays out of the chat transcript.
	assert.NotContains(t, out.messages[0], "503")
}

func TestDuplicateSaveIsNonFatal(t *testing.T) {
	t.Parallel()
	st := &fakeStore{saveErr: store.ErrDuplicateEvent}
	ext := &fakeExtractor{event: &models.ParsedEvent{
		Title:         "Созвон",
		StartDateTime: time.Date(2030, 1, 16, 15, 0, 0, 0, time.UTC),
	}}
	b, out := testBot(ext, &fakeCalendar{}, st)

	b.handleNatural(context.Background(), 42, "созвон завтра в 15:00")

	require.Len(t, out.messages, 1)
	assert.Contains(t, out.messages[0], "✅")
}

func TestCancelDeletesFromCalendarAndStore(t *testing.T) {
	t.Parallel()
	cal := &fakeCalendar{entries: []*models.CalendarEntry{
		{ID: "cal-9", Title: "Встреча с Катей", StartTime: time.Now().Add(time.Hour)},
	}}
	st := &fakeStore{}
	b, out := testBot(&fakeExtractor{}, cal, st)

	b.handleCancel(context.Background(), 42, "Встреча с Катей")

	assert.Equal(t, []string{"cal-9"}, cal.deleted)
	assert.Equal(t, []string{"cal-9"}, st.deleted)
	require.Len(t, out.messages, 1)
	assert.Contains(t, out.messages[0], "отменено")
}

func TestCancelUnknownTitle(t *testing.T) {
	t.Parallel()
	cal := &fakeCalendar{}
	b, out := testBot(&fakeExtractor{}, cal, &fakeStore{})

	b.handleCancel(context.Background(), 42, "Нет такого")

	assert.Empty(t, cal.deleted)
	require.Len(t, out.messages, 1)
	assert.Contains(t, out.messages[0], "не найдено")
}

func TestListFormatsEventsInDisplayTimezone(t *testing.T) {
	t.Parallel()
	msk, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	st := &fakeStore{events: []*models.StoredEvent{
		{Title: "Созвон", StartDateTimeUTC: time.Date(2030, 1, 16, 12, 0, 0, 0, time.UTC)},
	}}
	b, out := testBot(&fakeExtractor{}, &fakeCalendar{}, st)
	b.deps.Location = msk

	b.handleList(context.Background(), 42)

	require.Len(t, out.messages, 1)
	assert.Contains(t, out.messages[0], "Созвон")
	assert.Contains(t, out.messages[0], "16.01.2030 15:00")
}
