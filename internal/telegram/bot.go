package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ElKaStar/CalendarAgent/internal/extractor"
	"github.com/ElKaStar/CalendarAgent/internal/models"
	"github.com/ElKaStar/CalendarAgent/internal/store"
	"github.com/ElKaStar/CalendarAgent/internal/stt"
)

// EventExtractor turns an utterance into a structured event.
type EventExtractor interface {
	Extract(ctx context.Context, utterance string, now time.Time, loc *time.Location) (*models.ParsedEvent, error)
}

// Calendar is the external calendar collaborator.
type Calendar interface {
	CreateEvent(ctx context.Context, ev *models.ParsedEvent) (string, error)
	ListUpcoming(ctx context.Context, query string, max int64) ([]*models.CalendarEntry, error)
	DeleteEvent(ctx context.Context, eventID string) error
}

// EventStore is the slice of the store the bot needs.
type EventStore interface {
	Save(ctx context.Context, calendarEventID string, chatID int64, title string, startLocal time.Time, lead time.Duration) (*models.StoredEvent, error)
	DeleteByCalendarID(ctx context.Context, calendarEventID string) error
	ListUpcoming(ctx context.Context, chatID int64, nowUTC time.Time, limit int) ([]*models.StoredEvent, error)
}

// sender is the outbound half of the Telegram API, split out for tests.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Deps bundles the collaborators a Bot is wired with.
type Deps struct {
	Extractor     EventExtractor
	Calendar      Calendar
	Store         EventStore
	Transcriber   stt.Transcriber
	Location      *time.Location
	ReminderLead  time.Duration
	MaxConcurrent int
}

// Bot receives Telegram updates over long polling, routes commands, and runs
// the extract-create-persist pipeline for natural-language messages. Each
// message is handled to completion in its own goroutine, with the total
// number of in-flight handlers bounded by a semaphore.
type Bot struct {
	api        *tgbotapi.BotAPI
	out        sender
	logger     *slog.Logger
	deps       Deps
	sem        chan struct{}
	wg         sync.WaitGroup
	httpClient *http.Client
}

// New authenticates against the Telegram Bot API and returns a Bot.
func New(logger *slog.Logger, token string, deps Deps) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot api: %w", err)
	}
	logger.Info("Authorized on Telegram.", "username", api.Self.UserName)

	if deps.MaxConcurrent <= 0 {
		deps.MaxConcurrent = 1
	}
	return &Bot{
		api:        api,
		out:        api,
		logger:     logger,
		deps:       deps,
		sem:        make(chan struct{}, deps.MaxConcurrent),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Run consumes updates until ctx is cancelled. On shutdown it stops
// accepting new updates and waits for in-flight handlers to finish.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("Bot started, polling for updates.")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			b.logger.Info("Bot stopped.")
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.dispatch(ctx, update.Message)
		}
	}
}

// Send delivers a plain-text notification to a chat. It satisfies the
// scheduler's Notifier interface.
func (b *Bot) Send(_ context.Context, chatID int64, text string) error {
	if _, err := b.out.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func (b *Bot) dispatch(ctx context.Context, msg *tgbotapi.Message) {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	// Handlers get a detached context so an in-flight pipeline finishes or
	// fails naturally instead of being torn down mid-call on shutdown.
	handlerCtx := context.WithoutCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()
		b.handleMessage(handlerCtx, msg)
	}()
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	switch {
	case msg.IsCommand():
		b.handleCommand(ctx, msg)
	case msg.Voice != nil:
		b.handleVoice(ctx, msg)
	case strings.TrimSpace(msg.Text) != "":
		b.handleNatural(ctx, msg.Chat.ID, msg.Text)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start":
		b.reply(chatID, startText)
	case "help":
		b.reply(chatID, helpText)
	case "list", "events":
		b.handleList(ctx, chatID)
	case "cancel":
		b.handleCancel(ctx, chatID, strings.TrimSpace(msg.CommandArguments()))
	default:
		b.reply(chatID, "Неизвестная команда. Посмотрите /help.")
	}
}

// handleNatural runs the full pipeline: extract, create in the calendar,
// persist locally, confirm. Exactly one user-facing message is produced per
// failure; internal detail goes to the log only.
func (b *Bot) handleNatural(ctx context.Context, chatID int64, text string) {
	now := time.Now().In(b.deps.Location)

	ev, err := b.deps.Extractor.Extract(ctx, text, now, b.deps.Location)
	if err != nil {
		b.logger.Warn("Extraction failed", "chatID", chatID, "error", err)
		b.reply(chatID, userFacingError(err))
		return
	}

	eventID, err := b.deps.Calendar.CreateEvent(ctx, ev)
	if err != nil {
		b.logger.Error("Calendar create failed", "chatID", chatID, "error", err)
		b.reply(chatID, genericErrorText)
		return
	}

	if _, err := b.deps.Store.Save(ctx, eventID, chatID, ev.Title, ev.StartDateTime, b.deps.ReminderLead); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			b.logger.Warn("Event already saved", "eventID", eventID)
		} else {
			// The calendar event exists; losing the local row only costs
			// the reminder, so the user still gets a confirmation.
			b.logger.Error("Failed to persist event", "eventID", eventID, "error", err)
		}
	}

	b.reply(chatID, confirmationText(ev, b.deps.ReminderLead))
	b.logger.Info("Event created.", "eventID", eventID, "chatID", chatID)
}

func (b *Bot) handleVoice(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	audio, err := b.downloadVoice(ctx, msg.Voice.FileID)
	if err != nil {
		b.logger.Error("Failed to download voice message", "chatID", chatID, "error", err)
		b.reply(chatID, genericErrorText)
		return
	}

	text, err := b.deps.Transcriber.Transcribe(ctx, audio, "ru-RU")
	if err != nil {
		if errors.Is(err, stt.ErrTranscriptionUnavailable) {
			b.reply(chatID, "Распознавание речи не настроено. Отправьте запрос текстом.")
			return
		}
		b.logger.Error("Transcription failed", "chatID", chatID, "error", err)
		b.reply(chatID, "Не удалось распознать голосовое сообщение. Попробуйте ещё раз или отправьте текст.")
		return
	}
	if strings.TrimSpace(text) == "" {
		b.reply(chatID, "В голосовом сообщении не удалось распознать текст.")
		return
	}

	b.reply(chatID, "🎤 Распознано: "+text)
	b.handleNatural(ctx, chatID, text)
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	events, err := b.deps.Store.ListUpcoming(ctx, chatID, time.Now().UTC(), 5)
	if err != nil {
		b.logger.Error("Failed to list upcoming events", "chatID", chatID, "error", err)
		b.reply(chatID, "Не удалось получить список событий.")
		return
	}
	if len(events) == 0 {
		b.reply(chatID, "📅 Ближайших событий не найдено.")
		return
	}

	var sb strings.Builder
	sb.WriteString("📅 Ближайшие события:\n\n")
	for _, ev := range events {
		start := ev.StartDateTimeUTC.In(b.deps.Location)
		fmt.Fprintf(&sb, "• %s\n  🕐 %s\n\n", ev.Title, start.Format("02.01.2006 15:04"))
	}
	b.reply(chatID, sb.String())
}

func (b *Bot) handleCancel(ctx context.Context, chatID int64, title string) {
	if title == "" {
		b.reply(chatID, "Укажите название события для отмены:\n/cancel Встреча с Катей")
		return
	}

	entries, err := b.deps.Calendar.ListUpcoming(ctx, title, 10)
	if err != nil {
		b.logger.Error("Calendar lookup failed", "chatID", chatID, "error", err)
		b.reply(chatID, "Не удалось отменить событие.")
		return
	}
	if len(entries) == 0 {
		b.reply(chatID, fmt.Sprintf("Событие «%s» не найдено.", title))
		return
	}

	entry := entries[0]
	if err := b.deps.Calendar.DeleteEvent(ctx, entry.ID); err != nil {
		b.logger.Error("Calendar delete failed", "eventID", entry.ID, "error", err)
		b.reply(chatID, "Не удалось отменить событие.")
		return
	}
	if err := b.deps.Store.DeleteByCalendarID(ctx, entry.ID); err != nil {
		b.logger.Error("Failed to remove event from store", "eventID", entry.ID, "error", err)
	}

	b.reply(chatID, fmt.Sprintf("✅ Событие «%s» отменено.", entry.Title))
	b.logger.Info("Event cancelled.", "eventID", entry.ID, "chatID", chatID)
}

func (b *Bot) downloadVoice(ctx context.Context, fileID string) ([]byte, error) {
	fileURL, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve voice file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build voice download request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voice download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voice download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.out.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error("Failed to send reply", "chatID", chatID, "error", err)
	}
}

const (
	genericErrorText = "❌ Не удалось создать событие. Попробуйте ещё раз."

	startText = "👋 Привет! Я помогу быстро создавать встречи в Google Календаре.\n\n" +
		"📝 Отправьте мне текст или голосовое сообщение, например:\n" +
		"• «Завтра в 15:00 встреча с Катей по ипотеке, час»\n" +
		"• «Послезавтра в 10:00 созвон с командой, 30 минут, онлайн»\n" +
		"• «В пятницу в 18:00 ужин с друзьями»\n\n" +
		"Команды:\n" +
		"/help — справка\n" +
		"/list — показать ближайшие события\n" +
		"/cancel <название> — отменить событие"

	helpText = "📖 Справка:\n\n" +
		"1️⃣ Отправьте текст или голосовое с описанием встречи\n" +
		"2️⃣ Я создам событие в вашем Google Календаре\n" +
		"3️⃣ Перед началом придёт напоминание\n\n" +
		"Примеры запросов:\n" +
		"• «Завтра в 14:00 встреча с клиентом, 2 часа»\n" +
		"• «Послезавтра в 9:00 планёрка, 45 минут, онлайн»\n" +
		"• «В понедельник в 16:00 звонок с партнёром»\n\n" +
		"Команды:\n" +
		"/start — начало работы\n" +
		"/list — ближайшие 5 событий\n" +
		"/cancel <название> — отменить событие по названию"
)

// userFacingError collapses the internal error taxonomy into a small set of
// human-readable categories. Anything unrecognized gets the generic text.
func userFacingError(err error) string {
	var missing *extractor.MissingFieldError
	if errors.As(err, &missing) {
		switch missing.Field {
		case "title":
			return "❌ Не удалось определить название встречи."
		case "date":
			return "❌ Не удалось определить дату встречи."
		case "time":
			return "❌ Не удалось определить время встречи. Укажите время явно, например «в 15:00»."
		}
	}
	switch {
	case errors.Is(err, extractor.ErrPastDate):
		return "❌ Дата события в прошлом. Укажите будущую дату (завтра, послезавтра и т.д.)."
	case errors.Is(err, extractor.ErrInvalidDateTime):
		return "❌ Некорректный формат даты или времени. Попробуйте переформулировать."
	case errors.Is(err, extractor.ErrMalformedResponse):
		return "❌ Не получилось разобрать запрос. Попробуйте переформулировать, например: «Завтра в 15:00 встреча с Катей, час»."
	default:
		return genericErrorText
	}
}

// confirmationText renders the single success reply for a created event.
func confirmationText(ev *models.ParsedEvent, lead time.Duration) string {
	end := ev.StartDateTime.Add(time.Duration(ev.EffectiveDurationMinutes()) * time.Minute)

	var sb strings.Builder
	sb.WriteString("✅ Создала событие:\n\n")
	fmt.Fprintf(&sb, "📌 %s\n", ev.Title)
	fmt.Fprintf(&sb, "🕐 %s - %s\n", ev.StartDateTime.Format("02.01.2006 15:04"), end.Format("15:04"))
	if ev.Description != "" {
		fmt.Fprintf(&sb, "📝 %s\n", ev.Description)
	}
	if ev.Location != "" {
		fmt.Fprintf(&sb, "📍 %s\n", ev.Location)
	}
	fmt.Fprintf(&sb, "\n🔔 Напоминание придёт за %d минут до начала.", int(lead.Minutes()))
	return sb.String()
}
