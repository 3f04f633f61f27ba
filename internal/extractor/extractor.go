package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/ElKaStar/CalendarAgent/internal/models"
)

var (
	// ErrMalformedResponse means the oracle output could not be coerced into
	// a JSON object even after stripping code fences and searching for a
	// brace-delimited block.
	ErrMalformedResponse = errors.New("oracle did not return a parseable JSON object")

	// ErrInvalidDateTime means the date and time fields do not form a valid
	// calendar instant in the reference timezone.
	ErrInvalidDateTime = errors.New("invalid date or time format")

	// ErrPastDate means the extracted start instant is not strictly in the
	// future.
	ErrPastDate = errors.New("event start is in the past")
)

// MissingFieldError reports a required field the oracle failed to produce.
// An event without an explicit time is rejected rather than defaulted.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("required field %q missing from oracle response", e.Field)
}

// Completer is the black-box LLM oracle consumed over HTTP.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Extractor converts free-form meeting descriptions into ParsedEvents by
// delegating date resolution to the oracle and validating its output. It is
// stateless aside from the outbound oracle call.
type Extractor struct {
	oracle Completer
	logger *slog.Logger
}

// New creates an Extractor around the given oracle.
func New(oracle Completer, logger *slog.Logger) *Extractor {
	return &Extractor{oracle: oracle, logger: logger}
}

// oraclePayload mirrors the JSON shape the instruction prompt demands.
// Durations arrive as numbers of either kind, so both are decoded as floats.
type oraclePayload struct {
	Title           string   `json:"title"`
	Date            string   `json:"date"`
	Time            string   `json:"time"`
	DurationMinutes *float64 `json:"duration_minutes"`
	DurationHours   *float64 `json:"duration_hours"`
	Description     string   `json:"description"`
	Location        string   `json:"location"`
}

// Extract sends the utterance to the oracle with now/loc as the reference
// instant for resolving relative phrases, then validates and re-parses the
// result into an absolute start instant. No date arithmetic happens here.
func (e *Extractor) Extract(ctx context.Context, utterance string, now time.Time, loc *time.Location) (*models.ParsedEvent, error) {
	raw, err := e.oracle.Complete(ctx, buildPrompt(now.In(loc)), utterance)
	if err != nil {
		return nil, fmt.Errorf("oracle call failed: %w", err)
	}

	payload, err := parsePayload(raw)
	if err != nil {
		e.logger.Warn("Could not parse oracle output.", "error", err, "raw", truncate(raw, 200))
		return nil, err
	}

	if strings.TrimSpace(payload.Title) == "" {
		return nil, &MissingFieldError{Field: "title"}
	}
	if strings.TrimSpace(payload.Date) == "" {
		return nil, &MissingFieldError{Field: "date"}
	}
	if strings.TrimSpace(payload.Time) == "" {
		return nil, &MissingFieldError{Field: "time"}
	}

	start, err := time.ParseInLocation("2006-01-02 15:04", payload.Date+" "+payload.Time, loc)
	if err != nil {
		e.logger.Warn("Oracle returned unparseable date/time.", "date", payload.Date, "time", payload.Time)
		return nil, ErrInvalidDateTime
	}

	if !start.After(now) {
		e.logger.Warn("Oracle resolved a past instant.", "start", start, "now", now)
		return nil, ErrPastDate
	}

	return &models.ParsedEvent{
		Title:           normalizeTitle(payload.Title),
		StartDateTime:   start,
		DurationMinutes: durationMinutes(payload),
		Description:     strings.TrimSpace(payload.Description),
		Location:        strings.TrimSpace(payload.Location),
	}, nil
}

var braceObject = regexp.MustCompile(`(?s)\{.*\}`)

// parsePayload is a two-stage parser: strip surrounding code-fence markup
// first, then fall back to locating the first brace-delimited object.
func parsePayload(raw string) (*oraclePayload, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return nil, ErrMalformedResponse
	}

	if strings.HasPrefix(content, "```") {
		parts := strings.SplitN(content, "```", 3)
		if len(parts) >= 2 {
			content = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(parts[1]), "json"))
		}
	}

	var payload oraclePayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		match := braceObject.FindString(content)
		if match == "" {
			return nil, ErrMalformedResponse
		}
		if err := json.Unmarshal([]byte(match), &payload); err != nil {
			return nil, ErrMalformedResponse
		}
	}

	// An empty object is as useless as no object.
	if payload == (oraclePayload{}) {
		return nil, ErrMalformedResponse
	}
	return &payload, nil
}

// durationMinutes resolves the optional duration, preferring explicit
// minutes over hours. Non-positive values are dropped to "unspecified";
// the default is applied downstream, never here.
func durationMinutes(p *oraclePayload) int {
	switch {
	case p.DurationMinutes != nil && *p.DurationMinutes > 0:
		return int(*p.DurationMinutes)
	case p.DurationHours != nil && *p.DurationHours > 0:
		return int(*p.DurationHours * 60)
	default:
		return 0
	}
}

// normalizeTitle uppercases the first rune and lowercases the rest, which
// also works for Cyrillic input.
func normalizeTitle(title string) string {
	r := []rune(strings.TrimSpace(title))
	if len(r) == 0 {
		return ""
	}
	return string(unicode.ToUpper(r[0])) + strings.ToLower(string(r[1:]))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// buildPrompt embeds the reference instant so the oracle resolves relative
// phrases ("завтра", "в пятницу") against it and emits canonical fields.
func buildPrompt(now time.Time) string {
	return fmt.Sprintf(`Ты помощник, который разбирает естественный текст пользователя о встречах и возвращает СТРОГО JSON без пояснений.

Текущая дата: %s (%s)
Текущее время: %s
Временная зона: %s

Поля JSON:
- title: короткое название встречи без служебных слов и без даты/времени (строка)
- date: дата в формате YYYY-MM-DD (строка)
- time: время начала в формате HH:MM, 24 часа (строка или null)
- duration_minutes: длительность в минутах (число или null)
- description: дополнительное описание (строка)
- location: место встречи; если указано "онлайн" — пиши "online" (строка или null)

Правила:
1. Убери из title служебные слова ("запиши", "запланируй", "создай") и фрагменты с датой, временем и длительностью.
2. Относительные даты ("завтра", "послезавтра", "в пятницу", "через две недели") разрешай относительно текущей даты выше.
3. Если время суток не указано явно, выбирай ближайший будущий разумный вариант с учётом текущего времени.
4. Не выдумывай поля, которых нет в тексте: отсутствующие значения — null.

Верни ТОЛЬКО JSON, без пояснений и без форматирования markdown.`,
		now.Format("2006-01-02"),
		now.Weekday(),
		now.Format("15:04"),
		now.Location(),
	)
}
