package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrTranscriptionUnavailable is returned when no speech-to-text provider
// is configured.
var ErrTranscriptionUnavailable = errors.New("no speech-to-text provider configured")

const defaultRecognizeURL = "https://stt.api.cloud.yandex.net/speech/v1/stt:recognize"

// Transcriber converts an audio blob into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, lang string) (string, error)
}

// SpeechKit recognizes speech through the Yandex SpeechKit HTTP API.
type SpeechKit struct {
	apiKey       string
	folderID     string
	recognizeURL string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewSpeechKit creates a SpeechKit transcriber.
func NewSpeechKit(logger *slog.Logger, apiKey, folderID string) *SpeechKit {
	return &SpeechKit{
		apiKey:       apiKey,
		folderID:     folderID,
		recognizeURL: defaultRecognizeURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}
}

// WithRecognizeURL points the transcriber at an alternate endpoint, used by tests.
func (s *SpeechKit) WithRecognizeURL(u string) *SpeechKit {
	s.recognizeURL = u
	return s
}

// Transcribe sends the raw audio to SpeechKit and returns the recognized text.
func (s *SpeechKit) Transcribe(ctx context.Context, audio []byte, lang string) (string, error) {
	if lang == "" {
		lang = "ru-RU"
	}

	u, err := url.Parse(s.recognizeURL)
	if err != nil {
		return "", fmt.Errorf("invalid recognize URL: %w", err)
	}
	q := u.Query()
	q.Set("lang", lang)
	q.Set("folderId", s.folderID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("failed to build recognize request: %w", err)
	}
	req.Header.Set("Authorization", "Api-Key "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("recognize request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("recognize request returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to decode recognize response: %w", err)
	}

	s.logger.Info("Transcribed voice message.", "length", len(payload.Result))
	return payload.Result, nil
}

// Disabled is the Transcriber used when no provider is configured.
type Disabled struct{}

// Transcribe always fails with ErrTranscriptionUnavailable.
func (Disabled) Transcribe(context.Context, []byte, string) (string, error) {
	return "", ErrTranscriptionUnavailable
}
