package main

import (
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ElKaStar/CalendarAgent/internal/config"
	"github.com/ElKaStar/CalendarAgent/internal/extractor"
	"github.com/ElKaStar/CalendarAgent/internal/gigachat"
	"github.com/ElKaStar/CalendarAgent/internal/google"
	"github.com/ElKaStar/CalendarAgent/internal/scheduler"
	"github.com/ElKaStar/CalendarAgent/internal/store"
	"github.com/ElKaStar/CalendarAgent/internal/stt"
	"github.com/ElKaStar/CalendarAgent/internal/telegram"
)

func main() {
	app := &cli.App{
		Name:  "calendar-agent",
		Usage: "Telegram bot that turns natural-language messages into Google Calendar events with reminders.",
		Commands: []*cli.Command{
			runCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the bot and the reminder scheduler.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Usage: "Path to the SQLite database file. Overrides DATABASE_FILE."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if c.IsSet("db") {
				cfg.DatabaseFile = c.String("db")
			}
			logger := setupLogger(cfg.LogLevel)

			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eventStore, err := store.Open(cfg.DatabaseFile, logger)
			if err != nil {
				return err
			}
			defer eventStore.Close()

			oracle := gigachat.NewClient(logger, cfg.GigaChatAuthKey, cfg.GigaChatScope, cfg.GigaChatInsecureTLS)
			ext := extractor.New(oracle, logger)

			calendarClient, err := google.NewClient(ctx, logger, cfg.GoogleCredentialsFile, cfg.GoogleCalendarID, cfg.Timezone)
			if err != nil {
				return err
			}

			var transcriber stt.Transcriber = stt.Disabled{}
			if cfg.STTAPIKey != "" && cfg.STTFolderID != "" {
				transcriber = stt.NewSpeechKit(logger, cfg.STTAPIKey, cfg.STTFolderID)
			} else {
				logger.Info("No STT provider configured, voice messages will be rejected.")
			}

			bot, err := telegram.New(logger, cfg.TelegramBotToken, telegram.Deps{
				Extractor:     ext,
				Calendar:      calendarClient,
				Store:         eventStore,
				Transcriber:   transcriber,
				Location:      loc,
				ReminderLead:  cfg.ReminderLead,
				MaxConcurrent: cfg.MaxConcurrentUpdates,
			})
			if err != nil {
				return err
			}

			reminders := scheduler.New(logger, eventStore, bot, cfg.ReminderInterval, loc)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := reminders.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("Reminder scheduler exited", "error", err)
				}
			}()

			logger.Info("calendar-agent started.", "timezone", cfg.Timezone, "reminderLead", cfg.ReminderLead)
			if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Bot exited", "error", err)
			}

			wg.Wait()
			logger.Info("calendar-agent stopped.")
			return nil
		},
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
