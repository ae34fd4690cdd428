package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"

	"vahtibot/internal/app"
	"vahtibot/internal/command"
	"vahtibot/internal/config"
	"vahtibot/internal/delivery"
	"vahtibot/internal/model"
	"vahtibot/internal/site/feed"
	"vahtibot/internal/site/huutonet"
	"vahtibot/internal/site/tori"
	"vahtibot/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	api, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		log.Error("create bot api", "error", err)
		os.Exit(1)
	}

	a := app.New(cfg, store, log)

	if err := registerSites(a, http.DefaultClient); err != nil {
		log.Error("register site adapters", "error", err)
		os.Exit(1)
	}

	a.Deliveries.Register(model.DeliveryTelegram, delivery.NewTelegram(api, log))
	a.RegisterCommander("telegram", command.NewTelegram(api, store, a.Sites, cfg, log))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting vahtibot")
	a.Run(ctx)
	log.Info("vahtibot stopped")
}

// registerSites registers the site adapters. Registration order decides
// classification ties; the generic feed adapter goes last.
func registerSites(a *app.App, client *http.Client) error {
	if err := a.Sites.Register(tori.URLPattern, tori.New(client)); err != nil {
		return err
	}
	if err := a.Sites.Register(huutonet.URLPattern, huutonet.New(client)); err != nil {
		return err
	}
	return a.Sites.Register(feed.URLPattern, feed.New(client))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
