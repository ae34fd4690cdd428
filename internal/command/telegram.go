package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"vahtibot/internal/config"
	"vahtibot/internal/model"
	"vahtibot/internal/site"
	"vahtibot/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Telegram is the Telegram command front-end: users create and delete
// watches and manage their seller blacklist through chat commands.
type Telegram struct {
	api   telegramAPI
	store storage.Storage
	sites *site.Registry
	cfg   *config.Config
	log   *slog.Logger
}

// NewTelegram creates the front-end from an existing bot API handle.
func NewTelegram(api *tgbotapi.BotAPI, store storage.Storage, sites *site.Registry, cfg *config.Config, log *slog.Logger) *Telegram {
	return &Telegram{api: api, store: store, sites: sites, cfg: cfg, log: log}
}

// Run starts the long-polling loop, blocking until ctx is cancelled.
func (t *Telegram) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return nil
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !t.cfg.IsUserAllowed(update.Message.From.ID) {
				t.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			t.handleCommand(ctx, update.Message)
		}
	}
}

func (t *Telegram) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		t.log.Error("send reply", "chat_id", chatID, "error", err)
	}
}

func (t *Telegram) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	t.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		t.handleStart(chatID)
	case "help":
		t.handleHelp(chatID)
	case "watch":
		t.handleWatch(ctx, chatID, args)
	case "unwatch":
		t.handleUnwatch(ctx, chatID, args)
	case "list":
		t.handleList(ctx, chatID)
	case "block":
		t.handleBlock(ctx, chatID, args)
	case "unblock":
		t.handleUnblock(ctx, chatID, args)
	case "blacklist":
		t.handleBlacklist(ctx, chatID)
	default:
		t.reply(chatID, "Unknown command. Use /help for the command reference.")
	}
}

func (t *Telegram) handleStart(chatID int64) {
	t.reply(chatID, `Welcome!

Save a marketplace search and get notified about new listings.

Quick start:
1. Open a search on the marketplace site and copy the page URL
2. /watch <url> — start watching that search
3. /list — show your watches

Use /help for the full command reference.`)
}

func (t *Telegram) handleHelp(chatID int64) {
	t.reply(chatID, `Watch management:
/watch <url> — watch a marketplace search URL
/unwatch <url> — stop watching a search
/list — show your watches

Seller blacklist:
/block <site> <seller_id> — never show a seller's listings
/unblock <site> <seller_id> — remove a blacklist entry
/blacklist — show your blacklist

Sites: tori, huuto, feed`)
}

func (t *Telegram) handleWatch(ctx context.Context, chatID int64, args string) {
	if args == "" {
		t.reply(chatID, "Usage: /watch <url>")
		return
	}

	adapter, err := t.sites.Classify(args)
	if err != nil {
		t.reply(chatID, "That search URL isn't recognized. Copy the address of a search page on a supported site.")
		return
	}

	ok, err := adapter.Validate(ctx, args)
	if err != nil {
		t.reply(chatID, fmt.Sprintf("Failed to check the search: %v", err))
		return
	}
	if !ok {
		t.reply(chatID, "That search currently has no results. Double-check the URL.")
		return
	}

	w := &model.Watch{
		URL:            args,
		UserID:         chatID,
		SiteID:         adapter.ID(),
		DeliveryMethod: model.DeliveryTelegram,
	}
	if err := t.store.CreateWatch(ctx, w); err != nil {
		if errors.Is(err, storage.ErrWatchExists) {
			t.reply(chatID, "You already have that watch.")
			return
		}
		t.reply(chatID, fmt.Sprintf("Failed to save watch: %v", err))
		return
	}

	t.reply(chatID, fmt.Sprintf("Watch added on %s!\nYou'll be notified about new listings.", adapter.Name()))
}

func (t *Telegram) handleUnwatch(ctx context.Context, chatID int64, args string) {
	if args == "" {
		t.reply(chatID, "Usage: /unwatch <url>")
		return
	}

	err := t.store.DeleteWatch(ctx, args, chatID, model.DeliveryTelegram)
	if err != nil {
		if errors.Is(err, storage.ErrWatchNotFound) {
			t.reply(chatID, "You have no watch with that URL. Use /list to see your watches.")
			return
		}
		t.reply(chatID, fmt.Sprintf("Failed to delete watch: %v", err))
		return
	}
	t.reply(chatID, "Watch removed.")
}

func (t *Telegram) handleList(ctx context.Context, chatID int64) {
	watches, err := t.store.ListWatches(ctx, chatID)
	if err != nil {
		t.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	t.reply(chatID, FormatWatchList(watches, t.siteName))
}

func (t *Telegram) handleBlock(ctx context.Context, chatID int64, args string) {
	siteID, sellerID, err := ParseSellerArgs(args)
	if err != nil {
		t.reply(chatID, "Usage: /block <site> <seller_id>\nSites: tori, huuto, feed")
		return
	}

	e := model.BlacklistEntry{UserID: chatID, SellerID: sellerID, SiteID: siteID}
	if err := t.store.AddBlacklistEntry(ctx, e); err != nil {
		t.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	t.reply(chatID, fmt.Sprintf("Seller %d blocked on %s.", sellerID, t.siteName(siteID)))
}

func (t *Telegram) handleUnblock(ctx context.Context, chatID int64, args string) {
	siteID, sellerID, err := ParseSellerArgs(args)
	if err != nil {
		t.reply(chatID, "Usage: /unblock <site> <seller_id>")
		return
	}

	e := model.BlacklistEntry{UserID: chatID, SellerID: sellerID, SiteID: siteID}
	if err := t.store.RemoveBlacklistEntry(ctx, e); err != nil {
		t.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	t.reply(chatID, fmt.Sprintf("Seller %d unblocked on %s.", sellerID, t.siteName(siteID)))
}

func (t *Telegram) handleBlacklist(ctx context.Context, chatID int64) {
	blocked, err := t.store.FetchBlacklist(ctx, chatID)
	if err != nil {
		t.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	t.reply(chatID, FormatBlacklist(blocked, t.siteName))
}

func (t *Telegram) siteName(siteID int) string {
	if a, ok := t.sites.BySite(siteID); ok {
		return a.Name()
	}
	return fmt.Sprintf("site %d", siteID)
}
