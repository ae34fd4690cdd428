package delivery

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"vahtibot/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers listing batches as Telegram messages. A shared rate
// limiter keeps the bot under Telegram's ~30 msg/s global cap even when
// several batches are dispatched concurrently.
type Telegram struct {
	api     telegramAPI
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewTelegram creates a Telegram deliverer from an existing bot API handle.
func NewTelegram(api *tgbotapi.BotAPI, log *slog.Logger) *Telegram {
	return newTelegram(api, log)
}

func newTelegram(api telegramAPI, log *slog.Logger) *Telegram {
	return &Telegram{
		api:     api,
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		log:     log,
	}
}

// Deliver sends each listing in the batch to the batch's recipient.
// A failed send is logged and does not stop the rest of the batch.
func (t *Telegram) Deliver(ctx context.Context, items []model.Listing) error {
	if len(items) == 0 {
		return nil
	}
	chatID := items[0].DeliverTo

	for _, item := range items {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		msg := buildMessage(chatID, item)
		if _, err := t.api.Send(msg); err != nil {
			t.log.Error("send listing",
				"chat_id", chatID, "site_id", item.SiteID, "ad_id", item.AdID, "error", err)
		}
	}
	return nil
}

func buildMessage(chatID int64, item model.Listing) tgbotapi.Chattable {
	text := FormatListing(item)

	if item.ImageURL != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(item.ImageURL))
		photo.Caption = text
		photo.ParseMode = tgbotapi.ModeHTML
		return photo
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = false
	return msg
}

// FormatListing renders a listing as a Telegram HTML message.
func FormatListing(item model.Listing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<a href=%q>%s</a>\n", item.URL, html.EscapeString(item.Title))

	if item.SiteID != model.SiteFeed {
		fmt.Fprintf(&b, "<b>Price</b>: %d €\n", item.Price)
		if url := sellerURL(item); url != "" {
			fmt.Fprintf(&b, "<b>Seller</b>: <a href=%q>%s</a>\n", url, html.EscapeString(item.SellerName))
		} else if item.SellerName != "" {
			fmt.Fprintf(&b, "<b>Seller</b>: %s\n", html.EscapeString(item.SellerName))
		}
		if item.Location != "" {
			fmt.Fprintf(&b, "<b>Location</b>: %s\n", html.EscapeString(item.Location))
		}
	} else if item.SellerName != "" {
		fmt.Fprintf(&b, "<b>Source</b>: %s\n", html.EscapeString(item.SellerName))
	}

	fmt.Fprintf(&b, "<b>Posted</b>: %s\n", time.Unix(item.Published, 0).Format("02/01/2006 15:04"))
	if item.AdType != "" {
		fmt.Fprintf(&b, "<b>Type</b>: %s\n", html.EscapeString(item.AdType))
	}
	fmt.Fprintf(&b, "<a href=%q>Open search</a>", item.WatchURL)
	return b.String()
}

func sellerURL(item model.Listing) string {
	switch item.SiteID {
	case model.SiteTori:
		return fmt.Sprintf("https://www.tori.fi/li?&aid=%d", item.SellerID)
	case model.SiteHuutonet:
		return fmt.Sprintf("https://www.huuto.net/kayttaja/%d", item.SellerID)
	default:
		return ""
	}
}
