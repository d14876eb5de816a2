package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4096

// Telegram pushes to a chat through the Bot API. Send-only: the bot never
// polls for updates.
type Telegram struct {
	bot    *tele.Bot
	chatID int64
}

type TelegramOptions struct {
	Token  string
	ChatID int64
	// URL overrides the Bot API endpoint.
	URL string

	HTTPClient *http.Client
}

func NewTelegram(opts TelegramOptions) (*Telegram, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if opts.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  opts.Token,
		URL:    opts.URL,
		Client: client,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chatID: opts.ChatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, n Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	text := n.Title
	if n.Body != "" {
		if text != "" {
			text += "\n\n"
		}
		text += n.Body
	}
	if r := []rune(text); len(r) > telegramTextLimit {
		text = string(r[:telegramTextLimit])
	}

	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
