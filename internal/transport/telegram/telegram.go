// Package telegram implements transport.Messenger with telebot.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"claimbot/internal/transport"
	"claimbot/pkg/logx"
)

const (
	textLimit    = 4000
	captionLimit = 1024
)

type Config struct {
	Token   string
	Timeout time.Duration // Bot API HTTP timeout
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	ready     chan struct{}
	readyOnce sync.Once
}

// New validates the token against the Bot API (getMe). Updates are never
// polled: this process only sends.
func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram: %w", transport.ErrNotConfigured)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Adapter{log: log, bot: b, ready: make(chan struct{})}, nil
}

func (a *Adapter) Ready() <-chan struct{} { return a.ready }

func (a *Adapter) Start(ctx context.Context) error {
	a.readyOnce.Do(func() {
		a.log.Info("telegram ready", logx.String("user", a.bot.Me.Username))
		close(a.ready)
	})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error { return nil }

func (a *Adapter) Send(ctx context.Context, to transport.Target, msg transport.Message) (transport.MessageRef, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(to.ChannelID), 10, 64)
	if err != nil {
		return transport.MessageRef{}, fmt.Errorf("telegram: chat id %q: %w", to.ChannelID, err)
	}
	return a.send(ctx, &tele.Chat{ID: id}, to.ThreadID, msg)
}

func (a *Adapter) SendDirect(ctx context.Context, userID string, msg transport.Message) (transport.MessageRef, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return transport.MessageRef{}, fmt.Errorf("telegram: user id %q: %w", userID, err)
	}
	return a.send(ctx, &tele.User{ID: id}, 0, msg)
}

// send posts the attachment as a photo (captioned when the text fits) followed
// by the text in 4000-rune chunks.
func (a *Adapter) send(ctx context.Context, to tele.Recipient, threadID int, msg transport.Message) (transport.MessageRef, error) {
	opt := &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}
	text := msg.Text

	var first transport.MessageRef
	if msg.Attachment != nil {
		photo := &tele.Photo{File: tele.FromDisk(msg.Attachment.Path)}
		if len([]rune(text)) <= captionLimit {
			photo.Caption = text
			text = ""
		}
		m, err := a.bot.Send(to, photo, opt)
		if err != nil {
			return transport.MessageRef{}, fmt.Errorf("telegram: send photo: %w", err)
		}
		first = ref(m)
	}
	if text == "" {
		return first, nil
	}

	for _, chunk := range transport.SplitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		m, err := a.bot.Send(to, chunk, opt)
		if err != nil {
			return first, fmt.Errorf("telegram: send: %w", err)
		}
		if first.MessageID == "" {
			first = ref(m)
		}
	}
	return first, nil
}

func ref(m *tele.Message) transport.MessageRef {
	if m == nil || m.Chat == nil {
		return transport.MessageRef{}
	}
	return transport.MessageRef{ChannelID: strconv.FormatInt(m.Chat.ID, 10), MessageID: strconv.Itoa(m.ID)}
}
