// Package discord implements transport.Messenger on the Discord gateway.
package discord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"

	"claimbot/internal/transport"
	"claimbot/pkg/logx"
)

const textLimit = 2000

type Config struct {
	Token string
}

// Adapter posts to Discord channels and DMs. It only needs the guilds intent;
// command handling lives outside this process.
type Adapter struct {
	log    logx.Logger
	client bot.Client

	mu      sync.Mutex
	started bool

	ready     chan struct{}
	readyOnce sync.Once

	// dm channel ids per user, resolved once
	dmMu sync.Mutex
	dms  map[snowflake.ID]snowflake.ID
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("discord: %w", transport.ErrNotConfigured)
	}
	a := &Adapter{
		log:   log,
		ready: make(chan struct{}),
		dms:   map[snowflake.ID]snowflake.ID{},
	}
	client, err := disgo.New(token,
		bot.WithGatewayConfigOpts(gateway.WithIntents(gateway.IntentGuilds)),
		bot.WithEventListenerFunc(a.onReady),
	)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	a.client = client
	return a, nil
}

func (a *Adapter) onReady(e *events.Ready) {
	a.readyOnce.Do(func() {
		a.log.Info("discord gateway ready", logx.String("user", e.User.Username))
		close(a.ready)
	})
}

func (a *Adapter) Ready() <-chan struct{} { return a.ready }

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if err := a.client.OpenGateway(ctx); err != nil {
		return fmt.Errorf("discord open gateway: %w", err)
	}
	a.started = true
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()
	if started {
		a.client.Close(ctx)
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, to transport.Target, msg transport.Message) (transport.MessageRef, error) {
	id, err := snowflake.Parse(strings.TrimSpace(to.ChannelID))
	if err != nil {
		return transport.MessageRef{}, fmt.Errorf("discord: channel id %q: %w", to.ChannelID, err)
	}
	return a.post(ctx, id, msg)
}

func (a *Adapter) SendDirect(ctx context.Context, userID string, msg transport.Message) (transport.MessageRef, error) {
	uid, err := snowflake.Parse(strings.TrimSpace(userID))
	if err != nil {
		return transport.MessageRef{}, fmt.Errorf("discord: user id %q: %w", userID, err)
	}
	ch, err := a.dmChannel(ctx, uid)
	if err != nil {
		return transport.MessageRef{}, err
	}
	return a.post(ctx, ch, msg)
}

func (a *Adapter) dmChannel(ctx context.Context, uid snowflake.ID) (snowflake.ID, error) {
	a.dmMu.Lock()
	ch, ok := a.dms[uid]
	a.dmMu.Unlock()
	if ok {
		return ch, nil
	}
	dm, err := a.client.Rest().CreateDMChannel(uid, rest.WithCtx(ctx))
	if err != nil {
		return 0, fmt.Errorf("discord: open dm with %s: %w", uid, err)
	}
	a.dmMu.Lock()
	a.dms[uid] = dm.ID()
	a.dmMu.Unlock()
	return dm.ID(), nil
}

// post sends the text in 2000-rune chunks; the attachment rides on the first one.
func (a *Adapter) post(ctx context.Context, channelID snowflake.ID, msg transport.Message) (transport.MessageRef, error) {
	chunks := transport.SplitText(msg.Text, textLimit)

	var first transport.MessageRef
	for i, chunk := range chunks {
		create := discord.MessageCreate{Content: chunk}
		if i == 0 && msg.Attachment != nil {
			f, err := os.Open(msg.Attachment.Path)
			if err != nil {
				return transport.MessageRef{}, fmt.Errorf("discord: open attachment: %w", err)
			}
			create.Files = []*discord.File{{Name: msg.Attachment.Name, Reader: f}}
			m, err := a.client.Rest().CreateMessage(channelID, create, rest.WithCtx(ctx))
			_ = f.Close()
			if err != nil {
				return transport.MessageRef{}, fmt.Errorf("discord: create message: %w", err)
			}
			first = transport.MessageRef{ChannelID: channelID.String(), MessageID: m.ID.String()}
			continue
		}
		m, err := a.client.Rest().CreateMessage(channelID, create, rest.WithCtx(ctx))
		if err != nil {
			if i > 0 {
				return first, fmt.Errorf("discord: create message (chunk %d): %w", i+1, err)
			}
			return transport.MessageRef{}, fmt.Errorf("discord: create message: %w", err)
		}
		if i == 0 {
			first = transport.MessageRef{ChannelID: channelID.String(), MessageID: m.ID.String()}
		}
	}
	if first.MessageID == "" {
		return first, errors.New("discord: nothing sent")
	}
	return first, nil
}
