package transport

import (
	"context"
	"errors"
)

var (
	ErrNotConfigured = errors.New("messenger not configured")
	ErrNotReady      = errors.New("messenger not ready")
)

// Target addresses a shared destination (a Discord channel or a Telegram chat).
//
// IDs are kept as strings so the same config works for both platforms:
// Discord snowflakes and Telegram chat ids are parsed by the adapters.
type Target struct {
	ChannelID string
	ThreadID  int // telegram forum topic thread id (0 if none)
}

func (t Target) IsZero() bool { return t.ChannelID == "" }

// Attachment references a local file that is uploaded with the message.
// The adapter opens the file lazily; it never deletes it.
type Attachment struct {
	Name string
	Path string
}

type Message struct {
	Text       string
	Attachment *Attachment
}

type MessageRef struct {
	ChannelID string
	MessageID string
}

// Messenger is the outbound side of the chat platform.
//
// Ready is a one-shot readiness signal: the returned channel is closed exactly
// once, when the adapter can deliver messages.
type Messenger interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ready() <-chan struct{}

	Send(ctx context.Context, to Target, msg Message) (MessageRef, error)
	SendDirect(ctx context.Context, userID string, msg Message) (MessageRef, error)
}

// Sender is the send-only subset of Messenger.
type Sender interface {
	Send(ctx context.Context, to Target, msg Message) (MessageRef, error)
	SendDirect(ctx context.Context, userID string, msg Message) (MessageRef, error)
}

// WaitReady blocks until m is ready or ctx is done.
func WaitReady(ctx context.Context, m Messenger) error {
	if m == nil {
		return ErrNotConfigured
	}
	select {
	case <-m.Ready():
		return nil
	case <-ctx.Done():
		return errors.Join(ErrNotReady, ctx.Err())
	}
}
