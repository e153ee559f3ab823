package transport

import (
	"context"
	"strconv"
	"sync"
)

// Sent is one message recorded by Memory.
type Sent struct {
	To     Target
	UserID string // set for direct messages
	Msg    Message
}

// Memory is an in-process Messenger that records what it would send.
// It backs the "memory" platform (dry runs) and stands in for real adapters
// in tests. Fail hooks let callers inject per-destination errors.
type Memory struct {
	mu    sync.Mutex
	sent  []Sent
	seq   int
	ready chan struct{}
	once  sync.Once

	FailSend   func(to Target) error
	FailDirect func(userID string) error
}

func NewMemory() *Memory {
	return &Memory{ready: make(chan struct{})}
}

func (m *Memory) Start(ctx context.Context) error {
	m.once.Do(func() { close(m.ready) })
	return nil
}

func (m *Memory) Stop(ctx context.Context) error { return nil }

func (m *Memory) Ready() <-chan struct{} { return m.ready }

func (m *Memory) Send(ctx context.Context, to Target, msg Message) (MessageRef, error) {
	if m.FailSend != nil {
		if err := m.FailSend(to); err != nil {
			return MessageRef{}, err
		}
	}
	return m.record(Sent{To: to, Msg: msg}, to.ChannelID), nil
}

func (m *Memory) SendDirect(ctx context.Context, userID string, msg Message) (MessageRef, error) {
	if m.FailDirect != nil {
		if err := m.FailDirect(userID); err != nil {
			return MessageRef{}, err
		}
	}
	return m.record(Sent{UserID: userID, Msg: msg}, "dm:"+userID), nil
}

func (m *Memory) record(s Sent, channel string) MessageRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.sent = append(m.sent, s)
	return MessageRef{ChannelID: channel, MessageID: strconv.Itoa(m.seq)}
}

// Sent returns a copy of everything sent so far.
func (m *Memory) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// Direct returns the direct messages sent to userID.
func (m *Memory) Direct(userID string) []Sent {
	var out []Sent
	for _, s := range m.Sent() {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// Channel returns the messages posted to channelID.
func (m *Memory) Channel(channelID string) []Sent {
	var out []Sent
	for _, s := range m.Sent() {
		if s.UserID == "" && s.To.ChannelID == channelID {
			out = append(out, s)
		}
	}
	return out
}
