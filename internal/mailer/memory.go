package mailer

import (
	"context"
	"fmt"
	"sync"
)

// MemoryMailer captures messages instead of delivering them. It backs the
// sandbox mode and tests; failure behavior is scripted per recipient.
type MemoryMailer struct {
	mu       sync.Mutex
	messages []*Message
	failures map[string]error
	seq      int
}

func NewMemoryMailer() *MemoryMailer {
	return &MemoryMailer{failures: make(map[string]error)}
}

// FailWith makes every send to recipient return err until cleared.
func (m *MemoryMailer) FailWith(recipient string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, recipient)
	} else {
		m.failures[recipient] = err
	}
}

func (m *MemoryMailer) Send(ctx context.Context, msg *Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", transientf("send aborted: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failures[msg.To]; ok {
		return "", err
	}
	m.seq++
	copied := *msg
	m.messages = append(m.messages, &copied)
	return fmt.Sprintf("mem-%d", m.seq), nil
}

// Messages returns a snapshot of everything captured so far.
func (m *MemoryMailer) Messages() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Count returns how many messages were captured.
func (m *MemoryMailer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}
