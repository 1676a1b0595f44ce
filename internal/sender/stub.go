package sender

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
)

// Stub is an in-memory Sender for tests. It records every message and can
// be scripted to fail specific recipients.
type Stub struct {
	mu      sync.Mutex
	sent    []domain.EmailMessage
	failFor map[string]string // recipient → error message
}

// NewStub returns an always-succeeding stub sender.
func NewStub() *Stub {
	return &Stub{failFor: make(map[string]string)}
}

// FailFor makes sends to the given recipient fail with the message.
func (s *Stub) FailFor(recipient, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFor[recipient] = errMsg
}

// Send records the message and returns a scripted result.
func (s *Stub) Send(_ context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if errMsg, ok := s.failFor[msg.To]; ok {
		return &domain.SendResult{Success: false, Error: errMsg, SentAt: time.Now()}, nil
	}
	s.sent = append(s.sent, *msg)
	return &domain.SendResult{Success: true, MessageID: uuid.New().String(), SentAt: time.Now()}, nil
}

// Sent returns a copy of the delivered messages.
func (s *Stub) Sent() []domain.EmailMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EmailMessage, len(s.sent))
	copy(out, s.sent)
	return out
}
