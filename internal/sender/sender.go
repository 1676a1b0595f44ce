// Package sender defines the narrow outbound-mail contract the dispatcher
// depends on, with an AWS SES adapter for production and a stub for tests.
package sender

import (
	"context"

	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
)

// Sender delivers one rendered email. Implementations report provider
// failures through SendResult rather than panicking; a non-nil error means
// the message never reached the provider at all.
type Sender interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}
