package bounce

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/storage"
)

var emailFormatRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// rolePrefixes are mailbox local parts that belong to teams or machines,
// not people. Sending marketing mail to them invites complaints.
var rolePrefixes = []string{
	"admin", "administrator", "support", "info", "sales", "contact",
	"help", "billing", "abuse", "postmaster", "webmaster", "noreply",
	"no-reply", "marketing", "team", "office", "security", "legal",
}

// disposableDomains is a seed set of throwaway-email providers.
var disposableDomains = map[string]bool{
	"mailinator.com":    true,
	"guerrillamail.com": true,
	"10minutemail.com":  true,
	"tempmail.com":      true,
	"temp-mail.org":     true,
	"throwawaymail.com": true,
	"yopmail.com":       true,
	"sharklasers.com":   true,
	"trashmail.com":     true,
	"getnada.com":       true,
	"maildrop.cc":       true,
	"fakeinbox.com":     true,
}

// domainTypos maps common misspellings of major providers to the intended
// domain. A hit is advisory: the address may be real, so it is flagged but
// not suppressed.
var domainTypos = map[string]string{
	"gmial.com":    "gmail.com",
	"gmal.com":     "gmail.com",
	"gamil.com":    "gmail.com",
	"gmail.co":     "gmail.com",
	"gmaill.com":   "gmail.com",
	"yaho.com":     "yahoo.com",
	"yahooo.com":   "yahoo.com",
	"yhoo.com":     "yahoo.com",
	"hotmal.com":   "hotmail.com",
	"hotmial.com":  "hotmail.com",
	"hotmaill.com": "hotmail.com",
	"outlok.com":   "outlook.com",
	"outloook.com": "outlook.com",
	"iclould.com":  "icloud.com",
	"icloud.co":    "icloud.com",
}

// ValidateEmail runs the pre-enrollment address checks. Failures where the
// address can never receive real mail set ShouldSuppress, and the manager
// records the suppression before returning. Typo hits only attach a
// suggestion.
func (m *Manager) ValidateEmail(ctx context.Context, email string) (*domain.EmailValidation, error) {
	email = normalizeEmail(email)

	if !emailFormatRegex.MatchString(email) {
		if email != "" {
			if err := m.suppress(ctx, email, domain.ReasonInvalidFormat); err != nil {
				return nil, err
			}
		}
		return &domain.EmailValidation{
			Reason:         domain.ValidationBadFormat,
			ShouldSuppress: true,
		}, nil
	}

	if entry, err := m.store.GetSuppression(ctx, email); err == nil && entry != nil {
		return &domain.EmailValidation{Reason: domain.ValidationSuppressed}, nil
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("get suppression: %w", err)
	}

	at := strings.Index(email, "@")
	local, dom := email[:at], email[at+1:]

	for _, prefix := range rolePrefixes {
		if local == prefix {
			if err := m.suppress(ctx, email, domain.ReasonRoleAccount); err != nil {
				return nil, err
			}
			return &domain.EmailValidation{
				Reason:         domain.ValidationRole,
				ShouldSuppress: true,
			}, nil
		}
	}

	if disposableDomains[dom] {
		if err := m.suppress(ctx, email, domain.ReasonDisposable); err != nil {
			return nil, err
		}
		return &domain.EmailValidation{
			Reason:         domain.ValidationDisposable,
			ShouldSuppress: true,
		}, nil
	}

	if corrected, ok := domainTypos[dom]; ok {
		return &domain.EmailValidation{
			Valid:      true,
			Reason:     domain.ValidationTypo,
			Suggestion: local + "@" + corrected,
		}, nil
	}

	return &domain.EmailValidation{Valid: true}, nil
}
