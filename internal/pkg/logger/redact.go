package logger

import "strings"

// RedactEmail masks the local part of an address so log lines never carry a
// full recipient identity. The first two characters survive when the local
// part is long enough to stay non-identifying; the domain is kept whole
// because deliverability debugging needs it.
//
//	"john.doe@example.com" → "jo***@example.com"
//	"ab@example.com"       → "***@example.com"
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
