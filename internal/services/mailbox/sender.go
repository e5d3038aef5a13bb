// Package mailbox holds the sender predicate shared by the mailbox backends
// and the dispatcher.
package mailbox

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// SenderAddresses parses a From header into bare lowercase addresses.
// Unparseable headers fall back to the text between angle brackets.
func SenderAddresses(from string) []string {
	from = strings.TrimSpace(from)
	if from == "" {
		return nil
	}

	addrs, err := mail.ParseAddressList(from)
	if err == nil && len(addrs) > 0 {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}

	if start, end := strings.LastIndex(from, "<"), strings.LastIndex(from, ">"); start >= 0 && end > start {
		return []string{strings.ToLower(strings.TrimSpace(from[start+1 : end]))}
	}
	return []string{strings.ToLower(from)}
}

// MatchSender reports whether any address in the From header matches one
// of patterns. A pattern is a full address or an "@domain" suffix.
func MatchSender(from string, patterns []string) bool {
	for _, addr := range SenderAddresses(from) {
		for _, p := range patterns {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			if strings.HasPrefix(p, "@") {
				if strings.HasSuffix(addr, p) {
					return true
				}
				continue
			}
			if addr == p {
				return true
			}
		}
	}
	return false
}
