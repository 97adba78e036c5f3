// Package recovery classifies delivery failures and decides whether and when
// a failed send is retried.
package recovery

import (
	"errors"
	"strings"

	"outreach/internal/domain"
)

type rule struct {
	kind  domain.ErrorKind
	terms []string
}

// rules are checked in order; the first rule with a matching term wins.
var rules = []rule{
	{domain.ErrorDisconnected, []string{"connection", "disconnected", "not connected"}},
	{domain.ErrorTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{domain.ErrorRateLimited, []string{"rate limit", "too many requests", "429"}},
	{domain.ErrorCRM, []string{"monday", "crm", "401", "403", "unauthorized"}},
	{domain.ErrorNetwork, []string{"network", "dns", "no such host"}},
	{domain.ErrorInvalidAddress, []string{"phone", "invalid number", "invalid address", "chat not found"}},
	{domain.ErrorContentTooLong, []string{"message too long", "too long", "length"}},
}

// Classify maps err to an error kind. An explicit kind carried by a
// *domain.TransportError takes precedence over the message text.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrorUnknown
	}
	var te *domain.TransportError
	if errors.As(err, &te) && te.Kind != "" {
		return te.Kind
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage maps a failure description to an error kind.
func ClassifyMessage(msg string) domain.ErrorKind {
	lower := strings.ToLower(msg)
	for _, r := range rules {
		for _, term := range r.terms {
			if strings.Contains(lower, term) {
				return r.kind
			}
		}
	}
	return domain.ErrorUnknown
}
