package model

import "strings"

// SecurityPrefix marks the open-ended security event family. Any type under
// the prefix is accepted; everything else must be in the closed vocabulary.
const SecurityPrefix = "security."

// Caller-visible event types. Unknown types are rejected at trigger time,
// never silently accepted.
const (
	EventTypeUserCreated          = "user.created"
	EventTypeUserUpdated          = "user.updated"
	EventTypeAccountCreated       = "account.created"
	EventTypeAccountClosed        = "account.closed"
	EventTypeTransactionCompleted = "transaction.completed"
	EventTypeTransactionFailed    = "transaction.failed"
	EventTypeLoanApproved         = "loan.approved"
	EventTypeLoanRejected         = "loan.rejected"
)

var knownEventTypes = map[string]struct{}{
	EventTypeUserCreated:          {},
	EventTypeUserUpdated:          {},
	EventTypeAccountCreated:       {},
	EventTypeAccountClosed:        {},
	EventTypeTransactionCompleted: {},
	EventTypeTransactionFailed:    {},
	EventTypeLoanApproved:         {},
	EventTypeLoanRejected:         {},
}

// KnownEventType reports whether t is in the vocabulary.
func KnownEventType(t string) bool {
	if _, ok := knownEventTypes[t]; ok {
		return true
	}
	return strings.HasPrefix(t, SecurityPrefix) && len(t) > len(SecurityPrefix)
}

// EventTypes returns the closed part of the vocabulary, for display.
func EventTypes() []string {
	out := make([]string, 0, len(knownEventTypes))
	for t := range knownEventTypes {
		out = append(out, t)
	}
	return out
}
