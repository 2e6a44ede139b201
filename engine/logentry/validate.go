package logentry

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxServiceIDLen = 100
	maxMessageLen   = 10000
)

// ValidateRequest checks a LogEntryRequest against its invariants:
// required timestamp/serviceId/level/message, length bounds, and a valid
// level enum value.
func ValidateRequest(r LogEntryRequest) error {
	if r.Timestamp.IsZero() {
		return NewValidationError("timestamp", "", ErrMissingTimestamp)
	}

	serviceID := strings.TrimSpace(r.ServiceID)
	if serviceID == "" {
		return NewValidationError("serviceId", r.ServiceID, ErrMissingServiceID)
	}
	if utf8.RuneCountInString(serviceID) > maxServiceIDLen {
		return NewValidationError("serviceId", serviceID, ErrServiceIDTooLong)
	}

	if !r.Level.IsValid() {
		return NewValidationError("level", string(r.Level), ErrInvalidLevel)
	}

	message := strings.TrimSpace(r.Message)
	if message == "" {
		return NewValidationError("message", r.Message, ErrMissingMessage)
	}
	if n := utf8.RuneCountInString(r.Message); n > maxMessageLen {
		return NewValidationError("message", fmt.Sprintf("%d chars", n), ErrMessageTooLong)
	}

	return nil
}

// ValidateTimeRange enforces the invariant that, when both bounds are
// present, start <= end and the window spans at most 7 days.
func ValidateTimeRange(r LogSearchRequest) error {
	if r.StartTimestamp == nil || r.EndTimestamp == nil {
		return nil
	}
	start, end := *r.StartTimestamp, *r.EndTimestamp
	if start.After(end) {
		return NewValidationError("startTimestamp", start.String(), ErrInvalidTimeRange)
	}
	if end.Sub(start) > maxWindow {
		return NewValidationError("endTimestamp", end.String(), ErrWindowTooWide)
	}
	return nil
}
