package models

import "fmt"

// MalformedInputError reports a raw record field that cannot be tokenized or
// analyzed. Recoverable: callers skip the offending record and continue.
type MalformedInputError struct {
	Field  string
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed input: field %q: %s", e.Field, e.Reason)
}

// AnonymityViolationError reports an outbound payload field matching a
// known-PII shape. The external call is aborted; nothing is stripped silently.
type AnonymityViolationError struct {
	Field    string
	RuleName string
}

func (e *AnonymityViolationError) Error() string {
	return fmt.Sprintf("anonymity violation: field %q matched rule %s", e.Field, e.RuleName)
}

// ExternalResponseValidationError reports an inbound response value not
// traceable to a token or numeric field the boundary itself sent.
type ExternalResponseValidationError struct {
	Field  string
	Reason string
}

func (e *ExternalResponseValidationError) Error() string {
	return fmt.Sprintf("external response rejected: field %q: %s", e.Field, e.Reason)
}

// ExternalTransportError reports a timeout or transport failure on the
// external boundary. Recoverable: analysis degrades to local-only.
type ExternalTransportError struct {
	Op  string
	Err error
}

func (e *ExternalTransportError) Error() string {
	return fmt.Sprintf("external transport: %s: %v", e.Op, e.Err)
}

func (e *ExternalTransportError) Unwrap() error {
	return e.Err
}

// PayloadTooLargeError reports an input exceeding the configured record
// ceiling. Rejected before any processing.
type PayloadTooLargeError struct {
	Count int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload too large: %d records exceeds limit %d", e.Count, e.Limit)
}
