package service

import "errors"

// RejectionReason identifies the pipeline stage that turned a submission away.
type RejectionReason int

const (
	ReasonHoneypot RejectionReason = iota + 1
	ReasonSpamPattern
	ReasonSpamRepetition
	ReasonNameInvalid
	ReasonMessageTooShort
	ReasonMessageTooLong
	ReasonRateLimited
	ReasonDuplicate
	ReasonInvalidField
)

var reasonCodes = map[RejectionReason]string{
	ReasonHoneypot:        "honeypot",
	ReasonSpamPattern:     "spam_pattern",
	ReasonSpamRepetition:  "spam_repetition",
	ReasonNameInvalid:     "name_invalid",
	ReasonMessageTooShort: "message_too_short",
	ReasonMessageTooLong:  "message_too_long",
	ReasonRateLimited:     "rate_limited",
	ReasonDuplicate:       "duplicate",
	ReasonInvalidField:    "invalid_field",
}

// Messages shown to the submitter. None of them mention the thresholds
// behind the check.
var reasonMessages = map[RejectionReason]string{
	ReasonHoneypot:        "Your message could not be sent.",
	ReasonSpamPattern:     "Message contains prohibited content.",
	ReasonSpamRepetition:  "Message appears to be spam.",
	ReasonNameInvalid:     "Please enter a valid name.",
	ReasonMessageTooShort: "Message is too short.",
	ReasonMessageTooLong:  "Message is too long.",
	ReasonRateLimited:     "You have sent several messages recently. Please try again later.",
	ReasonDuplicate:       "We have already received a message from this email address recently.",
	ReasonInvalidField:    "Please enter a valid email address.",
}

// String returns the stable snake_case code used in API responses and logs.
func (r RejectionReason) String() string {
	if c, ok := reasonCodes[r]; ok {
		return c
	}
	return "unknown"
}

// Message returns the user-facing text for r.
func (r RejectionReason) Message() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return "Your message could not be sent."
}

// Field names the form field the rejection should be attached to, or "" for
// rejections that concern the submission as a whole.
func (r RejectionReason) Field() string {
	switch r {
	case ReasonNameInvalid:
		return "name"
	case ReasonInvalidField:
		return "email"
	case ReasonMessageTooShort, ReasonMessageTooLong, ReasonSpamPattern, ReasonSpamRepetition:
		return "message"
	default:
		return ""
	}
}

// IsPolicy reports whether r is a rate or recency policy rejection rather
// than a problem with the submitted content.
func (r RejectionReason) IsPolicy() bool {
	return r == ReasonRateLimited || r == ReasonDuplicate
}

// RejectionError is returned by the pipeline when a submission is refused.
// Any other error from Submit is an infrastructure failure.
type RejectionError struct {
	Reason RejectionReason
}

func (e *RejectionError) Error() string {
	return "contact submission rejected: " + e.Reason.String()
}

func reject(reason RejectionReason) error {
	return &RejectionError{Reason: reason}
}

// ReasonOf extracts the rejection reason from err.
func ReasonOf(err error) (RejectionReason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return 0, false
}
