package scheduling

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a domain failure so callers can react specifically.
type ErrorKind string

const (
	KindInvalidDuration       ErrorKind = "InvalidDuration"
	KindInvalidKind           ErrorKind = "InvalidKind"
	KindPastStart             ErrorKind = "PastStart"
	KindSlotConflict          ErrorKind = "SlotConflict"
	KindNotFound              ErrorKind = "NotFound"
	KindForbidden             ErrorKind = "Forbidden"
	KindTooEarly              ErrorKind = "TooEarly"
	KindExpired               ErrorKind = "Expired"
	KindNotJoinable           ErrorKind = "NotJoinable"
	KindInvalidScheduleConfig ErrorKind = "InvalidScheduleConfig"
	KindInvalidNotes          ErrorKind = "InvalidNotes"
	KindInvalidRange          ErrorKind = "InvalidRange"
	KindInvalidTransition     ErrorKind = "InvalidTransition"
	KindInvalidPatch          ErrorKind = "InvalidPatch"
	KindInvalidRating         ErrorKind = "InvalidRating"
	KindDuplicateReview       ErrorKind = "DuplicateReview"
)

// Error is a recoverable domain failure.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidDuration       = &Error{Kind: KindInvalidDuration, Message: "duration out of range"}
	ErrInvalidKind           = &Error{Kind: KindInvalidKind, Message: "unsupported session kind"}
	ErrPastStart             = &Error{Kind: KindPastStart, Message: "start must be in the future"}
	ErrSlotConflict          = &Error{Kind: KindSlotConflict, Message: "slot is already booked"}
	ErrNotFound              = &Error{Kind: KindNotFound, Message: "not found"}
	ErrForbidden             = &Error{Kind: KindForbidden, Message: "not allowed"}
	ErrTooEarly              = &Error{Kind: KindTooEarly, Message: "session is not open yet"}
	ErrExpired               = &Error{Kind: KindExpired, Message: "session window has closed"}
	ErrNotJoinable           = &Error{Kind: KindNotJoinable, Message: "session kind cannot be joined"}
	ErrInvalidScheduleConfig = &Error{Kind: KindInvalidScheduleConfig, Message: "invalid schedule config"}
	ErrInvalidNotes          = &Error{Kind: KindInvalidNotes, Message: "notes too long"}
	ErrInvalidRange          = &Error{Kind: KindInvalidRange, Message: "invalid range"}
	ErrInvalidTransition     = &Error{Kind: KindInvalidTransition, Message: "invalid status transition"}
	ErrInvalidPatch          = &Error{Kind: KindInvalidPatch, Message: "invalid patch"}
	ErrInvalidRating         = &Error{Kind: KindInvalidRating, Message: "rating out of range"}
	ErrDuplicateReview       = &Error{Kind: KindDuplicateReview, Message: "appointment already reviewed"}
)

// KindOf returns the domain kind carried by err, or "" for infrastructure errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
