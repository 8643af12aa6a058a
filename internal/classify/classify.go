// Package classify turns upstream and store errors into a single tagged sum
// type so callers switch on a Kind instead of matching error strings or
// concrete exception types scattered across the codebase.
package classify

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the error classes the harvester reacts to. Every upstream
// failure observed by the pool, health checker, join service, or parser is
// funneled through Classify and handled by switching on Kind.
type Kind int

const (
	// KindUnknown is any exception that doesn't match a more specific class;
	// callers exclude the offending account and move on.
	KindUnknown Kind = iota
	// KindConfigError means upstream app credentials are missing or invalid
	// for an account; it aborts the current pass, never the process.
	KindConfigError
	// KindFloodWait is a transient rate limit with an explicit retry-after.
	KindFloodWait
	// KindFrozen is a frozen/banned upstream identity (FROZEN_METHOD_INVALID
	// or equivalent); the account is quarantined as banned.
	KindFrozen
	// KindDeactivated means the upstream identity itself was deactivated
	// (not frozen); the account is quarantined as forbidden.
	KindDeactivated
	// KindForbidden is a channel-level forbidden/admin-required family of
	// errors; the per-account membership is marked forbidden.
	KindForbidden
	// KindNotFound means the entity could not be resolved.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindConfigError:
		return "config_error"
	case KindFloodWait:
		return "flood_wait"
	case KindFrozen:
		return "frozen"
	case KindDeactivated:
		return "deactivated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the classified wrapper around an upstream or store error. The
// zero value is never produced by Classify; Kind is always set.
type Error struct {
	Kind      Kind
	RetryAfter time.Duration // only meaningful for KindFloodWait
	Note      string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Note, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Note)
}

func (e *Error) Unwrap() error { return e.Cause }

// ConfigError reports that upstream app identity (api_id/api_hash) is
// missing for an account. The factory (internal/upstream) returns this
// directly rather than routing it through Classify.
type ConfigError struct{ Note string }

func (e *ConfigError) Error() string { return "config error: " + e.Note }

// Classify maps an arbitrary error returned by the upstream client into a
// tagged *Error. Unrecognized errors come back as KindUnknown so callers can
// still exclude the account and continue without crashing the tick.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return &Error{Kind: KindConfigError, Note: cfgErr.Note, Cause: err}
	}

	var already *Error
	if errors.As(err, &already) {
		return already
	}

	msg := err.Error()
	upper := strings.ToUpper(msg)

	if d, ok := floodWaitSeconds(msg); ok {
		return &Error{Kind: KindFloodWait, RetryAfter: time.Duration(d) * time.Second, Note: fmt.Sprintf("FloodWait %ds", d), Cause: err}
	}

	if strings.Contains(upper, "FROZEN_METHOD_INVALID") {
		return &Error{Kind: KindFrozen, Note: "frozen upstream identity", Cause: err}
	}

	switch {
	case strings.Contains(upper, "PHONE_NUMBER_BANNED"), strings.Contains(upper, "USER_DEACTIVATED_BAN"):
		return &Error{Kind: KindFrozen, Note: "banned upstream identity", Cause: err}
	case strings.Contains(upper, "USER_DEACTIVATED"):
		return &Error{Kind: KindDeactivated, Note: "deactivated upstream identity", Cause: err}
	case strings.Contains(upper, "CHANNEL_PRIVATE"),
		strings.Contains(upper, "CHAT_ADMIN_REQUIRED"),
		strings.Contains(upper, "USER_BANNED_IN_CHANNEL"),
		strings.Contains(upper, "USER_NOT_PARTICIPANT"),
		strings.Contains(upper, "CHAT_WRITE_FORBIDDEN"):
		return &Error{Kind: KindForbidden, Note: msg, Cause: err}
	case strings.Contains(upper, "USERNAME_NOT_OCCUPIED"), strings.Contains(upper, "NOT_FOUND"):
		return &Error{Kind: KindNotFound, Note: msg, Cause: err}
	}

	return &Error{Kind: KindUnknown, Note: msg, Cause: err}
}

// floodWaitSeconds extracts an integer second count from a flood-wait style
// error message such as "FLOOD_WAIT_120" or "FloodWait: 120s".
func floodWaitSeconds(msg string) (int, bool) {
	upper := strings.ToUpper(msg)
	if !strings.Contains(upper, "FLOOD_WAIT") && !strings.Contains(upper, "FLOODWAIT") {
		return 0, false
	}
	digits := strings.Builder{}
	for _, r := range msg {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		} else if digits.Len() > 0 {
			break
		}
	}
	if digits.Len() == 0 {
		return 0, false
	}
	seconds := 0
	for _, r := range digits.String() {
		seconds = seconds*10 + int(r-'0')
	}
	return seconds, true
}
