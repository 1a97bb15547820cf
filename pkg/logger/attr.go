package logger

import (
	"log/slog"
	"time"
)

// Error records err under the key "error". Nil errors produce an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Account records the account email under the key "account".
func Account(email string) slog.Attr {
	return slog.String("account", email)
}

// Actor records the identity performing a privileged action.
func Actor(email string) slog.Attr {
	return slog.String("actor", email)
}

// EventID records the provider event identifier under the key "event_id".
func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

// EventType records the event type under the key "event_type".
func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

// Provider records the billing provider name.
func Provider(name string) slog.Attr {
	return slog.String("provider", name)
}

// Tier records a plan tier name under the key "tier".
func Tier(name string) slog.Attr {
	return slog.String("tier", name)
}

// Attempt records the attempt number of a retried operation.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Duration records d in milliseconds under the key "duration_ms".
func Duration(d time.Duration) slog.Attr {
	return slog.Int64("duration_ms", d.Milliseconds())
}

// RequestID records the request identifier under the key "request_id".
func RequestID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("request_id", id)
}
