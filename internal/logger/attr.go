package logger

import "log/slog"

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// AccountID records the internal account id under the key "account_id".
func AccountID(id int64) slog.Attr {
	return slog.Int64("account_id", id)
}

// ExternalID records the chat-platform id under the key "external_id".
func ExternalID(id int64) slog.Attr {
	return slog.Int64("external_id", id)
}

// Reason records a token failure reason under the key "reason".
func Reason(reason string) slog.Attr {
	return slog.String("reason", reason)
}

// RequestID records the request identifier under the key "request_id".
// If id is empty, it returns an empty Attr.
func RequestID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("request_id", id)
}

// Masked records a secret-ish value showing only its head and tail.
func Masked(key, value string) slog.Attr {
	if len(value) <= 8 {
		return slog.String(key, "****")
	}
	return slog.String(key, value[:4]+"…"+value[len(value)-4:])
}
