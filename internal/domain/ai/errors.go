package ai

import "errors"

// ErrQuotaExceeded indicates the AI provider returned a quota/limit error (HTTP 429 or similar).
var ErrQuotaExceeded = errors.New("ai quota exceeded")

// ErrNotConfigured indicates no AI provider key is set, so summaries are
// unavailable on this device.
var ErrNotConfigured = errors.New("ai summarizer not configured")
