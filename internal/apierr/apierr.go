// Package apierr maps provider SDK errors onto *conduit.TransportError.
package apierr

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/skosovsky/conduit"
)

const maxMessage = 300

// New builds a TransportError for a failed API call. raw is the error body
// returned by the provider; err is the SDK error, kept for errors.As.
func New(provider string, status int, raw string, err error) *conduit.TransportError {
	return &conduit.TransportError{
		Provider:   provider,
		StatusCode: status,
		Message:    Message(status, []byte(raw)),
		Err:        err,
	}
}

// Message extracts a readable message from a provider error body. Rate limits
// are always reported as such.
func Message(code int, body []byte) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	msg := ""
	if err := json.Unmarshal(body, &payload); err == nil {
		var nested struct {
			Message string `json:"message"`
		}
		var flat string
		switch {
		case json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "":
			msg = nested.Message
		case json.Unmarshal(payload.Error, &flat) == nil && flat != "":
			msg = flat
		case payload.Message != "":
			msg = payload.Message
		}
	} else {
		msg = strings.TrimSpace(string(body))
	}
	if len(msg) > maxMessage {
		msg = msg[:maxMessage]
	}
	if code == http.StatusTooManyRequests {
		if msg == "" {
			return "rate limit exceeded"
		}
		return "rate limit exceeded: " + msg
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	return msg
}
