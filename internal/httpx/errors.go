package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/agentloop/core"
)

const maxDetail = 2048

// ErrorMessage extracts a human readable detail from a vendor error body:
// error.message, message or a string error field when the body is JSON,
// otherwise the trimmed body.
func ErrorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "message", "error", "0.error.message"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String && r.String() != "" {
				return r.String()
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxDetail {
		msg = msg[:maxDetail]
	}
	return msg
}

// StatusError reads resp's body and returns the VendorError describing it.
func StatusError(provider string, attempts int, resp *http.Response) *core.VendorError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := ErrorMessage(body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &core.VendorError{Provider: provider, Attempts: attempts, StatusCode: resp.StatusCode, Message: msg}
}

// Classify maps a transport error into the error carried by a terminal event.
// Caller cancellation wins over a stall, which wins over a vendor failure.
func Classify(parent context.Context, wd *Watchdog, provider string, attempts int, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%s: %w", provider, core.ErrCancelled)
	}
	if wd != nil && wd.Stalled() {
		return fmt.Errorf("%s: %w", provider, core.ErrStreamStalled)
	}
	var ve *core.VendorError
	if errors.As(err, &ve) {
		return ve
	}
	if attempts < 1 {
		attempts = 1
	}
	return &core.VendorError{Provider: provider, Attempts: attempts, Message: err.Error(), Err: err}
}

// IsRetryableStatus reports whether code would have been retried.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code != http.StatusNotImplemented)
}
