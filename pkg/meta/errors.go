package meta

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// APIError is a Graph API error response.
type APIError struct {
	StatusCode int
	Code       int
	Subcode    int
	Type       string
	Message    string
	FBTraceID  string
	// RetryAfter is the server's Retry-After hint, if any.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "meta api error (status %d", e.StatusCode)
	if e.Code != 0 {
		fmt.Fprintf(&b, ", code %d", e.Code)
	}
	if e.Subcode != 0 {
		fmt.Fprintf(&b, ", subcode %d", e.Subcode)
	}
	b.WriteString(")")
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Throttled reports whether the error is an API or account rate limit.
func (e *APIError) Throttled() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	switch e.Code {
	case 4, 17, 32, 613:
		return true
	}
	return e.Code >= 80000 && e.Code <= 80014
}

// AuthFailure reports whether the access token or account is unusable.
func (e *APIError) AuthFailure() bool {
	return e.Code == 190 || e.Code == 200 || e.StatusCode == http.StatusUnauthorized
}

// ServerSide reports whether Meta failed on its end.
func (e *APIError) ServerSide() bool {
	return e.StatusCode >= 500 || e.Code == 1 || e.Code == 2
}

type errorEnvelope struct {
	Error *struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

func decodeErrorEnvelope(status int, body []byte) *APIError {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		return nil
	}
	return &APIError{
		StatusCode: status,
		Code:       env.Error.Code,
		Subcode:    env.Error.ErrorSubcode,
		Type:       env.Error.Type,
		Message:    env.Error.Message,
		FBTraceID:  env.Error.FBTraceID,
	}
}

// maxBodyMessage caps, in runes, how much of a non-JSON error body is kept.
const maxBodyMessage = 200

// truncate cuts s to at most n runes without splitting one.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func parseAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := decodeErrorEnvelope(resp.StatusCode, body)
	if apiErr == nil {
		apiErr = &APIError{StatusCode: resp.StatusCode, Message: truncate(strings.TrimSpace(string(body)), maxBodyMessage)}
	}
	apiErr.RetryAfter = retryAfter(resp.Header)
	return apiErr
}

func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
