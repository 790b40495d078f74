package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthorized is wrapped by errors for 401 responses. The caller is
// expected to hand control to its auth collaborator.
var ErrUnauthorized = errors.New("unauthorized")

// Error is a non-2xx response from the API.
type Error struct {
	Status int
	Detail string
	Body   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail != "" {
		return fmt.Sprintf("api error (%d): %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

// Unwrap lets errors.Is match ErrUnauthorized on 401 responses.
func (e *Error) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Temporary reports whether retrying the request may succeed.
func (e *Error) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// IsStatus reports whether err is an *Error with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// parseError builds an *Error from a response body. The API reports
// failures as {"detail": "..."} or {"error": "..."}.
func parseError(status int, raw []byte) *Error {
	body := strings.TrimSpace(string(raw))
	var env struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	detail := ""
	if err := json.Unmarshal(raw, &env); err == nil {
		detail = strings.TrimSpace(env.Detail)
		if detail == "" {
			detail = strings.TrimSpace(env.Error)
		}
	}
	return &Error{Status: status, Detail: detail, Body: body}
}
