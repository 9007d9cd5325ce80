// Package apierr implements the two-kind error taxonomy used across the
// gateway: expected, user-visible fails and unexpected internal errors.
// Every error carries a stable code; the code->message table lives here and
// is shared by the constructors and the HTTP envelope writer.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind distinguishes expected fails from infrastructure errors.
type Kind int

const (
	// KindFail is an expected, user-visible failure (default status 400).
	KindFail Kind = iota
	// KindInternal is an unexpected or infrastructure error (default status 500).
	KindInternal
)

// Error is a typed gateway error with a stable code and structured context.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Status  int // 0 means "use the kind default"
	Data    map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus resolves the status to serve: an explicit status wins, then
// api.404 maps to 404, then internal errors map to 500, everything else 400.
func (e *Error) HTTPStatus() int {
	switch {
	case e.Status != 0:
		return e.Status
	case e.Code == "api.404":
		return http.StatusNotFound
	case e.Kind == KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// UserVisible reports whether the error is an expected fail that should not
// count as an error in analytics.
func (e *Error) UserVisible() bool { return e.Kind == KindFail }

// RateLimited reports whether the error is an upstream rate-limit signal.
func (e *Error) RateLimited() bool {
	return strings.HasSuffix(e.Code, ".rate_limited")
}

// AuthFailure reports whether the error invalidates upstream credentials.
func (e *Error) AuthFailure() bool {
	return e.Code == "hytale.auth_failure"
}

// messages is the per-code human message table. A code absent from the table
// falls back to the code itself; Data["message"] overrides either.
var messages = map[string]string{
	"api.404":           "Invalid API route",
	"api.unknown_error": "An unknown error occurred",

	"minecraft.invalid_username": "Invalid Minecraft username",
	"minecraft.api_failure":      "The Mojang API failed to respond",
	"minecraft.rate_limited":     "The Mojang API is rate limiting requests",
	"minecraft.non_json":         "The Mojang API returned a non-JSON response",

	"steam.invalid_id":   "Invalid Steam ID or vanity name",
	"steam.api_failure":  "The Steam API failed to respond",
	"steam.rate_limited": "The Steam API is rate limiting requests",
	"steam.non_json":     "The Steam API returned a non-JSON response",

	"xbox.not_found":         "Xbox player not found",
	"xbox.api_failure":       "The Xbox API failed to respond",
	"xbox.rate_limited":      "The Xbox API is rate limiting requests",
	"xbox.non_json":          "The Xbox API returned a non-JSON response",
	"xbox.bad_response":      "The Xbox API returned an unexpected response",
	"xbox.bad_response_code": "The Xbox API returned an unexpected response code",

	"hytale.not_found":               "Hytale player not found",
	"hytale.invalid_identifier":      "Invalid Hytale username or UUID",
	"hytale.api_failure":             "The Hytale API failed to respond",
	"hytale.rate_limited":            "The Hytale API is rate limiting requests",
	"hytale.non_json":                "The Hytale API returned a non-JSON response",
	"hytale.auth_failure":            "Hytale authentication failed",
	"hytale.no_refresh_token":        "No Hytale refresh token is configured",
	"hytale.no_profiles":             "The Hytale account has no game profiles",
	"hytale.session_creation_failed": "Failed to create a Hytale game session",
}

// messageFor resolves the human message for code, honoring a Data override.
func messageFor(code string, data map[string]any) string {
	if data != nil {
		if m, ok := data["message"].(string); ok && m != "" {
			return m
		}
	}
	if m, ok := messages[code]; ok {
		return m
	}
	return code
}

func build(kind Kind, code string, data map[string]any) *Error {
	e := &Error{
		Kind:    kind,
		Code:    code,
		Message: messageFor(code, data),
		Data:    data,
	}
	if e.RateLimited() {
		e.Status = http.StatusTooManyRequests
	}
	return e
}

// Fail constructs an expected, user-visible failure.
func Fail(code string, data ...map[string]any) *Error {
	return build(KindFail, code, first(data))
}

// Internal constructs an unexpected or infrastructure error.
func Internal(code string, data ...map[string]any) *Error {
	return build(KindInternal, code, first(data))
}

// WithStatus returns a copy of e with an explicit HTTP status.
func (e *Error) WithStatus(status int) *Error {
	cp := *e
	cp.Status = status
	return &cp
}

func first(data []map[string]any) map[string]any {
	if len(data) > 0 {
		return data[0]
	}
	return nil
}

// As unwraps err into an *Error, or nil when err is not one.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code string) bool {
	e := As(err)
	return e != nil && e.Code == code
}

// Unknown wraps an unclassified error as api.unknown_error, discarding the
// original message unless debug is set.
func Unknown(err error, debug bool) *Error {
	data := map[string]any{}
	if debug && err != nil {
		data["message"] = err.Error()
	}
	return build(KindInternal, "api.unknown_error", data)
}
