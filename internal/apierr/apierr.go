// Package apierr implements AEGATE's error taxonomy (spec §7) as RFC 7807
// Problem Details, following pkg/api/apierror.go's response shape.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Code is one of the stable reason strings spec §7 requires on every denial,
// used both in the HTTP Problem Detail and in the matching audit record.
type Code string

const (
	Unauthenticated Code = "UNAUTHENTICATED"
	NotTrusted      Code = "NOT_TRUSTED"
	Forbidden       Code = "FORBIDDEN"
	UnknownSubject  Code = "UNKNOWN_SUBJECT"
	NotAuthorized   Code = "NOT_AUTHORIZED"
	BadSignature    Code = "BAD_SIGNATURE"
	BadRequest      Code = "BAD_REQUEST"
	SubjectMismatch Code = "SUBJECT_MISMATCH"
	Conflict        Code = "CONFLICT"
	Internal        Code = "INTERNAL"
)

// httpStatus maps each Code to its stable HTTP status, per spec §7.
var httpStatus = map[Code]int{
	Unauthenticated: http.StatusUnauthorized,
	NotTrusted:      http.StatusUnauthorized,
	Forbidden:       http.StatusForbidden,
	UnknownSubject:  http.StatusForbidden,
	NotAuthorized:   http.StatusForbidden,
	BadSignature:    http.StatusUnauthorized,
	BadRequest:      http.StatusBadRequest,
	SubjectMismatch: http.StatusForbidden,
	Conflict:        http.StatusConflict,
	Internal:        http.StatusInternalServerError,
}

// Status returns the HTTP status code for a Code.
func (c Code) Status() int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is AEGATE's typed pipeline error: a stable Code plus a human-readable
// detail and, for policy denials, a more specific reason (e.g. "unknown_subject"
// vs "not_authorized" both map to Forbidden but are distinct audit reasons).
type Error struct {
	Code   Code
	Reason string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return e.Reason
}

// New builds an Error whose Reason defaults to the Code's string form.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Reason: string(code), Detail: detail}
}

// Newf is New with a formatted detail.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithReason overrides the audit reason string while keeping the HTTP Code,
// e.g. New(Forbidden, ...).WithReason("unknown_subject").
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// ProblemDetail implements RFC 7807 for AEGATE's HTTP responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// Write serializes err as an RFC 7807 Problem Detail onto w. If err is not
// an *Error, it is treated as Internal and its message is never leaked to
// the caller (spec §7: "never exposes internals to caller").
func Write(w http.ResponseWriter, r *http.Request, err error) {
	aerr, ok := err.(*Error)
	if !ok {
		aerr = New(Internal, "an unexpected error occurred")
	}

	detail := aerr.Detail
	if aerr.Code == Internal {
		detail = "an unexpected error occurred"
	}

	problem := ProblemDetail{
		Type:     fmt.Sprintf("https://aegate.mindburnlabs.io/errors/%s", aerr.Reason),
		Title:    string(aerr.Code),
		Status:   aerr.Code.Status(),
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}
