/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package gwerr carries the pipeline's error taxonomy: every stage returns
// one of these typed errors rather than a bare string, so the top-level
// handler can map it to the externally surfaced HTTP status in one place
// instead of re-deriving it at each call site.
package gwerr

import "fmt"

// Kind is the class of error a pipeline stage can fail with.
type Kind int

const (
	KindValidation Kind = iota
	KindAuth
	KindForbidden
	KindNotFound
	KindConflict
	KindUpstream
	KindInternal
)

// Status returns the HTTP status code associated with k.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return 400
	case KindAuth:
		return 401
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindUpstream:
		return 502
	default:
		return 500
	}
}

// Error is a pipeline error carrying an HTTP status and a message safe to
// show to the caller. Code is a stable operator-facing identifier logged
// alongside internal errors, never shown to the caller.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error // underlying cause, logged but not exposed
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status to send the caller for e.
func (e *Error) Status() int { return e.Kind.Status() }

func newf(k Kind, code, format string, args ...any) *Error {
	return &Error{Kind: k, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation reports a 400: bad input from the caller (missing mandatory
// parameter, invalid file, malformed body).
func Validation(format string, args ...any) *Error {
	return newf(KindValidation, "validation", format, args...)
}

// Auth reports a 401: missing, expired or invalid bearer token or API key.
func Auth(format string, args ...any) *Error {
	return newf(KindAuth, "auth", format, args...)
}

// Forbidden reports a 403: authenticated but missing required scopes/roles.
func Forbidden(format string, args ...any) *Error {
	return newf(KindForbidden, "forbidden", format, args...)
}

// NotFound reports a 404: no route matched the request.
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, "not_found", format, args...)
}

// Conflict reports a 409: refuse to overwrite an existing file.
func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, "conflict", format, args...)
}

// Upstream reports a 502: the proxied target was unreachable or timed out.
func Upstream(cause error, format string, args ...any) *Error {
	e := newf(KindUpstream, "upstream", format, args...)
	e.Err = cause
	return e
}

// Internal reports a 500: a configuration defect or unexpected failure.
// cause is logged by the caller but never shown to the client; code is the
// stable identifier surfaced instead of the raw error text.
func Internal(code string, cause error, format string, args ...any) *Error {
	e := newf(KindInternal, code, format, args...)
	e.Err = cause
	return e
}

// DBStatus maps a postgres-style "50XXX" SQLSTATE to the HTTP status whose
// XXX portion it names, per spec.md's DB-exception error-handling rule.
// Returns 0 when sqlstate isn't in that convention.
func DBStatus(sqlstate string) int {
	if len(sqlstate) != 5 || sqlstate[0:2] != "50" {
		return 0
	}
	n := 0
	for _, c := range sqlstate[2:] {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	if n < 100 || n > 599 {
		return 0
	}
	return n
}
