// Package classifier normalizes provider failures into a closed set of kinds
// so callers can decide between migrating, retrying later, or surfacing.
package classifier

import (
	"context"
	"errors"
	"strings"
)

// Kind is the normalized failure category.
type Kind string

const (
	KindNone        Kind = "none"
	KindConcurrency Kind = "concurrency"
	KindAuth        Kind = "auth"
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindTimeout     Kind = "timeout"
	KindProvider    Kind = "provider"
)

// Result is the classification of a single failure.
type Result struct {
	Kind       Kind   `json:"kind"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message,omitempty"`

	// IsConcurrencyError is true when the status or text looks like a
	// capacity/rate ceiling, even if a denylisted signal decided Kind.
	IsConcurrencyError bool `json:"is_concurrency_error"`
}

// IsRecoverable is true only for concurrency failures that no denylisted
// signal vetoed. Those are the failures a migration can fix.
func (r Result) IsRecoverable() bool {
	return r.Kind == KindConcurrency
}

// Fields is the raw shape used when the caller has the pieces of a provider
// response rather than an error value.
type Fields struct {
	StatusCode int
	Message    string
	Body       string
}

type statusCoder interface{ HTTPStatus() int }

type bodyCarrier interface{ ResponseBody() string }

var concurrencyStatus = map[int]struct{}{
	429: {},
	503: {},
	509: {},
}

var concurrencyPatterns = []string{
	"concurrency",
	"concurrent",
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"capacity exceeded",
	"quota exceeded",
	"max connections",
	"maximum connections",
	"resource exhausted",
	"resource_exhausted",
	"limit reached",
}

var deniedStatus = map[int]Kind{
	401: KindAuth,
	403: KindAuth,
	404: KindNotFound,
	422: KindValidation,
}

type denyPattern struct {
	text string
	kind Kind
}

var denyPatterns = []denyPattern{
	{"invalid api key", KindAuth},
	{"invalid_api_key", KindAuth},
	{"unauthorized", KindAuth},
	{"forbidden", KindAuth},
	{"authentication failed", KindAuth},
	{"validation error", KindValidation},
	{"invalid request", KindValidation},
	{"not found", KindNotFound},
}

// Classify inspects err, including wrapped errors exposing HTTPStatus() or
// ResponseBody(), and returns its normalized result. A nil error is KindNone.
func Classify(err error) Result {
	if err == nil {
		return Result{Kind: KindNone}
	}

	f := Fields{Message: err.Error()}
	var sc statusCoder
	if errors.As(err, &sc) {
		f.StatusCode = sc.HTTPStatus()
	}
	var bc bodyCarrier
	if errors.As(err, &bc) {
		f.Body = bc.ResponseBody()
	}

	r := ClassifyFields(f)
	if r.Kind == KindProvider && errors.Is(err, context.DeadlineExceeded) {
		r.Kind = KindTimeout
	}
	return r
}

// ClassifyMessage classifies a bare message string.
func ClassifyMessage(msg string) Result {
	return ClassifyFields(Fields{Message: msg})
}

// ClassifyFields classifies a decomposed provider response.
func ClassifyFields(f Fields) Result {
	r := Result{StatusCode: f.StatusCode, Message: f.Message}
	if r.Message == "" {
		r.Message = f.Body
	}
	if f.StatusCode == 0 && f.Message == "" && f.Body == "" {
		r.Kind = KindNone
		return r
	}

	text := strings.ToLower(f.Message + "\n" + f.Body)
	r.IsConcurrencyError = isConcurrency(f.StatusCode, text)

	if k, denied := denied(f.StatusCode, text); denied {
		r.Kind = k
		return r
	}
	if r.IsConcurrencyError {
		r.Kind = KindConcurrency
		return r
	}
	r.Kind = KindProvider
	return r
}

// IsConcurrencyError is shorthand for Classify(err).IsConcurrencyError.
func IsConcurrencyError(err error) bool {
	return Classify(err).IsConcurrencyError
}

// IsRecoverable is shorthand for Classify(err).IsRecoverable().
func IsRecoverable(err error) bool {
	return Classify(err).IsRecoverable()
}

func isConcurrency(status int, lowered string) bool {
	if _, ok := concurrencyStatus[status]; ok {
		return true
	}
	for _, p := range concurrencyPatterns {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

func denied(status int, lowered string) (Kind, bool) {
	if k, ok := deniedStatus[status]; ok {
		return k, true
	}
	for _, p := range denyPatterns {
		if strings.Contains(lowered, p.text) {
			return p.kind, true
		}
	}
	return "", false
}
