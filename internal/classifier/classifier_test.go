package classifier

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type httpErr struct {
	status int
	body   string
}

func (e *httpErr) Error() string { return fmt.Sprintf("provider returned %d", e.status) }
func (e *httpErr) HTTPStatus() int { return e.status }
func (e *httpErr) ResponseBody() string { return e.body }

func TestClassify_ConcurrencySignals(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"429", &httpErr{status: 429}},
		{"503", &httpErr{status: 503}},
		{"509", &httpErr{status: 509}},
		{"message", errors.New("Concurrent call limit reached")},
		{"rate limit", errors.New("Rate Limit hit for org")},
		{"quota", errors.New("monthly QUOTA EXCEEDED")},
		{"body only", &httpErr{status: 400, body: `{"error":"max connections in use"}`}},
		{"wrapped", fmt.Errorf("create agent: %w", &httpErr{status: 429})},
		{"resource exhausted", errors.New("rpc error: RESOURCE_EXHAUSTED")},
	}
	for _, tc := range cases {
		r := Classify(tc.err)
		if !r.IsConcurrencyError {
			t.Fatalf("%s: expected concurrency, got %+v", tc.name, r)
		}
		if !r.IsRecoverable() {
			t.Fatalf("%s: expected recoverable", tc.name)
		}
	}
}

func TestClassify_StatusOnlyFields(t *testing.T) {
	r := ClassifyFields(Fields{StatusCode: 429})
	if !r.IsConcurrencyError || r.StatusCode != 429 {
		t.Fatalf("unexpected result %+v", r)
	}
	if !ClassifyMessage("Concurrent call limit reached").IsConcurrencyError {
		t.Fatalf("expected message to classify as concurrency")
	}
}

func TestClassify_DenylistWins(t *testing.T) {
	r := ClassifyFields(Fields{StatusCode: 401, Message: "invalid api key"})
	if r.IsRecoverable() {
		t.Fatalf("expected 401 to be non-recoverable")
	}
	if r.Kind != KindAuth {
		t.Fatalf("expected auth kind, got %s", r.Kind)
	}

	// Concurrency wording does not rescue a denylisted status.
	r = ClassifyFields(Fields{StatusCode: 403, Message: "too many requests for this key"})
	if !r.IsConcurrencyError {
		t.Fatalf("expected concurrency flag to be reported")
	}
	if r.IsRecoverable() {
		t.Fatalf("expected denylist to veto recovery")
	}

	if k := ClassifyFields(Fields{StatusCode: 422}).Kind; k != KindValidation {
		t.Fatalf("expected validation, got %s", k)
	}
	if k := ClassifyMessage("agent not found").Kind; k != KindNotFound {
		t.Fatalf("expected not_found, got %s", k)
	}
	if IsRecoverable(errors.New("Validation Error: name required")) {
		t.Fatalf("expected validation error to be non-recoverable")
	}
}

func TestClassify_Other(t *testing.T) {
	if r := Classify(nil); r.Kind != KindNone || r.IsRecoverable() {
		t.Fatalf("unexpected nil classification %+v", r)
	}
	r := Classify(&httpErr{status: 500, body: "internal"})
	if r.Kind != KindProvider || r.IsRecoverable() {
		t.Fatalf("expected generic provider error, got %+v", r)
	}
	r = Classify(fmt.Errorf("probe: %w", context.DeadlineExceeded))
	if r.Kind != KindTimeout {
		t.Fatalf("expected timeout, got %s", r.Kind)
	}
	if IsConcurrencyError(errors.New("connection reset by peer")) {
		t.Fatalf("network error must not look like concurrency")
	}
}
