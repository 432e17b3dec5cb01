package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dialer-platform/internal/calls"
	"dialer-platform/internal/classifier"
	"dialer-platform/internal/config"
)

func TestHTTPClient_CreateAgentSendsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer, got %q", r.Header.Get("Authorization"))
		}
		if r.Method != http.MethodPost || r.URL.Path != "/agents" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var cfg AgentConfig
		_ = json.NewDecoder(r.Body).Decode(&cfg)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Agent{ID: "ag_1", Name: cfg.Name, Config: cfg.Config})
	}))
	defer srv.Close()

	c, err := NewHTTPClient("vapi", srv.URL+"/", "secret", time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	a, err := c.CreateAgent(context.Background(), AgentConfig{Name: "sales", Config: json.RawMessage(`{"voice":"x"}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.ID != "ag_1" || a.Name != "sales" || string(a.Config) != `{"voice":"x"}` {
		t.Fatalf("unexpected agent %+v", a)
	}
}

func TestHTTPClient_Non2xxIsClassifiable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"concurrency limit reached"}`))
	}))
	defer srv.Close()

	f := NewHTTPFactory(config.ProviderConfig{BaseURLs: map[string]string{"vapi": srv.URL}, Timeout: time.Second})
	c, err := f.Client("vapi", "k")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	err = c.HealthCheck(context.Background())

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 429 {
		t.Fatalf("expected APIError 429, got %v", err)
	}
	if !classifier.IsRecoverable(err) {
		t.Fatalf("expected 429 to be recoverable")
	}

	if _, err := f.Client("bland", "k"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}

func TestMemoryClient_AccountsAreIsolated(t *testing.T) {
	f := NewMemoryFactory()
	ctx := context.Background()
	a, _ := f.Client("vapi", "key-a")
	b, _ := f.Client("vapi", "key-b")

	ag, err := a.CreateAgent(ctx, AgentConfig{Name: "one"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := b.GetAgent(ctx, ag.ID); !IsNotFound(err) {
		t.Fatalf("expected not found on other account, got %v", err)
	}
	if err := a.DeleteAgent(ctx, ag.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	acct := f.Account("vapi", "key-a")
	acct.Fail = func(op, arg string) error {
		if op == "ImportNumber" {
			return &APIError{Provider: "vapi", StatusCode: 503, Body: "capacity exceeded"}
		}
		return nil
	}
	if _, err := a.ImportNumber(ctx, ImportNumberRequest{Number: "+15550001"}); err == nil {
		t.Fatalf("expected injected failure")
	}
	calls := acct.Calls()
	if len(calls) != 3 || calls[2] != "ImportNumber" {
		t.Fatalf("unexpected call log %v", calls)
	}
}

func TestProber_UsesFactoryHealthCheck(t *testing.T) {
	f := NewMemoryFactory()
	f.Account("vapi", "bad").Fail = func(op, arg string) error { return errors.New("401 unauthorized") }

	probe := Prober(f, time.Second)
	if err := probe(context.Background(), "vapi", "good"); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	if err := probe(context.Background(), "vapi", "bad"); err == nil {
		t.Fatalf("expected failure")
	}
}

func TestParseStatusCallback_Form(t *testing.T) {
	body := strings.NewReader("CallSid=CA123&CallStatus=completed&CallDuration=61&From=%2B15551234567&To=%2B15557654321")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/calls/twilio/completed?user_id=u1&credential_id=cred-a", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c, err := ParseStatusCallback(r, "Twilio", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Engine != "twilio" || c.CallID != "CA123" || c.UserID != "u1" || c.CredentialID != "cred-a" {
		t.Fatalf("unexpected completion %+v", c)
	}
	if c.Status != calls.CallStatusCompleted || c.DurationSeconds != 61 {
		t.Fatalf("unexpected status/duration %s %d", c.Status, c.DurationSeconds)
	}
	if c.From != "+15551234567" {
		t.Fatalf("unexpected from %q", c.From)
	}
}

func TestParseStatusCallback_JSON(t *testing.T) {
	body := strings.NewReader(`{"call_id":"c-9","status":"ended","duration":12.6,"user_id":"u2","ended_at":"2024-01-02T03:04:05Z"}`)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/calls/vapi/completed", body)
	r.Header.Set("Content-Type", "application/json; charset=utf-8")

	c, err := ParseStatusCallback(r, "vapi", time.Now())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.CallID != "c-9" || c.UserID != "u2" || c.DurationSeconds != 13 || c.Status != calls.CallStatusCompleted {
		t.Fatalf("unexpected completion %+v", c)
	}
	if !c.EndedAt.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected ended_at %v", c.EndedAt)
	}

	missing := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"status":"completed"}`))
	missing.Header.Set("Content-Type", "application/json")
	if _, err := ParseStatusCallback(missing, "vapi", time.Now()); !errors.Is(err, calls.ErrInvalidCompletion) {
		t.Fatalf("expected invalid completion, got %v", err)
	}
}
