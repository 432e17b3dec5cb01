package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"dialer-platform/internal/audit"
	"dialer-platform/internal/auth"
	"dialer-platform/internal/billing"
	"dialer-platform/internal/bindings"
	"dialer-platform/internal/calls"
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/migration"
	"dialer-platform/internal/payments"
	"dialer-platform/internal/pool"
	"dialer-platform/internal/pricing"
	"dialer-platform/internal/reporting"
	"dialer-platform/internal/retry"
	"dialer-platform/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const (
	webhookSecret  = "whsec-test"
	callbackSecret = "cbsec-test"
)

type apiFixture struct {
	router   *gin.Engine
	pool     *pool.Manager
	bindings *bindings.MemoryStore
	clients  *telephony.MemoryFactory
	ledger   *ledger.Service
	campaign *retry.MemoryStore
	audit    *audit.MemoryRepo
}

// testIdentity trusts X-Test-User / X-Test-Role in place of a token.
func testIdentity(c *gin.Context) {
	if uid := c.GetHeader("X-Test-User"); uid != "" {
		ctx := auth.WithIdentity(c.Request.Context(), uid, c.GetHeader("X-Test-Role"))
		c.Request = c.Request.WithContext(ctx)
	}
	c.Next()
}

func newAPIFixture(t *testing.T, creds ...pool.Credential) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &apiFixture{
		bindings: bindings.NewMemoryStore(),
		clients:  telephony.NewMemoryFactory(),
		campaign: retry.NewMemoryStore(),
		audit:    audit.NewMemoryRepo(),
	}
	f.pool = pool.NewManager(pool.NewMemoryStore(creds...), nil, pool.Options{})
	ledgerStore := ledger.NewMemoryStore()
	f.ledger = ledger.NewService(ledgerStore, nil)

	engine := migration.NewEngine(f.pool, f.bindings, f.clients, migration.NewMemoryJournal(), migration.EngineOptions{
		WebhookURL:      "https://hooks.example.com/webhooks/calls/vapi/completed",
		WebhookSecret:   callbackSecret,
		ProviderTimeout: time.Second,
	})
	rates := pricing.NewMemoryRepo(pricing.Rate{
		ID:                      "r1",
		Engine:                  pricing.AnyEngine,
		CreditsPerMinute:        decimal.NewFromInt(2),
		BillingIncrementSeconds: 60,
		EffectiveFrom:           time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:                  pricing.StatusActive,
	})

	h := Handlers{
		Pool:      f.pool,
		Bindings:  f.bindings,
		Migration: engine,
		Retry:     retry.NewScheduler(f.campaign, f.pool, f.bindings, engine, retry.Options{}),
		Ledger:    f.ledger,
		Billing:   billing.NewSettler(pricing.NewService(rates), f.ledger, f.pool, nil),
		Payments:  payments.NewService(f.ledger, payments.Options{WebhookSecret: webhookSecret}),
		Audit:     audit.NewService(f.audit, nil),
		Reports:   reporting.NewService(ledgerStore),

		CallbackSecret: callbackSecret,
	}
	f.router = gin.New()
	h.Register(f.router, testIdentity)
	return f
}

func cred(id string, max, load int) pool.Credential {
	return pool.Credential{ID: id, Provider: "vapi", APIKey: "key-" + id, Tier: "standard", MaxConcurrency: max, CurrentLoad: load, IsActive: true}
}

func (f *apiFixture) do(t *testing.T, method, path, user, role, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
		req.Header.Set("X-Test-Role", role)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	if _, err := f.ledger.Credit(context.Background(), userID, decimal.NewFromInt(amount), "seed:"+userID, "seed"); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func sign(body string) string {
	m := hmac.New(sha256.New, []byte(webhookSecret))
	m.Write([]byte(body))
	return hex.EncodeToString(m.Sum(nil))
}

func TestHealthzAndAuthRequired(t *testing.T) {
	f := newAPIFixture(t)
	if w := f.do(t, http.MethodGet, "/healthz", "", "", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v1/me", "", "", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/v1/auth/login", "", "", `{"user_id":"u1","role":"user"}`, nil); w.Code != http.StatusNotFound {
		t.Fatalf("dev login must be off by default, got %d", w.Code)
	}
}

func TestAdminRoutesRequireRole(t *testing.T) {
	f := newAPIFixture(t, cred("a", 2, 0))
	if w := f.do(t, http.MethodGet, "/v1/admin/pool/stats", "u1", "user", "", nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for plain user, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v1/admin/pool/stats", "op", "pool_operator", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for operator, got %d: %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodGet, "/v1/admin/credits/u1/balance", "op", "pool_operator", "", nil); w.Code != http.StatusForbidden {
		t.Fatalf("operator must not read balances, got %d", w.Code)
	}
}

func TestReserveCallSlot(t *testing.T) {
	f := newAPIFixture(t, cred("a", 1, 0))

	if w := f.do(t, http.MethodPost, "/v1/calls/slot", "u1", "user", "", nil); w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 without credits, got %d", w.Code)
	}

	f.fund(t, "u1", 5)
	w := f.do(t, http.MethodPost, "/v1/calls/slot", "u1", "user", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reserve: %d %s", w.Code, w.Body.String())
	}
	var slot slotResponse
	decode(t, w, &slot)
	if slot.CredentialID != "a" || slot.CurrentLoad != 1 {
		t.Fatalf("unexpected slot %+v", slot)
	}

	if w := f.do(t, http.MethodPost, "/v1/calls/slot", "u1", "user", "", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 when pool is full, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/v1/calls/slot", "u1", "user", "", map[string]string{"X-Estimated-Credits": "9"}); w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 below estimate, got %d", w.Code)
	}
}

func TestReleaseSlotWithCallIDIsOnce(t *testing.T) {
	f := newAPIFixture(t, cred("a", 2, 2))
	body := `{"credential_id":"a","call_id":"call-1"}`
	for i, want := range []bool{true, false} {
		w := f.do(t, http.MethodPost, "/v1/admin/pool/release", "op", "pool_operator", body, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("release %d: %d %s", i, w.Code, w.Body.String())
		}
		var out struct {
			Released bool `json:"released"`
		}
		decode(t, w, &out)
		if out.Released != want {
			t.Fatalf("release %d: released=%v", i, out.Released)
		}
	}
	got, _ := f.pool.Get(context.Background(), "a")
	if got.CurrentLoad != 1 {
		t.Fatalf("expected load 1, got %d", got.CurrentLoad)
	}
}

func TestAddCredentialIsAudited(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/v1/admin/pool/credentials", "owner1", "owner",
		`{"id":"c9","provider":"vapi","api_key":"k","tier":"standard","max_concurrency":3}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("add credential: %d %s", w.Code, w.Body.String())
	}
	events := f.audit.Events()
	if len(events) != 1 || events[0].Type != audit.EventTypeCredentialChange || events[0].CredentialID != "c9" || events[0].ActorUserID != "owner1" {
		t.Fatalf("unexpected audit trail %+v", events)
	}

	w = f.do(t, http.MethodPost, "/v1/admin/pool/credentials", "owner1", "owner", `{"id":"c10","provider":"vapi","api_key":"k","max_concurrency":0}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero capacity, got %d", w.Code)
	}
}

func TestMigrateUserDryRun(t *testing.T) {
	f := newAPIFixture(t, cred("a", 1, 1), cred("b", 5, 0))
	remote := f.clients.Account("vapi", "key-a").AddAgent(telephony.Agent{Name: "sales", Config: json.RawMessage(`{}`)})
	if _, err := f.bindings.Create(context.Background(), bindings.Binding{
		LocalID: "ag1", Kind: bindings.KindAgent, UserID: "u1", CredentialID: "a", ExternalID: remote.ID, Name: "sales",
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	w := f.do(t, http.MethodPost, "/v1/admin/users/u1/migrate", "owner1", "owner", `{"to_credential_id":"b","dry_run":true}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dry run: %d %s", w.Code, w.Body.String())
	}
	var res migration.Result
	decode(t, w, &res)
	if !res.DryRun || res.FromCredentialID != "a" || len(res.Planned) != 1 {
		t.Fatalf("unexpected dry run %+v", res)
	}
	if len(f.audit.Events()) != 0 {
		t.Fatalf("dry run must not be audited")
	}

	w = f.do(t, http.MethodPost, "/v1/admin/users/u1/migrate", "owner1", "owner", `{"to_credential_id":"a"}`, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for same credential, got %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/v1/admin/users/nobody/auto-migrate", "owner1", "owner", "", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without resources, got %d", w.Code)
	}
}

func TestReportBlockedCampaign(t *testing.T) {
	f := newAPIFixture(t, cred("a", 1, 1))
	f.campaign.Put(retry.Campaign{ID: "c1", UserID: "u1", AgentID: "ag1", Status: retry.StatusProcessing})

	w := f.do(t, http.MethodPost, "/v1/admin/campaigns/c1/blocked", "owner1", "owner", `{"status_code":401,"error":"invalid api key"}`, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for auth failure, got %d %s", w.Code, w.Body.String())
	}
	if c, _ := f.campaign.Get(context.Background(), "c1"); c.RetryCount != 0 {
		t.Fatalf("non-recoverable error must not be queued: %+v", c)
	}

	w = f.do(t, http.MethodPost, "/v1/admin/campaigns/c1/blocked", "owner1", "owner", `{"status_code":429,"error":"concurrency limit reached"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	c, _ := f.campaign.Get(context.Background(), "c1")
	if c.RetryCount != 1 || c.NextRetryAt == nil {
		t.Fatalf("expected queued campaign, got %+v", c)
	}

	w = f.do(t, http.MethodPost, "/v1/admin/campaigns/missing/blocked", "owner1", "owner", `{"status_code":429,"error":"concurrency limit reached"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCallCompletedChargesOnce(t *testing.T) {
	f := newAPIFixture(t, cred("a", 2, 1))
	f.fund(t, "u1", 10)

	body := `{"call_id":"call-9","status":"completed","duration":90}`
	path := completionPath("u1", "a", calls.SignCallback(callbackSecret, "u1", "a"))
	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodPost, path, "", "", body, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: %d %s", i, w.Code, w.Body.String())
		}
	}

	bal, _ := f.ledger.Balance(context.Background(), "u1")
	// 90s billed in 60s increments is 2 minutes at 2 credits.
	if !bal.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected balance 6, got %s", bal)
	}
	got, _ := f.pool.Get(context.Background(), "a")
	if got.CurrentLoad != 0 {
		t.Fatalf("expected slot released once, load %d", got.CurrentLoad)
	}

	if w := f.do(t, http.MethodPost, "/webhooks/calls/vapi/completed", "", "", `{"status":"completed"}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing call id, got %d", w.Code)
	}
}

func completionPath(userID, credentialID, sig string) string {
	q := url.Values{"user_id": {userID}, "credential_id": {credentialID}}
	if sig != "" {
		q.Set(calls.SignatureParam, sig)
	}
	return "/webhooks/calls/vapi/completed?" + q.Encode()
}

func TestCallCompletedRejectsUnsignedCallbacks(t *testing.T) {
	f := newAPIFixture(t, cred("a", 2, 1))
	f.fund(t, "u1", 10)
	body := `{"call_id":"call-forged","status":"completed","duration":600}`

	cases := map[string]string{
		"missing":       completionPath("u1", "a", ""),
		"garbage":       completionPath("u1", "a", "deadbeef"),
		"other user":    completionPath("u1", "a", calls.SignCallback(callbackSecret, "u2", "a")),
		"wrong secret":  completionPath("u1", "a", calls.SignCallback("nope", "u1", "a")),
		"other account": completionPath("u1", "a", calls.SignCallback(callbackSecret, "u1", "b")),
	}
	for name, path := range cases {
		if w := f.do(t, http.MethodPost, path, "", "", body, nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, w.Code)
		}
	}

	bal, _ := f.ledger.Balance(context.Background(), "u1")
	if !bal.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("forged callbacks must not charge, balance %s", bal)
	}
	got, _ := f.pool.Get(context.Background(), "a")
	if got.CurrentLoad != 1 {
		t.Fatalf("forged callbacks must not release slots, load %d", got.CurrentLoad)
	}
}

func TestPaymentRefundWebhook(t *testing.T) {
	f := newAPIFixture(t)
	f.fund(t, "u1", 10)

	body := `{"refund_id":"rf_1","transaction_id":"tx_1","user_id":"u1","amount_minor":400}`
	if w := f.do(t, http.MethodPost, "/webhooks/payments/stripe/refund", "", "", body, map[string]string{"X-Signature": "bad"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", w.Code)
	}

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodPost, "/webhooks/payments/stripe/refund", "", "", body, map[string]string{"X-Signature": sign(body)})
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: %d %s", i, w.Code, w.Body.String())
		}
	}
	bal, _ := f.ledger.Balance(context.Background(), "u1")
	if !bal.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected balance 6, got %s", bal)
	}
	if n := len(f.audit.Events()); n != 1 {
		t.Fatalf("expected one audit event, got %d", n)
	}
}

func TestManualCreditIdempotent(t *testing.T) {
	f := newAPIFixture(t)
	body := `{"amount":"25","reference":"promo-1","reason":"goodwill"}`
	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodPost, "/v1/admin/credits/u1/credit", "fin", "finance", body, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("credit %d: %d %s", i, w.Code, w.Body.String())
		}
	}
	w := f.do(t, http.MethodGet, "/v1/credits/balance", "u1", "user", "", nil)
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	decode(t, w, &out)
	if !out.Balance.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected 25, got %s", out.Balance)
	}
	if w := f.do(t, http.MethodPost, "/v1/admin/credits/u1/credit", "fin", "finance", `{"amount":"5","reference":"x"}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without reason, got %d", w.Code)
	}
}

func TestUsageSummary(t *testing.T) {
	f := newAPIFixture(t, cred("a", 2, 1))
	f.fund(t, "u1", 10)
	body := `{"call_id":"call-1","status":"completed","duration":30}`
	if w := f.do(t, http.MethodPost, "/webhooks/calls/vapi/completed?user_id=u1&credential_id=a", "", "", body, nil); w.Code != http.StatusOK {
		t.Fatalf("settle: %d %s", w.Code, w.Body.String())
	}

	w := f.do(t, http.MethodGet, "/v1/credits/usage", "u1", "user", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("usage: %d %s", w.Code, w.Body.String())
	}
	var out reporting.UsageSummary
	decode(t, w, &out)
	if out.BilledCalls != 1 || !out.Deducted.Equal(decimal.NewFromInt(2)) || !out.ByEngine["vapi"].Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected usage %+v", out)
	}

	if w := f.do(t, http.MethodGet, "/v1/credits/usage?from=yesterday", "u1", "user", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v1/admin/credits/u1/usage", "fin", "finance", "", nil); w.Code != http.StatusOK {
		t.Fatalf("finance usage: %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		ledger.ErrInsufficientFunds: http.StatusPaymentRequired,
		pool.ErrCapacityExhausted:   http.StatusConflict,
		retry.ErrRunInProgress:      http.StatusConflict,
		migration.ErrNoResources:    http.StatusUnprocessableEntity,
		pool.ErrCredentialNotFound:  http.StatusNotFound,
		payments.ErrBadSignature:    http.StatusUnauthorized,
		payments.ErrNotProcessed:    http.StatusAccepted,
		&telephony.APIError{}:       http.StatusBadGateway,
		context.DeadlineExceeded:    http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
