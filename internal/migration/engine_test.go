package migration

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"dialer-platform/internal/bindings"
	"dialer-platform/internal/calls"
	"dialer-platform/internal/classifier"
	"dialer-platform/internal/pool"
	"dialer-platform/internal/telephony"
)

type fixture struct {
	pool     *pool.Manager
	store    *pool.MemoryStore
	bindings *bindings.MemoryStore
	clients  *telephony.MemoryFactory
	journal  *MemoryJournal
	engine   *Engine
}

func newFixture(t *testing.T, creds ...pool.Credential) *fixture {
	t.Helper()
	f := &fixture{
		store:    pool.NewMemoryStore(creds...),
		bindings: bindings.NewMemoryStore(),
		clients:  telephony.NewMemoryFactory(),
		journal:  NewMemoryJournal(),
	}
	f.pool = pool.NewManager(f.store, nil, pool.Options{})
	f.engine = NewEngine(f.pool, f.bindings, f.clients, f.journal, EngineOptions{
		WebhookURL:      "https://hooks.example.com/webhooks/calls/vapi/completed",
		ProviderTimeout: time.Second,
	})
	return f
}

func credential(id string, max, load int) pool.Credential {
	return pool.Credential{ID: id, Provider: "vapi", APIKey: "key-" + id, Tier: "standard", MaxConcurrency: max, CurrentLoad: load, IsActive: true}
}

func (f *fixture) account(credID string) *telephony.MemoryClient {
	return f.clients.Account("vapi", "key-"+credID)
}

// addAgent creates the agent remotely under credID and binds it locally.
func (f *fixture) addAgent(t *testing.T, userID, credID, localID, name string) bindings.Binding {
	t.Helper()
	remote := f.account(credID).AddAgent(telephony.Agent{Name: name, Config: json.RawMessage(`{"prompt":"` + name + `"}`)})
	b, err := f.bindings.Create(context.Background(), bindings.Binding{
		LocalID: localID, Kind: bindings.KindAgent, UserID: userID, CredentialID: credID, ExternalID: remote.ID, Name: name,
	})
	if err != nil {
		t.Fatalf("bind agent: %v", err)
	}
	_ = f.pool.AdjustAssignments(context.Background(), credID, 1, 0)
	return b
}

func (f *fixture) addPhone(t *testing.T, userID, credID, localID, number, agentLocalID string) bindings.Binding {
	t.Helper()
	remote := f.account(credID).AddNumber(telephony.PhoneNumber{Number: number, WebhookURL: "https://old.example.com"})
	b, err := f.bindings.Create(context.Background(), bindings.Binding{
		LocalID: localID, Kind: bindings.KindPhone, UserID: userID, CredentialID: credID, ExternalID: remote.ID,
		Number: number, LinkedAgentID: agentLocalID,
	})
	if err != nil {
		t.Fatalf("bind phone: %v", err)
	}
	return b
}

func TestAutoMigrateUser_SaturatedSourceMovesEverythingToIdleTarget(t *testing.T) {
	f := newFixture(t, credential("a", 1, 1), credential("b", 5, 0))
	ctx := context.Background()
	f.addAgent(t, "u1", "a", "ag1", "sales")
	f.addPhone(t, "u1", "a", "ph1", "+15550001", "ag1")

	res, err := f.engine.AutoMigrateUser(ctx, "u1", "")
	if err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	if !res.Success || res.FromCredentialID != "a" || res.ToCredentialID != "b" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.MigratedAgents) != 1 || len(res.MigratedPhones) != 1 {
		t.Fatalf("expected 1 agent and 1 phone, got %d/%d", len(res.MigratedAgents), len(res.MigratedPhones))
	}

	agent, _ := f.bindings.Get(ctx, bindings.KindAgent, "ag1")
	phone, _ := f.bindings.Get(ctx, bindings.KindPhone, "ph1")
	if agent.CredentialID != "b" || phone.CredentialID != "b" {
		t.Fatalf("bindings not repointed: agent=%s phone=%s", agent.CredentialID, phone.CredentialID)
	}

	if n := len(f.account("a").Agents()) + len(f.account("a").Numbers()); n != 0 {
		t.Fatalf("expected source account empty, %d resources left", n)
	}
	target := f.account("b")
	remoteAgent, ok := target.Agents()[agent.ExternalID]
	if !ok || string(remoteAgent.Config) != `{"prompt":"sales"}` {
		t.Fatalf("agent config not copied: %+v", remoteAgent)
	}
	remotePhone := target.Numbers()[phone.ExternalID]
	if remotePhone.AgentID != agent.ExternalID {
		t.Fatalf("number must route to the migrated agent, got %q want %q", remotePhone.AgentID, agent.ExternalID)
	}
	if !strings.Contains(remotePhone.WebhookURL, "user_id=u1") || !strings.Contains(remotePhone.WebhookURL, "credential_id=b") {
		t.Fatalf("unexpected webhook %q", remotePhone.WebhookURL)
	}

	if pref, _ := f.bindings.PreferredCredential(ctx, "u1"); pref != "b" {
		t.Fatalf("expected preferred credential b, got %q", pref)
	}
	a, _ := f.pool.Get(ctx, "a")
	b, _ := f.pool.Get(ctx, "b")
	if a.TotalAssignedAgents != 0 || b.TotalAssignedAgents != 1 {
		t.Fatalf("assignment counters not moved: a=%d b=%d", a.TotalAssignedAgents, b.TotalAssignedAgents)
	}

	att, err := f.journal.Get(ctx, res.AttemptID)
	if err != nil || att.Status != AttemptCompleted || att.FinishedAt == nil {
		t.Fatalf("expected completed attempt, got %+v err=%v", att, err)
	}
	for _, s := range att.Steps {
		if s.State != StateDone {
			t.Fatalf("expected all steps done, got %+v", s)
		}
	}
}

func TestWebhookFor_SignsUserAndCredential(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil, EngineOptions{
		WebhookURL:    "https://hooks.example.com/webhooks/calls/vapi/completed?v=2",
		WebhookSecret: "cbsec",
	})
	u, err := url.Parse(e.webhookFor("u1", "b"))
	if err != nil {
		t.Fatalf("parse webhook: %v", err)
	}
	q := u.Query()
	if q.Get("v") != "2" || q.Get("user_id") != "u1" || q.Get("credential_id") != "b" {
		t.Fatalf("unexpected query %q", u.RawQuery)
	}
	if q.Get(calls.SignatureParam) != calls.SignCallback("cbsec", "u1", "b") {
		t.Fatalf("missing or wrong signature in %q", u.RawQuery)
	}

	unsigned := NewEngine(nil, nil, nil, nil, EngineOptions{WebhookURL: "https://hooks.example.com/x"})
	if strings.Contains(unsigned.webhookFor("u1", "b"), calls.SignatureParam+"=") {
		t.Fatalf("no signature expected without a secret")
	}
}

func TestMigrateUserResources_FirstFailureStopsAndKeepsMovedResources(t *testing.T) {
	f := newFixture(t, credential("a", 2, 2), credential("b", 5, 0))
	ctx := context.Background()
	f.addAgent(t, "u1", "a", "ag1", "one")
	f.addAgent(t, "u1", "a", "ag2", "two")
	f.addAgent(t, "u1", "a", "ag3", "three")
	f.addPhone(t, "u1", "a", "ph1", "+15550001", "")

	f.account("b").Fail = func(op, arg string) error {
		if op == "CreateAgent" && arg == "two" {
			return &telephony.APIError{Provider: "vapi", Method: "POST", Path: "/agents", StatusCode: 429, Body: "too many requests"}
		}
		return nil
	}

	res, err := f.engine.MigrateUserResources(ctx, "u1", "a", "b", Options{})
	if err != nil {
		t.Fatalf("resource failure must not be a call error: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure")
	}
	if len(res.MigratedAgents) != 1 || res.MigratedAgents[0].LocalID != "ag1" {
		t.Fatalf("expected exactly ag1 migrated, got %+v", res.MigratedAgents)
	}
	if len(res.MigratedPhones) != 0 {
		t.Fatalf("phones must not be attempted after an agent failure")
	}
	if res.Failed == nil || res.Failed.LocalID != "ag2" || res.Failed.State != StateFailed {
		t.Fatalf("unexpected failed resource %+v", res.Failed)
	}
	if res.Failed.Cause == nil || res.Failed.Cause.Kind != classifier.KindConcurrency {
		t.Fatalf("expected concurrency cause, got %+v", res.Failed.Cause)
	}
	if !strings.Contains(res.Failed.Error, string(StateCreatingTarget)) {
		t.Fatalf("expected failing step in error, got %q", res.Failed.Error)
	}

	want := map[string]string{"ag1": "b", "ag2": "a", "ag3": "a"}
	for id, cred := range want {
		b, _ := f.bindings.Get(ctx, bindings.KindAgent, id)
		if b.CredentialID != cred {
			t.Fatalf("%s: expected on %s, got %s", id, cred, b.CredentialID)
		}
	}
	if pref, _ := f.bindings.PreferredCredential(ctx, "u1"); pref != "" {
		t.Fatalf("preferred credential must not change on failure, got %q", pref)
	}
	att, _ := f.journal.Get(ctx, res.AttemptID)
	if att.Status != AttemptPartial {
		t.Fatalf("expected partial attempt, got %s", att.Status)
	}
}

func TestMigrateUserResources_DryRunTouchesNothing(t *testing.T) {
	f := newFixture(t, credential("a", 1, 1), credential("b", 5, 0))
	ctx := context.Background()
	f.addAgent(t, "u1", "a", "ag1", "one")
	f.addPhone(t, "u1", "a", "ph1", "+15550001", "ag1")

	res, err := f.engine.MigrateUserResources(ctx, "u1", "a", "b", Options{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !res.DryRun || !res.Success || len(res.Planned) != 2 || res.AttemptID != "" {
		t.Fatalf("unexpected dry run result %+v", res)
	}
	if len(f.account("a").Calls())+len(f.account("b").Calls()) != 0 {
		t.Fatalf("dry run must not call providers")
	}
	if b, _ := f.bindings.Get(ctx, bindings.KindAgent, "ag1"); b.CredentialID != "a" {
		t.Fatalf("dry run must not repoint")
	}
}

func TestMigrateUserResources_SkipFlags(t *testing.T) {
	f := newFixture(t, credential("a", 1, 1), credential("b", 5, 0))
	ctx := context.Background()
	f.addAgent(t, "u1", "a", "ag1", "one")
	f.addPhone(t, "u1", "a", "ph1", "+15550001", "")

	res, err := f.engine.MigrateUserResources(ctx, "u1", "a", "b", Options{SkipPhones: true})
	if err != nil || !res.Success {
		t.Fatalf("expected success, got %+v err=%v", res, err)
	}
	if len(res.MigratedAgents) != 1 || len(res.MigratedPhones) != 0 {
		t.Fatalf("unexpected migrated lists %+v", res)
	}
	if b, _ := f.bindings.Get(ctx, bindings.KindPhone, "ph1"); b.CredentialID != "a" {
		t.Fatalf("phone must stay on source")
	}
}

func TestMigrateUserResources_Validation(t *testing.T) {
	off := credential("off", 5, 0)
	off.IsActive = false
	f := newFixture(t, credential("a", 1, 1), off)
	ctx := context.Background()

	if _, err := f.engine.MigrateUserResources(ctx, "u1", "a", "a", Options{}); !errors.Is(err, ErrSameCredential) {
		t.Fatalf("expected ErrSameCredential, got %v", err)
	}
	if _, err := f.engine.MigrateUserResources(ctx, "u1", "a", "off", Options{}); !errors.Is(err, pool.ErrCredentialInvalid) {
		t.Fatalf("expected ErrCredentialInvalid, got %v", err)
	}
	if _, err := f.engine.MigrateUserResources(ctx, "u1", "a", "missing", Options{}); !errors.Is(err, pool.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestMigrateUserResources_NothingOnSourceChangesNothing(t *testing.T) {
	f := newFixture(t, credential("a", 5, 0), credential("b", 5, 0), credential("c", 5, 0))
	ctx := context.Background()
	f.addAgent(t, "u1", "c", "ag1", "one")

	if _, err := f.engine.MigrateUserResources(ctx, "u1", "a", "b", Options{}); !errors.Is(err, ErrNoResources) {
		t.Fatalf("expected ErrNoResources, got %v", err)
	}
	if pref, _ := f.bindings.PreferredCredential(ctx, "u1"); pref != "" {
		t.Fatalf("preferred credential must be untouched, got %q", pref)
	}
	b, _ := f.pool.Get(ctx, "b")
	a, _ := f.pool.Get(ctx, "a")
	if b.TotalAssignedUsers != 0 || a.TotalAssignedUsers != 0 {
		t.Fatalf("user counters must not drift, a=%d b=%d", a.TotalAssignedUsers, b.TotalAssignedUsers)
	}
	if attempts, _ := f.engine.ListAttempts(ctx, "u1", 10); len(attempts) != 0 {
		t.Fatalf("no attempt should be journaled, got %d", len(attempts))
	}
	if _, err := f.engine.MigrateUserResources(ctx, "u1", "a", "b", Options{DryRun: true}); err != nil {
		t.Fatalf("dry run reports an empty plan: %v", err)
	}
}

func TestAutoMigrateUser_NoCapacity(t *testing.T) {
	f := newFixture(t, credential("a", 1, 1), credential("b", 2, 2))
	f.addAgent(t, "u1", "a", "ag1", "one")

	res, err := f.engine.AutoMigrateUser(context.Background(), "u1", "a")
	if err != nil {
		t.Fatalf("no capacity is not an error: %v", err)
	}
	if !res.NoCapacity || res.Success {
		t.Fatalf("expected NoCapacity, got %+v", res)
	}
	if len(f.account("a").Calls()) != 0 {
		t.Fatalf("nothing should be touched")
	}

	if _, err := f.engine.AutoMigrateUser(context.Background(), "nobody", ""); !errors.Is(err, ErrNoResources) {
		t.Fatalf("expected ErrNoResources, got %v", err)
	}
}

func TestMigrateAgent_SourceAlreadyGoneIsTolerated(t *testing.T) {
	f := newFixture(t, credential("a", 1, 1), credential("b", 5, 0))
	f.addAgent(t, "u1", "a", "ag1", "one")
	f.account("a").Fail = func(op, arg string) error {
		if op == "DeleteAgent" {
			return &telephony.APIError{Provider: "vapi", StatusCode: 404, Body: "not found"}
		}
		return nil
	}

	res, err := f.engine.MigrateUserResources(context.Background(), "u1", "a", "b", Options{})
	if err != nil || !res.Success {
		t.Fatalf("expected success, got %+v err=%v", res, err)
	}
}

func TestMigrateAgent_SourceDeleteFailureDiscardsTarget(t *testing.T) {
	f := newFixture(t, credential("a", 1, 1), credential("b", 5, 0))
	ctx := context.Background()
	f.addAgent(t, "u1", "a", "ag1", "one")
	f.account("a").Fail = func(op, arg string) error {
		if op == "DeleteAgent" {
			return &telephony.APIError{Provider: "vapi", StatusCode: 500, Body: "upstream error"}
		}
		return nil
	}

	res, err := f.engine.MigrateUserResources(ctx, "u1", "a", "b", Options{})
	if err != nil || res.Success || res.Failed == nil {
		t.Fatalf("expected resource failure, got %+v err=%v", res, err)
	}
	if res.Failed.OrphanedTarget || res.Failed.NewExternalID != "" {
		t.Fatalf("target copy should be discarded, got %+v", res.Failed)
	}
	if n := len(f.account("b").Agents()); n != 0 {
		t.Fatalf("expected no agents left on target, got %d", n)
	}
	if agent, _ := f.bindings.Get(ctx, bindings.KindAgent, "ag1"); agent.CredentialID != "a" {
		t.Fatalf("binding must stay on source, got %s", agent.CredentialID)
	}
}

func TestMigrateAgent_UndeletableTargetIsFlaggedOrphaned(t *testing.T) {
	f := newFixture(t, credential("a", 1, 1), credential("b", 5, 0))
	ctx := context.Background()
	f.addAgent(t, "u1", "a", "ag1", "one")
	serverError := func(op, arg string) error {
		if op == "DeleteAgent" {
			return &telephony.APIError{Provider: "vapi", StatusCode: 503, Body: "unavailable"}
		}
		return nil
	}
	f.account("a").Fail = serverError
	f.account("b").Fail = serverError

	res, err := f.engine.MigrateUserResources(ctx, "u1", "a", "b", Options{})
	if err != nil || res.Failed == nil {
		t.Fatalf("expected resource failure, got %+v err=%v", res, err)
	}
	if !res.Failed.OrphanedTarget || res.Failed.NewExternalID == "" {
		t.Fatalf("expected orphaned target, got %+v", res.Failed)
	}
	if _, ok := f.account("b").Agents()[res.Failed.NewExternalID]; !ok {
		t.Fatalf("orphaned agent %q should still exist on target", res.Failed.NewExternalID)
	}

	att, _ := f.journal.Get(ctx, res.AttemptID)
	if len(att.Steps) != 1 || att.Steps[0].State != StateFailed || att.Steps[0].NewExternalID != res.Failed.NewExternalID {
		t.Fatalf("failed step must keep the orphan id, got %+v", att.Steps)
	}
}

func TestGetUserCurrentCredential(t *testing.T) {
	f := newFixture(t, credential("a", 1, 0), credential("b", 1, 0))
	ctx := context.Background()

	if id, _ := f.engine.GetUserCurrentCredential(ctx, "u1"); id != "" {
		t.Fatalf("expected empty, got %q", id)
	}
	f.addPhone(t, "u1", "b", "ph1", "+15550001", "")
	if id, _ := f.engine.GetUserCurrentCredential(ctx, "u1"); id != "b" {
		t.Fatalf("expected phone credential b, got %q", id)
	}
	f.addAgent(t, "u1", "a", "ag1", "one")
	if id, _ := f.engine.GetUserCurrentCredential(ctx, "u1"); id != "a" {
		t.Fatalf("agents take precedence, got %q", id)
	}
}

func TestResumeInterrupted_FinishesCreatedTargets(t *testing.T) {
	f := newFixture(t, credential("a", 1, 1), credential("b", 5, 0))
	ctx := context.Background()
	src := f.addAgent(t, "u1", "a", "ag1", "one")
	f.addAgent(t, "u1", "a", "ag2", "two")
	created := f.account("b").AddAgent(telephony.Agent{Name: "one"})

	att, _ := f.journal.Begin(ctx, Attempt{UserID: "u1", FromCredentialID: "a", ToCredentialID: "b", CreatedAt: time.Now().Add(-time.Hour)})
	_ = f.journal.RecordStep(ctx, att.ID, StepRecord{Kind: bindings.KindAgent, LocalID: "ag1", OldExternalID: src.ExternalID, NewExternalID: created.ID, State: StateDeletingSource})
	_ = f.journal.RecordStep(ctx, att.ID, StepRecord{Kind: bindings.KindAgent, LocalID: "ag2", OldExternalID: "x", State: StateCreatingTarget})

	fresh, _ := f.journal.Begin(ctx, Attempt{UserID: "u2", FromCredentialID: "a", ToCredentialID: "b", CreatedAt: time.Now()})

	n, err := f.engine.ResumeInterrupted(ctx, time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 resumed, got %d err=%v", n, err)
	}

	b, _ := f.bindings.Get(ctx, bindings.KindAgent, "ag1")
	if b.CredentialID != "b" || b.ExternalID != created.ID {
		t.Fatalf("expected ag1 repointed to created target, got %+v", b)
	}
	if _, ok := f.account("a").Agents()[src.ExternalID]; ok {
		t.Fatalf("expected source agent deleted")
	}
	got, _ := f.journal.Get(ctx, att.ID)
	if got.Status != AttemptPartial {
		t.Fatalf("expected partial, got %s", got.Status)
	}
	states := map[string]State{}
	for _, s := range got.Steps {
		states[s.LocalID] = s.State
	}
	if states["ag1"] != StateDone || states["ag2"] != StateFailed {
		t.Fatalf("unexpected step states %v", states)
	}

	if still, _ := f.journal.Get(ctx, fresh.ID); still.Status != AttemptInProgress {
		t.Fatalf("recent attempt must not be touched, got %s", still.Status)
	}
}
