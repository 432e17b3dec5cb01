package bindings

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_RepointIsCompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	b, err := s.Create(ctx, Binding{Kind: KindAgent, UserID: "u1", CredentialID: "a", ExternalID: "ext-1", Name: "sales"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.Repoint(ctx, KindAgent, b.LocalID, "a", "b", "ext-2"); err != nil {
		t.Fatalf("repoint: %v", err)
	}
	got, _ := s.Get(ctx, KindAgent, b.LocalID)
	if got.CredentialID != "b" || got.ExternalID != "ext-2" {
		t.Fatalf("unexpected binding %+v", got)
	}

	if err := s.Repoint(ctx, KindAgent, b.LocalID, "a", "c", "ext-3"); !errors.Is(err, ErrStaleBinding) {
		t.Fatalf("expected stale binding, got %v", err)
	}
	if err := s.Repoint(ctx, KindAgent, "missing", "a", "c", "ext-3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStore_ListFiltersAndOrders(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mustCreate := func(b Binding) {
		if _, err := s.Create(ctx, b); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	mustCreate(Binding{LocalID: "z", Kind: KindAgent, UserID: "u1", CredentialID: "a", ExternalID: "e1"})
	mustCreate(Binding{LocalID: "y", Kind: KindAgent, UserID: "u1", CredentialID: "b", ExternalID: "e2"})
	mustCreate(Binding{LocalID: "x", Kind: KindAgent, UserID: "u2", CredentialID: "a", ExternalID: "e3"})
	mustCreate(Binding{LocalID: "p1", Kind: KindPhone, UserID: "u1", CredentialID: "a", ExternalID: "pn1", Number: "+15550001"})

	all, _ := s.List(ctx, "u1", KindAgent, "")
	if len(all) != 2 || all[0].LocalID != "z" || all[1].LocalID != "y" {
		t.Fatalf("expected creation order z,y got %+v", all)
	}
	onA, _ := s.List(ctx, "u1", KindAgent, "a")
	if len(onA) != 1 || onA[0].LocalID != "z" {
		t.Fatalf("unexpected filtered list %+v", onA)
	}
	phones, _ := s.List(ctx, "u1", KindPhone, "")
	if len(phones) != 1 {
		t.Fatalf("expected 1 phone, got %d", len(phones))
	}

	if _, err := s.Create(ctx, Binding{Kind: KindPhone, UserID: "u1", CredentialID: "a", ExternalID: "pn2"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("phone without number must be rejected, got %v", err)
	}
}

func TestMemoryStore_PreferredCredential(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if id, _ := s.PreferredCredential(ctx, "u1"); id != "" {
		t.Fatalf("expected no preference")
	}
	_ = s.SetPreferredCredential(ctx, "u1", "b")
	if id, _ := s.PreferredCredential(ctx, "u1"); id != "b" {
		t.Fatalf("expected b, got %q", id)
	}
}
