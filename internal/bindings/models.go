// Package bindings stores which provider credential each local agent and
// phone number currently lives under.
package bindings

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	KindAgent Kind = "agent"
	KindPhone Kind = "phone"
)

// Binding ties a local resource to its external id under one credential.
//
// Invariant: ExternalID and CredentialID change together, in one write.
type Binding struct {
	LocalID      string `json:"id"`
	Kind         Kind   `json:"kind"`
	UserID       string `json:"user_id"`
	CredentialID string `json:"credential_id"`
	ExternalID   string `json:"external_id"`
	Name         string `json:"name,omitempty"`

	// Phone-only.
	Number        string `json:"number,omitempty"`
	Label         string `json:"label,omitempty"`
	LinkedAgentID string `json:"linked_agent_id,omitempty"` // local agent id

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrNotFound     = errors.New("bindings: not found")
	ErrInvalidInput = errors.New("bindings: invalid input")
	// ErrStaleBinding means the binding no longer points at the credential
	// the caller expected; someone else moved it.
	ErrStaleBinding = errors.New("bindings: binding moved concurrently")
)

type Store interface {
	Create(ctx context.Context, b Binding) (Binding, error)
	Get(ctx context.Context, kind Kind, localID string) (Binding, error)
	// List returns the user's bindings of kind, oldest first. credentialID
	// filters when non-empty.
	List(ctx context.Context, userID string, kind Kind, credentialID string) ([]Binding, error)
	// Repoint swaps external id and credential iff the binding still points
	// at fromCredentialID.
	Repoint(ctx context.Context, kind Kind, localID, fromCredentialID, toCredentialID, newExternalID string) error

	SetPreferredCredential(ctx context.Context, userID, credentialID string) error
	// PreferredCredential returns "" when the user has no preference.
	PreferredCredential(ctx context.Context, userID string) (string, error)
}

func validKind(k Kind) bool { return k == KindAgent || k == KindPhone }

func (b Binding) validate() error {
	if !validKind(b.Kind) || b.UserID == "" || b.CredentialID == "" || b.ExternalID == "" {
		return ErrInvalidInput
	}
	if b.Kind == KindPhone && b.Number == "" {
		return ErrInvalidInput
	}
	return nil
}
