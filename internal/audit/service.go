package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"dialer-platform/pkg/logger"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. It is
// append-only: there are no Update or Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, f Filter) ([]Event, error)
}

// Service records internal audit information. Records are for operators
// and are not exposed to end users.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{repo: repo, log: logger.Component(log, "audit"), clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.Message == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Event, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.List(ctx, f)
}

// Record appends e and logs instead of returning a failure. Use it from
// flows that must not fail because auditing did.
func (s *Service) Record(ctx context.Context, e Event) {
	if s == nil {
		return
	}
	if err := s.Append(ctx, e); err != nil {
		s.log.Warn("audit append failed", "type", e.Type, "message", e.Message, "err", err)
	}
}

func (s *Service) LogAdminAction(ctx context.Context, a Actor, message string, metadata any) {
	s.Record(ctx, Event{
		Type:        EventTypeAdminAction,
		ActorUserID: a.UserID,
		ActorRole:   a.Role,
		IPAddress:   a.IP,
		Message:     message,
		Metadata:    encodeMetadata(metadata),
	})
}

func (s *Service) LogCredentialChange(ctx context.Context, a Actor, credentialID, message string) {
	s.Record(ctx, Event{
		Type:         EventTypeCredentialChange,
		ActorUserID:  a.UserID,
		ActorRole:    a.Role,
		IPAddress:    a.IP,
		CredentialID: credentialID,
		Message:      message,
	})
}

func (s *Service) LogMigration(ctx context.Context, a Actor, userID, attemptID, message string, metadata any) {
	s.Record(ctx, Event{
		Type:          EventTypeMigration,
		ActorUserID:   a.UserID,
		ActorRole:     a.Role,
		IPAddress:     a.IP,
		SubjectUserID: userID,
		AttemptID:     attemptID,
		Message:       message,
		Metadata:      encodeMetadata(metadata),
	})
}

func (s *Service) LogCreditAdjustment(ctx context.Context, a Actor, userID, reference, message string) {
	s.Record(ctx, Event{
		Type:          EventTypeCreditAdjustment,
		ActorUserID:   a.UserID,
		ActorRole:     a.Role,
		IPAddress:     a.IP,
		SubjectUserID: userID,
		Reference:     reference,
		Message:       message,
	})
}

func encodeMetadata(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
