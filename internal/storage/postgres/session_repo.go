package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/console"
	"github.com/jkaninda/sanduku/internal/session"
)

// Compile-time interface check.
var _ session.SessionStore = (*SessionRepository)(nil)

// SessionRepository implements session.SessionStore with PostgreSQL.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *console.Session) error {
	model := toSessionModel(s)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Update(ctx context.Context, s *console.Session) error {
	model := toSessionModel(s)
	res := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ?", s.ID).
		Updates(map[string]any{
			"status":           model.Status,
			"sandbox_id":       model.SandboxID,
			"command_count":    model.CommandCount,
			"error_count":      model.ErrorCount,
			"end_reason":       model.EndReason,
			"last_activity_at": model.LastActivityAt,
			"ended_at":         model.EndedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("updating session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", s.ID, console.ErrNotFound)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*console.Session, error) {
	var model SessionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, console.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return toSessionDomain(&model), nil
}

func (r *SessionRepository) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]console.Session, int64, error) {
	q := r.db.WithContext(ctx).Model(&SessionModel{}).Where("owner_id = ?", ownerID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting sessions: %w", err)
	}

	var models []SessionModel
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&models).Error
	if err != nil {
		return nil, 0, fmt.Errorf("listing sessions: %w", err)
	}

	out := make([]console.Session, 0, len(models))
	for i := range models {
		out = append(out, *toSessionDomain(&models[i]))
	}
	return out, total, nil
}

func (r *SessionRepository) ListLive(ctx context.Context) ([]console.Session, error) {
	var models []SessionModel
	err := r.db.WithContext(ctx).
		Where("status <> ?", string(console.StatusTerminated)).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing live sessions: %w", err)
	}

	out := make([]console.Session, 0, len(models))
	for i := range models {
		out = append(out, *toSessionDomain(&models[i]))
	}
	return out, nil
}
