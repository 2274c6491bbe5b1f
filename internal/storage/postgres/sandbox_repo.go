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
var _ session.SandboxStore = (*SandboxRepository)(nil)

// SandboxRepository implements session.SandboxStore with PostgreSQL.
type SandboxRepository struct {
	db *gorm.DB
}

// NewSandboxRepository creates a SandboxRepository.
func NewSandboxRepository(db *gorm.DB) *SandboxRepository {
	return &SandboxRepository{db: db}
}

func (r *SandboxRepository) Create(ctx context.Context, sb *console.Sandbox) error {
	model := toSandboxModel(sb)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating sandbox: %w", err)
	}
	return nil
}

func (r *SandboxRepository) Update(ctx context.Context, sb *console.Sandbox) error {
	model := toSandboxModel(sb)
	res := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("id = ?", sb.ID).
		Updates(map[string]any{
			"status":           model.Status,
			"last_accessed_at": model.LastAccessedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("updating sandbox: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sandbox %s: %w", sb.ID, console.ErrNotFound)
	}
	return nil
}

func (r *SandboxRepository) Get(ctx context.Context, id uuid.UUID) (*console.Sandbox, error) {
	var model SandboxModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sandbox %s: %w", id, console.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading sandbox: %w", err)
	}
	return toSandboxDomain(&model), nil
}
