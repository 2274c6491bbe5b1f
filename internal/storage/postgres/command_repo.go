package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/console"
	"github.com/jkaninda/sanduku/internal/history"
)

// Compile-time interface check.
var _ history.CommandStore = (*CommandRepository)(nil)

// CommandRepository implements history.CommandStore with PostgreSQL.
type CommandRepository struct {
	db *gorm.DB
}

// NewCommandRepository creates a CommandRepository.
func NewCommandRepository(db *gorm.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

func (r *CommandRepository) Create(ctx context.Context, cmd *console.Command) error {
	model := toCommandModel(cmd)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating command: %w", err)
	}
	return nil
}

func (r *CommandRepository) Update(ctx context.Context, cmd *console.Command) error {
	model := toCommandModel(cmd)
	res := r.db.WithContext(ctx).
		Model(&CommandModel{}).
		Where("id = ?", cmd.ID).
		Updates(map[string]any{
			"status":       model.Status,
			"output":       model.Output,
			"completed_at": model.CompletedAt,
			"duration_ms":  model.DurationMs,
		})
	if res.Error != nil {
		return fmt.Errorf("updating command: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("command %s: %w", cmd.ID, console.ErrNotFound)
	}
	return nil
}

func (r *CommandRepository) Get(ctx context.Context, id uuid.UUID) (*console.Command, error) {
	var model CommandModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("command %s: %w", id, console.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading command: %w", err)
	}
	return toCommandDomain(&model), nil
}

func (r *CommandRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]console.Command, int64, error) {
	q := r.db.WithContext(ctx).Model(&CommandModel{}).Where("session_id = ?", sessionID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting commands: %w", err)
	}

	var models []CommandModel
	err := q.Order("started_at ASC").Limit(limit).Offset(offset).Find(&models).Error
	if err != nil {
		return nil, 0, fmt.Errorf("listing commands: %w", err)
	}
	return toCommandSlice(models), total, nil
}

func (r *CommandRepository) Search(ctx context.Context, ownerID string, q history.SearchQuery) ([]console.Command, int64, error) {
	query := r.db.WithContext(ctx).Model(&CommandModel{}).Where("owner_id = ?", ownerID)
	if q.SessionID != nil {
		query = query.Where("session_id = ?", *q.SessionID)
	}
	if q.Text != "" {
		query = query.Where("text LIKE ?", "%"+q.Text+"%")
	}
	if q.Status != "" {
		query = query.Where("status = ?", string(q.Status))
	}
	if q.Type != "" {
		query = query.Where("type = ?", string(q.Type))
	}
	if q.Since != nil {
		query = query.Where("started_at >= ?", *q.Since)
	}
	if q.Until != nil {
		query = query.Where("started_at <= ?", *q.Until)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting search matches: %w", err)
	}

	var models []CommandModel
	err := query.Order("started_at DESC").Limit(q.Limit).Offset(q.Offset).Find(&models).Error
	if err != nil {
		return nil, 0, fmt.Errorf("searching commands: %w", err)
	}
	return toCommandSlice(models), total, nil
}

// topCommandsLimit caps the most-used-commands breakdown in Stats.
const topCommandsLimit = 5

func (r *CommandRepository) Stats(ctx context.Context, ownerID string, sq history.StatsQuery) (*history.Stats, error) {
	scoped := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&CommandModel{}).Where("owner_id = ?", ownerID)
		if sq.SessionID != nil {
			q = q.Where("session_id = ?", *sq.SessionID)
		}
		if sq.Since != nil {
			q = q.Where("started_at >= ?", *sq.Since)
		}
		if sq.Until != nil {
			q = q.Where("started_at <= ?", *sq.Until)
		}
		return q
	}

	stats := &history.Stats{
		ByStatus: make(map[string]int64),
		ByType:   make(map[string]int64),
	}

	type bucket struct {
		Key   string
		Count int64
	}

	var byStatus []bucket
	if err := scoped().Select("status AS key, COUNT(*) AS count").Group("status").Scan(&byStatus).Error; err != nil {
		return nil, fmt.Errorf("aggregating by status: %w", err)
	}
	for _, b := range byStatus {
		stats.ByStatus[b.Key] = b.Count
		stats.Total += b.Count
	}

	var byType []bucket
	if err := scoped().Select("type AS key, COUNT(*) AS count").Group("type").Scan(&byType).Error; err != nil {
		return nil, fmt.Errorf("aggregating by type: %w", err)
	}
	for _, b := range byType {
		stats.ByType[b.Key] = b.Count
	}

	var avg *float64
	if err := scoped().Select("AVG(duration_ms)").Where("duration_ms IS NOT NULL").Scan(&avg).Error; err != nil {
		return nil, fmt.Errorf("averaging duration: %w", err)
	}
	if avg != nil {
		stats.AvgDurationMs = *avg
	}

	var top []struct {
		Key   string
		Count int64
	}
	err := scoped().
		Select("text AS key, COUNT(*) AS count").
		Group("text").
		Order("count DESC, key ASC").
		Limit(topCommandsLimit).
		Scan(&top).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating top commands: %w", err)
	}
	for _, b := range top {
		stats.TopCommands = append(stats.TopCommands, history.CommandCount{Text: b.Key, Count: b.Count})
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.ByStatus[string(console.CommandCompleted)]) / float64(stats.Total)
	}
	return stats, nil
}

func (r *CommandRepository) DeleteBySession(ctx context.Context, sessionID uuid.UUID, before *time.Time) (int64, error) {
	q := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if before != nil {
		q = q.Where("started_at < ?", *before)
	}
	res := q.Delete(&CommandModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting session commands: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *CommandRepository) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	sub := r.db.Model(&SessionModel{}).
		Select("id").
		Where("status = ?", string(console.StatusTerminated)).
		Where("ended_at < ?", cutoff)

	res := r.db.WithContext(ctx).
		Where("session_id IN (?)", sub).
		Delete(&CommandModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging expired commands: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func toCommandSlice(models []CommandModel) []console.Command {
	out := make([]console.Command, 0, len(models))
	for i := range models {
		out = append(out, *toCommandDomain(&models[i]))
	}
	return out
}
