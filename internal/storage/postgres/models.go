package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns.
type JSONB json.RawMessage

// SessionModel maps to the "console_sessions" table.
type SessionModel struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OwnerID        string     `gorm:"not null;index"`
	Type           string     `gorm:"not null"`
	Status         string     `gorm:"not null;index"`
	SandboxID      *uuid.UUID `gorm:"type:uuid"`
	Metadata       JSONB      `gorm:"type:jsonb;not null;default:'{}'"`
	CommandCount   int        `gorm:"not null;default:0"`
	ErrorCount     int        `gorm:"not null;default:0"`
	EndReason      string
	CreatedAt      time.Time `gorm:"index"`
	LastActivityAt time.Time
	EndedAt        *time.Time
}

func (SessionModel) TableName() string { return "console_sessions" }

// SandboxModel maps to the "console_sandboxes" table.
type SandboxModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	Handle         string    `gorm:"not null"`
	Status         string    `gorm:"not null"`
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

func (SandboxModel) TableName() string { return "console_sandboxes" }

// CommandModel maps to the "console_commands" table.
// No UpdatedAt or DeletedAt — the command log is append-then-finalize.
type CommandModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID   uuid.UUID `gorm:"type:uuid;not null;index"`
	OwnerID     string    `gorm:"not null;index"`
	Type        string    `gorm:"not null"`
	Status      string    `gorm:"not null;index"`
	Text        string    `gorm:"not null"`
	Args        JSONB     `gorm:"type:jsonb;not null;default:'[]'"`
	WorkingDir  string
	Env         JSONB `gorm:"type:jsonb;not null;default:'{}'"`
	Output      JSONB `gorm:"type:jsonb"`
	StartedAt   time.Time `gorm:"index"`
	CompletedAt *time.Time
	DurationMs  *int64
}

func (CommandModel) TableName() string { return "console_commands" }
