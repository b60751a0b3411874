package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// CrashRecord represents a record in the public.crashes table. One row per
// unique crash artifact, keyed by content digest within a session.
type CrashRecord struct {
	ID        int       `gorm:"primaryKey;column:id"`
	SessionID string    `gorm:"column:session_id;not null"`
	CreatedAt time.Time `gorm:"column:created_at;default:now()"`
	Target    string    `gorm:"column:target;not null"`
	Path      string    `gorm:"column:path;not null"`
	Digest    string    `gorm:"column:digest;not null"`
	Size      int64     `gorm:"column:size"`
	Stats     Snapshot  `gorm:"column:stats;type:jsonb"`
}

// SessionRecord represents a record in the public.sessions table
type SessionRecord struct {
	ID        int       `gorm:"primaryKey;column:id"`
	SessionID string    `gorm:"column:session_id;not null"`
	Target    string    `gorm:"column:target;not null"`
	StartedAt time.Time `gorm:"column:started_at;default:now()"`
	EndedAt   time.Time `gorm:"column:ended_at"`
	State     string    `gorm:"column:state"`
	Crashes   int       `gorm:"column:crashes"`
}

// Snapshot represents the jsonb stats field in the crashes table
type Snapshot map[string]any

// Value implements the driver.Valuer interface for the Snapshot type
func (s Snapshot) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan implements the sql.Scanner interface for the Snapshot type
func (s *Snapshot) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, &s)
}
