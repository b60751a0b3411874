package database

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// inserts multiple crash records into the database
func AddCrashes(ctx context.Context, db *gorm.DB, crashes []*CrashRecord) error {
	if len(crashes) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(crashes).Error
}

// NewCrashRecord creates a new CrashRecord object with the provided parameters
func NewCrashRecord(
	sessionID string,
	target string,
	path string,
	digest string,
	size int64,
	stats Snapshot,
) *CrashRecord {
	return &CrashRecord{
		SessionID: sessionID,
		CreatedAt: time.Now(),
		Target:    target,
		Path:      path,
		Digest:    digest,
		Size:      size,
		Stats:     stats,
	}
}

// inserts a single session record into the database
func AddSession(ctx context.Context, db *gorm.DB, session *SessionRecord) error {
	if session == nil {
		return nil
	}
	return db.WithContext(ctx).Create(session).Error
}

// NewSessionRecord creates a new SessionRecord object for a starting session
func NewSessionRecord(sessionID, target string) *SessionRecord {
	return &SessionRecord{
		SessionID: sessionID,
		Target:    target,
		StartedAt: time.Now(),
		State:     "running",
	}
}

// CloseSession records the final state and crash total of a finished session
func CloseSession(ctx context.Context, db *gorm.DB, sessionID, state string, crashes int) error {
	return db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"ended_at": time.Now(),
			"state":    state,
			"crashes":  crashes,
		}).Error
}
