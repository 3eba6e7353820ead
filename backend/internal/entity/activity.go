package entity

import "time"

const (
	ActivityJoined       = "joined"
	ActivityLeft         = "left"
	ActivityWentOffline  = "went_offline"
	ActivityLockAcquired = "lock_acquired"
	ActivityLockReleased = "lock_released"
	ActivityOperation    = "operation"
)

// GraphActivity is one row of the append-only graph activity log.
type GraphActivity struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	GraphID      string    `gorm:"type:varchar(64);index:idx_activity_graph,priority:1"`
	UserID       string    `gorm:"type:varchar(64)"`
	SessionID    string    `gorm:"type:varchar(64)"`
	ActivityType string    `gorm:"type:varchar(32)"`
	Detail       string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"index:idx_activity_graph,priority:2"`
}

func (GraphActivity) TableName() string { return "graph_activity" }
