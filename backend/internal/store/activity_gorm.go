package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/entity"
)

// OpenActivityDB opens the gorm handle used for the activity log and migrates
// its table. Only MySQL is supported.
func OpenActivityDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open activity db: %w", err)
	}
	if err := db.AutoMigrate(&entity.GraphActivity{}); err != nil {
		return nil, fmt.Errorf("migrate activity: %w", err)
	}
	return db, nil
}

type ActivityRepo struct {
	db *gorm.DB
}

func NewActivityRepo(db *gorm.DB) *ActivityRepo {
	return &ActivityRepo{db: db}
}

func (r *ActivityRepo) Record(ctx context.Context, a entity.GraphActivity) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(&a).Error
}

// Recent returns up to limit activity rows of a graph, newest first.
func (r *ActivityRepo) Recent(ctx context.Context, graphID string, limit int) ([]entity.GraphActivity, error) {
	var out []entity.GraphActivity
	err := r.db.WithContext(ctx).
		Where("graph_id = ?", graphID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
