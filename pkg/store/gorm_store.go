package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 48151623

// OpenPostgres opens the DB and migrates the record table.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&RecordModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return db, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GormStore implements Records on the shared record_models table.
type GormStore[T any] struct {
	db         *gorm.DB
	collection string
}

// NewGormStore scopes db to collection. The table must already be migrated.
func NewGormStore[T any](db *gorm.DB, collection string) *GormStore[T] {
	return &GormStore[T]{db: db, collection: collection}
}

func (s *GormStore[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var out T
	var model RecordModel
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", s.collection, id).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal(model.Payload, &out); err != nil {
		return out, false, fmt.Errorf("decode record %s: %w", id, err)
	}
	return out, true, nil
}

func (s *GormStore[T]) Put(ctx context.Context, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	model := RecordModel{
		Collection: s.collection,
		ID:         id,
		Payload:    datatypes.JSON(raw),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore[T]) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", s.collection, id).
		Delete(&RecordModel{}).Error
}

func (s *GormStore[T]) List(ctx context.Context) ([]T, error) {
	var models []RecordModel
	if err := s.db.WithContext(ctx).
		Where("collection = ?", s.collection).
		Order("created_at asc").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]T, 0, len(models))
	for _, m := range models {
		var v T
		if err := json.Unmarshal(m.Payload, &v); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", m.ID, err)
		}
		res = append(res, v)
	}
	return res, nil
}
