package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLIndex stores one table per dataset in a relational database.
type SQLIndex struct {
	db     *gorm.DB
	logger *zap.Logger

	ready sync.Map // dataset -> struct{}
	group singleflight.Group
}

func NewSQLIndex(db *gorm.DB, logger *zap.Logger) *SQLIndex {
	return &SQLIndex{
		db:     db,
		logger: logger.With(zap.String("component", "index")),
	}
}

// EnsureTable creates the dataset table and its ordering index when absent.
// Concurrent callers for the same dataset share a single attempt, and a
// failed CREATE is tolerated when another process won the race.
func (ix *SQLIndex) EnsureTable(ctx context.Context, dataset string) error {
	if err := ValidateDataset(dataset); err != nil {
		return err
	}
	if _, ok := ix.ready.Load(dataset); ok {
		return nil
	}

	_, err, _ := ix.group.Do(dataset, func() (interface{}, error) {
		db := ix.db.WithContext(ctx)
		m := db.Table(dataset).Migrator()
		if !m.HasTable(dataset) {
			if err := m.CreateTable(&Record{}); err != nil && !m.HasTable(dataset) {
				return nil, fmt.Errorf("failed to create table %s: %w", dataset, err)
			}
			ix.logger.Info("dataset table created", zap.String("dataset", dataset))
		}

		err := db.Exec("CREATE INDEX IF NOT EXISTS ? ON ? (date, id)",
			clause.Table{Name: "idx_" + dataset + "_date"},
			clause.Table{Name: dataset},
		).Error
		if err != nil {
			return nil, fmt.Errorf("failed to create index on %s: %w", dataset, err)
		}

		ix.ready.Store(dataset, struct{}{})
		return nil, nil
	})
	return err
}

// Insert appends rec to the dataset. rec.ID is filled by the database.
func (ix *SQLIndex) Insert(ctx context.Context, dataset string, rec *Record) error {
	if err := ix.EnsureTable(ctx, dataset); err != nil {
		return err
	}
	rec.ID = 0
	rec.Date = rec.Date.UTC()
	if err := ix.db.WithContext(ctx).Table(dataset).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to insert into %s: %w", dataset, err)
	}
	return nil
}

// QueryBefore returns up to limit records dated at or before t, newest first.
func (ix *SQLIndex) QueryBefore(ctx context.Context, dataset string, t time.Time, limit int) ([]Record, error) {
	if err := ix.EnsureTable(ctx, dataset); err != nil {
		return nil, err
	}
	var recs []Record
	err := ix.before(ctx, dataset, t).Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", dataset, err)
	}
	return recs, nil
}

// QueryLatestBefore returns the newest record dated at or before t.
func (ix *SQLIndex) QueryLatestBefore(ctx context.Context, dataset string, t time.Time) (Record, error) {
	if err := ix.EnsureTable(ctx, dataset); err != nil {
		return Record{}, err
	}
	var rec Record
	err := ix.before(ctx, dataset, t).Limit(1).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, fmt.Errorf("%w: %s before %s", ErrNotFound, dataset, t.Format(time.RFC3339))
		}
		return Record{}, fmt.Errorf("failed to query %s: %w", dataset, err)
	}
	return rec, nil
}

// DeleteByLocator removes every row of dataset that references locator.
func (ix *SQLIndex) DeleteByLocator(ctx context.Context, dataset, locator string) error {
	if err := ix.EnsureTable(ctx, dataset); err != nil {
		return err
	}
	res := ix.db.WithContext(ctx).Table(dataset).
		Where(clause.Eq{Column: clause.Column{Name: "data"}, Value: locator}).
		Delete(&Record{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete from %s: %w", dataset, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, locator, dataset)
	}
	return nil
}

func (ix *SQLIndex) before(ctx context.Context, dataset string, t time.Time) *gorm.DB {
	return ix.db.WithContext(ctx).Table(dataset).
		Where(clause.Lte{Column: clause.Column{Name: "date"}, Value: t.UTC()}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true})
}
