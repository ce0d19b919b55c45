package index

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Index is the contract shared by SQLIndex and MemoryIndex.
type Index interface {
	EnsureTable(ctx context.Context, dataset string) error
	Insert(ctx context.Context, dataset string, rec *Record) error
	QueryBefore(ctx context.Context, dataset string, t time.Time, limit int) ([]Record, error)
	QueryLatestBefore(ctx context.Context, dataset string, t time.Time) (Record, error)
	DeleteByLocator(ctx context.Context, dataset, locator string) error
}

var (
	_ Index = (*SQLIndex)(nil)
	_ Index = (*MemoryIndex)(nil)
)

// Options describes the relational engine behind the index.
type Options struct {
	Driver string // sqlite, postgres or memory
	DSN    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the configured engine. The returned close function
// releases the connection pool.
func Open(opts Options, logger *zap.Logger) (Index, func() error, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case "memory":
		logger.Warn("using in-memory index; records are lost on restart")
		return NewMemoryIndex(), func() error { return nil }, nil
	case "sqlite", "":
		dialector = sqlite.Open(opts.DSN)
	case "postgres":
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, memory)", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	logger.Info("database connected", zap.String("driver", opts.Driver))
	return NewSQLIndex(db, logger), sqlDB.Close, nil
}
