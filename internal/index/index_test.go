package index

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupSQLiteIndex(t *testing.T) *SQLIndex {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewSQLIndex(db, zap.NewNop())
}

func implementations(t *testing.T) map[string]Index {
	return map[string]Index{
		"sqlite": setupSQLiteIndex(t),
		"memory": NewMemoryIndex(),
	}
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func insert(t *testing.T, ix Index, dataset string, date time.Time, locator string) Record {
	t.Helper()
	rec := &Record{Date: date, Locator: locator, Type: "application/json"}
	require.NoError(t, ix.Insert(context.Background(), dataset, rec))
	require.NotZero(t, rec.ID)
	return *rec
}

func TestIndex_QueryLatestBefore(t *testing.T) {
	for name, ix := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			insert(t, ix, "weather", t0, "loc-0")
			insert(t, ix, "weather", t0.Add(2*time.Minute), "loc-2")
			insert(t, ix, "weather", t0.Add(time.Minute), "loc-1")

			rec, err := ix.QueryLatestBefore(ctx, "weather", t0.Add(90*time.Second))
			require.NoError(t, err)
			assert.Equal(t, "loc-1", rec.Locator)
			assert.True(t, rec.Date.Equal(t0.Add(time.Minute)))

			rec, err = ix.QueryLatestBefore(ctx, "weather", t0.Add(2*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, "loc-2", rec.Locator, "bound is inclusive")

			_, err = ix.QueryLatestBefore(ctx, "weather", t0.Add(-time.Second))
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = ix.QueryLatestBefore(ctx, "empty", t0)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestIndex_TiesBrokenByInsertionOrder(t *testing.T) {
	for name, ix := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			insert(t, ix, "weather", t0, "first")
			insert(t, ix, "weather", t0, "second")

			rec, err := ix.QueryLatestBefore(ctx, "weather", t0)
			require.NoError(t, err)
			assert.Equal(t, "second", rec.Locator)

			recs, err := ix.QueryBefore(ctx, "weather", t0, 10)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "second", recs[0].Locator)
			assert.Equal(t, "first", recs[1].Locator)
		})
	}
}

func TestIndex_QueryBeforeOrderAndLimit(t *testing.T) {
	for name, ix := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				insert(t, ix, "stib", t0.Add(time.Duration(i)*time.Minute), fmt.Sprintf("loc-%d", i))
			}

			recs, err := ix.QueryBefore(ctx, "stib", t0.Add(3*time.Minute), 1000)
			require.NoError(t, err)
			require.Len(t, recs, 4)
			for i, want := range []string{"loc-3", "loc-2", "loc-1", "loc-0"} {
				assert.Equal(t, want, recs[i].Locator)
			}

			recs, err = ix.QueryBefore(ctx, "stib", t0.Add(time.Hour), 2)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "loc-4", recs[0].Locator)

			recs, err = ix.QueryBefore(ctx, "nothing_yet", t0, 10)
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

func TestIndex_OptionalColumnsRoundTrip(t *testing.T) {
	for name, ix := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			hash := "5d41402abc4b2a76b9719d911017c592"
			desc := "city model"
			require.NoError(t, ix.Insert(ctx, "assets", &Record{
				Date: t0, Locator: "a", Hash: &hash, Type: "model/gltf-binary", Description: &desc,
			}))
			require.NoError(t, ix.Insert(ctx, "assets", &Record{
				Date: t0.Add(time.Second), Locator: "b", Type: "text/plain",
			}))

			recs, err := ix.QueryBefore(ctx, "assets", t0.Add(time.Minute), 10)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Nil(t, recs[0].Hash)
			assert.Nil(t, recs[0].Description)
			require.NotNil(t, recs[1].Hash)
			assert.Equal(t, hash, *recs[1].Hash)
			require.NotNil(t, recs[1].Description)
			assert.Equal(t, desc, *recs[1].Description)
			assert.Equal(t, "model/gltf-binary", recs[1].Type)
		})
	}
}

func TestIndex_DeleteByLocator(t *testing.T) {
	for name, ix := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			insert(t, ix, "weather", t0, "keep")
			insert(t, ix, "weather", t0.Add(time.Minute), "drop")

			require.NoError(t, ix.DeleteByLocator(ctx, "weather", "drop"))

			rec, err := ix.QueryLatestBefore(ctx, "weather", t0.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, "keep", rec.Locator)

			assert.ErrorIs(t, ix.DeleteByLocator(ctx, "weather", "drop"), ErrNotFound)
			assert.ErrorIs(t, ix.DeleteByLocator(ctx, "other", "drop"), ErrNotFound)
		})
	}
}

func TestIndex_DatasetsAreIsolated(t *testing.T) {
	for name, ix := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			insert(t, ix, "weather", t0, "w")
			insert(t, ix, "tiles", t0, "t")

			rec, err := ix.QueryLatestBefore(ctx, "tiles", t0)
			require.NoError(t, err)
			assert.Equal(t, "t", rec.Locator)
		})
	}
}

func TestIndex_RejectsInvalidDatasetNames(t *testing.T) {
	for name, ix := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, ds := range []string{"", "1abc", "drop table", "a-b", "x;--"} {
				err := ix.Insert(ctx, ds, &Record{Date: t0, Locator: "x", Type: "t"})
				assert.ErrorIs(t, err, ErrInvalidDataset, "dataset %q", ds)
			}
		})
	}
}

func TestSQLIndex_ConcurrentFirstAccess(t *testing.T) {
	ix := setupSQLiteIndex(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- ix.Insert(ctx, "concurrent", &Record{
				Date: t0.Add(time.Duration(i) * time.Second), Locator: fmt.Sprintf("loc-%d", i), Type: "t",
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	recs, err := ix.QueryBefore(ctx, "concurrent", t0.Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Len(t, recs, 16)
}

func TestSQLIndex_EnsureTableIsIdempotent(t *testing.T) {
	ix := setupSQLiteIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.EnsureTable(ctx, "weather"))
	ix.ready.Delete("weather")
	require.NoError(t, ix.EnsureTable(ctx, "weather"))
	assert.True(t, ix.db.Migrator().HasTable("weather"))
}

func setupMockIndex(t *testing.T) (*SQLIndex, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	ix := NewSQLIndex(db, zap.NewNop())
	ix.ready.Store("weather", struct{}{})
	return ix, mock
}

func TestSQLIndex_DeleteWithoutMatchIsNotFound(t *testing.T) {
	ix, mock := setupMockIndex(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "weather" WHERE "data" = $1`)).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := ix.DeleteByLocator(context.Background(), "weather", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLIndex_QueryFailureIsNotNotFound(t *testing.T) {
	ix, mock := setupMockIndex(t)

	mock.ExpectQuery(`SELECT \* FROM "weather"`).WillReturnError(errors.New("connection reset"))

	_, err := ix.QueryLatestBefore(context.Background(), "weather", t0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
