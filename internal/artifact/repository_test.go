package artifact

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/i474232898/digitaltwin-dataspace/internal/archive"
	"github.com/i474232898/digitaltwin-dataspace/internal/blob"
	"github.com/i474232898/digitaltwin-dataspace/internal/index"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	repo  *Repository
	blobs *blob.FileStore
	dir   string
}

func newFixture(t *testing.T, idx index.Index) fixture {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blob.NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	repo := NewRepository(blobs, idx, zap.NewNop())
	repo.now = func() time.Time { return t0 }
	return fixture{repo: repo, blobs: blobs, dir: dir}
}

func sqliteIndex(t *testing.T) *index.SQLIndex {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return index.NewSQLIndex(db, zap.NewNop())
}

func indexes(t *testing.T) map[string]index.Index {
	return map[string]index.Index{
		"sqlite": sqliteIndex(t),
		"memory": index.NewMemoryIndex(),
	}
}

func TestWriteResult_WeatherScenario(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, idx)

			_, err := f.repo.WriteResult(ctx, WriteRequest{
				Dataset:   "weather",
				MediaType: "application/json",
				Data:      map[string]int{"temp": 5},
				Timestamp: t0,
			})
			require.NoError(t, err)

			got, err := f.repo.Latest(ctx, "weather", t0.Add(time.Second))
			require.NoError(t, err)
			assert.Equal(t, "application/json", got.Record.Type)
			assert.True(t, got.Record.Date.Equal(t0))
			assert.JSONEq(t, `{"temp": 5}`, string(got.Data))
			assert.Equal(t, `{"temp":5}`, string(got.Data))

			sum := md5.Sum(got.Data) //nolint:gosec
			require.NotNil(t, got.Record.Hash)
			assert.Equal(t, hex.EncodeToString(sum[:]), *got.Record.Hash)
		})
	}
}

func TestWriteResult_ReadBackAtWriteTimestamp(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, idx)
			payload := []byte{0x00, 0x01, 0xfe, 0xff}
			ts := t0.Add(1500 * time.Millisecond)

			rec, err := f.repo.WriteResult(ctx, WriteRequest{
				Dataset: "gtfs", MediaType: "application/zip", Data: payload, Timestamp: ts,
			})
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(f.dir, "gtfs", "2024-05-01_10-00-01"), rec.Locator)

			got, err := f.repo.Latest(ctx, "gtfs", ts)
			require.NoError(t, err)
			assert.Equal(t, rec.Locator, got.Record.Locator)
			assert.Equal(t, payload, got.Data)
		})
	}
}

func TestWriteResult_NormalizesPayloads(t *testing.T) {
	cases := []struct {
		name     string
		data     any
		want     string
		wantHash bool
	}{
		{"nil", nil, "", false},
		{"empty bytes", []byte{}, "", false},
		{"string", "héllo", "héllo", true},
		{"reader", bytes.NewBufferString("stream"), "stream", true},
		{"slice", []string{"a", "b"}, `["a","b"]`, true},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, index.NewMemoryIndex())
			ts := t0.Add(time.Duration(i) * time.Second)

			rec, err := f.repo.WriteResult(ctx, WriteRequest{
				Dataset: "payloads", MediaType: "text/plain", Data: tc.data, Timestamp: ts,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.wantHash, rec.Hash != nil)

			got, err := f.blobs.Read(ctx, rec.Locator)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestWriteResult_SubPathAndDescription(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, index.NewMemoryIndex())

	rec, err := f.repo.WriteResult(ctx, WriteRequest{
		Dataset:     "assets",
		MediaType:   "model/gltf-binary",
		Data:        []byte("glb"),
		Description: "townhall",
		SubPath:     "models/townhall.glb",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.dir, "assets", "2024-05-01_10-00-00", "models", "townhall.glb"), rec.Locator)
	require.NotNil(t, rec.Description)
	assert.Equal(t, "townhall", *rec.Description)
	assert.True(t, rec.Date.Equal(t0), "zero timestamp defaults to now")
}

func TestWriteResult_ValidationHappensBeforeWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, index.NewMemoryIndex())

	bad := []WriteRequest{
		{Dataset: "bad name", MediaType: "text/plain", Data: "x"},
		{Dataset: "ok", MediaType: "", Data: "x"},
		{Dataset: "ok", MediaType: "text/plain", Data: "x", SubPath: "../escape"},
		{Dataset: "ok", MediaType: "text/plain", Data: "x", SubPath: "/abs"},
		{Dataset: "ok", MediaType: "text/plain", Data: func() {}},
	}
	for _, req := range bad {
		_, err := f.repo.WriteResult(ctx, req)
		assert.ErrorIs(t, err, ErrValidation, "%+v", req)
	}

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteResult(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, idx)

			keep, err := f.repo.WriteResult(ctx, WriteRequest{Dataset: "weather", MediaType: "application/json", Data: "1", Timestamp: t0})
			require.NoError(t, err)
			drop, err := f.repo.WriteResult(ctx, WriteRequest{Dataset: "weather", MediaType: "application/json", Data: "2", Timestamp: t0.Add(time.Minute)})
			require.NoError(t, err)

			require.NoError(t, f.repo.DeleteResult(ctx, "weather", drop.Locator))

			latest, err := f.repo.Latest(ctx, "weather", t0.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, keep.Locator, latest.Record.Locator)

			recs, err := f.repo.List(ctx, "weather", t0.Add(time.Hour), 0)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, keep.Locator, recs[0].Locator)

			_, err = f.blobs.Read(ctx, drop.Locator)
			assert.ErrorIs(t, err, blob.ErrNotFound)

			assert.ErrorIs(t, f.repo.DeleteResult(ctx, "weather", drop.Locator), ErrNotFound)
		})
	}
}

func TestList_EmptyDatasetIsEmptyNotError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sqliteIndex(t))

	recs, err := f.repo.List(ctx, "nothing_yet", t0, 0)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)

	_, err = f.repo.Latest(ctx, "nothing_yet", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

type failingBlobs struct {
	blob.Store
	deleteErr error
}

func (b failingBlobs) Delete(context.Context, string) error { return b.deleteErr }

func TestDeleteResult_BlobFailureIsConsistencyError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, index.NewMemoryIndex())
	rec, err := f.repo.WriteResult(ctx, WriteRequest{Dataset: "weather", MediaType: "text/plain", Data: "x", Timestamp: t0})
	require.NoError(t, err)

	f.repo.blobs = failingBlobs{Store: f.blobs, deleteErr: errors.New("storage unavailable")}
	err = f.repo.DeleteResult(ctx, "weather", rec.Locator)
	assert.ErrorIs(t, err, ErrConsistency)

	_, err = f.repo.Latest(ctx, "weather", t0)
	assert.ErrorIs(t, err, ErrNotFound, "row stays deleted")
}

type failingIndex struct {
	index.Index
	insertErr error
}

func (i failingIndex) Insert(context.Context, string, *index.Record) error { return i.insertErr }

func TestWriteResult_InsertFailureLeavesOrphanBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, failingIndex{Index: index.NewMemoryIndex(), insertErr: errors.New("db down")})

	_, err := f.repo.WriteResult(ctx, WriteRequest{Dataset: "weather", MediaType: "text/plain", Data: "x", Timestamp: t0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	ok, err := f.blobs.Exists(ctx, filepath.Join(f.dir, "weather", "2024-05-01_10-00-00"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLatestAndVerify_DetectMissingBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, index.NewMemoryIndex())
	rec, err := f.repo.WriteResult(ctx, WriteRequest{Dataset: "weather", MediaType: "text/plain", Data: "x", Timestamp: t0})
	require.NoError(t, err)
	require.NoError(t, os.Remove(rec.Locator))

	_, err = f.repo.Latest(ctx, "weather", t0)
	assert.ErrorIs(t, err, ErrConsistency)

	missing, err := f.repo.Verify(ctx, "weather", 0)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, rec.Locator, missing[0].Locator)
}

func buildTileset(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"tileset.json":    `{"root":{"content":{"uri":"b3dm/tile0.b3dm"}}}`,
		"b3dm/tile0.b3dm": "b3dm-bytes",
	} {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestWriteArchive_TilesScenario(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, idx)
			classifier, err := archive.NewClassifier()
			require.NoError(t, err)

			res, err := f.repo.WriteArchive(ctx, "tiles", "city centre", buildTileset(t), classifier)
			require.NoError(t, err)
			require.Len(t, res.Manifests, 1)
			require.Len(t, res.Assets, 1)

			recs, err := f.repo.List(ctx, "tiles", t0.Add(time.Hour), 0)
			require.NoError(t, err)
			require.Len(t, recs, 1, "only the manifest is indexed")
			assert.Equal(t, filepath.Join(f.dir, "tiles", "2024-05-01_10-00-00", "tileset.json"), recs[0].Locator)
			assert.Equal(t, ManifestMediaType, recs[0].Type)
			require.NotNil(t, recs[0].Description)
			assert.Equal(t, "city centre", *recs[0].Description)

			assetKey := filepath.Join(f.dir, "tiles", "2024-05-01_10-00-00", "b3dm", "tile0.b3dm")
			assert.Equal(t, assetKey, res.Assets[0])
			got, err := f.blobs.Read(ctx, assetKey)
			require.NoError(t, err)
			assert.Equal(t, "b3dm-bytes", string(got))
		})
	}
}

func TestWriteArchive_InvalidArchiveWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, index.NewMemoryIndex())
	classifier, err := archive.NewClassifier()
	require.NoError(t, err)

	_, err = f.repo.WriteArchive(ctx, "tiles", "", []byte("not a zip"), classifier)
	assert.ErrorIs(t, err, ErrValidation)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create("textures/a.png")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("png"))
	require.NoError(t, w.Close())

	_, err = f.repo.WriteArchive(ctx, "tiles", "", buf.Bytes(), classifier)
	assert.ErrorIs(t, err, ErrValidation)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteResult_SameSecondWritesKeepTheirOwnBlobs(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, idx)
			ts1 := t0.Add(100 * time.Millisecond)
			ts2 := t0.Add(600 * time.Millisecond)

			first, err := f.repo.WriteResult(ctx, WriteRequest{Dataset: "gtfs", MediaType: "text/plain", Data: "first", Timestamp: ts1})
			require.NoError(t, err)
			second, err := f.repo.WriteResult(ctx, WriteRequest{Dataset: "gtfs", MediaType: "text/plain", Data: "second", Timestamp: ts2})
			require.NoError(t, err)

			assert.NotEqual(t, first.Locator, second.Locator)
			assert.Equal(t, filepath.Join(f.dir, "gtfs", "2024-05-01_10-00-01"), second.Locator)
			assert.True(t, second.Date.Equal(t0.Add(time.Second)), "moved to the next free second")

			got, err := f.repo.Latest(ctx, "gtfs", ts1)
			require.NoError(t, err)
			assert.Equal(t, "first", string(got.Data))
			sum := md5.Sum(got.Data) //nolint:gosec
			assert.Equal(t, hex.EncodeToString(sum[:]), *got.Record.Hash)

			require.NoError(t, f.repo.DeleteResult(ctx, "gtfs", second.Locator))
			recs, err := f.repo.List(ctx, "gtfs", t0.Add(time.Hour), 0)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, first.Locator, recs[0].Locator)
		})
	}
}

func TestWriteResult_SameFileUploadedTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, index.NewMemoryIndex())
	req := WriteRequest{Dataset: "assets", MediaType: "model/gltf-binary", SubPath: "city.glb"}

	req.Data = "v1"
	a, err := f.repo.WriteResult(ctx, req)
	require.NoError(t, err)
	req.Data = "v2"
	b, err := f.repo.WriteResult(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, a.Locator, b.Locator)

	got, err := f.blobs.Read(ctx, a.Locator)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
}

type occupiedBlobs struct {
	blob.Store
}

func (occupiedBlobs) Exists(context.Context, string) (bool, error) { return true, nil }

func TestWriteResult_NoFreeKeyIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, index.NewMemoryIndex())
	f.repo.blobs = occupiedBlobs{Store: f.blobs}

	_, err := f.repo.WriteResult(ctx, WriteRequest{Dataset: "weather", MediaType: "text/plain", Data: "x", Timestamp: t0})
	assert.ErrorIs(t, err, ErrConflict)

	recs, err := f.repo.List(ctx, "weather", t0.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func buildLayeredTileset(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"tileset.json":        `{"root":{}}`,
		"b3dm/tile0.b3dm":     "b3dm-bytes",
		"terrain/layer.json":  `{"tiles":["{z}/{x}/{y}.terrain"]}`,
		"terrain/0/0/0.terra": "mesh",
	} {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDeleteArchive_RemovesRowsAndAssets(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, idx)
			classifier, err := archive.NewClassifier()
			require.NoError(t, err)

			res, err := f.repo.WriteArchive(ctx, "tiles", "", buildLayeredTileset(t), classifier)
			require.NoError(t, err)
			require.Len(t, res.Manifests, 2)
			require.Len(t, res.Assets, 2)

			require.NoError(t, f.repo.DeleteArchive(ctx, "tiles", res.Manifests[0].Locator))

			recs, err := f.repo.List(ctx, "tiles", t0.Add(time.Hour), 0)
			require.NoError(t, err)
			assert.Empty(t, recs)
			for _, loc := range res.Assets {
				_, err := f.blobs.Read(ctx, loc)
				assert.ErrorIs(t, err, blob.ErrNotFound, loc)
			}
			_, err = os.Stat(filepath.Join(f.dir, "tiles", "2024-05-01_10-00-00"))
			assert.True(t, os.IsNotExist(err))

			assert.ErrorIs(t, f.repo.DeleteArchive(ctx, "tiles", res.Manifests[0].Locator), ErrNotFound)
		})
	}
}

func TestWriteArchive_ReuploadInSameSecond(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, index.NewMemoryIndex())
	classifier, err := archive.NewClassifier()
	require.NoError(t, err)

	first, err := f.repo.WriteArchive(ctx, "tiles", "v1", buildTileset(t), classifier)
	require.NoError(t, err)
	second, err := f.repo.WriteArchive(ctx, "tiles", "v2", buildTileset(t), classifier)
	require.NoError(t, err)
	assert.True(t, second.Timestamp.Equal(t0.Add(time.Second)))
	assert.NotEqual(t, first.Manifests[0].Locator, second.Manifests[0].Locator)

	require.NoError(t, f.repo.DeleteArchive(ctx, "tiles", first.Manifests[0].Locator))

	got, err := f.blobs.Read(ctx, second.Assets[0])
	require.NoError(t, err, "the later upload keeps its assets")
	assert.Equal(t, "b3dm-bytes", string(got))
	recs, err := f.repo.List(ctx, "tiles", t0.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, second.Manifests[0].Locator, recs[0].Locator)
}

func TestDeleteArchive_RejectsNonArchiveLocators(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, index.NewMemoryIndex())

	rec, err := f.repo.WriteResult(ctx, WriteRequest{Dataset: "tiles", MediaType: "text/plain", Data: "x", Timestamp: t0})
	require.NoError(t, err)

	for _, loc := range []string{
		rec.Locator,
		filepath.Join(f.dir, "other", "2024-05-01_10-00-00", "tileset.json"),
		filepath.Join(f.dir, "tiles", "not-a-time", "tileset.json"),
		"/elsewhere/tiles/2024-05-01_10-00-00/tileset.json",
		"",
	} {
		assert.ErrorIs(t, f.repo.DeleteArchive(ctx, "tiles", loc), ErrValidation, loc)
	}
}

func TestWriteArchive_ExpandedSizeLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, index.NewMemoryIndex())
	f.repo = NewRepository(f.blobs, index.NewMemoryIndex(), zap.NewNop(), WithArchiveLimit(16))
	classifier, err := archive.NewClassifier()
	require.NoError(t, err)

	_, err = f.repo.WriteArchive(ctx, "tiles", "", buildTileset(t), classifier)
	assert.ErrorIs(t, err, ErrValidation)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
