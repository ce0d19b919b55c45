package artifact

import (
	"context"
	"crypto/md5" //nolint:gosec // content digest for change detection, not security
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/digitaltwin-dataspace/internal/blob"
	"github.com/i474232898/digitaltwin-dataspace/internal/index"
)

const (
	// KeyTimeLayout formats artifact timestamps inside blob keys.
	KeyTimeLayout = "2006-01-02_15-04-05"
	// DefaultLimit caps listings when the caller gives no limit.
	DefaultLimit = 1000
	// DefaultArchiveLimit caps the expanded size of one archive upload.
	DefaultArchiveLimit int64 = 2 << 30

	// maxKeyAttempts bounds how many seconds a write moves forward to find
	// a free blob key.
	maxKeyAttempts = 60
)

// WriteRequest describes one artifact to persist.
//
// Data may be nil (stored as an empty blob without digest), []byte, string,
// json.RawMessage, an io.Reader, or any value encodable as JSON.
type WriteRequest struct {
	Dataset     string
	MediaType   string
	Data        any
	Timestamp   time.Time // zero means now
	Description string
	SubPath     string
}

// Artifact is a record together with its bytes.
type Artifact struct {
	Record index.Record
	Data   []byte
}

// Repository ties the index and the blob store together.
type Repository struct {
	blobs        blob.Store
	index        index.Index
	logger       *zap.Logger
	now          func() time.Time
	archiveLimit int64

	// key: dataset, value: *sync.Mutex held while a blob key is claimed
	locks sync.Map
}

// Option customizes a Repository.
type Option func(*Repository)

// WithArchiveLimit caps the total expanded size of an archive upload.
func WithArchiveLimit(n int64) Option {
	return func(r *Repository) {
		if n > 0 {
			r.archiveLimit = n
		}
	}
}

func NewRepository(blobs blob.Store, idx index.Index, logger *zap.Logger, opts ...Option) *Repository {
	r := &Repository{
		blobs:        blobs,
		index:        idx,
		logger:       logger.With(zap.String("component", "artifacts")),
		now:          time.Now,
		archiveLimit: DefaultArchiveLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key derives the blob key of an artifact: {dataset}/{timestamp}[/{subPath}].
func Key(dataset string, ts time.Time, subPath string) string {
	k := dataset + "/" + ts.UTC().Format(KeyTimeLayout)
	if subPath != "" {
		k += "/" + subPath
	}
	return k
}

// WriteResult stores req's bytes in the blob store and appends an index row
// pointing at them. If the row insert fails the blob is left in place and
// logged as orphaned.
//
// Blob keys carry the timestamp to the second. When the key is already taken
// by an earlier artifact the timestamp moves forward to the next free second,
// so stored blobs are never replaced.
func (r *Repository) WriteResult(ctx context.Context, req WriteRequest) (index.Record, error) {
	if err := index.ValidateDataset(req.Dataset); err != nil {
		return index.Record{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if req.MediaType == "" {
		return index.Record{}, fmt.Errorf("%w: media type is required", ErrValidation)
	}
	subPath, err := cleanSubPath(req.SubPath)
	if err != nil {
		return index.Record{}, err
	}
	data, err := normalize(req.Data)
	if err != nil {
		return index.Record{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	ts = ts.UTC().Truncate(time.Microsecond)

	unlock := r.lock(req.Dataset)
	defer unlock()

	ts, err = r.claim(ctx, ts, func(t time.Time) string { return Key(req.Dataset, t, subPath) }, r.blobExists)
	if err != nil {
		return index.Record{}, err
	}
	return r.store(ctx, req, ts, subPath, data)
}

// store writes the blob and its index row; the key must already be claimed.
func (r *Repository) store(ctx context.Context, req WriteRequest, ts time.Time, subPath string, data []byte) (index.Record, error) {
	key := Key(req.Dataset, ts, subPath)
	locator, err := r.blobs.Write(ctx, key, data)
	if err != nil {
		return index.Record{}, fmt.Errorf("failed to store blob %s: %w", key, err)
	}

	rec := index.Record{
		Date:    ts,
		Locator: locator,
		Hash:    digest(data),
		Type:    req.MediaType,
	}
	if req.Description != "" {
		d := req.Description
		rec.Description = &d
	}

	if err := r.index.Insert(ctx, req.Dataset, &rec); err != nil {
		r.logger.Error("index insert failed, blob orphaned",
			zap.String("dataset", req.Dataset),
			zap.String("locator", locator),
			zap.Error(err),
		)
		return index.Record{}, fmt.Errorf("failed to index %s (blob %s left orphaned): %w", key, locator, err)
	}

	r.logger.Debug("artifact written",
		zap.String("dataset", req.Dataset),
		zap.String("locator", locator),
		zap.Int("size", len(data)),
	)
	return rec, nil
}

// lock serializes key claims within one dataset.
func (r *Repository) lock(dataset string) func() {
	v, _ := r.locks.LoadOrStore(dataset, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// claim returns ts, or the first later whole second, whose key is not taken.
func (r *Repository) claim(
	ctx context.Context,
	ts time.Time,
	keyAt func(time.Time) string,
	taken func(context.Context, string) (bool, error),
) (time.Time, error) {
	for i := 0; i < maxKeyAttempts; i++ {
		key := keyAt(ts)
		busy, err := taken(ctx, key)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to check blob key %s: %w", key, err)
		}
		if !busy {
			return ts, nil
		}
		r.logger.Debug("blob key taken, moving to next second", zap.String("key", key))
		ts = ts.Truncate(time.Second).Add(time.Second)
	}
	return time.Time{}, fmt.Errorf("%w: no free blob key within %d seconds of %s", ErrConflict, maxKeyAttempts, keyAt(ts))
}

func (r *Repository) blobExists(ctx context.Context, key string) (bool, error) {
	locator, err := r.blobs.Locate(key)
	if err != nil {
		return false, err
	}
	return r.blobs.Exists(ctx, locator)
}

// DeleteResult removes the index row first and the blob second. A blob
// failure after the row is gone is reported as ErrConsistency; the row is
// not restored.
func (r *Repository) DeleteResult(ctx context.Context, dataset, locator string) error {
	if err := index.ValidateDataset(dataset); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if locator == "" {
		return fmt.Errorf("%w: locator is required", ErrValidation)
	}

	if err := r.index.DeleteByLocator(ctx, dataset, locator); err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return err
	}

	if err := r.blobs.Delete(ctx, locator); err != nil {
		r.logger.Error("blob delete failed after index row removal",
			zap.String("dataset", dataset),
			zap.String("locator", locator),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrConsistency, err)
	}

	r.logger.Info("artifact deleted", zap.String("dataset", dataset), zap.String("locator", locator))
	return nil
}

// Latest returns the newest artifact of dataset dated at or before t.
func (r *Repository) Latest(ctx context.Context, dataset string, t time.Time) (Artifact, error) {
	if err := index.ValidateDataset(dataset); err != nil {
		return Artifact{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	rec, err := r.index.QueryLatestBefore(ctx, dataset, t)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return Artifact{}, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return Artifact{}, err
	}

	data, err := r.blobs.Read(ctx, rec.Locator)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			r.logger.Error("indexed artifact has no blob",
				zap.String("dataset", dataset),
				zap.String("locator", rec.Locator),
			)
			return Artifact{}, fmt.Errorf("%w: %w", ErrConsistency, err)
		}
		return Artifact{}, err
	}
	return Artifact{Record: rec, Data: data}, nil
}

// List returns up to limit records dated at or before t, newest first.
// A limit <= 0 means DefaultLimit.
func (r *Repository) List(ctx context.Context, dataset string, t time.Time, limit int) ([]index.Record, error) {
	if err := index.ValidateDataset(dataset); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	recs, err := r.index.QueryBefore(ctx, dataset, t, limit)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []index.Record{}
	}
	return recs, nil
}

// Verify returns the records of dataset (up to limit, newest first) whose
// locator no longer resolves in the blob store.
func (r *Repository) Verify(ctx context.Context, dataset string, limit int) ([]index.Record, error) {
	recs, err := r.List(ctx, dataset, r.now(), limit)
	if err != nil {
		return nil, err
	}
	var missing []index.Record
	for _, rec := range recs {
		ok, err := r.blobs.Exists(ctx, rec.Locator)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s: %w", rec.Locator, err)
		}
		if !ok {
			r.logger.Warn("dangling index row",
				zap.String("dataset", dataset),
				zap.String("locator", rec.Locator),
			)
			missing = append(missing, rec)
		}
	}
	return missing, nil
}

func normalize(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return []byte(v), nil
	case io.Reader:
		return io.ReadAll(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %T as json: %w", data, err)
		}
		return b, nil
	}
}

func digest(data []byte) *string {
	if len(data) == 0 {
		return nil
	}
	sum := md5.Sum(data) //nolint:gosec
	h := hex.EncodeToString(sum[:])
	return &h
}

func cleanSubPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	s := strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(s, "/") {
		return "", fmt.Errorf("%w: sub path %q is absolute", ErrValidation, p)
	}
	s = path.Clean(s)
	if s == "." || s == ".." || strings.HasPrefix(s, "../") {
		return "", fmt.Errorf("%w: sub path %q escapes the dataset", ErrValidation, p)
	}
	return s, nil
}
