package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/digitaltwin-dataspace/internal/archive"
	"github.com/i474232898/digitaltwin-dataspace/internal/index"
)

// ManifestMediaType is the declared type of indexed archive manifests.
const ManifestMediaType = "application/json"

// ArchiveResult lists what an archive upload produced.
type ArchiveResult struct {
	Timestamp time.Time
	Manifests []index.Record
	Assets    []string // blob locators, not indexed
}

// WriteArchive expands a zip upload under a single timestamp. Manifests are
// indexed with their archive path as sub path; every other
// member is written to {dataset}/{timestamp}/{path} without an index row.
// Nothing is written when the archive fails to expand. Two archives never
// share a timestamp directory: a taken one moves the upload to the next
// free second.
func (r *Repository) WriteArchive(ctx context.Context, dataset, description string, data []byte, classifier *archive.Classifier) (ArchiveResult, error) {
	if err := index.ValidateDataset(dataset); err != nil {
		return ArchiveResult{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	members, err := archive.Expand(data, r.archiveLimit)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	manifests, assets := classifier.Partition(members)
	if len(manifests) == 0 {
		return ArchiveResult{}, fmt.Errorf("%w: archive contains no manifest", ErrValidation)
	}

	unlock := r.lock(dataset)
	defer unlock()

	ts, err := r.claim(ctx, r.now().UTC().Truncate(time.Microsecond),
		func(t time.Time) string { return Key(dataset, t, "") }, r.blobs.HasPrefix)
	if err != nil {
		return ArchiveResult{}, err
	}
	result := ArchiveResult{Timestamp: ts}

	// assets first, so a manifest never becomes visible before the files it references
	for _, a := range assets {
		key := Key(dataset, ts, a.Path)
		locator, err := r.blobs.Write(ctx, key, a.Data)
		if err != nil {
			return result, fmt.Errorf("failed to store asset %s: %w", key, err)
		}
		result.Assets = append(result.Assets, locator)
	}

	for _, m := range manifests {
		req := WriteRequest{
			Dataset:     dataset,
			MediaType:   ManifestMediaType,
			Description: description,
		}
		rec, err := r.store(ctx, req, ts, m.Path, m.Data)
		if err != nil {
			return result, err
		}
		result.Manifests = append(result.Manifests, rec)
	}

	r.logger.Info("archive stored",
		zap.String("dataset", dataset),
		zap.Int("manifests", len(result.Manifests)),
		zap.Int("assets", len(result.Assets)),
	)
	return result, nil
}

// DeleteArchive removes the archive that the manifest at locator belongs to:
// every index row under its {dataset}/{timestamp}/ directory, then every blob
// there. Blob failures after the rows are gone are ErrConsistency.
func (r *Repository) DeleteArchive(ctx context.Context, dataset, locator string) error {
	if err := index.ValidateDataset(dataset); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if locator == "" {
		return fmt.Errorf("%w: locator is required", ErrValidation)
	}
	prefix, stamp, err := r.archivePrefix(dataset, locator)
	if err != nil {
		return err
	}

	unlock := r.lock(dataset)
	defer unlock()

	if err := r.index.DeleteByLocator(ctx, dataset, locator); err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return err
	}

	// sibling manifests carry a date inside the same second
	recs, err := r.index.QueryBefore(ctx, dataset, stamp.Add(time.Second-time.Nanosecond), DefaultLimit)
	if err != nil {
		return err
	}
	rows := 1
	for _, rec := range recs {
		if r.isUnder(rec.Locator, prefix) {
			if err := r.index.DeleteByLocator(ctx, dataset, rec.Locator); err != nil && !errors.Is(err, index.ErrNotFound) {
				return err
			}
			rows++
		}
	}

	n, err := r.blobs.DeletePrefix(ctx, prefix)
	if err != nil {
		r.logger.Error("archive blob delete failed after index row removal",
			zap.String("dataset", dataset),
			zap.String("prefix", prefix),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrConsistency, err)
	}

	r.logger.Info("archive deleted",
		zap.String("dataset", dataset),
		zap.String("prefix", prefix),
		zap.Int("rows", rows),
		zap.Int("blobs", n),
	)
	return nil
}

// archivePrefix maps a manifest locator to its {dataset}/{timestamp} key
// prefix and the timestamp it encodes.
func (r *Repository) archivePrefix(dataset, locator string) (string, time.Time, error) {
	key, err := r.blobs.KeyOf(locator)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 3 || parts[0] != dataset {
		return "", time.Time{}, fmt.Errorf("%w: %q is not an archive member of %s", ErrValidation, locator, dataset)
	}
	stamp, err := time.Parse(KeyTimeLayout, parts[1])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %q has no archive timestamp", ErrValidation, locator)
	}
	return parts[0] + "/" + parts[1], stamp, nil
}

func (r *Repository) isUnder(locator, prefix string) bool {
	key, err := r.blobs.KeyOf(locator)
	return err == nil && strings.HasPrefix(key, prefix+"/")
}
