package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FileStore keeps blobs in a local directory tree. Locators are filesystem
// paths rooted at the store directory.
type FileStore struct {
	baseDir string
	logger  *zap.Logger
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string, logger *zap.Logger) (*FileStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage dir: %w", err)
	}
	//nolint:gosec // G301: artifacts are served to other local readers
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure storage dir: %w", err)
	}
	return &FileStore{
		baseDir: abs,
		logger:  logger.With(zap.String("component", "file_store")),
	}, nil
}

// Write stores data under key, creating intermediate directories and
// replacing any existing file.
func (s *FileStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := s.Locate(key)
	if err != nil {
		return "", err
	}

	//nolint:gosec // G301
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	s.logger.Debug("blob written", zap.String("path", p), zap.Int("size", len(data)))
	return p, nil
}

func (s *FileStore) Read(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Delete(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.resolve(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	s.logger.Debug("blob deleted", zap.String("path", p))
	return nil
}

func (s *FileStore) Exists(ctx context.Context, locator string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.resolve(locator)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (s *FileStore) Locate(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(k)), nil
}

func (s *FileStore) KeyOf(locator string) (string, error) {
	p, err := s.resolve(locator)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(s.baseDir, p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return filepath.ToSlash(rel), nil
}

func (s *FileStore) HasPrefix(ctx context.Context, prefix string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, files, err := s.under(prefix)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// DeletePrefix removes the whole directory behind prefix.
func (s *FileStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dir, files, err := s.under(prefix)
	if err != nil {
		return 0, err
	}
	if files == nil {
		return 0, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("failed to delete %s: %w", dir, err)
	}
	s.logger.Debug("blob prefix deleted", zap.String("path", dir), zap.Int("count", len(files)))
	return len(files), nil
}

// under lists the committed blobs below the directory of prefix. A missing
// directory, or a prefix naming a single blob, yields nothing.
func (s *FileStore) under(prefix string) (string, []string, error) {
	dir, err := s.Locate(prefix)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return dir, nil, nil
		}
		return "", nil, err
	}
	if !info.IsDir() {
		return dir, nil, nil
	}

	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && !strings.HasPrefix(d.Name(), ".blob-") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return dir, files, nil
}

// resolve maps a locator back to a path, refusing anything outside baseDir.
func (s *FileStore) resolve(locator string) (string, error) {
	p := filepath.Clean(locator)
	rel, err := filepath.Rel(s.baseDir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: locator %q is outside %s", ErrInvalidKey, locator, s.baseDir)
	}
	return p, nil
}
