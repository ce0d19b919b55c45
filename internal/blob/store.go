package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a locator does not resolve to a stored blob.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidKey is returned for keys or locators that escape the store root.
	ErrInvalidKey = errors.New("invalid blob key")
)

// Store is a content-agnostic key to bytes facility. Write returns the
// locator that Read and Delete accept for the same backend.
//
// Prefixes name a directory-like key: HasPrefix and DeletePrefix look at
// every blob stored under prefix + "/".
type Store interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	Read(ctx context.Context, locator string) ([]byte, error)
	Delete(ctx context.Context, locator string) error
	Exists(ctx context.Context, locator string) (bool, error)

	// Locate returns the locator Write would return for key, without writing.
	Locate(key string) (string, error)
	// KeyOf maps a locator of this store back to its key.
	KeyOf(locator string) (string, error)

	HasPrefix(ctx context.Context, prefix string) (bool, error)
	// DeletePrefix removes every blob under prefix and reports how many went.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Config selects a backend. A non-empty ConnectionString selects Azure blob
// storage, otherwise Directory is required.
type Config struct {
	ConnectionString string
	Container        string
	Directory        string
}

// New builds the backend described by cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if cfg.ConnectionString != "" {
		if cfg.Container == "" {
			return nil, fmt.Errorf("azure storage container is required with a connection string")
		}
		s, err := NewAzureStore(cfg.ConnectionString, cfg.Container, logger)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureContainer(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	if cfg.Directory == "" {
		return nil, fmt.Errorf("file storage directory is required when no connection string is set")
	}
	return NewFileStore(cfg.Directory, logger)
}

// cleanKey normalizes a slash separated key and rejects anything that would
// resolve outside of the store root.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	k := strings.ReplaceAll(key, "\\", "/")
	if strings.HasPrefix(k, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidKey, key)
	}
	k = path.Clean(k)
	if k == "." || k == ".." || strings.HasPrefix(k, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return k, nil
}
