package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"
)

// AzureStore keeps blobs in a single Azure storage container. Locators are
// the blob URLs.
type AzureStore struct {
	client    *azblob.Client
	container string
	host      string
	// prefix is the URL path of the container, including the account
	// segment on path-style endpoints (Azurite).
	prefix string
	logger *zap.Logger
}

func NewAzureStore(connectionString, container string, logger *zap.Logger) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure blob client: %w", err)
	}
	u, err := url.Parse(client.ServiceClient().NewContainerClient(container).URL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse azure container url: %w", err)
	}
	return &AzureStore{
		client:    client,
		container: container,
		host:      u.Host,
		prefix:    strings.TrimSuffix(u.Path, "/") + "/",
		logger:    logger.With(zap.String("component", "azure_store"), zap.String("container", container)),
	}, nil
}

// EnsureContainer creates the container when it does not exist yet.
func (s *AzureStore) EnsureContainer(ctx context.Context) error {
	_, err := s.client.CreateContainer(ctx, s.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to create container %s: %w", s.container, err)
	}
	return nil
}

func (s *AzureStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if data == nil {
		data = []byte{}
	}

	s.logger.Debug("uploading blob", zap.String("path", k), zap.Int("size", len(data)))
	if _, err := s.client.UploadBuffer(ctx, s.container, k, data, &azblob.UploadBufferOptions{}); err != nil {
		s.logger.Error("failed to upload blob", zap.String("path", k), zap.Error(err))
		return "", fmt.Errorf("failed to upload blob %s: %w", k, err)
	}
	return s.locatorFor(k), nil
}

func (s *AzureStore) Read(ctx context.Context, locator string) ([]byte, error) {
	k, err := s.keyFromLocator(locator)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, k, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("failed to download blob %s: %w", k, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", k, err)
	}
	return data, nil
}

func (s *AzureStore) Delete(ctx context.Context, locator string) error {
	k, err := s.keyFromLocator(locator)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, k, &azblob.DeleteBlobOptions{}); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		s.logger.Error("failed to delete blob", zap.String("path", k), zap.Error(err))
		return fmt.Errorf("failed to delete blob %s: %w", k, err)
	}
	s.logger.Debug("blob deleted", zap.String("path", k))
	return nil
}

func (s *AzureStore) Exists(ctx context.Context, locator string) (bool, error) {
	k, err := s.keyFromLocator(locator)
	if err != nil {
		return false, err
	}
	_, err = s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(k).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *AzureStore) Locate(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return s.locatorFor(k), nil
}

func (s *AzureStore) KeyOf(locator string) (string, error) {
	return s.keyFromLocator(locator)
}

func (s *AzureStore) HasPrefix(ctx context.Context, prefix string) (bool, error) {
	names, err := s.list(ctx, prefix, 1)
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

func (s *AzureStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	names, err := s.list(ctx, prefix, 0)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, name := range names {
		if _, err := s.client.DeleteBlob(ctx, s.container, name, &azblob.DeleteBlobOptions{}); err != nil {
			if bloberror.HasCode(err, bloberror.BlobNotFound) {
				continue
			}
			s.logger.Error("failed to delete blob", zap.String("path", name), zap.Error(err))
			return deleted, fmt.Errorf("failed to delete blob %s: %w", name, err)
		}
		deleted++
	}
	s.logger.Debug("blob prefix deleted", zap.String("prefix", prefix), zap.Int("count", deleted))
	return deleted, nil
}

// list returns the blob names under prefix, stopping after limit names when
// limit > 0.
func (s *AzureStore) list(ctx context.Context, prefix string, limit int32) ([]string, error) {
	k, err := cleanKey(prefix)
	if err != nil {
		return nil, err
	}
	p := k + "/"
	opts := &azblob.ListBlobsFlatOptions{Prefix: &p}
	if limit > 0 {
		opts.MaxResults = &limit
	}

	var names []string
	pager := s.client.NewListBlobsFlatPager(s.container, opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			if bloberror.HasCode(err, bloberror.ContainerNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to list blobs under %s: %w", p, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
		if limit > 0 && len(names) >= int(limit) {
			break
		}
	}
	return names, nil
}

func (s *AzureStore) locatorFor(key string) string {
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(key).URL()
}

// keyFromLocator accepts only URLs on this account and container.
func (s *AzureStore) keyFromLocator(locator string) (string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if u.Host != s.host {
		return "", fmt.Errorf("%w: locator %q is not on %s", ErrInvalidKey, locator, s.host)
	}
	if !strings.HasPrefix(u.Path, s.prefix) {
		return "", fmt.Errorf("%w: locator %q is not in container %s", ErrInvalidKey, locator, s.container)
	}
	return cleanKey(strings.TrimPrefix(u.Path, s.prefix))
}
