// Package archive unpacks multi-file uploads (3D tilesets, terrain layers)
// and splits their members into indexed manifests and blob-only assets.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zip"
)

// ErrInvalidArchive is returned for archives that cannot be expanded safely.
var ErrInvalidArchive = errors.New("invalid archive")

// DefaultManifestPatterns match the entry points of 3D Tiles and quantized
// mesh terrain layers, at any depth.
var DefaultManifestPatterns = []string{"**/tileset.json", "**/layer.json"}

// Member is one file of an expanded archive.
type Member struct {
	Path string
	Data []byte
}

// Expand reads every regular file of a zip archive. Members are returned
// sorted by path. Names that are absolute, escape the archive root or occur
// twice are rejected, as are archives whose members add up to more than
// limit bytes once decompressed.
func Expand(data []byte, limit int64) ([]Member, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: size limit must be positive", ErrInvalidArchive)
	}
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	remaining := limit
	seen := make(map[string]struct{}, len(r.File))
	members := make([]Member, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		name, err := memberPath(f.Name)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate member %q", ErrInvalidArchive, name)
		}
		seen[name] = struct{}{}

		if f.UncompressedSize64 > uint64(remaining) {
			return nil, tooLarge(limit)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrInvalidArchive, name, err)
		}
		// the header size is not trusted; the reader stops one byte past the budget
		content, err := io.ReadAll(io.LimitReader(rc, remaining+1))
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidArchive, name, err)
		}
		if int64(len(content)) > remaining {
			return nil, tooLarge(limit)
		}
		remaining -= int64(len(content))
		members = append(members, Member{Path: name, Data: content})
	}

	if len(members) == 0 {
		return nil, fmt.Errorf("%w: archive has no files", ErrInvalidArchive)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Path < members[j].Path })
	return members, nil
}

func tooLarge(limit int64) error {
	return fmt.Errorf("%w: expanded size exceeds %d bytes", ErrInvalidArchive, limit)
}

func memberPath(name string) (string, error) {
	p := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: absolute member path %q", ErrInvalidArchive, name)
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("%w: member path %q escapes the archive", ErrInvalidArchive, name)
	}
	return p, nil
}

// Classifier decides which members are manifests.
type Classifier struct {
	patterns []string
}

// NewClassifier validates the doublestar patterns. With no patterns the
// DefaultManifestPatterns are used.
func NewClassifier(patterns ...string) (*Classifier, error) {
	if len(patterns) == 0 {
		patterns = DefaultManifestPatterns
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid manifest pattern %q", p)
		}
	}
	return &Classifier{patterns: append([]string(nil), patterns...)}, nil
}

// IsManifest reports whether the archive-relative path p is a manifest.
func (c *Classifier) IsManifest(p string) bool {
	for _, pattern := range c.patterns {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

// Partition splits members into manifests and assets, preserving order.
func (c *Classifier) Partition(members []Member) (manifests, assets []Member) {
	for _, m := range members {
		if c.IsManifest(m.Path) {
			manifests = append(manifests, m)
		} else {
			assets = append(assets, m)
		}
	}
	return manifests, assets
}
