package images

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DiskStore writes images under a local directory. References are paths
// relative to that directory.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "listings"), 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) Put(ctx context.Context, u Upload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := objectName(u.Filename)
	if err := os.WriteFile(filepath.Join(s.root, filepath.FromSlash(ref)), u.Data, 0o644); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *DiskStore) Delete(_ context.Context, ref string) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *DiskStore) path(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: bad reference %q", ErrInvalidImage, ref)
	}
	return filepath.Join(s.root, clean), nil
}
