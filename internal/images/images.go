// Package images validates listing image uploads and stores them behind an
// opaque reference.
package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidImage is returned for uploads that fail validation.
var ErrInvalidImage = errors.New("invalid image")

// DefaultMaxBytes caps a single image.
const DefaultMaxBytes = 5 << 20

var allowedExt = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Upload is one image as received from the client.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Store persists image bytes and hands back a reference.
type Store interface {
	Put(ctx context.Context, u Upload) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Validate checks every upload before anything is written.
func Validate(uploads []Upload, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	for i, u := range uploads {
		ext := strings.ToLower(filepath.Ext(u.Filename))
		if _, ok := allowedExt[ext]; !ok {
			return fmt.Errorf("%w: image %d (%q) must be png, jpg, jpeg, gif or webp", ErrInvalidImage, i, u.Filename)
		}
		if len(u.Data) == 0 {
			return fmt.Errorf("%w: image %d is empty", ErrInvalidImage, i)
		}
		if int64(len(u.Data)) > maxBytes {
			return fmt.Errorf("%w: image %d exceeds %d bytes", ErrInvalidImage, i, maxBytes)
		}
	}
	return nil
}

// PutAll stores uploads in order. On failure the refs already written are
// removed again.
func PutAll(ctx context.Context, st Store, uploads []Upload) ([]string, error) {
	refs := make([]string, 0, len(uploads))
	for _, u := range uploads {
		ref, err := st.Put(ctx, u)
		if err != nil {
			DeleteAll(ctx, st, refs)
			return nil, fmt.Errorf("store image %q: %w", u.Filename, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// DeleteAll removes refs best-effort.
func DeleteAll(ctx context.Context, st Store, refs []string) {
	for _, ref := range refs {
		if err := st.Delete(ctx, ref); err != nil {
			slog.Warn("image delete failed", "ref", ref, "err", err)
		}
	}
}

func objectName(filename string) string {
	return "listings/" + uuid.NewString() + strings.ToLower(filepath.Ext(filename))
}

func contentType(u Upload) string {
	if u.ContentType != "" && strings.HasPrefix(u.ContentType, "image/") {
		return u.ContentType
	}
	return allowedExt[strings.ToLower(filepath.Ext(u.Filename))]
}
