// Package artifact stores the normalized images kept alongside an analysis
// result, so the result page can show them and the reaper can reclaim them.
package artifact

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned by Delete when the object does not exist.
var ErrNotFound = errors.New("artifact: not found")

// Store persists artifact bytes under a flat key.
type Store interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, mimeType string) error
	// Delete removes key. It returns ErrNotFound when nothing was stored.
	Delete(ctx context.Context, key string) error
	// URL returns a link the browser can fetch the artifact from.
	URL(ctx context.Context, key string) (string, error)
}

// Key builds the object key for one role's image, e.g. "ABC123_child.jpg".
func Key(code, role, mimeType string) string {
	return code + "_" + role + extension(mimeType)
}

func extension(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// validKey rejects keys that could escape a flat namespace.
func validKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return errors.Newf("artifact: invalid key %q", key)
	}
	return nil
}
