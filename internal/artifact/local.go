package artifact

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

// DefaultURLPrefix is where the HTTP server mounts LocalStore's directory.
const DefaultURLPrefix = "/api/images/"

// LocalStore keeps artifacts as files in one directory. The HTTP server
// serves the directory at urlPrefix.
type LocalStore struct {
	dir       string
	urlPrefix string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates dir if needed.
func NewLocalStore(dir, urlPrefix string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create artifact directory %s", dir)
	}
	if urlPrefix == "" {
		urlPrefix = DefaultURLPrefix
	}
	return &LocalStore{dir: dir, urlPrefix: urlPrefix}, nil
}

// Dir returns the backing directory.
func (s *LocalStore) Dir() string { return s.dir }

// Put writes through a temp file and rename so readers never see a partial
// image.
func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) error {
	if err := validKey(key); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write artifact")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close artifact")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, key)); err != nil {
		return errors.Wrap(err, "rename artifact")
	}
	log.Debug().Str("key", key).Int("bytes", len(data)).Msg("Artifact saved")
	return nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(ErrNotFound, "%s", key)
	}
	return err
}

func (s *LocalStore) URL(_ context.Context, key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return s.urlPrefix + key, nil
}
