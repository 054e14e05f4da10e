package auth

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FileStore keeps credentials in a JSON file readable only by the user.
type FileStore struct {
	path string
}

// NewFileStore stores credentials at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultPath returns <user config dir>/marketchat/credentials-<profile>.json.
func DefaultPath(profile string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "auth: locate config dir")
	}
	if profile == "" {
		profile = "default"
	}
	return filepath.Join(dir, "marketchat", "credentials-"+profile+".json"), nil
}

// Path returns the file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(ctx context.Context) (*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, errors.Wrap(err, "auth: read credentials")
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "auth: decode %s", s.path)
	}
	return &c, nil
}

func (s *FileStore) Save(ctx context.Context, c *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "auth: create config dir")
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "auth: encode credentials")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "auth: write credentials")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "auth: replace credentials")
}

func (s *FileStore) Clear(ctx context.Context) error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "auth: remove credentials")
	}
	return nil
}
