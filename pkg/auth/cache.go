package auth

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileTokenCache persists the token pair as a YAML file, the CLI's stand-in
// for the browser's localStorage.
type FileTokenCache struct {
	Path string
}

func (f *FileTokenCache) Load() (*TokenPair, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read token cache")
	}
	var pair TokenPair
	if err := yaml.Unmarshal(data, &pair); err != nil {
		return nil, errors.Wrap(err, "parse token cache")
	}
	if pair.AccessToken == "" {
		return nil, nil
	}
	return &pair, nil
}

func (f *FileTokenCache) Save(pair TokenPair) error {
	data, err := yaml.Marshal(pair)
	if err != nil {
		return errors.Wrap(err, "encode token cache")
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return errors.Wrap(err, "create cache dir")
	}
	// tokens are credentials; keep the file private
	if err := os.WriteFile(f.Path, data, 0o600); err != nil {
		return errors.Wrap(err, "write token cache")
	}
	return nil
}

func (f *FileTokenCache) Clear() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove token cache")
	}
	return nil
}
