package staging

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// LocalStore keeps payloads under a root directory. Writes go to a temp file
// in the same directory followed by a rename, so Get never sees a torn write.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, errors.Wrapf(err, "creating staging root %s", root)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Put(key string, payload []byte) error {
	dest := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return errors.Wrapf(err, "creating staging dir for %s", key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".staging-*")
	if err != nil {
		return errors.Wrap(err, "creating staging temp file")
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "writing staging temp for %s", key)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "syncing staging temp for %s", key)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "closing staging temp for %s", key)
	}

	if err = os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "staging %s", key)
	}
	return nil
}

func (s *LocalStore) Get(key string) ([]byte, error) {
	payload, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		return nil, errors.Wrapf(err, "reading staged file %s", key)
	}
	return payload, nil
}

func (s *LocalStore) Delete(key string) error {
	err := os.Remove(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "deleting staged file %s", key)
	}
	return nil
}
