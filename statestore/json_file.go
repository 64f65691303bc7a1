package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// JSONFileStore persists Snapshots as a JSON-encoded file which is
// re-written on every Save.
type JSONFileStore struct {
	fs  afero.Fs
	dir string
}

var _ Store = &JSONFileStore{} // JSONFileStore is-a Store.

// NewJSONFileStore returns a JSONFileStore persisting under |dir| of
// |fs|.
func NewJSONFileStore(fs afero.Fs, dir string) (*JSONFileStore, error) {
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, errors.WithMessage(err, "creating state directory")
	}
	return &JSONFileStore{fs: fs, dir: dir}, nil
}

// Save commits by writing the complete Snapshot to a temporary file, and
// then atomically moving it to a well-known location. This ensures a
// complete Snapshot is always recovered, even if a process failure
// produced a partially written file.
func (s *JSONFileStore) Save(snap Snapshot) error {
	// O_TRUNC and not O_EXCL: a "next.json" left by a failed prior Save
	// is over-written.
	var f, err = s.fs.OpenFile(s.nextPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.WithMessage(err, "creating state file")
	}

	if err = json.NewEncoder(f).Encode(snap); err != nil {
		err = errors.WithMessage(err, "encode(snapshot)")
	} else if err = f.Close(); err != nil {
		err = errors.WithMessage(err, "closing state file")
	} else if err = s.fs.Rename(s.nextPath(), s.currentPath()); err != nil {
		err = errors.WithMessage(err, "renaming next => current")
	}
	return err
}

// Load returns the persisted Snapshot, or a zero Snapshot where none has
// been saved.
func (s *JSONFileStore) Load() (Snapshot, error) {
	var snap Snapshot

	var f, err = s.fs.Open(s.currentPath())
	if os.IsNotExist(err) {
		return snap, nil
	} else if err != nil {
		return snap, errors.WithMessage(err, "opening state file")
	}

	if err = json.NewDecoder(f).Decode(&snap); err != nil {
		_ = f.Close()
		return snap, errors.WithMessage(err, "decode(snapshot)")
	}
	return snap, errors.WithMessage(f.Close(), "closing state file")
}

func (s *JSONFileStore) currentPath() string { return filepath.Join(s.dir, "state.json") }
func (s *JSONFileStore) nextPath() string    { return filepath.Join(s.dir, "next.json") }
