// Package metadata persists the password digest of a locked folder as a
// single reserved file inside that folder.
package metadata

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/forest6511/folderlock/pkg/permission"
)

// Constants
const (
	DefaultFileName = ".locker_metadata"
	FileMode        = 0600 // Owner read/write only
)

// Errors
var (
	ErrMetadataNotFound = errors.New("metadata: metadata file not found")
	ErrMetadataEmpty    = errors.New("metadata: metadata file is empty")
	ErrInvalidFileName  = errors.New("metadata: invalid metadata file name")
)

// Store reads and writes the digest file.
type Store struct {
	fs     afero.Fs
	name   string
	marker permission.FileMarker
	logger *zap.Logger
}

// New returns a Store writing files called name. A nil marker disables file
// marking and a nil logger discards warnings.
func New(fs afero.Fs, name string, marker permission.FileMarker, logger *zap.Logger) (*Store, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	if marker == nil {
		marker = permission.NopGate{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{fs: fs, name: name, marker: marker, logger: logger}, nil
}

// Name returns the metadata file name.
func (s *Store) Name() string {
	return s.name
}

// Path returns the metadata file path inside dir.
func (s *Store) Path(dir string) string {
	return filepath.Join(dir, s.name)
}

// Write creates or replaces the metadata file in dir with digest as its only
// content, then marks it hidden. Marking is best effort.
func (s *Store) Write(dir, digest string) error {
	path := s.Path(dir)

	// A previous write may have left the file read-only.
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		s.logger.Warn("failed to inspect metadata file", zap.String("path", path), zap.Error(err))
	}
	if exists {
		if err := s.marker.UnmarkFile(path); err != nil {
			s.logger.Warn("failed to clear metadata file attributes", zap.String("path", path), zap.Error(err))
		}
	}

	if err := afero.WriteFile(s.fs, path, []byte(digest), FileMode); err != nil {
		return fmt.Errorf("metadata: failed to write %s: %w", path, err)
	}

	if err := s.marker.MarkFile(path); err != nil {
		s.logger.Warn("failed to set metadata file attributes", zap.String("path", path), zap.Error(err))
	}
	return nil
}

// Read returns the digest stored in dir.
func (s *Store) Read(dir string) (string, error) {
	path := s.Path(dir)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrMetadataNotFound, path)
		}
		return "", fmt.Errorf("metadata: failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: %s", ErrMetadataEmpty, path)
	}
	return string(data), nil
}

// Remove deletes the metadata file from dir.
func (s *Store) Remove(dir string) error {
	path := s.Path(dir)
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return fmt.Errorf("metadata: failed to stat %s: %w", path, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrMetadataNotFound, path)
	}

	if err := s.marker.UnmarkFile(path); err != nil {
		s.logger.Warn("failed to clear metadata file attributes", zap.String("path", path), zap.Error(err))
	}
	if err := s.fs.Remove(path); err != nil {
		return fmt.Errorf("metadata: failed to remove %s: %w", path, err)
	}
	return nil
}

// Exists reports whether dir holds a metadata file.
func (s *Store) Exists(dir string) (bool, error) {
	ok, err := afero.Exists(s.fs, s.Path(dir))
	if err != nil {
		return false, fmt.Errorf("metadata: failed to stat %s: %w", s.Path(dir), err)
	}
	return ok, nil
}
