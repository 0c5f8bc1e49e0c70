//go:build !windows

package permission

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// umask returns the process file mode creation mask. Replaced in tests.
var umask = func() os.FileMode {
	mask := unix.Umask(0)
	unix.Umask(mask)
	return os.FileMode(mask)
}

// OSGate protects folders with POSIX mode bits. Hidden state is already
// carried by the leading-dot concealed name, so only access bits change.
type OSGate struct {
	fs     afero.Fs
	strict bool
	run    CommandRunner
	logger *zap.Logger
}

// Apply removes write access from the folder so its entries cannot be
// created, renamed or deleted. The strict profile removes all access.
func (g *OSGate) Apply(path string) error {
	info, err := g.stat(path)
	if err != nil {
		return err
	}

	mode := os.FileMode(LockedFileMode)
	if info.IsDir() {
		mode = LockedDirMode
		if g.strict {
			mode = StrictDirMode
		}
	}
	if err := g.fs.Chmod(path, mode); err != nil {
		return fmt.Errorf("permission: failed to apply profile to %s: %w", path, err)
	}
	g.logger.Debug("permission profile applied", zap.String("path", path), zap.Stringer("mode", mode))
	return nil
}

// Relax resets the path to the mode a new entry would get under the
// current umask, the same default a fresh mkdir produces.
func (g *OSGate) Relax(path string) error {
	info, err := g.stat(path)
	if err != nil {
		return err
	}

	mode := os.FileMode(DefaultFilePerm)
	if info.IsDir() {
		mode = DefaultDirPerm
	}
	mode &^= umask()
	if err := g.fs.Chmod(path, mode); err != nil {
		return fmt.Errorf("permission: failed to relax profile on %s: %w", path, err)
	}
	g.logger.Debug("permission profile relaxed", zap.String("path", path), zap.Stringer("mode", mode))
	return nil
}

// MarkFile makes the file read-only for its owner.
func (g *OSGate) MarkFile(path string) error {
	if err := g.fs.Chmod(path, LockedFileMode); err != nil {
		return fmt.Errorf("permission: failed to mark %s: %w", path, err)
	}
	return nil
}

// UnmarkFile restores owner read/write on the file.
func (g *OSGate) UnmarkFile(path string) error {
	if err := g.fs.Chmod(path, FileMode); err != nil {
		return fmt.Errorf("permission: failed to unmark %s: %w", path, err)
	}
	return nil
}

func (g *OSGate) stat(path string) (os.FileInfo, error) {
	info, err := g.fs.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		return nil, fmt.Errorf("permission: failed to stat %s: %w", path, err)
	}
	return info, nil
}
