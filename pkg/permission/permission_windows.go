//go:build windows

package permission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

const (
	lockedAttributes = windows.FILE_ATTRIBUTE_HIDDEN | windows.FILE_ATTRIBUTE_SYSTEM | windows.FILE_ATTRIBUTE_READONLY
	markedAttributes = windows.FILE_ATTRIBUTE_HIDDEN | windows.FILE_ATTRIBUTE_SYSTEM
)

// OSGate protects folders with NTFS ACLs set through icacls and with the
// hidden, system and read-only attribute bits.
type OSGate struct {
	fs     afero.Fs
	strict bool
	run    CommandRunner
	logger *zap.Logger
}

// Apply disables ACL inheritance, grants Administrators full control, removes
// the Everyone entries and adds a deny rule for Everyone, then sets the
// attribute bits. Both halves are attempted even if the first fails.
func (g *OSGate) Apply(path string) error {
	deny := denyDeleteChange
	if g.strict {
		deny = denyAll
	}
	aclErr := g.icacls(path,
		"/inheritance:d",
		"/grant:r", grantAdminFullCtrl,
		"/remove", EveryoneSID,
		"/deny", deny,
	)
	attrErr := setAttributes(path, lockedAttributes, 0)
	if err := errors.Join(aclErr, attrErr); err != nil {
		return fmt.Errorf("permission: failed to apply profile to %s: %w", path, err)
	}
	g.logger.Debug("permission profile applied", zap.String("path", path), zap.Bool("strict", g.strict))
	return nil
}

// Relax resets the ACL of the folder and everything below it to the
// inherited defaults and clears the attribute bits.
func (g *OSGate) Relax(path string) error {
	aclErr := g.icacls(path, "/reset", "/T", "/C", "/Q")
	attrErr := setAttributes(path, 0, lockedAttributes)
	if err := errors.Join(aclErr, attrErr); err != nil {
		return fmt.Errorf("permission: failed to relax profile on %s: %w", path, err)
	}
	g.logger.Debug("permission profile relaxed", zap.String("path", path))
	return nil
}

// MarkFile sets the hidden and system bits.
func (g *OSGate) MarkFile(path string) error {
	if err := setAttributes(path, markedAttributes, 0); err != nil {
		return fmt.Errorf("permission: failed to mark %s: %w", path, err)
	}
	return nil
}

// UnmarkFile clears the hidden, system and read-only bits.
func (g *OSGate) UnmarkFile(path string) error {
	if err := setAttributes(path, 0, lockedAttributes); err != nil {
		return fmt.Errorf("permission: failed to unmark %s: %w", path, err)
	}
	return nil
}

func (g *OSGate) icacls(path string, args ...string) error {
	argv := append([]string{path}, args...)
	out, err := g.run("icacls", argv...)
	if err != nil {
		return fmt.Errorf("%w: icacls %s: %v: %s", ErrCommandFailed, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func setAttributes(path string, set, clear uint32) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return fmt.Errorf("invalid path encoding: %w", err)
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) || errors.Is(err, windows.ERROR_PATH_NOT_FOUND) {
			return fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		return fmt.Errorf("unable to get file attributes: %w", err)
	}
	attrs = (attrs | set) &^ clear
	if attrs&^windows.FILE_ATTRIBUTE_DIRECTORY == 0 {
		attrs = windows.FILE_ATTRIBUTE_NORMAL
	}
	if err := windows.SetFileAttributes(p, attrs); err != nil {
		return fmt.Errorf("unable to set file attributes: %w", err)
	}
	return nil
}
