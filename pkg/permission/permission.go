// Package permission applies and removes the OS-level protection profile of a
// locked folder.
//
// A profile is the combination of file attribute bits (hidden, system,
// read-only) and access-control rules denying ordinary users the right to
// delete or change the folder. The host-specific work lives in
// permission_windows.go and permission_unix.go; callers only see Gate.
package permission

import (
	"errors"
	"os/exec"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Mode bits used on hosts without Windows ACLs.
const (
	LockedDirMode   = 0500 // owner read/execute, no entry creation or removal
	StrictDirMode   = 0000 // no access until relaxed by the owner
	LockedFileMode  = 0400
	FileMode        = 0600
	DefaultDirPerm  = 0777 // filtered through the umask on relax
	DefaultFilePerm = 0666
)

// Principals used by the Windows ACL profile.
const (
	EveryoneSID        = "*S-1-1-0"
	AdminPrincipal     = "Administrators"
	denyDeleteChange   = EveryoneSID + ":(DE,DC)"
	denyAll            = EveryoneSID + ":(OI)(CI)F"
	grantAdminFullCtrl = AdminPrincipal + ":(OI)(CI)F"
)

// Errors
var (
	ErrPathNotFound  = errors.New("permission: path not found")
	ErrCommandFailed = errors.New("permission: command failed")
)

// Gate applies or removes the protection profile on a path. Both operations
// are idempotent.
type Gate interface {
	Apply(path string) error
	Relax(path string) error
}

// FileMarker hides a single file, such as the metadata file, and reverts it.
type FileMarker interface {
	MarkFile(path string) error
	UnmarkFile(path string) error
}

// CommandRunner executes an external permission utility and returns its
// combined output. Tests replace it to observe invocations.
type CommandRunner func(name string, args ...string) ([]byte, error)

// ExecRunner runs the command with os/exec.
func ExecRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Options configures an OSGate.
type Options struct {
	// Fs is used for mode-bit changes on Unix hosts. Defaults to the OS filesystem.
	Fs afero.Fs
	// Strict denies all access instead of delete/change only.
	Strict bool
	// Runner executes icacls on Windows hosts. Defaults to ExecRunner.
	Runner CommandRunner
	Logger *zap.Logger
}

// New returns the gate for the current host.
func New(opts Options) *OSGate {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &OSGate{
		fs:     opts.Fs,
		strict: opts.Strict,
		run:    opts.Runner,
		logger: opts.Logger,
	}
}

// Strict reports whether the gate applies the deny-all profile.
func (g *OSGate) Strict() bool {
	return g.strict
}

// NopGate is a Gate and FileMarker that does nothing. It is used when ACL
// hardening is disabled.
type NopGate struct{}

// Apply does nothing.
func (NopGate) Apply(string) error { return nil }

// Relax does nothing.
func (NopGate) Relax(string) error { return nil }

// MarkFile does nothing.
func (NopGate) MarkFile(string) error { return nil }

// UnmarkFile does nothing.
func (NopGate) UnmarkFile(string) error { return nil }

var (
	_ Gate       = (*OSGate)(nil)
	_ FileMarker = (*OSGate)(nil)
	_ Gate       = NopGate{}
	_ FileMarker = NopGate{}
)
