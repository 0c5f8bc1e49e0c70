// Package locker implements the folder lock/unlock state machine.
//
// A locked folder is renamed to its concealed form (the marker prefixed to
// its name), holds a metadata file with the bcrypt digest of its password,
// and carries the OS protection profile. Lock applies protection last;
// Unlock relaxes it first. A wrong password leaves the folder exactly as it
// was.
//
// The Locker holds no cross-process lock: two processes operating on the
// same folder race between the existence checks and the rename.
package locker

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/forest6511/folderlock/pkg/audit"
	"github.com/forest6511/folderlock/pkg/crypto"
	"github.com/forest6511/folderlock/pkg/metadata"
	"github.com/forest6511/folderlock/pkg/permission"
)

// Constants
const (
	DefaultMarker  = "."
	ConcealedMode  = 0700 // Mode of a concealed folder created from scratch
	codeBadPasswd  = "INVALID_PASSWORD"
	reasonCooldown = "cooldown"
)

// State is the derived lock state of a folder.
type State int

// States
const (
	Unlocked State = iota
	Locked
	Inconsistent
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "Unlocked"
	case Locked:
		return "Locked"
	case Inconsistent:
		return "Inconsistent"
	default:
		return "Unknown"
	}
}

// Target is a resolved folder. ConcealedPath is derived from VisiblePath and
// never chosen independently.
type Target struct {
	VisiblePath   string
	ConcealedPath string
	State         State
	// Detail explains an Inconsistent state.
	Detail string
}

// Prompter obtains passwords from the user.
type Prompter interface {
	// NewPassword asks for a new password and its confirmation. A mismatch
	// is an error.
	NewPassword(folder string) (string, error)
	// Password asks for the password of a locked folder.
	Password(folder string) (string, error)
}

// MetadataStore persists the digest inside a folder. *metadata.Store
// implements it.
type MetadataStore interface {
	Path(dir string) string
	Write(dir, digest string) error
	Read(dir string) (string, error)
	Remove(dir string) error
	Exists(dir string) (bool, error)
}

// AttemptTracker enforces a cooldown after failed unlocks. *attempts.Tracker
// implements it.
type AttemptTracker interface {
	Check(folder string) (time.Duration, error)
	RecordFailure(folder string) (time.Duration, error)
	Reset(folder string) error
}

// Journal records operation outcomes. *audit.Logger implements it.
type Journal interface {
	LogSuccess(op, folder string) error
	LogError(op, folder, code, msg string) error
	LogDenied(op, folder, reason string) error
}

// Config carries every collaborator of a Locker.
type Config struct {
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
	// WorkDir resolves empty and relative folder arguments. Required.
	WorkDir string
	// Marker is prefixed to the folder name when concealed. Defaults to ".".
	Marker string
	// MetadataName is used when Store is nil. Defaults to ".locker_metadata".
	MetadataName string
	// Codec defaults to bcrypt at crypto.DefaultCost.
	Codec crypto.Codec
	// Store defaults to a metadata.Store over Fs, marking files through Gate
	// when it implements permission.FileMarker.
	Store MetadataStore
	// Gate defaults to permission.NopGate.
	Gate permission.Gate
	// Prompter is required.
	Prompter Prompter
	Observer Observer
	Logger   *zap.Logger
	// Tracker and Journal are optional.
	Tracker AttemptTracker
	Journal Journal
	// FailOnPermissionError makes Apply and Relax failures fatal instead of
	// logged warnings.
	FailOnPermissionError bool
}

// Locker sequences lock and unlock.
type Locker struct {
	fs          afero.Fs
	workDir     string
	marker      string
	codec       crypto.Codec
	store       MetadataStore
	gate        permission.Gate
	prompter    Prompter
	observer    Observer
	logger      *zap.Logger
	tracker     AttemptTracker
	journal     Journal
	failOnPerms bool
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Locker, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("%w: working directory is required", ErrInvalidConfig)
	}
	if cfg.Prompter == nil {
		return nil, fmt.Errorf("%w: prompter is required", ErrInvalidConfig)
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Gate == nil {
		cfg.Gate = permission.NopGate{}
	}
	if cfg.Codec == nil {
		codec, err := crypto.NewBcryptCodec(crypto.DefaultCost)
		if err != nil {
			return nil, err
		}
		cfg.Codec = codec
	}
	if cfg.Store == nil {
		name := cfg.MetadataName
		if name == "" {
			name = metadata.DefaultFileName
		}
		marker, _ := cfg.Gate.(permission.FileMarker)
		store, err := metadata.New(cfg.Fs, name, marker, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		cfg.Store = store
	}

	return &Locker{
		fs:          cfg.Fs,
		workDir:     filepath.Clean(cfg.WorkDir),
		marker:      cfg.Marker,
		codec:       cfg.Codec,
		store:       cfg.Store,
		gate:        cfg.Gate,
		prompter:    cfg.Prompter,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		tracker:     cfg.Tracker,
		journal:     cfg.Journal,
		failOnPerms: cfg.FailOnPermissionError,
	}, nil
}

// Resolve derives the visible and concealed paths of path without touching
// the filesystem. An empty path is the working directory.
func (l *Locker) Resolve(path string) (Target, error) {
	if path != "" {
		if base := filepath.Base(filepath.Clean(path)); base == "." || base == ".." {
			return Target{}, fmt.Errorf("%w: %q", ErrInvalidFolderName, path)
		}
	}
	switch {
	case path == "":
		path = l.workDir
	case !filepath.IsAbs(path):
		path = filepath.Join(l.workDir, path)
	}
	path = filepath.Clean(path)

	dir, name := filepath.Dir(path), filepath.Base(path)
	if dir == path || name == "." || name == ".." || name == string(filepath.Separator) || name == l.marker {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidFolderName, path)
	}

	return Target{
		VisiblePath:   path,
		ConcealedPath: filepath.Join(dir, l.marker+name),
	}, nil
}

// Status reports the state of path without modifying anything.
func (l *Locker) Status(path string) (Target, error) {
	t, err := l.Resolve(path)
	if err != nil {
		return t, err
	}
	visible, err := l.exists(t.VisiblePath)
	if err != nil {
		return t, err
	}
	concealed, err := l.exists(t.ConcealedPath)
	if err != nil {
		return t, err
	}

	switch {
	case visible && concealed:
		t.State, t.Detail = Inconsistent, "both the visible and the concealed folder exist"
	case !visible && !concealed:
		t.State, t.Detail = Inconsistent, "folder does not exist"
	case visible:
		t.State = Unlocked
	default:
		hasMeta, err := l.store.Exists(t.ConcealedPath)
		switch {
		case errors.Is(err, fs.ErrPermission):
			// The strict profile denies listing the folder.
			t.State = Locked
		case err != nil:
			return t, &FileError{Operation: FileStat, Path: l.store.Path(t.ConcealedPath), Err: err}
		case !hasMeta:
			t.State, t.Detail = Inconsistent, "metadata file is missing"
		default:
			t.State = Locked
		}
	}
	return t, nil
}

// Lock conceals path, stores the digest of a new password in it and applies
// the protection profile. Locking an already concealed folder succeeds
// without side effects.
func (l *Locker) Lock(path string) error {
	t, err := l.Resolve(path)
	if err != nil {
		return err
	}

	concealed, err := l.exists(t.ConcealedPath)
	if err != nil {
		return err
	}
	if concealed {
		l.warnIfInconsistent(t)
		l.emit(OpLock, StepSkipped, t.ConcealedPath, "folder is already locked", nil)
		l.record(audit.OpFolderLockSkipped, t.VisiblePath)
		return nil
	}

	info, err := l.fs.Stat(t.VisiblePath)
	visible := err == nil
	switch {
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return &FileError{Operation: FileStat, Path: t.VisiblePath, Err: err}
	case visible && !info.IsDir():
		return fmt.Errorf("%w: %s", ErrNotDirectory, t.VisiblePath)
	}

	// 1. Password
	l.emit(OpLock, StepPrompt, t.VisiblePath, "reading new password", nil)
	password, err := l.prompter.NewPassword(t.VisiblePath)
	if err != nil {
		return &PasswordError{Operation: PasswordInput, Err: err}
	}

	l.emit(OpLock, StepHash, t.VisiblePath, "hashing password", nil)
	digest, err := l.codec.Hash(password)
	if err != nil {
		return &PasswordError{Operation: PasswordHash, Err: err}
	}

	// 2. Conceal. Nothing else has been touched yet.
	if visible {
		l.emit(OpLock, StepConceal, t.ConcealedPath, "concealing folder", nil)
		if err := l.fs.Rename(t.VisiblePath, t.ConcealedPath); err != nil {
			return &FileError{Operation: FileRename, Path: t.VisiblePath, Err: err}
		}
	} else {
		l.emit(OpLock, StepConceal, t.ConcealedPath, "creating concealed folder", nil)
		if err := l.fs.Mkdir(t.ConcealedPath, ConcealedMode); err != nil {
			return &FileError{Operation: FileCreate, Path: t.ConcealedPath, Err: err}
		}
	}

	// 3. Metadata. A failure leaves the folder concealed but unprotected.
	l.emit(OpLock, StepWriteMetadata, t.ConcealedPath, "writing metadata", nil)
	if err := l.store.Write(t.ConcealedPath, digest); err != nil {
		return &FileError{Operation: FileWrite, Path: l.store.Path(t.ConcealedPath), Err: err}
	}

	// 4. Protection
	l.emit(OpLock, StepProtect, t.ConcealedPath, "applying protection", nil)
	if err := l.gate.Apply(t.ConcealedPath); err != nil {
		if l.failOnPerms {
			return &PermissionError{Operation: PermissionApply, Path: t.ConcealedPath, Err: err}
		}
		l.permissionWarning(OpLock, StepProtect, t.ConcealedPath, "failed to apply protection", err)
	}

	l.record(audit.OpFolderLock, t.VisiblePath)
	l.emit(OpLock, StepDone, t.ConcealedPath, "folder locked", nil)
	return nil
}

// Unlock verifies the password of a locked folder, removes its metadata and
// restores its visible name. Any failure before the metadata is removed
// leaves the folder locked and protected.
func (l *Locker) Unlock(path string) error {
	t, err := l.Resolve(path)
	if err != nil {
		return err
	}

	concealed, err := l.exists(t.ConcealedPath)
	if err != nil {
		return err
	}
	if !concealed {
		return fmt.Errorf("%w: %s", ErrFolderNotLocked, t.VisiblePath)
	}
	visible, err := l.exists(t.VisiblePath)
	if err != nil {
		return err
	}
	if visible {
		return fmt.Errorf("%w: both %s and %s exist", ErrInconsistentState, t.VisiblePath, t.ConcealedPath)
	}

	if l.tracker != nil {
		remaining, err := l.tracker.Check(t.VisiblePath)
		if errors.Is(err, ErrCooldownActive) {
			l.recordDenied(t.VisiblePath)
			return fmt.Errorf("%w: try again in %s", err, remaining.Round(time.Second))
		}
		if err != nil {
			return fmt.Errorf("locker: failed to check unlock attempts: %w", err)
		}
	}

	// 1. Relax first so that a deny-delete rule cannot block the rename.
	l.emit(OpUnlock, StepRelax, t.ConcealedPath, "relaxing protection", nil)
	if err := l.gate.Relax(t.ConcealedPath); err != nil {
		if l.failOnPerms {
			return &PermissionError{Operation: PermissionRelax, Path: t.ConcealedPath, Err: err}
		}
		l.permissionWarning(OpUnlock, StepRelax, t.ConcealedPath, "failed to relax protection", err)
	}

	// 2. Verify
	if err := l.verify(t); err != nil {
		l.reprotect(t)
		return err
	}

	// 3. Remove metadata
	l.emit(OpUnlock, StepRemoveMetadata, t.ConcealedPath, "removing metadata", nil)
	if err := l.store.Remove(t.ConcealedPath); err != nil {
		return &FileError{Operation: FileRemove, Path: l.store.Path(t.ConcealedPath), Err: err}
	}

	// 4. Reveal
	l.emit(OpUnlock, StepReveal, t.VisiblePath, "restoring folder", nil)
	if err := l.fs.Rename(t.ConcealedPath, t.VisiblePath); err != nil {
		return &FileError{Operation: FileRename, Path: t.ConcealedPath, Err: err}
	}

	if l.tracker != nil {
		if err := l.tracker.Reset(t.VisiblePath); err != nil {
			l.logger.Warn("failed to reset unlock attempts", zap.String("folder", t.VisiblePath), zap.Error(err))
		}
	}
	l.record(audit.OpFolderUnlock, t.VisiblePath)
	l.emit(OpUnlock, StepDone, t.VisiblePath, "folder unlocked", nil)
	return nil
}

// verify prompts for the password and checks it against the stored digest.
func (l *Locker) verify(t Target) error {
	l.emit(OpUnlock, StepPrompt, t.VisiblePath, "reading password", nil)
	password, err := l.prompter.Password(t.VisiblePath)
	if err != nil {
		return &PasswordError{Operation: PasswordInput, Err: err}
	}

	digest, err := l.store.Read(t.ConcealedPath)
	if err != nil {
		return &FileError{Operation: FileRead, Path: l.store.Path(t.ConcealedPath), Err: err}
	}

	l.emit(OpUnlock, StepVerify, t.ConcealedPath, "verifying password", nil)
	ok, err := l.codec.Verify(password, digest)
	if err != nil {
		return &PasswordError{Operation: PasswordVerify, Err: err}
	}
	if ok {
		return nil
	}

	var cooldown time.Duration
	if l.tracker != nil {
		if cooldown, err = l.tracker.RecordFailure(t.VisiblePath); err != nil {
			l.logger.Warn("failed to record unlock attempt", zap.String("folder", t.VisiblePath), zap.Error(err))
		}
	}
	if l.journal != nil {
		if err := l.journal.LogError(audit.OpFolderUnlockFailed, t.VisiblePath, codeBadPasswd, "wrong password"); err != nil {
			l.logger.Warn("failed to write journal", zap.String("op", audit.OpFolderUnlockFailed), zap.Error(err))
		}
	}
	if cooldown > 0 {
		return fmt.Errorf("%w: further attempts blocked for %s", ErrInvalidPassword, cooldown)
	}
	return ErrInvalidPassword
}

// reprotect re-applies the profile after a failed verification.
func (l *Locker) reprotect(t Target) {
	l.emit(OpUnlock, StepProtect, t.ConcealedPath, "restoring protection", nil)
	if err := l.gate.Apply(t.ConcealedPath); err != nil {
		l.permissionWarning(OpUnlock, StepProtect, t.ConcealedPath, "failed to restore protection", err)
	}
}

// warnIfInconsistent logs when an already concealed folder does not look
// like a clean lock.
func (l *Locker) warnIfInconsistent(t Target) {
	status, err := l.Status(t.VisiblePath)
	if err != nil {
		l.logger.Warn("failed to inspect locked folder", zap.String("path", t.ConcealedPath), zap.Error(err))
		return
	}
	if status.State == Inconsistent {
		l.logger.Warn("locked folder is in an inconsistent state",
			zap.String("path", t.ConcealedPath),
			zap.String("detail", status.Detail))
	}
}

func (l *Locker) exists(path string) (bool, error) {
	ok, err := afero.Exists(l.fs, path)
	if err != nil {
		return false, &FileError{Operation: FileStat, Path: path, Err: err}
	}
	return ok, nil
}

func (l *Locker) permissionWarning(op Op, step Step, path, msg string, err error) {
	l.logger.Warn(msg, zap.String("path", path), zap.Error(err))
	l.emit(op, step, path, msg, err)
}

func (l *Locker) record(op, folder string) {
	if l.journal == nil {
		return
	}
	if err := l.journal.LogSuccess(op, folder); err != nil {
		l.logger.Warn("failed to write journal", zap.String("op", op), zap.Error(err))
	}
}

func (l *Locker) recordDenied(folder string) {
	if l.journal == nil {
		return
	}
	if err := l.journal.LogDenied(audit.OpFolderUnlockBlocked, folder, reasonCooldown); err != nil {
		l.logger.Warn("failed to write journal", zap.String("op", audit.OpFolderUnlockBlocked), zap.Error(err))
	}
}

func (l *Locker) emit(op Op, step Step, path, msg string, err error) {
	l.observer.OnEvent(Event{Op: op, Step: step, Path: path, Message: msg, Err: err})
}
