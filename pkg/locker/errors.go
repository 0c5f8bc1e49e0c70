package locker

import (
	"errors"
	"fmt"

	"github.com/forest6511/folderlock/pkg/attempts"
	"github.com/forest6511/folderlock/pkg/metadata"
)

// Errors
var (
	ErrInvalidFolderName = errors.New("locker: invalid folder name")
	ErrNotDirectory      = errors.New("locker: not a directory")
	ErrFolderNotLocked   = errors.New("locker: folder is not locked")
	ErrInvalidPassword   = errors.New("locker: invalid password")
	ErrInconsistentState = errors.New("locker: folder is in an inconsistent state")
	ErrInvalidConfig     = errors.New("locker: invalid configuration")

	// ErrCooldownActive is returned while repeated failures block unlocking.
	ErrCooldownActive = attempts.ErrCooldownActive

	// ErrMetadataNotFound means a concealed folder has no metadata file,
	// which points to tampering or an interrupted lock.
	ErrMetadataNotFound = metadata.ErrMetadataNotFound

	// Matched by the typed errors below through errors.Is.
	ErrPasswordOperationFailed   = errors.New("locker: password operation failed")
	ErrFileOperationFailed       = errors.New("locker: file operation failed")
	ErrPermissionOperationFailed = errors.New("locker: permission operation failed")
)

// Password operations.
const (
	PasswordInput  = "input"
	PasswordHash   = "hash"
	PasswordVerify = "verify"
)

// File operations.
const (
	FileStat   = "stat"
	FileRename = "rename"
	FileCreate = "create"
	FileWrite  = "write"
	FileRead   = "read"
	FileRemove = "remove"
)

// Permission operations.
const (
	PermissionApply = "apply"
	PermissionRelax = "relax"
)

// PasswordError reports a failure to obtain, hash or verify a password. A
// wrong password is not a PasswordError; see ErrInvalidPassword.
type PasswordError struct {
	Operation string
	Err       error
}

func (e *PasswordError) Error() string {
	return fmt.Sprintf("locker: password %s failed: %v", e.Operation, e.Err)
}

func (e *PasswordError) Unwrap() error { return e.Err }

func (e *PasswordError) Is(target error) bool { return target == ErrPasswordOperationFailed }

// FileError reports a failed filesystem step.
type FileError struct {
	Operation string
	Path      string
	Err       error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("locker: failed to %s %s: %v", e.Operation, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

func (e *FileError) Is(target error) bool { return target == ErrFileOperationFailed }

// PermissionError reports a failed permission step. It is only returned when
// the Locker is configured with FailOnPermissionError.
type PermissionError struct {
	Operation string
	Path      string
	Err       error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("locker: failed to %s protection on %s: %v", e.Operation, e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

func (e *PermissionError) Is(target error) bool { return target == ErrPermissionOperationFailed }
