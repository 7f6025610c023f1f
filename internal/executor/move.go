package executor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// RenameErrorType classifies a rename failure.
type RenameErrorType string

const (
	SourceNotFound      RenameErrorType = "SOURCE_NOT_FOUND"
	PermissionDenied    RenameErrorType = "PERMISSION_DENIED"
	ConflictExhausted   RenameErrorType = "CONFLICT_EXHAUSTED"
	DestinationOccupied RenameErrorType = "DESTINATION_OCCUPIED"
	IdentityMismatch    RenameErrorType = "IDENTITY_MISMATCH"
	BackupFailed        RenameErrorType = "BACKUP_FAILED"
	MoveFailed          RenameErrorType = "MOVE_FAILED"
)

// RenameError describes why a rename or undo did not happen.
type RenameError struct {
	Type RenameErrorType
	Path string
	Err  error
}

func (e *RenameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Path)
}

func (e *RenameError) Unwrap() error {
	return e.Err
}

func classify(path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return &RenameError{Type: SourceNotFound, Path: path, Err: err}
	case errors.Is(err, os.ErrPermission):
		return &RenameError{Type: PermissionDenied, Path: path, Err: err}
	default:
		return &RenameError{Type: MoveFailed, Path: path, Err: err}
	}
}

// moveFile moves src to dst and never replaces an existing dst. A hard
// link claims dst atomically; other devices get a copy, and filesystems
// without hard links a rename after a last existence check.
func moveFile(src, dst string) error {
	err := os.Link(src, dst)
	switch {
	case err == nil:
		if err := os.Remove(src); err != nil {
			_ = os.Remove(dst)
			return classify(src, err)
		}
		return nil
	case errors.Is(err, fs.ErrExist):
		return &RenameError{Type: DestinationOccupied, Path: dst, Err: err}
	case errors.Is(err, fs.ErrNotExist):
		return classify(src, err)
	case errors.Is(err, syscall.EXDEV):
		return copyAndDelete(src, dst)
	}

	if fileExists(dst) {
		return &RenameError{Type: DestinationOccupied, Path: dst}
	}
	err = os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return classify(src, err)
	}
	return copyAndDelete(src, dst)
}

// copyAndDelete copies src to a new dst and removes src. On any failure
// src is left in place and a partial dst is removed.
func copyAndDelete(src, dst string) error {
	if err := copyFile(src, dst, os.O_EXCL); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		_ = os.Remove(dst)
		return classify(src, err)
	}
	return nil
}

// copyFile copies src to dst with src's permissions and syncs the copy.
// flag is added to O_WRONLY|O_CREATE.
func copyFile(src, dst string, flag int) error {
	in, err := os.Open(src)
	if err != nil {
		return classify(src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return classify(src, err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|flag, info.Mode().Perm())
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return &RenameError{Type: DestinationOccupied, Path: dst, Err: err}
		}
		return classify(dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return classify(dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return classify(dst, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return classify(dst, err)
	}
	_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	return nil
}

// backupPath is where a suggestion's original is copied before renaming.
func backupPath(dir, suggestionID, source string) string {
	return filepath.Join(dir, suggestionID+"_"+filepath.Base(source))
}
