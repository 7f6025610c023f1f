// Package scanner enumerates the backlog of media files already present in a watched folder.
package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ScanErrorType represents the type of scanning error.
type ScanErrorType string

const (
	// DirectoryNotFound indicates the root does not exist or is not a directory.
	DirectoryNotFound ScanErrorType = "DIRECTORY_NOT_FOUND"
	// PermissionDenied indicates insufficient permissions to read the root.
	PermissionDenied ScanErrorType = "PERMISSION_DENIED"
)

// ScanError is a structural fault on the scanned root.
type ScanError struct {
	Type ScanErrorType
	Path string
	Err  error
}

func (e *ScanError) Error() string {
	return string(e.Type) + ": " + e.Path
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// ScanOptions configures scanning behavior.
type ScanOptions struct {
	Recursive bool
	// Accept filters files by path; nil accepts everything.
	Accept func(path string) bool
}

// FileEntry represents a file found during scanning.
type FileEntry struct {
	Name     string // Filename only
	FullPath string // Absolute path
	Size     int64
	ModTime  time.Time
}

// Scan enumerates accepted files under root, sorted by path. Symlinks and
// hidden entries are skipped. Unreadable subdirectories are skipped; an
// unreadable or missing root is a *ScanError. Cancelling ctx stops the walk.
func Scan(ctx context.Context, root string, opts ScanOptions) ([]FileEntry, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, classify(absRoot, err)
	}
	if !info.IsDir() {
		return nil, &ScanError{
			Type: DirectoryNotFound,
			Path: absRoot,
			Err:  errors.New("path is not a directory"),
		}
	}

	var files []FileEntry
	if err := scanDirectory(ctx, absRoot, absRoot, opts, &files); err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].FullPath < files[j].FullPath })
	return files, nil
}

func scanDirectory(ctx context.Context, root, directory string, opts ScanOptions, files *[]FileEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(directory)
	if err != nil {
		if directory == root {
			return classify(root, err)
		}
		return nil
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 {
			continue
		}

		fullPath := filepath.Join(directory, entry.Name())
		if entry.IsDir() {
			if opts.Recursive {
				if err := scanDirectory(ctx, root, fullPath, opts, files); err != nil {
					return err
				}
			}
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if opts.Accept != nil && !opts.Accept(fullPath) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Removed between listing and stat
			continue
		}
		*files = append(*files, FileEntry{
			Name:     entry.Name(),
			FullPath: fullPath,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
	}

	return nil
}

func classify(path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return &ScanError{Type: DirectoryNotFound, Path: path, Err: err}
	case errors.Is(err, os.ErrPermission):
		return &ScanError{Type: PermissionDenied, Path: path, Err: err}
	default:
		return err
	}
}
