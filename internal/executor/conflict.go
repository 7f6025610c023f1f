package executor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Conflict policies.
const (
	PolicyNumeric   = "numeric"
	PolicyTimestamp = "timestamp"
)

const (
	// maxNameBytes is the common filesystem limit for one path component.
	maxNameBytes = 255
	maxAttempts  = 10000
	stampLayout  = "20060102-150405"
)

// maxMoveAttempts bounds re-resolution when a name is taken between
// resolution and the move.
const maxMoveAttempts = 5

// fileExists reports whether anything occupies path.
func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// ResolveConflict returns a name in destDir that is not taken. When filename
// is free it is returned unchanged. Otherwise the numeric policy appends
// _1, _2, ... before the extension and the timestamp policy first tries
// _YYYYMMDD-HHMMSS, then numbers that. skip names a path that counts as free
// (the file being renamed).
func ResolveConflict(destDir, filename, policy string, now time.Time, skip string) (string, error) {
	taken := func(name string) bool {
		p := filepath.Join(destDir, name)
		return p != skip && fileExists(p)
	}

	if len(filename) > maxNameBytes {
		return "", &RenameError{Type: ConflictExhausted, Path: filepath.Join(destDir, filename)}
	}
	if !taken(filename) {
		return filename, nil
	}

	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	if policy == PolicyTimestamp {
		base = base + "_" + now.Format(stampLayout)
		candidate := base + ext
		if len(candidate) > maxNameBytes {
			return "", &RenameError{Type: ConflictExhausted, Path: filepath.Join(destDir, filename)}
		}
		if !taken(candidate) {
			return candidate, nil
		}
	}

	for n := 1; n <= maxAttempts; n++ {
		candidate := base + "_" + strconv.Itoa(n) + ext
		if len(candidate) > maxNameBytes {
			break
		}
		if !taken(candidate) {
			return candidate, nil
		}
	}
	return "", &RenameError{Type: ConflictExhausted, Path: filepath.Join(destDir, filename)}
}
