package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// identityCheck compares a file on disk with the hash recorded when it was renamed.
type identityCheck int

const (
	identityOK identityCheck = iota
	identityChanged
	identityMissing
)

// contentHash returns the hex SHA-256 of the regular file at path.
func contentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", path)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func checkIdentity(path, want string) (identityCheck, error) {
	got, err := contentHash(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return identityMissing, nil
	case err != nil:
		return identityMissing, err
	case got != want:
		return identityChanged, nil
	}
	return identityOK, nil
}
