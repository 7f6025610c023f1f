// Package folder runs the lifecycle of watched folders: registration,
// backlog scans, live observation, pause, resume and removal.
package folder

import (
	"errors"

	"snapname/internal/store"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the folder's current status.
	ErrInvalidState = errors.New("operation not allowed in current folder state")
	// ErrScanInProgress is returned when a scan is requested while one is running.
	ErrScanInProgress = errors.New("scan already in progress")
	// ErrInvalidPath is returned when a folder path is not an existing directory.
	ErrInvalidPath = errors.New("invalid folder path")
	// ErrNotRunning is returned by operations that need observation when the manager has not been started.
	ErrNotRunning = errors.New("folder manager is not running")
)

var transitions = map[store.FolderStatus][]store.FolderStatus{
	store.FolderPending:  {store.FolderScanning, store.FolderPaused, store.FolderError},
	store.FolderScanning: {store.FolderActive, store.FolderPaused, store.FolderError},
	store.FolderActive:   {store.FolderScanning, store.FolderPaused, store.FolderError},
	store.FolderPaused:   {store.FolderScanning, store.FolderError},
	store.FolderError:    {store.FolderScanning, store.FolderError},
}

// CanTransition reports whether a folder may move from one status to another.
func CanTransition(from, to store.FolderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// observing reports whether a folder in status s has a live runner.
func observing(s store.FolderStatus) bool {
	return s == store.FolderPending || s == store.FolderScanning || s == store.FolderActive
}
