package watcher

import (
	"path/filepath"
	"strings"
)

// MediaType is the broad kind of a supported file.
type MediaType string

const (
	MediaNone  MediaType = ""
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// DefaultIgnorePatterns returns the patterns for partial and temporary files.
func DefaultIgnorePatterns() []string {
	return []string{
		"*.tmp",
		"*.part",
		"*.download",
		"*.crdownload", // Chrome partial downloads
		"*.partial",
		".~*", // e.g. .~lock
		"*.backup",
	}
}

// FileFilter decides which paths are media worth analysing.
type FileFilter struct {
	patterns []string
	media    map[string]MediaType // lower-case extension without dot
}

// NewFileFilter creates a filter. Empty patterns fall back to DefaultIgnorePatterns.
func NewFileFilter(patterns, imageExts, videoExts []string) *FileFilter {
	if len(patterns) == 0 {
		patterns = DefaultIgnorePatterns()
	}
	media := make(map[string]MediaType, len(imageExts)+len(videoExts))
	for _, ext := range imageExts {
		media[normalizeExt(ext)] = MediaImage
	}
	for _, ext := range videoExts {
		media[normalizeExt(ext)] = MediaVideo
	}
	return &FileFilter{
		patterns: patterns,
		media:    media,
	}
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// ShouldIgnore checks the base name against the ignore patterns.
// Patterns use filepath.Match glob syntax. A bare ".ext" pattern matches as a suffix.
func (f *FileFilter) ShouldIgnore(path string) bool {
	filename := filepath.Base(path)

	for _, pattern := range f.patterns {
		if matched, err := filepath.Match(pattern, filename); err == nil && matched {
			return true
		}
		if strings.HasPrefix(pattern, ".") && !strings.Contains(pattern, "*") {
			if strings.HasSuffix(strings.ToLower(filename), strings.ToLower(pattern)) {
				return true
			}
		}
	}
	return false
}

// MediaType returns the kind of path by extension, or MediaNone.
func (f *FileFilter) MediaType(path string) MediaType {
	return f.media[normalizeExt(filepath.Ext(path))]
}

// Accept reports whether path is a visible, non-temporary media file.
func (f *FileFilter) Accept(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	if f.ShouldIgnore(path) {
		return false
	}
	return f.MediaType(path) != MediaNone
}

// Patterns returns a copy of the ignore patterns.
func (f *FileFilter) Patterns() []string {
	result := make([]string, len(f.patterns))
	copy(result, f.patterns)
	return result
}
