package watcher

import (
	"testing"
)

func newMediaFilter() *FileFilter {
	return NewFileFilter(nil,
		[]string{"jpg", "jpeg", ".PNG"},
		[]string{"mp4", "mov"})
}

func TestFileFilter_ShouldIgnore(t *testing.T) {
	f := newMediaFilter()

	tests := []struct {
		path string
		want bool
	}{
		{"/p/photo.jpg", false},
		{"/p/photo.jpg.part", true},
		{"/p/video.crdownload", true},
		{"/p/.~lock.doc#", true},
		{"/p/a.jpg.backup", true},
		{"/p/upload.tmp", true},
		{"/p/notes.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := f.ShouldIgnore(tt.path); got != tt.want {
				t.Errorf("ShouldIgnore(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestFileFilter_SuffixPattern(t *testing.T) {
	f := NewFileFilter([]string{".swp"}, []string{"jpg"}, nil)

	if !f.ShouldIgnore("/p/IMG.JPG.SWP") {
		t.Error("expected bare suffix pattern to match case-insensitively")
	}
	if f.ShouldIgnore("/p/IMG.jpg") {
		t.Error("did not expect IMG.jpg to be ignored")
	}
}

func TestFileFilter_MediaType(t *testing.T) {
	f := newMediaFilter()

	tests := []struct {
		path string
		want MediaType
	}{
		{"/p/a.jpg", MediaImage},
		{"/p/a.JPEG", MediaImage},
		{"/p/a.png", MediaImage},
		{"/p/a.mp4", MediaVideo},
		{"/p/a.MOV", MediaVideo},
		{"/p/a.txt", MediaNone},
		{"/p/noext", MediaNone},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := f.MediaType(tt.path); got != tt.want {
				t.Errorf("MediaType(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestFileFilter_Accept(t *testing.T) {
	f := newMediaFilter()

	tests := []struct {
		path string
		want bool
	}{
		{"/p/beach.jpg", true},
		{"/p/clip.mp4", true},
		{"/p/.hidden.jpg", false},
		{"/p/beach.jpg.part", false},
		{"/p/readme.md", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := f.Accept(tt.path); got != tt.want {
				t.Errorf("Accept(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestFileFilter_PatternsIsCopy(t *testing.T) {
	f := newMediaFilter()
	patterns := f.Patterns()
	patterns[0] = "changed"

	if f.Patterns()[0] == "changed" {
		t.Error("Patterns must return a copy")
	}
}
