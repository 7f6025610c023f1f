// Package analysis wraps the vision model and metadata probing collaborators
// and renders candidate filenames from their output.
package analysis

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_analysis.go -package=mocks snapname/internal/analysis Analyzer,Prober

import (
	"context"
	"errors"
)

// ErrUnsupportedMedia is returned when a file type cannot be analysed.
var ErrUnsupportedMedia = errors.New("unsupported media type")

// Field is a value the collaborator may or may not have produced.
// Consumers must check Present (or use Get/Or) rather than trust the zero value.
type Field[T any] struct {
	Value   T
	Present bool
}

// Some wraps a present value.
func Some[T any](v T) Field[T] {
	return Field[T]{Value: v, Present: true}
}

// Get returns the value and whether it was present.
func (f Field[T]) Get() (T, bool) {
	return f.Value, f.Present
}

// Or returns the value, or def when absent.
func (f Field[T]) Or(def T) T {
	if f.Present {
		return f.Value
	}
	return def
}

// Result is the structured output of one analysis call. Every field may be absent.
type Result struct {
	Description Field[string]
	Tags        Field[[]string]
	Scene       Field[string]
	Confidence  Field[float64]
	Model       string
}

// Metadata is technical information about a file. Probing is best effort,
// so any field may be absent and an empty Metadata is not an error.
type Metadata struct {
	Width     Field[int]
	Height    Field[int]
	DurationS Field[float64]
	Codec     Field[string]
	Format    Field[string]
}

// Analyzer describes the content of a media file.
type Analyzer interface {
	// Analyze must return promptly once ctx is done.
	Analyze(ctx context.Context, path string) (*Result, error)
}

// Prober reads technical metadata from a media file.
type Prober interface {
	Probe(ctx context.Context, path string) Metadata
}
