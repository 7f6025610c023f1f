package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_JSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	ForComponent(logger, "queue").Info("job done", "path", "/p/a.jpg")
	ForComponent(logger, "queue").Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, `"component":"queue"`)
	assert.Contains(t, out, `"path":"/p/a.jpg"`)
	assert.NotContains(t, out, "hidden")
}

func TestNew_FileMirror(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "snapname.log")

	logger, closer, err := New(Options{Level: "debug", File: file}, &buf)
	require.NoError(t, err)
	logger.Debug("to both")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, buf.String(), "to both")
}

func TestNew_BadFormat(t *testing.T) {
	_, _, err := New(Options{Format: "xml"}, nil)
	assert.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))

	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}
