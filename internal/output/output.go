// Package output formats CLI results as tables or JSON, with a progress
// line on terminals.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"golang.org/x/term"
)

// Config holds output configuration.
type Config struct {
	JSON      bool      // Emit JSON instead of tables
	Verbose   bool      // Enable verbose output
	Writer    io.Writer // Output destination (default: os.Stdout)
	ErrWriter io.Writer // Error output destination (default: os.Stderr)
	IsTTY     bool      // Whether output is a terminal
	Width     int       // Terminal width; 0 disables truncation
}

// Output handles formatted output with verbose and progress support.
type Output struct {
	config          Config
	progressActive  bool
	progressTotal   int
	progressCurrent int
	progressMu      sync.Mutex
}

// New creates a new Output instance with the given configuration.
func New(config Config) *Output {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.ErrWriter == nil {
		config.ErrWriter = os.Stderr
	}
	return &Output{
		config: config,
	}
}

// DefaultConfig returns a Config with TTY and width detection.
func DefaultConfig() Config {
	fd := int(os.Stdout.Fd())
	cfg := Config{
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
		IsTTY:     term.IsTerminal(fd),
	}
	if cfg.IsTTY {
		if w, _, err := term.GetSize(fd); err == nil {
			cfg.Width = w
		}
	}
	return cfg
}

// Verbose prints a message only when verbose mode is enabled.
func (o *Output) Verbose(format string, args ...any) {
	if !o.config.Verbose {
		return
	}
	o.Info(format, args...)
}

// Info prints an informational message (always shown).
func (o *Output) Info(format string, args ...any) {
	o.clearProgressLine()
	fmt.Fprint(o.config.Writer, line(format, args...))
}

// Error prints an error message to stderr.
func (o *Output) Error(format string, args ...any) {
	o.clearProgressLine()
	fmt.Fprint(o.config.ErrWriter, line(format, args...))
}

func line(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	return msg
}

// JSON writes v as indented JSON.
func (o *Output) JSON(v any) error {
	enc := json.NewEncoder(o.config.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table writes rows under headers in aligned columns. On a terminal the
// last column is cut to fit the width.
func (o *Output) Table(headers []string, rows [][]string) error {
	o.clearProgressLine()
	tw := tabwriter.NewWriter(o.config.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(o.fit(row), "\t"))
	}
	return tw.Flush()
}

// Emit writes v as JSON in JSON mode, otherwise as a table.
func (o *Output) Emit(v any, headers []string, rows [][]string) error {
	if o.config.JSON {
		return o.JSON(v)
	}
	if len(rows) == 0 {
		o.Info("(none)")
		return nil
	}
	return o.Table(headers, rows)
}

func (o *Output) fit(row []string) []string {
	if o.config.Width <= 0 || len(row) == 0 {
		return row
	}
	used := 0
	for _, cell := range row[:len(row)-1] {
		used += len(cell) + 2
	}
	room := o.config.Width - used
	last := row[len(row)-1]
	if room < 8 || len(last) <= room {
		return row
	}
	out := append([]string(nil), row...)
	out[len(out)-1] = Truncate(last, room)
	return out
}

// Truncate shortens s to at most n bytes, marking the cut with "...".
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// clearProgressLine clears the current progress line if active.
func (o *Output) clearProgressLine() {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	if o.progressActive && o.config.IsTTY {
		fmt.Fprint(o.config.Writer, "\r"+strings.Repeat(" ", 60)+"\r")
	}
}

// StartProgress begins a progress indicator session.
func (o *Output) StartProgress(total int) {
	if !o.showProgress() {
		return
	}
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	o.progressActive = true
	o.progressTotal = total
	o.progressCurrent = 0
}

// UpdateProgress updates the progress indicator.
func (o *Output) UpdateProgress(current int, message string) {
	if !o.showProgress() {
		return
	}
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	if !o.progressActive {
		return
	}
	o.progressCurrent = current
	progressMsg := fmt.Sprintf("\r%d/%d...", current, o.progressTotal)
	if message != "" {
		progressMsg = fmt.Sprintf("\r%s %d/%d...", message, current, o.progressTotal)
	}
	fmt.Fprint(o.config.Writer, progressMsg)
}

// EndProgress clears the progress indicator.
func (o *Output) EndProgress() {
	if !o.showProgress() {
		return
	}
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	if !o.progressActive {
		return
	}
	o.progressActive = false
	fmt.Fprint(o.config.Writer, "\r"+strings.Repeat(" ", 60)+"\r")
}

// Progress is suppressed off a terminal, in verbose mode and in JSON mode.
func (o *Output) showProgress() bool {
	return o.config.IsTTY && !o.config.Verbose && !o.config.JSON
}

// IsJSON returns whether JSON mode is enabled.
func (o *Output) IsJSON() bool {
	return o.config.JSON
}

// IsTTY returns whether the output is a terminal.
func (o *Output) IsTTY() bool {
	return o.config.IsTTY
}
