package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ValidationSeverity represents the severity of a validation issue.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ConfigValidationError represents a single validation issue.
type ConfigValidationError struct {
	Field    string             // Config key with issue (e.g., "rename.relocations[0]")
	Message  string             // Human-readable description
	Severity ValidationSeverity // "error" or "warning"
}

// ValidationResult contains all validation findings.
type ValidationResult struct {
	Errors   []ConfigValidationError
	Warnings []ConfigValidationError
	Valid    bool // True if no errors (warnings OK)
}

func (r *ValidationResult) add(findings []ConfigValidationError) {
	for _, f := range findings {
		if f.Severity == SeverityError {
			r.Errors = append(r.Errors, f)
		} else {
			r.Warnings = append(r.Warnings, f)
		}
	}
}

// ValidateConfig checks the configuration and returns all findings, not just the first.
func ValidateConfig(cfg *Config) *ValidationResult {
	result := &ValidationResult{
		Errors:   []ConfigValidationError{},
		Warnings: []ConfigValidationError{},
	}

	result.add(ValidatePipeline(cfg))
	result.add(ValidateRename(cfg))
	result.add(ValidateIntegrations(cfg))

	result.Valid = len(result.Errors) == 0
	return result
}

// ValidatePipeline checks watcher, queue, suggestion and retention settings.
func ValidatePipeline(cfg *Config) []ConfigValidationError {
	var errs []ConfigValidationError

	if cfg.Queue.Workers < 1 {
		errs = append(errs, errorAt("queue.workers", "must be at least 1"))
	}
	if cfg.Queue.AnalysisTimeoutSeconds < 1 {
		errs = append(errs, errorAt("queue.analysis_timeout_seconds", "must be at least 1"))
	}
	if cfg.Watch.DebounceMS < 0 {
		errs = append(errs, errorAt("watch.debounce_ms", "must not be negative"))
	} else if cfg.Watch.DebounceMS < 250 {
		errs = append(errs, warningAt("watch.debounce_ms",
			"quiet period under 250ms may analyse files that are still being written"))
	}
	if len(cfg.Watch.ImageExtensions)+len(cfg.Watch.VideoExtensions) == 0 {
		errs = append(errs, errorAt("watch", "no media extensions configured"))
	}

	if cfg.Suggestions.MinConfidence < 0 || cfg.Suggestions.MinConfidence > 1 {
		errs = append(errs, errorAt("suggestions.min_confidence", "must be between 0 and 1"))
	}
	if strings.TrimSpace(cfg.Suggestions.Template) == "" {
		errs = append(errs, errorAt("suggestions.template", "must not be empty"))
	} else if !strings.Contains(cfg.Suggestions.Template, "{") {
		errs = append(errs, warningAt("suggestions.template",
			"template has no variables; every file gets the same base name"))
	}

	if cfg.Activity.RetentionDays < 0 {
		errs = append(errs, errorAt("activity.retention_days", "must not be negative"))
	}
	if cfg.Activity.MinRetentionDays < 0 {
		errs = append(errs, errorAt("activity.min_retention_days", "must not be negative"))
	}
	if cfg.Activity.RetentionDays > 0 && cfg.Activity.RetentionDays < cfg.Activity.MinRetentionDays {
		errs = append(errs, warningAt("activity.retention_days",
			"below min_retention_days ("+strconv.Itoa(cfg.Activity.MinRetentionDays)+"); the minimum is used"))
	}

	return errs
}

// ValidateRename checks conflict policy, backup location and relocation rules.
func ValidateRename(cfg *Config) []ConfigValidationError {
	var errs []ConfigValidationError

	switch cfg.Rename.ConflictPolicy {
	case ConflictNumeric, ConflictTimestamp:
	default:
		errs = append(errs, errorAt("rename.conflict_policy",
			"invalid conflict policy: \""+cfg.Rename.ConflictPolicy+"\". Must be \"numeric\" or \"timestamp\""))
	}

	if cfg.Rename.BackupEnabled {
		if f, ok := checkCreatableDir("rename.backup_dir", cfg.Rename.BackupDir); !ok {
			errs = append(errs, f)
		}
	}

	seen := make(map[string]int)
	for i, rule := range cfg.Rename.Relocations {
		field := formatField("rename.relocations", i)
		match := strings.ToLower(strings.TrimSpace(rule.Match))
		if match == "" {
			errs = append(errs, errorAt(field+".match", "cannot be empty"))
		} else if first, dup := seen[match]; dup {
			errs = append(errs, errorAt(field+".match",
				"duplicate match \""+rule.Match+"\" conflicts with rule at index "+strconv.Itoa(first)))
		} else {
			seen[match] = i
		}

		if rule.Directory == "" {
			errs = append(errs, errorAt(field+".directory", "cannot be empty"))
			continue
		}
		if !filepath.IsAbs(rule.Directory) {
			errs = append(errs, errorAt(field+".directory", "must be an absolute path: "+rule.Directory))
			continue
		}
		if f, ok := checkCreatableDir(field+".directory", rule.Directory); !ok {
			f.Severity = SeverityWarning
			errs = append(errs, f)
		}
		if cfg.Rename.BackupEnabled && directoriesOverlap(rule.Directory, cfg.Rename.BackupDir) {
			errs = append(errs, warningAt(field+".directory",
				"overlaps with backup directory \""+cfg.Rename.BackupDir+"\""))
		}
	}

	return errs
}

// ValidateIntegrations checks the analyzer endpoint and MQTT sink.
func ValidateIntegrations(cfg *Config) []ConfigValidationError {
	var errs []ConfigValidationError

	if u, err := url.Parse(cfg.Analyzer.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, errorAt("analyzer.base_url", "must be an absolute URL: \""+cfg.Analyzer.BaseURL+"\""))
	}
	if cfg.Analyzer.Model == "" {
		errs = append(errs, errorAt("analyzer.model", "cannot be empty"))
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			errs = append(errs, errorAt("mqtt.broker", "required when mqtt is enabled"))
		}
		if cfg.MQTT.TopicPrefix == "" {
			errs = append(errs, warningAt("mqtt.topic_prefix", "empty prefix publishes at the topic root"))
		}
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, errorAt("log.format", "must be \"text\" or \"json\""))
	}

	return errs
}

// checkCreatableDir accepts an existing directory or one whose parent exists and is writable.
func checkCreatableDir(field, dir string) (ConfigValidationError, bool) {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return errorAt(field, "path exists but is not a directory: "+dir), false
		}
		return ConfigValidationError{}, true
	}
	if !os.IsNotExist(err) {
		return errorAt(field, "error accessing directory: "+err.Error()), false
	}

	parent := filepath.Dir(filepath.Clean(dir))
	for {
		pinfo, perr := os.Stat(parent)
		if perr == nil {
			if !pinfo.IsDir() {
				return errorAt(field, "parent path is not a directory: "+parent), false
			}
			if !isDirectoryWritable(parent) {
				return errorAt(field, "parent directory is not writable: "+parent), false
			}
			return ConfigValidationError{}, true
		}
		next := filepath.Dir(parent)
		if next == parent {
			return errorAt(field, "no existing parent directory for: "+dir), false
		}
		parent = next
	}
}

func errorAt(field, msg string) ConfigValidationError {
	return ConfigValidationError{Field: field, Message: msg, Severity: SeverityError}
}

func warningAt(field, msg string) ConfigValidationError {
	return ConfigValidationError{Field: field, Message: msg, Severity: SeverityWarning}
}

// formatField creates a field reference string for validation errors.
func formatField(name string, index int) string {
	return name + "[" + strconv.Itoa(index) + "]"
}

// isDirectoryWritable checks if a directory is writable by attempting to create a temp file.
func isDirectoryWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".snapname_write_test")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

// directoriesOverlap checks if two directories overlap (one is parent/ancestor of the other).
func directoriesOverlap(dir1, dir2 string) bool {
	clean1 := filepath.Clean(dir1)
	clean2 := filepath.Clean(dir2)

	if clean1 == clean2 {
		return true
	}
	return strings.HasPrefix(clean2, clean1+string(filepath.Separator)) ||
		strings.HasPrefix(clean1, clean2+string(filepath.Separator))
}
