package analysis

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	slugMaxLen = 50
	nameMaxLen = 100
	// Untitled replaces a rendered name that sanitises to nothing.
	Untitled = "untitled"
)

var (
	variablePattern = regexp.MustCompile(`\{([^}]+)\}`)
	unsafeChars     = regexp.MustCompile(`[^a-z0-9_-]`)
	underscoreRuns  = regexp.MustCompile(`_+`)
)

// TemplateVariables lists the placeholders Render understands.
var TemplateVariables = []string{
	"description", "tags", "scene", "date", "time", "datetime",
	"index", "original", "width", "height", "resolution",
}

// RenderContext carries the values a template may reference.
type RenderContext struct {
	Result       *Result
	Metadata     Metadata
	OriginalPath string
	Index        int
	Now          time.Time
}

// Render expands template into a filesystem-safe base name without extension.
// It never fails: unknown variables are dropped and an empty result becomes "untitled".
func Render(template string, rc RenderContext) string {
	now := rc.Now
	if now.IsZero() {
		now = time.Now()
	}
	res := rc.Result
	if res == nil {
		res = &Result{}
	}

	width, hasWidth := rc.Metadata.Width.Get()
	height, hasHeight := rc.Metadata.Height.Get()
	dim := func(v int, ok bool) string {
		if !ok {
			return ""
		}
		return strconv.Itoa(v)
	}
	resolution := ""
	if hasWidth && hasHeight {
		resolution = fmt.Sprintf("%dx%d", width, height)
	}

	values := map[string]string{
		"description": descriptionSlug(res.Description.Or(""), 4),
		"tags":        tagsSlug(res.Tags.Or(nil), 3),
		"scene":       sanitize(res.Scene.Or(""), slugMaxLen),
		"date":        now.Format("20060102"),
		"time":        now.Format("150405"),
		"datetime":    now.Format("20060102_150405"),
		"index":       fmt.Sprintf("%03d", max(rc.Index, 1)),
		"original":    sanitize(strings.TrimSuffix(filepath.Base(rc.OriginalPath), filepath.Ext(rc.OriginalPath)), slugMaxLen),
		"width":       dim(width, hasWidth),
		"height":      dim(height, hasHeight),
		"resolution":  resolution,
	}

	name := variablePattern.ReplaceAllStringFunc(template, func(m string) string {
		return values[m[1:len(m)-1]]
	})
	name = underscoreRuns.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_-")
	name = sanitize(name, nameMaxLen)
	if name == "" {
		return Untitled
	}
	return name
}

// UnknownVariables returns placeholders in template that Render does not know.
func UnknownVariables(template string) []string {
	known := make(map[string]bool, len(TemplateVariables))
	for _, v := range TemplateVariables {
		known[v] = true
	}
	var unknown []string
	for _, m := range variablePattern.FindAllStringSubmatch(template, -1) {
		if !known[m[1]] {
			unknown = append(unknown, m[1])
		}
	}
	return unknown
}

// SanitizeName applies the same cleaning as Render to a user-supplied base name.
func SanitizeName(name string) string {
	return sanitize(name, nameMaxLen)
}

func sanitize(text string, maxLen int) string {
	text = strings.ToLower(text)
	text = strings.ReplaceAll(text, " ", "_")
	text = unsafeChars.ReplaceAllString(text, "")
	text = underscoreRuns.ReplaceAllString(text, "_")
	if len(text) > maxLen {
		text = strings.TrimRight(text[:maxLen], "_")
	}
	return text
}

func descriptionSlug(description string, words int) string {
	fields := strings.Fields(description)
	if len(fields) == 0 {
		return Untitled
	}
	if len(fields) > words {
		fields = fields[:words]
	}
	return sanitize(strings.Join(fields, "_"), slugMaxLen)
}

func tagsSlug(tags []string, count int) string {
	if len(tags) > count {
		tags = tags[:count]
	}
	return sanitize(strings.Join(tags, "_"), slugMaxLen)
}
