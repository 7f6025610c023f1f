package analysis

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var fixedNow = time.Date(2024, 3, 5, 14, 30, 15, 0, time.UTC)

func TestRender(t *testing.T) {
	full := &Result{
		Description: Some("A sunset over the sea with boats"),
		Tags:        Some([]string{"beach", "sunset", "sea", "sky"}),
		Scene:       Some("Outdoor"),
		Confidence:  Some(0.9),
	}
	md := Metadata{Width: Some(1920), Height: Some(1080)}

	tests := []struct {
		name     string
		template string
		rc       RenderContext
		want     string
	}{
		{
			name:     "description and date",
			template: "{description}_{date}",
			rc:       RenderContext{Result: full, Now: fixedNow},
			want:     "a_sunset_over_the_20240305",
		},
		{
			name:     "missing description",
			template: "{description}_{date}",
			rc:       RenderContext{Result: &Result{}, Now: fixedNow},
			want:     "untitled_20240305",
		},
		{
			name:     "nil result",
			template: "{scene}",
			rc:       RenderContext{Now: fixedNow},
			want:     Untitled,
		},
		{
			name:     "first three tags",
			template: "{tags}",
			rc:       RenderContext{Result: full, Now: fixedNow},
			want:     "beach_sunset_sea",
		},
		{
			name:     "scene lowercased",
			template: "{scene}-{time}",
			rc:       RenderContext{Result: full, Now: fixedNow},
			want:     "outdoor-143015",
		},
		{
			name:     "datetime",
			template: "{datetime}",
			rc:       RenderContext{Now: fixedNow},
			want:     "20240305_143015",
		},
		{
			name:     "resolution and dimensions",
			template: "{resolution}_{width}_{height}",
			rc:       RenderContext{Metadata: md, Now: fixedNow},
			want:     "1920x1080_1920_1080",
		},
		{
			name:     "resolution needs both dimensions",
			template: "shot_{resolution}",
			rc:       RenderContext{Metadata: Metadata{Width: Some(800)}, Now: fixedNow},
			want:     "shot",
		},
		{
			name:     "index defaults to one",
			template: "{index}",
			rc:       RenderContext{Now: fixedNow},
			want:     "001",
		},
		{
			name:     "index padded",
			template: "img_{index}",
			rc:       RenderContext{Index: 42, Now: fixedNow},
			want:     "img_042",
		},
		{
			name:     "original stem",
			template: "{original}_{scene}",
			rc:       RenderContext{Result: full, OriginalPath: "/photos/IMG 01.JPG", Now: fixedNow},
			want:     "img_01_outdoor",
		},
		{
			name:     "unknown variable dropped",
			template: "{camera}_{scene}",
			rc:       RenderContext{Result: full, Now: fixedNow},
			want:     "outdoor",
		},
		{
			name:     "unsafe characters stripped",
			template: "{description}",
			rc:       RenderContext{Result: &Result{Description: Some("Café: the /best/ view!")}, Now: fixedNow},
			want:     "caf_the_best_view",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.template, tt.rc); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestRender_LimitsLength(t *testing.T) {
	long := strings.Repeat("word ", 80)
	got := Render("{original}_{original}_{original}", RenderContext{OriginalPath: "/x/" + long + ".jpg", Now: fixedNow})
	if len(got) > nameMaxLen {
		t.Errorf("expected at most %d characters, got %d", nameMaxLen, len(got))
	}
}

func TestUnknownVariables(t *testing.T) {
	got := UnknownVariables("{description}_{camera}_{date}_{lens}")
	if len(got) != 2 || got[0] != "camera" || got[1] != "lens" {
		t.Errorf("expected [camera lens], got %v", got)
	}
	if got := UnknownVariables("{description}_{date}"); len(got) != 0 {
		t.Errorf("expected no unknown variables, got %v", got)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"Beach Day":        "beach_day",
		"../etc/passwd":    "etcpasswd",
		"a__b___c":         "a_b_c",
		"already-clean_01": "already-clean_01",
		"":                 "",
	}
	for in, want := range tests {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

var safeName = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Property: whatever the template and description, the rendered name is
// non-empty, bounded and uses only the safe alphabet.
func TestProperty_RenderAlwaysSafe(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("rendered name is safe", prop.ForAll(
		func(template, description string) bool {
			got := Render(template, RenderContext{
				Result: &Result{Description: Some(description)},
				Now:    fixedNow,
			})
			return got != "" && len(got) <= nameMaxLen && safeName.MatchString(got)
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("sanitize is idempotent", prop.ForAll(
		func(s string) bool {
			once := SanitizeName(s)
			return SanitizeName(once) == once
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
