package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// FileProber reads dimensions from image headers and runs ffprobe for videos.
// Results are cached by path, size and modification time.
type FileProber struct {
	ffprobe string
	ffmpeg  string
	videos  map[string]bool
	cache   *cache.Cache
	logger  *slog.Logger
}

// NewFileProber creates a prober. ttl bounds how long results are cached.
func NewFileProber(ffprobePath, ffmpegPath string, videoExts []string, ttl time.Duration, logger *slog.Logger) *FileProber {
	if logger == nil {
		logger = slog.Default()
	}
	videos := make(map[string]bool, len(videoExts))
	for _, ext := range videoExts {
		videos[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &FileProber{
		ffprobe: ffprobePath,
		ffmpeg:  ffmpegPath,
		videos:  videos,
		cache:   cache.New(ttl, ttl*2),
		logger:  logger,
	}
}

// Probe returns whatever metadata could be read. Failures are logged, not returned.
func (p *FileProber) Probe(ctx context.Context, path string) Metadata {
	info, err := os.Stat(path)
	if err != nil {
		return Metadata{}
	}

	key := fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
	if cached, found := p.cache.Get(key); found {
		return cached.(Metadata)
	}

	var md Metadata
	if p.isVideo(path) {
		md, err = p.probeVideo(ctx, path)
	} else {
		md, err = probeImage(path)
	}
	if err != nil {
		p.logger.Debug("metadata probe failed", "path", path, "error", err)
		return md
	}

	p.cache.SetDefault(key, md)
	return md
}

func (p *FileProber) isVideo(path string) bool {
	return p.videos[strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))]
}

func probeImage(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		Width:  Some(cfg.Width),
		Height: Some(cfg.Height),
		Format: Some(format),
	}, nil
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

func (p *FileProber) probeVideo(ctx context.Context, path string) (Metadata, error) {
	if p.ffprobe == "" {
		return Metadata{}, fmt.Errorf("ffprobe not configured")
	}

	cmd := exec.CommandContext(ctx, p.ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)
	out, err := cmd.Output()
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseFFprobe(out)
}

func parseFFprobe(data []byte) (Metadata, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Metadata{}, fmt.Errorf("failed to decode ffprobe output: %w", err)
	}

	var md Metadata
	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.CodecName != "" {
			md.Codec = Some(s.CodecName)
		}
		if s.Width > 0 && s.Height > 0 {
			md.Width = Some(s.Width)
			md.Height = Some(s.Height)
		}
		break
	}
	if out.Format.FormatName != "" {
		// e.g. "mov,mp4,m4a,3gp,3g2,mj2"
		md.Format = Some(strings.Split(out.Format.FormatName, ",")[0])
	}
	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil && d > 0 {
		md.DurationS = Some(d)
	}
	return md, nil
}

// ExtractFrame writes one JPEG frame from the middle of the video (or the
// first second when the duration is unknown) to a temporary file.
func (p *FileProber) ExtractFrame(ctx context.Context, videoPath string) (string, func(), error) {
	if p.ffmpeg == "" {
		return "", func() {}, fmt.Errorf("ffmpeg not configured")
	}

	offset := 1.0
	if d, ok := p.Probe(ctx, videoPath).DurationS.Get(); ok {
		offset = d / 2
	}

	tmp, err := os.CreateTemp("", "snapname-frame-*.jpg")
	if err != nil {
		return "", func() {}, err
	}
	framePath := tmp.Name()
	tmp.Close()
	cleanup := func() { _ = os.Remove(framePath) }

	cmd := exec.CommandContext(ctx, p.ffmpeg,
		"-y",
		"-ss", strconv.FormatFloat(offset, 'f', 2, 64),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		framePath)
	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(lastLine(out)))
	}
	return framePath, cleanup, nil
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return lines[len(lines)-1]
}
