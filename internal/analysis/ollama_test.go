package analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func chatServer(t *testing.T, content string, check func(r *http.Request, body ollamaChatRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if check != nil {
			check(r, body)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:   "llava:7b",
			Message: ollamaMessage{Role: "assistant", Content: content},
			Done:    true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaClient_Analyze(t *testing.T) {
	dir := t.TempDir()
	imageData := []byte("not really a jpeg")
	path := writeFile(t, dir, "IMG_01.jpg", imageData)

	srv := chatServer(t,
		`{"description":"A red car parked on a street","tags":["Car"," red ","street"],"scene":"Urban","confidence":1.4}`,
		func(r *http.Request, body ollamaChatRequest) {
			if r.Method != http.MethodPost || r.URL.Path != "/api/chat" {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer secret" {
				t.Errorf("expected bearer token, got %q", got)
			}
			if body.Model != "llava" || body.Format != "json" || body.Stream {
				t.Errorf("unexpected request body: %+v", body)
			}
			if len(body.Messages) != 1 || len(body.Messages[0].Images) != 1 {
				t.Errorf("expected one message with one image, got %+v", body.Messages)
				return
			}
			if body.Messages[0].Images[0] != base64.StdEncoding.EncodeToString(imageData) {
				t.Error("image payload does not match file content")
			}
		})

	client := NewOllamaClient(srv.URL+"/", "secret", "llava", nil, []string{"mp4"})
	result, err := client.Analyze(context.Background(), path)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if d, ok := result.Description.Get(); !ok || d != "A red car parked on a street" {
		t.Errorf("unexpected description %q (present=%v)", d, ok)
	}
	tags, ok := result.Tags.Get()
	if !ok || strings.Join(tags, ",") != "car,red,street" {
		t.Errorf("unexpected tags %v (present=%v)", tags, ok)
	}
	if s := result.Scene.Or(""); s != "urban" {
		t.Errorf("expected scene urban, got %q", s)
	}
	if c, ok := result.Confidence.Get(); !ok || c != 1 {
		t.Errorf("expected confidence clamped to 1, got %v (present=%v)", c, ok)
	}
	if result.Model != "llava:7b" {
		t.Errorf("expected model from response, got %q", result.Model)
	}
}

func TestOllamaClient_PartialResult(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.png", []byte("x"))
	srv := chatServer(t, `{"description":"A dog"}`, func(r *http.Request, _ ollamaChatRequest) {
		if r.Header.Get("Authorization") != "" {
			t.Error("no authorization header expected without api key")
		}
	})

	result, err := NewOllamaClient(srv.URL, "", "llava", nil, nil).Analyze(context.Background(), path)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if _, ok := result.Tags.Get(); ok {
		t.Error("tags should be absent")
	}
	if _, ok := result.Scene.Get(); ok {
		t.Error("scene should be absent")
	}
	if _, ok := result.Confidence.Get(); ok {
		t.Error("confidence should be absent")
	}
}

func TestOllamaClient_ProseAnswer(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.png", []byte("x"))
	srv := chatServer(t, "  A cat sleeping on a sofa.  ", nil)

	result, err := NewOllamaClient(srv.URL, "", "llava", nil, nil).Analyze(context.Background(), path)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if d := result.Description.Or(""); d != "A cat sleeping on a sofa." {
		t.Errorf("expected prose to become description, got %q", d)
	}
}

func TestOllamaClient_BadStatus(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.png", []byte("x"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, "", "llava", nil, nil).Analyze(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "bad status 503") {
		t.Errorf("expected bad status error, got %v", err)
	}
}

func TestOllamaClient_HonorsContext(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.png", []byte("x"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewOllamaClient(srv.URL, "", "llava", nil, nil).Analyze(ctx, path)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Analyze did not return promptly after the deadline")
	}
}

func TestOllamaClient_MissingFile(t *testing.T) {
	client := NewOllamaClient("http://127.0.0.1:1", "", "llava", nil, nil)
	if _, err := client.Analyze(context.Background(), filepath.Join(t.TempDir(), "gone.jpg")); err == nil {
		t.Error("expected error for missing file")
	}
}

type fakeFrames struct {
	frame   string
	cleaned bool
	err     error
}

func (f *fakeFrames) ExtractFrame(ctx context.Context, videoPath string) (string, func(), error) {
	if f.err != nil {
		return "", func() {}, f.err
	}
	return f.frame, func() { f.cleaned = true }, nil
}

func TestOllamaClient_Video(t *testing.T) {
	dir := t.TempDir()
	video := writeFile(t, dir, "clip.MP4", []byte("video bytes"))
	frameData := []byte("frame bytes")
	frame := writeFile(t, dir, "frame.jpg", frameData)

	t.Run("without extractor", func(t *testing.T) {
		client := NewOllamaClient("http://127.0.0.1:1", "", "llava", nil, []string{".mp4"})
		_, err := client.Analyze(context.Background(), video)
		if !errors.Is(err, ErrUnsupportedMedia) {
			t.Errorf("expected ErrUnsupportedMedia, got %v", err)
		}
	})

	t.Run("sends extracted frame", func(t *testing.T) {
		srv := chatServer(t, `{"description":"A drone shot"}`, func(r *http.Request, body ollamaChatRequest) {
			if len(body.Messages) != 1 || len(body.Messages[0].Images) != 1 ||
				body.Messages[0].Images[0] != base64.StdEncoding.EncodeToString(frameData) {
				t.Error("expected the frame to be sent, not the video")
			}
		})
		frames := &fakeFrames{frame: frame}
		client := NewOllamaClient(srv.URL, "", "llava", frames, []string{".mp4"})
		if _, err := client.Analyze(context.Background(), video); err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if !frames.cleaned {
			t.Error("frame cleanup was not called")
		}
	})

	t.Run("extraction failure", func(t *testing.T) {
		client := NewOllamaClient("http://127.0.0.1:1", "", "llava", &fakeFrames{err: errors.New("no ffmpeg")}, []string{"mp4"})
		if _, err := client.Analyze(context.Background(), video); err == nil {
			t.Error("expected extraction error")
		}
	})
}
