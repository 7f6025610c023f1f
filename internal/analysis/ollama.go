package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const describePrompt = `Describe this image for a file name. Respond with JSON only, using these keys:
"description": one concise sentence,
"tags": 3 to 8 lowercase single-word tags,
"scene": one or two words such as indoor, outdoor, portrait, landscape, urban, nature,
"confidence": a number between 0 and 1 for how sure you are of the description.`

// FrameExtractor produces a still image for a video file. The returned
// cleanup removes any temporary file.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, videoPath string) (framePath string, cleanup func(), err error)
}

// OllamaClient analyses images with a vision model served by Ollama.
type OllamaClient struct {
	BaseURL string
	APIKey  string
	Model   string
	client  *http.Client
	frames  FrameExtractor
	videos  map[string]bool
}

// NewOllamaClient creates a client. Files whose extension is in videoExts
// are analysed through a frame taken by frames; a nil extractor rejects videos.
func NewOllamaClient(baseURL, apiKey, model string, frames FrameExtractor, videoExts []string) *OllamaClient {
	videos := make(map[string]bool, len(videoExts))
	for _, ext := range videoExts {
		videos[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &OllamaClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		client:  http.DefaultClient,
		frames:  frames,
		videos:  videos,
	}
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Format   string          `json:"format,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// modelOutput mirrors the JSON the prompt asks for. Pointers and nil slices
// distinguish "absent" from zero values.
type modelOutput struct {
	Description *string  `json:"description"`
	Tags        []string `json:"tags"`
	Scene       *string  `json:"scene"`
	Confidence  *float64 `json:"confidence"`
}

// Analyze sends the image (or a frame of the video) to the model.
func (c *OllamaClient) Analyze(ctx context.Context, path string) (*Result, error) {
	imagePath := path
	if c.videos[strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))] {
		if c.frames == nil {
			return nil, fmt.Errorf("%w: no frame extractor for %s", ErrUnsupportedMedia, path)
		}
		frame, cleanup, err := c.frames.ExtractFrame(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to extract frame: %w", err)
		}
		defer cleanup()
		imagePath = frame
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	payload := ollamaChatRequest{
		Model: c.Model,
		Messages: []ollamaMessage{
			{
				Role:    "user",
				Content: describePrompt,
				Images:  []string{base64.StdEncoding.EncodeToString(data)},
			},
		},
		Format:  "json",
		Stream:  false,
		Options: map[string]any{"temperature": 0.5},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	result := parseModelOutput(chatResp.Message.Content)
	result.Model = chatResp.Model
	if result.Model == "" {
		result.Model = c.Model
	}
	return result, nil
}

// parseModelOutput reads the model's JSON answer. Models sometimes ignore the
// format and answer in prose; then the whole text becomes the description.
func parseModelOutput(content string) *Result {
	content = strings.TrimSpace(content)
	result := &Result{}

	var out modelOutput
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		if content != "" {
			result.Description = Some(content)
		}
		return result
	}

	if out.Description != nil && strings.TrimSpace(*out.Description) != "" {
		result.Description = Some(strings.TrimSpace(*out.Description))
	}
	if len(out.Tags) > 0 {
		tags := make([]string, 0, len(out.Tags))
		for _, t := range out.Tags {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				tags = append(tags, t)
			}
		}
		if len(tags) > 0 {
			result.Tags = Some(tags)
		}
	}
	if out.Scene != nil && strings.TrimSpace(*out.Scene) != "" {
		result.Scene = Some(strings.ToLower(strings.TrimSpace(*out.Scene)))
	}
	if out.Confidence != nil {
		result.Confidence = Some(clamp01(*out.Confidence))
	}
	return result
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
