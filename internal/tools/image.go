package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ImageTool fetches an image reference and reports what it actually is. It
// never returns the image bytes.
type ImageTool struct {
	fetcher *Fetcher
}

// NewImageTool creates the image.analyze tool.
func NewImageTool(f *Fetcher) *ImageTool {
	return &ImageTool{fetcher: f}
}

type imageResult struct {
	URL          string `json:"url"`
	DeclaredType string `json:"declared_type,omitempty"`
	DetectedType string `json:"detected_type"`
	Extension    string `json:"extension,omitempty"`
	IsImage      bool   `json:"is_image"`
	TypeMismatch bool   `json:"type_mismatch,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	Bytes        int    `json:"bytes"`
	Truncated    bool   `json:"truncated,omitempty"`
}

func (t *ImageTool) Name() string { return "image.analyze" }
func (t *ImageTool) Description() string {
	return "Fetch an image reference and report its detected type, size and dimensions"
}
func (t *ImageTool) InputSchema() json.RawMessage { return urlSchema("http(s) URL of the image") }

func (t *ImageTool) ValidateArguments(params json.RawMessage) error {
	return decodeParams(params, &urlParams{})
}

func (t *ImageTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p urlParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	res, err := t.fetcher.Get(ctx, p.URL, "image/*")
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream returned HTTP %d", res.StatusCode)
	}

	detected := mimetype.Detect(res.Body)
	out := imageResult{
		URL:          res.URL,
		DeclaredType: res.ContentType,
		DetectedType: detected.String(),
		Extension:    detected.Extension(),
		IsImage:      strings.HasPrefix(detected.String(), "image/"),
		Bytes:        len(res.Body),
		Truncated:    res.Truncated,
	}
	declared := strings.TrimSpace(strings.SplitN(res.ContentType, ";", 2)[0])
	if declared != "" && !detected.Is(declared) {
		out.TypeMismatch = true
	}
	if out.IsImage {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(res.Body)); err == nil {
			out.Width, out.Height = cfg.Width, cfg.Height
		}
	}
	return json.Marshal(out)
}
