package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	rgotel "github.com/dativo-io/refguard/internal/otel"
)

var tracer = rgotel.Tracer("github.com/dativo-io/refguard/internal/policy")

// ResolvePathUnderBase resolves path relative to baseDir and returns an absolute path
// that is guaranteed to be under baseDir. Prevents path traversal when path is user-controlled.
// If path is absolute, it must still be under baseDir.
func ResolvePathUnderBase(baseDir, path string) (string, error) {
	dirAbs, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", fmt.Errorf("policy base directory: %w", err)
	}
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(dirAbs, path)
	}
	full = filepath.Clean(full)
	pathAbs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("policy path: %w", err)
	}
	rel, err := filepath.Rel(dirAbs, pathAbs)
	if err != nil {
		return "", fmt.Errorf("policy path outside base directory")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("policy path outside base directory")
	}
	return pathAbs, nil
}

// LoadConfig loads, validates and compiles a policy file.
// An empty path returns the built-in default policy.
// baseDir is the directory path is resolved against; the resolved path must stay under baseDir.
// If baseDir is empty, the current working directory is used.
func LoadConfig(ctx context.Context, path, baseDir string) (*Config, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()

	if path == "" {
		cfg := Default()
		span.SetAttributes(rgotel.PolicyVersionTag.String(cfg.VersionTag()))
		return cfg, nil
	}
	span.SetAttributes(attribute.String("policy.path", path))

	if baseDir == "" {
		var err error
		baseDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("policy base directory: %w", err)
		}
	}
	safePath, err := ResolvePathUnderBase(baseDir, path)
	if err != nil {
		return nil, fmt.Errorf("policy path: %w", err)
	}

	content, err := os.ReadFile(safePath)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", safePath, err)
	}

	cfg, err := ParseConfig(content)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", safePath, err)
	}

	span.SetAttributes(
		attribute.String("policy.name", cfg.Name()),
		rgotel.PolicyVersionTag.String(cfg.VersionTag()),
	)
	log.Debug().
		Str("path", safePath).
		Str("policy", cfg.Name()).
		Str("version_tag", cfg.VersionTag()).
		Msg("policy_loaded")
	return cfg, nil
}
