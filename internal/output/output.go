// Package output renders a finished transcript to disk.
package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/transcribe"
)

const (
	FormatText     = "txt"
	FormatMarkdown = "md"
	FormatJSON     = "json"
)

var ErrUnsupportedFormat = errors.New("unsupported output format")

// Metadata describes where a transcript came from.
type Metadata struct {
	Title     string
	Source    string
	Backend   string
	Model     string
	Generated time.Time
	Duration  time.Duration
}

// ResolveFormat returns format, or the one implied by path's extension
// when format is empty. Format names are case-insensitive. Unknown
// extensions fall back to plain text.
func ResolveFormat(path, format string) (string, error) {
	if format != "" {
		switch f := strings.ToLower(strings.TrimSpace(format)); f {
		case FormatText, FormatMarkdown, FormatJSON:
			return f, nil
		}
		return "", fmt.Errorf("%w %q", ErrUnsupportedFormat, format)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".json":
		return FormatJSON, nil
	default:
		return FormatText, nil
	}
}

// Render produces the file contents for format.
func Render(format string, meta Metadata, tr transcribe.Transcript) ([]byte, error) {
	switch format {
	case FormatText:
		return []byte(tr.Text), nil
	case FormatMarkdown:
		return []byte(RenderMarkdown(meta, tr)), nil
	case FormatJSON:
		return renderJSON(meta, tr)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedFormat, format)
	}
}

// Write renders tr and writes it to path, creating parent directories.
func Write(path, format string, meta Metadata, tr transcribe.Transcript) error {
	format, err := ResolveFormat(path, format)
	if err != nil {
		return err
	}
	data, err := Render(format, meta, tr)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}
