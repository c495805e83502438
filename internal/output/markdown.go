package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/transcribe"
)

func RenderMarkdown(meta Metadata, tr transcribe.Transcript) string {
	var b strings.Builder
	if meta.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", meta.Title)
	} else {
		b.WriteString("# Transcript\n\n")
	}
	if meta.Source != "" {
		fmt.Fprintf(&b, "- Source: `%s`\n", meta.Source)
	}
	if meta.Backend != "" {
		fmt.Fprintf(&b, "- Backend: `%s`\n", meta.Backend)
	}
	if meta.Model != "" {
		fmt.Fprintf(&b, "- Model: `%s`\n", meta.Model)
	}
	if !meta.Generated.IsZero() {
		fmt.Fprintf(&b, "- Generated: %s\n", meta.Generated.UTC().Format(time.RFC3339))
	}
	if meta.Duration > 0 {
		fmt.Fprintf(&b, "- Duration: %s\n", meta.Duration.Truncate(time.Second))
	}
	b.WriteString("\n---\n\n")

	for _, c := range tr.Chunks {
		if c.Err != nil {
			continue
		}
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s-%s] %s\n\n", msToTS(c.StartMS), msToTS(c.EndMS), text)
	}
	return b.String()
}

func msToTS(ms int) string {
	d := time.Duration(ms) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
