package output

import (
	"encoding/json"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/transcribe"
)

type jsonDocument struct {
	Source     string      `json:"source,omitempty"`
	Backend    string      `json:"backend,omitempty"`
	Model      string      `json:"model,omitempty"`
	Generated  *time.Time  `json:"generated,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	Text       string      `json:"text"`
	Chunks     []jsonChunk `json:"chunks"`
}

type jsonChunk struct {
	Index      int     `json:"index"`
	StartMS    int     `json:"start_ms"`
	EndMS      int     `json:"end_ms"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func renderJSON(meta Metadata, tr transcribe.Transcript) ([]byte, error) {
	doc := jsonDocument{
		Source:     meta.Source,
		Backend:    meta.Backend,
		Model:      meta.Model,
		DurationMS: meta.Duration.Milliseconds(),
		Text:       tr.Text,
		Chunks:     make([]jsonChunk, 0, len(tr.Chunks)),
	}
	if !meta.Generated.IsZero() {
		g := meta.Generated.UTC()
		doc.Generated = &g
	}
	for _, c := range tr.Chunks {
		jc := jsonChunk{
			Index:      c.Index,
			StartMS:    c.StartMS,
			EndMS:      c.EndMS,
			Text:       c.Text,
			Confidence: c.Confidence,
			Language:   c.Language,
		}
		if c.Err != nil {
			jc.Error = c.Err.Error()
		}
		doc.Chunks = append(doc.Chunks, jc)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
