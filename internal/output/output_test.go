package output

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/transcribe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTranscript() transcribe.Transcript {
	return transcribe.Transcript{
		Text: "hello there general kenobi",
		Chunks: []transcribe.ChunkResult{
			{Index: 0, StartMS: 0, EndMS: 4200, Text: "hello there"},
			{Index: 1, StartMS: 5000, EndMS: 6100, Err: errors.New("chunk 1: timeout")},
			{Index: 3, StartMS: 61000, EndMS: 3725000, Text: "general kenobi", Language: "en"},
		},
	}
}

func TestResolveFormat(t *testing.T) {
	cases := []struct {
		path, format, want string
	}{
		{"extracted_text.txt", "", FormatText},
		{"notes.MD", "", FormatMarkdown},
		{"out.json", "", FormatJSON},
		{"no_ext", "", FormatText},
		{"out.txt", "json", FormatJSON},
		{"out.txt", "TXT", FormatText},
		{"out.txt", " Md ", FormatMarkdown},
	}
	for _, tc := range cases {
		got, err := ResolveFormat(tc.path, tc.format)
		require.NoError(t, err, tc.path)
		assert.Equal(t, tc.want, got, tc.path)
	}
	_, err := ResolveFormat("out.txt", "docx")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestWriteTextIsExactlyTheJoinedText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "extracted_text.txt")
	require.NoError(t, Write(path, "", Metadata{Source: "talk.mp4"}, sampleTranscript()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello there general kenobi", string(data))
}

func TestWriteEmptyTranscript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, Write(path, FormatText, Metadata{}, transcribe.Transcript{}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestRenderMarkdown(t *testing.T) {
	meta := Metadata{
		Source:    "talk.mp4",
		Backend:   "openai",
		Model:     "whisper-1",
		Generated: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Duration:  90500 * time.Millisecond,
	}
	md := RenderMarkdown(meta, sampleTranscript())

	assert.True(t, strings.HasPrefix(md, "# Transcript\n\n"))
	assert.Contains(t, md, "- Source: `talk.mp4`\n")
	assert.Contains(t, md, "- Generated: 2025-03-01T12:00:00Z\n")
	assert.Contains(t, md, "- Duration: 1m30s\n")
	assert.Contains(t, md, "[00:00-00:04] hello there\n\n")
	assert.Contains(t, md, "[01:01-01:02:05] general kenobi\n\n")
	assert.NotContains(t, md, "timeout")
}

func TestRenderJSON(t *testing.T) {
	data, err := Render(FormatJSON, Metadata{Source: "talk.mp4"}, sampleTranscript())
	require.NoError(t, err)

	var doc struct {
		Source string `json:"source"`
		Text   string `json:"text"`
		Chunks []struct {
			Index int    `json:"index"`
			Text  string `json:"text"`
			Error string `json:"error"`
		} `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "talk.mp4", doc.Source)
	assert.Equal(t, "hello there general kenobi", doc.Text)
	require.Len(t, doc.Chunks, 3)
	assert.Equal(t, 3, doc.Chunks[2].Index)
	assert.Equal(t, "chunk 1: timeout", doc.Chunks[1].Error)
}
