package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ProbeInfo summarises the container as reported by ffprobe.
type ProbeInfo struct {
	Duration   time.Duration
	HasAudio   bool
	HasVideo   bool
	AudioCodec string
	SampleRate int
	Channels   int
	FormatName string
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// Probe inspects a media file with ffprobe.
func (e *Extractor) Probe(ctx context.Context, path string) (ProbeInfo, error) {
	if e.ffprobe.Name() == "" {
		return ProbeInfo{}, fmt.Errorf("ffprobe not configured")
	}
	out, err := e.ffprobe.Run(ctx,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path)
	if err != nil {
		return ProbeInfo{}, fmt.Errorf("probe media: %w", err)
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (ProbeInfo, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return ProbeInfo{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	info := ProbeInfo{FormatName: raw.Format.FormatName}
	if raw.Format.Duration != "" {
		if secs, err := strconv.ParseFloat(raw.Format.Duration, 64); err == nil {
			info.Duration = time.Duration(secs * float64(time.Second))
		}
	}
	for _, s := range raw.Streams {
		switch s.CodecType {
		case "audio":
			if info.HasAudio {
				continue
			}
			info.HasAudio = true
			info.AudioCodec = s.CodecName
			info.Channels = s.Channels
			if rate, err := strconv.Atoi(s.SampleRate); err == nil {
				info.SampleRate = rate
			}
		case "video":
			info.HasVideo = true
		}
	}
	return info, nil
}
