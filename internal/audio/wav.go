package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrUnsupportedFormat is returned for WAV files that are not 16-bit PCM.
var ErrUnsupportedFormat = errors.New("unsupported wav format")

// ReadWAV decodes a 16-bit PCM WAV file.
func ReadWAV(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodeWAV decodes 16-bit PCM WAV data from r.
func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("%w: not a valid wav stream", ErrUnsupportedFormat)
	}
	if dec.WavAudioFormat != 1 || dec.BitDepth != 16 {
		return Clip{}, fmt.Errorf("%w: format=%d bit_depth=%d", ErrUnsupportedFormat, dec.WavAudioFormat, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return Clip{
		Samples:    samples,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}

// WriteWAV encodes the clip as 16-bit PCM WAV at path.
func WriteWAV(path string, c Clip) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := EncodeWAV(file, c); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// EncodeWAV writes the clip to w as 16-bit PCM WAV.
func EncodeWAV(w io.WriteSeeker, c Clip) error {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return fmt.Errorf("%w: sample_rate=%d channels=%d", ErrUnsupportedFormat, c.SampleRate, c.Channels)
	}
	data := make([]int, len(c.Samples))
	for i, s := range c.Samples {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: c.Channels, SampleRate: c.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, c.SampleRate, 16, c.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
