// Package audio holds decoded 16-bit PCM clips and the loudness helpers the
// rest of the pipeline measures them with.
package audio

import (
	"math"
)

// MaxAmplitude is the full-scale value for signed 16-bit samples.
const MaxAmplitude = 32768.0

// Clip is interleaved signed 16-bit PCM.
type Clip struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (one sample per channel).
func (c Clip) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Len returns the clip length in whole milliseconds.
func (c Clip) Len() int {
	if c.SampleRate <= 0 {
		return 0
	}
	return int(math.Round(1000 * float64(c.Frames()) / float64(c.SampleRate)))
}

// FrameAt converts a millisecond position into a frame index, clamped to the clip.
func (c Clip) FrameAt(ms int) int {
	if ms <= 0 {
		return 0
	}
	frame := int(int64(ms) * int64(c.SampleRate) / 1000)
	if n := c.Frames(); frame > n {
		return n
	}
	return frame
}

// Slice returns the [startMS, endMS) portion of the clip. The returned clip
// shares its backing array with c.
func (c Clip) Slice(startMS, endMS int) Clip {
	start := c.FrameAt(startMS)
	end := c.FrameAt(endMS)
	if end < start {
		end = start
	}
	return Clip{
		Samples:    c.Samples[start*c.Channels : end*c.Channels],
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
	}
}

// RMS is the integer root mean square over every sample.
func (c Clip) RMS() int {
	if len(c.Samples) == 0 {
		return 0
	}
	var sum uint64
	for _, s := range c.Samples {
		v := int64(s)
		sum += uint64(v * v)
	}
	return int(math.Sqrt(float64(sum) / float64(len(c.Samples))))
}

// DBFS is the clip loudness relative to full scale. Digital silence is -Inf.
func (c Clip) DBFS() float64 {
	rms := c.RMS()
	if rms == 0 {
		return math.Inf(-1)
	}
	return RatioToDB(float64(rms) / MaxAmplitude)
}

// Peak returns the largest absolute sample value.
func (c Clip) Peak() int {
	peak := 0
	for _, s := range c.Samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// Mono averages all channels into a single channel.
func (c Clip) Mono() Clip {
	if c.Channels <= 1 {
		return c
	}
	frames := c.Frames()
	out := make([]int16, frames)
	for f := 0; f < frames; f++ {
		var sum int
		base := f * c.Channels
		for ch := 0; ch < c.Channels; ch++ {
			sum += int(c.Samples[base+ch])
		}
		out[f] = clamp16(float64(sum) / float64(c.Channels))
	}
	return Clip{Samples: out, SampleRate: c.SampleRate, Channels: 1}
}

// ApplyGain returns a copy with every sample scaled by gainDB, clipping at full scale.
func (c Clip) ApplyGain(gainDB float64) Clip {
	factor := DBToRatio(gainDB)
	out := make([]int16, len(c.Samples))
	for i, s := range c.Samples {
		out[i] = clamp16(float64(s) * factor)
	}
	return Clip{Samples: out, SampleRate: c.SampleRate, Channels: c.Channels}
}

// Normalize raises or lowers the gain so the peak sits headroomDB below full
// scale. Silent clips are returned unchanged.
func (c Clip) Normalize(headroomDB float64) Clip {
	peak := c.Peak()
	if peak == 0 {
		return c
	}
	target := MaxAmplitude * DBToRatio(-headroomDB)
	return c.ApplyGain(RatioToDB(target / float64(peak)))
}

// Resample converts to rate with linear interpolation.
func (c Clip) Resample(rate int) Clip {
	if rate <= 0 || rate == c.SampleRate || c.SampleRate <= 0 {
		return c
	}
	ch := c.Channels
	if ch < 1 {
		ch = 1
	}
	inFrames := c.Frames()
	outFrames := int(int64(inFrames) * int64(rate) / int64(c.SampleRate))
	out := make([]int16, outFrames*ch)
	step := float64(c.SampleRate) / float64(rate)
	for f := 0; f < outFrames; f++ {
		pos := float64(f) * step
		i := int(pos)
		frac := pos - float64(i)
		for k := 0; k < ch; k++ {
			a := float64(c.Samples[i*ch+k])
			b := a
			if i+1 < inFrames {
				b = float64(c.Samples[(i+1)*ch+k])
			}
			out[f*ch+k] = clamp16(a + (b-a)*frac)
		}
	}
	return Clip{Samples: out, SampleRate: rate, Channels: ch}
}

// Float32 converts samples to [-1, 1) floats, the layout speech models expect.
func (c Clip) Float32() []float32 {
	out := make([]float32, len(c.Samples))
	for i, s := range c.Samples {
		out[i] = float32(s) / MaxAmplitude
	}
	return out
}

// DBToRatio converts decibels to an amplitude ratio.
func DBToRatio(db float64) float64 {
	return math.Pow(10, db/20)
}

// RatioToDB converts an amplitude ratio to decibels.
func RatioToDB(ratio float64) float64 {
	return 20 * math.Log10(ratio)
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
