// Package segment splits a clip into speech chunks separated by silence.
//
// A window of MinSilenceMS slides across the clip in SeekStepMS steps; any
// window whose RMS is at or below the threshold counts as silent. Silent
// windows that touch or overlap merge into one silent range, and the gaps
// between silent ranges become the chunks, padded with KeepSilenceMS of the
// surrounding silence.
package segment

import (
	"math"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// Range is a half-open [StartMS, EndMS) span of a clip.
type Range struct {
	StartMS int
	EndMS   int
}

// Len returns the span length in milliseconds.
func (r Range) Len() int { return r.EndMS - r.StartMS }

// Threshold derives the silence threshold from the clip loudness.
func Threshold(clip audio.Clip, offsetDB float64) float64 {
	return clip.DBFS() + offsetDB
}

// energy answers window RMS queries in constant time.
type energy struct {
	clip   audio.Clip
	prefix []uint64
}

func newEnergy(clip audio.Clip) *energy {
	prefix := make([]uint64, len(clip.Samples)+1)
	for i, s := range clip.Samples {
		v := int64(s)
		prefix[i+1] = prefix[i] + uint64(v*v)
	}
	return &energy{clip: clip, prefix: prefix}
}

// rms matches audio.Clip.RMS for clip.Slice(startMS, endMS).
func (e *energy) rms(startMS, endMS int) int {
	lo := e.clip.FrameAt(startMS) * e.clip.Channels
	hi := e.clip.FrameAt(endMS) * e.clip.Channels
	if hi <= lo {
		return 0
	}
	sum := e.prefix[hi] - e.prefix[lo]
	return int(math.Sqrt(float64(sum) / float64(hi-lo)))
}

// DetectSilence returns the silent ranges of the clip, in order.
func DetectSilence(clip audio.Clip, minSilenceMS int, threshDB float64, seekStepMS int) []Range {
	segLen := clip.Len()
	if minSilenceMS <= 0 || segLen < minSilenceMS {
		return nil
	}
	if seekStepMS <= 0 {
		seekStepMS = 1
	}
	limit := audio.DBToRatio(threshDB) * audio.MaxAmplitude
	e := newEnergy(clip)

	lastStart := segLen - minSilenceMS
	var starts []int
	check := func(i int) {
		if float64(e.rms(i, i+minSilenceMS)) <= limit {
			starts = append(starts, i)
		}
	}
	for i := 0; i <= lastStart; i += seekStepMS {
		check(i)
	}
	if lastStart%seekStepMS != 0 {
		check(lastStart)
	}
	if len(starts) == 0 {
		return nil
	}

	var ranges []Range
	prev := starts[0]
	current := prev
	for _, s := range starts[1:] {
		continuous := s == prev+seekStepMS
		hasGap := s > prev+minSilenceMS
		if !continuous && hasGap {
			ranges = append(ranges, Range{StartMS: current, EndMS: prev + minSilenceMS})
			current = s
		}
		prev = s
	}
	ranges = append(ranges, Range{StartMS: current, EndMS: prev + minSilenceMS})
	return ranges
}

// DetectNonsilent returns the ranges between silences. A clip with no
// silence is returned whole; an entirely silent clip yields nothing.
func DetectNonsilent(clip audio.Clip, minSilenceMS int, threshDB float64, seekStepMS int) []Range {
	silent := DetectSilence(clip, minSilenceMS, threshDB, seekStepMS)
	segLen := clip.Len()
	if len(silent) == 0 {
		return []Range{{StartMS: 0, EndMS: segLen}}
	}
	if silent[0].StartMS == 0 && silent[0].EndMS == segLen {
		return nil
	}

	var out []Range
	prevEnd := 0
	for _, r := range silent {
		out = append(out, Range{StartMS: prevEnd, EndMS: r.StartMS})
		prevEnd = r.EndMS
	}
	if last := silent[len(silent)-1]; last.EndMS != segLen {
		out = append(out, Range{StartMS: prevEnd, EndMS: segLen})
	}
	if out[0].StartMS == 0 && out[0].EndMS == 0 {
		out = out[1:]
	}
	return out
}
