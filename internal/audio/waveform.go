package audio

import (
	"encoding/binary"
	"math"
	"os"
)

// Span is a half-open [StartMS, EndMS) interval in milliseconds.
type Span struct {
	StartMS int64 `json:"start_ms"`
	EndMS   int64 `json:"end_ms"`
}

// DurationMS returns the span length, never negative.
func (s Span) DurationMS() int64 {
	if s.EndMS <= s.StartMS {
		return 0
	}
	return s.EndMS - s.StartMS
}

// Capped returns the span truncated to at most maxMS.
func (s Span) Capped(maxMS int64) Span {
	if maxMS > 0 && s.DurationMS() > maxMS {
		return Span{StartMS: s.StartMS, EndMS: s.StartMS + maxMS}
	}
	return s
}

// Waveform is mono 16-bit PCM held in memory.
type Waveform struct {
	Samples    []int16
	SampleRate int
}

// DurationMS is the waveform length in milliseconds.
func (w *Waveform) DurationMS() int64 {
	if w == nil || w.SampleRate <= 0 {
		return 0
	}
	return int64(len(w.Samples)) * 1000 / int64(w.SampleRate)
}

func (w *Waveform) index(ms int64) int {
	i := int(ms * int64(w.SampleRate) / 1000)
	if i < 0 {
		return 0
	}
	if i > len(w.Samples) {
		return len(w.Samples)
	}
	return i
}

// Slice returns the samples within span. Out-of-range bounds are clamped.
// The returned waveform shares no memory with w.
func (w *Waveform) Slice(span Span) *Waveform {
	start, end := w.index(span.StartMS), w.index(span.EndMS)
	if end < start {
		end = start
	}
	out := make([]int16, end-start)
	copy(out, w.Samples[start:end])
	return &Waveform{Samples: out, SampleRate: w.SampleRate}
}

// Stitch concatenates the given spans in order into a new waveform.
func (w *Waveform) Stitch(spans []Span) *Waveform {
	total := 0
	for _, s := range spans {
		if n := w.index(s.EndMS) - w.index(s.StartMS); n > 0 {
			total += n
		}
	}
	out := make([]int16, 0, total)
	for _, s := range spans {
		start, end := w.index(s.StartMS), w.index(s.EndMS)
		if end > start {
			out = append(out, w.Samples[start:end]...)
		}
	}
	return &Waveform{Samples: out, SampleRate: w.SampleRate}
}

// PCM16LE returns the samples as little-endian bytes.
func (w *Waveform) PCM16LE() []byte {
	buf := make([]byte, len(w.Samples)*2)
	for i, s := range w.Samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// WAV encodes the waveform as a WAV container.
func (w *Waveform) WAV() ([]byte, error) {
	return EncodeWAVPCM16LE(w.PCM16LE(), w.SampleRate)
}

// WriteWAVFile writes the waveform to path as WAV.
func (w *Waveform) WriteWAVFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVPCM16LETo(f, w.PCM16LE(), w.SampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// rmsDBFS returns the RMS level of samples relative to full scale.
func rmsDBFS(samples []int16) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}
