package audio

import (
	"context"
)

// SpeechDetector measures how much of a waveform is actual speech.
type SpeechDetector interface {
	SpeechDuration(ctx context.Context, w *Waveform) (int64, error)
}

// EnergyDetectorConfig tunes the frame-energy speech detector.
type EnergyDetectorConfig struct {
	ThresholdDBFS float64
	FrameMS       int
	MinSilenceMS  int
	SpeechPadMS   int
	MinSpeechMS   int
}

// DefaultEnergyDetectorConfig mirrors the thresholds used for enrollment and stitching.
func DefaultEnergyDetectorConfig() EnergyDetectorConfig {
	return EnergyDetectorConfig{
		ThresholdDBFS: -40,
		FrameMS:       30,
		MinSilenceMS:  100,
		SpeechPadMS:   30,
		MinSpeechMS:   60,
	}
}

// EnergyDetector classifies fixed frames as speech when their RMS level clears a dBFS threshold.
// Short silences inside speech are bridged and each region is padded on both sides.
type EnergyDetector struct {
	cfg EnergyDetectorConfig
}

func NewEnergyDetector(cfg EnergyDetectorConfig) *EnergyDetector {
	def := DefaultEnergyDetectorConfig()
	if cfg.FrameMS <= 0 {
		cfg.FrameMS = def.FrameMS
	}
	if cfg.ThresholdDBFS == 0 {
		cfg.ThresholdDBFS = def.ThresholdDBFS
	}
	if cfg.MinSilenceMS < 0 {
		cfg.MinSilenceMS = 0
	}
	if cfg.SpeechPadMS < 0 {
		cfg.SpeechPadMS = 0
	}
	return &EnergyDetector{cfg: cfg}
}

// SpeechSpans returns the detected speech regions of w in milliseconds.
func (d *EnergyDetector) SpeechSpans(w *Waveform) []Span {
	if w == nil || w.SampleRate <= 0 || len(w.Samples) == 0 {
		return nil
	}
	frameLen := w.SampleRate * d.cfg.FrameMS / 1000
	if frameLen <= 0 {
		return nil
	}

	var raw []Span
	inSpeech := false
	var start int64
	for off := 0; off < len(w.Samples); off += frameLen {
		end := off + frameLen
		if end > len(w.Samples) {
			end = len(w.Samples)
		}
		frameStart := int64(off) * 1000 / int64(w.SampleRate)
		voiced := rmsDBFS(w.Samples[off:end]) >= d.cfg.ThresholdDBFS
		switch {
		case voiced && !inSpeech:
			inSpeech = true
			start = frameStart
		case !voiced && inSpeech:
			inSpeech = false
			raw = append(raw, Span{StartMS: start, EndMS: frameStart})
		}
	}
	total := w.DurationMS()
	if inSpeech {
		raw = append(raw, Span{StartMS: start, EndMS: total})
	}

	// Bridge short gaps, then drop blips and pad.
	var merged []Span
	for _, s := range raw {
		if n := len(merged); n > 0 && s.StartMS-merged[n-1].EndMS < int64(d.cfg.MinSilenceMS) {
			merged[n-1].EndMS = s.EndMS
			continue
		}
		merged = append(merged, s)
	}

	pad := int64(d.cfg.SpeechPadMS)
	out := merged[:0]
	for _, s := range merged {
		if s.DurationMS() < int64(d.cfg.MinSpeechMS) {
			continue
		}
		s.StartMS = max(0, s.StartMS-pad)
		s.EndMS = min(total, s.EndMS+pad)
		if n := len(out); n > 0 && s.StartMS <= out[n-1].EndMS {
			out[n-1].EndMS = s.EndMS
			continue
		}
		out = append(out, s)
	}
	return out
}

// SpeechDuration sums the detected speech regions. It never mutates w.
func (d *EnergyDetector) SpeechDuration(ctx context.Context, w *Waveform) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var total int64
	for _, s := range d.SpeechSpans(w) {
		total += s.DurationMS()
	}
	return total, nil
}

// StripSilence returns only the speech regions of w concatenated. When no speech is
// detected the original waveform is returned unchanged.
func (d *EnergyDetector) StripSilence(w *Waveform) *Waveform {
	spans := d.SpeechSpans(w)
	if len(spans) == 0 {
		return w
	}
	return w.Stitch(spans)
}
