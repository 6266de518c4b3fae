// Package segment picks the smallest set of a speaker's utterances that yields
// enough detected speech for a reliable voice embedding.
package segment

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/antoniostano/voxtail/internal/audio"
)

// Options bound the selection. Durations are milliseconds.
type Options struct {
	MinUtteranceMS  int64
	MaxSingleSpanMS int64
	TargetSpeechMS  int64
	MaxSpans        int
}

func DefaultOptions() Options {
	return Options{
		MinUtteranceMS:  2000,
		MaxSingleSpanMS: 20000,
		TargetSpeechMS:  10000,
		MaxSpans:        5,
	}
}

// Selection is the outcome for one speaker. An empty Spans means insufficient audio.
type Selection struct {
	Spans    []audio.Span
	SpeechMS int64
	// Clip is the stitched audio of Spans, ready for embedding. Nil when Spans is empty.
	Clip *audio.Waveform
}

// Empty reports whether no utterance cleared the minimum length.
func (s Selection) Empty() bool { return len(s.Spans) == 0 }

// RawMS is the summed span length before silence removal.
func (s Selection) RawMS() int64 {
	var total int64
	for _, sp := range s.Spans {
		total += sp.DurationMS()
	}
	return total
}

type Selector struct {
	opts     Options
	detector audio.SpeechDetector
	logger   *slog.Logger
}

func NewSelector(opts Options, detector audio.SpeechDetector, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{opts: opts, detector: detector, logger: logger}
}

// Select walks utterances longest first, re-measuring detected speech after each
// addition, and stops once TargetSpeechMS is reached or MaxSpans are chosen.
func (s *Selector) Select(ctx context.Context, speaker string, wave *audio.Waveform, utterances []audio.Span) (Selection, error) {
	candidates := make([]audio.Span, 0, len(utterances))
	for _, u := range utterances {
		if u.DurationMS() >= s.opts.MinUtteranceMS {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		s.logger.Debug("no utterance long enough", "speaker", speaker, "min_ms", s.opts.MinUtteranceMS)
		return Selection{}, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].DurationMS() > candidates[j].DurationMS()
	})

	var sel Selection
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return Selection{}, err
		}
		sel.Spans = append(sel.Spans, c.Capped(s.opts.MaxSingleSpanMS))
		sel.Clip = wave.Stitch(sel.Spans)

		speech, err := s.detector.SpeechDuration(ctx, sel.Clip)
		if err != nil {
			return Selection{}, fmt.Errorf("measure speech for speaker %s: %w", speaker, err)
		}
		sel.SpeechMS = speech

		if sel.SpeechMS >= s.opts.TargetSpeechMS || len(sel.Spans) >= s.opts.MaxSpans {
			break
		}
	}

	s.logger.Debug("selected segments",
		"speaker", speaker,
		"spans", len(sel.Spans),
		"raw_ms", sel.RawMS(),
		"speech_ms", sel.SpeechMS,
	)
	return sel, nil
}
