package identify

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/voxtail/internal/apperr"
	"github.com/antoniostano/voxtail/internal/audio"
	"github.com/antoniostano/voxtail/internal/match"
	"github.com/antoniostano/voxtail/internal/observability"
	"github.com/antoniostano/voxtail/internal/protocol"
	"github.com/antoniostano/voxtail/internal/session"
	"github.com/antoniostano/voxtail/internal/transcribe"
)

// Recording is an accepted upload waiting to be processed.
type Recording struct {
	ID           string
	OriginalPath string
	WAVPath      string
	Language     string
}

// ProgressFunc receives stage updates while a recording is processed.
type ProgressFunc func(protocol.Progress)

// AcceptRecording sweeps expired sessions, supersedes the previous recording and
// stores body as the new recording's original upload.
func (s *Service) AcceptRecording(ctx context.Context, filename, language string, body io.Reader) (Recording, error) {
	if err := ctx.Err(); err != nil {
		return Recording{}, err
	}
	s.sessions.SweepExpired()
	id := s.sessions.NewID()
	s.sessions.SupersedePrevious(id)

	rec := Recording{
		ID:           id,
		OriginalPath: s.sessions.UploadPath(id, uploadExt(filename)),
		WAVPath:      s.sessions.WAVPath(id),
		Language:     strings.TrimSpace(language),
	}
	if err := os.MkdirAll(filepath.Dir(rec.OriginalPath), 0o755); err != nil {
		return Recording{}, apperr.Internal(fmt.Errorf("create audio dir: %w", err))
	}
	f, err := os.Create(rec.OriginalPath)
	if err != nil {
		return Recording{}, apperr.Internal(fmt.Errorf("create upload: %w", err))
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = session.RemoveFiles(rec.OriginalPath)
		return Recording{}, apperr.Internal(fmt.Errorf("store upload: %w", err))
	}
	if n == 0 {
		_ = session.RemoveFiles(rec.OriginalPath)
		return Recording{}, apperr.Validation("audio upload is empty")
	}
	s.logger.Info("meeting audio stored", "meeting_id", id, "path", rec.OriginalPath, "bytes", n)
	return rec, nil
}

func uploadExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || len(ext) > 8 {
		return ".wav"
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ".wav"
		}
	}
	return ext
}

// ProcessRecording transcribes, analyzes and matches rec, then stores the session.
// When no session is stored the recording's files are removed before returning.
// An empty transcript is not an error: the result carries a nil meeting id.
func (s *Service) ProcessRecording(ctx context.Context, rec Recording, progress ProgressFunc) (protocol.IdentifyResult, error) {
	if progress == nil {
		progress = func(protocol.Progress) {}
	}
	saved := false
	defer func() {
		if saved {
			return
		}
		if err := session.RemoveFiles(rec.OriginalPath, rec.WAVPath); err != nil {
			s.logger.Warn("unsaved recording cleanup incomplete", "meeting_id", rec.ID, "error", err)
		}
	}()

	if err := s.jobs.Acquire(ctx, 1); err != nil {
		s.logger.Warn("no worker slot before deadline", "meeting_id", rec.ID, "error", err)
		return protocol.IdentifyResult{}, apperr.Internal(fmt.Errorf("wait for worker slot: %w", err))
	}
	defer s.jobs.Release(1)
	if s.metrics != nil {
		s.metrics.InflightJobs.Inc()
		defer s.metrics.InflightJobs.Dec()
	}
	started := time.Now()

	progress(protocol.Progress{Stage: protocol.StageTranscribing, Message: "Transcribing audio"})
	stageStart := time.Now()
	tr, err := s.transcriber.Transcribe(ctx, rec.OriginalPath, rec.Language)
	s.metrics.ObserveStage(observability.StageTranscribe, time.Since(stageStart))
	if err != nil {
		return protocol.IdentifyResult{}, s.upstream(ProviderTranscription, err)
	}
	if len(tr.Utterances) == 0 {
		s.logger.Info("no speech in recording", "meeting_id", rec.ID)
		s.metrics.ObserveIndicator("empty_transcript")
		return protocol.IdentifyResult{
			Speakers:   []protocol.SpeakerResult{},
			Utterances: []protocol.LabeledUtterance{},
			DurationMS: tr.DurationMS,
			Language:   tr.Language,
		}, nil
	}

	progress(protocol.Progress{Stage: protocol.StageConverting, Message: "Converting audio format"})
	stageStart = time.Now()
	if err := s.converter.ToWAV(ctx, rec.OriginalPath, rec.WAVPath); err != nil {
		return protocol.IdentifyResult{}, conversionErr("recording "+rec.ID, err)
	}
	wave, err := audio.ReadWAVFile(rec.WAVPath)
	if err != nil {
		return protocol.IdentifyResult{}, apperr.Internal(fmt.Errorf("load recording %s: %w", rec.ID, err))
	}
	s.metrics.ObserveStage(observability.StageConvert, time.Since(stageStart))

	utterances, labels, spans := groupUtterances(tr.Utterances)
	s.logger.Info("speakers found", "meeting_id", rec.ID, "speakers", labels)

	progress(protocol.Progress{Stage: protocol.StageAnalyzing, Message: "Analyzing speaker voices"})
	stageStart = time.Now()
	speakers, err := s.extractSpeakers(ctx, wave, labels, spans)
	if err != nil {
		return protocol.IdentifyResult{}, err
	}
	s.metrics.ObserveStage(observability.StageAnalyze, time.Since(stageStart))

	progress(protocol.Progress{Stage: protocol.StageMatching, Message: "Matching speakers to voice profiles"})
	stageStart = time.Now()
	pending, err := s.matchSpeakers(ctx, labels, speakers)
	if err != nil {
		return protocol.IdentifyResult{}, err
	}
	s.metrics.ObserveStage(observability.StageMatch, time.Since(stageStart))

	sess := &session.Session{
		ID:           rec.ID,
		AudioPath:    rec.WAVPath,
		OriginalPath: rec.OriginalPath,
		Speakers:     speakers,
		Utterances:   utterances,
		DurationMS:   tr.DurationMS,
		Language:     tr.Language,
		Pending:      pending,
		Handled:      map[string]bool{},
	}
	if err := s.sessions.Save(sess); err != nil {
		return protocol.IdentifyResult{}, apperr.Internal(err)
	}
	saved = true
	s.metrics.ObserveStage(observability.StageTotal, time.Since(started))

	s.analytics.Log(ctx, observability.EventMeetingProcessed,
		"meeting_id", rec.ID,
		"duration_ms", tr.DurationMS,
		"speaker_count", len(labels),
	)
	s.logger.Info("meeting identified", "meeting_id", rec.ID, "speakers", len(labels), "pending", len(pending), "elapsed", time.Since(started))

	res := buildResult(sess)
	id := rec.ID
	res.MeetingID = &id
	return res, nil
}

// groupUtterances converts the transcript and collects each label's spans in
// transcript order. Labels come back sorted.
func groupUtterances(in []transcribe.Utterance) ([]session.Utterance, []string, map[string][]audio.Span) {
	utterances := make([]session.Utterance, 0, len(in))
	spans := make(map[string][]audio.Span)
	for _, u := range in {
		su := session.Utterance{Speaker: u.Speaker, Text: u.Text, StartMS: u.StartMS, EndMS: u.EndMS}
		utterances = append(utterances, su)
		spans[u.Speaker] = append(spans[u.Speaker], su.Span())
	}
	labels := make([]string, 0, len(spans))
	for label := range spans {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return utterances, labels, spans
}

// extractSpeakers selects and embeds audio for every label, a bounded number at a time.
func (s *Service) extractSpeakers(ctx context.Context, wave *audio.Waveform, labels []string, spans map[string][]audio.Span) (map[string]*session.Speaker, error) {
	out := make(map[string]*session.Speaker, len(labels))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.SpeakerParallelism)
	for _, label := range labels {
		g.Go(func() error {
			sp, err := s.extractSpeaker(gctx, wave, label, spans[label])
			if err != nil {
				return err
			}
			mu.Lock()
			out[label] = sp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) extractSpeaker(ctx context.Context, wave *audio.Waveform, label string, spans []audio.Span) (*session.Speaker, error) {
	sp := &session.Speaker{Label: label}
	sel, err := s.selector.Select(ctx, label, wave, spans)
	if err != nil {
		return nil, err
	}
	if sel.Empty() {
		sp.LowQuality = true
		s.logger.Info("insufficient audio for speaker", "speaker", label)
		return sp, nil
	}
	sp.Spans = sel.Spans
	sp.SpeechMS = sel.SpeechMS
	sp.LowQuality = sel.SpeechMS < s.opts.IdentifyMinSpeechMS

	vec, err := s.embedClip(ctx, sel.Clip)
	if err != nil {
		return nil, err
	}
	sp.Embedding = vec
	return sp, nil
}

// matchSpeakers runs the competitive matcher over the embedded speakers, gives
// every other speaker a LOW result, and returns the pending label set.
func (s *Service) matchSpeakers(ctx context.Context, labels []string, speakers map[string]*session.Speaker) (map[string]bool, error) {
	embeddings := make(map[string][]float32, len(speakers))
	for label, sp := range speakers {
		if sp.Embedding != nil {
			embeddings[label] = sp.Embedding
		}
	}
	results, err := s.matcher.Match(ctx, embeddings)
	if err != nil {
		return nil, s.upstream(ProviderProfileStore, err)
	}

	pending := make(map[string]bool)
	for _, label := range labels {
		r := results[label]
		if r == nil {
			r = &match.Result{Speaker: label, Confidence: match.ConfidenceLow}
		}
		sp := speakers[label]
		sp.Match = r
		sp.AssignedName = r.AssignedName
		if r.Pending() {
			pending[label] = true
		}
		if s.metrics != nil {
			s.metrics.MatchOutcomes.WithLabelValues(string(r.Confidence)).Inc()
		}
		if r.AssignedName != "" {
			s.logger.Info("speaker identified", "speaker", label, "name", r.AssignedName, "score", r.TopScore)
		} else {
			s.logger.Info("speaker needs action", "speaker", label, "confidence", r.Confidence, "suggested", r.SuggestedName)
		}
	}
	return pending, nil
}
