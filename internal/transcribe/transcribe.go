// Package transcribe converts recordings into diarized, time-stamped utterances.
package transcribe

import (
	"context"
)

// Utterance is one diarized turn. Times are milliseconds.
type Utterance struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	StartMS int64  `json:"start"`
	EndMS   int64  `json:"end"`
}

type Result struct {
	Utterances []Utterance
	DurationMS int64
	Language   string
}

// Transcriber transcribes an audio file with speaker labels. An empty language
// requests automatic detection.
type Transcriber interface {
	Transcribe(ctx context.Context, path, language string) (Result, error)
}

// Mock returns a fixed result for every call.
type Mock struct {
	Result Result
	Err    error
}

func (m *Mock) Transcribe(ctx context.Context, _ string, _ string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if m.Err != nil {
		return Result{}, m.Err
	}
	out := m.Result
	out.Utterances = append([]Utterance(nil), m.Result.Utterances...)
	return out, nil
}
