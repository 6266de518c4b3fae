package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meeting.m4a")
	if err := os.WriteFile(path, []byte("fake-audio"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestAssemblyAITranscribe(t *testing.T) {
	var polls atomic.Int32
	var created transcriptRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "fake-audio" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.example/u1"})
	})
	mux.HandleFunc("POST /v2/transcript", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&created)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "t1", "status": "queued"})
	})
	mux.HandleFunc("GET /v2/transcript/t1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			// One transient failure, then processing, then done.
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if polls.Load() == 2 {
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "t1", "status": "processing"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":             "t1",
			"status":         "completed",
			"audio_duration": 12.5,
			"language_code":  "en",
			"utterances": []map[string]any{
				{"speaker": "A", "text": "hello", "start": 0, "end": 2500},
				{"speaker": "B", "text": "hi", "start": 2600, "end": 5000},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr, err := NewAssemblyAI(AssemblyAIConfig{APIKey: "key-1", BaseURL: srv.URL, PollInterval: time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewAssemblyAI() error = %v", err)
	}
	tr.retry.Base = time.Millisecond
	tr.retry.Cap = time.Millisecond

	got, err := tr.Transcribe(context.Background(), writeAudio(t), "")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if !created.SpeakerLabels || !created.LanguageDetection || created.AudioURL != "https://cdn.example/u1" {
		t.Fatalf("unexpected transcript request: %+v", created)
	}
	if got.DurationMS != 12500 {
		t.Fatalf("DurationMS = %d, want 12500", got.DurationMS)
	}
	if got.Language != "en" {
		t.Fatalf("Language = %q, want en", got.Language)
	}
	if len(got.Utterances) != 2 || got.Utterances[1].Speaker != "B" || got.Utterances[1].EndMS != 5000 {
		t.Fatalf("unexpected utterances: %+v", got.Utterances)
	}
}

func TestAssemblyAITranscriptionError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/upload", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"upload_url": "u"})
	})
	mux.HandleFunc("POST /v2/transcript", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "t2", "status": "error", "error": "bad audio"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr, err := NewAssemblyAI(AssemblyAIConfig{APIKey: "k", BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewAssemblyAI() error = %v", err)
	}
	if _, err := tr.Transcribe(context.Background(), writeAudio(t), "en"); err == nil {
		t.Fatalf("Transcribe() error = nil, want error")
	}
}

func TestAssemblyAIUnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr, err := NewAssemblyAI(AssemblyAIConfig{APIKey: "k", BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewAssemblyAI() error = %v", err)
	}
	if _, err := tr.Transcribe(context.Background(), writeAudio(t), ""); err == nil {
		t.Fatalf("Transcribe() error = nil, want error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestNewAssemblyAIRequiresKey(t *testing.T) {
	if _, err := NewAssemblyAI(AssemblyAIConfig{}, nil); err == nil {
		t.Fatalf("NewAssemblyAI() error = nil, want error")
	}
}

func TestAssemblyAIStopsPollingAfterMaxWait(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/upload", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"upload_url": "u"})
	})
	mux.HandleFunc("POST /v2/transcript", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "t3", "status": "queued"})
	})
	mux.HandleFunc("GET /v2/transcript/t3", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		// A status the client does not know must not keep it polling forever.
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "t3", "status": "throttled"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr, err := NewAssemblyAI(AssemblyAIConfig{
		APIKey:       "k",
		BaseURL:      srv.URL,
		PollInterval: 5 * time.Millisecond,
		MaxWait:      50 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewAssemblyAI() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = tr.Transcribe(ctx, writeAudio(t), "en")
	if !errors.Is(err, ErrTranscriptTimeout) {
		t.Fatalf("Transcribe() error = %v, want ErrTranscriptTimeout", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("Transcribe() returned only after the caller's context expired")
	}
	if polls.Load() == 0 {
		t.Fatalf("transcript was never polled")
	}
}
