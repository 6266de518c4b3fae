package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/voxtail/internal/apperr"
	"github.com/antoniostano/voxtail/internal/audio"
	"github.com/antoniostano/voxtail/internal/config"
	"github.com/antoniostano/voxtail/internal/embed"
	"github.com/antoniostano/voxtail/internal/identify"
	"github.com/antoniostano/voxtail/internal/match"
	"github.com/antoniostano/voxtail/internal/observability"
	"github.com/antoniostano/voxtail/internal/profile"
	"github.com/antoniostano/voxtail/internal/protocol"
	"github.com/antoniostano/voxtail/internal/segment"
	"github.com/antoniostano/voxtail/internal/session"
	"github.com/antoniostano/voxtail/internal/summary"
	"github.com/antoniostano/voxtail/internal/transcribe"
)

type copyConverter struct{}

func (copyConverter) ToWAV(_ context.Context, in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func tone(ms int, amplitude float64) []int16 {
	n := audio.DefaultSampleRate * ms / 1000
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*220*float64(i)/audio.DefaultSampleRate))
	}
	return out
}

func wavOf(t *testing.T, parts ...[]int16) []byte {
	t.Helper()
	var samples []int16
	for _, p := range parts {
		samples = append(samples, p...)
	}
	data, err := (&audio.Waveform{Samples: samples, SampleRate: audio.DefaultSampleRate}).WAV()
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return data
}

type testEnv struct {
	ts       *httptest.Server
	svc      *identify.Service
	audioDir string
}

type envOptions struct {
	transcriber transcribe.Transcriber
	maxJobs     int
	jobTimeout  time.Duration
}

func standupTranscript() transcribe.Result {
	return transcribe.Result{
		Utterances: []transcribe.Utterance{
			{Speaker: "A", Text: "Morning all.", StartMS: 0, EndMS: 12000},
			{Speaker: "B", Text: "Morning.", StartMS: 13000, EndMS: 25000},
		},
		DurationMS: 25000,
		Language:   "en",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, envOptions{})
}

func newTestEnvWith(t *testing.T, o envOptions) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cache, err := profile.OpenCache(filepath.Join(dir, "speakers.yaml"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	profiles := profile.NewManager(profile.NewMemoryStore(), cache, profile.DefaultBlendConfig(), nil)
	audioDir := filepath.Join(dir, "audio")
	sessions := session.NewManager(session.Options{AudioDir: audioDir, TTL: time.Hour})
	detector := audio.NewEnergyDetector(audio.DefaultEnergyDetectorConfig())
	tr := o.transcriber
	if tr == nil {
		tr = &transcribe.Mock{Result: standupTranscript()}
	}
	opts := identify.DefaultOptions()
	if o.maxJobs > 0 {
		opts.MaxConcurrentJobs = o.maxJobs
	}

	svc, err := identify.New(identify.Deps{
		Transcriber: tr,
		Converter:   copyConverter{},
		Analyzer:    detector,
		Selector:    segment.NewSelector(segment.DefaultOptions(), detector, nil),
		Embedder:    embed.Hash{Dim: 16},
		Matcher:     match.NewMatcher(match.DefaultConfig(), profiles, nil),
		Profiles:    profiles,
		Sessions:    sessions,
		Summarizer:  summary.Mock{},
	}, opts)
	if err != nil {
		t.Fatalf("identify.New() error = %v", err)
	}

	cfg := config.Defaults()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	if o.jobTimeout > 0 {
		cfg.IdentifyJobTimeout = o.jobTimeout
	}
	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	srv := New(cfg, svc, metrics, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, svc: svc, audioDir: audioDir}
}

func meetingAudio(t *testing.T) []byte {
	return wavOf(t, tone(12000, 0.3), make([]int16, audio.DefaultSampleRate), tone(12000, 0.6))
}

func multipartBody(t *testing.T, fields map[string]string, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("audio", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

// sseEvents splits a server-sent event stream into (event, data) pairs, skipping comments.
func sseEvents(stream string) [][2]string {
	var out [][2]string
	for _, frame := range strings.Split(stream, "\n\n") {
		var event, data string
		for _, line := range strings.Split(frame, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		if event != "" {
			out = append(out, [2]string{event, data})
		}
	}
	return out
}

func identifyMeeting(t *testing.T, env *testEnv) string {
	t.Helper()
	body, ctype := multipartBody(t, nil, "standup.wav", meetingAudio(t))
	res, err := http.Post(env.ts.URL+"/v1/identify", ctype, body)
	if err != nil {
		t.Fatalf("POST /v1/identify error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("identify status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}

	events := sseEvents(string(raw))
	if len(events) == 0 {
		t.Fatalf("no events in stream: %q", raw)
	}
	var stages []string
	for _, ev := range events[:len(events)-1] {
		if ev[0] != protocol.EventProgress {
			t.Fatalf("unexpected event %q before done", ev[0])
		}
		var p protocol.Progress
		if err := json.Unmarshal([]byte(ev[1]), &p); err != nil {
			t.Fatalf("decode progress: %v", err)
		}
		stages = append(stages, p.Stage)
	}
	if len(stages) != 4 || stages[0] != protocol.StageTranscribing || stages[3] != protocol.StageMatching {
		t.Fatalf("stages = %v", stages)
	}

	last := events[len(events)-1]
	if last[0] != protocol.EventDone {
		t.Fatalf("last event = %q (%s), want done", last[0], last[1])
	}
	var result protocol.IdentifyResult
	if err := json.Unmarshal([]byte(last[1]), &result); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if result.MeetingID == nil || *result.MeetingID == "" {
		t.Fatalf("done without meeting id: %s", last[1])
	}
	if len(result.Speakers) != 2 || len(result.Utterances) != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Utterances[0].DisplayName != "Unknown (A)" {
		t.Fatalf("display name = %q, want %q", result.Utterances[0].DisplayName, "Unknown (A)")
	}
	return *result.MeetingID
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/stages"} {
		res, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

func TestIdentifyRequiresAudio(t *testing.T) {
	env := newTestEnv(t)
	body, ctype := multipartBody(t, map[string]string{"language": "en"}, "", nil)
	res, err := http.Post(env.ts.URL+"/v1/identify", ctype, body)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestMeetingLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	id := identifyMeeting(t, env)
	base := env.ts.URL + "/v1/meetings/" + id

	res, meeting := doJSON(t, http.MethodGet, base, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET meeting status = %d", res.StatusCode)
	}
	if pending, _ := meeting["pending"].([]any); len(pending) != 2 {
		t.Fatalf("pending = %v, want both speakers", meeting["pending"])
	}

	clip, err := http.Get(base + "/speakers/A/clip")
	if err != nil {
		t.Fatalf("GET clip error = %v", err)
	}
	clipBytes, _ := io.ReadAll(clip.Body)
	clip.Body.Close()
	if clip.StatusCode != http.StatusOK || clip.Header.Get("Content-Type") != "audio/wav" {
		t.Fatalf("clip status = %d type = %q", clip.StatusCode, clip.Header.Get("Content-Type"))
	}
	if len(clipBytes) != 44+5*audio.DefaultSampleRate*2 {
		t.Fatalf("clip size = %d, want a 5s mono clip", len(clipBytes))
	}

	res, _ = doJSON(t, http.MethodGet, base+"/summary", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("GET summary before generation status = %d, want 404", res.StatusCode)
	}

	res, confirmed := doJSON(t, http.MethodPost, base+"/speakers/A/confirm", map[string]any{"name": "Alice", "reinforce": false})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm status = %d (%v)", res.StatusCode, confirmed)
	}
	if confirmed["enrolled"] != false || confirmed["session_cleaned_up"] != false {
		t.Fatalf("unexpected confirm response: %v", confirmed)
	}

	res, enrolled := doJSON(t, http.MethodPost, base+"/speakers/B/enroll", map[string]any{"name": "Bob"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enroll status = %d (%v)", res.StatusCode, enrolled)
	}

	res, sum := doJSON(t, http.MethodPost, base+"/summary", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d (%v)", res.StatusCode, sum)
	}
	if sum["session_cleaned_up"] != true {
		t.Fatalf("summary should close the resolved meeting: %v", sum)
	}

	res, body := doJSON(t, http.MethodGet, base, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("GET closed meeting status = %d, want 404", res.StatusCode)
	}
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("error code = %v, want NOT_FOUND", body["code"])
	}
	res, _ = doJSON(t, http.MethodPost, base+"/cleanup", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("cleanup of closed meeting status = %d, want 404", res.StatusCode)
	}
}

func TestConfirmValidation(t *testing.T) {
	env := newTestEnv(t)
	id := identifyMeeting(t, env)

	res, body := doJSON(t, http.MethodPost, env.ts.URL+"/v1/meetings/"+id+"/speakers/A/confirm", map[string]any{"name": " "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	if body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("code = %v", body["code"])
	}

	res, _ = doJSON(t, http.MethodPost, env.ts.URL+"/v1/meetings/nope/speakers/A/confirm", map[string]any{"name": "Al"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown meeting status = %d, want 404", res.StatusCode)
	}
}

func TestDedicatedEnrollmentAndProfiles(t *testing.T) {
	env := newTestEnv(t)

	body, ctype := multipartBody(t, map[string]string{"name": "Carol"}, "carol.wav", wavOf(t, tone(7000, 0.5)))
	res, err := http.Post(env.ts.URL+"/v1/speakers/enroll", ctype, body)
	if err != nil {
		t.Fatalf("POST enroll error = %v", err)
	}
	var enrolled map[string]any
	_ = json.NewDecoder(res.Body).Decode(&enrolled)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enroll status = %d (%v)", res.StatusCode, enrolled)
	}
	if w, _ := enrolled["warning"].(string); !strings.Contains(w, "short") {
		t.Fatalf("warning = %q, want short-sample advice", w)
	}

	body, ctype = multipartBody(t, map[string]string{"name": "Dan"}, "dan.wav", wavOf(t, tone(2000, 0.5)))
	res, err = http.Post(env.ts.URL+"/v1/speakers/enroll", ctype, body)
	if err != nil {
		t.Fatalf("POST enroll error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("short enroll status = %d, want 422", res.StatusCode)
	}

	res, list := doJSON(t, http.MethodGet, env.ts.URL+"/v1/speakers", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", res.StatusCode)
	}
	speakers, _ := list["speakers"].([]any)
	if len(speakers) != 1 {
		t.Fatalf("speakers = %v, want only Carol", list["speakers"])
	}

	res, _ = doJSON(t, http.MethodPost, env.ts.URL+"/v1/speakers/sync", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodDelete, env.ts.URL+"/v1/speakers/Carol", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodDelete, env.ts.URL+"/v1/speakers/Carol", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", res.StatusCode)
	}
}

func TestConsent(t *testing.T) {
	env := newTestEnv(t)
	res, _ := doJSON(t, http.MethodPost, env.ts.URL+"/v1/consent", map[string]string{"type": "recording", "version": "1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("consent status = %d", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodPost, env.ts.URL+"/v1/consent", map[string]string{"type": "recording"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("consent without version status = %d, want 400", res.StatusCode)
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestMeetingWSStreamsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := identifyMeeting(t, env)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.ts, "/v1/meetings/"+id+"/ws"), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, MeetingID: id, Action: protocol.ActionPing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong protocol.SystemEvent
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Code != "pong" {
		t.Fatalf("pong = %+v", pong)
	}

	if _, err := env.svc.ConfirmSpeaker(context.Background(), id, "A", "Alice", false); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	var resolved protocol.SessionEvent
	if err := conn.ReadJSON(&resolved); err != nil {
		t.Fatalf("read resolved: %v", err)
	}
	if resolved.Type != protocol.TypeSessionEvent || resolved.Event != "resolved" || resolved.Speaker != "A" {
		t.Fatalf("resolved event = %+v", resolved)
	}

	if err := env.svc.CloseMeeting(id); err != nil {
		t.Fatalf("close: %v", err)
	}
	var closed protocol.SessionEvent
	if err := conn.ReadJSON(&closed); err != nil {
		t.Fatalf("read closed: %v", err)
	}
	if closed.Event != "closed" || closed.Reason != "explicit" {
		t.Fatalf("closed event = %+v", closed)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestMeetingWSUnknownMeeting(t *testing.T) {
	env := newTestEnv(t)
	_, res, err := websocket.DefaultDialer.Dial(wsURL(env.ts, "/v1/meetings/missing/ws"), nil)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %v, want 404", res)
	}
}

func TestMeetingWSRejectsCrossOrigin(t *testing.T) {
	env := newTestEnv(t)
	id := identifyMeeting(t, env)
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL(env.ts, "/v1/meetings/"+id+"/ws"), header)
	if err == nil {
		t.Fatalf("expected cross-origin dial to fail")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", res)
	}
}

// gatedTranscriber holds every call until gate is closed.
type gatedTranscriber struct {
	result transcribe.Result
	gate   chan struct{}
	paths  chan string
}

func newGatedTranscriber(result transcribe.Result) *gatedTranscriber {
	return &gatedTranscriber{result: result, gate: make(chan struct{}), paths: make(chan string, 4)}
}

func (g *gatedTranscriber) Transcribe(ctx context.Context, path, _ string) (transcribe.Result, error) {
	g.paths <- path
	select {
	case <-g.gate:
		return g.result, nil
	case <-ctx.Done():
		return transcribe.Result{}, ctx.Err()
	}
}

// stalledTranscriber never finishes on its own.
type stalledTranscriber struct {
	started atomic.Int32
}

func (s *stalledTranscriber) Transcribe(ctx context.Context, _, _ string) (transcribe.Result, error) {
	s.started.Add(1)
	<-ctx.Done()
	return transcribe.Result{}, ctx.Err()
}

func startIdentify(t *testing.T, ctx context.Context, env *testEnv) *http.Response {
	t.Helper()
	body, ctype := multipartBody(t, nil, "standup.wav", meetingAudio(t))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.ts.URL+"/v1/identify", body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", ctype)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/identify error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		t.Fatalf("identify status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	return res
}

// readUntilHeartbeat consumes the stream up to the first heartbeat comment.
func readUntilHeartbeat(t *testing.T, r io.Reader) {
	t.Helper()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if strings.TrimSpace(line) == ": heartbeat" {
			return
		}
		if err != nil {
			t.Fatalf("stream ended before a heartbeat: %v", err)
		}
	}
}

func audioFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read audio dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func meetingIDFromUpload(path string) string {
	return strings.TrimSuffix(filepath.Base(path), "_original.wav")
}

func TestIdentifyFinishesAfterClientLeaves(t *testing.T) {
	tr := newGatedTranscriber(standupTranscript())
	env := newTestEnvWith(t, envOptions{transcriber: tr})

	ctx, cancel := context.WithCancel(context.Background())
	res := startIdentify(t, ctx, env)
	readUntilHeartbeat(t, res.Body)
	cancel()
	res.Body.Close()

	id := meetingIDFromUpload(<-tr.paths)
	close(tr.gate)

	waitFor(t, "meeting to be saved", func() bool {
		_, err := env.svc.GetMeeting(id)
		return err == nil
	})
	m, err := env.svc.GetMeeting(id)
	if err != nil {
		t.Fatalf("GetMeeting() error = %v", err)
	}
	if len(m.Speakers) != 2 {
		t.Fatalf("speakers = %d, want 2", len(m.Speakers))
	}
}

func TestIdentifyEmptyTranscriptAfterClientLeavesRemovesFiles(t *testing.T) {
	tr := newGatedTranscriber(transcribe.Result{DurationMS: 25000, Language: "en"})
	env := newTestEnvWith(t, envOptions{transcriber: tr})

	ctx, cancel := context.WithCancel(context.Background())
	res := startIdentify(t, ctx, env)
	readUntilHeartbeat(t, res.Body)
	cancel()
	res.Body.Close()

	id := meetingIDFromUpload(<-tr.paths)
	close(tr.gate)

	waitFor(t, "upload cleanup", func() bool { return len(audioFiles(t, env.audioDir)) == 0 })
	if _, err := env.svc.GetMeeting(id); err == nil {
		t.Fatalf("GetMeeting(%s) error = nil, want not found", id)
	}
}

func TestIdentifyJobTimeoutFreesWorkerSlot(t *testing.T) {
	tr := &stalledTranscriber{}
	env := newTestEnvWith(t, envOptions{transcriber: tr, maxJobs: 1, jobTimeout: 100 * time.Millisecond})

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		res := startIdentify(t, ctx, env)
		readUntilHeartbeat(t, res.Body)
		cancel()
		res.Body.Close()
		waitFor(t, "abandoned job to release its files", func() bool {
			return len(audioFiles(t, env.audioDir)) == 0
		})
	}

	res := startIdentify(t, context.Background(), env)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	events := sseEvents(string(raw))
	if len(events) == 0 || events[len(events)-1][0] != protocol.EventError {
		t.Fatalf("events = %v, want trailing error", events)
	}
	if got := tr.started.Load(); got != 3 {
		t.Fatalf("transcriptions started = %d, want 3", got)
	}
	waitFor(t, "timed out job to release its files", func() bool {
		return len(audioFiles(t, env.audioDir)) == 0
	})
}

func TestExpiredMeetingLooksMissing(t *testing.T) {
	srv := New(config.Defaults(), nil, nil, nil)
	expired := httptest.NewRecorder()
	srv.respondAppError(expired, apperr.Expired("m-1"))
	missing := httptest.NewRecorder()
	srv.respondAppError(missing, apperr.NotFound("meeting session", "m-1"))

	if expired.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", expired.Code, http.StatusNotFound)
	}
	if expired.Body.String() != missing.Body.String() {
		t.Fatalf("expired body = %s, want %s", expired.Body.String(), missing.Body.String())
	}
}
