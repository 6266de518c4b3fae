// Package embed turns speech waveforms into fixed-length speaker embeddings.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/voxtail/internal/audio"
	"github.com/antoniostano/voxtail/internal/reliability"
)

const providerSidecar = "embedding-sidecar"

// Embedder maps a waveform to a speaker embedding. Identical input must yield
// identical output.
type Embedder interface {
	Embed(ctx context.Context, w *audio.Waveform) ([]float32, error)
	Dimension() int
}

// HTTPClient posts WAV audio to an embedding sidecar and expects
// {"embedding": [...]} back.
type HTTPClient struct {
	url    string
	dim    int
	client *http.Client
	retry  reliability.Policy
	logger *slog.Logger
}

func NewHTTPClient(baseURL string, dim int, logger *slog.Logger) (*HTTPClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("http embedder requires EMBED_SERVICE_URL")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		url:    strings.TrimRight(baseURL, "/") + "/embed",
		dim:    dim,
		client: &http.Client{Timeout: time.Minute},
		retry:  reliability.Policy{Attempts: 3, Base: 250 * time.Millisecond, Cap: 2 * time.Second},
		logger: logger,
	}, nil
}

func (c *HTTPClient) Dimension() int { return c.dim }

func (c *HTTPClient) Embed(ctx context.Context, w *audio.Waveform) ([]float32, error) {
	wav, err := w.WAV()
	if err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	err = reliability.Do(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(wav))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "audio/wav")
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &reliability.StatusError{Provider: providerSidecar, Code: resp.StatusCode, Body: string(body)}
		}
		return json.Unmarshal(body, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if c.dim > 0 && len(out.Embedding) != c.dim {
		return nil, fmt.Errorf("embed: got %d dimensions, want %d", len(out.Embedding), c.dim)
	}
	c.logger.Debug("embedding extracted", "duration_ms", w.DurationMS(), "dim", len(out.Embedding))
	return out.Embedding, nil
}

// Hash derives a unit vector from the audio bytes. It is deterministic and lets the
// service run without an embedding model.
type Hash struct {
	Dim int
}

func (h Hash) Dimension() int { return h.Dim }

func (h Hash) Embed(ctx context.Context, w *audio.Waveform) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w == nil || len(w.Samples) == 0 {
		return nil, fmt.Errorf("embed: empty waveform")
	}
	f := fnv.New64a()
	_, _ = f.Write(w.PCM16LE())
	seed := f.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	out := make([]float32, h.Dim)
	var norm float64
	for i := range out {
		v := rng.NormFloat64()
		out[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out, nil
}
