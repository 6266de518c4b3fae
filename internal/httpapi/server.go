package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/voxtail/internal/apperr"
	"github.com/antoniostano/voxtail/internal/config"
	"github.com/antoniostano/voxtail/internal/identify"
	"github.com/antoniostano/voxtail/internal/observability"
	"github.com/antoniostano/voxtail/internal/profile"
	"github.com/antoniostano/voxtail/internal/protocol"
	"github.com/antoniostano/voxtail/internal/session"
)

const (
	maxUploadBytes  = 512 << 20
	multipartMemory = 32 << 20
	deviceIDHeader  = "X-Device-ID"
)

// Identifier is the service surface the API drives.
type Identifier interface {
	AcceptRecording(ctx context.Context, filename, language string, body io.Reader) (identify.Recording, error)
	ProcessRecording(ctx context.Context, rec identify.Recording, progress identify.ProgressFunc) (protocol.IdentifyResult, error)
	GetMeeting(id string) (identify.Meeting, error)
	CloseMeeting(id string) error
	Subscribe(id string) (<-chan session.Event, func(), error)
	ConfirmSpeaker(ctx context.Context, id, label, name string, reinforce bool) (identify.ConfirmResult, error)
	EnrollFromRecording(ctx context.Context, id, label, name string) (identify.EnrollResult, error)
	SpeakerClip(ctx context.Context, id, label string) (string, error)
	Summarize(ctx context.Context, id string) (identify.SummaryResult, error)
	GetSummary(id string) (identify.SummaryResult, error)
	EnrollDedicated(ctx context.Context, name, filename string, body io.Reader) (identify.EnrollResult, error)
	ListProfiles() []profile.Summary
	DeleteProfile(ctx context.Context, name string) error
	SyncProfiles(ctx context.Context) ([]profile.Summary, error)
	RecordConsent(ctx context.Context, kind, version string) error
}

type Server struct {
	cfg      config.Config
	svc      Identifier
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, svc Identifier, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.IdentifyJobTimeout <= 0 {
		cfg.IdentifyJobTimeout = 20 * time.Minute
	}
	return &Server{
		cfg:     cfg,
		svc:     svc,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may subscribe unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(withDeviceID)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/identify", s.handleIdentify)
		r.Get("/perf/stages", s.handlePerfStages)
		r.Post("/consent", s.handleConsent)

		r.Route("/meetings/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetMeeting)
			r.Get("/ws", s.handleMeetingWS)
			r.Post("/cleanup", s.handleCleanup)
			r.Post("/summary", s.handleCreateSummary)
			r.Get("/summary", s.handleGetSummary)
			r.Get("/speakers/{label}/clip", s.handleSpeakerClip)
			r.Post("/speakers/{label}/confirm", s.handleConfirmSpeaker)
			r.Post("/speakers/{label}/enroll", s.handleEnrollFromMeeting)
		})

		r.Get("/speakers", s.handleListSpeakers)
		r.Post("/speakers/enroll", s.handleEnrollDedicated)
		r.Post("/speakers/sync", s.handleSyncSpeakers)
		r.Delete("/speakers/{name}", s.handleDeleteSpeaker)
	})

	return r
}

func withDeviceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithDeviceID(r.Context(), strings.TrimSpace(r.Header.Get(deviceIDHeader)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"profile_store":    s.cfg.ProfileStore,
		"transcribe":       s.cfg.TranscribeProvider,
		"embed":            s.cfg.EmbedProvider,
		"summary":          s.cfg.SummaryProvider,
		"known_profiles":   len(s.svc.ListProfiles()),
		"max_jobs":         s.cfg.MaxConcurrentJobs,
		"session_ttl_secs": int(s.cfg.SessionTTL.Seconds()),
	})
}

func (s *Server) handlePerfStages(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

type consentRequest struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "invalid JSON body")
		return
	}
	if err := s.svc.RecordConsent(r.Context(), req.Type, req.Version); err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

type errorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondAppError maps err onto its kind's status. Causes are logged, never sent.
func (s *Server) respondAppError(w http.ResponseWriter, err error) {
	e := apperr.As(err)
	if e.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", e.Kind, "error", err)
	}
	respondJSON(w, e.Status, errorResponse{Error: e.Message, Code: string(e.PublicKind()), Details: e.Details})
}
