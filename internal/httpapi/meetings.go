package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/voxtail/internal/apperr"
	"github.com/antoniostano/voxtail/internal/protocol"
)

type identifyOutcome struct {
	result protocol.IdentifyResult
	err    error
}

// handleIdentify stores the upload, then streams progress as server-sent events.
// Processing outlives the request but not IdentifyJobTimeout; files of a
// recording that never becomes a session are removed when processing ends.
func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, string(apperr.KindInternal), "streaming unsupported")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "expected multipart form with an audio file")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "audio file is required")
		return
	}
	rec, err := s.svc.AcceptRecording(r.Context(), header.Filename, r.FormValue("language"), file)
	_ = file.Close()
	if err != nil {
		s.respondAppError(w, err)
		return
	}

	progress := make(chan protocol.Progress, 8)
	done := make(chan identifyOutcome, 1)
	workCtx, cancelWork := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.IdentifyJobTimeout)
	go func() {
		defer cancelWork()
		res, err := s.svc.ProcessRecording(workCtx, rec, func(p protocol.Progress) {
			select {
			case progress <- p:
			default:
			}
		})
		done <- identifyOutcome{result: res, err: err}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Warn("client disconnected during identification", "meeting_id", rec.ID)
			return
		case p := <-progress:
			if err := protocol.WriteSSE(w, protocol.EventProgress, p); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if err := protocol.WriteSSEComment(w, "heartbeat"); err != nil {
				return
			}
			flusher.Flush()
		case out := <-done:
			for drained := false; !drained; {
				select {
				case p := <-progress:
					_ = protocol.WriteSSE(w, protocol.EventProgress, p)
				default:
					drained = true
				}
			}
			if out.err != nil {
				s.logger.Error("identification failed", "meeting_id", rec.ID, "error", out.err)
				_ = protocol.WriteSSE(w, protocol.EventError, protocol.StreamError{Error: "Identification failed. Please try again."})
			} else {
				_ = protocol.WriteSSE(w, protocol.EventDone, out.result)
			}
			flusher.Flush()
			return
		}
	}
}

func (s *Server) handleGetMeeting(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.GetMeeting(chi.URLParam(r, "id"))
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.CloseMeeting(id); err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "meeting_id": id})
}

func (s *Server) handleSpeakerClip(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	path, err := s.svc.SpeakerClip(r.Context(), chi.URLParam(r, "id"), label)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `inline; filename="speaker_`+filepath.Base(label)+`_clip.wav"`)
	http.ServeFile(w, r, path)
}

type confirmRequest struct {
	Name      string `json:"name"`
	Reinforce *bool  `json:"reinforce"`
}

func (s *Server) handleConfirmSpeaker(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "invalid JSON body")
		return
	}
	reinforce := req.Reinforce == nil || *req.Reinforce
	out, err := s.svc.ConfirmSpeaker(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "label"), req.Name, reinforce)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

type enrollRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleEnrollFromMeeting(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "invalid JSON body")
		return
	}
	out, err := s.svc.EnrollFromRecording(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "label"), req.Name)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSummary(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Summarize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.GetSummary(chi.URLParam(r, "id"))
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSpeakers(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"speakers": s.svc.ListProfiles()})
}

func (s *Server) handleEnrollDedicated(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "expected multipart form with name and audio")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "audio file is required")
		return
	}
	defer file.Close()
	out, err := s.svc.EnrollDedicated(r.Context(), r.FormValue("name"), header.Filename, file)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSyncSpeakers(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.SyncProfiles(r.Context())
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"speakers": out})
}

func (s *Server) handleDeleteSpeaker(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	if err := s.svc.DeleteProfile(r.Context(), name); err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "name": name})
}
