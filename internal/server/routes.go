package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/vantagenotes/notesync/internal/core/changes"
	"github.com/vantagenotes/notesync/internal/core/collab"
	"github.com/vantagenotes/notesync/internal/core/observability/log"
	"github.com/vantagenotes/notesync/internal/core/storage"
)

// docPath matches document ids that contain slashes.
const docPath = "/api/docs/{doc:.+}"

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.handleWebSocket)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet).Path("/api/stats").HandlerFunc(s.handleStats)

	r.Methods(http.MethodGet).Path(docPath + "/text").HandlerFunc(s.handleText)
	r.Methods(http.MethodGet).Path(docPath + "/version").HandlerFunc(s.handleVersion)
	r.Methods(http.MethodGet).Path(docPath + "/snapshots").HandlerFunc(s.handleListSnapshots)
	r.Methods(http.MethodPost).Path(docPath + "/snapshots").HandlerFunc(s.handleCreateSnapshot)
	r.Methods(http.MethodDelete).Path(docPath + "/updates").HandlerFunc(s.handleClear)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Debug("request handled",
			log.String("method", r.Method),
			log.String("url", r.URL.String()),
			log.Int("status", m.Code),
			log.Duration("duration", m.Duration),
			log.Int64("bytes", m.Written))
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", log.String("remote_addr", r.RemoteAddr), log.Error(err))
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()

	if err := s.engine.Serve(s.base, conn, r.URL.Query().Get("user_id")); err != nil {
		s.logger.Warn("websocket session ended with error", log.String("remote_addr", conn.RemoteAddr()), log.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	content, err := s.engine.Text(r.Context(), mux.Vars(r)["doc"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content))
}

type versionResponse struct {
	Doc     string `json:"doc"`
	Version int    `json:"version"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	version, err := s.engine.Version(r.Context(), docID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, versionResponse{Doc: docID, Version: version})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.Snapshots(r.Context(), mux.Vars(r)["doc"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	version, err := s.engine.Snapshot(r.Context(), docID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("snapshot requested", log.String("doc", docID), log.Int("version", version))
	s.writeJSON(w, http.StatusCreated, versionResponse{Doc: docID, Version: version})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Clear(r.Context(), mux.Vars(r)["doc"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrInvalidDocID), errors.Is(err, changes.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, collab.ErrSnapshotsDisabled):
		status = http.StatusNotImplemented
	default:
		s.logger.Error("request failed", log.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response not written", log.Error(err))
	}
}
