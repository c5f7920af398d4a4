package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/srediag/shmregion/pkg/registry"
	"github.com/srediag/shmregion/pkg/shm"
	"github.com/srediag/shmregion/pkg/stream"
)

type errorResponse struct {
	Error string `json:"error"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, shm.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shm.ErrCapacityExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, shm.ErrInvalidHeader):
		return http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrKindMismatch), errors.Is(err, stream.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, registry.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.V(1).Info("write response", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.log.Error(err, "request failed")
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.reg.Stat(r.Context()))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	region, err := s.reg.Open(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := region.Info()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	region, err := s.reg.Open(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var snap shm.Snapshot
	if since := r.URL.Query().Get("since"); since != "" {
		last, perr := strconv.ParseUint(since, 10, 64)
		if perr != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid since %q", since)})
			return
		}
		snap, err = region.ReadSince(last)
	} else {
		snap, err = region.Read()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch snap.Status {
	case shm.StatusEmpty:
		w.WriteHeader(http.StatusNoContent)
	case shm.StatusUnchanged:
		w.Header().Set(VersionHeader, strconv.FormatUint(snap.Version, 10))
		w.WriteHeader(http.StatusNotModified)
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set(VersionHeader, strconv.FormatUint(snap.Version, 10))
		w.Header().Set("Content-Length", strconv.Itoa(len(snap.Data)))
		_, _ = w.Write(snap.Data)
	}
}

// handleUpload writes the request body to a region. The region is created
// with ?capacity= when it does not exist yet.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.uploader == nil {
		s.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "uploads are disabled"})
		return
	}
	if r.ContentLength < 0 {
		s.writeJSON(w, http.StatusLengthRequired, errorResponse{Error: "content length required"})
		return
	}
	name := chi.URLParam(r, "name")
	region, err := s.reg.Open(r.Context(), name)
	if errors.Is(err, shm.ErrNotFound) {
		if c := r.URL.Query().Get("capacity"); c != "" {
			capacity, perr := strconv.Atoi(c)
			if perr != nil || capacity <= 0 {
				s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid capacity %q", c)})
				return
			}
			region, err = s.reg.GetOrCreate(r.Context(), name, capacity)
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if r.ContentLength > int64(region.PayloadCapacity()) {
		s.writeError(w, fmt.Errorf("%w: %d bytes into %s", shm.ErrCapacityExceeded, r.ContentLength, name))
		return
	}
	res, err := s.uploader.Upload(r.Context(), name+"__upload", r.Body, r.ContentLength, stream.RegionSink{Region: region})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	data, err := s.reg.RefreshManifest(r.Context()).Marshal()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleText(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.reg.WriteText(w); err != nil {
		s.log.Error(err, "write registry text")
	}
}
