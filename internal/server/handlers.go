package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/CloudNativeWorks/otad/internal/ota"
)

const defaultLogLines = 100

type startedResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message,omitempty"`
}

type uploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Error: message})
}

// statusFor maps update errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ota.ErrCheckInProgress),
		errors.Is(err, ota.ErrUpdateInProgress),
		errors.Is(err, ota.ErrRestartPending):
		return http.StatusConflict
	case errors.Is(err, ota.ErrNoUpdate),
		errors.Is(err, ota.ErrNoFirmwareAsset),
		errors.Is(err, ota.ErrBadMagic),
		errors.Is(err, ota.ErrIntegrity):
		return http.StatusBadRequest
	case errors.Is(err, ota.ErrUploadSize):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ota.ErrDisabled),
		errors.Is(err, ota.ErrResource):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.updater.BeginCheck(); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, startedResponse{Started: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.updater.CheckStatus())
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.updater.BeginUpdate(); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, startedResponse{
		Started: true,
		Message: "Update started, the device restarts when it completes",
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	length := r.ContentLength
	limit := s.updater.MaxUploadSize()

	switch {
	case length < 0:
		writeError(w, http.StatusLengthRequired, "Content-Length required")
		return
	case length == 0:
		writeError(w, http.StatusBadRequest, "empty image")
		return
	case length > limit:
		writeError(w, http.StatusRequestEntityTooLarge, "image larger than "+strconv.FormatInt(limit, 10)+" bytes")
		return
	}

	body := http.MaxBytesReader(w, r.Body, length)
	if err := s.updater.AcceptUpload(r.Context(), body, length); err != nil {
		s.logger.WithError(err).Warn("Upload rejected")
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		Success: true,
		Message: "Image installed, restarting",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "log reader not available")
		return
	}

	lines := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		lines = n
	}

	entries, err := s.logs(lines)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read logs")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(entries),
		"logs":  entries,
	})
}
