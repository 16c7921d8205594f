package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/targets"
	"github.com/cynsky/AisVirtualNet/wire"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, wire.ErrorReply{Error: msg})
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, errors.ErrRateLimited.Error())
		return
	}
	var req wire.AuthenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	token, err := s.broker.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, wire.AuthenticateReply{Error: errors.ErrAuthenticationFailed.Error()})
		return
	}
	writeJSON(w, http.StatusOK, wire.AuthenticateReply{Token: token})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req wire.ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	result := s.broker.ReserveIdentity(r.Context(), req.MMSI, req.Token)
	writeJSON(w, http.StatusOK, wire.ReserveReply{Result: string(result)})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	mmsi, err := strconv.ParseUint(chi.URLParam(r, "mmsi"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mmsi")
		return
	}
	err = s.broker.ReleaseIdentity(r.Context(), uint32(mmsi), r.URL.Query().Get("token"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, errors.ErrInvalidToken), errors.Is(err, errors.ErrNotHolder):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		s.logger.Warn("Release failed", "mmsi", mmsi, "error", err)
		writeError(w, http.StatusInternalServerError, "release failed")
	}
}

// handleTargets lists the target table. Credentials come from basic auth or
// the username and password query parameters.
func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok {
		q := r.URL.Query()
		username, password = q.Get("username"), q.Get("password")
	}
	if _, err := s.broker.Authenticate(r.Context(), username, password); err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="aisvnet"`)
		writeError(w, http.StatusUnauthorized, errors.ErrAuthenticationFailed.Error())
		return
	}
	writeJSON(w, http.StatusOK, targets.NameSort(s.registry.Snapshot()))
}
