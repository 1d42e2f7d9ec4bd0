package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/engineerr"
)

// envelope is the {data, metadata} response shape used by every handler.
type envelope struct {
	Data     any            `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := envelope{Data: data, Metadata: map[string]any{"timestamp": time.Now().Format(time.RFC3339)}}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := engineerr.HTTPStatus(engineerr.ClassOf(err))
	s.log.Warn().Err(err).Int("status", status).Msg("request failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := envelope{
		Data:     map[string]any{"error": err.Error()},
		Metadata: map[string]any{"timestamp": time.Now().Format(time.RFC3339)},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{}
	if s.health != nil {
		for svc, status := range s.health.Snapshot() {
			services[string(svc)] = string(status)
		}
	}
	process := map[string]any{}
	if s.health != nil {
		stats := s.health.SelfCheck()
		process["cpu_percent"] = stats.CPUPercent
		process["memory_percent"] = stats.MemoryPercent
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"service":  "catalyst-engine",
		"services": services,
		"process":  process,
	})
}

// createCycleRequest is the POST /api/cycles request body.
type createCycleRequest struct {
	Mode            domain.CycleMode `json:"mode"`
	ScanCadenceSecs int              `json:"scan_cadence_secs"`
	MaxPositions    int              `json:"max_positions"`
	RiskLevel       float64          `json:"risk_level"`
	Configuration   map[string]any   `json:"configuration"`
}

func (s *Server) handleCreateCycle(w http.ResponseWriter, r *http.Request) {
	var req createCycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, engineerr.New(engineerr.Validation, "server.handleCreateCycle", err))
		return
	}
	if req.Mode == "" {
		req.Mode = domain.ModeNormal
	}

	c := &domain.TradingCycle{
		ID:              s.idGen(),
		Mode:            req.Mode,
		ScanCadenceSecs: req.ScanCadenceSecs,
		MaxPositions:    req.MaxPositions,
		RiskLevel:       req.RiskLevel,
		Configuration:   req.Configuration,
	}
	if err := s.engine.StartCycle(r.Context(), c); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.CycleByID(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	positions, err := s.store.OpenPositionsForCycle(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cycle": c, "open_positions": positions})
}

func (s *Server) handlePauseCycle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Pause(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cycle_id": id, "status": domain.CyclePaused})
}

func (s *Server) handleResumeCycle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Resume(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cycle_id": id, "status": domain.CycleActive})
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStopCycle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req stopRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.engine.Stop(r.Context(), id, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cycle_id": id, "status": domain.CycleStopping})
}

func (s *Server) handleEmergencyStopCycle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req stopRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator-initiated emergency stop"
	}
	if err := s.engine.EmergencyStop(r.Context(), id, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cycle_id": id, "status": domain.CycleEmergencyStopped})
}

func (s *Server) handleListRiskEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.store.RecentRiskEvents(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}
