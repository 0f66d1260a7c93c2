package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/liveprobe/liveprobe/pkg/bridge"
	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/registry"
)

// InstrumentList is the body of a list response.
type InstrumentList struct {
	Instruments []*instrument.Instrument `json:"instruments"`
	Count       int                      `json:"count"`
}

// AgentList is the body of GET /api/v1/agents.
type AgentList struct {
	Agents []bridge.Identity `json:"agents"`
	Count  int               `json:"count"`
}

// HealthStatus is the body of GET /healthz.
type HealthStatus struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	Instruments int    `json:"instruments"`
	Agents      int    `json:"agents"`
}

func (s *Server) handleAddInstrument(w http.ResponseWriter, r *http.Request) {
	var inst instrument.Instrument
	if err := decodeJSON(r, &inst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errCodeTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "invalid request body: "+err.Error())
		return
	}

	created, err := s.registry.AddInstrument(r.Context(), &inst)
	if err != nil {
		writeInstrumentError(w, err)
		return
	}

	status := http.StatusCreated
	if created.Pending() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, created)
}

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f registry.Filter
	if v := q.Get("pending"); v != "" {
		pending, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errCodeBadRequest, "pending must be a boolean")
			return
		}
		f.Pending = &pending
	}
	if v := q.Get("kind"); v != "" {
		f.Kind = instrument.Kind(v)
		if err := f.Kind.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
			return
		}
	}
	f.Source = q.Get("source")

	list, err := s.registry.GetInstruments(r.Context(), f)
	if err != nil {
		writeInstrumentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InstrumentList{Instruments: list, Count: len(list)})
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.GetInstrument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeInstrumentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleRemoveInstrument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := s.registry.RemoveInstrument(r.Context(), id)
	if err != nil {
		writeInstrumentError(w, err)
		return
	}
	if removed == nil {
		// Already gone.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, removed)
}

func (s *Server) handleRemoveAtLocation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := instrument.Location{Source: q.Get("source"), Symbol: q.Get("symbol")}
	if loc.Source == "" {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "source is required")
		return
	}
	if v := q.Get("line"); v != "" {
		line, err := strconv.Atoi(v)
		if err != nil || line < 0 {
			writeError(w, http.StatusBadRequest, errCodeBadRequest, "line must be a non-negative integer")
			return
		}
		loc.Line = line
	}

	removed, err := s.registry.RemoveInstruments(r.Context(), loc)
	if err != nil {
		writeInstrumentError(w, err)
		return
	}
	if removed == nil {
		removed = []*instrument.Instrument{}
	}
	writeJSON(w, http.StatusOK, InstrumentList{Instruments: removed, Count: len(removed)})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	var agents []bridge.Identity
	if s.bridge != nil {
		agents = s.bridge.ActiveConnections()
	}
	if agents == nil {
		agents = []bridge.Identity{}
	}
	writeJSON(w, http.StatusOK, AgentList{Agents: agents, Count: len(agents)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := HealthStatus{Status: "ok", Store: "ok", Instruments: s.registry.Len()}
	if s.bridge != nil {
		h.Agents = len(s.bridge.ActiveConnections())
	}

	status := http.StatusOK
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.HealthCheck(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("store health check failed")
			h.Status = "degraded"
			h.Store = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, h)
}
