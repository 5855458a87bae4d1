package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"vmenergy/internal/attribution"
	"vmenergy/internal/consumption"
)

// errorBody is the response for any failed energy request.
const errorBody = "Error"

var validate = validator.New()

type dateRange struct {
	Start string `json:"start" validate:"required"`
	End   string `json:"end" validate:"required"`
}

// energyRequest is the POST /energy body. VMs maps "name_ip" server keys to
// [vmName, vmIP] pairs; an empty list selects the whole server.
type energyRequest struct {
	DateRange *dateRange            `json:"dateRange" validate:"required"`
	VMs       map[string][][]string `json:"vms" validate:"required,dive,dive,len=2"`
}

func (req energyRequest) resources() map[string][]attribution.VM {
	out := make(map[string][]attribution.VM, len(req.VMs))
	for key, pairs := range req.VMs {
		vms := make([]attribution.VM, 0, len(pairs))
		for _, p := range pairs {
			vms = append(vms, attribution.VM{Name: p[0], IP: p[1]})
		}
		out[key] = vms
	}
	return out
}

func (s *Server) handleEnergy(w http.ResponseWriter, r *http.Request) {
	var req energyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.energyFailed(w, http.StatusBadRequest, "invalid JSON payload", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		s.energyFailed(w, http.StatusBadRequest, "invalid request", err)
		return
	}

	total, err := s.opts.Engine.Aggregate(r.Context(), req.resources(), req.DateRange.Start, req.DateRange.End)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, consumption.ErrInvalidRange) {
			status = http.StatusBadRequest
		}
		s.energyFailed(w, status, "aggregation failed", err)
		return
	}

	if s.opts.Recorder != nil {
		s.opts.Recorder.ObserveQuery(true)
	}
	s.opts.Logger.Debug("api.energy.served", "Energy computed", map[string]interface{}{
		"start":   req.DateRange.Start,
		"end":     req.DateRange.End,
		"servers": len(req.VMs),
		"wh":      total,
	})
	s.writeJSON(w, http.StatusOK, total)
}

func (s *Server) energyFailed(w http.ResponseWriter, status int, reason string, err error) {
	if s.opts.Recorder != nil {
		s.opts.Recorder.ObserveQuery(false)
	}
	s.opts.Logger.Warn("api.energy.error", "Energy request failed", map[string]interface{}{
		"reason": reason,
		"status": status,
		"error":  err.Error(),
	})
	s.writeJSON(w, status, errorBody)
}
