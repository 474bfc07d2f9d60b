package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tradepilot/tradepilot/internal/orders"
	"github.com/tradepilot/tradepilot/internal/supervisor"
)

// caller extracts the operator identity for audit trails.
func caller(r *http.Request) string {
	if c := r.Header.Get("X-Operator"); c != "" {
		return c
	}
	return "unknown"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := s.sup.PollHealth(r.Context())
	status := http.StatusOK
	for _, c := range components {
		if c.State == supervisor.Critical || c.State == supervisor.Offline {
			status = http.StatusServiceUnavailable
			break
		}
	}
	stopped, info := s.sup.Stopped()
	s.writeJSON(w, status, map[string]any{
		"components": components,
		"stopped":    stopped,
		"emergency":  info,
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sup.Snapshot())
}

func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad window: "+err.Error())
			return
		}
		window = d
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"current": s.monitor.CurrentMeasurement(),
		"history": s.monitor.History(window),
	})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return
	}
	order, err := s.manager.Submit(r.Context(), req)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, orders.ErrPaused) || errors.Is(err, orders.ErrQuarantined) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.audit(r.Context(), "submit_order", caller(r), order.ID)
	s.writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleActiveOrders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Active())
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := s.manager.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.Cancel(r.Context(), id); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, orders.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.audit(r.Context(), "cancel_order", caller(r), id)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"order_id": id, "status": "cancel_requested"})
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.ModifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return
	}
	req.OrderID = mux.Vars(r)["id"]
	replacement, err := s.manager.Modify(r.Context(), req)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, orders.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.audit(r.Context(), "modify_order", caller(r), map[string]string{
		"cancelled": req.OrderID, "replacement": replacement.ID,
	})
	s.writeJSON(w, http.StatusCreated, replacement)
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Fills(mux.Vars(r)["id"]))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator pause"
	}
	s.manager.PauseNewOrders(req.Reason)
	s.audit(r.Context(), "pause", caller(r), req.Reason)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if stopped, info := s.sup.Stopped(); stopped {
		s.writeError(w, http.StatusConflict,
			"emergency stopped; use /recover after "+info.EarliestRestart.Format(time.RFC3339))
		return
	}
	s.manager.Resume()
	s.audit(r.Context(), "resume", caller(r), nil)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		s.writeError(w, http.StatusBadRequest, "emergency stop requires a reason")
		return
	}
	report, err := s.sup.EmergencyStop(r.Context(), caller(r), req.Reason)
	if err != nil {
		// already stopped: return the original report with a conflict status
		s.writeJSON(w, http.StatusConflict, report)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.ManualRecover(r.Context(), caller(r)); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recovered"})
}

type overrideRequest struct {
	Reason   string `json:"reason"`
	Duration string `json:"duration"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return
	}
	duration := time.Hour
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad duration: "+err.Error())
			return
		}
		duration = d
	}
	if err := s.monitor.ManualOverride(r.Context(), caller(r), req.Reason, duration); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "override active", "expires": time.Now().UTC().Add(duration).Format(time.RFC3339),
	})
}

type parameterRequest struct {
	Name  string  `json:"name"`
	Delta float64 `json:"delta"`
}

func (s *Server) handleSetParameter(w http.ResponseWriter, r *http.Request) {
	var req parameterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad request body: "+err.Error())
		return
	}
	value, err := s.manager.AdjustParameter(req.Name, req.Delta)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.audit(r.Context(), "set_parameter", caller(r), req)
	s.writeJSON(w, http.StatusOK, map[string]any{"name": req.Name, "value": value})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sup.ActiveAlerts())
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sup.AckAlert(id, caller(r)); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.audit(r.Context(), "ack_alert", caller(r), id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "acked"})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sup.ResolveAlert(id); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.audit(r.Context(), "resolve_alert", caller(r), id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
