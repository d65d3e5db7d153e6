package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/miradorstack/machine-monitor/internal/extractors"
	"github.com/miradorstack/machine-monitor/internal/feed"
	"github.com/miradorstack/machine-monitor/internal/models"
	"github.com/miradorstack/machine-monitor/internal/services"
)

// MachineHandler serves machine listings, feed windows and monitoring control.
type MachineHandler struct {
	service *services.MonitorService
	logger  *slog.Logger
}

// NewMachineHandler creates the machine HTTP handler.
func NewMachineHandler(service *services.MonitorService, logger *slog.Logger) *MachineHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MachineHandler{service: service, logger: logger}
}

// RegisterRoutes registers machine and simulation routes on the given router.
func (h *MachineHandler) RegisterRoutes(r chi.Router) {
	r.Route("/machines", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/overview", h.Overview)
		r.Get("/monitored", h.Monitored)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Get("/telemetry", h.Telemetry)
			r.Get("/predictions", h.Predictions)
			r.Get("/diagnostics", h.Diagnostics)
			r.Get("/monitor", h.MonitorStatus)
			r.Post("/monitor", h.StartMonitoring)
			r.Delete("/monitor", h.StopMonitoring)
			r.Post("/actions", h.Action)
		})
	})
	r.Post("/simulation/reset", h.ResetSimulation)
}

// List returns machines filtered by ?search= and ?status=.
func (h *MachineHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.MachineFilter{
		Search: q.Get("search"),
		Status: models.ParseStatusFilter(q.Get("status")),
	}
	machines, err := h.service.ListMachines(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": machines})
}

// Overview returns fleet status counts.
func (h *MachineHandler) Overview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.service.Overview(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

// Monitored lists machines with feeds.
func (h *MachineHandler) Monitored(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"machines": h.service.Monitored()})
}

// Get returns one machine.
func (h *MachineHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	machine, err := h.service.Machine(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, machine)
}

// Telemetry returns the sensor window of a monitored machine.
func (h *MachineHandler) Telemetry(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	snap, err := h.service.Telemetry(id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Predictions returns the prediction window of a monitored machine.
func (h *MachineHandler) Predictions(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	snap, err := h.service.Predictions(id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Diagnostics returns window statistics, anomalies and matched maintenance rules.
// ?threshold= overrides the z-score cutoff.
func (h *MachineHandler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	threshold := extractors.DefaultThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		threshold, err = strconv.ParseFloat(raw, 64)
		if err != nil || threshold <= 0 {
			writeMessage(w, http.StatusBadRequest, "invalid threshold")
			return
		}
	}
	d, err := h.service.Diagnose(id, threshold)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// MonitorStatus returns the feed summary of a machine.
func (h *MachineHandler) MonitorStatus(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status, err := h.service.Status(id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type monitorRequest struct {
	Mode               string   `json:"mode"`
	Interval           interval `json:"interval"`
	PredictionInterval interval `json:"prediction_interval"`
}

// StartMonitoring starts or reconfigures both feeds of a machine.
func (h *MachineHandler) StartMonitoring(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var body monitorRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	req := services.MonitorRequest{
		Interval:           timeDuration(body.Interval),
		PredictionInterval: timeDuration(body.PredictionInterval),
	}
	if body.Mode != "" {
		mode, err := feed.ParseMode(body.Mode)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Mode = mode
	}

	status, err := h.service.StartMonitoring(r.Context(), id, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// StopMonitoring stops both feeds of a machine.
func (h *MachineHandler) StopMonitoring(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status, err := h.service.StopMonitoring(id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Action records an operator action for a machine.
func (h *MachineHandler) Action(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	action, err := services.ParseAction(body.Action)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	n, err := h.service.PerformAction(id, action)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// ResetSimulation restarts the backend simulation.
func (h *MachineHandler) ResetSimulation(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ResetSimulation(r.Context()); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
