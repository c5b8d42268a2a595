// Package api exposes the bridge over a local HTTP API: device state for
// UIs and the control CLI, command endpoints, health and Prometheus metrics.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"chargeamps-bridge/internal/bridge"
	"chargeamps-bridge/internal/config"
	"chargeamps-bridge/internal/metrics"
)

// Server provides the local HTTP API for controlling bridged charge points.
type Server struct {
	service *bridge.Service
	logger  *zap.Logger
	addr    string
	auth    config.AuthConfig
	metrics *metrics.Bridge
}

// NewServer creates a new API server. m may be nil; /metrics then serves 404.
func NewServer(service *bridge.Service, logger *zap.Logger, addr string, auth config.AuthConfig, m *metrics.Bridge) *Server {
	return &Server{
		service: service,
		logger:  logger,
		addr:    addr,
		auth:    auth,
		metrics: m,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.addr))
	return http.ListenAndServe(s.addr, s.routes())
}

// routes assembles the mux and middleware chain. The Datadog mux traces
// every request; basic auth wraps the whole surface when enabled.
func (s *Server) routes() http.Handler {
	mux := httptrace.NewServeMux()
	mux.HandleFunc("/api/devices", s.listDevices)
	mux.HandleFunc("/api/devices/", s.handleDevice)
	mux.HandleFunc("/healthz", s.healthz)
	mux.Handle("/metrics", s.metrics.Handler())

	var handler http.Handler = mux

	if s.auth.Enabled {
		handler = s.basicAuthMiddleware(handler)
		s.logger.Info("API authentication enabled")
	}

	return s.securityMiddleware(handler)
}

// Request and response types
type ErrorResponse struct {
	Error string `json:"error"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type SetCurrentRequest struct {
	Current float64 `json:"current"`
}

type SetRFIDRequest struct {
	Enabled *bool `json:"enabled"`
}

type SetCableLockRequest struct {
	Locked *bool `json:"locked"`
}

type SetLightRequest struct {
	Dimmer    string `json:"dimmer,omitempty"`
	DownLight *bool  `json:"down_light,omitempty"`
}

type SetOutletRequest struct {
	On *bool `json:"on"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Devices int    `json:"devices"`
}

// listDevices returns the state of all bridged devices.
func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.service.Snapshots())
}

// healthz reports process liveness and how many devices are registered.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Devices: len(s.service.Devices()),
	})
}

// handleDevice handles device-specific operations. Path shapes:
//
//	/api/devices/{name}
//	/api/devices/{name}/connectors/{n}/{start|stop|current|rfid|cablelock}
//	/api/devices/{name}/light
//	/api/devices/{name}/outlet
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	span, _ := tracer.StartSpanFromContext(r.Context(), "api.handle_device")
	defer span.Finish()

	path := strings.Trim(r.URL.Path[len("/api/devices/"):], "/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusBadRequest, "device name required")
		return
	}
	name := parts[0]
	span.SetTag("device", name)

	// Unknown devices are a 404 regardless of the action; command
	// validation failures below are a 400.
	if _, err := s.service.Device(name); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		snap, err := s.service.SnapshotOf(name)
		if err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, snap)

	case parts[1] == "connectors" && len(parts) == 4:
		s.handleConnector(w, r, span, name, parts[2], parts[3])

	case parts[1] == "light" && len(parts) == 2:
		span.SetTag("action", "set_light")
		if !allowWrite(r) {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req SetLightRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if err := s.service.HandleSetLight(name, req.Dimmer, req.DownLight); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Light settings updated"})

	case parts[1] == "outlet" && len(parts) == 2:
		span.SetTag("action", "set_outlet")
		if !allowWrite(r) {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req SetOutletRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if req.On == nil {
			s.writeError(w, http.StatusBadRequest, "field \"on\" is required")
			return
		}
		if err := s.service.HandleSetOutlet(name, *req.On); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Outlet updated"})

	default:
		s.writeError(w, http.StatusNotFound, "unknown action")
	}
}

// handleConnector handles the per-connector command endpoints. Command
// handlers apply the optimistic local update synchronously; success here
// means the command was accepted, not that the cloud confirmed it.
func (s *Server) handleConnector(w http.ResponseWriter, r *http.Request, span tracer.Span, name, connectorStr, action string) {
	connector, err := strconv.Atoi(connectorStr)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid connector %q", connectorStr))
		return
	}
	span.SetTag("connector", connector)
	span.SetTag("action", action)

	switch action {
	case "start":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := s.service.HandleStart(name, connector); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Charging started"})

	case "stop":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := s.service.HandleStop(name, connector); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Charging stopped"})

	case "current":
		if !allowWrite(r) {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req SetCurrentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if req.Current <= 0 {
			s.writeError(w, http.StatusBadRequest, "current must be positive")
			return
		}
		if err := s.service.HandleSetCurrent(name, connector, req.Current); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, SuccessResponse{
			Success: true,
			Message: fmt.Sprintf("Current limit set to %.1fA", req.Current),
		})

	case "rfid":
		if !allowWrite(r) {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req SetRFIDRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if req.Enabled == nil {
			s.writeError(w, http.StatusBadRequest, "field \"enabled\" is required")
			return
		}
		if err := s.service.HandleSetRFID(name, connector, *req.Enabled); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "RFID lock updated"})

	case "cablelock":
		if !allowWrite(r) {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req SetCableLockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if req.Locked == nil {
			s.writeError(w, http.StatusBadRequest, "field \"locked\" is required")
			return
		}
		if err := s.service.HandleSetCableLock(name, connector, *req.Locked); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Cable lock updated"})

	default:
		s.writeError(w, http.StatusNotFound, "unknown action")
	}
}

// allowWrite accepts both PUT and POST on the settings endpoints.
func allowWrite(r *http.Request) bool {
	return r.Method == http.MethodPut || r.Method == http.MethodPost
}

// Helper functions
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.logger.Warn("API error", zap.String("error", message), zap.Int("status", status))
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
