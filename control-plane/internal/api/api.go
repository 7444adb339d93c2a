// Package api provides HTTP handlers for the control plane.
//
// # Endpoints
//
// Agent API (X-API-Key):
//   - POST /api/v1/reports - Submit one compliance report
//   - POST /api/v1/reports/batch - Submit a report batch (optionally gzipped)
//
// Management API (Bearer token):
//   - GET  /api/v1/machines - List machine snapshots
//   - GET  /api/v1/machines/{id} - Get machine snapshot
//   - GET  /api/v1/machines/{id}/history - Get report history
//   - GET  /api/v1/fleet/overview - Severity counts across the fleet
//   - GET  /api/v1/export/csv - CSV export of stored reports
//
// Health:
//   - GET /api/v1/health - Health check (no auth)
//   - GET /api/v1/health/details - Server runtime metrics (Bearer token)
package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fleet-net/comply-mon/control-plane/internal/metrics"
	"github.com/fleet-net/comply-mon/control-plane/internal/service"
	"github.com/fleet-net/comply-mon/control-plane/internal/store"
	"github.com/fleet-net/comply-mon/pkg/types"
)

// Server is the HTTP API server.
type Server struct {
	svc     *service.Service
	logger  *slog.Logger
	mux     *http.ServeMux
	limiter *machineLimiter
	metrics *metrics.Collector

	// Agent authentication (grace period when no key hash is configured)
	agentKeyHash string
	// Management authentication (open when no secret is configured)
	jwtSecret []byte
}

// NewServer creates a new API server.
func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	s := &Server{
		svc:     svc,
		logger:  logger,
		mux:     http.NewServeMux(),
		limiter: newMachineLimiter(),
	}
	s.registerRoutes()
	return s
}

// SetMetricsCollector enables the server health details endpoint.
func (s *Server) SetMetricsCollector(c *metrics.Collector) {
	s.metrics = c
}

// SetAgentKeyHash enables agent API key enforcement against a bcrypt hash.
func (s *Server) SetAgentKeyHash(hash string) {
	s.agentKeyHash = hash
	s.logger.Info("agent API key authentication enabled")
}

// SetJWTSecret enables bearer-token auth on the management API.
func (s *Server) SetJWTSecret(secret []byte) {
	s.jwtSecret = secret
	s.logger.Info("management token authentication enabled")
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	agentAuth := s.agentAuthMiddleware()
	mgmtAuth := s.managementAuthMiddleware()

	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/health/details", wrapHandler(s.handleHealthDetails, mgmtAuth))

	// Report ingestion (agents)
	s.mux.HandleFunc("POST /api/v1/reports", wrapHandler(s.handleIngestReport, agentAuth))
	s.mux.HandleFunc("POST /api/v1/reports/batch", wrapHandler(s.handleIngestBatch, agentAuth))

	// Machine queries (management)
	s.mux.HandleFunc("GET /api/v1/machines", wrapHandler(s.handleListMachines, mgmtAuth))
	s.mux.HandleFunc("GET /api/v1/machines/{id}", wrapHandler(s.handleGetMachine, mgmtAuth))
	s.mux.HandleFunc("GET /api/v1/machines/{id}/history", wrapHandler(s.handleMachineHistory, mgmtAuth))

	// Fleet overview and export (management)
	s.mux.HandleFunc("GET /api/v1/fleet/overview", wrapHandler(s.handleFleetOverview, mgmtAuth))
	s.mux.HandleFunc("GET /api/v1/export/csv", wrapHandler(s.handleExportCSV, mgmtAuth))
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Store().Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "store unreachable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthDetails(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusNotFound, "metrics not enabled")
		return
	}
	health, err := s.metrics.ServerHealth(r.Context())
	if err != nil {
		s.logger.Error("server health collection failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to collect metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}

// =============================================================================
// REPORT INGESTION
// =============================================================================

func (s *Server) handleIngestReport(w http.ResponseWriter, r *http.Request) {
	var in types.IncomingReport
	if err := s.readJSON(r, &in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if in.MachineID != "" && !s.limiter.allow(in.MachineID) {
		s.writeError(w, http.StatusTooManyRequests, "report rate exceeded")
		return
	}

	res, err := s.svc.Ingest(r.Context(), in)
	if err != nil {
		if types.IsMalformedReport(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("report ingestion failed",
			"machine_id", in.MachineID,
			"error", err)
		s.writeError(w, http.StatusServiceUnavailable, "ingestion failed")
		return
	}

	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	// Handle gzip compression
	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid gzip")
			return
		}
		defer gz.Close()
		reader = gz
	}

	var batch types.ReportBatch
	if err := json.NewDecoder(reader).Decode(&batch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	accepted, err := s.svc.IngestBatch(r.Context(), batch)
	if err != nil {
		if types.IsMalformedReport(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("batch ingestion failed",
			"batch_id", batch.BatchID,
			"count", len(batch.Reports),
			"error", err)
		s.writeError(w, http.StatusServiceUnavailable, "ingestion failed")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
	})
}

// =============================================================================
// MACHINE QUERIES
// =============================================================================

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	filter := types.MachineFilter{
		OSFamily: r.URL.Query().Get("os"),
	}
	if v := r.URL.Query().Get("has_issues"); v != "" {
		hasIssues, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid has_issues value")
			return
		}
		filter.HasIssues = &hasIssues
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit value")
			return
		}
		filter.Limit = limit
	}

	machines, err := s.svc.ListMachines(r.Context(), filter)
	if err != nil {
		s.logger.Error("list machines failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to list machines")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"machines": machines,
		"count":    len(machines),
	})
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("id")

	snap, err := s.svc.GetMachine(r.Context(), machineID)
	if err != nil {
		if errors.Is(err, types.ErrUnknownMachine) {
			s.writeError(w, http.StatusNotFound, "unknown machine")
			return
		}
		s.logger.Error("get machine failed", "machine_id", machineID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to get machine")
		return
	}

	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMachineHistory(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("id")

	var q store.HistoryQuery
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit value")
			return
		}
		q.Limit = limit
	}
	var err error
	if q.Since, err = parseTimeParam(r, "since"); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid since value")
		return
	}
	if q.Until, err = parseTimeParam(r, "until"); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid until value")
		return
	}

	history, err := s.svc.MachineHistory(r.Context(), machineID, q)
	if err != nil {
		if errors.Is(err, types.ErrUnknownMachine) {
			s.writeError(w, http.StatusNotFound, "unknown machine")
			return
		}
		s.logger.Error("machine history failed", "machine_id", machineID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to get history")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"machine_id": machineID,
		"reports":    history,
		"count":      len(history),
	})
}

// =============================================================================
// FLEET OVERVIEW & EXPORT
// =============================================================================

func (s *Server) handleFleetOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.svc.FleetOverview(r.Context())
	if err != nil {
		s.logger.Error("fleet overview failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to get fleet overview")
		return
	}
	s.writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	filter := service.ExportFilter{
		MachineID: r.URL.Query().Get("machine_id"),
		OSFamily:  r.URL.Query().Get("os_system"),
		CheckKind: types.CheckKind(r.URL.Query().Get("check_type")),
		Status:    r.URL.Query().Get("status"),
	}
	if filter.CheckKind != "" && !filter.CheckKind.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid check_type value")
		return
	}
	var err error
	if filter.Since, err = parseTimeParam(r, "start_date"); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid start_date value")
		return
	}
	if filter.Until, err = parseTimeParam(r, "end_date"); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid end_date value")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=compliance_report.csv")

	if err := s.svc.ExportCSV(r.Context(), w, filter); err != nil {
		// Headers are already sent; log and cut the stream short.
		s.logger.Error("csv export failed", "error", err)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// parseTimeParam reads an RFC3339 or date-only query parameter.
func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
