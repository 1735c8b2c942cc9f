package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/scamshield/callguard/internal/alert"
	"github.com/scamshield/callguard/internal/audio"
	"github.com/scamshield/callguard/internal/config"
	"github.com/scamshield/callguard/internal/metrics"
	"github.com/scamshield/callguard/internal/service"
	"github.com/scamshield/callguard/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Server represents the web server for controlling call recording
type Server struct {
	service       service.Service
	cfg           *config.Config
	configFile    string
	port          string
	activeProfile string

	listSources func(ctx context.Context) ([]audio.Source, error)
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status        string              `json:"status"`
	Message       string              `json:"message,omitempty"`
	Session       *session.Status     `json:"session,omitempty"`
	PendingAlerts int                 `json:"pending_alerts"`
	Config        *ResolvedConfigInfo `json:"resolved_config"`
	ActiveProfile string              `json:"active_profile"`
}

// ResolvedConfigInfo contains configuration information for the UI
type ResolvedConfigInfo struct {
	Platform          string `json:"platform"`
	Backend           string `json:"backend"`
	Source            string `json:"source"`
	SegmentDurationMs int    `json:"segment_duration_ms"`
	OutputDir         string `json:"output_dir"`
	ClassifierURL     string `json:"classifier_url"`
	HonorStale        bool   `json:"honor_stale_verdicts"`
}

// SourceInfo represents a capture source for the UI
type SourceInfo struct {
	Name      string `json:"name"`
	Driver    string `json:"driver"`
	State     string `json:"state"`
	IsMonitor bool   `json:"is_monitor"`
}

// SourcesResponse represents the JSON response for sources endpoint
type SourcesResponse struct {
	Sources []SourceInfo `json:"sources"`
}

// AlertsResponse lists unresolved alerts
type AlertsResponse struct {
	Alerts []alert.Alert `json:"alerts"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// New creates a new web server instance
func New(svc service.Service, configFile string, port string) *Server {
	return &Server{
		service:       svc,
		cfg:           svc.GetConfig(),
		configFile:    configFile,
		port:          port,
		activeProfile: getActiveProfileName(configFile),
		listSources:   audio.ListSourceDetails,
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/start", s.handleStartRecording)
	mux.HandleFunc("/stop", s.handleStopRecording)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/alerts/", s.handleResolveAlert)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sources", s.handleSources)
	mux.HandleFunc("/config/profiles", s.handleProfiles)
	mux.Handle("/metrics", metrics.Handler(s.service.Gatherer()))
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting CallGuard Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// handleIndex serves a minimal page listing the API
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>CallGuard</title>
</head>
<body>
    <h1>CallGuard</h1>
    <h2>API Endpoints:</h2>
    <ul>
        <li>POST /start - Start recording a call</li>
        <li>POST /stop - Stop recording</li>
        <li>GET /status - Get status</li>
        <li>GET /alerts - Pending scam alerts</li>
        <li>POST /alerts/{id} - Resolve an alert (choice=cut|ignore)</li>
        <li>GET /metrics - Prometheus metrics</li>
        <li>GET /health - Health check</li>
    </ul>
</body>
</html>`

// handleStartRecording starts a new call session (Idle -> Recording)
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	callID, err := s.service.StartRecording(r.Context())
	switch {
	case errors.Is(err, session.ErrAlreadyRecording):
		s.sendErrorResponse(w, http.StatusConflict, err.Error(), "operation", "start_recording")
		return
	case errors.Is(err, session.ErrPermissionDenied):
		s.sendErrorResponse(w, http.StatusForbidden, err.Error(), "operation", "start_recording")
		return
	case err != nil:
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to start recording: %v", err), "operation", "start_recording")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Recording started",
		"call_id": callID,
	})
}

// handleStopRecording stops the current session; stopping while idle succeeds
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.service.StopRecording(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GenericResponse{
		Success: true,
		Message: "Recording stopped",
	})
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	st := s.service.GetRecordingStatus()
	pending := len(s.service.PendingAlerts())

	response := StatusResponse{
		Status:        strings.ToUpper(string(st.State)),
		Message:       s.generateStatusMessage(st, pending),
		PendingAlerts: pending,
		Config:        s.getResolvedConfigInfo(),
		ActiveProfile: s.activeProfile,
	}
	if st.State == session.StateRecording {
		response.Session = &st
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleAlerts lists alerts waiting for a decision
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AlertsResponse{Alerts: s.service.PendingAlerts()})
}

// handleResolveAlert answers POST /alerts/{id} with choice=cut|ignore
func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/alerts/")
	if id == "" || strings.Contains(id, "/") {
		s.sendErrorResponse(w, http.StatusBadRequest, "Alert id is required")
		return
	}

	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	choice, err := alert.ParseChoice(r.FormValue("choice"))
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "alert_id", id)
		return
	}

	if err := s.service.ResolveAlert(id, choice); err != nil {
		if errors.Is(err, alert.ErrUnknownAlert) {
			s.sendErrorResponse(w, http.StatusNotFound, err.Error(), "alert_id", id)
			return
		}
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "alert_id", id)
		return
	}

	slog.Info("Alert resolved", "alert_id", id, "choice", choice)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GenericResponse{
		Success: true,
		Message: fmt.Sprintf("Alert resolved: %s", choice.Label()),
	})
}

// handleHealth reports liveness. With ?deep=1 the classifier is checked too.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	response := map[string]interface{}{
		"status": "ok",
		"state":  s.service.GetRecordingStatus().State,
	}
	statusCode := http.StatusOK

	if r.URL.Query().Get("deep") != "" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.ClassifierHealth(ctx); err != nil {
			response["status"] = "degraded"
			response["classifier"] = err.Error()
			statusCode = http.StatusServiceUnavailable
		} else {
			response["classifier"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// handleSources returns the capture sources visible to PulseAudio
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	list, err := s.listSources(r.Context())
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list sources: %v", err), "operation", "list_sources")
		return
	}

	sources := make([]SourceInfo, 0, len(list))
	for _, src := range list {
		sources = append(sources, SourceInfo{
			Name:      src.Name,
			Driver:    src.Driver,
			State:     src.State,
			IsMonitor: src.IsMonitor(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SourcesResponse{Sources: sources})
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"profiles": s.getAvailableProfiles(),
		"active":   s.activeProfile,
	})
}

// getResolvedConfigInfo builds configuration information for the UI
func (s *Server) getResolvedConfigInfo() *ResolvedConfigInfo {
	if s.cfg == nil {
		return nil
	}
	return &ResolvedConfigInfo{
		Platform:          s.cfg.Recording.Platform,
		Backend:           s.cfg.Recording.Backend,
		Source:            s.cfg.Recording.Source,
		SegmentDurationMs: s.cfg.Recording.SegmentDurationMs,
		OutputDir:         s.cfg.Output.Directory,
		ClassifierURL:     s.cfg.Classifier.BaseURL,
		HonorStale:        s.cfg.HonorStaleVerdicts(),
	}
}

// getAvailableProfiles returns a sorted list of configuration profiles
func (s *Server) getAvailableProfiles() []string {
	profiles := []string{}
	if s.configFile == "" {
		return profiles
	}

	root, err := config.ValidateConfigurationFormat(s.configFile)
	if err != nil {
		slog.Debug("Failed to read config file for profiles", "error", err)
		return profiles
	}
	for name := range root.Configs {
		profiles = append(profiles, name)
	}
	sort.Strings(profiles)

	slog.Debug("Available profiles loaded", "profiles", profiles, "config_file", s.configFile)
	return profiles
}

// getActiveProfileName returns the active profile name from config file
func getActiveProfileName(configFile string) string {
	if configFile == "" {
		return ""
	}

	root, err := config.ValidateConfigurationFormat(configFile)
	if err != nil {
		slog.Debug("Failed to read config file for active profile", "error", err)
		return ""
	}
	if root.ActiveConfig == "" {
		if _, ok := root.Configs["default"]; ok {
			return "default"
		}
	}
	return root.ActiveConfig
}

// generateStatusMessage creates appropriate status messages based on current state
func (s *Server) generateStatusMessage(st session.Status, pendingAlerts int) string {
	switch st.State {
	case session.StateIdle:
		if errorDetails := s.service.GetLastError(); errorDetails != "" {
			return errorDetails
		}
		return ""
	case session.StateRecording:
		msg := fmt.Sprintf("Recording call %s - %d segments", st.CallID, st.Segments)
		if !st.HandleOpen {
			msg += " (capture device recovering)"
		}
		if pendingAlerts > 0 {
			msg += fmt.Sprintf(" - %d scam alert(s) waiting", pendingAlerts)
		}
		return msg
	default:
		return ""
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
