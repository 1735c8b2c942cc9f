package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/scamshield/callguard/internal/alert"
	"github.com/scamshield/callguard/internal/audio"
	"github.com/scamshield/callguard/internal/classify"
	"github.com/scamshield/callguard/internal/config"
	"github.com/scamshield/callguard/internal/metrics"
	"github.com/scamshield/callguard/internal/session"
	"github.com/scamshield/callguard/internal/upload"
)

// Service represents the call guard operations used by the CLI and the web server
type Service interface {
	// Recording operations
	StartRecording(ctx context.Context) (string, error)
	StopRecording(ctx context.Context)
	GetRecordingStatus() session.Status
	Done() <-chan struct{}

	// Alert operations
	PendingAlerts() []alert.Alert
	ResolveAlert(id string, choice alert.Choice) error

	// Classifier operations
	ClassifierHealth(ctx context.Context) error

	// Information operations
	GetConfig() *config.Config
	GetLastError() string
	Gatherer() prometheus.Gatherer

	Close(ctx context.Context) error
}

// Options customizes how the service is wired
type Options struct {
	// Device defaults to the ffmpeg capture device built from the config
	Device audio.Device
	// Decider defaults to an alert queue resolved through ResolveAlert
	Decider   alert.Decider
	LogWriter io.Writer
}

// CallGuardService is the main service implementation
type CallGuardService struct {
	cfg        *config.Config
	controller *session.Controller
	handler    *upload.Handler
	classifier *classify.Client
	queue      *alert.Queue
	registry   *prometheus.Registry

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New wires config, capture device, classifier, upload handler and controller
func New(cfg *config.Config, opts Options) (*CallGuardService, error) {
	if opts.LogWriter == nil {
		opts.LogWriter = io.Discard
	}

	preset, err := audio.Preset(cfg.Recording.Platform)
	if err != nil {
		return nil, err
	}

	classifier, err := classify.NewClient(classify.Config{
		BaseURL:   cfg.Classifier.BaseURL,
		Timeout:   cfg.ClassifierTimeout(),
		UserAgent: cfg.Classifier.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier client: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	s := &CallGuardService{
		cfg:        cfg,
		classifier: classifier,
		registry:   registry,
	}

	decider := opts.Decider
	if decider == nil {
		s.queue = alert.NewQueue()
		decider = s.queue
	}

	device := opts.Device
	if device == nil {
		device = audio.NewDevice(cfg, opts.LogWriter)
	}

	s.handler = upload.NewHandler(classifier, decider, upload.Config{
		Timeout:            cfg.ClassifierTimeout(),
		KeepSegments:       cfg.KeepSegments(),
		HonorStaleVerdicts: cfg.HonorStaleVerdicts(),
		Metrics:            m,
	})
	s.controller = session.NewController(device, session.Config{
		Recording:       preset,
		SegmentDuration: cfg.SegmentDuration(),
		DeviceTimeout:   cfg.DeviceTimeout(),
		KeepSegments:    cfg.KeepSegments(),
		Submitter:       s.handler,
		Metrics:         m,
	})
	s.handler.SetSession(s.controller)

	return s, nil
}

// StartRecording starts a new call session
func (s *CallGuardService) StartRecording(ctx context.Context) (string, error) {
	slog.Debug("Service.StartRecording called")
	s.clearLastError()
	callID, err := s.controller.Start(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return "", err
	}
	return callID, nil
}

// StopRecording stops the current session, if any
func (s *CallGuardService) StopRecording(ctx context.Context) {
	s.controller.Stop(ctx)
}

// GetRecordingStatus returns the controller snapshot
func (s *CallGuardService) GetRecordingStatus() session.Status {
	return s.controller.Status()
}

// Done is closed when the current session ends
func (s *CallGuardService) Done() <-chan struct{} {
	return s.controller.Done()
}

// PendingAlerts returns unresolved alerts. It is empty when a custom decider
// is in use.
func (s *CallGuardService) PendingAlerts() []alert.Alert {
	if s.queue == nil {
		return []alert.Alert{}
	}
	return s.queue.Pending()
}

// ResolveAlert answers a pending alert
func (s *CallGuardService) ResolveAlert(id string, choice alert.Choice) error {
	if s.queue == nil {
		return alert.ErrUnknownAlert
	}
	return s.queue.Resolve(id, choice)
}

// ClassifierHealth checks the classification service
func (s *CallGuardService) ClassifierHealth(ctx context.Context) error {
	return s.classifier.Health(ctx)
}

// GetConfig returns the current configuration
func (s *CallGuardService) GetConfig() *config.Config {
	return s.cfg
}

// Gatherer exposes the service metrics registry
func (s *CallGuardService) Gatherer() prometheus.Gatherer {
	return s.registry
}

// Close stops recording and waits for in-flight uploads until ctx ends.
// Uploads still running after that are discarded.
func (s *CallGuardService) Close(ctx context.Context) error {
	s.controller.Stop(ctx)
	if err := s.handler.Close(ctx); err != nil {
		return fmt.Errorf("discarded pending uploads: %w", err)
	}
	return nil
}

// GetLastError returns the last error message (thread-safe)
func (s *CallGuardService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *CallGuardService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *CallGuardService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
