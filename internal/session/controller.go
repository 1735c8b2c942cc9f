// Package session owns the single active call recording: its call id, the
// live capture handle and the rotation timer that cuts it into segments.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/scamshield/callguard/internal/audio"
	"github.com/scamshield/callguard/internal/metrics"
)

const (
	defaultSegmentDuration = 10 * time.Second
	defaultDeviceTimeout   = 5 * time.Second
)

// State represents the controller lifecycle state
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
)

// Submitter receives every finalized segment. Submit must not block.
type Submitter interface {
	Submit(seg audio.Segment)
}

// Config holds controller settings
type Config struct {
	Recording       audio.Options
	SegmentDuration time.Duration
	DeviceTimeout   time.Duration
	// KeepSegments keeps the unsubmitted tail segment on disk after Stop
	KeepSegments bool
	Submitter    Submitter
	Metrics      *metrics.Metrics
}

// CallSession is one Recording period
type CallSession struct {
	CallID    string
	StartedAt time.Time

	segments int
	done     chan struct{}
}

// Status is a point-in-time view of the controller
type Status struct {
	State      State      `json:"state"`
	CallID     string     `json:"call_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	Segments   int        `json:"segments"`
	HandleOpen bool       `json:"handle_open"`
}

// Controller is the chunked recording controller
type Controller struct {
	device        audio.Device
	opts          audio.Options
	period        time.Duration
	deviceTimeout time.Duration
	keepSegments  bool
	submitter     Submitter
	metrics       *metrics.Metrics

	newCallID func() (string, error)
	newTicker tickerFunc
	now       func() time.Time

	mu           sync.Mutex
	permitted    bool
	session      *CallSession
	handle       audio.Handle
	segmentStart time.Time
	timer        *rotationTimer
}

// NewController creates an idle controller for the given device
func NewController(device audio.Device, cfg Config) *Controller {
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = defaultSegmentDuration
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = defaultDeviceTimeout
	}
	return &Controller{
		device:        device,
		opts:          cfg.Recording,
		period:        cfg.SegmentDuration,
		deviceTimeout: cfg.DeviceTimeout,
		keepSegments:  cfg.KeepSegments,
		submitter:     cfg.Submitter,
		metrics:       cfg.Metrics,
		newCallID:     NewCallID,
		newTicker:     realTicker,
		now:           time.Now,
	}
}

// Start begins a new session and returns its call id
func (c *Controller) Start(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.metrics.StartRejected("already_recording")
		return "", ErrAlreadyRecording
	}

	if err := c.ensurePermissionLocked(ctx); err != nil {
		return "", err
	}

	callID, err := c.newCallID()
	if err != nil {
		c.metrics.StartRejected("call_id")
		return "", err
	}

	c.session = &CallSession{
		CallID:    callID,
		StartedAt: c.now(),
		done:      make(chan struct{}),
	}

	devCtx, cancel := context.WithTimeout(ctx, c.deviceTimeout)
	err = c.beginSegmentLocked(devCtx)
	cancel()
	if err != nil {
		c.session = nil
		c.metrics.StartRejected("device")
		return "", err
	}

	ticks, stopTicker := c.newTicker(c.period)
	c.timer = startRotationTimer(ticks, stopTicker, c.rotate)

	c.metrics.SessionStarted()
	slog.Info("Recording started", "call_id", callID, "platform", c.opts.Platform, "segment_duration", c.period)
	return callID, nil
}

// Stop ends the active session. It is safe to call at any time and always
// succeeds; device failures while releasing are only logged.
func (c *Controller) Stop(ctx context.Context) {
	c.stop(ctx, "")
}

// StopCall stops the session only if callID is still the active one. It
// reports whether a session was stopped.
func (c *Controller) StopCall(ctx context.Context, callID string) bool {
	if callID == "" {
		return false
	}
	return c.stop(ctx, callID)
}

func (c *Controller) stop(ctx context.Context, callID string) bool {
	c.mu.Lock()
	sess := c.session
	if sess == nil || (callID != "" && sess.CallID != callID) {
		c.mu.Unlock()
		return false
	}
	timer := c.timer
	c.timer = nil
	c.mu.Unlock()

	// The tick goroutine takes c.mu, so it must be drained unlocked
	if timer != nil {
		timer.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != sess {
		return false
	}

	if c.handle != nil {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deviceTimeout)
		seg, err := c.finalizeLocked(relCtx)
		cancel()
		if err != nil {
			slog.Warn("Failed to release capture handle", "call_id", sess.CallID, "error", err)
		} else if !c.keepSegments {
			if err := os.Remove(seg.URI); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Debug("Failed to remove tail segment", "file", seg.URI, "error", err)
			}
		}
	}

	c.session = nil
	close(sess.done)

	c.metrics.SessionStopped()
	slog.Info("Recording stopped", "call_id", sess.CallID, "segments", sess.segments,
		"duration", c.now().Sub(sess.StartedAt).Round(time.Millisecond))
	return true
}

// rotate finalizes the current segment, starts the next one and hands the
// finished segment to the submitter.
func (c *Controller) rotate(ctx context.Context) {
	c.mu.Lock()
	if c.session == nil || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	callID := c.session.CallID

	var finished *audio.Segment
	if c.handle != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), c.deviceTimeout)
		seg, err := c.finalizeLocked(stopCtx)
		cancel()
		if err != nil {
			slog.Warn("Failed to finalize segment", "call_id", callID, "error", err)
		} else {
			finished = &seg
		}
	} else {
		slog.Info("No active capture handle, attempting recovery", "call_id", callID)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), c.deviceTimeout)
	if err := c.beginSegmentLocked(startCtx); err != nil {
		slog.Warn("Failed to start next segment, retrying on next tick", "call_id", callID, "error", err)
	}
	cancel()
	c.mu.Unlock()

	if finished != nil && c.submitter != nil {
		slog.Debug("Submitting segment", "call_id", finished.CallID, "segment", finished.Index, "file", finished.URI)
		c.submitter.Submit(*finished)
	}
}

// beginSegmentLocked prepares and starts a new capture handle. The previous
// handle must already be released.
func (c *Controller) beginSegmentLocked(ctx context.Context) error {
	if c.handle != nil {
		return &DeviceError{Op: "prepare", Err: fmt.Errorf("previous capture handle still open")}
	}

	h, err := c.device.Prepare(ctx, c.opts)
	if err != nil {
		c.metrics.DeviceError("prepare")
		return &DeviceError{Op: "prepare", Err: err}
	}

	if err := h.Start(ctx); err != nil {
		c.metrics.DeviceError("start")
		if _, relErr := h.StopAndRelease(ctx); relErr != nil {
			slog.Debug("Release after failed start", "error", relErr)
		}
		return &DeviceError{Op: "start", Err: err}
	}

	c.handle = h
	c.segmentStart = c.now()
	return nil
}

// finalizeLocked stops and releases the current handle. The handle is
// dropped even when stopping fails.
func (c *Controller) finalizeLocked(ctx context.Context) (audio.Segment, error) {
	h := c.handle
	c.handle = nil

	uri, err := h.StopAndRelease(ctx)
	ended := c.now()
	if err != nil {
		c.metrics.DeviceError("stop")
		return audio.Segment{}, &DeviceError{Op: "stop", Err: err}
	}

	seg := audio.Segment{
		URI:       uri,
		CallID:    c.session.CallID,
		Index:     c.session.segments,
		StartedAt: c.segmentStart,
		EndedAt:   ended,
	}
	c.session.segments++
	c.metrics.SegmentFinalized(seg.Duration().Seconds())
	return seg, nil
}

// ensurePermissionLocked asks for microphone access once; only a grant is
// remembered so a later Start asks again after a denial.
func (c *Controller) ensurePermissionLocked(ctx context.Context) error {
	if c.permitted {
		return nil
	}
	granted, err := c.device.RequestPermission(ctx)
	if err != nil {
		c.metrics.StartRejected("permission")
		return &DeviceError{Op: "permission", Err: err}
	}
	if !granted {
		c.metrics.StartRejected("permission")
		return ErrPermissionDenied
	}
	c.permitted = true
	return nil
}

// ActiveCallID returns the current call id, or "" when idle
func (c *Controller) ActiveCallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.CallID
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return StateIdle
	}
	return StateRecording
}

// Status returns a snapshot of the controller
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return Status{State: StateIdle}
	}
	started := c.session.StartedAt
	return Status{
		State:      StateRecording,
		CallID:     c.session.CallID,
		StartedAt:  &started,
		Segments:   c.session.segments,
		HandleOpen: c.handle != nil,
	}
}

// Done returns a channel closed when the current session ends. When idle the
// returned channel is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return closedChan()
	}
	return c.session.done
}

// CallDone is like Done but bound to callID. It is already closed when
// callID is not the active call.
func (c *Controller) CallDone(callID string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.CallID != callID {
		return closedChan()
	}
	return c.session.done
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
