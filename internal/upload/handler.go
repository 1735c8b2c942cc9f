// Package upload ships finalized segments to the classifier and routes scam
// verdicts to the decision point.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/scamshield/callguard/internal/alert"
	"github.com/scamshield/callguard/internal/audio"
	"github.com/scamshield/callguard/internal/classify"
	"github.com/scamshield/callguard/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// ErrClosed is reported for segments submitted after Close
var ErrClosed = errors.New("upload handler closed")

// UploadError describes one failed segment upload. It is logged and counted,
// never returned to the session.
type UploadError struct {
	CallID  string
	Segment int
	// Stage is "read", "classify" or "closed"
	Stage string
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of segment %d for call %s failed at %s: %v", e.Segment, e.CallID, e.Stage, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Classifier returns a verdict for one segment payload
type Classifier interface {
	Detect(ctx context.Context, callID string, audio []byte) (*classify.Verdict, error)
}

// Session is the part of the controller a decision may act on
type Session interface {
	ActiveCallID() string
	StopCall(ctx context.Context, callID string) bool
	// CallDone is closed when callID stops being the active call
	CallDone(callID string) <-chan struct{}
}

// Config holds handler settings
type Config struct {
	// Timeout bounds each classifier request
	Timeout            time.Duration
	KeepSegments       bool
	HonorStaleVerdicts bool
	Metrics            *metrics.Metrics
	// OnError, if set, receives every upload failure
	OnError func(*UploadError)
}

// Handler runs one tracked task per submitted segment
type Handler struct {
	classifier Classifier
	decider    alert.Decider
	cfg        Config
	metrics    *metrics.Metrics
	readFile   func(string) ([]byte, error)

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        conc.WaitGroup
	// turn is held while an alert is open, so alerts are decided one at a time
	turn chan struct{}

	mu      sync.Mutex
	session Session
	closed  bool
	nextID  uint64
	tasks   map[uint64]context.CancelFunc
}

// NewHandler creates an upload handler. A nil decider ignores every alert.
func NewHandler(classifier Classifier, decider alert.Decider, cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if decider == nil {
		decider = alert.DeciderFunc(func(ctx context.Context, a alert.Alert) (alert.Choice, error) {
			slog.Warn("No decider configured, ignoring scam alert", "call_id", a.CallID, "segment", a.Segment)
			return alert.ChoiceIgnore, nil
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		classifier: classifier,
		decider:    decider,
		cfg:        cfg,
		metrics:    cfg.Metrics,
		readFile:   os.ReadFile,
		baseCtx:    ctx,
		cancelAll:  cancel,
		turn:       make(chan struct{}, 1),
		tasks:      make(map[uint64]context.CancelFunc),
	}
}

// SetSession sets the session that "Cut Call" stops
func (h *Handler) SetSession(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = s
}

// Submit starts an upload task for seg and returns immediately
func (h *Handler) Submit(seg audio.Segment) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		h.discardFile(seg)
		h.report(&UploadError{CallID: seg.CallID, Segment: seg.Index, Stage: "closed", Err: ErrClosed})
		return
	}

	ctx, cancel := context.WithCancel(h.baseCtx)
	id := h.nextID
	h.nextID++
	h.tasks[id] = cancel

	h.wg.Go(func() {
		defer h.finish(id)
		h.process(ctx, seg)
	})
}

func (h *Handler) finish(id uint64) {
	h.mu.Lock()
	cancel := h.tasks[id]
	delete(h.tasks, id)
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// process reads, encodes and uploads one segment and handles its verdict
func (h *Handler) process(ctx context.Context, seg audio.Segment) {
	start := time.Now()
	h.metrics.UploadStarted()
	defer h.metrics.UploadFinished()

	payload, err := h.readFile(seg.URI)
	h.discardFile(seg)
	if err == nil && len(payload) == 0 {
		err = fmt.Errorf("segment file %s is empty", seg.URI)
	}
	if err != nil {
		h.report(&UploadError{CallID: seg.CallID, Segment: seg.Index, Stage: "read", Err: err})
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	verdict, err := h.classifier.Detect(reqCtx, seg.CallID, payload)
	cancel()
	if err != nil {
		h.report(&UploadError{CallID: seg.CallID, Segment: seg.Index, Stage: "classify", Err: err})
		return
	}

	h.metrics.VerdictReceived(string(verdict.Status), time.Since(start).Seconds())
	logArgs := []any{"call_id", seg.CallID, "segment", seg.Index, "status", verdict.Label}
	if verdict.ScamProbability != nil {
		logArgs = append(logArgs, "scam_probability", *verdict.ScamProbability)
	}
	slog.Info("Verdict received", logArgs...)

	if verdict.IsScam() {
		h.raise(ctx, seg, verdict)
	}
}

// raise presents the decision point for a scam verdict. Staleness is checked
// once the alert's turn comes up, so alerts queued behind a "Cut Call" for the
// same call are dropped.
func (h *Handler) raise(ctx context.Context, seg audio.Segment, verdict *classify.Verdict) {
	select {
	case h.turn <- struct{}{}:
	case <-ctx.Done():
		slog.Info("Scam alert discarded before it was shown", "call_id", seg.CallID, "segment", seg.Index)
		return
	}
	defer func() { <-h.turn }()

	sess := h.currentSession()
	stale := sess == nil || sess.ActiveCallID() != seg.CallID
	if stale {
		h.metrics.StaleVerdict()
		if !h.cfg.HonorStaleVerdicts {
			slog.Info("Suppressing scam verdict for ended session", "call_id", seg.CallID, "segment", seg.Index)
			return
		}
	}

	a := alert.New(seg.CallID, seg.Index)
	a.ScamProbability = verdict.ScamProbability
	a.Transcription = verdict.Transcription
	a.Stale = stale

	alertCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !stale && !h.cfg.HonorStaleVerdicts {
		// Withdraw the alert if the call ends while it is open
		go func(ended <-chan struct{}) {
			select {
			case <-ended:
				cancel()
			case <-alertCtx.Done():
			}
		}(sess.CallDone(seg.CallID))
	}

	slog.Warn("Scam detected", "call_id", seg.CallID, "segment", seg.Index, "alert_id", a.ID)
	choice, err := h.decider.Decide(alertCtx, a)
	if err != nil {
		if ctx.Err() == nil && alertCtx.Err() != nil {
			h.metrics.StaleVerdict()
			slog.Info("Scam alert withdrawn, call ended", "call_id", seg.CallID, "alert_id", a.ID)
			return
		}
		slog.Info("Alert closed without a decision", "alert_id", a.ID, "error", err)
		return
	}
	h.metrics.Decision(string(choice))

	if choice != alert.ChoiceCutCall {
		slog.Info("Scam alert ignored", "call_id", seg.CallID, "alert_id", a.ID)
		return
	}
	if sess != nil && sess.StopCall(context.Background(), seg.CallID) {
		slog.Info("Call cut by user", "call_id", seg.CallID)
	} else {
		slog.Info("Cut requested for a call that already ended", "call_id", seg.CallID)
	}
}

func (h *Handler) currentSession() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

func (h *Handler) discardFile(seg audio.Segment) {
	if h.cfg.KeepSegments || seg.URI == "" {
		return
	}
	if err := os.Remove(seg.URI); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Debug("Failed to remove segment file", "file", seg.URI, "error", err)
	}
}

func (h *Handler) report(err *UploadError) {
	h.metrics.UploadFailed(err.Stage)
	slog.Warn("Segment upload failed", "call_id", err.CallID, "segment", err.Segment, "stage", err.Stage, "error", err.Err)
	if h.cfg.OnError != nil {
		h.cfg.OnError(err)
	}
}

// Pending returns the number of tasks still running
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

// Discard cancels every in-flight task and returns how many were cancelled
func (h *Handler) Discard() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cancel := range h.tasks {
		cancel()
	}
	return len(h.tasks)
}

// Close stops accepting segments and waits for running tasks until ctx ends,
// after which the remainder is discarded.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := h.wg.WaitAndRecover(); r != nil {
			slog.Error("Upload task panicked", "panic", r.Value)
		}
	}()

	defer h.cancelAll()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n := h.Discard()
		slog.Warn("Discarding in-flight uploads", "count", n)
		<-done
		return ctx.Err()
	}
}
