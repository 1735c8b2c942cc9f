package upload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scamshield/callguard/internal/alert"
	"github.com/scamshield/callguard/internal/audio"
	"github.com/scamshield/callguard/internal/classify"
	"github.com/scamshield/callguard/internal/metrics"
)

type classifierFunc func(ctx context.Context, callID string, audio []byte) (*classify.Verdict, error)

func (f classifierFunc) Detect(ctx context.Context, callID string, audio []byte) (*classify.Verdict, error) {
	return f(ctx, callID, audio)
}

func verdict(status classify.Status) classifierFunc {
	return func(ctx context.Context, callID string, audio []byte) (*classify.Verdict, error) {
		return &classify.Verdict{Status: status, Label: string(status)}, nil
	}
}

type fakeSession struct {
	mu      sync.Mutex
	active  string
	stopped []string
	done    chan struct{}
}

func (s *fakeSession) CallDone(callID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if callID != s.active {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

func (s *fakeSession) ActiveCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *fakeSession) StopCall(ctx context.Context, callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if callID != s.active {
		return false
	}
	s.stopped = append(s.stopped, callID)
	s.active = ""
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	return true
}

// scriptedDecider answers every alert with the same choice and records it
type scriptedDecider struct {
	mu     sync.Mutex
	choice alert.Choice
	alerts []alert.Alert
}

func (d *scriptedDecider) Decide(ctx context.Context, a alert.Alert) (alert.Choice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, a)
	return d.choice, nil
}

func (d *scriptedDecider) raised() []alert.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alert.Alert(nil), d.alerts...)
}

func writeSegment(t *testing.T, callID string, index int) audio.Segment {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segment.3gp")
	require.NoError(t, os.WriteFile(path, []byte("ftyp3gp4 audio payload"), 0600))
	now := time.Now()
	return audio.Segment{URI: path, CallID: callID, Index: index, StartedAt: now.Add(-10 * time.Second), EndedAt: now}
}

func drain(t *testing.T, h *Handler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Close(ctx))
}

func TestSubmit_ScamCutCallStopsSession(t *testing.T) {
	sess := &fakeSession{active: "call-1"}
	dec := &scriptedDecider{choice: alert.ChoiceCutCall}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	h := NewHandler(verdict(classify.StatusScam), dec, Config{Metrics: m})
	h.SetSession(sess)

	h.Submit(writeSegment(t, "call-1", 0))
	drain(t, h)

	raised := dec.raised()
	require.Len(t, raised, 1)
	assert.Equal(t, "call-1", raised[0].CallID)
	assert.Equal(t, alert.Title, raised[0].Title)
	assert.False(t, raised[0].Stale)

	assert.Equal(t, []string{"call-1"}, sess.stopped)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("cut")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verdicts.WithLabelValues("Scam")))
}

func TestSubmit_ScamIgnoreKeepsSession(t *testing.T) {
	sess := &fakeSession{active: "call-1"}
	dec := &scriptedDecider{choice: alert.ChoiceIgnore}

	h := NewHandler(verdict(classify.StatusScam), dec, Config{})
	h.SetSession(sess)

	h.Submit(writeSegment(t, "call-1", 0))
	drain(t, h)

	assert.Len(t, dec.raised(), 1)
	assert.Empty(t, sess.stopped)
	assert.Equal(t, "call-1", sess.ActiveCallID())
}

func TestSubmit_NotScamRaisesNothing(t *testing.T) {
	sess := &fakeSession{active: "call-1"}
	dec := &scriptedDecider{choice: alert.ChoiceCutCall}

	h := NewHandler(verdict(classify.StatusNotScam), dec, Config{})
	h.SetSession(sess)

	h.Submit(writeSegment(t, "call-1", 0))
	drain(t, h)

	assert.Empty(t, dec.raised())
	assert.Empty(t, sess.stopped)
}

func TestSubmit_FailuresAreIsolated(t *testing.T) {
	sess := &fakeSession{active: "call-1"}
	dec := &scriptedDecider{choice: alert.ChoiceCutCall}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var (
		mu     sync.Mutex
		errs   []*UploadError
		called []int
	)
	classifier := classifierFunc(func(ctx context.Context, callID string, audio []byte) (*classify.Verdict, error) {
		switch string(audio) {
		case "http500":
			return nil, &classify.StatusError{Code: 500, Body: "boom"}
		case "network":
			return nil, errors.New("dial tcp: connection refused")
		}
		return &classify.Verdict{Status: classify.StatusNotScam, Label: "Safe"}, nil
	})

	h := NewHandler(classifier, dec, Config{
		Metrics: m,
		OnError: func(err *UploadError) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	h.SetSession(sess)
	h.readFile = func(path string) ([]byte, error) {
		mu.Lock()
		called = append(called, len(called))
		mu.Unlock()
		return os.ReadFile(path)
	}

	for i, body := range []string{"http500", "network", "fine"} {
		seg := writeSegment(t, "call-1", i)
		require.NoError(t, os.WriteFile(seg.URI, []byte(body), 0600))
		h.Submit(seg)
	}
	drain(t, h)

	assert.Len(t, called, 3, "every segment is uploaded")
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.Equal(t, "classify", err.Stage)
	}
	var statusErr *classify.StatusError
	assert.True(t, errors.As(errs[0], &statusErr) || errors.As(errs[1], &statusErr))

	assert.Empty(t, dec.raised())
	assert.Empty(t, sess.stopped)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UploadFailures.WithLabelValues("classify")))
}

func TestSubmit_ReadFailure(t *testing.T) {
	var got *UploadError
	h := NewHandler(verdict(classify.StatusScam), nil, Config{
		OnError: func(err *UploadError) { got = err },
	})

	h.Submit(audio.Segment{URI: filepath.Join(t.TempDir(), "missing.3gp"), CallID: "call-1", Index: 4})
	drain(t, h)

	require.NotNil(t, got)
	assert.Equal(t, "read", got.Stage)
	assert.Equal(t, 4, got.Segment)
	assert.ErrorIs(t, got, os.ErrNotExist)
}

func TestSubmit_SendsCallIDAndRemovesFile(t *testing.T) {
	var gotCallID string
	var gotAudio []byte
	h := NewHandler(classifierFunc(func(ctx context.Context, callID string, audio []byte) (*classify.Verdict, error) {
		gotCallID = callID
		gotAudio = audio
		return &classify.Verdict{Status: classify.StatusNotScam}, nil
	}), nil, Config{})

	seg := writeSegment(t, "abcdef", 0)
	h.Submit(seg)
	drain(t, h)

	assert.Equal(t, "abcdef", gotCallID)
	assert.Equal(t, []byte("ftyp3gp4 audio payload"), gotAudio)
	assert.NoFileExists(t, seg.URI)
}

func TestSubmit_KeepSegments(t *testing.T) {
	h := NewHandler(verdict(classify.StatusNotScam), nil, Config{KeepSegments: true})
	seg := writeSegment(t, "abcdef", 0)
	h.Submit(seg)
	drain(t, h)
	assert.FileExists(t, seg.URI)
}

func TestSubmit_RequestTimeout(t *testing.T) {
	var got *UploadError
	h := NewHandler(classifierFunc(func(ctx context.Context, callID string, audio []byte) (*classify.Verdict, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), nil, Config{
		Timeout: 20 * time.Millisecond,
		OnError: func(err *UploadError) { got = err },
	})

	h.Submit(writeSegment(t, "call-1", 0))
	drain(t, h)

	require.NotNil(t, got)
	assert.ErrorIs(t, got, context.DeadlineExceeded)
}

func TestStaleVerdict_SuppressedByDefault(t *testing.T) {
	sess := &fakeSession{active: "call-2"}
	dec := &scriptedDecider{choice: alert.ChoiceCutCall}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	h := NewHandler(verdict(classify.StatusScam), dec, Config{Metrics: m})
	h.SetSession(sess)

	h.Submit(writeSegment(t, "call-1", 7))
	drain(t, h)

	assert.Empty(t, dec.raised())
	assert.Empty(t, sess.stopped)
	assert.Equal(t, "call-2", sess.ActiveCallID())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleVerdicts))
}

func TestStaleVerdict_Honored(t *testing.T) {
	sess := &fakeSession{active: "call-2"}
	dec := &scriptedDecider{choice: alert.ChoiceCutCall}

	h := NewHandler(verdict(classify.StatusScam), dec, Config{HonorStaleVerdicts: true})
	h.SetSession(sess)

	h.Submit(writeSegment(t, "call-1", 7))
	drain(t, h)

	raised := dec.raised()
	require.Len(t, raised, 1)
	assert.True(t, raised[0].Stale)
	assert.Empty(t, sess.stopped, "cutting a stale alert must not stop the newer session")
	assert.Equal(t, "call-2", sess.ActiveCallID())
}

func TestDecisionDoesNotBlockOtherUploads(t *testing.T) {
	sess := &fakeSession{active: "call-1"}
	release := make(chan struct{})
	raised := make(chan struct{}, 1)
	dec := alert.DeciderFunc(func(ctx context.Context, a alert.Alert) (alert.Choice, error) {
		raised <- struct{}{}
		<-release
		return alert.ChoiceIgnore, nil
	})

	var mu sync.Mutex
	uploads := 0
	h := NewHandler(classifierFunc(func(ctx context.Context, callID string, audio []byte) (*classify.Verdict, error) {
		mu.Lock()
		uploads++
		mu.Unlock()
		if string(audio) == "scam" {
			return &classify.Verdict{Status: classify.StatusScam}, nil
		}
		return &classify.Verdict{Status: classify.StatusNotScam}, nil
	}), dec, Config{})
	h.SetSession(sess)

	first := writeSegment(t, "call-1", 0)
	require.NoError(t, os.WriteFile(first.URI, []byte("scam"), 0600))
	h.Submit(first)
	<-raised

	for i := 1; i <= 3; i++ {
		h.Submit(writeSegment(t, "call-1", i))
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return uploads == 4
	}, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return h.Pending() == 1 }, time.Second, time.Millisecond)

	close(release)
	drain(t, h)
	assert.Equal(t, 0, h.Pending())
}

func TestClose_DiscardsAfterDeadline(t *testing.T) {
	q := alert.NewQueue()
	h := NewHandler(verdict(classify.StatusScam), q, Config{})
	h.SetSession(&fakeSession{active: "call-1"})

	h.Submit(writeSegment(t, "call-1", 0))
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Close(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, h.Pending())
	assert.Equal(t, 0, q.Len())
}

func TestSubmitAfterClose(t *testing.T) {
	var got *UploadError
	h := NewHandler(verdict(classify.StatusNotScam), nil, Config{
		OnError: func(err *UploadError) { got = err },
	})
	drain(t, h)

	seg := writeSegment(t, "call-1", 0)
	h.Submit(seg)

	require.NotNil(t, got)
	assert.ErrorIs(t, got, ErrClosed)
	assert.NoFileExists(t, seg.URI)
	assert.NoError(t, h.Close(context.Background()))
}

// syncBuffer is a goroutine-safe output sink for the terminal prompt
type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

func TestCutCallDropsLaterPromptsForSameCall(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	out := &syncBuffer{}
	sess := &fakeSession{active: "call-1"}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	h := NewHandler(verdict(classify.StatusScam), alert.NewPrompt(r, out), Config{Metrics: m})
	h.SetSession(sess)

	h.Submit(writeSegment(t, "call-1", 0))
	h.Submit(writeSegment(t, "call-1", 1))

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "> ") }, 5*time.Second, time.Millisecond)
	_, err := io.WriteString(w, "c\n")
	require.NoError(t, err)
	drain(t, h)

	assert.Equal(t, 1, strings.Count(out.String(), alert.Title), "only the first alert may be shown")
	assert.NotContains(t, out.String(), "already ended")
	assert.Equal(t, []string{"call-1"}, sess.stopped)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleVerdicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("cut")))
}

func TestCutCallDropsQueuedAlertsForSameCall(t *testing.T) {
	q := alert.NewQueue()
	sess := &fakeSession{active: "call-1"}
	h := NewHandler(verdict(classify.StatusScam), q, Config{})
	h.SetSession(sess)

	h.Submit(writeSegment(t, "call-1", 0))
	h.Submit(writeSegment(t, "call-1", 1))

	require.Eventually(t, func() bool { return q.Len() == 1 }, 5*time.Second, time.Millisecond)
	assert.Never(t, func() bool { return q.Len() > 1 }, 50*time.Millisecond, time.Millisecond)

	pending := q.Pending()
	require.Len(t, pending, 1)
	require.NoError(t, q.Resolve(pending[0].ID, alert.ChoiceCutCall))
	drain(t, h)

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, []string{"call-1"}, sess.stopped)
}

func TestOpenAlertWithdrawnWhenCallEnds(t *testing.T) {
	q := alert.NewQueue()
	sess := &fakeSession{active: "call-1"}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := NewHandler(verdict(classify.StatusScam), q, Config{Metrics: m})
	h.SetSession(sess)

	h.Submit(writeSegment(t, "call-1", 0))
	require.Eventually(t, func() bool { return q.Len() == 1 }, 5*time.Second, time.Millisecond)

	// the user stops recording while the alert is still open
	require.True(t, sess.StopCall(context.Background(), "call-1"))

	assert.Eventually(t, func() bool { return q.Len() == 0 }, 5*time.Second, time.Millisecond)
	drain(t, h)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Decisions.WithLabelValues("cut")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleVerdicts))
}
