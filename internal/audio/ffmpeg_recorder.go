package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultFFmpegBinary = "ffmpeg"
	stopGracePeriod     = 5 * time.Second
	minSegmentBytes     = 256
)

// ErrHandleReleased is returned when a handle is used after StopAndRelease
var ErrHandleReleased = errors.New("capture handle already released")

// FFmpegConfig configures the ffmpeg-backed capture device
type FFmpegConfig struct {
	Backend   BackendType
	Source    string
	Directory string
	Binary    string
}

// FFmpegDevice captures audio by running one ffmpeg process per segment
type FFmpegDevice struct {
	cfg       FFmpegConfig
	logWriter io.Writer
	seq       atomic.Uint64

	listSources func(ctx context.Context) ([]string, error)
}

// NewFFmpegDevice creates a new ffmpeg-based capture device
func NewFFmpegDevice(cfg FFmpegConfig, logWriter io.Writer) *FFmpegDevice {
	if logWriter == nil {
		logWriter = io.Discard
	}
	if cfg.Binary == "" {
		cfg.Binary = defaultFFmpegBinary
	}
	if cfg.Backend == "" || cfg.Backend == BackendTypeAuto {
		cfg.Backend = BackendTypePulse
	}
	return &FFmpegDevice{
		cfg:         cfg,
		logWriter:   logWriter,
		listSources: ListSources,
	}
}

// RequestPermission checks that ffmpeg is installed, the segment directory is
// writable and, for PulseAudio, that the configured source exists. A missing
// source is reported as a denial rather than an error.
func (d *FFmpegDevice) RequestPermission(ctx context.Context) (bool, error) {
	if _, err := exec.LookPath(d.cfg.Binary); err != nil {
		return false, fmt.Errorf("ffmpeg not available: %w", err)
	}

	if err := os.MkdirAll(d.cfg.Directory, 0700); err != nil {
		return false, fmt.Errorf("failed to create segment directory: %w", err)
	}

	if d.cfg.Backend != BackendTypePulse || d.cfg.Source == "" || d.cfg.Source == "default" {
		return true, nil
	}

	sources, err := d.listSources(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list capture sources: %w", err)
	}
	if !slices.Contains(sources, d.cfg.Source) {
		slog.Warn("Configured capture source not found", "source", d.cfg.Source, "available", len(sources))
		return false, nil
	}
	return true, nil
}

// Prepare allocates an output file and builds the ffmpeg command for one segment
func (d *FFmpegDevice) Prepare(ctx context.Context, opts Options) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.cfg.Directory, 0700); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}

	n := d.seq.Add(1)
	output := filepath.Join(d.cfg.Directory,
		fmt.Sprintf("segment-%d-%04d%s", time.Now().UnixNano(), n, opts.Extension))

	return &ffmpegHandle{
		binary:    d.cfg.Binary,
		args:      d.buildArgs(opts, output),
		output:    output,
		logWriter: d.logWriter,
	}, nil
}

// buildArgs constructs the ffmpeg arguments for a single segment
func (d *FFmpegDevice) buildArgs(opts Options, output string) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-f", string(d.cfg.Backend),
		"-i", d.inputName(),
		"-ac", strconv.Itoa(opts.Channels),
		"-ar", strconv.Itoa(opts.SampleRate),
		"-c:a", opts.Encoder,
		"-b:a", strconv.Itoa(opts.BitRate),
	}
	if opts.MimeType != "" {
		args = append(args, "-metadata", "mime_type="+opts.MimeType)
	}
	args = append(args,
		"-f", opts.ContainerFormat,
		"-y", // Overwrite output
		output,
	)
	return args
}

func (d *FFmpegDevice) inputName() string {
	source := d.cfg.Source
	if d.cfg.Backend == BackendTypeAVFoundation {
		if source == "" || source == "default" {
			return ":0"
		}
		if !strings.HasPrefix(source, ":") {
			return ":" + source
		}
		return source
	}
	if source == "" {
		return "default"
	}
	return source
}

// ffmpegHandle is one ffmpeg process writing one segment file
type ffmpegHandle struct {
	binary    string
	args      []string
	output    string
	logWriter io.Writer

	mu       sync.Mutex
	cmd      *exec.Cmd
	stderr   lockedBuffer
	released bool
}

// Start launches the ffmpeg process. The process outlives ctx; only
// StopAndRelease ends it.
func (h *ffmpegHandle) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return ErrHandleReleased
	}
	if h.cmd != nil {
		return fmt.Errorf("capture already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	slog.Debug("Starting ffmpeg capture", "command", h.binary+" "+strings.Join(h.args, " "))

	cmd := exec.Command(h.binary, h.args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	h.cmd = cmd

	go h.readOutput(stderr)
	return nil
}

// StopAndRelease interrupts ffmpeg, waits for it to finalize the container
// and returns the segment path.
func (h *ffmpegHandle) StopAndRelease(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return "", ErrHandleReleased
	}
	h.released = true

	if h.cmd == nil {
		os.Remove(h.output)
		return "", fmt.Errorf("capture was never started")
	}

	if err := h.stopFFmpeg(ctx); err != nil {
		os.Remove(h.output)
		return "", err
	}

	if err := h.validateOutputFile(); err != nil {
		os.Remove(h.output)
		return "", err
	}
	return h.output, nil
}

// readOutput forwards ffmpeg diagnostics and keeps them for error reports
func (h *ffmpegHandle) readOutput(pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		h.stderr.WriteLine(line)
		fmt.Fprintln(h.logWriter, line)
		slog.Debug("FFmpeg output", "stream", "stderr", "line", line)
	}
	pipe.Close()
}

// stopFFmpeg stops the ffmpeg process
func (h *ffmpegHandle) stopFFmpeg(ctx context.Context) error {
	cmd := h.cmd
	h.cmd = nil

	if cmd.Process != nil {
		slog.Debug("Sending SIGINT to ffmpeg process")
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to send interrupt to ffmpeg, falling back to SIGKILL", "error", err)
			cmd.Process.Kill()
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timeout := time.NewTimer(stopGracePeriod)
	defer timeout.Stop()

	select {
	case err := <-done:
		return h.interpretExit(err)
	case <-ctx.Done():
		slog.Warn("Context ended while waiting for ffmpeg, force killing", "error", ctx.Err())
	case <-timeout.C:
		slog.Warn("FFmpeg did not exit within timeout, force killing")
	}

	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	<-done
	return fmt.Errorf("ffmpeg did not finalize %s", filepath.Base(h.output))
}

// interpretExit treats signal-driven exits as success
func (h *ffmpegHandle) interpretExit(err error) error {
	if err == nil {
		slog.Debug("FFmpeg exited successfully")
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Exit code 255 is ffmpeg's answer to SIGINT
		if exitErr.ExitCode() == 255 {
			slog.Debug("FFmpeg exited normally after interrupt signal")
			return nil
		}
		if exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				slog.Debug("FFmpeg exited normally due to signal", "state", state)
				return nil
			}
		}
	}

	return fmt.Errorf("ffmpeg process failed: %w (stderr: %s)", err, h.stderr.String())
}

// validateOutputFile validates the created segment file
func (h *ffmpegHandle) validateOutputFile() error {
	fileInfo, err := os.Stat(h.output)
	if err != nil {
		return fmt.Errorf("segment file not found: %s", h.output)
	}
	if fileInfo.Size() < minSegmentBytes {
		return fmt.Errorf("segment file too small (%d bytes)", fileInfo.Size())
	}
	slog.Debug("Segment file validated", "file", h.output, "size", fileInfo.Size())
	return nil
}

type lockedBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *lockedBuffer) WriteLine(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b.WriteString(s)
	l.b.WriteByte('\n')
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.TrimSpace(l.b.String())
}
