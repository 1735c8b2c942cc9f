package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scamshield/callguard/internal/alert"
	"github.com/scamshield/callguard/internal/service"

	"github.com/spf13/cobra"
)

const drainTimeout = 15 * time.Second

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the current call and check it for scams",
	Long: `Record audio from the configured capture source in fixed-length segments.
Every segment is uploaded to the classification service; when one is
classified as a scam you are asked whether to cut the call.

Press Ctrl+C to stop recording. Uploads still in flight are given a short
grace period before they are discarded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyRecordFlags(cmd); err != nil {
			return err
		}
		duration, _ := cmd.Flags().GetDuration("duration")

		svc, err := service.New(cfg, service.Options{
			Decider:   alert.NewPrompt(os.Stdin, os.Stderr),
			LogWriter: captureLogWriter(),
		})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		callID, err := svc.StartRecording(ctx)
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("Recording - Press Ctrl+C to stop", "call_id", callID, "segment_duration", cfg.SegmentDuration())

		var timeout <-chan time.Time
		if duration > 0 {
			timer := time.NewTimer(duration)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			slog.Info("Stopping recording...")
		case <-svc.Done():
			slog.Info("Recording ended", "call_id", callID)
		case <-timeout:
			slog.Info("Recording duration reached", "duration", duration)
		}

		closeCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			slog.Warn("Shutdown incomplete", "error", err)
		}
		return nil
	},
}

// applyRecordFlags applies command line overrides to the loaded config
func applyRecordFlags(cmd *cobra.Command) error {
	if dir, _ := cmd.Flags().GetString("output"); dir != "" {
		cfg.Output.Directory = dir
	}
	if platform, _ := cmd.Flags().GetString("platform"); platform != "" {
		cfg.Recording.Platform = platform
	}
	if seg, _ := cmd.Flags().GetDuration("segment"); seg > 0 {
		cfg.Recording.SegmentDurationMs = int(seg / time.Millisecond)
	}
	if cmd.Flags().Changed("keep-segments") {
		keep, _ := cmd.Flags().GetBool("keep-segments")
		cfg.Output.KeepSegments = &keep
	}
	return cfg.Validate()
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "segment directory (overrides config)")
	recordCmd.Flags().String("platform", "", "recording preset: android, ios or web (overrides config)")
	recordCmd.Flags().Duration("segment", 0, "segment length, e.g. 10s (overrides config)")
	recordCmd.Flags().Duration("duration", 0, "stop automatically after this long (0 = until interrupted)")
	recordCmd.Flags().Bool("keep-segments", false, "keep segment files after upload")
}
