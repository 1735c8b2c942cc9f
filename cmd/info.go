package cmd

import (
	"fmt"

	"github.com/scamshield/callguard/internal/audio"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration",
	Long:  `Display the resolved configuration with inheritance indicators and the recording preset in use. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		inh := cfg.Inheritance

		fmt.Fprintf(w, "=== RESOLVED CONFIGURATION ===\n")

		fmt.Fprintf(w, "\n[Recording]\n")
		fmt.Fprintf(w, "platform: %s %s\n", cfg.Recording.Platform, getInheritanceIndicator(inh.Recording.Platform))
		fmt.Fprintf(w, "backend: %s %s\n", cfg.Recording.Backend, getInheritanceIndicator(inh.Recording.Backend))
		fmt.Fprintf(w, "source: %s %s\n", cfg.Recording.Source, getInheritanceIndicator(inh.Recording.Source))
		fmt.Fprintf(w, "segment_duration: %s %s\n", cfg.SegmentDuration(), getInheritanceIndicator(inh.Recording.SegmentDuration))

		if preset, err := audio.Preset(cfg.Recording.Platform); err == nil {
			fmt.Fprintf(w, "\n[Preset]\n")
			fmt.Fprintf(w, "container: %s (%s)\n", preset.ContainerFormat, preset.Extension)
			fmt.Fprintf(w, "encoder: %s, %d Hz, %d channels, %d bit/s\n",
				preset.Encoder, preset.SampleRate, preset.Channels, preset.BitRate)
		}

		fmt.Fprintf(w, "\n[Output]\n")
		fmt.Fprintf(w, "directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Output.Directory))
		fmt.Fprintf(w, "keep_segments: %t %s\n", cfg.KeepSegments(), getInheritanceIndicator(inh.Output.KeepSegments))

		fmt.Fprintf(w, "\n[Classifier]\n")
		fmt.Fprintf(w, "base_url: %s %s\n", cfg.Classifier.BaseURL, getInheritanceIndicator(inh.Classifier.BaseURL))
		fmt.Fprintf(w, "timeout: %s %s\n", cfg.ClassifierTimeout(), getInheritanceIndicator(inh.Classifier.Timeout))

		fmt.Fprintf(w, "\n[Alerts]\n")
		fmt.Fprintf(w, "honor_stale_verdicts: %t %s\n", cfg.HonorStaleVerdicts(), getInheritanceIndicator(inh.Alerts.HonorStaleVerdicts))

		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}
