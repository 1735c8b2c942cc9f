package cmd

import (
	"fmt"
	"runtime"

	"github.com/scamshield/callguard/internal/audio"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio capture sources",
	Long:  `List the capture sources PulseAudio (or PipeWire's pulse server) exposes. Use one of the names as recording.source.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := audio.ListSourceDetails(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list sources: %w", err)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Audio Sources (%s, backends: %v)\n\n", runtime.GOOS, audio.GetAvailableBackends())
		fmt.Fprintf(w, "CAPTURE SOURCES (%d found):\n", len(sources))
		for i, src := range sources {
			kind := "input"
			if src.IsMonitor() {
				kind = "monitor"
			}
			fmt.Fprintf(w, "  %d. %s [%s, %s]\n", i+1, src.Name, kind, src.State)
		}
		if cfg != nil {
			fmt.Fprintf(w, "\nConfigured source: %s\n", cfg.Recording.Source)
		}
		return nil
	},
}
