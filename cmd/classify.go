package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/scamshield/callguard/internal/classify"
	"github.com/scamshield/callguard/internal/session"

	"github.com/spf13/cobra"
)

var classifyCmd = &cobra.Command{
	Use:   "classify [audio-file]",
	Short: "Send one audio file to the classification service",
	Long: `Upload a single recording to the classification service and print the verdict.
Useful to check a service deployment with a known sample.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		callID, _ := cmd.Flags().GetString("call-id")
		if callID == "" {
			var err error
			if callID, err = session.NewCallID(); err != nil {
				return err
			}
		}

		payload, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read audio file: %w", err)
		}

		client, err := newClassifierClient()
		if err != nil {
			return err
		}

		verdict, err := client.Detect(cmd.Context(), callID, payload)
		if err != nil {
			return fmt.Errorf("classification failed: %w", err)
		}

		printVerdict(cmd.OutOrStdout(), callID, verdict)
		return nil
	},
}

func newClassifierClient() (*classify.Client, error) {
	return classify.NewClient(classify.Config{
		BaseURL:   cfg.Classifier.BaseURL,
		Timeout:   cfg.ClassifierTimeout(),
		UserAgent: cfg.Classifier.UserAgent,
	})
}

func printVerdict(w io.Writer, callID string, v *classify.Verdict) {
	fmt.Fprintf(w, "call_id: %s\n", callID)
	fmt.Fprintf(w, "status: %s\n", v.Label)
	if v.ScamProbability != nil {
		fmt.Fprintf(w, "scam_probability: %.2f\n", *v.ScamProbability)
	}
	if v.Transcription != "" {
		fmt.Fprintf(w, "transcription: %s\n", v.Transcription)
	}
	if v.IsScam() {
		fmt.Fprintln(w, "verdict: SCAM")
	} else {
		fmt.Fprintln(w, "verdict: not a scam")
	}
}

func init() {
	classifyCmd.Flags().String("call-id", "", "call id to send (default: random)")
}
