package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the classification service is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClassifierClient()
		if err != nil {
			return err
		}
		if err := client.Health(cmd.Context()); err != nil {
			return fmt.Errorf("classifier at %s is unhealthy: %w", client.BaseURL(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "classifier at %s is healthy\n", client.BaseURL())
		return nil
	},
}
