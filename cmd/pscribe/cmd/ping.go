package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the transcription service is reachable",
	Args:  cobra.NoArgs,
	RunE:  runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
}

func runPing(cmd *cobra.Command, args []string) error {
	logger := newLogger("ping")
	defer logger.Close()

	api, err := newClient(logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	start := time.Now()
	info, err := api.Ping(ctx)
	if err != nil {
		return fmt.Errorf("transcription service at %s is unreachable: %w", api.APIURL(), err)
	}
	latency := time.Since(start)

	if done, err := printStructured(info); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Service", orDash(info.Message))
	table.Append("Version", orDash(info.Version))
	table.Append("Status", orDash(info.Status))
	table.Append("Latency", latency.Round(time.Millisecond).String())

	names := make([]string, 0, len(info.Endpoints))
	for name := range info.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		table.Append("Endpoint "+name, info.Endpoints[name])
	}

	return table.Render()
}
