package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/pianoscribe/pkg/history"
)

var (
	historyLimit  int
	historyExport string
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past transcriptions",
	Long: `List transcriptions that reached a final state, newest first. Use --export
to write the list to an Excel workbook.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of entries (0 for all)")
	historyCmd.Flags().StringVar(&historyExport, "export", "", "write the entries to this .xlsx file")
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(cmd.Context(), historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}

	if historyExport != "" {
		f, err := os.Create(historyExport)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", historyExport, err)
		}
		if err := history.ExportXLSX(f, records); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d transcriptions to %s\n", len(records), historyExport)
		return nil
	}

	if done, err := printStructured(records); done {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No transcriptions recorded yet")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Task ID", "File", "State", "Notes", "PDF", "MIDI", "Finished")
	for _, r := range records {
		table.Append(
			orDash(r.TaskID),
			r.FileName,
			string(r.State),
			fmt.Sprintf("%d", r.TotalNotes),
			boolToYesNo(r.HasPDF),
			boolToYesNo(r.HasMIDI),
			r.FinishedAt.Local().Format(time.DateTime),
		)
	}
	return table.Render()
}
