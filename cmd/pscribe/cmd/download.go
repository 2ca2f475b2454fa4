package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/psantana5/pianoscribe/pkg/artifact"
	"github.com/psantana5/pianoscribe/pkg/logging"
	"github.com/psantana5/pianoscribe/pkg/models"
	"github.com/psantana5/pianoscribe/pkg/retry"
)

var (
	downloadKind   string
	downloadOut    string
	downloadOutDir string
)

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download <task-id>",
	Short: "Download the score of a finished transcription",
	Long: `Download the PDF score (default) or the MIDI file of a completed task.
The file is verified before it is written: PDFs must parse and MIDI files must
carry a MIDI header.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().StringVar(&downloadKind, "kind", "pdf", "artifact kind: pdf or midi")
	downloadCmd.Flags().StringVar(&downloadOut, "out", "", "output file (default derived from the recording name)")
	downloadCmd.Flags().StringVar(&downloadOutDir, "out-dir", ".", "output directory when --out is not given")
}

func runDownload(cmd *cobra.Command, args []string) error {
	taskID := args[0]
	kind, ok := models.ParseArtifactKind(downloadKind)
	if !ok {
		return fmt.Errorf("unknown artifact kind %q (want pdf or midi)", downloadKind)
	}

	logger := newLogger("download")
	defer logger.Close()

	api, err := newClient(logger)
	if err != nil {
		return err
	}

	// The history knows the recording name the default file name is built from
	sourceFile := ""
	if store, err := openHistory(); err == nil {
		if rec, err := store.Get(cmd.Context(), taskID); err == nil {
			sourceFile = rec.FileName
		}
		store.Close()
	}

	return saveArtifact(cmd.Context(), logger, kind, downloadOutDir, downloadOut, sourceFile, taskID,
		func(ctx context.Context, w io.Writer) (int64, error) {
			return api.DownloadArtifact(ctx, kind, taskID, w)
		})
}

// saveArtifact downloads one artifact to outPath, or to a name derived from
// the recording inside outDir, and reports what was written.
func saveArtifact(ctx context.Context, logger *logging.Logger, kind models.ArtifactKind, outDir, outPath, sourceFile, taskID string, fetch artifact.FetchFunc) error {
	if outPath == "" {
		outPath = filepath.Join(outDir, artifact.DefaultName(kind, sourceFile, taskID))
	}

	logger.Info("Downloading artifact", logging.Fields{"task_id": taskID, "kind": kind, "path": outPath})
	info, err := artifact.Save(ctx, kind, outPath, fetch, retry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", kind, err)
	}

	if done, err := printStructured(info); done {
		return err
	}
	if info.Pages > 0 {
		fmt.Fprintf(os.Stdout, "Saved %s (%d bytes, %d pages)\n", info.Path, info.Bytes, info.Pages)
	} else {
		fmt.Fprintf(os.Stdout, "Saved %s (%d bytes)\n", info.Path, info.Bytes)
	}
	return nil
}

// parseKinds validates the artifact kinds given to --download
func parseKinds(values []string) ([]models.ArtifactKind, error) {
	kinds := make([]models.ArtifactKind, 0, len(values))
	seen := make(map[models.ArtifactKind]bool)
	for _, v := range values {
		kind, ok := models.ParseArtifactKind(v)
		if !ok || v == "" {
			return nil, fmt.Errorf("unknown artifact kind %q (want pdf or midi)", v)
		}
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}
