package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/pianoscribe/pkg/history"
	"github.com/psantana5/pianoscribe/pkg/logging"
	"github.com/psantana5/pianoscribe/pkg/models"
	"github.com/psantana5/pianoscribe/pkg/tracker"
)

var (
	transcribeNoFollow  bool
	transcribePollOnly  bool
	transcribeDownloads []string
	transcribeOutDir    string
)

// transcribeCmd represents the transcribe command
var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file.wav>",
	Short: "Transcribe a WAV recording",
	Long: `Upload a WAV recording, follow the transcription until it completes or
fails, and optionally download the resulting PDF score and MIDI file.

Progress is received over the service's event stream; if the stream cannot be
used the command falls back to polling the status endpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: runTranscribe,
}

func init() {
	rootCmd.AddCommand(transcribeCmd)

	transcribeCmd.Flags().BoolVar(&transcribeNoFollow, "no-follow", false, "return as soon as the service accepted the file")
	transcribeCmd.Flags().BoolVar(&transcribePollOnly, "poll-only", false, "track progress by polling instead of the event stream")
	transcribeCmd.Flags().StringSliceVar(&transcribeDownloads, "download", nil, "artifacts to save after completion: pdf, midi")
	transcribeCmd.Flags().StringVar(&transcribeOutDir, "out-dir", ".", "directory for downloaded artifacts")
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	kinds, err := parseKinds(transcribeDownloads)
	if err != nil {
		return err
	}

	logger := newLogger("transcribe")
	defer logger.Close()

	provider, err := initTracing(logger)
	if err != nil {
		return err
	}
	defer provider.Shutdown(context.Background())

	api, err := newClient(logger)
	if err != nil {
		return err
	}

	cfg, err := trackerConfig()
	if err != nil {
		return err
	}
	if transcribePollOnly {
		cfg.Mode = tracker.ModePoll
	}

	store, err := openHistory()
	if err != nil {
		logger.Warn("Job history disabled", logging.Fields{"error": err})
		store = history.NewMemoryStore()
	}
	defer store.Close()

	src, err := tracker.FileSource(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	saved := make(chan struct{})
	ctrl := tracker.New(api, cfg, logger, tracker.WithFinishHook(func(job models.Job) {
		defer close(saved)
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Save(saveCtx, history.FromJob(job)); err != nil {
			logger.Warn("Failed to record job", logging.Fields{"task_id": job.ID, "error": err})
		}
	}))
	defer ctrl.Reset()

	progress := &progressLine{w: os.Stderr}
	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	go func() {
		for job := range updates {
			progress.update(job)
		}
	}()

	if err := ctrl.Submit(ctx, src); err != nil {
		return err
	}

	job := ctrl.View()
	if transcribeNoFollow && job.State == models.JobStateTracking {
		if err := printJob(job); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "\nFollow the task with: pscribe status %s --follow\n", job.ID)
		return nil
	}

	job, err = ctrl.Wait(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nInterrupted; task %s keeps running on the service\n", orDash(job.ID))
		return err
	}

	// Make sure the history row is written before the process exits
	select {
	case <-saved:
	case <-time.After(5 * time.Second):
	}

	if err := printJob(job); err != nil {
		return err
	}

	if job.State == models.JobStateFailed {
		return fmt.Errorf("transcription failed: %s", job.ErrorDetail)
	}

	for _, kind := range kinds {
		if !job.ArtifactAvailable(kind) {
			fmt.Fprintf(os.Stderr, "No %s was produced for this transcription\n", kind)
			continue
		}
		kind := kind
		err := saveArtifact(ctx, logger, kind, transcribeOutDir, "", job.SourceFile, job.ID,
			func(ctx context.Context, w io.Writer) (int64, error) {
				return ctrl.DownloadArtifact(ctx, kind, w)
			})
		if err != nil {
			return err
		}
	}

	return nil
}
