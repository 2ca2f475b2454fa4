package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/psantana5/pianoscribe/pkg/client"
	"github.com/psantana5/pianoscribe/pkg/logging"
	"github.com/psantana5/pianoscribe/pkg/models"
	"github.com/psantana5/pianoscribe/pkg/tracker"
	"github.com/psantana5/pianoscribe/pkg/transport"
)

var statusFollow bool

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Get the status of a transcription task",
	Long: `Retrieve the status of a task by its ID. With --follow, progress is
printed until the task completes or fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusFollow, "follow", false, "follow progress until the task finishes")
}

func runStatus(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	logger := newLogger("status")
	defer logger.Close()

	api, err := newClient(logger)
	if err != nil {
		return err
	}

	if !statusFollow {
		resp, err := api.Status(cmd.Context(), taskID)
		if err != nil {
			if errors.Is(err, client.ErrTaskNotFound) {
				return fmt.Errorf("task %s not found", taskID)
			}
			return err
		}
		return printStatus(resp)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := followTask(ctx, api, taskID, logger); err != nil {
		return err
	}

	// One last request for the full summary
	resp, err := api.Status(ctx, taskID)
	if err != nil {
		return err
	}
	if err := printStatus(resp); err != nil {
		return err
	}
	if status, _ := models.NormalizeTaskStatus(resp.Status); status == models.TaskStatusFailed {
		return fmt.Errorf("transcription failed")
	}
	return nil
}

// followTask prints progress of a task someone else submitted until it
// reaches a terminal status. It prefers the event stream and falls back to
// polling the same way the job controller does.
func followTask(ctx context.Context, api *client.Client, taskID string, logger *logging.Logger) error {
	cfg, err := trackerConfig()
	if err != nil {
		return err
	}

	type event struct {
		update models.StatusUpdate
		err    error
		from   string
	}
	events := make(chan event, 16)
	send := func(e event) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	}

	start := func(s transport.Strategy) error {
		return s.Start(taskID,
			func(u models.StatusUpdate) { send(event{update: u, from: s.Name()}) },
			func(err error) { send(event{err: err, from: s.Name()}) },
		)
	}

	var current transport.Strategy
	if cfg.Mode == tracker.ModePoll {
		current = transport.NewPoll(api, cfg.PollInterval, cfg.MaxPollFailures, logger)
	} else {
		current = transport.NewPush(api, cfg.ConnectTimeout, logger)
	}
	if err := start(current); err != nil {
		return err
	}
	defer func() { current.Stop() }()

	progress := &progressLine{w: os.Stderr}
	job := models.Job{ID: taskID, State: models.JobStateTracking, Transport: current.Name()}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-events:
			if e.from != current.Name() {
				continue
			}
			if e.err != nil {
				if current.Name() == transport.NamePoll {
					return e.err
				}
				logger.Warn("Progress stream unavailable, falling back to polling", logging.Fields{"error": e.err})
				current.Stop()
				current = transport.NewPoll(api, cfg.PollInterval, cfg.MaxPollFailures, logger)
				job.Transport = current.Name()
				if err := start(current); err != nil {
					return err
				}
				continue
			}

			if p := e.update.Progress; p != nil {
				if v := models.ClampProgress(*p); v > job.Progress {
					job.Progress = v
				}
			}
			if e.update.Message != "" {
				job.StatusMessage = e.update.Message
			}
			if e.update.Status.IsTerminal() {
				if e.update.Status == models.TaskStatusCompleted {
					job.State, job.Progress = models.JobStateCompleted, 100
				} else {
					job.State = models.JobStateFailed
				}
				progress.update(job)
				return nil
			}
			progress.update(job)
		}
	}
}
