package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/pianoscribe/pkg/models"
)

// printStructured writes v as JSON or YAML and reports whether it did
func printStructured(v interface{}) (bool, error) {
	switch {
	case IsJSONOutput():
		output, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return true, nil
	case IsYAMLOutput():
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		defer encoder.Close()
		return true, encoder.Encode(v)
	default:
		return false, nil
	}
}

func printJob(job models.Job) error {
	if done, err := printStructured(job); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Task ID", orDash(job.ID))
	table.Append("File", orDash(job.SourceFile))
	table.Append("State", string(job.State))
	table.Append("Progress", fmt.Sprintf("%d%%", job.Progress))
	table.Append("Message", orDash(job.StatusMessage))
	if job.ErrorDetail != "" {
		table.Append("Error", job.ErrorDetail)
	}
	if job.Transport != "" {
		table.Append("Transport", job.Transport)
	}
	if r := job.Result; r != nil {
		table.Append("Duration", fmt.Sprintf("%.1fs", r.DurationSeconds))
		table.Append("Notes", fmt.Sprintf("%d", r.TotalNotes))
		table.Append("Frames", fmt.Sprintf("%d", r.TotalFrames))
		table.Append("PDF", boolToYesNo(r.HasPDF))
		table.Append("MIDI", boolToYesNo(r.HasMIDI))
	}
	if job.SubmittedAt != nil && job.FinishedAt != nil {
		table.Append("Elapsed", job.FinishedAt.Sub(*job.SubmittedAt).Round(time.Second).String())
	}

	return table.Render()
}

func printStatus(resp *models.StatusResponse) error {
	if done, err := printStructured(resp); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Task ID", resp.TaskID)
	table.Append("Status", resp.Status)
	progress := "-"
	if resp.Progress != nil {
		progress = fmt.Sprintf("%d%%", models.ClampProgress(*resp.Progress))
	}
	table.Append("Progress", progress)
	table.Append("Message", orDash(resp.Message))
	if resp.Error != nil && *resp.Error != "" {
		table.Append("Error", *resp.Error)
	}
	if status, _ := models.NormalizeTaskStatus(resp.Status); status == models.TaskStatusCompleted {
		table.Append("PDF", boolToYesNo(resp.HasPDF))
		table.Append("MIDI", boolToYesNo(resp.HasMIDI))
	}
	if info := resp.TranscriptionInfo; info != nil {
		table.Append("Duration", fmt.Sprintf("%.1fs", info.DurationSeconds))
		table.Append("Notes", fmt.Sprintf("%d", info.TotalNotes))
		table.Append("Frames", fmt.Sprintf("%d", info.TotalFrames))
	}

	return table.Render()
}

// progressLine prints one line per visible change of a job to w
type progressLine struct {
	w    io.Writer
	last string
}

func (p *progressLine) update(job models.Job) {
	line := fmt.Sprintf("[%-10s] %3d%%", job.State, job.Progress)
	if job.StatusMessage != "" {
		line += "  " + job.StatusMessage
	}
	if job.Transport != "" {
		line += fmt.Sprintf("  (%s)", job.Transport)
	}
	if line == p.last {
		return
	}
	p.last = line
	fmt.Fprintln(p.w, line)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func boolToYesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
