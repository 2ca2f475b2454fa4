package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/psantana5/pianoscribe/pkg/client"
	"github.com/psantana5/pianoscribe/pkg/transport"
)

var (
	// ErrMissingFile is returned by Submit when no file was given
	ErrMissingFile = errors.New("no audio file selected")

	// ErrInvalidFile is returned by Submit for files the service would reject
	ErrInvalidFile = errors.New("invalid audio file")

	// ErrFileTooLarge wraps ErrInvalidFile
	ErrFileTooLarge = fmt.Errorf("%w: file too large", ErrInvalidFile)

	// ErrJobActive is returned by Submit unless the controller is idle
	ErrJobActive = errors.New("a transcription job is already loaded; reset first")

	// ErrArtifactUnavailable refuses an artifact request. It is not a job error.
	ErrArtifactUnavailable = errors.New("artifact not available")
)

const (
	msgNetworkError     = "network error: could not reach the transcription service"
	msgMalformed        = "unexpected response from the transcription service"
	msgTranscribeFailed = "transcription failed"
	msgResultMissing    = "Transcription completed; result details unavailable"
)

// submissionDetail turns an upload failure into the text shown on the job
func submissionDetail(err error) string {
	var apiErr *client.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Detail
	case errors.Is(err, client.ErrMalformedResponse):
		return msgMalformed
	case errors.Is(err, context.DeadlineExceeded):
		return "submission timed out"
	case errors.Is(err, context.Canceled):
		return "submission cancelled"
	default:
		return msgNetworkError
	}
}

// trackingDetail turns a terminal transport error into the job error text
func trackingDetail(err error) string {
	if errors.Is(err, transport.ErrLostConnection) {
		return transport.ErrLostConnection.Error()
	}
	return err.Error()
}
