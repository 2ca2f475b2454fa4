package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/psantana5/pianoscribe/pkg/models"
	"github.com/psantana5/pianoscribe/pkg/retry"
)

// ErrUnexpectedContent is returned when a download is not the requested kind
var ErrUnexpectedContent = errors.New("downloaded file has unexpected content")

// Info describes a saved artifact
type Info struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Bytes int64  `json:"bytes"`
	MIME  string `json:"mime"`
	Pages int    `json:"pages,omitempty"` // PDF only
}

// FetchFunc writes one download attempt into w
type FetchFunc func(ctx context.Context, w io.Writer) (int64, error)

// DefaultName is the file name the service itself suggests for a source file
func DefaultName(kind models.ArtifactKind, sourceFile, taskID string) string {
	base := strings.TrimSuffix(sourceFile, filepath.Ext(sourceFile))
	if base == "" {
		base = taskID
	}
	if kind == models.ArtifactMIDI {
		return base + ".mid"
	}
	return base + "_partitura.pdf"
}

// Save downloads into path, retrying transient failures. Each attempt writes a
// fresh temporary file next to path; the result is verified before it
// replaces path.
func Save(ctx context.Context, kind models.ArtifactKind, path string, fetch FetchFunc, cfg retry.Config) (*Info, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var tmpPath string
	var n int64
	err := retry.Do(ctx, cfg, func() error {
		tmp, err := os.CreateTemp(dir, ".pscribe-*")
		if err != nil {
			return fmt.Errorf("failed to create temp file: %w", err)
		}
		tmpPath = tmp.Name()

		n, err = fetch(ctx, tmp)
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(tmpPath)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	info, err := Verify(kind, tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	info.Bytes = n

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to move download into place: %w", err)
	}
	info.Path = path
	return info, nil
}

// Verify checks that the file at path holds the expected kind of artifact.
// PDFs are parsed to count their pages.
func Verify(kind models.ArtifactKind, path string) (*Info, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", path, err)
	}

	info := &Info{Path: path, Kind: string(kind), MIME: mt.String()}
	switch kind {
	case models.ArtifactPDF:
		if !mt.Is("application/pdf") {
			return nil, fmt.Errorf("%w: expected a PDF, got %s", ErrUnexpectedContent, mt.String())
		}
		pages, err := pdfapi.PageCountFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: unreadable PDF: %v", ErrUnexpectedContent, err)
		}
		info.Pages = pages
	case models.ArtifactMIDI:
		if !mt.Is("audio/midi") {
			return nil, fmt.Errorf("%w: expected MIDI, got %s", ErrUnexpectedContent, mt.String())
		}
	}
	return info, nil
}
