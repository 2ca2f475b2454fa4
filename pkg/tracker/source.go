package tracker

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Source is the audio file handed to Submit
type Source struct {
	Name string
	Size int64 // -1 when unknown
	Open func() (io.ReadCloser, error)
}

// FileSource describes a file on disk
func FileSource(path string) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingFile, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidFile, path)
	}

	return &Source{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// BytesSource wraps an in-memory upload
func BytesSource(name string, data []byte) *Source {
	return &Source{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}
