// Package storage keeps uploads and translated artifacts.
//
// The engine always works on local files: uploads land under DATA_DIR and
// the engine writes into a per-job output directory. A Store may then adopt
// an artifact into durable storage and hand back the reference that is saved
// on the job row.
package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
)

var (
	ErrOutsideRoot = errors.New("path escapes storage root")
	ErrOutsideJob  = errors.New("path is outside the job output directory")
)

type Store interface {
	SaveUpload(ctx context.Context, ownerID, jobID, filename string, r io.Reader) (path string, size int64, err error)
	OutputDir(ownerID, jobID string) (string, error)
	// Adopt only accepts files inside OutputDir(ownerID, jobID).
	Adopt(ctx context.Context, ownerID, jobID, localPath string) (ref string, err error)
	// DiscardOutputs removes files reported for a job that no longer has a row.
	// Paths outside some {owner}/outputs/{jobID}/ are refused.
	DiscardOutputs(ctx context.Context, jobID string, paths ...string) error
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Remove(ctx context.Context, refs ...string) error
	RemoveJob(ctx context.Context, ownerID, jobID string) error
	RemoveUser(ctx context.Context, ownerID string) error
}

func SanitizeFilename(filename string) string {
	clean := filepath.Base(filepath.Clean(filename))
	clean = strings.ReplaceAll(clean, "/", "_")
	clean = strings.ReplaceAll(clean, "\\", "_")
	if clean == "." || clean == ".." || clean == "" {
		return "unnamed.pdf"
	}
	return clean
}
