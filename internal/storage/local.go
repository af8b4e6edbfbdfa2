package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore lays files out as {root}/{owner}/uploads/{job}_{name} and
// {root}/{owner}/outputs/{job}/.
type LocalStore struct {
	Root string
}

func NewLocal(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &LocalStore{Root: abs}, nil
}

func (s *LocalStore) userDir(ownerID string) string {
	return filepath.Join(s.Root, SanitizeFilename(ownerID))
}

func (s *LocalStore) SaveUpload(ctx context.Context, ownerID, jobID, filename string, r io.Reader) (string, int64, error) {
	dir := filepath.Join(s.userDir(ownerID), "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	dst := filepath.Join(dir, jobID+"_"+SanitizeFilename(filename))

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, r)
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", 0, err
	}
	return dst, n, nil
}

func (s *LocalStore) jobDir(ownerID, jobID string) string {
	return filepath.Join(s.userDir(ownerID), "outputs", SanitizeFilename(jobID))
}

func (s *LocalStore) OutputDir(ownerID, jobID string) (string, error) {
	dir := s.jobDir(ownerID, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Adopt keeps local artifacts in place.
func (s *LocalStore) Adopt(_ context.Context, ownerID, jobID, localPath string) (string, error) {
	return s.artifact(ownerID, jobID, localPath)
}

// artifact resolves an engine output and checks it is a regular file in the
// job's own output directory.
func (s *LocalStore) artifact(ownerID, jobID, localPath string) (string, error) {
	p, err := s.within(localPath)
	if err != nil {
		return "", err
	}
	if filepath.Dir(p) != s.jobDir(ownerID, jobID) {
		return "", fmt.Errorf("%w: %s", ErrOutsideJob, localPath)
	}
	fi, err := os.Lstat(p)
	if err != nil {
		return "", err
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrOutsideJob, localPath)
	}
	return p, nil
}

func (s *LocalStore) DiscardOutputs(_ context.Context, jobID string, paths ...string) error {
	var errs []error
	for _, ref := range paths {
		if ref == "" {
			continue
		}
		p, err := s.within(ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rel, _ := filepath.Rel(s.Root, p)
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) != 4 || parts[1] != "outputs" || parts[2] != SanitizeFilename(jobID) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrOutsideJob, ref))
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *LocalStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	p, err := s.within(ref)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (s *LocalStore) Remove(_ context.Context, refs ...string) error {
	var errs []error
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		p, err := s.within(ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *LocalStore) RemoveJob(_ context.Context, ownerID, jobID string) error {
	return os.RemoveAll(s.jobDir(ownerID, jobID))
}

func (s *LocalStore) RemoveUser(_ context.Context, ownerID string) error {
	return errors.Join(
		os.RemoveAll(s.userDir(ownerID)),
		os.RemoveAll(filepath.Join(s.Root, "config", SanitizeFilename(ownerID))),
	)
}

func (s *LocalStore) within(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(s.Root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return abs, nil
}
