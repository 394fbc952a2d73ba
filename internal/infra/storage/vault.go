package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileVault keeps one recording per analysis under its own directory:
//
//	<base>/recording_<id>/recording.<ext>
//
// The directory name carries the id, so every operation resolves by id
// alone without consulting the database.
type FileVault struct {
	base string
}

// NewFileVault picks the base directory once: the primary location when
// it can be created and written, else the fallback. The choice is fixed
// for the vault's lifetime.
func NewFileVault(primary, fallback string) (*FileVault, error) {
	for _, dir := range []string{primary, fallback} {
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if usable(abs) {
			return &FileVault{base: abs}, nil
		}
	}
	return nil, errors.New("no writable vault directory")
}

// usable reports whether the directory can be created and written to.
func usable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	probe.Close()
	os.Remove(probe.Name())
	return true
}

// Base returns the vault's root directory.
func (v *FileVault) Base() string { return v.base }

// Dir returns the record's private directory.
func (v *FileVault) Dir(id int64) string {
	return filepath.Join(v.base, fmt.Sprintf("recording_%d", id))
}

// Store copies src into the record's directory, keeping the source
// file's extension. The source is left in place; the caller owns its
// cleanup.
func (v *FileVault) Store(ctx context.Context, src string, id int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("source recording: %w", err)
	}

	dir := v.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}

	name := "recording"
	if ext := strings.ToLower(filepath.Ext(src)); ext != "" {
		name += ext
	}
	dst := filepath.Join(dir, name)
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// Delete removes the record's directory. Reports false when there was
// nothing to remove, so callers can tell cleanup from a no-op.
func (v *FileVault) Delete(id int64) (bool, error) {
	dir := v.Dir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

// Lookup returns the stored recording's path, or "" when the record has
// no file. The directory holds at most one recording.
func (v *FileVault) Lookup(id int64) (string, error) {
	entries, err := os.ReadDir(v.Dir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), "recording") {
			return filepath.Join(v.Dir(id), e.Name()), nil
		}
	}
	return "", nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy recording: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
