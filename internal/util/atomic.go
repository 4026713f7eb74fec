package util

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// TempPrefix marks in-flight files created by WriteFileAtomic and MoveFile
const TempPrefix = ".tmp-"

// WriteFileAtomic writes data to a temp file in the target directory, syncs it,
// and renames it over path. Readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return writeAtomicFrom(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// WriteReaderAtomic is WriteFileAtomic for streamed content
func WriteReaderAtomic(path string, r io.Reader, perm os.FileMode) (int64, error) {
	var n int64
	err := writeAtomicFrom(path, perm, func(w io.Writer) error {
		var err error
		n, err = io.Copy(w, r)
		return err
	})
	return n, err
}

func writeAtomicFrom(path string, perm os.FileMode, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, TempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename into place: %w", err)
	}

	// Best effort: persist the rename itself
	_ = syncDir(dir)
	return nil
}

// WriteContentAddressed streams r into dir under the name "{sha256}{ext}" and returns
// that name together with the digest and size. An existing file of the same name
// already holds identical bytes and is replaced.
func WriteContentAddressed(dir string, r io.Reader, ext string) (name, hash string, size int64, err error) {
	tmp, err := os.CreateTemp(dir, TempPrefix+"content-*"+ext)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, h), r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, 0o644); err != nil {
		return "", "", 0, fmt.Errorf("failed to set permissions: %w", err)
	}

	hash = hex.EncodeToString(h.Sum(nil))
	name = hash + ext
	if err = os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return "", "", 0, fmt.Errorf("failed to rename into place: %w", err)
	}
	_ = syncDir(dir)
	return name, hash, size, nil
}

// MoveFile renames src to dst. When the two paths are on different devices it
// copies src into a temp file beside dst and renames that, so dst is never partial.
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		_ = syncDir(filepath.Dir(dst))
		return nil
	}
	if !isCrossDevice(err) {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	_, err = WriteReaderAtomic(dst, f, info.Mode().Perm())
	f.Close()
	if err != nil {
		return err
	}
	return os.Remove(src)
}

// IsTempFile reports whether name was produced by the atomic writers
func IsTempFile(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempPrefix)
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return errors.Is(linkErr.Err, syscall.EXDEV)
	}
	return errors.Is(err, syscall.EXDEV)
}

// syncDir fsyncs a directory so a completed rename survives a crash
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
