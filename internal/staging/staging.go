// Package staging manages the per-request directories that uploads are
// unpacked into before conversion.
package staging

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrNoInput is returned when nothing usable was staged.
	ErrNoInput = errors.New("no input files")

	// ErrUnsafePath is returned for names that would escape the workspace.
	ErrUnsafePath = errors.New("unsafe path in upload")

	// ErrTooLarge is returned when archives expand beyond the size cap.
	ErrTooLarge = errors.New("archive contents exceed the size limit")
)

// Workspace is one request's private directory tree:
//
//	<root>/<id>/input   staged files
//	<root>/<id>/output  conversion artifacts
type Workspace struct {
	ID string

	dir string
	// MaxExtractBytes caps the total size unpacked from archives; 0 means
	// no cap.
	MaxExtractBytes int64

	mu        sync.Mutex
	extracted int64
	cleaned   bool
}

// NewWorkspace creates a fresh workspace under root.
func NewWorkspace(root string) (*Workspace, error) {
	id := uuid.NewString()
	dir := filepath.Join(root, id)
	for _, sub := range []string{"input", "output"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			os.RemoveAll(dir)
			return nil, errors.Wrap(err, "create workspace")
		}
	}
	return &Workspace{ID: id, dir: dir}, nil
}

// Dir returns the workspace root.
func (w *Workspace) Dir() string { return w.dir }

// InputDir is where staged files live.
func (w *Workspace) InputDir() string { return filepath.Join(w.dir, "input") }

// OutputPath returns a path for an artifact named by the base of name.
func (w *Workspace) OutputPath(name string) string {
	return filepath.Join(w.dir, "output", filepath.Base(name))
}

// cleanName reduces an upload name to a safe base name.
func cleanName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.FromSlash(name))
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		return "", errors.Wrapf(ErrUnsafePath, "%q", name)
	}
	return base, nil
}

// SaveUpload stores r as a file in the input directory. Only the base of
// name is used. An existing file of the same name is not overwritten; the
// new one gets a numbered suffix.
func (w *Workspace) SaveUpload(name string, r io.Reader) (string, error) {
	base, err := cleanName(name)
	if err != nil {
		return "", err
	}
	path := w.uniquePath(base)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", errors.Wrap(err, "create upload file")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", errors.Wrapf(err, "store upload %s", base)
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrapf(err, "store upload %s", base)
	}
	return path, nil
}

func (w *Workspace) uniquePath(base string) string {
	path := filepath.Join(w.InputDir(), base)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; ; i++ {
		if _, err := os.Lstat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(w.InputDir(), stem+"-"+strconv.Itoa(i)+ext)
	}
}

// ExtractArchives expands every .zip file in the input directory into a
// directory next to it, then deletes the archive.
func (w *Workspace) ExtractArchives() error {
	entries, err := os.ReadDir(w.InputDir())
	if err != nil {
		return errors.Wrap(err, "list staged files")
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			continue
		}
		archive := filepath.Join(w.InputDir(), e.Name())
		dest := strings.TrimSuffix(archive, filepath.Ext(archive))
		if err := w.extractZip(archive, dest); err != nil {
			return errors.Wrapf(err, "extract %s", e.Name())
		}
		if err := os.Remove(archive); err != nil {
			return errors.Wrapf(err, "remove %s", e.Name())
		}
	}
	return nil
}

func (w *Workspace) extractZip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return errors.Wrapf(ErrUnsafePath, "%q", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		if err := w.extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	var src io.Reader = rc
	remaining := int64(-1)
	if w.MaxExtractBytes > 0 {
		w.mu.Lock()
		remaining = w.MaxExtractBytes - w.extracted
		w.mu.Unlock()
		// one extra byte tells an exact fit from an overflow
		src = io.LimitReader(rc, remaining+1)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if remaining >= 0 && n > remaining {
		return errors.Wrapf(ErrTooLarge, "limit %d bytes", w.MaxExtractBytes)
	}
	w.mu.Lock()
	w.extracted += n
	w.mu.Unlock()
	return nil
}

// HasInput reports whether at least one regular file is staged.
func (w *Workspace) HasInput() bool {
	found := false
	// unreadable entries count as absent
	_ = filepath.WalkDir(w.InputDir(), func(path string, d os.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// Prepare extracts archives and fails with ErrNoInput when no file remains.
func (w *Workspace) Prepare() error {
	if err := w.ExtractArchives(); err != nil {
		return err
	}
	if !w.HasInput() {
		return ErrNoInput
	}
	return nil
}

// StageFile copies a local directory or .zip archive into the workspace.
func (w *Workspace) StageFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "stage input")
	}
	if !info.IsDir() {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrap(err, "stage input")
		}
		defer f.Close()
		_, err = w.SaveUpload(filepath.Base(path), f)
		return err
	}

	dest := filepath.Join(w.InputDir(), filepath.Base(filepath.Clean(path)))
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(p, target)
	})
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
		return err
	}
	return out.Close()
}

// Cleanup removes the workspace. It is safe to call more than once.
func (w *Workspace) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cleaned {
		return nil
	}
	w.cleaned = true
	return os.RemoveAll(w.dir)
}
