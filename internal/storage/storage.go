// Package storage is the hierarchical file store the EPUB engine reads from
// and writes to. A store is addressed through Directory and File nodes that
// all hang off one root; the same interfaces front an afero filesystem, a
// zip archive being read, a zip archive being written and an S3 bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
)

var (
	ErrNotExist = fs.ErrNotExist
	ErrExist    = fs.ErrExist
	ErrReadOnly = errors.New("storage: store is read-only")
)

// Directory is a directory node. Nodes are cheap handles: creating one does
// not touch the store.
type Directory interface {
	// Name is the last path segment, empty for the root.
	Name() string
	// Path is the segment list from the root, empty for the root.
	Path() []string
	// Parent returns nil for the root.
	Parent() Directory
	Dir(name string) Directory
	File(name string) File
	// Files lists the immediate regular files, ordered by name.
	Files(ctx context.Context) ([]File, error)
	// Dirs lists the immediate subdirectories, ordered by name.
	Dirs(ctx context.Context) ([]Directory, error)
	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context) error
	Delete(ctx context.Context) error
}

// File is a regular file node.
type File interface {
	Name() string
	Path() []string
	Parent() Directory
	Open(ctx context.Context) (io.ReadCloser, error)
	// Create truncates or creates the file. The content is committed when the
	// returned writer is closed.
	Create(ctx context.Context) (io.WriteCloser, error)
	Exists(ctx context.Context) (bool, error)
	Delete(ctx context.Context) error
}

// backend is the slash-path addressed store behind the generic nodes. Paths
// are relative to the root and never start with a slash; the root is "".
type backend interface {
	open(ctx context.Context, p string) (io.ReadCloser, error)
	create(ctx context.Context, p string) (io.WriteCloser, error)
	list(ctx context.Context, p string) (files, dirs []string, err error)
	stat(ctx context.Context, p string) (isFile, isDir bool, err error)
	mkdir(ctx context.Context, p string) error
	remove(ctx context.Context, p string, dir bool) error
}

type dirNode struct {
	b     backend
	parts []string
}

type fileNode struct {
	b     backend
	parts []string
}

func newRoot(b backend) Directory {
	return &dirNode{b: b}
}

func child(parts []string, name string) []string {
	out := make([]string, len(parts), len(parts)+1)
	copy(out, parts)
	return append(out, name)
}

func (d *dirNode) Name() string {
	if len(d.parts) == 0 {
		return ""
	}
	return d.parts[len(d.parts)-1]
}

func (d *dirNode) Path() []string { return append([]string(nil), d.parts...) }

func (d *dirNode) Parent() Directory {
	if len(d.parts) == 0 {
		return nil
	}
	return &dirNode{b: d.b, parts: d.parts[:len(d.parts)-1]}
}

func (d *dirNode) Dir(name string) Directory {
	return &dirNode{b: d.b, parts: child(d.parts, name)}
}

func (d *dirNode) File(name string) File {
	return &fileNode{b: d.b, parts: child(d.parts, name)}
}

func (d *dirNode) Files(ctx context.Context) ([]File, error) {
	files, _, err := d.b.list(ctx, Join(d.parts))
	if err != nil {
		return nil, err
	}
	out := make([]File, 0, len(files))
	for _, name := range files {
		out = append(out, d.File(name))
	}
	return out, nil
}

func (d *dirNode) Dirs(ctx context.Context) ([]Directory, error) {
	_, dirs, err := d.b.list(ctx, Join(d.parts))
	if err != nil {
		return nil, err
	}
	out := make([]Directory, 0, len(dirs))
	for _, name := range dirs {
		out = append(out, d.Dir(name))
	}
	return out, nil
}

func (d *dirNode) Exists(ctx context.Context) (bool, error) {
	if len(d.parts) == 0 {
		return true, nil
	}
	_, isDir, err := d.b.stat(ctx, Join(d.parts))
	return isDir, err
}

func (d *dirNode) Create(ctx context.Context) error {
	if len(d.parts) == 0 {
		return nil
	}
	return d.b.mkdir(ctx, Join(d.parts))
}

func (d *dirNode) Delete(ctx context.Context) error {
	return d.b.remove(ctx, Join(d.parts), true)
}

func (f *fileNode) Name() string   { return f.parts[len(f.parts)-1] }
func (f *fileNode) Path() []string { return append([]string(nil), f.parts...) }

func (f *fileNode) Parent() Directory {
	return &dirNode{b: f.b, parts: f.parts[:len(f.parts)-1]}
}

func (f *fileNode) Open(ctx context.Context) (io.ReadCloser, error) {
	return f.b.open(ctx, Join(f.parts))
}

func (f *fileNode) Create(ctx context.Context) (io.WriteCloser, error) {
	return f.b.create(ctx, Join(f.parts))
}

func (f *fileNode) Exists(ctx context.Context) (bool, error) {
	isFile, _, err := f.b.stat(ctx, Join(f.parts))
	return isFile, err
}

func (f *fileNode) Delete(ctx context.Context) error {
	return f.b.remove(ctx, Join(f.parts), false)
}

// Join renders a segment list as a slash-separated relative path.
func Join(parts []string) string {
	return strings.Join(parts, "/")
}

// Split is the inverse of Join. Empty and "." segments are dropped.
func Split(p string) []string {
	var parts []string
	for _, s := range strings.Split(p, "/") {
		if s == "" || s == "." {
			continue
		}
		parts = append(parts, s)
	}
	return parts
}

// DirAt walks down from d through parts without touching the store.
func DirAt(d Directory, parts ...string) Directory {
	for _, p := range parts {
		d = d.Dir(p)
	}
	return d
}

// FileAt returns the file at the end of parts below d.
func FileAt(d Directory, parts ...string) File {
	if len(parts) == 0 {
		panic("storage: FileAt needs at least one segment")
	}
	return DirAt(d, parts[:len(parts)-1]...).File(parts[len(parts)-1])
}

// Ext returns the extension of a file name including the dot.
func Ext(name string) string {
	return path.Ext(name)
}

// Stem returns the file name without its extension.
func Stem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

// Copy streams src into dst.
func Copy(ctx context.Context, src, dst File) error {
	r, err := src.Open(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	return CopyFrom(ctx, r, dst)
}

// CopyFrom streams r into dst.
func CopyFrom(ctx context.Context, r io.Reader, dst File) error {
	w, err := dst.Create(ctx)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// ReadAll reads the whole file.
func ReadAll(ctx context.Context, f File) ([]byte, error) {
	r, err := f.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// WriteBytes replaces the content of f with data.
func WriteBytes(ctx context.Context, f File, data []byte) error {
	return CopyFrom(ctx, bytes.NewReader(data), f)
}

// IsEmpty reports whether d has neither files nor subdirectories. A missing
// directory counts as empty.
func IsEmpty(ctx context.Context, d Directory) (bool, error) {
	ok, err := d.Exists(ctx)
	if err != nil || !ok {
		return true, err
	}
	files, err := d.Files(ctx)
	if err != nil {
		return false, err
	}
	dirs, err := d.Dirs(ctx)
	if err != nil {
		return false, err
	}
	return len(files) == 0 && len(dirs) == 0, nil
}

func notExist(op, p string) error {
	return &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
}

func readOnly(op, p string) error {
	return fmt.Errorf("%s %s: %w", op, p, ErrReadOnly)
}
