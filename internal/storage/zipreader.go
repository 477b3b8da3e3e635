package storage

import (
	"archive/zip"
	"context"
	"io"
	"path"
	"sort"
	"strings"
)

// ZipReader exposes a zip archive as a read-only store. Directories implied
// by entry names are listed even when the archive has no entry for them.
type ZipReader struct {
	files    map[string]*zip.File
	children map[string]*zipListing
	closer   io.Closer
}

type zipListing struct {
	files []string
	dirs  []string
}

// OpenZip indexes the archive held by r.
func OpenZip(r io.ReaderAt, size int64) (*ZipReader, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, err
	}
	return indexZip(zr.File, nil), nil
}

// OpenZipFile opens and indexes an archive on the local filesystem.
func OpenZipFile(name string) (*ZipReader, error) {
	zr, err := zip.OpenReader(name)
	if err != nil {
		return nil, err
	}
	return indexZip(zr.File, zr), nil
}

func indexZip(entries []*zip.File, closer io.Closer) *ZipReader {
	z := &ZipReader{
		files:    make(map[string]*zip.File),
		children: map[string]*zipListing{"": {}},
		closer:   closer,
	}
	for _, f := range entries {
		name := strings.TrimPrefix(f.Name, "./")
		if strings.HasSuffix(name, "/") {
			z.addDir(strings.TrimSuffix(name, "/"))
			continue
		}
		if name == "" {
			continue
		}
		if _, dup := z.files[name]; dup {
			continue
		}
		z.files[name] = f
		dir, base := path.Split(name)
		dir = strings.TrimSuffix(dir, "/")
		z.addDir(dir)
		z.children[dir].files = append(z.children[dir].files, base)
	}
	for _, l := range z.children {
		sort.Strings(l.files)
		sort.Strings(l.dirs)
	}
	return z
}

func (z *ZipReader) addDir(dir string) {
	if _, ok := z.children[dir]; ok {
		return
	}
	z.children[dir] = &zipListing{}
	if dir == "" {
		return
	}
	parent, base := path.Split(dir)
	parent = strings.TrimSuffix(parent, "/")
	z.addDir(parent)
	z.children[parent].dirs = append(z.children[parent].dirs, base)
}

// Root returns the top of the archive tree.
func (z *ZipReader) Root() Directory {
	return newRoot(z)
}

// Entry returns the raw zip entry stored under p.
func (z *ZipReader) Entry(p string) (*zip.File, bool) {
	f, ok := z.files[p]
	return f, ok
}

// Close releases the underlying file when the reader was opened by name.
func (z *ZipReader) Close() error {
	if z.closer == nil {
		return nil
	}
	return z.closer.Close()
}

func (z *ZipReader) open(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, ok := z.files[p]
	if !ok {
		return nil, notExist("open", p)
	}
	return f.Open()
}

func (z *ZipReader) create(_ context.Context, p string) (io.WriteCloser, error) {
	return nil, readOnly("create", p)
}

func (z *ZipReader) list(ctx context.Context, p string) ([]string, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	l, ok := z.children[p]
	if !ok {
		return nil, nil, notExist("list", p)
	}
	return append([]string(nil), l.files...), append([]string(nil), l.dirs...), nil
}

func (z *ZipReader) stat(ctx context.Context, p string) (bool, bool, error) {
	if err := ctx.Err(); err != nil {
		return false, false, err
	}
	_, isFile := z.files[p]
	_, isDir := z.children[p]
	return isFile, isDir, nil
}

func (z *ZipReader) mkdir(_ context.Context, p string) error {
	return readOnly("mkdir", p)
}

func (z *ZipReader) remove(_ context.Context, p string, _ bool) error {
	return readOnly("remove", p)
}
