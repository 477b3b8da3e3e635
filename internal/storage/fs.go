package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

type fsBackend struct {
	fs   afero.Fs
	root string
}

// NewFS roots a store at dir inside an afero filesystem.
func NewFS(afs afero.Fs, dir string) Directory {
	return newRoot(&fsBackend{fs: afs, root: dir})
}

// OS roots a store at a directory of the local filesystem.
func OS(dir string) Directory {
	return NewFS(afero.NewOsFs(), dir)
}

// Memory returns an empty in-memory store.
func Memory() Directory {
	return NewFS(afero.NewMemMapFs(), "/")
}

func (b *fsBackend) abs(p string) string {
	if p == "" {
		return b.root
	}
	return filepath.Join(b.root, filepath.FromSlash(p))
}

func (b *fsBackend) open(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.fs.Open(b.abs(p))
}

func (b *fsBackend) create(ctx context.Context, p string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := b.abs(p)
	if err := b.fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}
	return b.fs.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

func (b *fsBackend) list(ctx context.Context, p string) ([]string, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	infos, err := afero.ReadDir(b.fs, b.abs(p))
	if err != nil {
		return nil, nil, err
	}
	var files, dirs []string
	for _, fi := range infos {
		if fi.IsDir() {
			dirs = append(dirs, fi.Name())
		} else if fi.Mode().IsRegular() {
			files = append(files, fi.Name())
		}
	}
	sort.Strings(files)
	sort.Strings(dirs)
	return files, dirs, nil
}

func (b *fsBackend) stat(ctx context.Context, p string) (bool, bool, error) {
	if err := ctx.Err(); err != nil {
		return false, false, err
	}
	fi, err := b.fs.Stat(b.abs(p))
	if errors.Is(err, fs.ErrNotExist) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return fi.Mode().IsRegular(), fi.IsDir(), nil
}

func (b *fsBackend) mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.fs.MkdirAll(b.abs(p), 0o755)
}

func (b *fsBackend) remove(ctx context.Context, p string, dir bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir {
		return b.fs.RemoveAll(b.abs(p))
	}
	return b.fs.Remove(b.abs(p))
}
