package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yuanying/epubkit/internal/config"
	"github.com/yuanying/epubkit/internal/storage"
)

const s3Scheme = "s3://"

var errS3NotConfigured = errors.New("s3 storage is not configured (set storage.type: s3)")

func isS3Path(p string) bool {
	return strings.HasPrefix(p, s3Scheme)
}

// pathExt is path.Ext for slash paths and s3 keys.
func pathExt(p string) string {
	return path.Ext(baseName(p))
}

func baseName(p string) string {
	if isS3Path(p) {
		return path.Base(strings.TrimPrefix(p, s3Scheme))
	}
	return filepath.Base(p)
}

func joinLocation(dir, name string) string {
	if isS3Path(dir) {
		return strings.TrimSuffix(dir, "/") + "/" + name
	}
	return filepath.Join(dir, name)
}

// locations resolves input and output paths to storage.
type locations struct {
	cfg config.StorageConfig

	mu     sync.Mutex
	client storage.S3API
}

func newLocations(cfg config.StorageConfig) *locations {
	return &locations{cfg: cfg}
}

func (l *locations) s3Client(ctx context.Context) (storage.S3API, error) {
	if l.cfg.Type != "s3" {
		return nil, errS3NotConfigured
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		client, err := storage.NewS3Client(ctx, l.cfg.S3.Options())
		if err != nil {
			return nil, err
		}
		l.client = client
	}
	return l.client, nil
}

// s3Root resolves s3://bucket/key to the bucket root and the key parts.
// An empty bucket (s3:///key) means the configured bucket and prefix.
func (l *locations) s3Root(ctx context.Context, p string) (storage.Directory, []string, error) {
	client, err := l.s3Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	bucket, key, _ := strings.Cut(strings.TrimPrefix(p, s3Scheme), "/")
	prefix := ""
	if bucket == "" {
		bucket, prefix = l.cfg.S3.Bucket, l.cfg.S3.Prefix
	}
	return storage.NewS3(client, bucket, prefix), storage.Split(key), nil
}

func (l *locations) s3File(ctx context.Context, p string) (storage.File, error) {
	root, parts, err := l.s3Root(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("invalid s3 location %q", p)
	}
	return storage.FileAt(root, parts...), nil
}

func (l *locations) s3Dir(ctx context.Context, p string) (storage.Directory, error) {
	root, parts, err := l.s3Root(ctx, p)
	if err != nil {
		return nil, err
	}
	return storage.DirAt(root, parts...), nil
}

// openContainer opens an EPUB archive or an extracted EPUB directory.
// release closes the archive.
func (l *locations) openContainer(ctx context.Context, p string) (root storage.Directory, release func() error, err error) {
	if isS3Path(p) {
		f, err := l.s3File(ctx, p)
		if err != nil {
			return nil, nil, err
		}
		data, err := storage.ReadAll(ctx, f)
		if err != nil {
			return nil, nil, err
		}
		zr, err := storage.OpenZip(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, nil, err
		}
		return zr.Root(), zr.Close, nil
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return storage.OS(p), func() error { return nil }, nil
	}
	zr, err := storage.OpenZipFile(p)
	if err != nil {
		return nil, nil, err
	}
	return zr.Root(), zr.Close, nil
}

// openDir opens a source directory.
func (l *locations) openDir(ctx context.Context, p string) (storage.Directory, error) {
	if isS3Path(p) {
		return l.s3Dir(ctx, p)
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", p)
	}
	return storage.OS(p), nil
}

// openFile opens a single file such as a cover image.
func (l *locations) openFile(ctx context.Context, p string) (storage.File, error) {
	if isS3Path(p) {
		return l.s3File(ctx, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, err
	}
	return storage.OS(filepath.Dir(abs)).File(filepath.Base(abs)), nil
}

// create opens an output file for writing, creating parent directories.
func (l *locations) create(ctx context.Context, p string) (io.WriteCloser, error) {
	if isS3Path(p) {
		f, err := l.s3File(ctx, p)
		if err != nil {
			return nil, err
		}
		return f.Create(ctx)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return os.Create(p)
}

// outputDir resolves a directory output.
func (l *locations) outputDir(ctx context.Context, p string) (storage.Directory, error) {
	if isS3Path(p) {
		return l.s3Dir(ctx, p)
	}
	return storage.OS(p), nil
}

// writeTo streams the output produced by write into p. A failed write
// removes a partial local file and skips the S3 upload, which only happens
// on Close.
func (l *locations) writeTo(ctx context.Context, p string, write func(w io.Writer) error) error {
	out, err := l.create(ctx, p)
	if err != nil {
		return err
	}
	if err := write(out); err != nil {
		if !isS3Path(p) {
			out.Close()
			os.Remove(p)
		}
		return err
	}
	return out.Close()
}
