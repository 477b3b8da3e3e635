package storage

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Compression selects how zip entries are compressed.
type Compression int

const (
	NoCompression Compression = iota
	Fastest
	Optimal
	SmallestSize
)

var compressionNames = map[Compression]string{
	NoCompression: "none",
	Fastest:       "fastest",
	Optimal:       "optimal",
	SmallestSize:  "smallest",
}

func (c Compression) String() string {
	if s, ok := compressionNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Compression(%d)", int(c))
}

// ParseCompression accepts the names printed by Compression.String.
func ParseCompression(s string) (Compression, error) {
	for c, name := range compressionNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown compression %q (want none, fastest, optimal or smallest)", s)
}

func (c Compression) flateLevel() int {
	switch c {
	case Fastest:
		return flate.BestSpeed
	case SmallestSize:
		return flate.BestCompression
	default:
		return flate.DefaultCompression
	}
}

// Range of timestamps representable as MS-DOS date and time.
var (
	MinZipTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxZipTime = time.Date(2107, 12, 31, 23, 59, 58, 0, time.UTC)
)

// ClampZipTime forces t into the zip timestamp range. The zero time maps to
// MinZipTime.
func ClampZipTime(t time.Time) time.Time {
	t = t.UTC()
	if t.Before(MinZipTime) {
		return MinZipTime
	}
	if t.After(MaxZipTime) {
		return MaxZipTime
	}
	return t
}

func msDosTime(t time.Time) (date, clock uint16) {
	t = ClampZipTime(t)
	date = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	clock = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return date, clock
}

// ZipOptions configures a ZipWriter.
type ZipOptions struct {
	// Modified is stamped on every entry after clamping.
	Modified    time.Time
	Compression Compression
	// Stored names entries that are always written uncompressed.
	Stored []string
}

// ZipWriter is an append-only store writing a zip archive. Entries are
// emitted in creation order; each writer returned by File.Create must be
// closed before the next file is created.
type ZipWriter struct {
	zw       *zip.Writer
	opts     ZipOptions
	date     uint16
	clock    uint16
	stored   map[string]bool
	files    map[string]bool
	children map[string]*zipListing
	explicit map[string]bool
	pending  bool
}

// NewZipWriter starts an archive on w.
func NewZipWriter(w io.Writer, opts ZipOptions) *ZipWriter {
	zw := zip.NewWriter(w)
	level := opts.Compression.flateLevel()
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	z := &ZipWriter{
		zw:       zw,
		opts:     opts,
		stored:   make(map[string]bool),
		files:    make(map[string]bool),
		children: map[string]*zipListing{"": {}},
		explicit: make(map[string]bool),
	}
	z.date, z.clock = msDosTime(opts.Modified)
	for _, name := range opts.Stored {
		z.stored[name] = true
	}
	return z
}

// Root returns the top of the archive tree.
func (z *ZipWriter) Root() Directory {
	return newRoot(z)
}

// Close writes the central directory.
func (z *ZipWriter) Close() error {
	return z.zw.Close()
}

func (z *ZipWriter) header(name string, method uint16) *zip.FileHeader {
	fh := &zip.FileHeader{
		Name:         name,
		Method:       method,
		ModifiedDate: z.date,
		ModifiedTime: z.clock,
	}
	if !isASCII(name) {
		fh.Flags |= 0x800
	}
	return fh
}

func (z *ZipWriter) create(ctx context.Context, p string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if z.pending {
		return nil, fmt.Errorf("create %s: previous entry still open", p)
	}
	if z.files[p] {
		return nil, fmt.Errorf("create %s: %w", p, ErrExist)
	}
	z.files[p] = true
	dir, base := path.Split(p)
	dir = strings.TrimSuffix(dir, "/")
	z.track(dir)
	l := z.children[dir]
	l.files = insertSorted(l.files, base)

	if z.stored[p] || z.opts.Compression == NoCompression {
		z.pending = true
		return &storedEntry{z: z, name: p}, nil
	}
	w, err := z.zw.CreateHeader(z.header(p, zip.Deflate))
	if err != nil {
		return nil, err
	}
	return nopWriteCloser{w}, nil
}

// storedEntry buffers an uncompressed entry so its header can carry the CRC
// and sizes up front instead of a trailing data descriptor.
type storedEntry struct {
	z    *ZipWriter
	name string
	buf  bytes.Buffer
	done bool
}

func (e *storedEntry) Write(p []byte) (int, error) {
	return e.buf.Write(p)
}

func (e *storedEntry) Close() error {
	if e.done {
		return nil
	}
	e.done = true
	e.z.pending = false
	fh := e.z.header(e.name, zip.Store)
	data := e.buf.Bytes()
	fh.CRC32 = crc32.ChecksumIEEE(data)
	fh.CompressedSize64 = uint64(len(data))
	fh.UncompressedSize64 = uint64(len(data))
	w, err := e.z.zw.CreateRaw(fh)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (z *ZipWriter) track(dir string) {
	if _, ok := z.children[dir]; ok {
		return
	}
	z.children[dir] = &zipListing{}
	parent, base := path.Split(dir)
	parent = strings.TrimSuffix(parent, "/")
	z.track(parent)
	l := z.children[parent]
	l.dirs = insertSorted(l.dirs, base)
}

func insertSorted(list []string, s string) []string {
	i := sort.SearchStrings(list, s)
	if i < len(list) && list[i] == s {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}

func (z *ZipWriter) open(_ context.Context, p string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("open %s: zip store is write-only", p)
}

func (z *ZipWriter) list(ctx context.Context, p string) ([]string, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	l, ok := z.children[p]
	if !ok {
		return nil, nil, notExist("list", p)
	}
	return append([]string(nil), l.files...), append([]string(nil), l.dirs...), nil
}

func (z *ZipWriter) stat(ctx context.Context, p string) (bool, bool, error) {
	if err := ctx.Err(); err != nil {
		return false, false, err
	}
	_, isDir := z.children[p]
	return z.files[p], isDir, nil
}

// mkdir writes an explicit directory entry so empty directories survive.
func (z *ZipWriter) mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if z.explicit[p] {
		return nil
	}
	if z.pending {
		return fmt.Errorf("mkdir %s: previous entry still open", p)
	}
	z.explicit[p] = true
	z.track(p)
	_, err := z.zw.CreateHeader(z.header(p+"/", zip.Store))
	return err
}

func (z *ZipWriter) remove(_ context.Context, p string, _ bool) error {
	return fmt.Errorf("remove %s: zip store is append-only: %w", p, ErrReadOnly)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
