package epub

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/yuanying/epubkit/internal/storage"
)

var testModified = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestWriter(t *testing.T, version Version) (*Writer, *bytes.Buffer) {
	t.Helper()
	opts := DefaultWriterOptions()
	opts.Version = version
	opts.Modified = testModified
	var buf bytes.Buffer
	w, err := NewZipWriter(context.Background(), &buf, opts)
	if err != nil {
		t.Fatalf("NewZipWriter() error = %v", err)
	}
	w.Title = "Written"
	return w, &buf
}

func addTestResource(t *testing.T, w *Writer, href, data string) {
	t.Helper()
	if err := w.AddResource(context.Background(), strings.NewReader(data), Resource{Href: href}); err != nil {
		t.Fatalf("AddResource(%s) error = %v", href, err)
	}
}

func addTestCover(t *testing.T, w *Writer, inSequence bool) {
	t.Helper()
	cw, err := w.CreateRasterCover(context.Background(), ".jpg", inSequence)
	if err != nil {
		t.Fatalf("CreateRasterCover() error = %v", err)
	}
	io.WriteString(cw, "JPEG")
	if err := cw.Close(); err != nil {
		t.Fatalf("cover Close() error = %v", err)
	}
}

func TestWriter_RoundTrip(t *testing.T) {
	for _, version := range []Version{Epub2, Epub3} {
		t.Run(fmt.Sprintf("EPUB%d", version), func(t *testing.T) {
			ctx := context.Background()
			w, buf := newTestWriter(t, version)
			date := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
			w.Identifier = "book-1"
			w.Languages = []string{"en", "ja"}
			w.Creators = []Creator{{Name: "Alice", Roles: []string{"aut"}}}
			w.Date = &date
			w.Series = &Series{Name: "Saga", Index: "1"}

			addTestCover(t, w, true)
			addTestResource(t, w, "style.css", "p {}")
			addTestResource(t, w, "text/ch1.xhtml", testChapter2)
			addTestResource(t, w, "images/p.png", "PNG")
			toc := []NavItem{{Text: "Chapter 1", Reference: "text/ch1.xhtml"}}
			if err := w.AddTOC(toc, false); err != nil {
				t.Fatalf("AddTOC() error = %v", err)
			}
			if err := w.Close(ctx); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			c := openOutput(t, buf.Bytes())
			if p, err := c.OPFPath(ctx); err != nil || storage.Join(p) != "OEBPS/.package.opf" {
				t.Errorf("OPFPath() = %v, %v", p, err)
			}
			m, err := c.Metadata(ctx)
			if err != nil {
				t.Fatalf("Metadata() error = %v", err)
			}
			if m.Version() != int(version) {
				t.Errorf("Version() = %d, want %d", m.Version(), version)
			}
			if m.Identifier() != "book-1" || m.Title() != "Written" {
				t.Errorf("Identifier(), Title() = %q, %q", m.Identifier(), m.Title())
			}
			if got := m.Languages(); !reflect.DeepEqual(got, w.Languages) {
				t.Errorf("Languages() = %v, want %v", got, w.Languages)
			}
			if got := m.Creators(); !reflect.DeepEqual(got, w.Creators) {
				t.Errorf("Creators() = %+v, want %+v", got, w.Creators)
			}
			if d := m.Date(); d == nil || !d.Equal(date) {
				t.Errorf("Date() = %v, want %v", d, date)
			}
			if lm := m.LastModified(); lm == nil || !lm.Equal(testModified) {
				t.Errorf("LastModified() = %v, want %v", lm, testModified)
			}
			if s := m.Series(); s == nil || *s != *w.Series {
				t.Errorf("Series() = %+v, want %+v", s, w.Series)
			}

			cover, err := c.Cover(ctx)
			if err != nil || cover == nil {
				t.Fatalf("Cover() = %v, %v", cover, err)
			}
			if cover.Href() != ".cover.jpg" || cover.MediaType() != "image/jpeg" {
				t.Errorf("Cover() = %q (%s)", cover.Href(), cover.MediaType())
			}

			gotTOC, err := c.TOC(ctx)
			if err != nil {
				t.Fatalf("TOC() error = %v", err)
			}
			wantTOC := append([]NavItem{{Text: "Cover", Reference: ".cover.xhtml"}}, toc...)
			if !reflect.DeepEqual(gotTOC, wantTOC) {
				t.Errorf("TOC() = %+v, want %+v", gotTOC, wantTOC)
			}

			contents, err := c.Contents(ctx)
			if err != nil {
				t.Fatalf("Contents() error = %v", err)
			}
			if docs, want := paths(contents.Documents), []string{"OEBPS/.cover.xhtml", "OEBPS/text/ch1.xhtml"}; !reflect.DeepEqual(docs, want) {
				t.Errorf("Documents = %v, want %v", docs, want)
			}
		})
	}
}

func TestWriter_NavigationFiles(t *testing.T) {
	tests := []struct {
		name          string
		version       Version
		legacy        bool
		tocInSequence bool
		want          []string
		wantAbsent    []string
	}{
		{
			name:       "epub3",
			version:    Epub3,
			want:       []string{`properties="nav"`, `epub:type="bodymatter"`},
			wantAbsent: []string{"toc.ncx", "<guide>", `name="cover"`},
		},
		{
			name:    "epub3 with legacy features",
			version: Epub3,
			legacy:  true,
			want:    []string{`properties="nav"`, `href=".toc.ncx"`, `<spine toc="ncx-id">`, `type="text"`, `<meta name="cover" content="cover-id"/>`},
		},
		{
			name:       "epub2",
			version:    Epub2,
			want:       []string{`href=".toc.ncx"`, `<spine toc="ncx-id">`, `<reference type="text" title="Start Of Content" href="text/ch1.xhtml"/>`},
			wantAbsent: []string{".nav.xhtml", `type="bodymatter"`, "cover-image"},
		},
		{
			name:          "epub2 with toc in sequence",
			version:       Epub2,
			tocInSequence: true,
			want:          []string{`<item id="nav" href=".nav.xhtml" media-type="application/xhtml+xml"/>`, `<itemref idref="nav"/>`, `type="toc"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			w, buf := newTestWriter(t, tt.version)
			w.IncludeLegacyFeatures = tt.legacy
			addTestCover(t, w, false)
			addTestResource(t, w, "text/ch1.xhtml", testChapter2)
			if err := w.AddTOC([]NavItem{{Text: "One", Reference: "text/ch1.xhtml"}}, tt.tocInSequence); err != nil {
				t.Fatalf("AddTOC() error = %v", err)
			}
			if err := w.Close(ctx); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			c := openOutput(t, buf.Bytes())
			all := readOutput(t, c, "OEBPS/.package.opf")
			if ok, _ := storage.FileAt(c.Root(), "OEBPS", ".nav.xhtml").Exists(ctx); ok {
				all += readOutput(t, c, "OEBPS/.nav.xhtml")
			}
			for _, want := range tt.want {
				if !strings.Contains(all, want) {
					t.Errorf("output lacks %s:\n%s", want, all)
				}
			}
			for _, absent := range tt.wantAbsent {
				if strings.Contains(all, absent) {
					t.Errorf("output contains %s:\n%s", absent, all)
				}
			}
		})
	}
}

func TestWriter_NavWithoutTOC(t *testing.T) {
	w, buf := newTestWriter(t, Epub3)
	addTestResource(t, w, "a.xhtml", testChapter2)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	c := openOutput(t, buf.Bytes())
	if !outputExists(t, c, "OEBPS/.nav.xhtml") {
		t.Error("EPUB3 output has no navigation document")
	}
	if outputExists(t, c, "OEBPS/.cover.xhtml") {
		t.Error("cover page written without a cover")
	}
}

func TestWriter_FixedLayout(t *testing.T) {
	for _, version := range []Version{Epub2, Epub3} {
		w, buf := newTestWriter(t, version)
		w.PrePaginated = true
		w.Direction = DirectionRTL
		w.CoverSize = image.Pt(600, 800)
		addTestCover(t, w, true)
		if err := w.Close(context.Background()); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		c := openOutput(t, buf.Bytes())
		if ok, err := c.IsPrePaginated(context.Background()); err != nil || !ok {
			t.Errorf("EPUB%d IsPrePaginated() = %v, %v", version, ok, err)
		}
		opf := readOutput(t, c, "OEBPS/.package.opf")
		if !strings.Contains(opf, `page-progression-direction="rtl"`) {
			t.Errorf("EPUB%d spine lacks direction:\n%s", version, opf)
		}
		if !strings.Contains(opf, `property="rendition:layout">pre-paginated<`) {
			t.Errorf("EPUB%d package lacks rendition:layout:\n%s", version, opf)
		}
		if page := readOutput(t, c, "OEBPS/.cover.xhtml"); !strings.Contains(page, `viewBox="0 0 600 800"`) {
			t.Errorf("EPUB%d cover page lacks viewBox:\n%s", version, page)
		}
		images, err := c.PrePaginatedImages(context.Background())
		if err != nil {
			t.Fatalf("PrePaginatedImages() error = %v", err)
		}
		if got := paths(images); !reflect.DeepEqual(got, []string{"OEBPS/.cover.jpg"}) {
			t.Errorf("EPUB%d PrePaginatedImages() = %v", version, got)
		}
	}
}

func TestWriter_Errors(t *testing.T) {
	ctx := context.Background()
	w, _ := newTestWriter(t, Epub3)
	addTestResource(t, w, "text/a.xhtml", testChapter2)

	tests := []struct {
		href string
		want error
	}{
		{".hidden.css", ErrReservedHref},
		{"text/.x.xhtml", ErrReservedHref},
		{"text/a.xhtml", ErrDuplicateResource},
		{"text/../text/a.xhtml", ErrDuplicateResource},
		{"", ErrInvalidHref},
		{"/abs.css", ErrInvalidHref},
		{"https://example.com/x.css", ErrInvalidHref},
		{"../../outside.css", ErrPathEscapesRoot},
		{"../mimetype", ErrInvalidHref},
		{"../META-INF/container.xml", ErrInvalidHref},
		{"../other/a.css", ErrInvalidHref},
		{"text/..", ErrInvalidHref},
		{".nojekyll", ErrReservedHref},
		{"fonts/.woff", ErrReservedHref},
	}
	for _, tt := range tests {
		if _, err := w.CreateResource(ctx, Resource{Href: tt.href}); !errors.Is(err, tt.want) {
			t.Errorf("CreateResource(%q) error = %v, want %v", tt.href, err, tt.want)
		}
	}

	open, err := w.CreateResource(ctx, Resource{Href: "b.css"})
	if err != nil {
		t.Fatalf("CreateResource() error = %v", err)
	}
	if _, err := w.CreateResource(ctx, Resource{Href: "c.css"}); !errors.Is(err, ErrResourceOpen) {
		t.Errorf("CreateResource() with open resource error = %v, want ErrResourceOpen", err)
	}
	if err := w.Close(ctx); !errors.Is(err, ErrResourceOpen) {
		t.Errorf("Close() with open resource error = %v, want ErrResourceOpen", err)
	}
	open.Close()

	addTestCover(t, w, false)
	if _, err := w.CreateRasterCover(ctx, ".png", false); !errors.Is(err, ErrCoverAlreadyAdded) {
		t.Errorf("second CreateRasterCover() error = %v, want ErrCoverAlreadyAdded", err)
	}
	if err := w.AddTOC(nil, false); err != nil {
		t.Fatalf("AddTOC() error = %v", err)
	}
	if err := w.AddTOC(nil, false); !errors.Is(err, ErrTOCAlreadyAdded) {
		t.Errorf("second AddTOC() error = %v, want ErrTOCAlreadyAdded", err)
	}

	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
	if err := w.AddResource(ctx, strings.NewReader(""), Resource{Href: "late.css"}); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("AddResource() after Close error = %v, want ErrWriterClosed", err)
	}
}

func TestNewWriter_Dir(t *testing.T) {
	ctx := context.Background()
	root := storage.Memory()
	if err := storage.WriteBytes(ctx, root.File("stray.txt"), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := NewWriter(ctx, root, DefaultWriterOptions()); !errors.Is(err, ErrOutputNotEmpty) {
		t.Errorf("NewWriter() on non-empty dir error = %v, want ErrOutputNotEmpty", err)
	}

	out := storage.DirAt(root, "book")
	opts := DefaultWriterOptions()
	opts.ContentDirectory = ""
	w, err := NewWriter(ctx, out, opts)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	w.Title = "Dir Book"
	addTestResource(t, w, "a.xhtml", testChapter2)
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	c := NewContainer(out, nil)
	if p, err := c.OPFPath(ctx); err != nil || storage.Join(p) != ".package.opf" {
		t.Errorf("OPFPath() = %v, %v", p, err)
	}
	m, err := c.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if !strings.HasPrefix(m.Identifier(), "urn:uuid:") {
		t.Errorf("Identifier() = %q, want a urn:uuid", m.Identifier())
	}
}

func TestWriter_CloseMissingMetadata(t *testing.T) {
	tests := []struct {
		name       string
		title      string
		identifier string
	}{
		{"no title", " ", "book-1"},
		{"no identifier", "Book", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			w, buf := newTestWriter(t, Epub3)
			addTestResource(t, w, "a.xhtml", testChapter2)
			w.Title = tt.title
			w.Identifier = tt.identifier
			if err := w.Close(ctx); !errors.Is(err, ErrMissingMetadata) {
				t.Fatalf("Close() error = %v, want ErrMissingMetadata", err)
			}
			if err := w.Close(ctx); !errors.Is(err, ErrMissingMetadata) {
				t.Errorf("second Close() error = %v, want ErrMissingMetadata", err)
			}
			if err := w.AddResource(ctx, strings.NewReader(""), Resource{Href: "b.css"}); !errors.Is(err, ErrWriterClosed) {
				t.Errorf("AddResource() after Close error = %v, want ErrWriterClosed", err)
			}

			zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
			if err != nil {
				t.Fatalf("archive not finished: %v", err)
			}
			if len(zr.File) == 0 || zr.File[0].Name != "mimetype" {
				t.Errorf("first entry is not mimetype")
			}
		})
	}
}

func TestWriter_ContainerFilesProtected(t *testing.T) {
	ctx := context.Background()
	for _, contentDir := range []string{"OEBPS", ""} {
		t.Run(fmt.Sprintf("content dir %q", contentDir), func(t *testing.T) {
			root := storage.Memory()
			opts := DefaultWriterOptions()
			opts.ContentDirectory = contentDir
			w, err := NewWriter(ctx, root, opts)
			if err != nil {
				t.Fatalf("NewWriter() error = %v", err)
			}
			w.Title = "Protected"
			prefix := ""
			if contentDir != "" {
				prefix = "../"
			}
			for _, href := range []string{prefix + "mimetype", prefix + "META-INF/container.xml", prefix + "META-INF/other.xml"} {
				err := w.AddResource(ctx, strings.NewReader("x"), Resource{Href: href})
				if !errors.Is(err, ErrInvalidHref) {
					t.Errorf("AddResource(%q) error = %v, want ErrInvalidHref", href, err)
				}
			}
			addTestResource(t, w, "a.xhtml", testChapter2)
			if err := w.Close(ctx); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			data, err := storage.ReadAll(ctx, root.File("mimetype"))
			if err != nil {
				t.Fatalf("ReadAll(mimetype) error = %v", err)
			}
			if string(data) != "application/epub+zip" {
				t.Errorf("mimetype = %q, want %q", data, "application/epub+zip")
			}
			if _, err := NewContainer(root, nil).Contents(ctx); err != nil {
				t.Errorf("Contents() error = %v", err)
			}
		})
	}
}

func TestNewImagePage(t *testing.T) {
	tests := []struct {
		width, height int
		want          []string
	}{
		{0, 0, []string{`viewBox="0 0 100 100"`, `preserveAspectRatio="none"`}},
		{300, 400, []string{`viewBox="0 0 300 400"`, `width="300"`, `height="400"`}},
	}
	for _, tt := range tests {
		s := serialize(t, NewImagePage("T", "en", "img/a.png", tt.width, tt.height))
		for _, want := range append(tt.want, `xlink:href="img/a.png"`, "<title>T</title>") {
			if !strings.Contains(s, want) {
				t.Errorf("NewImagePage(%d, %d) lacks %s:\n%s", tt.width, tt.height, want, s)
			}
		}
		if got := pageImage(mustParse(t, s)); got != "img/a.png" {
			t.Errorf("pageImage() = %q, want %q", got, "img/a.png")
		}
	}
}
