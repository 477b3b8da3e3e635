package epub

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/yuanying/epubkit/internal/storage"
)

const testEpub2OPFWithNCX = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0" unique-identifier="BookId">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:opf="http://www.idpf.org/2007/opf">
    <dc:title>Second Book</dc:title>
    <dc:identifier id="BookId">old-uid</dc:identifier>
    <dc:language>en</dc:language>
    <dc:date opf:event="modification">2015-06-07</dc:date>
  </metadata>
  <manifest>
    <item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>
    <item id="ch1" href="text/ch1.xhtml" media-type="application/xhtml+xml"/>
    <item id="ch2" href="text/ch2.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine toc="ncx">
    <itemref idref="ch1"/>
    <itemref idref="ch2"/>
  </spine>
</package>`

func testEpub2Files() map[string]string {
	return map[string]string{
		"mimetype":               "application/epub+zip",
		"META-INF/container.xml": testContainerXML,
		"OEBPS/content.opf":      testEpub2OPFWithNCX,
		"OEBPS/toc.ncx":          testNCX,
		"OEBPS/text/ch1.xhtml":   testChapter1,
		"OEBPS/text/ch2.xhtml":   testChapter2,
	}
}

func repackage(t *testing.T, c *Container, opts ...PackagerOption) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := NewPackager(c, nil, opts...).WriteZip(context.Background(), &buf, storage.Optimal); err != nil {
		t.Fatalf("WriteZip() error = %v", err)
	}
	return buf.Bytes()
}

func openOutput(t *testing.T, data []byte) *Container {
	t.Helper()
	zr, err := storage.OpenZip(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("OpenZip() error = %v", err)
	}
	t.Cleanup(func() { zr.Close() })
	return NewContainer(zr.Root(), nil)
}

func readOutput(t *testing.T, c *Container, name string) string {
	t.Helper()
	data, err := storage.ReadAll(context.Background(), storage.FileAt(c.Root(), storage.Split(name)...))
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

func outputExists(t *testing.T, c *Container, name string) bool {
	t.Helper()
	ok, err := storage.FileAt(c.Root(), storage.Split(name)...).Exists(context.Background())
	if err != nil {
		t.Fatalf("Exists(%s) error = %v", name, err)
	}
	return ok
}

func TestPackager_Unchanged(t *testing.T) {
	files := testEpub3Files()
	first := repackage(t, newTestContainer(t, files))
	second := repackage(t, newTestContainer(t, files))
	if !bytes.Equal(first, second) {
		t.Error("repackaging the same container twice gave different archives")
	}

	zr, err := zip.NewReader(bytes.NewReader(first), int64(len(first)))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}
	if len(zr.File) == 0 || zr.File[0].Name != "mimetype" || zr.File[0].Method != zip.Store {
		t.Fatalf("first entry = %+v, want stored mimetype", zr.File[0].FileHeader)
	}
	if len(zr.File[0].Extra) != 0 {
		t.Errorf("mimetype has an extra field")
	}

	out := openOutput(t, first)
	for name, want := range files {
		if got := readOutput(t, out, name); got != want {
			t.Errorf("%s changed:\n%s\nwant\n%s", name, got, want)
		}
	}
}

func TestPackager_Metadata(t *testing.T) {
	c := newTestContainer(t, testEpub2Files())
	data := repackage(t, c, WithMetadataHandler(func(m Metadata) error {
		if err := m.SetTitle("Renamed"); err != nil {
			return err
		}
		return m.SetIdentifier("new-uid")
	}))

	out := openOutput(t, data)
	m, err := out.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if m.Title() != "Renamed" {
		t.Errorf("Title() = %q, want %q", m.Title(), "Renamed")
	}
	if m.Identifier() != "new-uid" {
		t.Errorf("Identifier() = %q, want %q", m.Identifier(), "new-uid")
	}
	if ncx := readOutput(t, out, "OEBPS/toc.ncx"); !strings.Contains(ncx, `content="new-uid"`) {
		t.Errorf("toc.ncx dtb:uid not updated:\n%s", ncx)
	}
	if ch := readOutput(t, out, "OEBPS/text/ch1.xhtml"); ch != testChapter1 {
		t.Errorf("content document changed:\n%s", ch)
	}
}

func TestPackager_MetadataHandlerError(t *testing.T) {
	boom := errors.New("boom")
	c := newTestContainer(t, testEpub3Files())
	err := NewPackager(c, nil, WithMetadataHandler(func(Metadata) error { return boom })).
		WriteZip(context.Background(), io.Discard, storage.Fastest)
	if !errors.Is(err, boom) {
		t.Errorf("WriteZip() error = %v, want %v", err, boom)
	}
}

func TestPackager_Cover(t *testing.T) {
	tests := []struct {
		name         string
		files        map[string]string
		mediaType    string
		wantExisting string
		wantHref     string
		wantFile     string
		keptFile     string
		wantErr      error
	}{
		{
			name:         "same media type",
			files:        testEpub3Files(),
			mediaType:    "image/jpeg",
			wantExisting: "images/cover.jpg",
			wantHref:     "images/cover.jpg",
			wantFile:     "OEBPS/images/cover.jpg",
		},
		{
			name:         "different media type",
			files:        testEpub3Files(),
			mediaType:    "image/png",
			wantExisting: "images/cover.jpg",
			wantHref:     "cover.png",
			wantFile:     "OEBPS/cover.png",
			keptFile:     "OEBPS/images/cover.jpg",
		},
		{
			name:      "no previous cover",
			files:     testEpub2Files(),
			mediaType: "image/jpeg",
			wantHref:  "cover.jpg",
			wantFile:  "OEBPS/cover.jpg",
		},
		{
			name:      "unmapped media type",
			files:     testEpub3Files(),
			mediaType: "image/jxl",
			wantErr:   ErrInvalidCoverType,
		},
		{
			name:      "empty media type",
			files:     testEpub2Files(),
			mediaType: " ",
			wantErr:   ErrInvalidCoverType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var existing string
			handler := WithCoverHandler(tt.mediaType,
				func(ctx context.Context, cover *Cover, w io.Writer) error {
					if cover != nil {
						existing = cover.Href()
					}
					_, err := io.WriteString(w, "NEWIMAGE")
					return err
				})
			if tt.wantErr != nil {
				var buf bytes.Buffer
				err := NewPackager(newTestContainer(t, tt.files), nil, handler).WriteZip(context.Background(), &buf, storage.Optimal)
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("WriteZip() error = %v, want %v", err, tt.wantErr)
				}
				if buf.Len() != 0 {
					t.Errorf("WriteZip() wrote %d bytes before failing", buf.Len())
				}
				return
			}
			data := repackage(t, newTestContainer(t, tt.files), handler)
			if existing != tt.wantExisting {
				t.Errorf("handler saw cover %q, want %q", existing, tt.wantExisting)
			}

			out := openOutput(t, data)
			cover, err := out.Cover(context.Background())
			if err != nil {
				t.Fatalf("Cover() error = %v", err)
			}
			if cover == nil {
				t.Fatal("Cover() = nil")
			}
			if cover.Href() != tt.wantHref || cover.MediaType() != tt.mediaType {
				t.Errorf("Cover() = %q (%s), want %q (%s)", cover.Href(), cover.MediaType(), tt.wantHref, tt.mediaType)
			}
			if got := readOutput(t, out, tt.wantFile); got != "NEWIMAGE" {
				t.Errorf("%s = %q, want %q", tt.wantFile, got, "NEWIMAGE")
			}
			if tt.keptFile != "" && readOutput(t, out, tt.keptFile) != tt.files[tt.keptFile] {
				t.Errorf("%s was not kept", tt.keptFile)
			}
			if _, err := out.Contents(context.Background()); err != nil {
				t.Errorf("Contents() error = %v", err)
			}
		})
	}
}

func TestPackager_XHTMLHandler(t *testing.T) {
	c := newTestContainer(t, testEpub3Files())
	data := repackage(t, c, WithXHTMLHandler(func(doc *etree.Document) error {
		for _, title := range descendants(doc.Root(), nsXHTML, "title") {
			if text(title) == "Chapter 1" {
				script := createChild(title.Parent(), nsXHTML, "script", "")
				script.CreateAttr("src", "app.js")
			}
		}
		return nil
	}))

	out := openOutput(t, data)
	if ch := readOutput(t, out, "OEBPS/text/ch1.xhtml"); !strings.Contains(ch, `src="app.js"`) {
		t.Errorf("handler change missing:\n%s", ch)
	}
	opf := readOutput(t, out, "OEBPS/content.opf")
	if !strings.Contains(opf, `<item id="ch1" href="text/ch1.xhtml" media-type="application/xhtml+xml" properties="scripted"/>`) {
		t.Errorf("ch1 not marked scripted:\n%s", opf)
	}
	if !strings.Contains(opf, `<item id="ch2" href="text/ch2.xhtml" media-type="application/xhtml+xml"/>`) {
		t.Errorf("ch2 changed:\n%s", opf)
	}
}

func TestPackager_FileNameOverrides(t *testing.T) {
	c := newTestContainer(t, testEpub3Files())
	data := repackage(t, c, WithFileNameOverrides(map[string]string{
		"OEBPS/text/ch1.xhtml": "OEBPS/chapter-one.xhtml",
		"OEBPS/style.css":      "",
	}))

	out := openOutput(t, data)
	for name, want := range map[string]bool{
		"OEBPS/chapter-one.xhtml": true,
		"OEBPS/text/ch1.xhtml":    false,
		"OEBPS/style.css":         false,
	} {
		if got := outputExists(t, out, name); got != want {
			t.Errorf("exists(%s) = %v, want %v", name, got, want)
		}
	}

	opf := readOutput(t, out, "OEBPS/content.opf")
	if !strings.Contains(opf, `href="chapter-one.xhtml"`) || strings.Contains(opf, "style.css") {
		t.Errorf("package not relocated:\n%s", opf)
	}
	ch := readOutput(t, out, "OEBPS/chapter-one.xhtml")
	for _, want := range []string{`src="images/cover.jpg"`, `href="text/ch2.xhtml#part"`} {
		if !strings.Contains(ch, want) {
			t.Errorf("moved document lacks %s:\n%s", want, ch)
		}
	}
	if nav := readOutput(t, out, "OEBPS/nav.xhtml"); !strings.Contains(nav, `href="chapter-one.xhtml"`) {
		t.Errorf("nav not relocated:\n%s", nav)
	}

	contents, err := out.Contents(context.Background())
	if err != nil {
		t.Fatalf("Contents() error = %v", err)
	}
	if docs := paths(contents.Documents); len(docs) != 2 || docs[0] != "OEBPS/chapter-one.xhtml" {
		t.Errorf("Documents = %v", docs)
	}
}

func TestPackager_FileNameOverrides_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]string
	}{
		{"mimetype", map[string]string{"mimetype": "x"}},
		{"package document", map[string]string{"OEBPS/content.opf": "content.opf"}},
		{"container.xml", map[string]string{"META-INF/container.xml": ""}},
		{"drop cover", map[string]string{"OEBPS/images/cover.jpg": ""}},
		{"unknown source", map[string]string{"OEBPS/missing.css": "a.css"}},
		{"existing target", map[string]string{"OEBPS/text/ch1.xhtml": "OEBPS/style.css"}},
		{"escaping target", map[string]string{"OEBPS/style.css": "../style.css"}},
		{"same target", map[string]string{
			"OEBPS/text/ch1.xhtml": "OEBPS/x.xhtml",
			"OEBPS/text/ch2.xhtml": "OEBPS/x.xhtml",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestContainer(t, testEpub3Files())
			err := NewPackager(c, nil, WithFileNameOverrides(tt.overrides)).
				WriteZip(context.Background(), io.Discard, storage.Fastest)
			if !errors.Is(err, ErrInvalidOverride) {
				t.Errorf("WriteZip() error = %v, want ErrInvalidOverride", err)
			}
		})
	}
}

func TestPackager_FileNameOverrides_Swap(t *testing.T) {
	c := newTestContainer(t, testEpub3Files())
	data := repackage(t, c, WithFileNameOverrides(map[string]string{
		"OEBPS/text/ch1.xhtml": "OEBPS/text/ch2.xhtml",
		"OEBPS/text/ch2.xhtml": "OEBPS/text/ch1.xhtml",
	}))
	out := openOutput(t, data)
	if got := readOutput(t, out, "OEBPS/text/ch1.xhtml"); !strings.Contains(got, "Hello, World!") {
		t.Errorf("ch1.xhtml does not hold the second chapter:\n%s", got)
	}
}

func TestPackager_WriteDir(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t, testEpub3Files())

	out := storage.DirAt(storage.Memory(), "out")
	if err := NewPackager(c, nil).WriteDir(ctx, out); err != nil {
		t.Fatalf("WriteDir() error = %v", err)
	}
	m, err := NewContainer(out, nil).Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if m.Title() != "Test Book" {
		t.Errorf("Title() = %q, want %q", m.Title(), "Test Book")
	}

	if err := NewPackager(c, nil).WriteDir(ctx, out); !errors.Is(err, ErrOutputNotEmpty) {
		t.Errorf("second WriteDir() error = %v, want ErrOutputNotEmpty", err)
	}
}
