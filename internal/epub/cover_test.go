package epub

import (
	"context"
	"io"
	"testing"

	"github.com/yuanying/epubkit/internal/storage"
)

func coverTestFiles(version, metadata, manifest string) map[string]string {
	return map[string]string{
		"META-INF/container.xml": testContainerXML,
		"OEBPS/content.opf": `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="` + version + `">
  <metadata>` + metadata + `</metadata>
  <manifest>` + manifest + `</manifest>
</package>`,
		"OEBPS/images/cover.jpg": "COVER",
		"OEBPS/images/other.png": "OTHER",
	}
}

func TestContainer_Cover(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		metadata string
		manifest string
		wantHref string
	}{
		{
			name:     "cover-image property",
			version:  "3.0",
			manifest: `<item id="c" href="images/cover.jpg" media-type="image/jpeg" properties="cover-image"/>`,
			wantHref: "images/cover.jpg",
		},
		{
			name:     "meta fallback in epub3",
			version:  "3.0",
			metadata: `<meta name="cover" content="img"/>`,
			manifest: `<item id="img" href="images/other.png" media-type="image/png"/>`,
			wantHref: "images/other.png",
		},
		{
			name:     "property wins over meta",
			version:  "3.0",
			metadata: `<meta name="cover" content="img"/>`,
			manifest: `<item id="img" href="images/other.png" media-type="image/png"/>` +
				`<item id="c" href="images/cover.jpg" media-type="image/jpeg" properties="cover-image"/>`,
			wantHref: "images/cover.jpg",
		},
		{
			name:     "epub2 meta",
			version:  "2.0",
			metadata: `<meta name="cover" content="c"/>`,
			manifest: `<item id="c" href="images/cover.jpg" media-type="image/jpeg"/>`,
			wantHref: "images/cover.jpg",
		},
		{
			name:     "epub2 ignores cover-image property",
			version:  "2.0",
			manifest: `<item id="c" href="images/cover.jpg" media-type="image/jpeg" properties="cover-image"/>`,
		},
		{
			name:     "meta points at missing item",
			version:  "2.0",
			metadata: `<meta name="cover" content="nope"/>`,
			manifest: `<item id="c" href="images/cover.jpg" media-type="image/jpeg"/>`,
		},
		{
			name:     "item without media type",
			version:  "2.0",
			metadata: `<meta name="cover" content="c"/>`,
			manifest: `<item id="c" href="images/cover.jpg"/>`,
		},
		{
			name:    "no cover",
			version: "3.0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestContainer(t, coverTestFiles(tt.version, tt.metadata, tt.manifest))
			cover, err := c.Cover(context.Background())
			if err != nil {
				t.Fatalf("Cover() error = %v", err)
			}
			if tt.wantHref == "" {
				if cover != nil {
					t.Errorf("Cover() = %q, want nil", cover.Href())
				}
				return
			}
			if cover == nil {
				t.Fatalf("Cover() = nil, want %q", tt.wantHref)
			}
			if cover.Href() != tt.wantHref {
				t.Errorf("Href() = %q, want %q", cover.Href(), tt.wantHref)
			}
			if want := "OEBPS/" + tt.wantHref; storage.Join(cover.File().Path()) != want {
				t.Errorf("File() = %q, want %q", storage.Join(cover.File().Path()), want)
			}
		})
	}
}

func TestCover_Open(t *testing.T) {
	c := newTestContainer(t, testEpub3Files())
	ctx := context.Background()
	cover, err := c.Cover(ctx)
	if err != nil || cover == nil {
		t.Fatalf("Cover() = %v, %v", cover, err)
	}
	if cover.MediaType() != "image/jpeg" {
		t.Errorf("MediaType() = %q, want %q", cover.MediaType(), "image/jpeg")
	}
	r, err := cover.Open(ctx)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "JPEGDATA" {
		t.Errorf("content = %q, want %q", data, "JPEGDATA")
	}
}
