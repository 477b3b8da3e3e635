package epub

import (
	"context"
	"io"

	"github.com/yuanying/epubkit/internal/storage"
)

// Cover is the cover image of a container.
type Cover struct {
	file      storage.File
	id        string
	href      string
	mediaType string
}

// File is the image file in the container.
func (c *Cover) File() storage.File { return c.file }

// Href is the manifest href, relative to the package document.
func (c *Cover) Href() string { return c.href }

// MediaType is the declared media type of the image.
func (c *Cover) MediaType() string { return c.mediaType }

// Open reads the image.
func (c *Cover) Open(ctx context.Context) (io.ReadCloser, error) {
	return c.file.Open(ctx)
}

// coverOf detects the cover. EPUB3 packages are searched for the
// cover-image property first; both versions then fall back to
// <meta name="cover" content="ID">. Only items with an href and a media
// type inside the container qualify.
func (c *Container) coverOf(pkg *packageDocument, version int) *Cover {
	usable := func(it manifestItem) bool {
		return it.Href != "" && it.MediaType != "" && len(it.Path) > 0
	}
	if version >= 3 {
		for _, it := range pkg.items() {
			if hasToken(it.Properties, "cover-image") && usable(it) {
				return c.newCover(it)
			}
		}
	}
	for _, meta := range pkg.metas() {
		if attrValue(meta, "", "name") != "cover" {
			continue
		}
		id := attrValue(meta, "", "content")
		if it, ok := pkg.item(id); ok && usable(it) {
			return c.newCover(it)
		}
	}
	return nil
}

func (c *Container) newCover(it manifestItem) *Cover {
	return &Cover{
		file:      storage.FileAt(c.root, it.Path...),
		id:        it.ID,
		href:      it.Href,
		mediaType: it.MediaType,
	}
}
