// Package mediatype maps file extensions to media types and back.
package mediatype

import (
	"path"
	"strings"
)

// Common media types used by EPUB containers.
const (
	EpubZip     = "application/epub+zip"
	OPF         = "application/oebps-package+xml"
	NCX         = "application/x-dtbncx+xml"
	XHTML       = "application/xhtml+xml"
	OctetStream = "application/octet-stream"
	CSS         = "text/css"
	JPEG        = "image/jpeg"
	PNG         = "image/png"
	GIF         = "image/gif"
	WebP        = "image/webp"
	SVG         = "image/svg+xml"
)

// Mapping resolves extensions (with the leading dot) to media types and back.
type Mapping interface {
	MediaType(ext string) (string, bool)
	Extension(mediaType string) (string, bool)
}

// Table is a Mapping built from (media type, extensions) pairs. The first
// extension listed for a media type is its canonical one; the first media
// type registered for an extension wins.
type Table struct {
	extensions map[string][]string
	mediaTypes map[string]string
}

// Entry pairs a media type with its extensions.
type Entry struct {
	MediaType  string
	Extensions []string
}

// NewTable builds a table. Extensions match case-insensitively.
func NewTable(entries ...Entry) *Table {
	t := &Table{
		extensions: make(map[string][]string),
		mediaTypes: make(map[string]string),
	}
	for _, e := range entries {
		mt := strings.ToLower(e.MediaType)
		for _, ext := range e.Extensions {
			ext = strings.ToLower(ext)
			t.extensions[mt] = append(t.extensions[mt], ext)
			if _, ok := t.mediaTypes[ext]; !ok {
				t.mediaTypes[ext] = e.MediaType
			}
		}
	}
	return t
}

func (t *Table) MediaType(ext string) (string, bool) {
	mt, ok := t.mediaTypes[strings.ToLower(ext)]
	return mt, ok
}

func (t *Table) Extension(mediaType string) (string, bool) {
	exts := t.extensions[strings.ToLower(strings.TrimSpace(mediaType))]
	if len(exts) == 0 {
		return "", false
	}
	return exts[0], true
}

// Default covers the resource types found in EPUB publications.
var Default Mapping = NewTable(
	Entry{EpubZip, []string{".epub"}},
	Entry{OPF, []string{".opf"}},
	Entry{NCX, []string{".ncx"}},
	Entry{XHTML, []string{".xhtml", ".xht"}},
	Entry{"application/pdf", []string{".pdf"}},
	Entry{"application/json", []string{".json"}},
	Entry{"application/smil+xml", []string{".smil"}},
	Entry{"application/pls+xml", []string{".pls"}},
	Entry{"application/vnd.comicbook+zip", []string{".cbz"}},
	Entry{"audio/mpeg", []string{".mp3"}},
	Entry{"audio/mp4", []string{".m4a"}},
	Entry{"audio/ogg", []string{".ogg", ".oga"}},
	Entry{"audio/opus", []string{".opus"}},
	Entry{"video/mp4", []string{".mp4", ".m4v"}},
	Entry{"video/webm", []string{".webm"}},
	Entry{"font/otf", []string{".otf"}},
	Entry{"font/ttf", []string{".ttf"}},
	Entry{"font/woff", []string{".woff"}},
	Entry{"font/woff2", []string{".woff2"}},
	Entry{GIF, []string{".gif"}},
	Entry{JPEG, []string{".jpg", ".jpeg", ".jpe"}},
	Entry{PNG, []string{".png"}},
	Entry{SVG, []string{".svg"}},
	Entry{WebP, []string{".webp"}},
	Entry{"image/avif", []string{".avif"}},
	Entry{"image/bmp", []string{".bmp"}},
	Entry{CSS, []string{".css"}},
	Entry{"text/html", []string{".html", ".htm"}},
	Entry{"text/javascript", []string{".js", ".mjs"}},
	Entry{"text/markdown", []string{".md"}},
	Entry{"text/plain", []string{".txt"}},
)

// ForPath looks up the media type of a path by its extension, returning
// fallback when the extension is unknown.
func ForPath(m Mapping, p, fallback string) string {
	ext := path.Ext(p)
	if ext == "" {
		return fallback
	}
	if mt, ok := m.MediaType(ext); ok {
		return mt
	}
	return fallback
}

// ExtensionOr returns the canonical extension of mediaType or fallback.
func ExtensionOr(m Mapping, mediaType, fallback string) string {
	if ext, ok := m.Extension(mediaType); ok {
		return ext
	}
	return fallback
}

// IsImage reports whether mediaType is an image type.
func IsImage(mediaType string) bool {
	return strings.HasPrefix(strings.ToLower(mediaType), "image/")
}
