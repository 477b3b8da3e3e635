package epub

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/beevik/etree"
	"github.com/yuanying/epubkit/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
)

const (
	containerDir  = "META-INF"
	containerName = "container.xml"
)

// container.xml structure
type containerDocument struct {
	Rootfiles struct {
		Rootfile []struct {
			FullPath  string `xml:"full-path,attr"`
			MediaType string `xml:"media-type,attr"`
		} `xml:"rootfile"`
	} `xml:"rootfiles"`
}

// Container reads an EPUB laid out under a storage root, either an extracted
// directory or an opened zip archive. Every call reads the store again; a
// Container holds no state besides the root.
type Container struct {
	root storage.Directory
	log  *zap.Logger
}

// NewContainer wraps root. A nil logger discards output.
func NewContainer(root storage.Directory, log *zap.Logger) *Container {
	if log == nil {
		log = zap.NewNop()
	}
	return &Container{root: root, log: log}
}

// Root returns the directory the container was opened on.
func (c *Container) Root() storage.Directory {
	return c.root
}

// OPFPath returns the path of the package document from the root, as
// declared by the first rootfile of META-INF/container.xml.
func (c *Container) OPFPath(ctx context.Context) ([]string, error) {
	r, err := c.root.Dir(containerDir).File(containerName).Open(ctx)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrContainerNotFound
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var doc containerDocument
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse container.xml: %w", err)
	}

	// Prefer the rootfile declared as a package document
	var fullPath string
	for _, rf := range doc.Rootfiles.Rootfile {
		if rf.MediaType == "application/oebps-package+xml" || rf.MediaType == "" {
			fullPath = rf.FullPath
			break
		}
	}
	if fullPath == "" && len(doc.Rootfiles.Rootfile) > 0 {
		fullPath = doc.Rootfiles.Rootfile[0].FullPath
	}
	fullPath = strings.TrimSpace(fullPath)
	if fullPath == "" {
		return nil, ErrOPFPathNotFound
	}
	p, err := resolvePath(nil, strings.TrimPrefix(fullPath, "./"))
	if err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, ErrOPFPathNotFound
	}
	return p, nil
}

func (c *Container) opfFile(ctx context.Context) (storage.File, error) {
	p, err := c.OPFPath(ctx)
	if err != nil {
		return nil, err
	}
	return storage.FileAt(c.root, p...), nil
}

// Version reads the major version from the package element without parsing
// the rest of the package document.
func (c *Container) Version(ctx context.Context) (int, error) {
	f, err := c.opfFile(ctx)
	if err != nil {
		return 0, err
	}
	r, err := f.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return 0, fmt.Errorf("%w: empty package document", ErrInvalidPackage)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s: %w", storage.Join(f.Path()), err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Space != nsOPF || start.Name.Local != "package" {
			return 0, fmt.Errorf("%w: root element is not an OPF package", ErrInvalidPackage)
		}
		for _, a := range start.Attr {
			if a.Name.Space == "" && a.Name.Local == "version" {
				return parseVersion(a.Value)
			}
		}
		return 0, fmt.Errorf("%w: package has no version", ErrInvalidPackage)
	}
}

// packageDocument parses the package document afresh; callers may mutate
// the result.
func (c *Container) packageDocument(ctx context.Context) (*packageDocument, error) {
	f, err := c.opfFile(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := readXML(ctx, f)
	if err != nil {
		return nil, err
	}
	return parsePackage(doc, f.Path())
}

// Metadata parses the metadata of the package document.
func (c *Container) Metadata(ctx context.Context) (Metadata, error) {
	pkg, err := c.packageDocument(ctx)
	if err != nil {
		return nil, err
	}
	version, err := pkg.version()
	if err != nil {
		return nil, err
	}
	return readMetadata(pkg, version)
}

// Cover locates the cover image, or returns nil when the package signals
// none.
func (c *Container) Cover(ctx context.Context) (*Cover, error) {
	pkg, err := c.packageDocument(ctx)
	if err != nil {
		return nil, err
	}
	version, err := pkg.version()
	if err != nil {
		return nil, err
	}
	return c.coverOf(pkg, version), nil
}

// IsPrePaginated reports whether the rendition is fixed layout.
func (c *Container) IsPrePaginated(ctx context.Context) (bool, error) {
	pkg, err := c.packageDocument(ctx)
	if err != nil {
		return false, err
	}
	return isPrePaginated(pkg), nil
}

func isPrePaginated(pkg *packageDocument) bool {
	for _, meta := range pkg.metas() {
		if attrValue(meta, "", "property") == propertyLayout && text(meta) == layoutPrePaginated {
			return true
		}
	}
	return false
}

const layoutPrePaginated = "pre-paginated"

// Contents classifies every file of a container.
type Contents struct {
	Mimetype storage.File
	Package  storage.File
	// Cover is nil when the package has no cover.
	Cover *Cover
	// Documents are the XHTML spine items in spine order.
	Documents []storage.File
	// Dirs lists every directory below the root, parents first.
	Dirs []storage.Directory
	// Files are the remaining regular files.
	Files []storage.File
}

// Contents walks the whole tree once and sorts the files into the
// structural roles of the container. A file the package refers to but the
// tree lacks makes the container malformed.
func (c *Container) Contents(ctx context.Context) (*Contents, error) {
	pkg, err := c.packageDocument(ctx)
	if err != nil {
		return nil, err
	}
	version, err := pkg.version()
	if err != nil {
		return nil, err
	}
	return c.contents(ctx, pkg, version)
}

func (c *Container) contents(ctx context.Context, pkg *packageDocument, version int) (*Contents, error) {
	out := &Contents{}
	var err error
	pool := map[string]storage.File{}
	var order []string
	if err = walk(ctx, c.root, func(f storage.File) {
		key := pathKey(f.Path())
		pool[key] = f
		order = append(order, key)
	}, func(d storage.Directory) {
		out.Dirs = append(out.Dirs, d)
	}); err != nil {
		return nil, err
	}

	claimed := map[string]bool{}
	claim := func(p []string) (storage.File, error) {
		key := pathKey(p)
		if claimed[key] {
			return nil, nil
		}
		f, ok := pool[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingFile, storage.Join(p))
		}
		claimed[key] = true
		return f, nil
	}

	if out.Mimetype, err = claim([]string{mimetypeName}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMimetypeNotFound, err)
	}
	if out.Package, err = claim(pkg.path); err != nil {
		return nil, err
	}
	if cover := c.coverOf(pkg, version); cover != nil {
		f, err := claim(cover.file.Path())
		if err != nil {
			return nil, err
		}
		if f != nil {
			cover.file = f
		}
		out.Cover = cover
	}
	for _, ref := range pkg.itemRefs() {
		it, ok := pkg.item(ref.IDRef)
		if !ok {
			c.log.Warn("Spine item not found in manifest", zap.String("idref", ref.IDRef))
			continue
		}
		if it.MediaType != mediaTypeXHTML || it.Path == nil {
			continue
		}
		f, err := claim(it.Path)
		if err != nil {
			return nil, err
		}
		if f != nil {
			out.Documents = append(out.Documents, f)
		}
	}

	for _, key := range order {
		if !claimed[key] {
			out.Files = append(out.Files, pool[key])
		}
	}
	c.log.Debug("Traversed container",
		zap.Int("documents", len(out.Documents)),
		zap.Int("files", len(out.Files)),
		zap.Int("dirs", len(out.Dirs)))
	return out, nil
}

// Files lists every regular file of the container in traversal order.
func (c *Container) Files(ctx context.Context) ([]storage.File, error) {
	var out []storage.File
	err := walk(ctx, c.root, func(f storage.File) {
		out = append(out, f)
	}, func(storage.Directory) {})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// walk visits files before subdirectories, depth first.
func walk(ctx context.Context, d storage.Directory, file func(storage.File), dir func(storage.Directory)) error {
	files, err := d.Files(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		file(f)
	}
	dirs, err := d.Dirs(ctx)
	if err != nil {
		return err
	}
	for _, sub := range dirs {
		dir(sub)
		if err := walk(ctx, sub, file, dir); err != nil {
			return err
		}
	}
	return nil
}

// PrePaginatedImages returns the page images of a fixed-layout container in
// reading order: the first svg:image of each linear XHTML page.
func (c *Container) PrePaginatedImages(ctx context.Context) ([]storage.File, error) {
	pkg, err := c.packageDocument(ctx)
	if err != nil {
		return nil, err
	}
	if !isPrePaginated(pkg) {
		return nil, ErrNotPrePaginated
	}
	var out []storage.File
	for _, ref := range pkg.itemRefs() {
		if ref.Linear == "no" {
			continue
		}
		it, ok := pkg.item(ref.IDRef)
		if !ok || it.MediaType != mediaTypeXHTML || it.Path == nil {
			continue
		}
		doc, err := readXML(ctx, storage.FileAt(c.root, it.Path...))
		if err != nil {
			return nil, err
		}
		href := pageImage(doc)
		if href == "" {
			c.log.Debug("Page has no image", zap.String("page", storage.Join(it.Path)))
			continue
		}
		p, err := resolvePath(dirOf(it.Path), href)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.FileAt(c.root, p...))
	}
	return out, nil
}

// pageImage returns the href of the first svg:image under body.
func pageImage(doc *etree.Document) string {
	root := doc.Root()
	if root == nil {
		return ""
	}
	body := findLocal(root, "body")
	if body == nil {
		return ""
	}
	for _, img := range descendants(body, nsSVG, "image") {
		if href, ok := attr(img, nsXLink, "href"); ok && strings.TrimSpace(href) != "" {
			return strings.TrimSpace(href)
		}
		if href := strings.TrimSpace(attrValue(img, "", "href")); href != "" {
			return href
		}
	}
	return ""
}

// findLocal returns the first element named local in any namespace,
// starting with e itself.
func findLocal(e *etree.Element, local string) *etree.Element {
	if e.Tag == local {
		return e
	}
	for _, c := range e.ChildElements() {
		if found := findLocal(c, local); found != nil {
			return found
		}
	}
	return nil
}
