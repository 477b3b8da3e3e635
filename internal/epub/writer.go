package epub

import (
	"context"
	"fmt"
	"image"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/yuanying/epubkit/internal/mediatype"
	"github.com/yuanying/epubkit/internal/storage"
	"go.uber.org/zap"
)

// Version selects the EPUB version a Writer produces.
type Version int

const (
	Epub2 Version = 2
	Epub3 Version = 3
)

// Direction is the page progression direction of the spine.
type Direction int

const (
	DirectionDefault Direction = iota
	DirectionLTR
	DirectionRTL
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	// Version defaults to Epub3.
	Version     Version
	Compression storage.Compression
	// Modified is the dcterms:modified value and the zip entry timestamp.
	// The zero value means now.
	Modified time.Time
	// ReservedPrefix starts the names of generated files; resource names
	// may not start with it. Empty means ".".
	ReservedPrefix string
	// ContentDirectory holds the package document and every resource. Empty
	// means the container root.
	ContentDirectory string
	// MediaTypes defaults to mediatype.Default.
	MediaTypes mediatype.Mapping
	Logger     *zap.Logger
}

// DefaultWriterOptions returns EPUB3 options writing under OEBPS.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		Version:          Epub3,
		Compression:      storage.NoCompression,
		ReservedPrefix:   ".",
		ContentDirectory: "OEBPS",
	}
}

// Resource is a file added to the publication. Href is relative to the
// content directory. XHTML resources also join the spine, in addition
// order.
type Resource struct {
	Href               string
	ManifestProperties []string
	SpineProperties    []string
}

// Manifest ids of the generated files.
const (
	coverImageID = "cover-id"
	coverPageID  = "cover-xhtml-id"
	navID        = "nav"
	ncxID        = "ncx-id"
)

// Writer authors a new publication. The mimetype and META-INF/container.xml
// are written on creation; resources are streamed as they are added; the
// cover page, navigation files and package document are written by Close.
type Writer struct {
	Identifier   string
	Title        string
	Languages    []string
	Creators     []Creator
	Date         *time.Time
	PrePaginated bool
	Direction    Direction
	Series       *Series
	// IncludeLegacyFeatures adds the NCX, the guide and meta name="cover"
	// to an EPUB3 publication.
	IncludeLegacyFeatures bool
	// CoverSize is the pixel size of the raster cover. When unset the cover
	// page stretches the image over the page.
	CoverSize image.Point

	opts       WriterOptions
	root       storage.Directory
	zw         *storage.ZipWriter
	log        *zap.Logger
	contentDir []string

	resources []Resource
	paths     map[string]bool
	open      *resourceWriter

	coverHref       string
	coverInSequence bool
	toc             []NavItem
	tocAdded        bool
	tocInSequence   bool
	closed          bool
	closeErr        error
}

// NewWriter starts a publication in the empty directory dir.
func NewWriter(ctx context.Context, dir storage.Directory, opts WriterOptions) (*Writer, error) {
	empty, err := storage.IsEmpty(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !empty {
		return nil, fmt.Errorf("%w: %s", ErrOutputNotEmpty, storage.Join(dir.Path()))
	}
	if err := dir.Create(ctx); err != nil {
		return nil, err
	}
	return newWriter(ctx, dir, nil, opts)
}

// NewZipWriter starts a publication written as a zip archive to out. Close
// finishes the archive but does not close out.
func NewZipWriter(ctx context.Context, out io.Writer, opts WriterOptions) (*Writer, error) {
	opts = withWriterDefaults(opts)
	zw := storage.NewZipWriter(out, storage.ZipOptions{
		Modified:    opts.Modified,
		Compression: opts.Compression,
		Stored:      []string{mimetypeName},
	})
	w, err := newWriter(ctx, zw.Root(), zw, opts)
	if err != nil {
		zw.Close()
		return nil, err
	}
	return w, nil
}

func withWriterDefaults(opts WriterOptions) WriterOptions {
	if opts.Version == 0 {
		opts.Version = Epub3
	}
	if opts.Modified.IsZero() {
		opts.Modified = time.Now()
	}
	opts.Modified = opts.Modified.UTC().Truncate(time.Second)
	if opts.ReservedPrefix == "" {
		opts.ReservedPrefix = "."
	}
	if opts.MediaTypes == nil {
		opts.MediaTypes = mediatype.Default
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

func newWriter(ctx context.Context, root storage.Directory, zw *storage.ZipWriter, opts WriterOptions) (*Writer, error) {
	opts = withWriterDefaults(opts)
	if opts.Version != Epub2 && opts.Version != Epub3 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, opts.Version)
	}
	contentDir, err := resolvePath(nil, opts.ContentDirectory)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		Identifier: "urn:uuid:" + uuid.NewString(),
		opts:       opts,
		root:       root,
		zw:         zw,
		log:        opts.Logger,
		contentDir: contentDir,
		paths:      map[string]bool{},
	}
	if err := storage.WriteBytes(ctx, root.File(mimetypeName), []byte(mimetypeValue)); err != nil {
		return nil, fmt.Errorf("failed to write mimetype: %w", err)
	}
	if err := writeXML(ctx, storage.FileAt(root, containerDir, containerName), buildContainerXML(w.packagePath())); err != nil {
		return nil, fmt.Errorf("failed to write container.xml: %w", err)
	}
	return w, nil
}

func buildContainerXML(opfPath []string) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	container := doc.CreateElement("container")
	container.CreateAttr("version", "1.0")
	container.CreateAttr("xmlns", nsContainer)
	rf := container.CreateElement("rootfiles").CreateElement("rootfile")
	rf.CreateAttr("full-path", storage.Join(opfPath))
	rf.CreateAttr("media-type", mediatype.OPF)
	doc.Indent(2)
	return doc
}

func (w *Writer) reserved(name string) string {
	return w.opts.ReservedPrefix + name
}

func (w *Writer) packagePath() []string {
	return w.resourcePath(w.reserved("package.opf"))
}

func (w *Writer) resourcePath(href string) []string {
	return append(append([]string(nil), w.contentDir...), storage.Split(href)...)
}

// inContentDir reports whether p names a file below the content directory
// that is not one of the container files.
func (w *Writer) inContentDir(p []string) bool {
	n := len(w.contentDir)
	if len(p) <= n || !samePath(p[:n], w.contentDir) {
		return false
	}
	if samePath(p, []string{mimetypeName}) || strings.EqualFold(p[0], containerDir) {
		return false
	}
	return true
}

// CreateResource returns a writer for a new resource. The returned writer
// must be closed before another file is created.
func (w *Writer) CreateResource(ctx context.Context, res Resource) (io.WriteCloser, error) {
	if err := w.ready(ctx); err != nil {
		return nil, err
	}
	href := strings.TrimSpace(res.Href)
	if href == "" || isExternal(href) || strings.HasPrefix(href, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHref, res.Href)
	}
	p, err := resolvePath(w.contentDir, href)
	if err != nil {
		return nil, err
	}
	if !w.inContentDir(p) {
		return nil, fmt.Errorf("%w: %q is outside the content directory", ErrInvalidHref, res.Href)
	}
	if strings.HasPrefix(p[len(p)-1], w.opts.ReservedPrefix) {
		return nil, fmt.Errorf("%w: %s", ErrReservedHref, href)
	}
	key := pathKey(p)
	if w.paths[key] {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateResource, href)
	}
	out, err := storage.FileAt(w.root, p...).Create(ctx)
	if err != nil {
		return nil, err
	}
	w.paths[key] = true
	res.Href = hrefTo(p, w.contentDir)
	w.resources = append(w.resources, res)
	w.log.Debug("Added resource", zap.String("path", storage.Join(p)))
	w.open = &resourceWriter{WriteCloser: out, w: w}
	return w.open, nil
}

// AddResource copies r into a new resource.
func (w *Writer) AddResource(ctx context.Context, r io.Reader, res Resource) error {
	out, err := w.CreateResource(ctx, res)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CreateRasterCover returns a writer for the cover image, stored under a
// reserved name with extension ext (including the dot). An in-sequence
// cover also gets a cover page at the start of the spine.
func (w *Writer) CreateRasterCover(ctx context.Context, ext string, inSequence bool) (io.WriteCloser, error) {
	if err := w.ready(ctx); err != nil {
		return nil, err
	}
	if w.coverHref != "" {
		return nil, ErrCoverAlreadyAdded
	}
	p := w.resourcePath(w.reserved("cover" + ext))
	out, err := storage.FileAt(w.root, p...).Create(ctx)
	if err != nil {
		return nil, err
	}
	w.coverHref = hrefTo(p, w.contentDir)
	w.coverInSequence = inSequence
	w.open = &resourceWriter{WriteCloser: out, w: w}
	return w.open, nil
}

// AddTOC sets the table of contents. References are relative to the
// content directory. An in-sequence TOC is also placed in the spine.
func (w *Writer) AddTOC(items []NavItem, inSequence bool) error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.tocAdded {
		return ErrTOCAlreadyAdded
	}
	w.toc = items
	w.tocAdded = true
	w.tocInSequence = inSequence
	return nil
}

func (w *Writer) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.closed {
		return ErrWriterClosed
	}
	if w.open != nil {
		return ErrResourceOpen
	}
	return nil
}

type resourceWriter struct {
	io.WriteCloser
	w      *Writer
	closed bool
}

func (r *resourceWriter) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.w.open == r {
		r.w.open = nil
	}
	return r.WriteCloser.Close()
}

func (w *Writer) includeNav() bool {
	return w.opts.Version == Epub3 || w.tocInSequence
}

func (w *Writer) includeNCX() bool {
	return w.opts.Version == Epub2 || w.IncludeLegacyFeatures
}

func (w *Writer) includeGuide() bool {
	return w.opts.Version == Epub2 || w.IncludeLegacyFeatures
}

// writerItem is a manifest entry of the package being written.
type writerItem struct {
	id         string
	href       string
	mediaType  string
	properties string
	spine      bool
	spineProps string
}

// Close writes the generated documents and the package document, then
// finishes the zip archive. The archive is finished even when the
// publication is incomplete. Closing again returns the first result.
func (w *Writer) Close(ctx context.Context) error {
	if w.closed {
		return w.closeErr
	}
	if err := w.ready(ctx); err != nil {
		return err
	}
	w.closed = true

	switch {
	case strings.TrimSpace(w.Title) == "":
		w.closeErr = fmt.Errorf("%w: title is required", ErrMissingMetadata)
	case strings.TrimSpace(w.Identifier) == "":
		w.closeErr = fmt.Errorf("%w: identifier is required", ErrMissingMetadata)
	default:
		w.closeErr = w.finish(ctx)
	}
	if w.zw != nil {
		if err := w.zw.Close(); w.closeErr == nil {
			w.closeErr = err
		}
	}
	return w.closeErr
}

func (w *Writer) finish(ctx context.Context) error {
	epub3 := w.opts.Version == Epub3
	lang := "en"
	if len(w.Languages) > 0 {
		lang = w.Languages[0]
	}
	coverPage := w.reserved("cover.xhtml")
	navHref := w.reserved("nav.xhtml")
	ncxHref := w.reserved("toc.ncx")

	var items, spine []writerItem
	var nav []NavItem
	var landmarks, guide []landmark
	if w.coverHref != "" {
		it := writerItem{
			id:        coverImageID,
			href:      w.coverHref,
			mediaType: mediatype.ForPath(w.opts.MediaTypes, w.coverHref, mediatype.OctetStream),
		}
		if epub3 {
			it.properties = "cover-image"
		}
		items = append(items, it)
		if w.coverInSequence {
			page := writerItem{id: coverPageID, href: coverPage, mediaType: mediatype.XHTML, spine: true}
			if epub3 {
				page.properties = "svg"
			}
			items = append(items, page)
			spine = append(spine, page)
			nav = append(nav, NavItem{Text: "Cover", Reference: coverPage})
			landmarks = append(landmarks, landmark{Type: "cover", Text: "Cover", Href: coverPage})
		}
	}
	if w.includeNav() {
		it := writerItem{id: navID, href: navHref, mediaType: mediatype.XHTML, spine: w.tocInSequence}
		if epub3 {
			it.properties = "nav"
		}
		items = append(items, it)
		if w.tocInSequence {
			spine = append(spine, it)
		}
	}
	if w.tocInSequence {
		nav = append(nav, NavItem{Text: "Table Of Contents", Reference: navHref})
		landmarks = append(landmarks, landmark{Type: "toc", Text: "Table Of Contents", Href: navHref})
	}
	nav = append(nav, w.toc...)
	if w.includeNCX() {
		items = append(items, writerItem{id: ncxID, href: ncxHref, mediaType: mediatype.NCX})
	}

	alloc := newIDAllocator(map[string]bool{coverImageID: true, coverPageID: true, navID: true, ncxID: true, "uid": true})
	startOfContent := ""
	for _, res := range w.resources {
		mt := mediatype.ForPath(w.opts.MediaTypes, res.Href, mediatype.OctetStream)
		it := writerItem{
			id:        alloc.next("item", false),
			href:      res.Href,
			mediaType: mt,
			spine:     mt == mediatype.XHTML,
		}
		if epub3 {
			it.properties = strings.Join(res.ManifestProperties, " ")
			it.spineProps = strings.Join(res.SpineProperties, " ")
		}
		items = append(items, it)
		if it.spine {
			spine = append(spine, it)
			if startOfContent == "" {
				startOfContent = res.Href
			}
		}
	}
	if startOfContent != "" {
		landmarks = append(landmarks, landmark{Type: "bodymatter", Text: "Start Of Content", Href: startOfContent})
	}
	if w.includeGuide() {
		for _, l := range landmarks {
			if l.Type == "bodymatter" {
				l.Type = "text"
			}
			guide = append(guide, l)
		}
	}

	if w.coverHref != "" && w.coverInSequence {
		page := NewImagePage(w.Title, lang, w.coverHref, w.CoverSize.X, w.CoverSize.Y)
		if err := w.writeDocument(ctx, coverPage, page); err != nil {
			return err
		}
	}
	if w.includeNav() {
		var lm []landmark
		if epub3 {
			lm = landmarks
		}
		if err := w.writeDocument(ctx, navHref, buildNav(w.Title, lang, nav, lm)); err != nil {
			return err
		}
	}
	if w.includeNCX() {
		if err := w.writeDocument(ctx, ncxHref, buildNCX(w.Identifier, w.Title, lang, nav)); err != nil {
			return err
		}
	}
	opf, err := w.buildPackage(items, spine, guide)
	if err != nil {
		return err
	}
	w.log.Debug("Writing package document",
		zap.Int("items", len(items)),
		zap.Int("spine", len(spine)))
	return writeXML(ctx, storage.FileAt(w.root, w.packagePath()...), opf)
}

func (w *Writer) writeDocument(ctx context.Context, href string, doc *etree.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeXML(ctx, storage.FileAt(w.root, w.resourcePath(href)...), doc)
}

// buildPackage renders the package document. Metadata goes through the
// same model used to rewrite existing publications.
func (w *Writer) buildPackage(items, spine []writerItem, guide []landmark) (*etree.Document, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("package")
	root.CreateAttr("xmlns", nsOPF)
	root.CreateAttr("version", strconv.Itoa(int(w.opts.Version))+".0")
	root.CreateAttr("unique-identifier", "uid")
	md := root.CreateElement("metadata")
	md.CreateAttr("xmlns:dc", nsDC)
	md.CreateAttr("xmlns:opf", nsOPF)
	root.CreateElement("manifest")
	root.CreateElement("spine")
	pkg, err := parsePackage(doc, w.packagePath())
	if err != nil {
		return nil, err
	}

	meta, err := w.metadata()
	if err != nil {
		return nil, err
	}
	meta.writeTo(pkg, newIDAllocator(nil))
	if w.PrePaginated && w.opts.Version == Epub2 {
		el := emitMeta(pkg)
		el.CreateAttr("property", propertyLayout)
		el.SetText(layoutPrePaginated)
	}
	if w.coverHref != "" && (w.opts.Version == Epub2 || w.IncludeLegacyFeatures) {
		el := emitMeta(pkg)
		el.CreateAttr("name", "cover")
		el.CreateAttr("content", coverImageID)
	}

	for _, it := range items {
		el := pkg.manifest.CreateElement("item")
		el.CreateAttr("id", it.id)
		el.CreateAttr("href", it.href)
		el.CreateAttr("media-type", it.mediaType)
		if it.properties != "" {
			el.CreateAttr("properties", it.properties)
		}
	}
	if w.includeNCX() {
		pkg.spine.CreateAttr("toc", ncxID)
	}
	switch w.Direction {
	case DirectionLTR:
		pkg.spine.CreateAttr("page-progression-direction", "ltr")
	case DirectionRTL:
		pkg.spine.CreateAttr("page-progression-direction", "rtl")
	}
	for _, it := range spine {
		ref := pkg.spine.CreateElement("itemref")
		ref.CreateAttr("idref", it.id)
		if it.spineProps != "" {
			ref.CreateAttr("properties", it.spineProps)
		}
	}
	if len(guide) > 0 {
		g := root.CreateElement("guide")
		for _, l := range guide {
			ref := g.CreateElement("reference")
			ref.CreateAttr("type", l.Type)
			ref.CreateAttr("title", l.Text)
			ref.CreateAttr("href", l.Href)
		}
	}
	doc.Indent(2)
	return doc, nil
}

// metadata builds the version specific model from the public fields.
func (w *Writer) metadata() (Metadata, error) {
	langs := w.Languages
	if len(langs) == 0 {
		langs = []string{"en"}
	}
	if w.opts.Version == Epub2 {
		m := &Epub2Metadata{
			UniqueID:  Epub2Entry{ID: "uid", Value: w.Identifier},
			MainTitle: Epub2Entry{Value: w.Title},
		}
		if strings.HasPrefix(w.Identifier, "urn:uuid:") {
			m.UniqueID.Scheme = "UUID"
		}
		if err := m.SetLanguages(langs); err != nil {
			return nil, err
		}
		m.SetCreators(w.Creators)
		m.SetDate(w.Date)
		m.SetLastModified(w.opts.Modified)
		m.SetSeries(w.Series)
		return m, nil
	}

	m := &Epub3Metadata{
		Modified:  w.opts.Modified,
		UniqueID:  Epub3Entry{ID: "uid", Value: w.Identifier},
		MainTitle: Epub3Entry{Value: w.Title},
	}
	if err := m.SetLanguages(langs); err != nil {
		return nil, err
	}
	m.SetCreators(w.Creators)
	m.SetDate(w.Date)
	if w.PrePaginated {
		m.Metas = append(m.Metas, Epub3Meta{Property: propertyLayout, Value: layoutPrePaginated})
	}
	m.SetSeries(w.Series)
	return m, nil
}

// NewImagePage renders an XHTML page showing one image through an SVG
// wrapper, the form fixed-layout readers expect. With a zero size the image
// is stretched over the page.
func NewImagePage(title, lang, imageHref string, width, height int) *etree.Document {
	doc, body := newXHTMLDocument(title, lang)
	head := doc.Root().SelectElement("head")
	style := head.CreateElement("style")
	style.CreateAttr("type", "text/css")
	style.SetText("html, body { margin: 0; padding: 0; width: 100%; height: 100%; } svg { display: block; width: 100%; height: 100%; }")

	svg := body.CreateElement("svg")
	svg.CreateAttr("version", "1.1")
	svg.CreateAttr("xmlns", nsSVG)
	svg.CreateAttr("xmlns:xlink", nsXLink)
	img := etree.NewElement("image")
	if width > 0 && height > 0 {
		svg.CreateAttr("viewBox", fmt.Sprintf("0 0 %d %d", width, height))
		svg.CreateAttr("preserveAspectRatio", "xMidYMid meet")
		img.CreateAttr("width", strconv.Itoa(width))
		img.CreateAttr("height", strconv.Itoa(height))
	} else {
		svg.CreateAttr("viewBox", "0 0 100 100")
		svg.CreateAttr("preserveAspectRatio", "none")
		img.CreateAttr("width", "100")
		img.CreateAttr("height", "100")
	}
	img.CreateAttr("xlink:href", imageHref)
	svg.AddChild(img)
	doc.Indent(2)
	return doc
}
