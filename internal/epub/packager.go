package epub

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/yuanying/epubkit/internal/mediatype"
	"github.com/yuanying/epubkit/internal/storage"
	"go.uber.org/zap"
)

// CoverHandler writes a replacement cover image into w. existing is nil
// when the container had no cover.
type CoverHandler func(ctx context.Context, existing *Cover, w io.Writer) error

// MetadataHandler mutates the metadata before it is written back.
type MetadataHandler func(m Metadata) error

// XHTMLHandler mutates a spine content document in place.
type XHTMLHandler func(doc *etree.Document) error

// PackagerOption configures a Packager.
type PackagerOption func(*Packager)

// WithCoverHandler replaces the cover with an image of mediaType produced
// by h.
func WithCoverHandler(mediaType string, h CoverHandler) PackagerOption {
	return func(p *Packager) {
		p.coverType = mediaType
		p.cover = h
	}
}

// WithMetadataHandler rewrites the package metadata through h.
func WithMetadataHandler(h MetadataHandler) PackagerOption {
	return func(p *Packager) {
		p.metadata = h
	}
}

// WithXHTMLHandler passes every spine XHTML document through h.
func WithXHTMLHandler(h XHTMLHandler) PackagerOption {
	return func(p *Packager) {
		p.xhtml = h
	}
}

// WithFileNameOverrides moves files to new paths, both given from the
// container root. An empty target drops the file. References from the
// package document, the NCX, content documents and stylesheets follow.
func WithFileNameOverrides(overrides map[string]string) PackagerOption {
	return func(p *Packager) {
		p.overrides = overrides
	}
}

// Packager copies a container into a new zip archive or directory,
// optionally replacing the cover, the metadata and content documents.
// Everything it is not asked to change is copied byte for byte.
type Packager struct {
	c         *Container
	mt        mediatype.Mapping
	coverType string
	cover     CoverHandler
	metadata  MetadataHandler
	xhtml     XHTMLHandler
	overrides map[string]string
	log       *zap.Logger
}

// NewPackager creates a packager reading from c. A nil mapping uses
// mediatype.Default.
func NewPackager(c *Container, mt mediatype.Mapping, opts ...PackagerOption) *Packager {
	if mt == nil {
		mt = mediatype.Default
	}
	p := &Packager{c: c, mt: mt, log: c.log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// packagePass is the state shared by the steps of one packaging run.
type packagePass struct {
	pkg      *packageDocument
	version  int
	meta     Metadata
	uid      string
	modified time.Time
	contents *Contents
	reloc    *relocation
	items    map[string]manifestItem
	taken    map[string]bool
	// manifest id -> whether the document now contains scripts
	scripted map[string]bool
}

// WriteZip writes the repackaged container as a zip archive to w. Every
// entry carries the same timestamp, taken from the (possibly updated)
// metadata, so an unchanged container repackages to identical bytes.
func (p *Packager) WriteZip(ctx context.Context, w io.Writer, compression storage.Compression) error {
	pass, err := p.prepare(ctx)
	if err != nil {
		return err
	}
	zw := storage.NewZipWriter(w, storage.ZipOptions{
		Modified:    pass.modified,
		Compression: compression,
		Stored:      []string{mimetypeName},
	})
	if err := p.write(ctx, pass, zw.Root()); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// WriteDir writes the repackaged container into out, which must be empty.
func (p *Packager) WriteDir(ctx context.Context, out storage.Directory) error {
	empty, err := storage.IsEmpty(ctx, out)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("%w: %s", ErrOutputNotEmpty, storage.Join(out.Path()))
	}
	pass, err := p.prepare(ctx)
	if err != nil {
		return err
	}
	if err := out.Create(ctx); err != nil {
		return err
	}
	return p.write(ctx, pass, out)
}

func (p *Packager) prepare(ctx context.Context) (*packagePass, error) {
	if p.cover != nil {
		if strings.TrimSpace(p.coverType) == "" {
			return nil, fmt.Errorf("%w: empty media type", ErrInvalidCoverType)
		}
		if _, ok := p.mt.Extension(p.coverType); !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCoverType, p.coverType)
		}
	}
	pkg, err := p.c.packageDocument(ctx)
	if err != nil {
		return nil, err
	}
	version, err := pkg.version()
	if err != nil {
		return nil, err
	}
	meta, err := readMetadata(pkg, version)
	if err != nil {
		return nil, err
	}
	pass := &packagePass{
		pkg:      pkg,
		version:  version,
		items:    map[string]manifestItem{},
		taken:    map[string]bool{},
		scripted: map[string]bool{},
	}

	if p.metadata != nil {
		before := meta.Identifier()
		if err := p.metadata(meta); err != nil {
			return nil, fmt.Errorf("metadata handler: %w", err)
		}
		if id := meta.Identifier(); id != before {
			pass.uid = id
		}
		pass.meta = meta
	}
	if lm := meta.LastModified(); lm != nil {
		pass.modified = *lm
	}
	pass.modified = storage.ClampZipTime(pass.modified)

	if pass.contents, err = p.c.contents(ctx, pkg, version); err != nil {
		return nil, err
	}
	for _, it := range pkg.items() {
		if it.Path != nil {
			pass.items[pathKey(it.Path)] = it
		}
	}
	c := pass.contents
	for _, f := range append(append([]storage.File{c.Mimetype, c.Package}, c.Documents...), c.Files...) {
		pass.taken[pathKey(f.Path())] = true
	}
	if c.Cover != nil {
		pass.taken[pathKey(c.Cover.File().Path())] = true
	}
	if pass.reloc, err = p.relocation(pass); err != nil {
		return nil, err
	}
	return pass, nil
}

// relocation validates the file name overrides against the container.
func (p *Packager) relocation(pass *packagePass) (*relocation, error) {
	r := &relocation{moved: map[string][]string{}}
	if len(p.overrides) == 0 {
		return r, nil
	}
	fixed := map[string]bool{}
	for _, p := range [][]string{{mimetypeName}, pass.pkg.path, {containerDir, containerName}} {
		fixed[pathKey(p)] = true
	}
	for src, dst := range p.overrides {
		sp, err := resolvePath(nil, src)
		if err != nil || len(sp) == 0 {
			return nil, fmt.Errorf("%w: source %q", ErrInvalidOverride, src)
		}
		key := pathKey(sp)
		if fixed[key] {
			return nil, fmt.Errorf("%w: %s cannot be moved", ErrInvalidOverride, src)
		}
		if !pass.taken[key] {
			return nil, fmt.Errorf("%w: %s is not in the container", ErrInvalidOverride, src)
		}
		if strings.TrimSpace(dst) == "" {
			if cover := pass.contents.Cover; cover != nil && samePath(cover.File().Path(), sp) {
				return nil, fmt.Errorf("%w: the cover cannot be dropped", ErrInvalidOverride)
			}
			r.moved[key] = nil
			continue
		}
		dp, err := resolvePath(nil, dst)
		if err != nil || len(dp) == 0 {
			return nil, fmt.Errorf("%w: target %q", ErrInvalidOverride, dst)
		}
		r.moved[key] = dp
	}

	targets := map[string]string{}
	for key, dp := range r.moved {
		if dp == nil {
			continue
		}
		dk := pathKey(dp)
		if other, ok := targets[dk]; ok {
			return nil, fmt.Errorf("%w: %s and %s both map to %s", ErrInvalidOverride, other, key, storage.Join(dp))
		}
		targets[dk] = key
		if dk == key {
			continue
		}
		if fixed[dk] {
			return nil, fmt.Errorf("%w: %s is reserved", ErrInvalidOverride, storage.Join(dp))
		}
		if _, leaving := r.moved[dk]; pass.taken[dk] && !leaving {
			return nil, fmt.Errorf("%w: %s already exists", ErrInvalidOverride, storage.Join(dp))
		}
	}
	for dk := range targets {
		pass.taken[dk] = true
	}
	return r, nil
}

func (p *Packager) write(ctx context.Context, pass *packagePass, root storage.Directory) error {
	c := pass.contents
	if err := storage.Copy(ctx, c.Mimetype, root.File(mimetypeName)); err != nil {
		return fmt.Errorf("failed to write mimetype: %w", err)
	}
	for _, d := range c.Dirs {
		if err := storage.DirAt(root, d.Path()...).Create(ctx); err != nil {
			return err
		}
	}
	for _, f := range c.Files {
		if err := p.writeFile(ctx, pass, root, f); err != nil {
			return err
		}
	}
	newCoverHref, err := p.writeCover(ctx, pass, root)
	if err != nil {
		return err
	}
	for _, f := range c.Documents {
		if err := p.writeDocument(ctx, pass, root, f); err != nil {
			return err
		}
	}
	return p.writePackage(ctx, pass, root, newCoverHref)
}

// writeFile copies a regular file, rewriting the NCX and the references of
// moved content when needed.
func (p *Packager) writeFile(ctx context.Context, pass *packagePass, root storage.Directory, f storage.File) error {
	src := f.Path()
	target, kept := pass.reloc.target(src)
	if !kept {
		p.log.Debug("Dropping file", zap.String("file", storage.Join(src)))
		return nil
	}
	dst := storage.FileAt(root, target...)
	mt := mediatype.ForPath(p.mt, f.Name(), mediatype.OctetStream)
	if it, ok := pass.items[pathKey(src)]; ok && it.MediaType != "" {
		mt = it.MediaType
	}
	moved := !pass.reloc.empty()

	switch {
	case mt == mediaTypeNCX && (pass.uid != "" || moved):
		doc, err := readXML(ctx, f)
		if err != nil {
			return err
		}
		updateNCX(doc, pass.uid, pass.reloc, dirOf(src), dirOf(target))
		return writeXML(ctx, dst, doc)
	case mt == mediaTypeXHTML && moved:
		doc, err := readXML(ctx, f)
		if err != nil {
			return err
		}
		relocateDocument(doc, pass.reloc, dirOf(src), dirOf(target))
		return writeXML(ctx, dst, doc)
	case mt == mediatype.CSS && moved:
		data, err := storage.ReadAll(ctx, f)
		if err != nil {
			return err
		}
		css := relocateCSS(string(data), pass.reloc, dirOf(src), dirOf(target))
		return storage.WriteBytes(ctx, dst, []byte(css))
	default:
		return storage.Copy(ctx, f, dst)
	}
}

// writeCover emits the cover and returns the href of a cover file that the
// package document does not know yet.
func (p *Packager) writeCover(ctx context.Context, pass *packagePass, root storage.Directory) (string, error) {
	existing := pass.contents.Cover
	if p.cover == nil {
		if existing == nil {
			return "", nil
		}
		target, _ := pass.reloc.target(existing.File().Path())
		return "", storage.Copy(ctx, existing.File(), storage.FileAt(root, target...))
	}

	var target []string
	newCoverHref := ""
	if existing != nil && strings.EqualFold(existing.MediaType(), p.coverType) {
		target, _ = pass.reloc.target(existing.File().Path())
	} else {
		if existing != nil {
			// the previous image stays as a plain item
			old, _ := pass.reloc.target(existing.File().Path())
			if err := storage.Copy(ctx, existing.File(), storage.FileAt(root, old...)); err != nil {
				return "", err
			}
		}
		target = p.freeCoverPath(pass)
		newCoverHref = hrefTo(target, pass.pkg.dir())
	}

	w, err := storage.FileAt(root, target...).Create(ctx)
	if err != nil {
		return "", err
	}
	if err := p.cover(ctx, existing, w); err != nil {
		w.Close()
		return "", fmt.Errorf("cover handler: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	p.log.Debug("Wrote cover", zap.String("file", storage.Join(target)), zap.String("media_type", p.coverType))
	return newCoverHref, nil
}

// freeCoverPath picks cover{ext}, cover1{ext}, ... next to the package
// document, avoiding every path of the source and of the relocation.
func (p *Packager) freeCoverPath(pass *packagePass) []string {
	ext := mediatype.ExtensionOr(p.mt, p.coverType, "")
	dir := pass.pkg.dir()
	for i := 0; ; i++ {
		name := "cover" + ext
		if i > 0 {
			name = fmt.Sprintf("cover%d%s", i, ext)
		}
		candidate := append(append([]string(nil), dir...), name)
		if !pass.taken[pathKey(candidate)] {
			pass.taken[pathKey(candidate)] = true
			return candidate
		}
	}
}

func (p *Packager) writeDocument(ctx context.Context, pass *packagePass, root storage.Directory, f storage.File) error {
	src := f.Path()
	target, kept := pass.reloc.target(src)
	if !kept {
		p.log.Debug("Dropping document", zap.String("file", storage.Join(src)))
		return nil
	}
	dst := storage.FileAt(root, target...)
	moved := !pass.reloc.empty()
	if p.xhtml == nil && !moved {
		return storage.Copy(ctx, f, dst)
	}

	doc, err := readXML(ctx, f)
	if err != nil {
		return err
	}
	if p.xhtml != nil {
		if err := p.xhtml(doc); err != nil {
			return fmt.Errorf("xhtml handler on %s: %w", storage.Join(src), err)
		}
		if it, ok := pass.items[pathKey(src)]; ok && pass.version >= 3 {
			if now := hasScript(doc); now != hasToken(it.Properties, "scripted") {
				pass.scripted[it.ID] = now
			}
		}
	}
	if moved {
		relocateDocument(doc, pass.reloc, dirOf(src), dirOf(target))
	}
	return writeXML(ctx, dst, doc)
}

// writePackage writes the package document last, so it can refer to what
// the other steps produced. It is copied verbatim when nothing changed.
func (p *Packager) writePackage(ctx context.Context, pass *packagePass, root storage.Directory, newCoverHref string) error {
	pkg := pass.pkg
	dst := storage.FileAt(root, pkg.path...)
	if pass.meta == nil && newCoverHref == "" && pass.reloc.empty() && len(pass.scripted) == 0 {
		return storage.Copy(ctx, pass.contents.Package, dst)
	}

	if pass.meta != nil {
		if err := writeMetadata(pkg, pass.meta, newCoverHref, p.coverType); err != nil {
			return err
		}
	} else if newCoverHref != "" {
		registerCover(pkg, pass.version, newCoverHref, p.coverType, newIDAllocator(pkg.ids()))
	}
	if !pass.reloc.empty() {
		relocatePackage(pkg, pass.reloc)
	}
	for _, it := range pkg.items() {
		scripted, ok := pass.scripted[it.ID]
		if !ok {
			continue
		}
		props := withoutToken(it.Properties, "scripted")
		if scripted {
			props = withToken(props, "scripted")
		}
		if props == "" {
			removeAttr(it.el, "", "properties")
		} else {
			it.el.CreateAttr("properties", props)
		}
	}
	pkg.doc.Indent(2)
	return writeXML(ctx, dst, pkg.doc)
}

// relocatePackage updates manifest hrefs and guide references after files
// moved, and removes what was dropped from manifest, spine and guide.
func relocatePackage(pkg *packageDocument, r *relocation) {
	dir := pkg.dir()
	dropped := map[string]bool{}
	for _, it := range pkg.items() {
		if it.Path == nil {
			continue
		}
		target, kept := r.target(it.Path)
		if !kept {
			pkg.manifest.RemoveChild(it.el)
			dropped[it.ID] = true
			continue
		}
		if !samePath(target, it.Path) {
			it.el.CreateAttr("href", hrefTo(target, dir))
		}
	}
	if pkg.spine != nil {
		for _, ref := range children(pkg.spine, nsOPF, "itemref") {
			if dropped[attrValue(ref, "", "idref")] {
				pkg.spine.RemoveChild(ref)
			}
		}
		if dropped[attrValue(pkg.spine, "", "toc")] {
			removeAttr(pkg.spine, "", "toc")
		}
	}
	if guide := firstChild(pkg.root, nsOPF, "guide"); guide != nil {
		for _, ref := range children(guide, nsOPF, "reference") {
			href := attrValue(ref, "", "href")
			if resolved, err := resolvePath(dir, href); err == nil && !isExternal(href) {
				if _, kept := r.target(resolved); !kept {
					guide.RemoveChild(ref)
					continue
				}
			}
			ref.CreateAttr("href", r.rewriteHref(href, dir, dir))
		}
	}
}
