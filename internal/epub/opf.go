package epub

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// packageDocument is a parsed OPF file together with its location.
type packageDocument struct {
	doc      *etree.Document
	root     *etree.Element
	metadata *etree.Element
	manifest *etree.Element
	spine    *etree.Element
	// path of the OPF file from the container root
	path []string
}

// manifestItem is a manifest <item>; Path is resolved from the container root.
type manifestItem struct {
	el         *etree.Element
	ID         string
	Href       string
	MediaType  string
	Properties string
	Path       []string
}

// spineItem is a spine <itemref>.
type spineItem struct {
	IDRef  string
	Linear string
}

// parsePackage checks the root element and locates the main sections.
func parsePackage(doc *etree.Document, path []string) (*packageDocument, error) {
	root := doc.Root()
	if root == nil || !is(root, nsOPF, "package") {
		return nil, fmt.Errorf("%w: root element is not an OPF package", ErrInvalidPackage)
	}
	pkg := &packageDocument{
		doc:      doc,
		root:     root,
		metadata: firstChild(root, nsOPF, "metadata"),
		manifest: firstChild(root, nsOPF, "manifest"),
		spine:    firstChild(root, nsOPF, "spine"),
		path:     path,
	}
	if pkg.metadata == nil {
		return nil, fmt.Errorf("%w: <metadata> missing", ErrInvalidPackage)
	}
	return pkg, nil
}

// parseVersion truncates a version attribute to its major number.
func parseVersion(v string) (int, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: version %q", ErrInvalidPackage, v)
	}
	n := int(f)
	if n != 2 && n != 3 {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}
	return n, nil
}

func (p *packageDocument) version() (int, error) {
	v, ok := attr(p.root, "", "version")
	if !ok || strings.TrimSpace(v) == "" {
		return 0, fmt.Errorf("%w: package has no version", ErrInvalidPackage)
	}
	return parseVersion(v)
}

func (p *packageDocument) dir() []string {
	return dirOf(p.path)
}

func (p *packageDocument) uniqueIdentifier() string {
	return strings.TrimSpace(attrValue(p.root, "", "unique-identifier"))
}

func (p *packageDocument) items() []manifestItem {
	if p.manifest == nil {
		return nil
	}
	var out []manifestItem
	for _, el := range children(p.manifest, nsOPF, "item") {
		out = append(out, p.newItem(el))
	}
	return out
}

func (p *packageDocument) newItem(el *etree.Element) manifestItem {
	it := manifestItem{
		el:         el,
		ID:         attrValue(el, "", "id"),
		Href:       attrValue(el, "", "href"),
		MediaType:  strings.TrimSpace(attrValue(el, "", "media-type")),
		Properties: attrValue(el, "", "properties"),
	}
	if it.Href != "" && !isExternal(it.Href) {
		if resolved, err := resolvePath(p.dir(), it.Href); err == nil {
			it.Path = resolved
		}
	}
	return it
}

func (p *packageDocument) item(id string) (manifestItem, bool) {
	for _, it := range p.items() {
		if it.ID == id {
			return it, true
		}
	}
	return manifestItem{}, false
}

func (p *packageDocument) itemRefs() []spineItem {
	if p.spine == nil {
		return nil
	}
	var out []spineItem
	for _, el := range children(p.spine, nsOPF, "itemref") {
		out = append(out, spineItem{
			IDRef:  attrValue(el, "", "idref"),
			Linear: strings.TrimSpace(attrValue(el, "", "linear")),
		})
	}
	return out
}

// ncxItem returns the NCX referenced by spine@toc, falling back to the first
// item with the NCX media type.
func (p *packageDocument) ncxItem() (manifestItem, bool) {
	if p.spine != nil {
		if id := attrValue(p.spine, "", "toc"); id != "" {
			if it, ok := p.item(id); ok && it.Path != nil {
				return it, true
			}
		}
	}
	for _, it := range p.items() {
		if it.MediaType == mediaTypeNCX && it.Path != nil {
			return it, true
		}
	}
	return manifestItem{}, false
}

// metas returns the OPF <meta> children of <metadata>.
func (p *packageDocument) metas() []*etree.Element {
	return children(p.metadata, nsOPF, "meta")
}

// ids collects every id attribute in the document.
func (p *packageDocument) ids() map[string]bool {
	out := map[string]bool{}
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		if id, ok := attr(e, "", "id"); ok {
			out[id] = true
		}
		for _, c := range e.ChildElements() {
			walk(c)
		}
	}
	walk(p.root)
	return out
}

const (
	mediaTypeXHTML = "application/xhtml+xml"
	mediaTypeNCX   = "application/x-dtbncx+xml"
	mimetypeName   = "mimetype"
	mimetypeValue  = "application/epub+zip"
)

// idAllocator hands out ids that do not collide with reserved ones.
type idAllocator struct {
	used map[string]bool
}

func newIDAllocator(reserved map[string]bool) *idAllocator {
	used := make(map[string]bool, len(reserved))
	for id := range reserved {
		used[id] = true
	}
	return &idAllocator{used: used}
}

func (a *idAllocator) reserve(id string) {
	if id != "" {
		a.used[id] = true
	}
}

// next returns base1, base2, ... or base itself first when bare is set.
func (a *idAllocator) next(base string, bare bool) string {
	if bare && !a.used[base] {
		a.used[base] = true
		return base
	}
	for i := 1; ; i++ {
		id := base + strconv.Itoa(i)
		if !a.used[id] {
			a.used[id] = true
			return id
		}
	}
}
