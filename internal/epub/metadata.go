package epub

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// Creator is a person or organization with its MARC relator roles.
type Creator struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

// Series places a publication in a numbered series.
type Series struct {
	Name  string `json:"name"`
	Index string `json:"index,omitempty"`
}

// Attribute is an attribute the metadata model does not interpret, kept with
// its original qualified name.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// extraAttrs returns the attributes of e other than the listed local names
// (unprefixed, or xml:lang for "lang").
func extraAttrs(e *etree.Element, modeled ...string) []Attribute {
	var out []Attribute
	for _, a := range e.Attr {
		skip := false
		for _, name := range modeled {
			if a.Key == name && (a.Space == "" || (name == "lang" && a.Space == "xml")) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, Attribute{Key: a.FullKey(), Value: a.Value})
		}
	}
	return out
}

func setExtraAttrs(e *etree.Element, attrs []Attribute) {
	for _, a := range attrs {
		e.CreateAttr(a.Key, a.Value)
	}
}

// Metadata is the version independent view of a package document's
// metadata. The concrete type is *Epub2Metadata or *Epub3Metadata; both keep
// every entry they parsed so that a rewrite only changes what was set.
type Metadata interface {
	Version() int
	Identifier() string
	SetIdentifier(id string) error
	Title() string
	SetTitle(title string) error
	Languages() []string
	SetLanguages(langs []string) error
	Creators() []Creator
	SetCreators(creators []Creator)
	Date() *time.Time
	SetDate(date *time.Time)
	Description() *string
	SetDescription(description *string)
	Series() *Series
	SetSeries(series *Series)
	// LastModified is dcterms:modified for EPUB3 and the latest dc:date for
	// EPUB2, nil when no date is present.
	LastModified() *time.Time

	writeTo(pkg *packageDocument, alloc *idAllocator)
}

// ReadMetadata parses the metadata of an OPF document.
func ReadMetadata(doc *etree.Document) (Metadata, error) {
	pkg, err := parsePackage(doc, nil)
	if err != nil {
		return nil, err
	}
	version, err := pkg.version()
	if err != nil {
		return nil, err
	}
	return readMetadata(pkg, version)
}

func readMetadata(pkg *packageDocument, version int) (Metadata, error) {
	switch version {
	case 2:
		return readEpub2Metadata(pkg)
	case 3:
		return readEpub3Metadata(pkg)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

// WriteMetadata replaces the modeled metadata of doc with m. When
// newCoverHref is set (relative to the OPF) it is added to the manifest as
// coverType and signaled as the cover.
func WriteMetadata(doc *etree.Document, m Metadata, newCoverHref, coverType string) error {
	pkg, err := parsePackage(doc, nil)
	if err != nil {
		return err
	}
	return writeMetadata(pkg, m, newCoverHref, coverType)
}

func writeMetadata(pkg *packageDocument, m Metadata, newCoverHref, coverType string) error {
	version, err := pkg.version()
	if err != nil {
		return err
	}
	if version != m.Version() {
		return fmt.Errorf("%w: metadata for EPUB%d written into EPUB%d package", ErrUnsupportedVersion, m.Version(), version)
	}
	removeModeled(pkg, version)
	alloc := newIDAllocator(pkg.ids())
	m.writeTo(pkg, alloc)
	if newCoverHref != "" {
		if coverType == "" {
			return fmt.Errorf("%w: no media type for cover %s", ErrInvalidCoverType, newCoverHref)
		}
		registerCover(pkg, version, newCoverHref, coverType, alloc)
	}
	return nil
}

// removeModeled deletes the elements the metadata models own: every dc:*
// element, plus name/content metas (EPUB2) or property metas that are
// top-level or refine a removed element (EPUB3). Refinements of elements the
// model does not know stay.
func removeModeled(pkg *packageDocument, version int) {
	removed := map[*etree.Element]bool{}
	removedIDs := map[string]bool{}
	mark := func(e *etree.Element) {
		removed[e] = true
		if id, ok := attr(e, "", "id"); ok {
			removedIDs[id] = true
		}
	}
	for _, e := range pkg.metadata.ChildElements() {
		if namespaceOf(e, e.Space) == nsDC {
			mark(e)
		}
	}
	metas := pkg.metas()
	if version == 2 {
		for _, e := range metas {
			if _, ok := attr(e, "", "name"); ok {
				mark(e)
			}
		}
	} else {
		for changed := true; changed; {
			changed = false
			for _, e := range metas {
				if removed[e] {
					continue
				}
				if _, ok := attr(e, "", "property"); !ok {
					continue
				}
				refines := strings.TrimPrefix(attrValue(e, "", "refines"), "#")
				if refines == "" || removedIDs[refines] {
					mark(e)
					changed = true
				}
			}
		}
	}
	for e := range removed {
		pkg.metadata.RemoveChild(e)
	}
}

// registerCover adds href as a manifest item and points the version's cover
// convention at it. Previous cover signals are dropped.
func registerCover(pkg *packageDocument, version int, href, mediaType string, alloc *idAllocator) {
	if pkg.manifest == nil {
		pkg.manifest = createChild(pkg.root, nsOPF, "manifest", "opf")
	}
	for _, it := range pkg.items() {
		if hasToken(it.Properties, "cover-image") {
			if props := withoutToken(it.Properties, "cover-image"); props == "" {
				removeAttr(it.el, "", "properties")
			} else {
				it.el.CreateAttr("properties", props)
			}
		}
	}
	id := alloc.next("cover", true)
	item := createChild(pkg.manifest, nsOPF, "item", "opf")
	item.CreateAttr("id", id)
	item.CreateAttr("href", href)
	item.CreateAttr("media-type", mediaType)
	if version >= 3 {
		item.CreateAttr("properties", "cover-image")
	}

	found := false
	for _, meta := range pkg.metas() {
		if attrValue(meta, "", "name") == "cover" {
			meta.CreateAttr("content", id)
			found = true
		}
	}
	if !found && version == 2 {
		meta := createChild(pkg.metadata, nsOPF, "meta", "opf")
		meta.CreateAttr("name", "cover")
		meta.CreateAttr("content", id)
	}
}

// emitDC appends a dc:local element with value.
func emitDC(pkg *packageDocument, local, value string) *etree.Element {
	el := createChild(pkg.metadata, nsDC, local, "dc")
	el.SetText(value)
	return el
}

func emitMeta(pkg *packageDocument) *etree.Element {
	return createChild(pkg.metadata, nsOPF, "meta", "opf")
}

// Accepted forms of dates in package documents, most specific first.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// formatDate writes a date only when t is midnight UTC.
func formatDate(t time.Time) string {
	u := t.UTC()
	if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
		return u.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}

// formatModified is the dcterms:modified form CCYY-MM-DDThh:mm:ssZ.
func formatModified(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// uniqueRoles returns the non-empty roles of list without duplicates.
func uniqueRoles(list []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range list {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

func joinDescriptions(values []string) *string {
	if len(values) == 0 {
		return nil
	}
	s := strings.Join(values, "\n")
	return &s
}

func validLanguages(langs []string) error {
	if len(langs) == 0 {
		return fmt.Errorf("%w: at least one language is required", ErrInvalidMetadata)
	}
	for _, l := range langs {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("%w: empty language", ErrInvalidMetadata)
		}
	}
	return nil
}
