package epub

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

const (
	propertyModified   = "dcterms:modified"
	propertyRole       = "role"
	propertyCollection = "belongs-to-collection"
	propertyCollType   = "collection-type"
	propertyGroupPos   = "group-position"
	propertyLayout     = "rendition:layout"
	schemeMarcRelators = "marc:relators"
)

// Epub3Entry is a DC element of an EPUB3 package with its refinements.
type Epub3Entry struct {
	ID    string      `json:"id,omitempty"`
	Value string      `json:"value"`
	Dir   string      `json:"dir,omitempty"`
	Lang  string      `json:"xml-lang,omitempty"`
	Attrs []Attribute `json:"attributes,omitempty"`
	Metas []Epub3Meta `json:"metas,omitempty"`
}

// Epub3Meta is a property <meta>, either top-level or refining its parent.
type Epub3Meta struct {
	ID       string      `json:"id,omitempty"`
	Property string      `json:"property"`
	Value    string      `json:"value"`
	Scheme   string      `json:"scheme,omitempty"`
	Dir      string      `json:"dir,omitempty"`
	Lang     string      `json:"xml-lang,omitempty"`
	Attrs    []Attribute `json:"attributes,omitempty"`
	Metas    []Epub3Meta `json:"metas,omitempty"`
}

// Epub3Metadata is the metadata of an EPUB3 package document.
type Epub3Metadata struct {
	Modified       time.Time    `json:"modified"`
	UniqueID       Epub3Entry   `json:"unique-identifier"`
	AltIdentifiers []Epub3Entry `json:"identifiers,omitempty"`
	MainTitle      Epub3Entry   `json:"title"`
	AltTitles      []Epub3Entry `json:"titles,omitempty"`
	MainLanguage   Epub3Entry   `json:"language"`
	AltLanguages   []Epub3Entry `json:"languages,omitempty"`
	Contributors   []Epub3Entry `json:"contributors,omitempty"`
	Coverages      []Epub3Entry `json:"coverages,omitempty"`
	CreatorList    []Epub3Entry `json:"creators,omitempty"`
	DateEntry      *Epub3Entry  `json:"date,omitempty"`
	Descriptions   []Epub3Entry `json:"descriptions,omitempty"`
	Formats        []Epub3Entry `json:"formats,omitempty"`
	Publishers     []Epub3Entry `json:"publishers,omitempty"`
	Relations      []Epub3Entry `json:"relations,omitempty"`
	Rights         []Epub3Entry `json:"rights,omitempty"`
	Sources        []Epub3Entry `json:"sources,omitempty"`
	Subjects       []Epub3Entry `json:"subjects,omitempty"`
	Types          []Epub3Entry `json:"types,omitempty"`
	// Metas are the top-level property metas other than dcterms:modified.
	Metas []Epub3Meta `json:"metas,omitempty"`
}

type epub3Reader struct {
	refinements map[string][]*etree.Element
}

func readEpub3Metadata(pkg *packageDocument) (*Epub3Metadata, error) {
	r := epub3Reader{refinements: map[string][]*etree.Element{}}
	m := &Epub3Metadata{}

	var topLevel []*etree.Element
	modifiedFound := false
	for _, e := range pkg.metas() {
		property, ok := attr(e, "", "property")
		if !ok {
			continue
		}
		if refines := strings.TrimPrefix(attrValue(e, "", "refines"), "#"); refines != "" {
			r.refinements[refines] = append(r.refinements[refines], e)
			continue
		}
		if property == propertyModified {
			if modifiedFound {
				continue
			}
			t, ok := parseDate(text(e))
			if !ok {
				return nil, fmt.Errorf("%w: unparseable dcterms:modified %q", ErrMissingMetadata, text(e))
			}
			m.Modified = t
			modifiedFound = true
			continue
		}
		topLevel = append(topLevel, e)
	}
	if !modifiedFound {
		return nil, fmt.Errorf("%w: dcterms:modified", ErrMissingMetadata)
	}

	uid := pkg.uniqueIdentifier()
	var haveID, haveTitle, haveLang bool
	for _, e := range pkg.metadata.ChildElements() {
		if namespaceOf(e, e.Space) != nsDC {
			continue
		}
		entry := r.entry(e)
		switch e.Tag {
		case "identifier":
			if !haveID && uid != "" && entry.ID == uid {
				m.UniqueID = entry
				haveID = true
			} else {
				m.AltIdentifiers = append(m.AltIdentifiers, entry)
			}
		case "title":
			if !haveTitle {
				m.MainTitle = entry
				haveTitle = true
			} else {
				m.AltTitles = append(m.AltTitles, entry)
			}
		case "language":
			if !haveLang {
				m.MainLanguage = entry
				haveLang = true
			} else {
				m.AltLanguages = append(m.AltLanguages, entry)
			}
		case "contributor":
			m.Contributors = append(m.Contributors, entry)
		case "coverage":
			m.Coverages = append(m.Coverages, entry)
		case "creator":
			m.CreatorList = append(m.CreatorList, entry)
		case "date":
			if m.DateEntry == nil {
				m.DateEntry = &entry
			}
		case "description":
			m.Descriptions = append(m.Descriptions, entry)
		case "format":
			m.Formats = append(m.Formats, entry)
		case "publisher":
			m.Publishers = append(m.Publishers, entry)
		case "relation":
			m.Relations = append(m.Relations, entry)
		case "rights":
			m.Rights = append(m.Rights, entry)
		case "source":
			m.Sources = append(m.Sources, entry)
		case "subject":
			m.Subjects = append(m.Subjects, entry)
		case "type":
			m.Types = append(m.Types, entry)
		}
	}
	switch {
	case !haveID:
		return nil, fmt.Errorf("%w: dc:identifier %q", ErrMissingMetadata, uid)
	case !haveTitle:
		return nil, fmt.Errorf("%w: dc:title", ErrMissingMetadata)
	case !haveLang:
		return nil, fmt.Errorf("%w: dc:language", ErrMissingMetadata)
	}

	for _, e := range topLevel {
		m.Metas = append(m.Metas, r.meta(e))
	}
	return m, nil
}

func (r epub3Reader) entry(e *etree.Element) Epub3Entry {
	entry := Epub3Entry{
		ID:    attrValue(e, "", "id"),
		Value: text(e),
		Dir:   attrValue(e, "", "dir"),
		Lang:  attrValue(e, nsXML, "lang"),
		Attrs: extraAttrs(e, "id", "dir", "lang"),
	}
	entry.Metas = r.refining(entry.ID)
	return entry
}

func (r epub3Reader) meta(e *etree.Element) Epub3Meta {
	m := Epub3Meta{
		ID:       attrValue(e, "", "id"),
		Property: attrValue(e, "", "property"),
		Value:    text(e),
		Scheme:   attrValue(e, "", "scheme"),
		Dir:      attrValue(e, "", "dir"),
		Lang:     attrValue(e, nsXML, "lang"),
		Attrs:    extraAttrs(e, "id", "property", "scheme", "dir", "lang", "refines"),
	}
	m.Metas = r.refining(m.ID)
	return m
}

func (r epub3Reader) refining(id string) []Epub3Meta {
	if id == "" {
		return nil
	}
	els := r.refinements[id]
	// guard against refinement cycles
	delete(r.refinements, id)
	var out []Epub3Meta
	for _, e := range els {
		out = append(out, r.meta(e))
	}
	return out
}

func (m *Epub3Metadata) Version() int { return 3 }

func (m *Epub3Metadata) Identifier() string { return m.UniqueID.Value }

func (m *Epub3Metadata) SetIdentifier(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidMetadata)
	}
	if id != m.UniqueID.Value {
		m.UniqueID = Epub3Entry{Value: id}
	}
	m.AltIdentifiers = nil
	return nil
}

func (m *Epub3Metadata) Title() string { return m.MainTitle.Value }

func (m *Epub3Metadata) SetTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidMetadata)
	}
	if title != m.MainTitle.Value {
		m.MainTitle = Epub3Entry{Value: title}
	}
	m.AltTitles = nil
	return nil
}

func (m *Epub3Metadata) Languages() []string {
	out := []string{m.MainLanguage.Value}
	for _, l := range m.AltLanguages {
		out = append(out, l.Value)
	}
	return out
}

func (m *Epub3Metadata) SetLanguages(langs []string) error {
	if err := validLanguages(langs); err != nil {
		return err
	}
	existing := append([]Epub3Entry{m.MainLanguage}, m.AltLanguages...)
	var entries []Epub3Entry
	for i, l := range langs {
		if i < len(existing) && existing[i].Value == l {
			entries = append(entries, existing[i])
		} else {
			entries = append(entries, Epub3Entry{Value: l})
		}
	}
	m.MainLanguage, m.AltLanguages = entries[0], entries[1:]
	return nil
}

func (m *Epub3Metadata) Creators() []Creator {
	out := make([]Creator, 0, len(m.CreatorList))
	for _, e := range m.CreatorList {
		c := Creator{Name: e.Value}
		var roles []string
		for _, meta := range e.Metas {
			if meta.Property == propertyRole && (meta.Scheme == "" || meta.Scheme == schemeMarcRelators) {
				roles = append(roles, meta.Value)
			}
		}
		c.Roles = uniqueRoles(roles)
		out = append(out, c)
	}
	return out
}

// SetCreators replaces the creators. An entry for a name that already
// exists keeps its id and non-role refinements such as file-as.
func (m *Epub3Metadata) SetCreators(creators []Creator) {
	byName := map[string]Epub3Entry{}
	for _, e := range m.CreatorList {
		if _, ok := byName[e.Value]; !ok {
			byName[e.Value] = e
		}
	}
	var list []Epub3Entry
	for _, c := range creators {
		entry, ok := byName[c.Name]
		if ok {
			delete(byName, c.Name)
		} else {
			entry = Epub3Entry{Value: c.Name}
		}
		var metas []Epub3Meta
		for _, meta := range entry.Metas {
			if meta.Property != propertyRole {
				metas = append(metas, meta)
			}
		}
		for _, role := range uniqueRoles(c.Roles) {
			metas = append(metas, Epub3Meta{Property: propertyRole, Scheme: schemeMarcRelators, Value: role})
		}
		entry.Metas = metas
		list = append(list, entry)
	}
	m.CreatorList = list
}

func (m *Epub3Metadata) Date() *time.Time {
	if m.DateEntry == nil {
		return nil
	}
	if t, ok := parseDate(m.DateEntry.Value); ok {
		return &t
	}
	return nil
}

func (m *Epub3Metadata) SetDate(date *time.Time) {
	if date == nil {
		m.DateEntry = nil
		return
	}
	entry := Epub3Entry{Value: formatDate(*date)}
	if m.DateEntry != nil {
		entry.ID = m.DateEntry.ID
	}
	m.DateEntry = &entry
}

func (m *Epub3Metadata) Description() *string {
	var values []string
	for _, d := range m.Descriptions {
		values = append(values, d.Value)
	}
	return joinDescriptions(values)
}

func (m *Epub3Metadata) SetDescription(description *string) {
	if description == nil {
		m.Descriptions = nil
		return
	}
	m.Descriptions = []Epub3Entry{{Value: *description}}
}

// seriesIndex finds the collection meta that describes the series.
func (m *Epub3Metadata) seriesIndex() int {
	fallback := -1
	for i, meta := range m.Metas {
		if meta.Property != propertyCollection {
			continue
		}
		for _, r := range meta.Metas {
			if r.Property == propertyCollType && r.Value == "series" {
				return i
			}
			if r.Property == propertyGroupPos && fallback < 0 {
				fallback = i
			}
		}
	}
	return fallback
}

func (m *Epub3Metadata) Series() *Series {
	i := m.seriesIndex()
	if i < 0 {
		return nil
	}
	s := &Series{Name: m.Metas[i].Value}
	for _, r := range m.Metas[i].Metas {
		if r.Property == propertyGroupPos {
			s.Index = r.Value
			break
		}
	}
	return s
}

func (m *Epub3Metadata) SetSeries(series *Series) {
	i := m.seriesIndex()
	if series == nil {
		if i >= 0 {
			m.Metas = append(m.Metas[:i], m.Metas[i+1:]...)
		}
		return
	}
	meta := Epub3Meta{
		Property: propertyCollection,
		Value:    series.Name,
		Metas:    []Epub3Meta{{Property: propertyCollType, Value: "series"}},
	}
	if series.Index != "" {
		meta.Metas = append(meta.Metas, Epub3Meta{Property: propertyGroupPos, Value: series.Index})
	}
	if i >= 0 {
		meta.ID = m.Metas[i].ID
		m.Metas[i] = meta
		return
	}
	m.Metas = append(m.Metas, meta)
}

func (m *Epub3Metadata) LastModified() *time.Time {
	t := m.Modified
	return &t
}

// SetLastModified replaces dcterms:modified.
func (m *Epub3Metadata) SetLastModified(t time.Time) {
	m.Modified = t.UTC().Truncate(time.Second)
}

func (m *Epub3Metadata) writeTo(pkg *packageDocument, alloc *idAllocator) {
	reserveEpub3(alloc, m.all()...)
	for _, meta := range m.Metas {
		reserveEpub3Meta(alloc, meta)
	}

	w := epub3Writer{pkg: pkg, alloc: alloc}
	uid := w.entry("identifier", m.UniqueID, true)
	pkg.root.CreateAttr("unique-identifier", uid)
	w.entries("identifier", m.AltIdentifiers)
	w.entry("title", m.MainTitle, false)
	w.entries("title", m.AltTitles)
	w.entry("language", m.MainLanguage, false)
	w.entries("language", m.AltLanguages)
	w.entries("contributor", m.Contributors)
	w.entries("coverage", m.Coverages)
	w.entries("creator", m.CreatorList)
	if m.DateEntry != nil {
		w.entry("date", *m.DateEntry, false)
	}
	w.entries("description", m.Descriptions)
	w.entries("format", m.Formats)
	w.entries("publisher", m.Publishers)
	w.entries("relation", m.Relations)
	w.entries("rights", m.Rights)
	w.entries("source", m.Sources)
	w.entries("subject", m.Subjects)
	w.entries("type", m.Types)

	modified := emitMeta(pkg)
	modified.CreateAttr("property", propertyModified)
	modified.SetText(formatModified(m.Modified))
	w.metas(m.Metas, "")
}

func (m *Epub3Metadata) all() []Epub3Entry {
	all := []Epub3Entry{m.UniqueID, m.MainTitle, m.MainLanguage}
	for _, list := range [][]Epub3Entry{
		m.AltIdentifiers, m.AltTitles, m.AltLanguages, m.Contributors, m.Coverages, m.CreatorList,
		m.Descriptions, m.Formats, m.Publishers, m.Relations, m.Rights, m.Sources, m.Subjects, m.Types,
	} {
		all = append(all, list...)
	}
	if m.DateEntry != nil {
		all = append(all, *m.DateEntry)
	}
	return all
}

func reserveEpub3(alloc *idAllocator, entries ...Epub3Entry) {
	for _, e := range entries {
		alloc.reserve(e.ID)
		for _, meta := range e.Metas {
			reserveEpub3Meta(alloc, meta)
		}
	}
}

func reserveEpub3Meta(alloc *idAllocator, meta Epub3Meta) {
	alloc.reserve(meta.ID)
	for _, r := range meta.Metas {
		reserveEpub3Meta(alloc, r)
	}
}

type epub3Writer struct {
	pkg   *packageDocument
	alloc *idAllocator
}

func (w epub3Writer) entries(local string, list []Epub3Entry) {
	for _, e := range list {
		w.entry(local, e, false)
	}
}

// entry emits a DC element and its refinements, returning its id. Ids are
// generated only when something has to point at the element.
func (w epub3Writer) entry(local string, e Epub3Entry, needID bool) string {
	el := emitDC(w.pkg, local, e.Value)
	id := e.ID
	if id == "" && (needID || len(e.Metas) > 0) {
		id = w.alloc.next(local, false)
	}
	if id != "" {
		el.CreateAttr("id", id)
	}
	if e.Dir != "" {
		el.CreateAttr("dir", e.Dir)
	}
	if e.Lang != "" {
		el.CreateAttr("xml:lang", e.Lang)
	}
	setExtraAttrs(el, e.Attrs)
	w.metas(e.Metas, id)
	return id
}

func (w epub3Writer) metas(list []Epub3Meta, refines string) {
	for _, m := range list {
		el := emitMeta(w.pkg)
		id := m.ID
		if id == "" && len(m.Metas) > 0 {
			id = w.alloc.next("meta", false)
		}
		if id != "" {
			el.CreateAttr("id", id)
		}
		if refines != "" {
			el.CreateAttr("refines", "#"+refines)
		}
		el.CreateAttr("property", m.Property)
		if m.Scheme != "" {
			el.CreateAttr("scheme", m.Scheme)
		}
		if m.Dir != "" {
			el.CreateAttr("dir", m.Dir)
		}
		if m.Lang != "" {
			el.CreateAttr("xml:lang", m.Lang)
		}
		setExtraAttrs(el, m.Attrs)
		el.SetText(m.Value)
		w.metas(m.Metas, id)
	}
}
