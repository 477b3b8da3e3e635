package epub

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

const (
	metaCalibreSeries      = "calibre:series"
	metaCalibreSeriesIndex = "calibre:series_index"
	eventModification      = "modification"
)

// Epub2Entry is a DC element of an EPUB2 package. The opf: attributes only
// apply to the element kinds that define them.
type Epub2Entry struct {
	ID     string      `json:"id,omitempty"`
	Value  string      `json:"value"`
	Lang   string      `json:"xml-lang,omitempty"`
	Scheme string      `json:"scheme,omitempty"`
	Role   string      `json:"role,omitempty"`
	FileAs string      `json:"file-as,omitempty"`
	Event  string      `json:"event,omitempty"`
	Attrs  []Attribute `json:"attributes,omitempty"`
}

// Epub2Meta is a name/content <meta>.
type Epub2Meta struct {
	Name    string      `json:"name"`
	Content string      `json:"content"`
	Value   string      `json:"value,omitempty"`
	Attrs   []Attribute `json:"attributes,omitempty"`
}

// Epub2Metadata is the metadata of an EPUB2 package document.
type Epub2Metadata struct {
	UniqueID       Epub2Entry   `json:"unique-identifier"`
	AltIdentifiers []Epub2Entry `json:"identifiers,omitempty"`
	MainTitle      Epub2Entry   `json:"title"`
	AltTitles      []Epub2Entry `json:"titles,omitempty"`
	MainLanguage   Epub2Entry   `json:"language"`
	AltLanguages   []Epub2Entry `json:"languages,omitempty"`
	Contributors   []Epub2Entry `json:"contributors,omitempty"`
	Coverages      []Epub2Entry `json:"coverages,omitempty"`
	CreatorList    []Epub2Entry `json:"creators,omitempty"`
	Dates          []Epub2Entry `json:"dates,omitempty"`
	Descriptions   []Epub2Entry `json:"descriptions,omitempty"`
	Formats        []Epub2Entry `json:"formats,omitempty"`
	Publishers     []Epub2Entry `json:"publishers,omitempty"`
	Relations      []Epub2Entry `json:"relations,omitempty"`
	Rights         []Epub2Entry `json:"rights,omitempty"`
	Sources        []Epub2Entry `json:"sources,omitempty"`
	Subjects       []Epub2Entry `json:"subjects,omitempty"`
	Types          []Epub2Entry `json:"types,omitempty"`
	Metas          []Epub2Meta  `json:"metas,omitempty"`
}

func readEpub2Metadata(pkg *packageDocument) (*Epub2Metadata, error) {
	m := &Epub2Metadata{}
	uid := pkg.uniqueIdentifier()
	var haveID, haveTitle, haveLang bool
	for _, e := range pkg.metadata.ChildElements() {
		if namespaceOf(e, e.Space) != nsDC {
			continue
		}
		entry := readEpub2Entry(e)
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
			m.Dates = append(m.Dates, entry)
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

	for _, e := range pkg.metas() {
		name, ok := attr(e, "", "name")
		if !ok {
			continue
		}
		m.Metas = append(m.Metas, Epub2Meta{
			Name:    strings.TrimSpace(name),
			Content: strings.TrimSpace(attrValue(e, "", "content")),
			Value:   text(e),
			Attrs:   epub2Attrs(e, "name", "content"),
		})
	}
	return m, nil
}

func readEpub2Entry(e *etree.Element) Epub2Entry {
	trimmed := func(local string) string {
		return strings.TrimSpace(attrValue(e, nsOPF, local))
	}
	return Epub2Entry{
		ID:     attrValue(e, "", "id"),
		Value:  text(e),
		Lang:   attrValue(e, nsXML, "lang"),
		Scheme: trimmed("scheme"),
		Role:   trimmed("role"),
		FileAs: trimmed("file-as"),
		Event:  trimmed("event"),
		Attrs:  epub2Attrs(e, "id"),
	}
}

// epub2Attrs returns the attributes of e that are neither modeled opf:
// attributes, xml:lang nor one of the unprefixed names given.
func epub2Attrs(e *etree.Element, unprefixed ...string) []Attribute {
	var out []Attribute
next:
	for _, a := range e.Attr {
		switch {
		case a.Space == "":
			for _, name := range unprefixed {
				if a.Key == name {
					continue next
				}
			}
		case a.Space == "xml" && a.Key == "lang":
			continue
		case a.Space != "xmlns" && namespaceOf(e, a.Space) == nsOPF:
			switch a.Key {
			case "scheme", "role", "file-as", "event":
				continue next
			}
		}
		out = append(out, Attribute{Key: a.FullKey(), Value: a.Value})
	}
	return out
}

func (m *Epub2Metadata) Version() int { return 2 }

func (m *Epub2Metadata) Identifier() string { return m.UniqueID.Value }

func (m *Epub2Metadata) SetIdentifier(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidMetadata)
	}
	if id != m.UniqueID.Value {
		m.UniqueID = Epub2Entry{Value: id}
	}
	m.AltIdentifiers = nil
	return nil
}

func (m *Epub2Metadata) Title() string { return m.MainTitle.Value }

func (m *Epub2Metadata) SetTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidMetadata)
	}
	if title != m.MainTitle.Value {
		m.MainTitle = Epub2Entry{Value: title}
	}
	m.AltTitles = nil
	return nil
}

func (m *Epub2Metadata) Languages() []string {
	out := []string{m.MainLanguage.Value}
	for _, l := range m.AltLanguages {
		out = append(out, l.Value)
	}
	return out
}

func (m *Epub2Metadata) SetLanguages(langs []string) error {
	if err := validLanguages(langs); err != nil {
		return err
	}
	existing := append([]Epub2Entry{m.MainLanguage}, m.AltLanguages...)
	var entries []Epub2Entry
	for i, l := range langs {
		if i < len(existing) && existing[i].Value == l {
			entries = append(entries, existing[i])
		} else {
			entries = append(entries, Epub2Entry{Value: l})
		}
	}
	m.MainLanguage, m.AltLanguages = entries[0], entries[1:]
	return nil
}

// Creators groups the one-element-per-role creators by name.
func (m *Epub2Metadata) Creators() []Creator {
	var out []Creator
	index := map[string]int{}
	for _, e := range m.CreatorList {
		i, ok := index[e.Value]
		if !ok {
			i = len(out)
			index[e.Value] = i
			out = append(out, Creator{Name: e.Value})
		}
		if e.Role != "" {
			out[i].Roles = append(out[i].Roles, e.Role)
		}
	}
	for i := range out {
		out[i].Roles = uniqueRoles(out[i].Roles)
	}
	return out
}

// SetCreators writes one dc:creator per role, or a single one without
// opf:role for a creator that has none. file-as and xml:lang of existing
// creators with the same name are kept.
func (m *Epub2Metadata) SetCreators(creators []Creator) {
	byName := map[string]Epub2Entry{}
	for _, e := range m.CreatorList {
		if _, ok := byName[e.Value]; !ok {
			byName[e.Value] = e
		}
	}
	var list []Epub2Entry
	for _, c := range creators {
		base := Epub2Entry{Value: c.Name}
		if old, ok := byName[c.Name]; ok {
			base.ID = old.ID
			base.FileAs = old.FileAs
			base.Lang = old.Lang
			delete(byName, c.Name)
		}
		roles := uniqueRoles(c.Roles)
		if len(roles) == 0 {
			list = append(list, base)
			continue
		}
		for i, role := range roles {
			entry := base
			entry.Role = role
			if i > 0 {
				entry.ID = ""
			}
			list = append(list, entry)
		}
	}
	m.CreatorList = list
}

// Date is the first parseable dc:date that is not a modification event.
func (m *Epub2Metadata) Date() *time.Time {
	for _, d := range m.Dates {
		if d.Event == eventModification {
			continue
		}
		if t, ok := parseDate(d.Value); ok {
			return &t
		}
	}
	return nil
}

// SetDate replaces the publication dates. Modification events stay.
func (m *Epub2Metadata) SetDate(date *time.Time) {
	var dates []Epub2Entry
	var id string
	for _, d := range m.Dates {
		if d.Event == eventModification {
			dates = append(dates, d)
		} else if id == "" {
			id = d.ID
		}
	}
	if date != nil {
		dates = append([]Epub2Entry{{ID: id, Value: formatDate(*date)}}, dates...)
	}
	m.Dates = dates
}

func (m *Epub2Metadata) Description() *string {
	var values []string
	for _, d := range m.Descriptions {
		values = append(values, d.Value)
	}
	return joinDescriptions(values)
}

func (m *Epub2Metadata) SetDescription(description *string) {
	if description == nil {
		m.Descriptions = nil
		return
	}
	m.Descriptions = []Epub2Entry{{Value: *description}}
}

func (m *Epub2Metadata) Series() *Series {
	var s *Series
	for _, meta := range m.Metas {
		switch meta.Name {
		case metaCalibreSeries:
			if s == nil {
				s = &Series{}
			}
			if s.Name == "" {
				s.Name = meta.Content
			}
		case metaCalibreSeriesIndex:
			if s == nil {
				s = &Series{}
			}
			if s.Index == "" {
				s.Index = meta.Content
			}
		}
	}
	if s == nil || s.Name == "" {
		return nil
	}
	return s
}

func (m *Epub2Metadata) SetSeries(series *Series) {
	var metas []Epub2Meta
	for _, meta := range m.Metas {
		if meta.Name != metaCalibreSeries && meta.Name != metaCalibreSeriesIndex {
			metas = append(metas, meta)
		}
	}
	if series != nil {
		metas = append(metas, Epub2Meta{Name: metaCalibreSeries, Content: series.Name})
		if series.Index != "" {
			metas = append(metas, Epub2Meta{Name: metaCalibreSeriesIndex, Content: series.Index})
		}
	}
	m.Metas = metas
}

// LastModified is the latest parseable dc:date.
func (m *Epub2Metadata) LastModified() *time.Time {
	var latest *time.Time
	for _, d := range m.Dates {
		t, ok := parseDate(d.Value)
		if !ok {
			continue
		}
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest
}

// SetLastModified records t as the modification event, replacing an
// earlier one.
func (m *Epub2Metadata) SetLastModified(t time.Time) {
	entry := Epub2Entry{Value: formatModified(t), Event: eventModification}
	for i, d := range m.Dates {
		if d.Event == eventModification {
			entry.ID = d.ID
			m.Dates[i] = entry
			return
		}
	}
	m.Dates = append(m.Dates, entry)
}

func (m *Epub2Metadata) writeTo(pkg *packageDocument, alloc *idAllocator) {
	for _, e := range m.all() {
		alloc.reserve(e.ID)
	}

	uid := m.UniqueID
	if uid.ID == "" {
		uid.ID = alloc.next("id", false)
	}
	writeEpub2Entry(pkg, "identifier", uid)
	pkg.root.CreateAttr("unique-identifier", uid.ID)
	for _, group := range []struct {
		local   string
		entries []Epub2Entry
	}{
		{"identifier", m.AltIdentifiers},
		{"title", append([]Epub2Entry{m.MainTitle}, m.AltTitles...)},
		{"language", append([]Epub2Entry{m.MainLanguage}, m.AltLanguages...)},
		{"contributor", m.Contributors},
		{"coverage", m.Coverages},
		{"creator", m.CreatorList},
		{"date", m.Dates},
		{"description", m.Descriptions},
		{"format", m.Formats},
		{"publisher", m.Publishers},
		{"relation", m.Relations},
		{"rights", m.Rights},
		{"source", m.Sources},
		{"subject", m.Subjects},
		{"type", m.Types},
	} {
		for _, e := range group.entries {
			writeEpub2Entry(pkg, group.local, e)
		}
	}
	for _, meta := range m.Metas {
		el := emitMeta(pkg)
		el.CreateAttr("name", meta.Name)
		el.CreateAttr("content", meta.Content)
		setExtraAttrs(el, meta.Attrs)
		if meta.Value != "" {
			el.SetText(meta.Value)
		}
	}
}

func writeEpub2Entry(pkg *packageDocument, local string, e Epub2Entry) {
	el := emitDC(pkg, local, e.Value)
	if e.ID != "" {
		el.CreateAttr("id", e.ID)
	}
	if e.Lang != "" {
		el.CreateAttr("xml:lang", e.Lang)
	}
	setExtraAttrs(el, e.Attrs)
	for _, a := range []struct{ local, value string }{
		{"scheme", e.Scheme},
		{"role", e.Role},
		{"file-as", e.FileAs},
		{"event", e.Event},
	} {
		if a.value != "" {
			setAttr(el, nsOPF, a.local, "opf", a.value)
		}
	}
}

func (m *Epub2Metadata) all() []Epub2Entry {
	all := []Epub2Entry{m.UniqueID, m.MainTitle, m.MainLanguage}
	for _, list := range [][]Epub2Entry{
		m.AltIdentifiers, m.AltTitles, m.AltLanguages, m.Contributors, m.Coverages, m.CreatorList, m.Dates,
		m.Descriptions, m.Formats, m.Publishers, m.Relations, m.Rights, m.Sources, m.Subjects, m.Types,
	} {
		all = append(all, list...)
	}
	return all
}
