package epub

import (
	"context"
	"strings"

	"github.com/beevik/etree"
	"github.com/yuanying/epubkit/internal/storage"
)

// NavItem is a node of a table of contents. Reference is an href relative
// to the package document directory; an empty Reference makes a heading.
type NavItem struct {
	Text      string    `json:"text"`
	Reference string    `json:"reference,omitempty"`
	Children  []NavItem `json:"children,omitempty"`
}

// landmark is an entry of the landmarks nav or of the OPF guide.
type landmark struct {
	Type string
	Text string
	Href string
}

// navDepth is the depth of the deepest item.
func navDepth(items []NavItem) int {
	depth := 0
	for _, it := range items {
		if d := 1 + navDepth(it.Children); d > depth {
			depth = d
		}
	}
	return depth
}

// newXHTMLDocument creates an XHTML document with a head carrying title.
func newXHTMLDocument(title, lang string) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	doc.CreateDirective("DOCTYPE html")
	html := doc.CreateElement("html")
	html.CreateAttr("xmlns", nsXHTML)
	html.CreateAttr("xmlns:epub", nsOPS)
	if lang != "" {
		html.CreateAttr("lang", lang)
		html.CreateAttr("xml:lang", lang)
	}
	head := html.CreateElement("head")
	head.CreateElement("meta").CreateAttr("charset", "utf-8")
	head.CreateElement("title").SetText(title)
	return doc, html.CreateElement("body")
}

// buildNav renders the EPUB3 navigation document.
func buildNav(title, lang string, toc []NavItem, landmarks []landmark) *etree.Document {
	doc, body := newXHTMLDocument(title, lang)

	nav := body.CreateElement("nav")
	nav.CreateAttr("epub:type", "toc")
	nav.CreateAttr("id", "toc")
	nav.CreateElement("h1").SetText("Table of Contents")
	writeNavList(nav, toc)

	if len(landmarks) > 0 {
		lm := body.CreateElement("nav")
		lm.CreateAttr("epub:type", "landmarks")
		lm.CreateAttr("id", "landmarks")
		lm.CreateAttr("hidden", "hidden")
		lm.CreateElement("h1").SetText("Landmarks")
		ol := lm.CreateElement("ol")
		for _, l := range landmarks {
			a := ol.CreateElement("li").CreateElement("a")
			a.CreateAttr("epub:type", l.Type)
			a.CreateAttr("href", l.Href)
			a.SetText(l.Text)
		}
	}
	doc.Indent(2)
	return doc
}

func writeNavList(parent *etree.Element, items []NavItem) {
	ol := parent.CreateElement("ol")
	for _, it := range items {
		li := ol.CreateElement("li")
		if it.Reference != "" {
			a := li.CreateElement("a")
			a.CreateAttr("href", it.Reference)
			a.SetText(it.Text)
		} else {
			li.CreateElement("span").SetText(it.Text)
		}
		if len(it.Children) > 0 {
			writeNavList(li, it.Children)
		}
	}
}

// readNav parses the toc nav of a navigation document. Hrefs are resolved
// against navDir and re-expressed relative to pkgDir.
func readNav(doc *etree.Document, navDir, pkgDir []string) []NavItem {
	root := doc.Root()
	if root == nil {
		return nil
	}
	var toc *etree.Element
	for _, nav := range descendantsLocal(root, "nav") {
		if hasToken(attrValue(nav, nsOPS, "type"), "toc") {
			toc = nav
			break
		}
	}
	if toc == nil {
		return nil
	}
	for _, c := range toc.ChildElements() {
		if c.Tag == "ol" {
			return readNavList(c, navDir, pkgDir)
		}
	}
	return nil
}

func readNavList(ol *etree.Element, navDir, pkgDir []string) []NavItem {
	var out []NavItem
	for _, li := range ol.ChildElements() {
		if li.Tag != "li" {
			continue
		}
		var it NavItem
		for _, c := range li.ChildElements() {
			switch c.Tag {
			case "a":
				it.Text = innerText(c)
				it.Reference = rebaseHref(attrValue(c, "", "href"), navDir, pkgDir)
			case "span":
				it.Text = innerText(c)
			case "ol":
				it.Children = readNavList(c, navDir, pkgDir)
			}
		}
		out = append(out, it)
	}
	return out
}

// rebaseHref re-expresses an href written in fromDir relative to toDir.
func rebaseHref(href string, fromDir, toDir []string) string {
	return (&relocation{}).rewriteHref(href, fromDir, toDir)
}

// innerText concatenates all character data below e.
func innerText(e *etree.Element) string {
	var sb strings.Builder
	var visit func(e *etree.Element)
	visit = func(e *etree.Element) {
		for _, t := range e.Child {
			switch v := t.(type) {
			case *etree.CharData:
				sb.WriteString(v.Data)
			case *etree.Element:
				visit(v)
			}
		}
	}
	visit(e)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// descendantsLocal returns every element named local below e, in any
// namespace.
func descendantsLocal(e *etree.Element, local string) []*etree.Element {
	var out []*etree.Element
	for _, c := range e.ChildElements() {
		if c.Tag == local {
			out = append(out, c)
		}
		out = append(out, descendantsLocal(c, local)...)
	}
	return out
}

// TOC reads the table of contents: the navigation document of an EPUB3
// package, otherwise the NCX. It returns nil when neither exists.
func (c *Container) TOC(ctx context.Context) ([]NavItem, error) {
	pkg, err := c.packageDocument(ctx)
	if err != nil {
		return nil, err
	}
	version, err := pkg.version()
	if err != nil {
		return nil, err
	}
	if version >= 3 {
		for _, it := range pkg.items() {
			if !hasToken(it.Properties, "nav") || it.Path == nil {
				continue
			}
			doc, err := readXML(ctx, storage.FileAt(c.root, it.Path...))
			if err != nil {
				return nil, err
			}
			if items := readNav(doc, dirOf(it.Path), pkg.dir()); items != nil {
				return items, nil
			}
		}
	}
	it, ok := pkg.ncxItem()
	if !ok {
		return nil, nil
	}
	doc, err := readXML(ctx, storage.FileAt(c.root, it.Path...))
	if err != nil {
		return nil, err
	}
	return readNCX(doc, dirOf(it.Path), pkg.dir()), nil
}
