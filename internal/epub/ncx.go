package epub

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// buildNCX renders the EPUB2 navigation control file. Headings without a
// reference point at their first referenced descendant and are dropped
// when there is none.
func buildNCX(uid, title, lang string, items []NavItem) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	ncx := doc.CreateElement("ncx")
	ncx.CreateAttr("xmlns", nsNCX)
	ncx.CreateAttr("version", "2005-1")
	if lang != "" {
		ncx.CreateAttr("xml:lang", lang)
	}

	head := ncx.CreateElement("head")
	for _, m := range []struct{ name, content string }{
		{"dtb:uid", uid},
		{"dtb:depth", strconv.Itoa(max(navDepth(items), 1))},
		{"dtb:totalPageCount", "0"},
		{"dtb:maxPageNumber", "0"},
	} {
		meta := head.CreateElement("meta")
		meta.CreateAttr("name", m.name)
		meta.CreateAttr("content", m.content)
	}
	ncx.CreateElement("docTitle").CreateElement("text").SetText(title)

	navMap := ncx.CreateElement("navMap")
	order := 0
	var write func(parent *etree.Element, items []NavItem)
	write = func(parent *etree.Element, items []NavItem) {
		for _, it := range items {
			src := firstReference(it)
			if src == "" {
				continue
			}
			order++
			np := parent.CreateElement("navPoint")
			np.CreateAttr("id", fmt.Sprintf("navPoint%d", order))
			np.CreateAttr("playOrder", strconv.Itoa(order))
			np.CreateElement("navLabel").CreateElement("text").SetText(it.Text)
			np.CreateElement("content").CreateAttr("src", src)
			write(np, it.Children)
		}
	}
	write(navMap, items)
	doc.Indent(2)
	return doc
}

func firstReference(it NavItem) string {
	if it.Reference != "" {
		return it.Reference
	}
	for _, c := range it.Children {
		if ref := firstReference(c); ref != "" {
			return ref
		}
	}
	return ""
}

// readNCX parses the navMap of an NCX. Sources are resolved against ncxDir
// and re-expressed relative to pkgDir.
func readNCX(doc *etree.Document, ncxDir, pkgDir []string) []NavItem {
	root := doc.Root()
	if root == nil {
		return nil
	}
	navMap := firstChild(root, nsNCX, "navMap")
	if navMap == nil {
		return nil
	}
	var read func(parent *etree.Element) []NavItem
	read = func(parent *etree.Element) []NavItem {
		var out []NavItem
		for _, np := range children(parent, nsNCX, "navPoint") {
			it := NavItem{}
			if label := firstChild(np, nsNCX, "navLabel"); label != nil {
				if t := firstChild(label, nsNCX, "text"); t != nil {
					it.Text = innerText(t)
				}
			}
			if content := firstChild(np, nsNCX, "content"); content != nil {
				it.Reference = rebaseHref(attrValue(content, "", "src"), ncxDir, pkgDir)
			}
			it.Children = read(np)
			out = append(out, it)
		}
		return out
	}
	return read(navMap)
}

// updateNCX points dtb:uid at uid (when set) and re-targets content sources
// after relocation.
func updateNCX(doc *etree.Document, uid string, r *relocation, fromDir, toDir []string) {
	root := doc.Root()
	if root == nil {
		return
	}
	if uid != "" {
		if head := firstChild(root, nsNCX, "head"); head != nil {
			for _, meta := range children(head, nsNCX, "meta") {
				if strings.TrimSpace(attrValue(meta, "", "name")) == "dtb:uid" {
					meta.CreateAttr("content", uid)
				}
			}
		}
	}
	if r.empty() && samePath(fromDir, toDir) {
		return
	}
	for _, content := range descendants(root, nsNCX, "content") {
		if src, ok := attr(content, "", "src"); ok {
			content.CreateAttr("src", r.rewriteHref(src, fromDir, toDir))
		}
	}
}
