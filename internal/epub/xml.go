package epub

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/yuanying/epubkit/internal/storage"
	"golang.org/x/net/html/charset"
)

// XML namespaces used in EPUB containers.
const (
	nsContainer = "urn:oasis:names:tc:opendocument:xmlns:container"
	nsDC        = "http://purl.org/dc/elements/1.1/"
	nsNCX       = "http://www.daisy.org/z3986/2005/ncx/"
	nsOPF       = "http://www.idpf.org/2007/opf"
	nsOPS       = "http://www.idpf.org/2007/ops"
	nsXHTML     = "http://www.w3.org/1999/xhtml"
	nsSVG       = "http://www.w3.org/2000/svg"
	nsXLink     = "http://www.w3.org/1999/xlink"
	nsXML       = "http://www.w3.org/XML/1998/namespace"
)

func newDocument() *etree.Document {
	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charset.NewReaderLabel
	doc.ReadSettings.Entity = xml.HTMLEntity
	return doc
}

// readXML parses an XML (or XHTML) file.
func readXML(ctx context.Context, f storage.File) (*etree.Document, error) {
	r, err := f.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	doc := newDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", storage.Join(f.Path()), err)
	}
	return doc, nil
}

// writeXML serializes doc into f.
func writeXML(ctx context.Context, f storage.File, doc *etree.Document) error {
	w, err := f.Create(ctx)
	if err != nil {
		return err
	}
	if _, err := doc.WriteTo(w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// namespaceOf resolves prefix in the scope of e. The xml prefix is bound
// implicitly.
func namespaceOf(e *etree.Element, prefix string) string {
	if prefix == "xml" {
		return nsXML
	}
	for el := e; el != nil; el = el.Parent() {
		for _, a := range el.Attr {
			if prefix == "" && a.Space == "" && a.Key == "xmlns" {
				return a.Value
			}
			if prefix != "" && a.Space == "xmlns" && a.Key == prefix {
				return a.Value
			}
		}
	}
	return ""
}

// is reports whether e is the element {ns}local.
func is(e *etree.Element, ns, local string) bool {
	return e.Tag == local && namespaceOf(e, e.Space) == ns
}

// children returns the child elements {ns}local of e in document order.
func children(e *etree.Element, ns, local string) []*etree.Element {
	var out []*etree.Element
	for _, c := range e.ChildElements() {
		if is(c, ns, local) {
			out = append(out, c)
		}
	}
	return out
}

func firstChild(e *etree.Element, ns, local string) *etree.Element {
	for _, c := range e.ChildElements() {
		if is(c, ns, local) {
			return c
		}
	}
	return nil
}

// descendants returns every {ns}local element below e in document order.
func descendants(e *etree.Element, ns, local string) []*etree.Element {
	var out []*etree.Element
	for _, c := range e.ChildElements() {
		if is(c, ns, local) {
			out = append(out, c)
		}
		out = append(out, descendants(c, ns, local)...)
	}
	return out
}

// attr looks up an attribute. An empty ns matches only unprefixed
// attributes.
func attr(e *etree.Element, ns, local string) (string, bool) {
	for _, a := range e.Attr {
		if a.Key != local {
			continue
		}
		if ns == "" && a.Space == "" {
			return a.Value, true
		}
		if ns != "" && a.Space != "" && a.Space != "xmlns" && namespaceOf(e, a.Space) == ns {
			return a.Value, true
		}
	}
	return "", false
}

func attrValue(e *etree.Element, ns, local string) string {
	v, _ := attr(e, ns, local)
	return v
}

// prefixFor finds a prefix bound to ns in the scope of e. When allowDefault
// is set the default namespace counts and yields "".
func prefixFor(e *etree.Element, ns string, allowDefault bool) (string, bool) {
	if allowDefault && namespaceOf(e, "") == ns {
		return "", true
	}
	seen := map[string]bool{}
	for el := e; el != nil; el = el.Parent() {
		for _, a := range el.Attr {
			switch {
			case a.Space == "" && a.Key == "xmlns":
				if !seen[""] && allowDefault && a.Value == ns {
					return "", true
				}
				seen[""] = true
			case a.Space == "xmlns":
				if !seen[a.Key] && a.Value == ns {
					return a.Key, true
				}
				seen[a.Key] = true
			}
		}
	}
	return "", false
}

// qualify returns a tag or attribute key for {ns}local usable inside scope,
// declaring preferred on scope when no binding exists yet.
func qualify(scope *etree.Element, ns, local, preferred string, isAttr bool) string {
	if ns == nsXML {
		return "xml:" + local
	}
	if p, ok := prefixFor(scope, ns, !isAttr); ok {
		if p == "" {
			return local
		}
		return p + ":" + local
	}
	prefix := preferred
	for i := 1; namespaceOf(scope, prefix) != ""; i++ {
		prefix = fmt.Sprintf("%s%d", preferred, i)
	}
	scope.CreateAttr("xmlns:"+prefix, ns)
	return prefix + ":" + local
}

// createChild appends an element {ns}local to parent.
func createChild(parent *etree.Element, ns, local, preferred string) *etree.Element {
	return parent.CreateElement(qualify(parent, ns, local, preferred, false))
}

// setAttr sets {ns}local on e, or an unprefixed attribute when ns is empty.
func setAttr(e *etree.Element, ns, local, preferred, value string) {
	if ns == "" {
		e.CreateAttr(local, value)
		return
	}
	for i := range e.Attr {
		a := &e.Attr[i]
		if a.Key == local && a.Space != "" && a.Space != "xmlns" && namespaceOf(e, a.Space) == ns {
			a.Value = value
			return
		}
	}
	e.CreateAttr(qualify(e, ns, local, preferred, true), value)
}

// removeAttr deletes every {ns}local attribute of e.
func removeAttr(e *etree.Element, ns, local string) {
	kept := e.Attr[:0]
	for _, a := range e.Attr {
		match := a.Key == local
		if match {
			if ns == "" {
				match = a.Space == ""
			} else {
				match = a.Space != "" && a.Space != "xmlns" && namespaceOf(e, a.Space) == ns
			}
		}
		if !match {
			kept = append(kept, a)
		}
	}
	e.Attr = kept
}

// text returns the trimmed character data of e.
func text(e *etree.Element) string {
	var sb strings.Builder
	for _, t := range e.Child {
		if cd, ok := t.(*etree.CharData); ok {
			sb.WriteString(cd.Data)
		}
	}
	return strings.TrimSpace(sb.String())
}

// tokens splits a space separated attribute value such as properties.
func tokens(v string) []string {
	return strings.Fields(v)
}

func hasToken(v, tok string) bool {
	for _, t := range strings.Fields(v) {
		if t == tok {
			return true
		}
	}
	return false
}

func withToken(v, tok string) string {
	if hasToken(v, tok) {
		return v
	}
	return strings.TrimSpace(v + " " + tok)
}

func withoutToken(v, tok string) string {
	var kept []string
	for _, t := range strings.Fields(v) {
		if t != tok {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, " ")
}
