package epub

import (
	"regexp"
	"strings"

	"github.com/beevik/etree"
)

// relocation maps source paths (by pathKey) to their new location. A nil
// target means the file is dropped.
type relocation struct {
	moved map[string][]string
}

func (r *relocation) empty() bool {
	return r == nil || len(r.moved) == 0
}

// target returns where p ends up and whether it is kept.
func (r *relocation) target(p []string) ([]string, bool) {
	if r.empty() {
		return p, true
	}
	t, ok := r.moved[pathKey(p)]
	if !ok {
		return p, true
	}
	return t, t != nil
}

// rewriteHref re-targets a reference found in a file that moved from
// fromDir to toDir. External, fragment-only and unresolvable references are
// returned unchanged, as are references to dropped files.
func (r *relocation) rewriteHref(href string, fromDir, toDir []string) string {
	trimmed := strings.TrimSpace(href)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || isExternal(trimmed) {
		return href
	}
	p, fragment := splitFragment(trimmed)
	query := ""
	if i := strings.IndexByte(p, '?'); i >= 0 {
		query = p[i:]
	}
	resolved, err := resolvePath(fromDir, p)
	if err != nil || len(resolved) == 0 {
		return href
	}
	target, kept := r.target(resolved)
	if !kept {
		return href
	}
	if samePath(target, resolved) && samePath(fromDir, toDir) {
		return href
	}
	out := hrefTo(target, toDir) + query
	if fragment != "" || strings.Contains(trimmed, "#") {
		out += "#" + fragment
	}
	return out
}

// referenceAttrs are the attributes holding links in content documents.
var referenceAttrs = []struct{ ns, local string }{
	{"", "href"},
	{"", "src"},
	{"", "poster"},
	{"", "data"},
	{nsXLink, "href"},
}

// relocateDocument rewrites every reference of an XHTML document that moved
// from fromDir to toDir.
func relocateDocument(doc *etree.Document, r *relocation, fromDir, toDir []string) {
	root := doc.Root()
	if root == nil {
		return
	}
	var visit func(e *etree.Element)
	visit = func(e *etree.Element) {
		for _, ra := range referenceAttrs {
			for i := range e.Attr {
				a := &e.Attr[i]
				if a.Key != ra.local {
					continue
				}
				if ra.ns == "" && a.Space != "" {
					continue
				}
				if ra.ns != "" && (a.Space == "" || namespaceOf(e, a.Space) != ra.ns) {
					continue
				}
				a.Value = r.rewriteHref(a.Value, fromDir, toDir)
			}
		}
		// srcset holds comma separated candidates
		if v, ok := attr(e, "", "srcset"); ok {
			setAttr(e, "", "srcset", "", rewriteSrcset(v, r, fromDir, toDir))
		}
		for _, c := range e.ChildElements() {
			visit(c)
		}
	}
	visit(root)
}

func rewriteSrcset(v string, r *relocation, fromDir, toDir []string) string {
	candidates := strings.Split(v, ",")
	for i, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		fields[0] = r.rewriteHref(fields[0], fromDir, toDir)
		candidates[i] = strings.Join(fields, " ")
	}
	return strings.Join(candidates, ", ")
}

// cssURLRe matches url(...) tokens, quoted or not.
var cssURLRe = regexp.MustCompile(`url\(\s*(['"]?)([^'")]*)(['"]?)\s*\)`)

// cssImportRe matches @import with a bare string.
var cssImportRe = regexp.MustCompile(`@import\s+(['"])([^'"]+)(['"])`)

// relocateCSS rewrites url() and @import references of a stylesheet.
func relocateCSS(css string, r *relocation, fromDir, toDir []string) string {
	replace := func(re *regexp.Regexp, prefix, suffix string) func(string) string {
		return func(m string) string {
			sub := re.FindStringSubmatch(m)
			if sub[1] != sub[3] {
				return m
			}
			return prefix + sub[1] + r.rewriteHref(sub[2], fromDir, toDir) + sub[3] + suffix
		}
	}
	css = cssURLRe.ReplaceAllStringFunc(css, replace(cssURLRe, "url(", ")"))
	return cssImportRe.ReplaceAllStringFunc(css, replace(cssImportRe, "@import ", ""))
}

// hasScript reports whether an XHTML document contains a script element.
func hasScript(doc *etree.Document) bool {
	root := doc.Root()
	return root != nil && findLocal(root, "script") != nil
}

// removeScripts deletes every script element and returns how many were
// removed.
func removeScripts(doc *etree.Document) int {
	root := doc.Root()
	if root == nil {
		return 0
	}
	n := 0
	var visit func(e *etree.Element)
	visit = func(e *etree.Element) {
		for _, c := range e.ChildElements() {
			if c.Tag == "script" {
				e.RemoveChild(c)
				n++
				continue
			}
			visit(c)
		}
	}
	visit(root)
	return n
}

// RemoveScripts is an XHTMLHandler stripping every script element.
func RemoveScripts(doc *etree.Document) error {
	removeScripts(doc)
	return nil
}
