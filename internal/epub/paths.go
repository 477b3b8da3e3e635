package epub

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// splitFragment splits an href into its path and fragment (without '#').
func splitFragment(href string) (path, fragment string) {
	if i := strings.IndexByte(href, '#'); i >= 0 {
		return href[:i], href[i+1:]
	}
	return href, ""
}

// isExternal reports whether href points outside the container.
func isExternal(href string) bool {
	if strings.HasPrefix(href, "//") {
		return true
	}
	u, err := url.Parse(href)
	return err == nil && u.Scheme != ""
}

// resolvePath resolves href against the directory given as segments. The
// fragment and query are dropped and the path is percent-decoded.
func resolvePath(dir []string, href string) ([]string, error) {
	p, _ := splitFragment(href)
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if u, err := url.PathUnescape(p); err == nil {
		p = u
	}
	out := make([]string, 0, len(dir)+4)
	if !strings.HasPrefix(p, "/") {
		out = append(out, dir...)
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(out) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrPathEscapesRoot, href)
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	return out, nil
}

// relativePath expresses target relative to the directory start.
func relativePath(target, start []string) []string {
	common := 0
	for common < len(target) && common < len(start) && target[common] == start[common] {
		common++
	}
	out := make([]string, 0, len(start)-common+len(target)-common)
	for i := common; i < len(start); i++ {
		out = append(out, "..")
	}
	return append(out, target[common:]...)
}

// hrefTo renders target as an href relative to the directory from.
func hrefTo(target, from []string) string {
	rel := relativePath(target, from)
	escaped := make([]string, len(rel))
	for i, seg := range rel {
		escaped[i] = url.PathEscape(seg)
	}
	return strings.Join(escaped, "/")
}

// dirOf returns the parent directory segments of a file path.
func dirOf(p []string) []string {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

func pathKey(p []string) string {
	return norm.NFC.String(strings.Join(p, "/"))
}

func samePath(a, b []string) bool {
	return pathKey(a) == pathKey(b)
}
