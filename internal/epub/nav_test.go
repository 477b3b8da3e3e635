package epub

import (
	"reflect"
	"strings"
	"testing"
)

func TestBuildNav_RoundTrip(t *testing.T) {
	toc := []NavItem{
		{Text: "Part", Children: []NavItem{
			{Text: "Chapter 1", Reference: "text/ch1.xhtml"},
		}},
		{Text: "Chapter 2", Reference: "text/ch2.xhtml#x"},
	}
	landmarks := []landmark{{Type: "bodymatter", Text: "Start Of Content", Href: "text/ch1.xhtml"}}
	doc := buildNav("Book", "en", toc, landmarks)

	got := readNav(mustParse(t, serialize(t, doc)), nil, nil)
	if !reflect.DeepEqual(got, toc) {
		t.Errorf("readNav() = %+v, want %+v", got, toc)
	}

	s := serialize(t, doc)
	if !strings.Contains(s, `epub:type="landmarks"`) || !strings.Contains(s, `epub:type="bodymatter"`) {
		t.Errorf("landmarks nav missing:\n%s", s)
	}
}

func TestBuildNav_NoLandmarks(t *testing.T) {
	s := serialize(t, buildNav("Book", "en", nil, nil))
	if strings.Contains(s, "landmarks") {
		t.Errorf("unexpected landmarks nav:\n%s", s)
	}
	if !strings.Contains(s, `epub:type="toc"`) {
		t.Errorf("toc nav missing:\n%s", s)
	}
}

func TestReadNav_SkipsOtherNavs(t *testing.T) {
	doc := mustParse(t, `<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<body>
  <nav epub:type="page-list"><ol><li><a href="p1.xhtml">1</a></li></ol></nav>
  <nav epub:type="toc foo"><h1>Contents</h1><ol><li><a href="../text/c.xhtml"><span>The</span> End</a></li></ol></nav>
</body>
</html>`)
	got := readNav(doc, []string{"OEBPS", "nav"}, []string{"OEBPS"})
	want := []NavItem{{Text: "The End", Reference: "text/c.xhtml"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("readNav() = %+v, want %+v", got, want)
	}
}

func TestNavDepth(t *testing.T) {
	tests := []struct {
		items []NavItem
		want  int
	}{
		{nil, 0},
		{[]NavItem{{Text: "a"}}, 1},
		{[]NavItem{{Text: "a", Children: []NavItem{{Text: "b", Children: []NavItem{{Text: "c"}}}}}, {Text: "d"}}, 3},
	}
	for _, tt := range tests {
		if got := navDepth(tt.items); got != tt.want {
			t.Errorf("navDepth(%+v) = %d, want %d", tt.items, got, tt.want)
		}
	}
}
