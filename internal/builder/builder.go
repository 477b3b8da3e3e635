// Package builder assembles a new publication from a plain directory,
// either a text book of XHTML chapters or an image book of page images.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuanying/epubkit/internal/epub"
	"github.com/yuanying/epubkit/internal/imaging"
	"github.com/yuanying/epubkit/internal/mediatype"
	"github.com/yuanying/epubkit/internal/storage"
	"go.uber.org/zap"
)

// ErrEmptySource is returned when the directory holds nothing to publish.
var ErrEmptySource = errors.New("builder: no chapters or images found")

// Options configures Build.
type Options struct {
	// Title defaults to the source directory name.
	Title     string
	Authors   []string
	Languages []string
	RTL       bool
	// Cover replaces the cover.* image auto-detected at the top of the
	// source directory.
	Cover  storage.File
	Logger *zap.Logger
}

// Result summarizes a build.
type Result struct {
	Chapters  int
	Pages     int
	Resources int
	Cover     bool
}

type sourceFile struct {
	file      storage.File
	href      string
	mediaType string
}

// Build writes every file below src into w and closes it. A directory with
// XHTML files becomes a reflowable book with one chapter per file in name
// order; otherwise its raster images become the pages of a pre-paginated
// book.
func Build(ctx context.Context, src storage.Directory, w *epub.Writer, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	files, err := collect(ctx, src, nil)
	if err != nil {
		return nil, err
	}

	cover := opts.Cover
	var rest []sourceFile
	for _, f := range files {
		if cover == nil && isCoverCandidate(f) {
			cover = f.file
			continue
		}
		rest = append(rest, f)
	}

	w.Title = opts.Title
	if w.Title == "" {
		w.Title = src.Name()
	}
	if w.Title == "" {
		w.Title = "Untitled"
	}
	for _, a := range opts.Authors {
		w.Creators = append(w.Creators, epub.Creator{Name: a, Roles: []string{"aut"}})
	}
	w.Languages = opts.Languages
	if opts.RTL {
		w.Direction = epub.DirectionRTL
	}

	b := &build{w: w, log: log, res: &Result{}}
	if hasChapters(rest) {
		err = b.textBook(ctx, rest, cover)
	} else {
		err = b.imageBook(ctx, rest, cover)
	}
	if err != nil {
		return nil, err
	}
	if err := w.Close(ctx); err != nil {
		return nil, err
	}
	log.Info("Built publication",
		zap.String("title", w.Title),
		zap.Int("chapters", b.res.Chapters),
		zap.Int("pages", b.res.Pages),
		zap.Int("resources", b.res.Resources))
	return b.res, nil
}

type build struct {
	w   *epub.Writer
	log *zap.Logger
	res *Result
}

func (b *build) textBook(ctx context.Context, files []sourceFile, cover storage.File) error {
	if cover != nil {
		if err := b.addCover(ctx, cover, true); err != nil {
			return err
		}
	}

	var toc []epub.NavItem
	for _, f := range files {
		data, err := storage.ReadAll(ctx, f.file)
		if err != nil {
			return err
		}
		if err := b.add(ctx, data, f.href); err != nil {
			return err
		}
		if f.mediaType != mediatype.XHTML {
			b.res.Resources++
			continue
		}
		b.res.Chapters++
		toc = append(toc, epub.NavItem{
			Text:      chapterTitle(data, f.href),
			Reference: f.href,
		})
	}
	return b.w.AddTOC(toc, false)
}

func (b *build) imageBook(ctx context.Context, files []sourceFile, cover storage.File) error {
	var pages, others []sourceFile
	for _, f := range files {
		if isRaster(f.mediaType) {
			pages = append(pages, f)
		} else {
			others = append(others, f)
		}
	}
	if cover == nil && len(pages) == 0 {
		return ErrEmptySource
	}
	b.w.PrePaginated = true

	if cover == nil {
		cover = pages[0].file
		pages = pages[1:]
	}
	if err := b.addCover(ctx, cover, true); err != nil {
		return err
	}

	for _, f := range others {
		if err := b.copy(ctx, f); err != nil {
			return err
		}
		b.res.Resources++
	}

	width := len(fmt.Sprint(len(pages)))
	lang := "en"
	if len(b.w.Languages) > 0 {
		lang = b.w.Languages[0]
	}
	var toc []epub.NavItem
	for i, f := range pages {
		data, err := storage.ReadAll(ctx, f.file)
		if err != nil {
			return err
		}
		size, err := imaging.Size(bytes.NewReader(data))
		if err != nil {
			b.log.Warn("Could not read page size", zap.String("path", f.href), zap.Error(err))
		}
		if err := b.add(ctx, data, f.href); err != nil {
			return err
		}

		// Pages sit next to the content root so the image href is f.href.
		pageHref := fmt.Sprintf("page-%0*d.xhtml", width, i+1)
		title := fmt.Sprintf("Page %d", i+1)
		page := epub.NewImagePage(title, lang, f.href, size.X, size.Y)
		var buf bytes.Buffer
		if _, err := page.WriteTo(&buf); err != nil {
			return err
		}
		if err := b.add(ctx, buf.Bytes(), pageHref); err != nil {
			return err
		}
		toc = append(toc, epub.NavItem{Text: title, Reference: pageHref})
		b.res.Pages++
		b.log.Debug("Added page", zap.String("path", pageHref), zap.String("image", f.href))
	}
	return b.w.AddTOC(toc, false)
}

// addCover writes the raster cover and records its size for the cover page.
func (b *build) addCover(ctx context.Context, f storage.File, inSequence bool) error {
	data, err := storage.ReadAll(ctx, f)
	if err != nil {
		return err
	}
	if size, err := imaging.Size(bytes.NewReader(data)); err == nil {
		b.w.CoverSize = size
	} else {
		b.log.Warn("Could not read cover size", zap.String("path", storage.Join(f.Path())), zap.Error(err))
	}
	ext := strings.ToLower(storage.Ext(f.Name()))
	out, err := b.w.CreateRasterCover(ctx, ext, inSequence)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	b.res.Cover = true
	return nil
}

func (b *build) copy(ctx context.Context, f sourceFile) error {
	r, err := f.file.Open(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	return b.w.AddResource(ctx, r, epub.Resource{Href: f.href})
}

func (b *build) add(ctx context.Context, data []byte, href string) error {
	return b.w.AddResource(ctx, bytes.NewReader(data), epub.Resource{Href: href})
}

// collect lists the files below d in name order, files before
// subdirectories. Dot-named entries are skipped.
func collect(ctx context.Context, d storage.Directory, prefix []string) ([]sourceFile, error) {
	files, err := d.Files(ctx)
	if err != nil {
		return nil, err
	}
	var out []sourceFile
	for _, f := range files {
		if strings.HasPrefix(f.Name(), ".") {
			continue
		}
		href := path.Join(append(append([]string(nil), prefix...), f.Name())...)
		out = append(out, sourceFile{
			file:      f,
			href:      href,
			mediaType: mediatype.ForPath(mediatype.Default, f.Name(), mediatype.OctetStream),
		})
	}
	dirs, err := d.Dirs(ctx)
	if err != nil {
		return nil, err
	}
	for _, sub := range dirs {
		if strings.HasPrefix(sub.Name(), ".") {
			continue
		}
		nested, err := collect(ctx, sub, append(append([]string(nil), prefix...), sub.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

func isCoverCandidate(f sourceFile) bool {
	return !strings.Contains(f.href, "/") &&
		strings.EqualFold(storage.Stem(f.href), "cover") &&
		isRaster(f.mediaType)
}

func isRaster(mediaType string) bool {
	return mediatype.IsImage(mediaType) && mediaType != mediatype.SVG
}

func hasChapters(files []sourceFile) bool {
	for _, f := range files {
		if f.mediaType == mediatype.XHTML {
			return true
		}
	}
	return false
}

// chapterTitle picks the first heading, then the document title, then the
// file stem.
func chapterTitle(data []byte, href string) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err == nil {
		for _, sel := range []string{"body h1", "body h2", "body h3", "head title"} {
			if t := strings.Join(strings.Fields(doc.Find(sel).First().Text()), " "); t != "" {
				return t
			}
		}
	}
	return storage.Stem(path.Base(href))
}
