package epub

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/yuanying/epubkit/internal/storage"
	"go.uber.org/zap"
)

// CBZConverter turns a pre-paginated, image based container into a comic
// book archive holding one image per page.
type CBZConverter struct {
	c   *Container
	log *zap.Logger
}

func NewCBZConverter(c *Container) *CBZConverter {
	return &CBZConverter{c: c, log: c.log}
}

// WriteZip writes the archive to w. Entries carry the timestamp the
// Packager would use for the same container.
func (cv *CBZConverter) WriteZip(ctx context.Context, w io.Writer, compression storage.Compression) error {
	pages, modified, err := cv.pages(ctx)
	if err != nil {
		return err
	}
	zw := storage.NewZipWriter(w, storage.ZipOptions{Modified: modified, Compression: compression})
	if err := cv.write(ctx, pages, zw.Root()); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// WriteDir writes the page images into out, which must be empty.
func (cv *CBZConverter) WriteDir(ctx context.Context, out storage.Directory) error {
	empty, err := storage.IsEmpty(ctx, out)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("%w: %s", ErrOutputNotEmpty, storage.Join(out.Path()))
	}
	pages, _, err := cv.pages(ctx)
	if err != nil {
		return err
	}
	if err := out.Create(ctx); err != nil {
		return err
	}
	return cv.write(ctx, pages, out)
}

func (cv *CBZConverter) pages(ctx context.Context) ([]storage.File, time.Time, error) {
	pages, err := cv.c.PrePaginatedImages(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	meta, err := cv.c.Metadata(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	var modified time.Time
	if lm := meta.LastModified(); lm != nil {
		modified = *lm
	}
	return pages, storage.ClampZipTime(modified), nil
}

func (cv *CBZConverter) write(ctx context.Context, pages []storage.File, out storage.Directory) error {
	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := pageName(i, len(pages), storage.Ext(page.Name()))
		if err := storage.Copy(ctx, page, out.File(name)); err != nil {
			return fmt.Errorf("failed to copy page %s: %w", storage.Join(page.Path()), err)
		}
		cv.log.Debug("Wrote page", zap.String("page", name), zap.String("source", storage.Join(page.Path())))
	}
	return nil
}

// pageName numbers pages from 1, zero padded to the width of total.
func pageName(i, total int, ext string) string {
	return fmt.Sprintf("%0*d%s", len(strconv.Itoa(total)), i+1, ext)
}
