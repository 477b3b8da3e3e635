package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"io"
	"strings"

	dimaging "github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	defaultJPEGQuality = 90
	defaultMaxPixels   = 100 * 1000 * 1000 // 100 megapixels
)

var (
	// ErrUnsupportedFormat is returned for target media types the encoder
	// cannot produce.
	ErrUnsupportedFormat = errors.New("imaging: unsupported target format")
	// ErrTooLarge is returned when the pixel count exceeds MaxPixels.
	ErrTooLarge = errors.New("imaging: image too large to decode")
)

// Transcoder re-encodes raster images, typically a replacement cover that
// must keep the media type of the cover it replaces.
type Transcoder struct {
	// MaxWidth bounds the output width; 0 keeps the source width.
	MaxWidth    int
	JPEGQuality int
	// MaxPixels is the total pixel count (width * height) allowed to decode.
	MaxPixels int
}

// Image is an encoded raster image.
type Image struct {
	Data      []byte
	Width     int
	Height    int
	MediaType string
}

// NewTranscoder creates a transcoder with defaults.
func NewTranscoder() *Transcoder {
	return &Transcoder{
		JPEGQuality: defaultJPEGQuality,
		MaxPixels:   defaultMaxPixels,
	}
}

var formats = map[string]dimaging.Format{
	"image/jpeg": dimaging.JPEG,
	"image/png":  dimaging.PNG,
	"image/gif":  dimaging.GIF,
	"image/bmp":  dimaging.BMP,
	"image/tiff": dimaging.TIFF,
}

// CanEncode reports whether mediaType is a valid Transcode target.
func CanEncode(mediaType string) bool {
	_, ok := formats[normalize(mediaType)]
	return ok
}

func normalize(mediaType string) string {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}

// Transcode encodes input as mediaType. Input already in the target format
// and within MaxWidth is returned as is, as are animated GIFs kept as GIF.
func (t *Transcoder) Transcode(input []byte, mediaType string) (Image, error) {
	mediaType = normalize(mediaType)
	format, ok := formats[mediaType]
	if !ok {
		return Image{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mediaType)
	}

	cfg, srcFormat, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return Image{}, fmt.Errorf("image decode failed: %w", err)
	}
	pixels := uint64(cfg.Width) * uint64(cfg.Height)
	if t.MaxPixels > 0 && pixels > uint64(t.MaxPixels) {
		return Image{}, fmt.Errorf("%w: %dx%d (%d pixels)", ErrTooLarge, cfg.Width, cfg.Height, pixels)
	}

	same := "image/"+srcFormat == mediaType
	fits := t.MaxWidth <= 0 || cfg.Width <= t.MaxWidth
	if same && (fits || isAnimatedGIF(input)) {
		return Image{Data: input, Width: cfg.Width, Height: cfg.Height, MediaType: mediaType}, nil
	}

	src, err := dimaging.Decode(bytes.NewReader(input), dimaging.AutoOrientation(true))
	if err != nil {
		return Image{}, fmt.Errorf("image decode failed: %w", err)
	}
	if t.MaxWidth > 0 && src.Bounds().Dx() > t.MaxWidth {
		src = dimaging.Resize(src, t.MaxWidth, 0, dimaging.Lanczos)
	}
	if format == dimaging.JPEG && hasAlpha(src) {
		src = flatten(src)
	}

	quality := t.JPEGQuality
	if quality <= 0 {
		quality = defaultJPEGQuality
	}
	if quality > 100 {
		quality = 100
	}
	var buf bytes.Buffer
	err = dimaging.Encode(&buf, src, format,
		dimaging.JPEGQuality(quality),
		dimaging.PNGCompressionLevel(png.BestCompression))
	if err != nil {
		return Image{}, fmt.Errorf("%s encode failed: %w", format, err)
	}
	b := src.Bounds()
	return Image{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy(), MediaType: mediaType}, nil
}

// Size reads the pixel dimensions from the image header.
func Size(r io.Reader) (image.Point, error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return image.Point{}, err
	}
	return image.Pt(cfg.Width, cfg.Height), nil
}

// flatten composites img onto a white background.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	bg := dimaging.New(b.Dx(), b.Dy(), color.White)
	return dimaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func isAnimatedGIF(data []byte) bool {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return false
	}
	return len(g.Image) > 1
}

func hasAlpha(img image.Image) bool {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			if a < 0xFFFF {
				return true
			}
		}
	}
	return false
}
