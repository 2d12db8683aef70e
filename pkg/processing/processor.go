package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/morpheus/pkg/geometry"
	"github.com/menta2k/morpheus/pkg/types"
)

// JPEGDataURIPrefix prefixes every encoded still.
const JPEGDataURIPrefix = "data:image/jpeg;base64,"

// Processor loads source images and renders them into encoded stills.
type Processor struct {
	httpClient *http.Client
	resampler  imaging.ResampleFilter
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		resampler:  imaging.Lanczos,
	}
}

// LoadImageFromURL downloads and decodes an image from a URL
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "morpheus/1.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	return p.DecodeImage(resp.Body)
}

// LoadImage loads an image from a file path, applying EXIF orientation.
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path, imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	// imaging only knows the formats registered with image.Decode; retry
	// explicitly so webp files with odd extensions still load.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	defer f.Close()

	return p.DecodeImage(f)
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(ctx, source)
	}
	return p.LoadImage(source)
}

// DecodeImage decodes jpeg, png, gif or webp data.
func (p *Processor) DecodeImage(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}

	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// Render crops img to the cover-fit region for a width x height target and
// resamples it to exactly that size. It returns the output raster and the
// source rectangle that was used.
func (p *Processor) Render(img image.Image, width, height int) (image.Image, geometry.Rect, error) {
	if width <= 0 || height <= 0 {
		return nil, geometry.Rect{}, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, geometry.Rect{}, fmt.Errorf("invalid image dimensions %dx%d", b.Dx(), b.Dy())
	}

	rect := geometry.CoverFit(float64(b.Dx()), float64(b.Dy()), float64(width), float64(height))
	crop := rect.Pixels(b.Dx(), b.Dy()).Add(b.Min)

	out := imaging.Resize(imaging.Crop(img, crop), width, height, p.resampler)
	return out, rect, nil
}

// EncodeDataURI encodes img as JPEG and wraps it in a base64 data URI.
func (p *Processor) EncodeDataURI(img image.Image, quality int) (string, error) {
	if quality < 1 || quality > 100 {
		return "", fmt.Errorf("jpeg quality must be between 1 and 100, got %d", quality)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encoding jpeg: %w", err)
	}
	return JPEGDataURIPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeDataURI decodes an image previously produced by EncodeDataURI or
// any other base64 image data URI.
func (p *Processor) DecodeDataURI(uri string) (image.Image, error) {
	raw, err := DataURIBytes(uri)
	if err != nil {
		return nil, err
	}
	return p.DecodeImage(bytes.NewReader(raw))
}

// DataURIBytes returns the encoded image bytes carried by a base64 image
// data URI.
func DataURIBytes(uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, "data:image/") {
		return nil, fmt.Errorf("not an image data URI")
	}
	comma := strings.Index(uri, ",")
	if comma < 0 || !strings.HasSuffix(uri[:comma], ";base64") {
		return nil, fmt.Errorf("data URI is not base64 encoded")
	}

	raw, err := base64.StdEncoding.DecodeString(uri[comma+1:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %w", err)
	}
	return raw, nil
}

// Still renders img into a width x height JPEG still.
func (p *Processor) Still(img image.Image, width, height, quality int, source string) (types.EncodedStill, error) {
	out, _, err := p.Render(img, width, height)
	if err != nil {
		return types.EncodedStill{}, err
	}
	uri, err := p.EncodeDataURI(out, quality)
	if err != nil {
		return types.EncodedStill{}, err
	}
	return types.EncodedStill{
		DataURI:    uri,
		Width:      width,
		Height:     height,
		Source:     source,
		CapturedAt: time.Now(),
	}, nil
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// CreateDebugOverlay returns a copy of img with the crop rectangle outlined
// and the image center marked.
func (p *Processor) CreateDebugOverlay(img image.Image, crop geometry.Rect) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	gold := color.NRGBA{255, 204, 0, 255}
	blue := color.NRGBA{0, 170, 255, 255}
	stroke := max(2, min(w, h)/250)

	drawBox(nrgba, crop.Pixels(w, h), gold, stroke)

	ix, iy := w/2, h/2
	drawHLine(nrgba, iy, ix-6, ix+6, blue)
	drawVLine(nrgba, ix, iy-6, iy+6, blue)

	return nrgba
}

func drawBox(img *image.NRGBA, r image.Rectangle, c color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		drawHLine(img, r.Min.Y+s, r.Min.X, r.Max.X, c)
		drawHLine(img, r.Max.Y-1-s, r.Min.X, r.Max.X, c)
		drawVLine(img, r.Min.X+s, r.Min.Y, r.Max.Y, c)
		drawVLine(img, r.Max.X-1-s, r.Min.Y, r.Max.Y, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0 = max(x0, 0)
	x1 = min(x1, img.Bounds().Dx())
	for x := x0; x < x1; x++ {
		img.SetNRGBA(x, y, c)
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0 = max(y0, 0)
	y1 = min(y1, img.Bounds().Dy())
	for y := y0; y < y1; y++ {
		img.SetNRGBA(x, y, c)
	}
}
