package watermark

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"mime"
	"strings"
	"time"

	pdfutil "github.com/dharsanguruparan/OnceDrop/internal/pdf"
)

// MaxImagePixels caps width*height of images the stamper will decode. A
// small compressed file can declare dimensions whose decoded canvas would
// not fit in memory.
const MaxImagePixels = 50_000_000

// ErrImageTooLarge is returned by CheckImage for images over MaxImagePixels.
var ErrImageTooLarge = errors.New("image dimensions exceed limit")

// CheckImage reads only the image header and rejects images whose decoded
// size would exceed MaxImagePixels.
func CheckImage(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("decode image header: invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	// Compare by division so the product cannot overflow.
	if cfg.Width > MaxImagePixels/cfg.Height {
		return fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}
	return nil
}

// Stamper marks text, PDF, PNG and JPEG documents. Any other type fails.
type Stamper struct {
	// Label prefixes text footers and PDF comments.
	Label string
}

// NewStamper returns a Stamper using label, or "OnceDrop" if empty.
func NewStamper(label string) *Stamper {
	if label == "" {
		label = "OnceDrop"
	}
	return &Stamper{Label: label}
}

func (s *Stamper) Apply(ctx context.Context, data []byte, mimeType string, viewer Viewer) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWatermark, err)
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return nil, fmt.Errorf("%w: parse content type %q: %v", ErrWatermark, mimeType, err)
	}
	switch {
	case strings.HasPrefix(mediaType, "text/"):
		return s.stampText(data, viewer), nil
	case mediaType == "application/pdf":
		return s.stampPDF(data, viewer)
	case mediaType == "image/png", mediaType == "image/jpeg":
		return stampImage(data, mediaType, viewer)
	default:
		return nil, fmt.Errorf("%w: unsupported content type %q", ErrWatermark, mediaType)
	}
}

func (s *Stamper) describe(v Viewer) string {
	browser := v.Browser
	if browser == "" {
		browser = "unknown browser"
	}
	ip := v.IP
	if ip == "" {
		ip = "unknown address"
	}
	return fmt.Sprintf("%s viewer %s from %s at %s [%s]",
		s.Label, browser, ip, v.Time.UTC().Format(time.RFC3339), Fingerprint(v))
}

func (s *Stamper) stampText(data []byte, v Viewer) []byte {
	out := make([]byte, 0, len(data)+128)
	out = append(out, data...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, "\n-- "...)
	out = append(out, s.describe(v)...)
	out = append(out, " --\n"...)
	return out
}

// stampPDF inserts a comment line ahead of the final startxref keyword.
// Comments are ignored by readers and the xref offsets stay valid because
// everything they point at precedes the insertion.
func (s *Stamper) stampPDF(data []byte, v Viewer) ([]byte, error) {
	if err := pdfutil.Validate(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWatermark, err)
	}
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return nil, fmt.Errorf("%w: pdf has no startxref", ErrWatermark)
	}
	comment := "%" + strings.ReplaceAll(s.describe(v), "\n", " ") + "\n"
	out := make([]byte, 0, len(data)+len(comment))
	out = append(out, data[:idx]...)
	out = append(out, comment...)
	out = append(out, data[idx:]...)
	if err := pdfutil.Validate(out); err != nil {
		return nil, fmt.Errorf("%w: stamped pdf unreadable: %w", ErrWatermark, err)
	}
	return out, nil
}

// stampImage draws a stripe along the bottom edge whose segments encode the
// viewer fingerprint.
func stampImage(data []byte, mediaType string, v Viewer) ([]byte, error) {
	if err := CheckImage(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWatermark, err)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrWatermark, err)
	}
	b := src.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, src, b.Min, draw.Src)

	stripe := max(b.Dy()/50, 4)
	stripe = min(stripe, b.Dy())
	fp := []byte(Fingerprint(v))
	segment := max(b.Dx()/len(fp), 1)
	for i := 0; i*segment < b.Dx(); i++ {
		c := fp[i%len(fp)]
		col := color.RGBA{R: c * 3, G: 255 - c, B: c ^ 0x5a, A: 255}
		rect := image.Rect(b.Min.X+i*segment, b.Max.Y-stripe, min(b.Min.X+(i+1)*segment, b.Max.X), b.Max.Y)
		draw.Draw(canvas, rect, &image.Uniform{C: col}, image.Point{}, draw.Src)
	}

	var out bytes.Buffer
	switch mediaType {
	case "image/png":
		err = png.Encode(&out, canvas)
	default:
		err = jpeg.Encode(&out, canvas, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: encode image: %v", ErrWatermark, err)
	}
	return out.Bytes(), nil
}
