package watermark

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	pdfutil "github.com/dharsanguruparan/OnceDrop/internal/pdf"
	"github.com/dharsanguruparan/OnceDrop/internal/testutil"
)

func testViewer() Viewer {
	return Viewer{Browser: "Firefox/128.0", IP: "203.0.113.7", Time: testutil.FixedClock().Now()}
}

func solidImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	return img
}

func TestFingerprint(t *testing.T) {
	v := testViewer()
	if Fingerprint(v) != Fingerprint(v) {
		t.Fatalf("fingerprint not stable")
	}
	other := v
	other.IP = "198.51.100.1"
	if Fingerprint(v) == Fingerprint(other) {
		t.Fatalf("different viewers share a fingerprint")
	}
	if len(Fingerprint(v)) != 16 {
		t.Fatalf("unexpected fingerprint length %q", Fingerprint(v))
	}
}

func TestStampText(t *testing.T) {
	s := NewStamper("")
	out, err := s.Apply(context.Background(), []byte("meeting notes"), "text/plain; charset=utf-8", testViewer())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	text := string(out)
	if !strings.HasPrefix(text, "meeting notes\n") {
		t.Fatalf("original content altered: %q", text)
	}
	for _, want := range []string{"OnceDrop", "Firefox/128.0", "203.0.113.7", Fingerprint(testViewer())} {
		if !strings.Contains(text, want) {
			t.Fatalf("footer missing %q: %q", want, text)
		}
	}
}

func TestStampPDF(t *testing.T) {
	s := NewStamper("OnceDrop")
	in := testutil.MinimalPDF(2)
	out, err := s.Apply(context.Background(), in, "application/pdf", testViewer())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !bytes.Contains(out, []byte(Fingerprint(testViewer()))) {
		t.Fatalf("fingerprint not embedded")
	}
	n, err := pdfutil.PageCount(out)
	if err != nil || n != 2 {
		t.Fatalf("stamped pdf unreadable: pages=%d err=%v", n, err)
	}
}

func TestStampPDFRejectsGarbage(t *testing.T) {
	_, err := NewStamper("").Apply(context.Background(), []byte("not a pdf"), "application/pdf", testViewer())
	if !errors.Is(err, ErrWatermark) {
		t.Fatalf("expected ErrWatermark, got %v", err)
	}
}

func TestStampPNG(t *testing.T) {
	var in bytes.Buffer
	if err := png.Encode(&in, solidImage(64, 40)); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := NewStamper("").Apply(context.Background(), in.Bytes(), "image/png", testViewer())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds() != image.Rect(0, 0, 64, 40) {
		t.Fatalf("bounds changed: %v", img.Bounds())
	}
	if _, _, _, a := img.At(0, 0).RGBA(); a == 0 {
		t.Fatalf("top-left pixel lost")
	}
	r, g, b, _ := img.At(0, 0).RGBA()
	br, bg, bb, _ := img.At(0, 39).RGBA()
	if r == br && g == bg && b == bb {
		t.Fatalf("bottom stripe not drawn")
	}
}

func TestStampJPEG(t *testing.T) {
	var in bytes.Buffer
	if err := jpeg.Encode(&in, solidImage(80, 60), nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := NewStamper("").Apply(context.Background(), in.Bytes(), "image/jpeg", testViewer())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 80 || img.Bounds().Dy() != 60 {
		t.Fatalf("bounds changed: %v", img.Bounds())
	}
}

func TestStampFailures(t *testing.T) {
	s := NewStamper("")
	cases := []struct {
		name string
		data []byte
		mime string
	}{
		{"unsupported", []byte("PK\x03\x04"), "application/zip"},
		{"corrupt png", []byte("\x89PNG broken"), "image/png"},
		{"bad content type", []byte("x"), ";;"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Apply(context.Background(), tc.data, tc.mime, testViewer()); !errors.Is(err, ErrWatermark) {
				t.Fatalf("expected ErrWatermark, got %v", err)
			}
		})
	}
}

func TestStampCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewStamper("").Apply(ctx, []byte("x"), "text/plain", testViewer()); !errors.Is(err, ErrWatermark) {
		t.Fatalf("expected ErrWatermark, got %v", err)
	}
}

func TestNop(t *testing.T) {
	in := []byte("payload")
	out, err := Nop{}.Apply(context.Background(), in, "application/zip", testViewer())
	if err != nil || !bytes.Equal(in, out) {
		t.Fatalf("nop altered data: %q %v", out, err)
	}
}

func TestCheckImage(t *testing.T) {
	var small bytes.Buffer
	if err := png.Encode(&small, solidImage(64, 40)); err != nil {
		t.Fatalf("encode: %v", err)
	}
	cases := []struct {
		name    string
		data    []byte
		wantErr error
		ok      bool
	}{
		{"small png", small.Bytes(), nil, true},
		{"just under the cap", testutil.PNGHeader(7071, 7071), nil, true},
		{"8000x8000", testutil.PNGHeader(8000, 8000), ErrImageTooLarge, false},
		{"wide strip", testutil.PNGHeader(1<<30, 1), ErrImageTooLarge, false},
		{"not an image", []byte("GIF89a"), nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckImage(tc.data)
			if tc.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestStampRejectsOversizedImage(t *testing.T) {
	data := testutil.PNGHeader(8000, 8000)
	_, err := NewStamper("").Apply(context.Background(), data, "image/png", testViewer())
	if !errors.Is(err, ErrWatermark) || !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrWatermark wrapping ErrImageTooLarge, got %v", err)
	}
}
