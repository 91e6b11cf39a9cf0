package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
)

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture png: %v", err)
	}
	return buf.Bytes()
}

func imageServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCompositeNoOverlaysReturnsSameDimensions(t *testing.T) {
	base := solidPNG(t, 200, 200, color.White)
	o := NewOverlay(nil)
	out, err := o.Composite(context.Background(), base, "", "")
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if img.Bounds().Dx() != 200 || img.Bounds().Dy() != 200 {
		t.Fatalf("expected unchanged canvas size, got %v", img.Bounds())
	}
}

func TestCompositeWithLogoChangesTopRightPixels(t *testing.T) {
	base := solidPNG(t, 300, 300, color.White)
	logo := solidPNG(t, 50, 50, color.RGBA{R: 255, A: 255})
	srv := imageServer(t, logo)

	o := NewOverlay(nil)
	out, err := o.Composite(context.Background(), base, srv.URL, "")
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}

	r, g, b, _ := img.At(300-logoPaddingPx-1, logoPaddingPx+1).RGBA()
	if r == 0xffff && g == 0xffff && b == 0xffff {
		t.Fatalf("expected top-right pixel to be overwritten by the logo, still white")
	}
}

func TestCompositeWithProfilePicturePaintsBottomLeftCircle(t *testing.T) {
	base := solidPNG(t, 300, 300, color.White)
	profile := solidPNG(t, 80, 80, color.RGBA{B: 255, A: 255})
	srv := imageServer(t, profile)

	o := NewOverlay(nil)
	out, err := o.Composite(context.Background(), base, "", srv.URL)
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}

	bordered := profileDiameterPx + 2*profileBorderPx
	center := profilePaddingPx + bordered/2
	y := 300 - profilePaddingPx - bordered/2
	r, g, b, a := img.At(center, y).RGBA()
	if a == 0 {
		t.Fatalf("expected opaque pixel at profile circle center")
	}
	if r == 0xffff && g == 0xffff && b == 0xffff {
		t.Fatalf("expected profile circle center to differ from the white base")
	}
}

func TestCompositeDegradesGracefullyOnFetchFailure(t *testing.T) {
	base := solidPNG(t, 150, 150, color.White)
	o := NewOverlay(nil)
	// Neither URL resolves; Composite must still succeed and return the base unchanged.
	out, err := o.Composite(context.Background(), base, "http://127.0.0.1:0/missing.png", "http://127.0.0.1:0/missing2.png")
	if err != nil {
		t.Fatalf("Composite should degrade gracefully on fetch failure, got err: %v", err)
	}
	if len(out) == 0 {
		t.Fatalf("expected a non-empty encoded image")
	}
}
