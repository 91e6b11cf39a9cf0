package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"

	"github.com/fogleman/gg"
	xdraw "golang.org/x/image/draw"
)

const (
	logoWidthPx       = 70
	logoPaddingPx     = 20
	profileDiameterPx = 100
	profileBorderPx   = 3
	profilePaddingPx  = 20
)

// Overlay composites an optional top-right logo and an optional bottom-left circular
// profile picture onto base, without re-invoking the Rasterizer. Either URL may be
// empty, in which case that overlay is skipped. A failure to fetch or decode one overlay
// input degrades gracefully (base is returned with the other overlay still applied)
// rather than failing the whole composite, mirroring the original renderer's behavior.
type Overlay struct {
	httpClient *http.Client
}

func NewOverlay(httpClient *http.Client) *Overlay {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Overlay{httpClient: httpClient}
}

// Composite draws logoURL (if non-empty) at the top-right and profileURL (if
// non-empty) as a bordered circle at the bottom-left of the PNG-encoded base image.
func (o *Overlay) Composite(ctx context.Context, basePNG []byte, logoURL, profileURL string) ([]byte, error) {
	base, err := png.Decode(bytes.NewReader(basePNG))
	if err != nil {
		return nil, fmt.Errorf("decode base image: %w", err)
	}

	canvas := image.NewRGBA(base.Bounds())
	draw.Draw(canvas, canvas.Bounds(), base, image.Point{}, draw.Src)
	bounds := canvas.Bounds()

	if logoURL != "" {
		if logo, err := o.fetchImage(ctx, logoURL); err == nil {
			drawLogo(canvas, logo, bounds.Dx(), bounds.Dy())
		}
	}

	if profileURL != "" {
		if profile, err := o.fetchImage(ctx, profileURL); err == nil {
			drawProfile(canvas, profile, bounds.Dy())
		}
	}

	var out bytes.Buffer
	if err := png.Encode(&out, canvas); err != nil {
		return nil, fmt.Errorf("encode composited image: %w", err)
	}
	return out.Bytes(), nil
}

func (o *Overlay) fetchImage(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(body))
	return img, err
}

// drawLogo resizes logo to a fixed 70px width preserving aspect ratio and pastes it
// into the top-right corner with a 20px margin.
func drawLogo(canvas *image.RGBA, logo image.Image, canvasW, canvasH int) {
	b := logo.Bounds()
	if b.Dx() == 0 {
		return
	}
	aspect := float64(b.Dy()) / float64(b.Dx())
	logoHeight := int(float64(logoWidthPx) * aspect)

	resized := image.NewRGBA(image.Rect(0, 0, logoWidthPx, logoHeight))
	xdraw.CatmullRom.Scale(resized, resized.Bounds(), logo, b, xdraw.Over, nil)

	pos := image.Pt(canvasW-logoWidthPx-logoPaddingPx, logoPaddingPx)
	dstRect := image.Rect(pos.X, pos.Y, pos.X+logoWidthPx, pos.Y+logoHeight)
	draw.Draw(canvas, dstRect, resized, image.Point{}, draw.Over)
}

// drawProfile resizes profile to a 100px-diameter circle with a 3px white border and
// pastes it into the bottom-left corner with a 20px margin, using gg for the circular
// clip mask.
func drawProfile(canvas *image.RGBA, profile image.Image, canvasH int) {
	const bordered = profileDiameterPx + 2*profileBorderPx

	resized := image.NewRGBA(image.Rect(0, 0, profileDiameterPx, profileDiameterPx))
	xdraw.CatmullRom.Scale(resized, resized.Bounds(), profile, profile.Bounds(), xdraw.Over, nil)

	dc := gg.NewContext(bordered, bordered)
	dc.SetRGBA(1, 1, 1, 1)
	dc.DrawCircle(float64(bordered)/2, float64(bordered)/2, float64(bordered)/2)
	dc.Fill()

	dc.DrawCircle(float64(bordered)/2, float64(bordered)/2, float64(profileDiameterPx)/2)
	dc.Clip()
	dc.DrawImage(resized, profileBorderPx, profileBorderPx)
	dc.ResetClip()

	pos := image.Pt(profilePaddingPx, canvasH-bordered-profilePaddingPx)
	dstRect := image.Rect(pos.X, pos.Y, pos.X+bordered, pos.Y+bordered)
	draw.Draw(canvas, dstRect, dc.Image(), image.Point{}, draw.Over)
}
