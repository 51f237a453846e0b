package compare

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

func solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

func gradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			v := uint8(x * 255 / (w - 1))
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func encode(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestIdenticalImages(t *testing.T) {
	img := gradient(64, 64)
	m, err := Images(img, img)
	if err != nil {
		t.Fatalf("Images: %v", err)
	}
	if m.MSE != 0 {
		t.Fatalf("MSE = %v", m.MSE)
	}
	if m.PSNR != PSNRMax {
		t.Fatalf("PSNR = %v, want cap %v", m.PSNR, PSNRMax)
	}
	if m.SSIM < 0.999 {
		t.Fatalf("SSIM = %v", m.SSIM)
	}
	if m.HistogramCorrelation < 0.999 {
		t.Fatalf("histogram correlation = %v", m.HistogramCorrelation)
	}
}

// Every score must survive JSON encoding; an infinite PSNR used to make
// encoding/json reject the whole payload after the 200 header was written.
func TestMetricsEncodeToJSON(t *testing.T) {
	img := gradient(64, 64)
	m, err := Images(img, img)
	if err != nil {
		t.Fatalf("Images: %v", err)
	}
	if math.IsInf(m.PSNR, 0) || math.IsNaN(m.PSNR) {
		t.Fatalf("PSNR = %v", m.PSNR)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(raw, []byte(`"psnr":99`)) {
		t.Fatalf("payload = %s", raw)
	}
}

func TestDifferentImages(t *testing.T) {
	black := solid(64, 64, color.RGBA{0, 0, 0, 255})
	white := solid(64, 64, color.RGBA{255, 255, 255, 255})

	m, err := Images(black, white)
	if err != nil {
		t.Fatalf("Images: %v", err)
	}
	if m.MSE < 60000 {
		t.Fatalf("MSE = %v, want ~255^2", m.MSE)
	}
	if m.PSNR > 1 {
		t.Fatalf("PSNR = %v", m.PSNR)
	}
	if m.SSIM > 0.1 {
		t.Fatalf("SSIM = %v", m.SSIM)
	}
}

func TestSimilarBeatsDissimilar(t *testing.T) {
	base := gradient(64, 64)
	near := solid(64, 64, color.RGBA{120, 120, 120, 255})
	far := solid(64, 64, color.RGBA{255, 255, 255, 255})

	mNear, err := Images(base, near)
	if err != nil {
		t.Fatalf("near: %v", err)
	}
	mFar, err := Images(base, far)
	if err != nil {
		t.Fatalf("far: %v", err)
	}
	if mNear.MSE >= mFar.MSE {
		t.Fatalf("MSE near=%v far=%v", mNear.MSE, mFar.MSE)
	}
	if mNear.PSNR <= mFar.PSNR {
		t.Fatalf("PSNR near=%v far=%v", mNear.PSNR, mFar.PSNR)
	}
}

func TestMismatchedSizes(t *testing.T) {
	m, err := Images(gradient(128, 128), gradient(64, 64))
	if err != nil {
		t.Fatalf("Images: %v", err)
	}
	// same gradient at different resolutions stays close
	if m.SSIM < 0.9 {
		t.Fatalf("SSIM = %v", m.SSIM)
	}
}

func TestBytesRejectsGarbage(t *testing.T) {
	good := encode(t, gradient(8, 8))
	if _, err := Bytes(good, []byte("not an image")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := Bytes([]byte{}, good); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	a := encode(t, gradient(32, 32))
	b := encode(t, solid(32, 32, color.RGBA{200, 30, 40, 255}))
	m, err := Bytes(a, b)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if m.MSE == 0 {
		t.Fatal("distinct images must have nonzero MSE")
	}
}

func TestFindBestMatch(t *testing.T) {
	ref := encode(t, gradient(32, 32))
	candidates := map[string][]byte{
		"identical": encode(t, gradient(32, 32)),
		"gray":      encode(t, solid(32, 32, color.RGBA{128, 128, 128, 255})),
		"white":     encode(t, solid(32, 32, color.RGBA{255, 255, 255, 255})),
	}

	ranked, err := FindBestMatch(ref, candidates)
	if err != nil {
		t.Fatalf("FindBestMatch: %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("ranked %d candidates", len(ranked))
	}
	if ranked[0].Name != "identical" {
		t.Fatalf("winner = %q", ranked[0].Name)
	}

	if _, err := FindBestMatch(ref, nil); err == nil {
		t.Fatal("expected error with no candidates")
	}
}
