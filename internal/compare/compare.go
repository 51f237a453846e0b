// Package compare scores visual similarity between tile images from
// different providers.
package compare

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"sort"
)

// Metrics holds the similarity scores for one image pair. MSE is 0 for
// identical images; PSNR is capped at PSNRMax in that case. SSIM and
// histogram correlation approach 1 for similar images.
type Metrics struct {
	MSE                  float64 `json:"mse"`
	PSNR                 float64 `json:"psnr"`
	SSIM                 float64 `json:"ssim"`
	HistogramCorrelation float64 `json:"histogram_correlation"`
}

// PSNRMax is reported for identical planes. The mathematical value is
// infinite, which neither JSON nor downstream consumers can carry.
const PSNRMax = 99.0

// SSIM stabilizers for 8-bit dynamic range.
const (
	ssimK1 = 0.01
	ssimK2 = 0.03
	ssimL  = 255.0
)

var ErrEmptyImage = errors.New("image has no pixels")

// Decode parses PNG or JPEG bytes.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Bytes decodes both payloads and compares them.
func Bytes(a, b []byte) (Metrics, error) {
	ia, err := Decode(a)
	if err != nil {
		return Metrics{}, fmt.Errorf("first image: %w", err)
	}
	ib, err := Decode(b)
	if err != nil {
		return Metrics{}, fmt.Errorf("second image: %w", err)
	}
	return Images(ia, ib)
}

// Images compares two images. Differing dimensions are reconciled by
// downsampling the larger image to the smaller one's size.
func Images(a, b image.Image) (Metrics, error) {
	w := min(a.Bounds().Dx(), b.Bounds().Dx())
	h := min(a.Bounds().Dy(), b.Bounds().Dy())
	if w == 0 || h == 0 {
		return Metrics{}, ErrEmptyImage
	}

	ga := grayPlane(a, w, h)
	gb := grayPlane(b, w, h)

	mse := meanSquaredError(ga, gb)
	return Metrics{
		MSE:                  mse,
		PSNR:                 psnr(mse),
		SSIM:                 ssim(ga, gb),
		HistogramCorrelation: histogramCorrelation(ga, gb),
	}, nil
}

// grayPlane samples an image into a w×h luma plane with nearest-neighbor
// scaling.
func grayPlane(img image.Image, w, h int) []float64 {
	bounds := img.Bounds()
	sw, sh := bounds.Dx(), bounds.Dy()
	out := make([]float64, w*h)
	for y := range h {
		sy := bounds.Min.Y + y*sh/h
		for x := range w {
			sx := bounds.Min.X + x*sw/w
			r, g, b, _ := img.At(sx, sy).RGBA()
			// BT.601 luma, scaled from 16-bit channels to 0..255
			out[y*w+x] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
		}
	}
	return out
}

func meanSquaredError(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum / float64(len(a))
}

func psnr(mse float64) float64 {
	if mse == 0 {
		return PSNRMax
	}
	return min(20*math.Log10(ssimL)-10*math.Log10(mse), PSNRMax)
}

// ssim computes a single global SSIM over the whole plane rather than a
// windowed mean, which is enough to rank providers.
func ssim(a, b []float64) float64 {
	n := float64(len(a))
	var muA, muB float64
	for i := range a {
		muA += a[i]
		muB += b[i]
	}
	muA /= n
	muB /= n

	var varA, varB, cov float64
	for i := range a {
		da, db := a[i]-muA, b[i]-muB
		varA += da * da
		varB += db * db
		cov += da * db
	}
	varA /= n
	varB /= n
	cov /= n

	c1 := (ssimK1 * ssimL) * (ssimK1 * ssimL)
	c2 := (ssimK2 * ssimL) * (ssimK2 * ssimL)
	return ((2*muA*muB + c1) * (2*cov + c2)) /
		((muA*muA + muB*muB + c1) * (varA + varB + c2))
}

// histogramCorrelation is the Pearson correlation of 256-bin luma
// histograms. 1 means identical distributions.
func histogramCorrelation(a, b []float64) float64 {
	ha := histogram(a)
	hb := histogram(b)

	var meanA, meanB float64
	for i := range ha {
		meanA += ha[i]
		meanB += hb[i]
	}
	meanA /= 256
	meanB /= 256

	var num, denA, denB float64
	for i := range ha {
		da, db := ha[i]-meanA, hb[i]-meanB
		num += da * db
		denA += da * da
		denB += db * db
	}
	if denA == 0 || denB == 0 {
		// flat histograms: identical when both are flat
		if denA == denB {
			return 1
		}
		return 0
	}
	return num / math.Sqrt(denA*denB)
}

func histogram(plane []float64) [256]float64 {
	var h [256]float64
	for _, v := range plane {
		idx := int(v)
		if idx < 0 {
			idx = 0
		} else if idx > 255 {
			idx = 255
		}
		h[idx]++
	}
	return h
}

// Match is one candidate's score in a best-match search.
type Match struct {
	Name    string  `json:"name"`
	Metrics Metrics `json:"metrics"`
}

// FindBestMatch compares a reference image against candidates and ranks
// them by SSIM. The winner is first.
func FindBestMatch(ref []byte, candidates map[string][]byte) ([]Match, error) {
	refImg, err := Decode(ref)
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}

	var out []Match
	for name, data := range candidates {
		img, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", name, err)
		}
		m, err := Images(refImg, img)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", name, err)
		}
		out = append(out, Match{Name: name, Metrics: m})
	}
	if len(out) == 0 {
		return nil, errors.New("no candidates")
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metrics.SSIM != out[j].Metrics.SSIM {
			return out[i].Metrics.SSIM > out[j].Metrics.SSIM
		}
		return out[i].Metrics.MSE < out[j].Metrics.MSE
	})
	return out, nil
}
