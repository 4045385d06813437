package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"

	"detectserver/internal/apperr"
	"detectserver/internal/tensor"

	"github.com/disintegration/imaging"
)

// PadValue is the gray level used to fill the letterbox border.
const PadValue = 114

// Transform maps between original image pixels and model input pixels. It is
// a pure function of the source size and the target size.
type Transform struct {
	Scale     float64
	PadX      int
	PadY      int
	SrcWidth  int
	SrcHeight int
	Target    int
}

// NewTransform computes the letterbox geometry for a w×h image scaled into a
// target×target square. Padding is floored, so odd remainders go to the
// right and bottom edges.
func NewTransform(w, h, target int) (Transform, error) {
	if w <= 0 || h <= 0 {
		return Transform{}, apperr.InvalidImage(fmt.Sprintf("image has zero size %dx%d", w, h), nil)
	}
	if target <= 0 {
		return Transform{}, fmt.Errorf("target size must be positive, got %d", target)
	}

	scale := math.Min(float64(target)/float64(w), float64(target)/float64(h))
	newW := clampInt(int(math.Round(float64(w)*scale)), 1, target)
	newH := clampInt(int(math.Round(float64(h)*scale)), 1, target)

	return Transform{
		Scale:     scale,
		PadX:      (target - newW) / 2,
		PadY:      (target - newH) / 2,
		SrcWidth:  w,
		SrcHeight: h,
		Target:    target,
	}, nil
}

// ResizedSize returns the size of the image inside the letterbox.
func (t Transform) ResizedSize() (int, int) {
	return clampInt(int(math.Round(float64(t.SrcWidth)*t.Scale)), 1, t.Target),
		clampInt(int(math.Round(float64(t.SrcHeight)*t.Scale)), 1, t.Target)
}

// ToInput maps an original-image point into model input pixels.
func (t Transform) ToInput(x, y float64) (float64, float64) {
	return x*t.Scale + float64(t.PadX), y*t.Scale + float64(t.PadY)
}

// ToOriginal maps a model input point back into original-image pixels.
func (t Transform) ToOriginal(x, y float64) (float64, float64) {
	return (x - float64(t.PadX)) / t.Scale, (y - float64(t.PadY)) / t.Scale
}

// DecodeImage decodes JPEG, PNG, GIF, BMP or TIFF bytes and applies the EXIF
// orientation.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, apperr.InvalidImage("empty image payload", nil)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperr.InvalidImage("cannot decode image", err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, apperr.InvalidImage(fmt.Sprintf("image has zero size %dx%d", b.Dx(), b.Dy()), nil)
	}
	return img, nil
}

// Preprocessor letterboxes images into the model input tensor.
type Preprocessor struct {
	Size   int
	Layout tensor.Layout
	// SwapRB writes BGR instead of RGB, for models exported from OpenCV pipelines.
	SwapRB bool
}

// Preprocess letterboxes img into a Size×Size tensor normalized to [0,1].
func (p *Preprocessor) Preprocess(img image.Image) (*tensor.Tensor, Transform, error) {
	if img == nil {
		return nil, Transform{}, apperr.InvalidImage("nil image", nil)
	}
	b := img.Bounds()
	tr, err := NewTransform(b.Dx(), b.Dy(), p.Size)
	if err != nil {
		return nil, Transform{}, err
	}

	canvas := p.letterbox(img, tr)

	t := tensor.New(p.Layout, 3, p.Size, p.Size)
	r, g, bl := 0, 1, 2
	if p.SwapRB {
		r, bl = 2, 0
	}

	plane := p.Size * p.Size
	for y := 0; y < p.Size; y++ {
		row := canvas.Pix[y*canvas.Stride : y*canvas.Stride+p.Size*4]
		for x := 0; x < p.Size; x++ {
			px := row[x*4 : x*4+3]
			i := y*p.Size + x
			if p.Layout == tensor.NHWC {
				t.Data[i*3+r] = float32(px[0]) / 255.0
				t.Data[i*3+g] = float32(px[1]) / 255.0
				t.Data[i*3+bl] = float32(px[2]) / 255.0
			} else {
				t.Data[r*plane+i] = float32(px[0]) / 255.0
				t.Data[g*plane+i] = float32(px[1]) / 255.0
				t.Data[bl*plane+i] = float32(px[2]) / 255.0
			}
		}
	}

	return t, tr, nil
}

func (p *Preprocessor) letterbox(img image.Image, tr Transform) *image.NRGBA {
	newW, newH := tr.ResizedSize()

	var resized *image.NRGBA
	if b := img.Bounds(); b.Dx() == newW && b.Dy() == newH {
		resized = imaging.Clone(img)
	} else {
		resized = imaging.Resize(img, newW, newH, imaging.Linear)
	}

	canvas := imaging.New(tr.Target, tr.Target, color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 255})
	return imaging.Paste(canvas, resized, image.Pt(tr.PadX, tr.PadY))
}

func clampInt(v, lo, hi int) int {
	return min(hi, max(lo, v))
}
