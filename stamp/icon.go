package stamp

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // icon decoding
	_ "image/png"  // icon decoding

	xdraw "golang.org/x/image/draw"

	"github.com/georgepadayatti/pdfseal/pdf/filters"
	"github.com/georgepadayatti/pdfseal/pdf/generic"
	"github.com/georgepadayatti/pdfseal/pdf/writer"
)

// Icons are rasterized at most at this density relative to their box
// in points. Anything sharper only grows the file.
const iconPixelsPerPoint = 4

// icon is a decoded stamp image, downscaled to its pixel budget and
// separated into RGB samples and an optional alpha channel.
type icon struct {
	width    int
	height   int
	rgb      []byte
	alpha    []byte
	hasAlpha bool
}

// iconPixelBudget derives the maximum pixel edge for the icon from the
// square it will occupy inside the stamp.
func iconPixelBudget(spec Spec) int {
	side := spec.Rect.Height() - 2*spec.Style.Padding
	if side < 1 {
		side = 1
	}
	return int(side * iconPixelsPerPoint)
}

// decodeIcon decodes data as PNG or JPEG and scales it down when either
// edge exceeds maxEdge pixels. Upscaling never happens.
func decodeIcon(data []byte, maxEdge int) (*icon, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding stamp image: %w", err)
	}
	img = scaleDown(img, maxEdge)

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	ic := &icon{
		width:  w,
		height: h,
		rgb:    make([]byte, 0, w*h*3),
		alpha:  make([]byte, 0, w*h),
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			ic.rgb = append(ic.rgb, byte(r>>8), byte(g>>8), byte(b>>8))
			ic.alpha = append(ic.alpha, byte(a>>8))
			if a>>8 != 0xff {
				ic.hasAlpha = true
			}
		}
	}
	return ic, nil
}

// scaleDown resamples img so neither edge exceeds maxEdge, preserving
// the aspect ratio.
func scaleDown(img image.Image, maxEdge int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return img
	}

	scaledW, scaledH := w, h
	if w >= h {
		scaledW = maxEdge
		scaledH = h * maxEdge / w
	} else {
		scaledH = maxEdge
		scaledW = w * maxEdge / h
	}
	if scaledW < 1 {
		scaledW = 1
	}
	if scaledH < 1 {
		scaledH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, scaledW, scaledH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)
	return dst
}

// fit returns the drawn size of the icon inside a maxW by maxH box,
// preserving the aspect ratio.
func (ic *icon) fit(maxW, maxH float64) (w, h float64) {
	scale := maxW / float64(ic.width)
	if s := maxH / float64(ic.height); s < scale {
		scale = s
	}
	return float64(ic.width) * scale, float64(ic.height) * scale
}

// build emits the icon as an Image XObject, with a separate SMask
// stream when the source carries transparency, and returns the image
// reference.
func (ic *icon) build(w *writer.IncrementalWriter) (generic.Reference, error) {
	dict := generic.NewDict()
	dict.Set("Type", generic.Name("XObject"))
	dict.Set("Subtype", generic.Name("Image"))
	dict.Set("Width", generic.Integer(ic.width))
	dict.Set("Height", generic.Integer(ic.height))
	dict.Set("ColorSpace", generic.Name("DeviceRGB"))
	dict.Set("BitsPerComponent", generic.Integer(8))
	dict.Set("Filter", generic.Name("FlateDecode"))

	if ic.hasAlpha {
		maskRef, err := ic.buildMask(w)
		if err != nil {
			return generic.Reference{}, err
		}
		dict.Set("SMask", maskRef)
	}

	data, err := filters.FlateEncode(ic.rgb)
	if err != nil {
		return generic.Reference{}, fmt.Errorf("compressing stamp image: %w", err)
	}
	return w.Add(generic.NewStream(dict, data)), nil
}

func (ic *icon) buildMask(w *writer.IncrementalWriter) (generic.Reference, error) {
	dict := generic.NewDict()
	dict.Set("Type", generic.Name("XObject"))
	dict.Set("Subtype", generic.Name("Image"))
	dict.Set("Width", generic.Integer(ic.width))
	dict.Set("Height", generic.Integer(ic.height))
	dict.Set("ColorSpace", generic.Name("DeviceGray"))
	dict.Set("BitsPerComponent", generic.Integer(8))
	dict.Set("Filter", generic.Name("FlateDecode"))

	data, err := filters.FlateEncode(ic.alpha)
	if err != nil {
		return generic.Reference{}, fmt.Errorf("compressing stamp image mask: %w", err)
	}
	return w.Add(generic.NewStream(dict, data)), nil
}
