package stamp

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/georgepadayatti/pdfseal/pdf/generic"
	"github.com/georgepadayatti/pdfseal/pdf/writer"
)

func pngBytes(t *testing.T, width, height int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeIconRejectsGarbage(t *testing.T) {
	if _, err := decodeIcon([]byte("not an image"), 100); err == nil {
		t.Error("decodeIcon accepted garbage input")
	}
}

func TestDecodeIconScalesDown(t *testing.T) {
	data := pngBytes(t, 400, 100, color.RGBA{0, 0, 255, 255})

	ic, err := decodeIcon(data, 100)
	if err != nil {
		t.Fatalf("decodeIcon failed: %v", err)
	}
	if ic.width != 100 || ic.height != 25 {
		t.Errorf("scaled size = %dx%d, want 100x25", ic.width, ic.height)
	}
	if len(ic.rgb) != 100*25*3 {
		t.Errorf("rgb sample count = %d, want %d", len(ic.rgb), 100*25*3)
	}
}

func TestDecodeIconKeepsSmallImages(t *testing.T) {
	data := pngBytes(t, 16, 16, color.RGBA{255, 0, 0, 255})

	ic, err := decodeIcon(data, 100)
	if err != nil {
		t.Fatalf("decodeIcon failed: %v", err)
	}
	if ic.width != 16 || ic.height != 16 {
		t.Errorf("size = %dx%d, want 16x16 (no upscaling)", ic.width, ic.height)
	}
	if ic.hasAlpha {
		t.Error("opaque image reported as carrying alpha")
	}
}

func TestDecodeIconDetectsAlpha(t *testing.T) {
	data := pngBytes(t, 8, 8, color.RGBA{0, 0, 0, 128})

	ic, err := decodeIcon(data, 100)
	if err != nil {
		t.Fatalf("decodeIcon failed: %v", err)
	}
	if !ic.hasAlpha {
		t.Error("translucent image not reported as carrying alpha")
	}
}

func TestIconFitPreservesAspect(t *testing.T) {
	ic := &icon{width: 200, height: 100}

	w, h := ic.fit(50, 50)
	if w != 50 || h != 25 {
		t.Errorf("fit(50, 50) = %gx%g, want 50x25", w, h)
	}
}

func TestBuildWithIconEmitsImageXObject(t *testing.T) {
	doc := testDoc(t)
	w := writer.NewIncrementalWriter(doc)

	s, err := New(Spec{
		Rect:  generic.Rect{LLX: 50, LLY: 50, URX: 250, URY: 100},
		Lines: []string{"with icon"},
		Image: pngBytes(t, 8, 8, color.RGBA{0, 0, 0, 128}),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := s.Build(w); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	var out bytes.Buffer
	if err := w.Write(&out); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data := out.String()
	if !strings.Contains(data, "/Subtype /Image") {
		t.Error("revision carries no Image XObject")
	}
	if !strings.Contains(data, "/SMask") {
		t.Error("translucent icon emitted without an SMask")
	}
	if !strings.Contains(data, "/Im1 Do") {
		t.Error("content stream never draws the icon")
	}
}
