// Package stamp renders visible signature appearances: a bordered box
// with label lines and an optional icon image, emitted as a Form
// XObject that the signature widget references through /AP /N. The
// stamp is part of the appended revision, so it never disturbs the
// byte ranges the signature covers.
package stamp

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"time"

	"github.com/georgepadayatti/pdfseal/pdf/generic"
	"github.com/georgepadayatti/pdfseal/pdf/writer"
)

// Common errors
var (
	ErrRectOutsidePage = errors.New("stamp rectangle lies outside the page media box")
	ErrEmptyRect       = errors.New("stamp rectangle has no area")
	ErrNothingToDraw   = errors.New("stamp has neither text lines nor an image")
)

// Style configures the colors and metrics of a stamp.
type Style struct {
	// Background fills the box. A zero alpha leaves it transparent.
	Background color.RGBA

	// Outline strokes the box border.
	Outline color.RGBA

	// BorderWidth is the border stroke width in points. Zero draws no
	// border.
	BorderWidth float64

	// TextColor fills the label glyphs.
	TextColor color.RGBA

	// FontSize is the label size in points.
	FontSize float64

	// FontName is one of the standard 14 fonts.
	FontName string

	// Padding separates the content from the box edges.
	Padding float64
}

// DefaultStyle returns a white box with a thin black border and
// 10 point Helvetica labels.
func DefaultStyle() Style {
	return Style{
		Background:  color.RGBA{255, 255, 255, 255},
		Outline:     color.RGBA{0, 0, 0, 255},
		BorderWidth: 1,
		TextColor:   color.RGBA{0, 0, 0, 255},
		FontSize:    10,
		FontName:    "Helvetica",
		Padding:     5,
	}
}

// Spec describes a visible signature stamp.
type Spec struct {
	// PageIndex selects the page carrying the widget, zero-based.
	PageIndex int

	// Rect places the stamp in page space. It must lie inside the
	// page's media box.
	Rect generic.Rect

	// Lines are the label lines, drawn top to bottom.
	Lines []string

	// Image holds an optional PNG or JPEG icon drawn left of the text.
	Image []byte

	// Style controls colors and metrics. The zero value selects
	// DefaultStyle.
	Style Style
}

// SignatureLines builds the conventional label lines for a signature
// stamp: the signer name, the date, and reason and location when
// present.
func SignatureLines(signerName string, signingTime time.Time, reason, location string) []string {
	lines := []string{
		fmt.Sprintf("Digitally signed by %s", signerName),
		fmt.Sprintf("Date: %s", signingTime.Format("2006-01-02 15:04:05 MST")),
	}
	if reason != "" {
		lines = append(lines, fmt.Sprintf("Reason: %s", reason))
	}
	if location != "" {
		lines = append(lines, fmt.Sprintf("Location: %s", location))
	}
	return lines
}

// Stamp is a validated stamp ready to be built into a revision. It
// implements the signing pipeline's Appearance interface.
type Stamp struct {
	spec Spec
	icon *icon
}

// New validates spec and returns the stamp. The icon image, when
// present, is decoded here so a bad file fails before any document
// work.
func New(spec Spec) (*Stamp, error) {
	if spec.Rect.Width() <= 0 || spec.Rect.Height() <= 0 {
		return nil, ErrEmptyRect
	}
	if len(spec.Lines) == 0 && len(spec.Image) == 0 {
		return nil, ErrNothingToDraw
	}
	if spec.Style == (Style{}) {
		spec.Style = DefaultStyle()
	}
	if spec.Style.FontName == "" {
		spec.Style.FontName = "Helvetica"
	}
	if spec.Style.FontSize <= 0 {
		spec.Style.FontSize = 10
	}

	s := &Stamp{spec: spec}
	if len(spec.Image) > 0 {
		ic, err := decodeIcon(spec.Image, iconPixelBudget(spec))
		if err != nil {
			return nil, err
		}
		s.icon = ic
	}
	return s, nil
}

// Page returns the zero-based index of the page carrying the stamp.
func (s *Stamp) Page() int {
	return s.spec.PageIndex
}

// Bounds returns the stamp rectangle in page space.
func (s *Stamp) Bounds() generic.Rect {
	return s.spec.Rect
}

// Build validates the rectangle against the page media box, emits the
// appearance stream and its image resources into the revision, and
// returns the Form XObject reference for the widget's /AP /N entry.
func (s *Stamp) Build(w *writer.IncrementalWriter) (generic.Reference, error) {
	page, err := w.Document().Page(s.spec.PageIndex)
	if err != nil {
		return generic.Reference{}, err
	}
	if !page.MediaBox.Contains(s.spec.Rect) {
		return generic.Reference{}, fmt.Errorf("%w: [%g %g %g %g] on page %d",
			ErrRectOutsidePage,
			s.spec.Rect.LLX, s.spec.Rect.LLY, s.spec.Rect.URX, s.spec.Rect.URY,
			s.spec.PageIndex)
	}

	resources := generic.NewDict()
	if len(s.spec.Lines) > 0 {
		font := generic.NewDict()
		font.Set("Type", generic.Name("Font"))
		font.Set("Subtype", generic.Name("Type1"))
		font.Set("BaseFont", generic.Name(s.spec.Style.FontName))
		font.Set("Encoding", generic.Name("WinAnsiEncoding"))
		fonts := generic.NewDict()
		fonts.Set("F1", font)
		resources.Set("Font", fonts)
	}
	if s.icon != nil {
		imgRef, err := s.icon.build(w)
		if err != nil {
			return generic.Reference{}, err
		}
		xobjects := generic.NewDict()
		xobjects.Set("Im1", imgRef)
		resources.Set("XObject", xobjects)
	}

	dict := generic.NewDict()
	dict.Set("Type", generic.Name("XObject"))
	dict.Set("Subtype", generic.Name("Form"))
	dict.Set("FormType", generic.Integer(1))
	dict.Set("BBox", generic.Array{
		generic.Real(0), generic.Real(0),
		generic.Real(s.spec.Rect.Width()), generic.Real(s.spec.Rect.Height()),
	})
	dict.Set("Resources", resources)

	form := generic.NewStream(dict, s.render())
	return w.Add(form), nil
}

// render draws the box, border, icon and label lines into a content
// stream. Coordinates are form space: origin at the lower-left corner
// of the stamp rectangle.
func (s *Stamp) render() []byte {
	style := s.spec.Style
	width := s.spec.Rect.Width()
	height := s.spec.Rect.Height()

	var buf bytes.Buffer
	buf.WriteString("q\n")

	if style.Background.A > 0 {
		writeColor(&buf, style.Background, "rg")
		fmt.Fprintf(&buf, "0 0 %.2f %.2f re f\n", width, height)
	}
	if style.BorderWidth > 0 {
		writeColor(&buf, style.Outline, "RG")
		fmt.Fprintf(&buf, "%.2f w\n", style.BorderWidth)
		inset := style.BorderWidth / 2
		fmt.Fprintf(&buf, "%.2f %.2f %.2f %.2f re S\n",
			inset, inset, width-style.BorderWidth, height-style.BorderWidth)
	}

	textLeft := style.Padding
	if s.icon != nil {
		side := height - 2*style.Padding
		if side > 0 {
			iw, ih := s.icon.fit(side, side)
			y := (height - ih) / 2
			fmt.Fprintf(&buf, "q %.2f 0 0 %.2f %.2f %.2f cm /Im1 Do Q\n",
				iw, ih, style.Padding, y)
			textLeft += side + style.Padding
		}
	}

	if len(s.spec.Lines) > 0 {
		writeColor(&buf, style.TextColor, "rg")
		buf.WriteString("BT\n")
		fmt.Fprintf(&buf, "/F1 %.2f Tf\n", style.FontSize)
		leading := style.FontSize * 1.2
		y := height - style.Padding - style.FontSize
		fmt.Fprintf(&buf, "%.2f %.2f Td\n%.2f TL\n", textLeft, y, leading)
		for i, line := range s.spec.Lines {
			if i > 0 {
				buf.WriteString("T*\n")
			}
			fmt.Fprintf(&buf, "(%s) Tj\n", escapeText(line))
		}
		buf.WriteString("ET\n")
	}

	buf.WriteString("Q\n")
	return buf.Bytes()
}

func writeColor(buf *bytes.Buffer, c color.RGBA, op string) {
	fmt.Fprintf(buf, "%.3f %.3f %.3f %s\n",
		float64(c.R)/255, float64(c.G)/255, float64(c.B)/255, op)
}

// escapeText escapes a label for the literal string form of a content
// stream. Bytes outside the printable ASCII range use octal escapes,
// which WinAnsiEncoding resolves for the common Latin-1 repertoire.
func escapeText(s string) string {
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch b {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(b)
		default:
			if b < 0x20 || b > 0x7e {
				fmt.Fprintf(&buf, `\%03o`, b)
			} else {
				buf.WriteByte(b)
			}
		}
	}
	return buf.String()
}
