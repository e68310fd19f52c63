package stamp

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/georgepadayatti/pdfseal/pdf/generic"
	"github.com/georgepadayatti/pdfseal/pdf/reader"
	"github.com/georgepadayatti/pdfseal/pdf/writer"
)

func testDoc(t *testing.T) *reader.Document {
	t.Helper()

	var buf bytes.Buffer
	offsets := make(map[int]int)
	add := func(num int, body string) {
		offsets[num] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", num, body)
	}

	buf.WriteString("%PDF-1.7\n")
	add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	add(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 612 792] >>")
	add(3, "<< /Type /Page /Parent 2 0 R >>")

	xrefPos := buf.Len()
	buf.WriteString("xref\n0 4\n0000000000 65535 f \n")
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xrefPos)

	doc, err := reader.NewDocumentFromBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("NewDocumentFromBytes failed: %v", err)
	}
	return doc
}

func TestNewValidatesSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr error
	}{
		{
			name:    "empty rectangle",
			spec:    Spec{Rect: generic.Rect{LLX: 50, LLY: 50, URX: 50, URY: 100}, Lines: []string{"x"}},
			wantErr: ErrEmptyRect,
		},
		{
			name:    "inverted rectangle",
			spec:    Spec{Rect: generic.Rect{LLX: 250, LLY: 100, URX: 50, URY: 50}, Lines: []string{"x"}},
			wantErr: ErrEmptyRect,
		},
		{
			name:    "no content",
			spec:    Spec{Rect: generic.Rect{LLX: 50, LLY: 50, URX: 250, URY: 100}},
			wantErr: ErrNothingToDraw,
		},
		{
			name: "valid",
			spec: Spec{Rect: generic.Rect{LLX: 50, LLY: 50, URX: 250, URY: 100}, Lines: []string{"x"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.spec)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("New failed: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildRejectsRectOutsideMediaBox(t *testing.T) {
	doc := testDoc(t)
	w := writer.NewIncrementalWriter(doc)

	s, err := New(Spec{
		Rect:  generic.Rect{LLX: 500, LLY: 700, URX: 700, URY: 800},
		Lines: []string{"out of bounds"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := s.Build(w); !errors.Is(err, ErrRectOutsidePage) {
		t.Errorf("Build error = %v, want %v", err, ErrRectOutsidePage)
	}
}

func TestBuildEmitsAppearanceStream(t *testing.T) {
	doc := testDoc(t)
	w := writer.NewIncrementalWriter(doc)

	s, err := New(Spec{
		Rect:  generic.Rect{LLX: 50, LLY: 50, URX: 250, URY: 100},
		Lines: []string{"Signed by Test User, 2024-01-01"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ref, err := s.Build(w)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if ref.Number == 0 {
		t.Fatal("Build returned a zero reference")
	}

	var out bytes.Buffer
	if err := w.Write(&out); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data := out.String()
	if !strings.Contains(data, "(Signed by Test User, 2024-01-01) Tj") {
		t.Error("appearance stream does not draw the stamp text")
	}
	if !strings.Contains(data, "/Subtype /Form") {
		t.Error("appearance stream is not a Form XObject")
	}
	if !strings.Contains(data, "/BaseFont /Helvetica") {
		t.Error("appearance resources carry no Helvetica font")
	}
}

func TestRenderDrawsBackgroundAndBorder(t *testing.T) {
	s, err := New(Spec{
		Rect:  generic.Rect{LLX: 0, LLY: 0, URX: 200, URY: 50},
		Lines: []string{"line"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	content := string(s.render())
	if !strings.Contains(content, "re f") {
		t.Error("content stream has no background fill")
	}
	if !strings.Contains(content, "re S") {
		t.Error("content stream has no border stroke")
	}
	if !strings.HasPrefix(content, "q\n") || !strings.HasSuffix(content, "Q\n") {
		t.Error("content stream does not bracket the graphics state")
	}
}

func TestRenderSkipsTransparentBackground(t *testing.T) {
	style := DefaultStyle()
	style.Background.A = 0
	style.BorderWidth = 0

	s, err := New(Spec{
		Rect:  generic.Rect{LLX: 0, LLY: 0, URX: 200, URY: 50},
		Lines: []string{"line"},
		Style: style,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	content := string(s.render())
	if strings.Contains(content, "re f") || strings.Contains(content, "re S") {
		t.Errorf("content stream draws box despite transparent style:\n%s", content)
	}
}

func TestSignatureLines(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	lines := SignatureLines("Test User", at, "Approval", "Berlin")
	want := []string{
		"Digitally signed by Test User",
		"Date: 2024-01-01 12:00:00 UTC",
		"Reason: Approval",
		"Location: Berlin",
	}
	if len(lines) != len(want) {
		t.Fatalf("SignatureLines returned %d lines, want %d", len(lines), len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}

	lines = SignatureLines("Test User", at, "", "")
	if len(lines) != 2 {
		t.Errorf("SignatureLines without reason/location returned %d lines, want 2", len(lines))
	}
}

func TestEscapeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"with (parens)", `with \(parens\)`},
		{`back\slash`, `back\\slash`},
		{"caf\xe9", `caf\351`},
	}
	for _, tt := range tests {
		if got := escapeText(tt.in); got != tt.want {
			t.Errorf("escapeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
