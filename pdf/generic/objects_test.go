package generic

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func writeToString(t *testing.T, obj Object) string {
	t.Helper()
	var buf bytes.Buffer
	if err := obj.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return buf.String()
}

func TestScalarSerialization(t *testing.T) {
	tests := []struct {
		name     string
		obj      Object
		expected string
	}{
		{"null", Null{}, "null"},
		{"true", Boolean(true), "true"},
		{"false", Boolean(false), "false"},
		{"integer", Integer(42), "42"},
		{"negative integer", Integer(-7), "-7"},
		{"real", Real(3.5), "3.5"},
		{"real without exponent", Real(0.00001), "0.00001"},
		{"name", Name("Type"), "/Type"},
		{"name with space", Name("Two Words"), "/Two#20Words"},
		{"name with hash", Name("A#B"), "/A#23B"},
		{"reference", Reference{Number: 12, Generation: 0}, "12 0 R"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := writeToString(t, tt.obj)
			if got != tt.expected {
				t.Errorf("Write() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestStringSerialization(t *testing.T) {
	tests := []struct {
		name     string
		obj      *String
		expected string
	}{
		{"plain literal", NewLiteralString("hello"), "(hello)"},
		{"parens escaped", NewLiteralString("a(b)c"), `(a\(b\)c)`},
		{"backslash escaped", NewLiteralString(`a\b`), `(a\\b)`},
		{"newline escaped", NewLiteralString("a\nb"), `(a\nb)`},
		{"hex string", NewHexString([]byte{0xde, 0xad}), "<DEAD>"},
		{"ascii text string", NewTextString("Signed"), "(Signed)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := writeToString(t, tt.obj)
			if got != tt.expected {
				t.Errorf("Write() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTextStringUTF16(t *testing.T) {
	s := NewTextString("Müller")
	if !s.Hex {
		t.Fatal("Expected non-ASCII text string to use hex form")
	}
	if len(s.Value) < 2 || s.Value[0] != 0xfe || s.Value[1] != 0xff {
		t.Errorf("Expected UTF-16BE BOM, got % X", s.Value[:2])
	}
	out := writeToString(t, s)
	if !strings.HasPrefix(out, "<FEFF") {
		t.Errorf("Expected serialized BOM prefix, got %q", out)
	}
}

func TestDictOrderAndAccess(t *testing.T) {
	d := NewDict()
	d.Set("Type", Name("Sig"))
	d.Set("Filter", Name("Adobe.PPKLite"))
	d.Set("Reason", NewLiteralString("approval"))
	d.Set("Type", Name("Sig")) // re-set must not duplicate the key

	keys := d.Keys()
	want := []Name{"Type", "Filter", "Reason"}
	if len(keys) != len(want) {
		t.Fatalf("Expected %d keys, got %d", len(want), len(keys))
	}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("Key %d = %q, want %q", i, keys[i], k)
		}
	}

	if got := d.GetName("Filter"); got != "Adobe.PPKLite" {
		t.Errorf("GetName(Filter) = %q", got)
	}
	if d.Has("Missing") {
		t.Error("Has(Missing) = true")
	}

	d.Delete("Filter")
	if d.Has("Filter") || len(d.Keys()) != 2 {
		t.Error("Delete did not remove the key")
	}

	out := writeToString(t, d)
	if !strings.HasPrefix(out, "<</Type /Sig\n") {
		t.Errorf("Unexpected dict serialization: %q", out)
	}
}

func TestStreamSetsLength(t *testing.T) {
	data := []byte("BT /F1 10 Tf ET")
	s := NewStream(nil, data)
	out := writeToString(t, s)

	if !strings.Contains(out, "/Length 15") {
		t.Errorf("Expected /Length 15 in output, got %q", out)
	}
	if !strings.Contains(out, "stream\n"+string(data)+"\nendstream") {
		t.Errorf("Stream body not framed correctly: %q", out)
	}
}

func TestIndirectObjectSerialization(t *testing.T) {
	obj := &IndirectObject{Number: 5, Generation: 0, Object: Integer(99)}
	out := writeToString(t, obj)
	want := "5 0 obj\n99\nendobj\n"
	if out != want {
		t.Errorf("Write() = %q, want %q", out, want)
	}
	if obj.Reference() != (Reference{Number: 5}) {
		t.Errorf("Reference() = %+v", obj.Reference())
	}
}

func TestRect(t *testing.T) {
	r := Rect{LLX: 50, LLY: 50, URX: 250, URY: 100}
	if r.Width() != 200 || r.Height() != 50 {
		t.Errorf("Width/Height = %v/%v", r.Width(), r.Height())
	}
	page := Rect{LLX: 0, LLY: 0, URX: 612, URY: 792}
	if !page.Contains(r) {
		t.Error("Expected page to contain the stamp rect")
	}
	if page.Contains(Rect{LLX: 600, LLY: 0, URX: 700, URY: 10}) {
		t.Error("Expected out-of-bounds rect to be rejected")
	}

	out := writeToString(t, r.ToArray())
	if out != "[50 50 250 100]" {
		t.Errorf("ToArray() = %q", out)
	}
}

func TestComputeFileID(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a := ComputeFileID([]byte("document one"), now)
	b := ComputeFileID([]byte("document two"), now)

	if len(a) != 16 {
		t.Errorf("Expected 16-byte ID, got %d", len(a))
	}
	if bytes.Equal(a, b) {
		t.Error("Expected different documents to produce different IDs")
	}
}
