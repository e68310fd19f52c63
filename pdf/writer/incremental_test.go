package writer

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/georgepadayatti/pdfseal/pdf/generic"
	"github.com/georgepadayatti/pdfseal/pdf/reader"
)

type docBuilder struct {
	buf     bytes.Buffer
	offsets map[int]int
}

func newDocBuilder() *docBuilder {
	b := &docBuilder{offsets: make(map[int]int)}
	b.buf.WriteString("%PDF-1.7\n")
	return b
}

func (b *docBuilder) add(num int, body string) {
	b.offsets[num] = b.buf.Len()
	fmt.Fprintf(&b.buf, "%d 0 obj\n%s\nendobj\n", num, body)
}

func (b *docBuilder) finishClassic(maxNum, rootNum int, trailerExtra string) []byte {
	xrefPos := b.buf.Len()
	fmt.Fprintf(&b.buf, "xref\n0 %d\n", maxNum+1)
	b.buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= maxNum; i++ {
		fmt.Fprintf(&b.buf, "%010d 00000 n \n", b.offsets[i])
	}
	fmt.Fprintf(&b.buf, "trailer\n<< /Size %d /Root %d 0 R%s >>\nstartxref\n%d\n%%%%EOF\n",
		maxNum+1, rootNum, trailerExtra, xrefPos)
	return b.buf.Bytes()
}

func minimalDoc(trailerExtra string) []byte {
	b := newDocBuilder()
	b.add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.add(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 612 792] >>")
	b.add(3, "<< /Type /Page /Parent 2 0 R >>")
	return b.finishClassic(3, 1, trailerExtra)
}

func mustParse(t *testing.T, data []byte) *reader.Document {
	t.Helper()
	doc, err := reader.NewDocumentFromBytes(data)
	if err != nil {
		t.Fatalf("NewDocumentFromBytes failed: %v", err)
	}
	return doc
}

func TestAddSignatureFieldCreatesForm(t *testing.T) {
	original := minimalDoc("")
	doc := mustParse(t, original)
	w := NewIncrementalWriter(doc)

	_, field, err := w.AddSignatureField("Signature-1700000001", 0, generic.Rect{})
	if err != nil {
		t.Fatalf("AddSignatureField failed: %v", err)
	}
	if field.GetName("FT") != "Sig" {
		t.Errorf("field /FT = %q, want Sig", field.GetName("FT"))
	}

	var out bytes.Buffer
	if err := w.Write(&out); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !bytes.Equal(out.Bytes()[:len(original)], original) {
		t.Fatal("original bytes were modified by the incremental update")
	}

	updated := mustParse(t, out.Bytes())
	form := updated.AcroForm()
	if form == nil {
		t.Fatal("updated document has no AcroForm")
	}
	sigFlags, _ := form.GetInt("SigFlags")
	if sigFlags != 3 {
		t.Errorf("SigFlags = %d, want 3", sigFlags)
	}

	fields, err := updated.SignatureFields()
	if err != nil {
		t.Fatalf("SignatureFields failed: %v", err)
	}
	if len(fields) != 1 {
		t.Fatalf("got %d signature fields, want 1", len(fields))
	}

	page, err := updated.Page(0)
	if err != nil {
		t.Fatalf("Page(0) failed: %v", err)
	}
	if page.Dict.GetArray("Annots") == nil {
		t.Error("widget was not added to the page /Annots")
	}
}

func TestAddSignatureFieldExistingForm(t *testing.T) {
	b := newDocBuilder()
	b.add(1, "<< /Type /Catalog /Pages 2 0 R /AcroForm << /Fields [4 0 R] /SigFlags 0 >> >>")
	b.add(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 612 792] >>")
	b.add(3, "<< /Type /Page /Parent 2 0 R >>")
	b.add(4, "<< /FT /Tx /T (Name) /Type /Annot /Subtype /Widget /Rect [0 0 0 0] >>")
	doc := mustParse(t, b.finishClassic(4, 1, ""))
	w := NewIncrementalWriter(doc)

	if _, _, err := w.AddSignatureField("Signature-1700000002", 0, generic.Rect{}); err != nil {
		t.Fatalf("AddSignatureField failed: %v", err)
	}

	var out bytes.Buffer
	if err := w.Write(&out); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	updated := mustParse(t, out.Bytes())
	form := updated.AcroForm()
	fields := form.GetArray("Fields")
	if len(fields) != 2 {
		t.Errorf("got %d form fields, want the existing one plus the signature", len(fields))
	}
	sigFlags, _ := form.GetInt("SigFlags")
	if sigFlags&3 != 3 {
		t.Errorf("SigFlags = %d, want SignaturesExist|AppendOnly set", sigFlags)
	}
}

func TestWriteWithPlaceholder(t *testing.T) {
	original := minimalDoc("")
	doc := mustParse(t, original)
	w := NewIncrementalWriter(doc)

	_, field, err := w.AddSignatureField("Signature-1700000003", 0, generic.Rect{})
	if err != nil {
		t.Fatalf("AddSignatureField failed: %v", err)
	}

	sigDict := generic.NewDict()
	sigDict.Set("Type", generic.Name("Sig"))
	sigDict.Set("Filter", generic.Name("Adobe.PPKLite"))
	sigDict.Set("SubFilter", generic.Name("adbe.pkcs7.detached"))
	sigDict.Set("M", generic.NewLiteralString("D:20260823120000Z"))

	const capacity = 64
	ph, err := w.PrepareSignature(field, sigDict, capacity)
	if err != nil {
		t.Fatalf("PrepareSignature failed: %v", err)
	}

	plan, err := w.WriteWithPlaceholder(ph)
	if err != nil {
		t.Fatalf("WriteWithPlaceholder failed: %v", err)
	}

	if !bytes.Equal(plan.Data[:len(original)], original) {
		t.Fatal("original bytes were modified by the signed revision")
	}

	br := plan.ByteRange
	if br[0] != 0 {
		t.Errorf("ByteRange[0] = %d, want 0", br[0])
	}
	if gap := br[2] - br[1]; gap != 2*capacity+2 {
		t.Errorf("contents gap = %d bytes, want %d", gap, 2*capacity+2)
	}
	if br[2]+br[3] != int64(len(plan.Data)) {
		t.Errorf("ByteRange does not reach the end of the file")
	}
	if plan.Data[br[1]] != '<' || plan.Data[br[2]-1] != '>' {
		t.Error("contents gap is not delimited by <>")
	}
	for i := plan.ContentsOffset; i < plan.ContentsOffset+2*capacity; i++ {
		if plan.Data[i] != '0' {
			t.Fatalf("placeholder byte at %d is %q, want '0'", i, plan.Data[i])
		}
	}
	if got, want := len(plan.SignedBytes()), len(plan.Data)-(2*capacity+2); got != want {
		t.Errorf("SignedBytes length = %d, want %d", got, want)
	}

	// The patched /ByteRange must parse back to the computed values.
	updated := mustParse(t, plan.Data)
	sigs, err := updated.EmbeddedSignatures()
	if err != nil {
		t.Fatalf("EmbeddedSignatures failed: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("got %d embedded signatures, want 1", len(sigs))
	}
	if !sigs[0].CoversDocument() {
		t.Error("signature byte ranges do not cover the document")
	}
	if sigs[0].GetFieldName() != "Signature-1700000003" {
		t.Errorf("field name = %q", sigs[0].GetFieldName())
	}
	if sigs[0].GetSubFilter() != "adbe.pkcs7.detached" {
		t.Errorf("SubFilter = %q", sigs[0].GetSubFilter())
	}
}

func TestPrepareSignatureInvalidCapacity(t *testing.T) {
	doc := mustParse(t, minimalDoc(""))
	w := NewIncrementalWriter(doc)

	_, field, err := w.AddSignatureField("Signature-1700000004", 0, generic.Rect{})
	if err != nil {
		t.Fatalf("AddSignatureField failed: %v", err)
	}
	if _, err := w.PrepareSignature(field, generic.NewDict(), 0); !errors.Is(err, ErrInvalidCapacity) {
		t.Errorf("Expected ErrInvalidCapacity, got %v", err)
	}
}

func TestDocumentIDFirstHalfPreserved(t *testing.T) {
	original := minimalDoc(" /ID [<DEADBEEF> <CAFEBABE>]")
	doc := mustParse(t, original)
	w := NewIncrementalWriter(doc)

	obj, err := doc.Object(generic.Reference{Number: 3})
	if err != nil {
		t.Fatalf("Object failed: %v", err)
	}
	page := obj.(*generic.Dict)
	page.Set("Rotate", generic.Integer(90))
	w.Update(generic.Reference{Number: 3}, page)

	var out bytes.Buffer
	if err := w.Write(&out); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	updated := mustParse(t, out.Bytes())
	id := updated.ID()
	if len(id) != 2 {
		t.Fatalf("updated /ID has %d elements, want 2", len(id))
	}
	first := id[0].(*generic.String).Value
	second := id[1].(*generic.String).Value
	if !bytes.Equal(first, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("ID[0] = % X, want DEADBEEF preserved", first)
	}
	if bytes.Equal(second, []byte{0xCA, 0xFE, 0xBA, 0xBE}) {
		t.Error("ID[1] was not refreshed")
	}
	if len(second) != 16 {
		t.Errorf("refreshed ID[1] has %d bytes, want 16", len(second))
	}
}

func TestNoChangesPassThrough(t *testing.T) {
	original := minimalDoc("")
	doc := mustParse(t, original)
	w := NewIncrementalWriter(doc)

	var out bytes.Buffer
	if err := w.Write(&out); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !bytes.Equal(out.Bytes(), original) {
		t.Error("writer with no changes should pass the document through")
	}
}

func TestSetDocMDPPerms(t *testing.T) {
	doc := mustParse(t, minimalDoc(""))
	w := NewIncrementalWriter(doc)

	_, field, err := w.AddSignatureField("Signature-1700000005", 0, generic.Rect{})
	if err != nil {
		t.Fatalf("AddSignatureField failed: %v", err)
	}
	sigDict := generic.NewDict()
	sigDict.Set("Type", generic.Name("Sig"))
	ph, err := w.PrepareSignature(field, sigDict, 32)
	if err != nil {
		t.Fatalf("PrepareSignature failed: %v", err)
	}
	if err := w.SetDocMDPPerms(ph.SigDictRef); err != nil {
		t.Fatalf("SetDocMDPPerms failed: %v", err)
	}

	plan, err := w.WriteWithPlaceholder(ph)
	if err != nil {
		t.Fatalf("WriteWithPlaceholder failed: %v", err)
	}

	updated := mustParse(t, plan.Data)
	perms := updated.Root().GetDict("Perms")
	if perms == nil {
		t.Fatal("catalog has no /Perms")
	}
	ref, ok := perms.GetReference("DocMDP")
	if !ok || ref.Number != ph.SigDictRef.Number {
		t.Errorf("/Perms /DocMDP = %v, want %d 0 R", ref, ph.SigDictRef.Number)
	}
}

func TestUpdatedObjectWinsOnReparse(t *testing.T) {
	doc := mustParse(t, minimalDoc(""))
	w := NewIncrementalWriter(doc)

	obj, err := doc.Object(generic.Reference{Number: 3})
	if err != nil {
		t.Fatalf("Object failed: %v", err)
	}
	page := obj.(*generic.Dict)
	page.Set("Rotate", generic.Integer(180))
	w.Update(generic.Reference{Number: 3}, page)

	var out bytes.Buffer
	if err := w.Write(&out); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	updated := mustParse(t, out.Bytes())
	newPage, err := updated.Page(0)
	if err != nil {
		t.Fatalf("Page(0) failed: %v", err)
	}
	rotate, ok := newPage.Dict.GetInt("Rotate")
	if !ok || rotate != 180 {
		t.Errorf("Rotate = %d (%v), want 180 from the appended revision", rotate, ok)
	}
}
