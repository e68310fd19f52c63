// Package writer appends incremental revisions to existing PDF documents.
//
// An incremental update never rewrites the bytes of the source document:
// the output starts with the original file verbatim, followed by changed
// and added objects, a cross-reference section covering them, and a
// trailer whose /Prev links back to the previous revision. This is the
// only update style that keeps earlier signatures intact.
package writer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/georgepadayatti/pdfseal/pdf/generic"
	"github.com/georgepadayatti/pdfseal/pdf/reader"
)

// Common errors
var (
	ErrNoPlaceholder      = errors.New("signature dictionary was not emitted")
	ErrInvalidCapacity    = errors.New("contents capacity must be positive")
	ErrUnexpectedPageTree = errors.New("unexpected page tree shape")
)

// Annotation flags for signature widgets.
const (
	annotFlagPrint  = 1 << 2
	annotFlagLocked = 1 << 7
)

// ObjectKey identifies an object slot in the appended revision.
type ObjectKey struct {
	Number     int
	Generation int
}

// IncrementalWriter collects changed and new objects and serializes them
// as one appended revision over the source document.
type IncrementalWriter struct {
	doc        *reader.Document
	objects    map[ObjectKey]*generic.IndirectObject
	nextObjNum int
	documentID generic.Array
}

// NewIncrementalWriter returns a writer extending doc. The file identifier
// keeps the first half of doc's /ID and refreshes the second half.
func NewIncrementalWriter(doc *reader.Document) *IncrementalWriter {
	return &IncrementalWriter{
		doc:        doc,
		objects:    make(map[ObjectKey]*generic.IndirectObject),
		nextObjNum: doc.MaxObjectNumber() + 1,
		documentID: refreshDocumentID(doc),
	}
}

// refreshDocumentID preserves ID[0], which external references may depend
// on, and derives a new ID[1] for the revision being created.
func refreshDocumentID(doc *reader.Document) generic.Array {
	fresh := generic.ComputeFileID(doc.Data(), time.Now())

	var first []byte
	if id := doc.ID(); len(id) >= 1 {
		if s, ok := id[0].(*generic.String); ok {
			first = s.Value
		}
	}
	if first == nil {
		first = fresh
	}
	return generic.Array{generic.NewHexString(first), generic.NewHexString(fresh)}
}

// Document returns the source document the writer extends.
func (w *IncrementalWriter) Document() *reader.Document {
	return w.doc
}

// NextObjectNumber returns the number the next added object will receive.
func (w *IncrementalWriter) NextObjectNumber() int {
	return w.nextObjNum
}

// Add registers obj as a new indirect object and returns its reference.
func (w *IncrementalWriter) Add(obj generic.Object) generic.Reference {
	num := w.nextObjNum
	w.nextObjNum++
	w.objects[ObjectKey{Number: num}] = &generic.IndirectObject{Number: num, Object: obj}
	return generic.Reference{Number: num}
}

// Update registers obj as the new revision of the object at ref.
func (w *IncrementalWriter) Update(ref generic.Reference, obj generic.Object) {
	key := ObjectKey{Number: ref.Number, Generation: ref.Generation}
	w.objects[key] = &generic.IndirectObject{
		Number:     ref.Number,
		Generation: ref.Generation,
		Object:     obj,
	}
	if ref.Number >= w.nextObjNum {
		w.nextObjNum = ref.Number + 1
	}
}

// dictForUpdate returns the pending copy of the dictionary at ref,
// fetching a fresh parse from the source and registering it on first use.
// Later mutations of the returned dictionary are picked up by the write.
func (w *IncrementalWriter) dictForUpdate(ref generic.Reference) (*generic.Dict, error) {
	if ind, ok := w.objects[ObjectKey{Number: ref.Number, Generation: ref.Generation}]; ok {
		dict, ok := ind.Object.(*generic.Dict)
		if !ok {
			return nil, fmt.Errorf("object %d pending update is not a dictionary", ref.Number)
		}
		return dict, nil
	}

	obj, err := w.doc.Object(ref)
	if err != nil {
		return nil, err
	}
	dict, ok := obj.(*generic.Dict)
	if !ok {
		return nil, fmt.Errorf("object %d is not a dictionary", ref.Number)
	}
	w.Update(ref, dict)
	return dict, nil
}

// AddSignatureField creates an invisible-by-default signature widget on the
// page at pageIndex, wires it into the page /Annots and the AcroForm, and
// returns the field for further decoration (appearance, /V).
func (w *IncrementalWriter) AddSignatureField(name string, pageIndex int, rect generic.Rect) (generic.Reference, *generic.Dict, error) {
	page, err := w.doc.Page(pageIndex)
	if err != nil {
		return generic.Reference{}, nil, err
	}

	field := generic.NewDict()
	field.Set("Type", generic.Name("Annot"))
	field.Set("Subtype", generic.Name("Widget"))
	field.Set("FT", generic.Name("Sig"))
	field.Set("T", generic.NewTextString(name))
	field.Set("Rect", rect.ToArray())
	field.Set("F", generic.Integer(annotFlagPrint|annotFlagLocked))
	field.Set("P", page.Ref)
	fieldRef := w.Add(field)

	if err := w.appendToPageAnnots(page.Ref, fieldRef); err != nil {
		return generic.Reference{}, nil, err
	}
	if err := w.attachFieldToForm(fieldRef); err != nil {
		return generic.Reference{}, nil, err
	}
	return fieldRef, field, nil
}

func (w *IncrementalWriter) appendToPageAnnots(pageRef, fieldRef generic.Reference) error {
	pageDict, err := w.dictForUpdate(pageRef)
	if err != nil {
		return err
	}

	switch annots := pageDict.Get("Annots").(type) {
	case nil:
		pageDict.Set("Annots", generic.Array{fieldRef})
	case generic.Array:
		pageDict.Set("Annots", append(annots, fieldRef))
	case generic.Reference:
		resolved, err := w.doc.Resolve(annots)
		if err != nil {
			return err
		}
		arr, ok := resolved.(generic.Array)
		if !ok {
			return fmt.Errorf("%w: /Annots is not an array", ErrUnexpectedPageTree)
		}
		w.Update(annots, append(arr, fieldRef))
	default:
		return fmt.Errorf("%w: /Annots is not an array", ErrUnexpectedPageTree)
	}
	return nil
}

// attachFieldToForm appends fieldRef to the AcroForm /Fields, creating the
// form when the document has none, and raises SigFlags to
// SignaturesExist|AppendOnly.
func (w *IncrementalWriter) attachFieldToForm(fieldRef generic.Reference) error {
	var form *generic.Dict

	if formRef, ok := w.doc.AcroFormRef(); ok {
		pending, err := w.dictForUpdate(formRef)
		if err != nil {
			return err
		}
		form = pending
	} else if w.doc.AcroForm() != nil {
		// Inline form: rewrite the catalog object that carries it.
		catalog, err := w.dictForUpdate(w.doc.RootRef())
		if err != nil {
			return err
		}
		form = catalog.GetDict("AcroForm")
		if form == nil {
			return fmt.Errorf("%w: catalog /AcroForm is not a dictionary", ErrUnexpectedPageTree)
		}
	} else {
		form = generic.NewDict()
		formRef := w.Add(form)
		catalog, err := w.dictForUpdate(w.doc.RootRef())
		if err != nil {
			return err
		}
		catalog.Set("AcroForm", formRef)
	}

	switch fields := form.Get("Fields").(type) {
	case nil:
		form.Set("Fields", generic.Array{fieldRef})
	case generic.Array:
		form.Set("Fields", append(fields, fieldRef))
	case generic.Reference:
		resolved, err := w.doc.Resolve(fields)
		if err != nil {
			return err
		}
		arr, ok := resolved.(generic.Array)
		if !ok {
			return fmt.Errorf("%w: /Fields is not an array", ErrUnexpectedPageTree)
		}
		w.Update(fields, append(arr, fieldRef))
	default:
		return fmt.Errorf("%w: /Fields is not an array", ErrUnexpectedPageTree)
	}

	sigFlags, _ := form.GetInt("SigFlags")
	form.Set("SigFlags", generic.Integer(sigFlags|3))
	return nil
}

// SetDocMDPPerms records sigRef as the certification signature of the
// document in the catalog /Perms dictionary.
func (w *IncrementalWriter) SetDocMDPPerms(sigRef generic.Reference) error {
	catalog, err := w.dictForUpdate(w.doc.RootRef())
	if err != nil {
		return err
	}

	switch perms := catalog.Get("Perms").(type) {
	case nil:
		p := generic.NewDict()
		p.Set("DocMDP", sigRef)
		catalog.Set("Perms", p)
	case *generic.Dict:
		perms.Set("DocMDP", sigRef)
	case generic.Reference:
		p, err := w.dictForUpdate(perms)
		if err != nil {
			return err
		}
		p.Set("DocMDP", sigRef)
	default:
		return fmt.Errorf("catalog /Perms is not a dictionary")
	}
	return nil
}

// SignaturePlaceholder describes the signature dictionary whose /Contents
// and /ByteRange are reserved during the write and patched afterwards.
type SignaturePlaceholder struct {
	SigDict      *generic.Dict
	SigDictRef   generic.Reference
	ContentsSize int
}

// PrepareSignature installs sigDict as the value of field and reserves
// contentsSize bytes for the signature container. The dictionary entries
// already present on sigDict (filter, reason, signing time, ...) are
// emitted unchanged.
func (w *IncrementalWriter) PrepareSignature(field *generic.Dict, sigDict *generic.Dict, contentsSize int) (*SignaturePlaceholder, error) {
	if contentsSize <= 0 {
		return nil, ErrInvalidCapacity
	}

	sigDict.Set("ByteRange", generic.Array{
		generic.Integer(0), generic.Integer(0), generic.Integer(0), generic.Integer(0),
	})
	sigDict.Set("Contents", generic.NewHexString(make([]byte, contentsSize)))

	sigDictRef := w.Add(sigDict)
	field.Set("V", sigDictRef)

	return &SignaturePlaceholder{
		SigDict:      sigDict,
		SigDictRef:   sigDictRef,
		ContentsSize: contentsSize,
	}, nil
}

// ByteRangePlan is the rendered revision with the reserved signature
// region located. Data holds the complete output; the /Contents gap at
// [ByteRange[1], ByteRange[2]) is zero-filled and waits for the
// hex-encoded container.
type ByteRangePlan struct {
	Data             []byte
	ByteRange        [4]int64
	ContentsOffset   int64
	ContentsCapacity int
}

// SignedBytes concatenates the two ranges the signature digest covers.
func (p *ByteRangePlan) SignedBytes() []byte {
	part1 := p.Data[p.ByteRange[0] : p.ByteRange[0]+p.ByteRange[1]]
	part2 := p.Data[p.ByteRange[2] : p.ByteRange[2]+p.ByteRange[3]]

	out := make([]byte, 0, len(part1)+len(part2))
	out = append(out, part1...)
	out = append(out, part2...)
	return out
}

// Write serializes the revision without a signature placeholder. With no
// pending objects the original document is passed through unchanged.
func (w *IncrementalWriter) Write(out io.Writer) error {
	if len(w.objects) == 0 {
		_, err := out.Write(w.doc.Data())
		return err
	}
	data, _, _, err := w.render(nil)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// WriteWithPlaceholder serializes the revision, patches the final
// /ByteRange values in place and returns the plan for digesting and
// embedding.
func (w *IncrementalWriter) WriteWithPlaceholder(placeholder *SignaturePlaceholder) (*ByteRangePlan, error) {
	data, byteRangeOff, contentsDelimOff, err := w.render(placeholder)
	if err != nil {
		return nil, err
	}
	if byteRangeOff < 0 || contentsDelimOff < 0 {
		return nil, ErrNoPlaceholder
	}

	contentsStart := contentsDelimOff + 1
	contentsEnd := contentsStart + int64(placeholder.ContentsSize*2)

	// The byte ranges exclude the whole <...> token, delimiters included.
	byteRange := [4]int64{
		0,
		contentsDelimOff,
		contentsEnd + 1,
		int64(len(data)) - contentsEnd - 1,
	}
	patched := fmt.Sprintf("[%010d %010d %010d %010d]",
		byteRange[0], byteRange[1], byteRange[2], byteRange[3])
	copy(data[byteRangeOff:], patched)

	return &ByteRangePlan{
		Data:             data,
		ByteRange:        byteRange,
		ContentsOffset:   contentsStart,
		ContentsCapacity: placeholder.ContentsSize,
	}, nil
}

// render serializes original + objects + xref + trailer, reporting where
// the /ByteRange token and the /Contents opening delimiter landed.
func (w *IncrementalWriter) render(placeholder *SignaturePlaceholder) (data []byte, byteRangeOff, contentsOff int64, err error) {
	var buf bytes.Buffer
	buf.Write(w.doc.Data())
	if n := buf.Len(); n > 0 {
		if last := buf.Bytes()[n-1]; last != '\n' && last != '\r' {
			buf.WriteByte('\n')
		}
	}

	byteRangeOff, contentsOff = -1, -1
	offsets := make(map[ObjectKey]int64)

	for _, key := range w.sortedKeys() {
		ind := w.objects[key]
		offsets[key] = int64(buf.Len())

		if placeholder != nil && key.Number == placeholder.SigDictRef.Number {
			byteRangeOff, contentsOff, err = writeSignatureObject(&buf, ind, placeholder)
		} else {
			err = ind.Write(&buf)
		}
		if err != nil {
			return nil, 0, 0, err
		}
	}

	xrefOffset := int64(buf.Len())
	if err := w.writeXRefSection(&buf, offsets, xrefOffset); err != nil {
		return nil, 0, 0, err
	}
	return buf.Bytes(), byteRangeOff, contentsOff, nil
}

func (w *IncrementalWriter) sortedKeys() []ObjectKey {
	keys := make([]ObjectKey, 0, len(w.objects))
	for k := range w.objects {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Number != keys[j].Number {
			return keys[i].Number < keys[j].Number
		}
		return keys[i].Generation < keys[j].Generation
	})
	return keys
}

// writeSignatureObject emits the signature dictionary entry by entry so the
// exact byte positions of /ByteRange and /Contents are known.
func writeSignatureObject(buf *bytes.Buffer, ind *generic.IndirectObject, placeholder *SignaturePlaceholder) (byteRangeOff, contentsOff int64, err error) {
	byteRangeOff, contentsOff = -1, -1
	fmt.Fprintf(buf, "%d %d obj\n<<\n", ind.Number, ind.Generation)

	for _, key := range placeholder.SigDict.Keys() {
		if err := generic.Name(key).Write(buf); err != nil {
			return 0, 0, err
		}
		buf.WriteByte(' ')

		switch key {
		case "ByteRange":
			byteRangeOff = int64(buf.Len())
			fmt.Fprintf(buf, "[%010d %010d %010d %010d]", 0, 0, 0, 0)
		case "Contents":
			contentsOff = int64(buf.Len())
			buf.WriteByte('<')
			for i := 0; i < placeholder.ContentsSize; i++ {
				buf.WriteString("00")
			}
			buf.WriteByte('>')
		default:
			if err := placeholder.SigDict.Get(key).Write(buf); err != nil {
				return 0, 0, err
			}
		}
		buf.WriteByte('\n')
	}

	buf.WriteString(">>\nendobj\n")
	return byteRangeOff, contentsOff, nil
}

// writeXRefSection emits a classic cross-reference table over the changed
// objects, grouping consecutive numbers into subsections, followed by the
// trailer for the revision.
func (w *IncrementalWriter) writeXRefSection(buf *bytes.Buffer, offsets map[ObjectKey]int64, xrefOffset int64) error {
	keys := make([]ObjectKey, 0, len(offsets))
	for k := range offsets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Number < keys[j].Number
	})

	buf.WriteString("xref\n")

	type subsection struct {
		start   int
		entries []ObjectKey
	}
	var subsections []subsection
	if len(keys) > 0 {
		current := subsection{start: keys[0].Number, entries: []ObjectKey{keys[0]}}
		for _, key := range keys[1:] {
			if key.Number == current.start+len(current.entries) {
				current.entries = append(current.entries, key)
			} else {
				subsections = append(subsections, current)
				current = subsection{start: key.Number, entries: []ObjectKey{key}}
			}
		}
		subsections = append(subsections, current)
	}

	for _, sub := range subsections {
		fmt.Fprintf(buf, "%d %d\n", sub.start, len(sub.entries))
		for _, key := range sub.entries {
			fmt.Fprintf(buf, "%010d %05d n \n", offsets[key], key.Generation)
		}
	}

	buf.WriteString("trailer\n")
	if err := w.newTrailer().Write(buf); err != nil {
		return err
	}
	fmt.Fprintf(buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return nil
}

func (w *IncrementalWriter) newTrailer() *generic.Dict {
	trailer := generic.NewDict()
	trailer.Set("Size", generic.Integer(w.nextObjNum))
	trailer.Set("Prev", generic.Integer(w.doc.StartXRefOffset()))
	trailer.Set("Root", w.doc.RootRef())
	if infoRef, ok := w.doc.InfoRef(); ok {
		trailer.Set("Info", infoRef)
	}
	trailer.Set("ID", w.documentID)
	return trailer
}
