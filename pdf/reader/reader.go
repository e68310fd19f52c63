// Package reader parses existing PDF documents so they can be extended by
// incremental update. It resolves the cross-reference chain (classic tables,
// xref streams and hybrid files), exposes the document catalog, page tree and
// AcroForm, and enumerates signatures already embedded in the file.
//
// The reader never mutates the input and never caches parsed objects: every
// Object call returns a fresh parse, so callers may freely modify what they
// receive before writing it into a new revision.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/georgepadayatti/pdfseal/pdf/filters"
	"github.com/georgepadayatti/pdfseal/pdf/generic"
)

// Common errors
var (
	ErrMalformedDocument = errors.New("malformed PDF document")
	ErrEncrypted         = errors.New("document is encrypted")
	ErrObjectNotFound    = errors.New("object not found")
)

// DocumentStructureError reports a structural defect in the source document.
type DocumentStructureError struct {
	Message string
	Err     error
}

func (e *DocumentStructureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DocumentStructureError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...interface{}) error {
	return &DocumentStructureError{
		Message: fmt.Sprintf(format, args...),
		Err:     ErrMalformedDocument,
	}
}

// maxResolveDepth bounds reference chains so that self-referential documents
// cannot loop the resolver.
const maxResolveDepth = 32

// headerWindow is how far into the file the %PDF header may sit.
const headerWindow = 1024

var headerRegex = regexp.MustCompile(`%PDF-(\d+\.\d+)`)

// xrefEntry is one resolved cross-reference slot after the chain walk.
type xrefEntry struct {
	offset     int64
	generation int
	inUse      bool

	// For objects stored inside object streams.
	inStream  bool
	streamNum int
	streamIdx int
}

type numberedEntry struct {
	num   int
	entry xrefEntry
}

// Page is one leaf of the page tree with its inherited geometry resolved.
type Page struct {
	Ref      generic.Reference
	Dict     *generic.Dict
	MediaBox generic.Rect
}

// Document is a parsed PDF ready to be extended with a new revision.
type Document struct {
	data    []byte
	Version string
	Trailer *generic.Dict

	xref         map[int]xrefEntry
	startXRef    int64
	maxObjectNum int

	rootRef    generic.Reference
	root       *generic.Dict
	acroForm   *generic.Dict
	acroRef    generic.Reference
	hasAcroRef bool
	pages      []Page
}

// NewDocument parses a PDF from r.
func NewDocument(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return NewDocumentFromBytes(data)
}

// NewDocumentFromBytes parses a PDF held in memory. The document keeps a
// reference to data; callers must not modify it afterwards.
func NewDocumentFromBytes(data []byte) (*Document, error) {
	d := &Document{
		data: data,
		xref: make(map[int]xrefEntry),
	}
	if err := d.parse(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Document) parse() error {
	if err := d.parseHeader(); err != nil {
		return err
	}

	start, err := d.findStartXRef()
	if err != nil {
		return err
	}
	d.startXRef = start

	if err := d.walkXRefChain(start); err != nil {
		return err
	}

	if d.Trailer.Has("Encrypt") {
		return &DocumentStructureError{
			Message: "encrypted documents cannot be signed",
			Err:     ErrEncrypted,
		}
	}

	if err := d.loadCatalog(); err != nil {
		return err
	}
	return d.loadPages()
}

func (d *Document) parseHeader() error {
	window := d.data
	if len(window) > headerWindow {
		window = window[:headerWindow]
	}
	match := headerRegex.Find(window)
	if match == nil {
		return malformed("missing %%PDF header")
	}
	d.Version = string(match[5:])
	return nil
}

// findStartXRef locates the last startxref keyword and returns the offset it
// points at. Later occurrences supersede earlier ones.
func (d *Document) findStartXRef() (int64, error) {
	pos := bytes.LastIndex(d.data, []byte("startxref"))
	if pos == -1 {
		return 0, malformed("missing startxref")
	}
	pos = skipWS(d.data, pos+len("startxref"))
	offset, _, ok := readInt(d.data, pos)
	if !ok {
		return 0, malformed("startxref is not followed by an offset")
	}
	if offset < 0 || int64(offset) >= int64(len(d.data)) {
		return 0, malformed("startxref offset %d is outside the document", offset)
	}
	return int64(offset), nil
}

// walkXRefChain follows /Prev links from the newest cross-reference section
// to the oldest, keeping the newest entry for every object number.
func (d *Document) walkXRefChain(start int64) error {
	visited := make(map[int64]bool)
	offset := start

	for offset >= 0 {
		if visited[offset] {
			return malformed("circular cross-reference chain at offset %d", offset)
		}
		visited[offset] = true

		entries, trailer, classic, err := d.parseXRefSection(offset)
		if err != nil {
			return err
		}

		// Hybrid files carry the authoritative entries for compressed
		// objects in the stream named by /XRefStm; those win over the
		// classic table at the same revision.
		if classic {
			if stmOffset, ok := trailer.GetInt("XRefStm"); ok {
				stmEntries, _, err := d.parseXRefStream(stmOffset)
				if err != nil {
					return err
				}
				d.insertEntries(stmEntries)
			}
		}
		d.insertEntries(entries)

		if d.Trailer == nil {
			d.Trailer = trailer
		}

		prev, ok := trailer.GetInt("Prev")
		if !ok {
			break
		}
		offset = prev
	}

	if d.Trailer == nil {
		return malformed("no cross-reference section found")
	}
	if size, ok := d.Trailer.GetInt("Size"); ok && int(size)-1 > d.maxObjectNum {
		d.maxObjectNum = int(size) - 1
	}
	return nil
}

func (d *Document) insertEntries(entries []numberedEntry) {
	for _, ne := range entries {
		if _, exists := d.xref[ne.num]; !exists {
			d.xref[ne.num] = ne.entry
		}
		if ne.num > d.maxObjectNum {
			d.maxObjectNum = ne.num
		}
	}
}

// parseXRefSection parses the section at offset, dispatching between classic
// tables and cross-reference streams. classic reports which form was found.
func (d *Document) parseXRefSection(offset int64) (entries []numberedEntry, trailer *generic.Dict, classic bool, err error) {
	if offset < 0 || offset >= int64(len(d.data)) {
		return nil, nil, false, malformed("cross-reference offset %d is outside the document", offset)
	}
	pos := skipWS(d.data, int(offset))
	if bytes.HasPrefix(d.data[pos:], []byte("xref")) {
		entries, trailer, err = d.parseXRefTable(pos + len("xref"))
		return entries, trailer, true, err
	}
	entries, trailer, err = d.parseXRefStream(offset)
	return entries, trailer, false, err
}

// parseXRefTable parses a classic table starting just past the xref keyword.
func (d *Document) parseXRefTable(pos int) ([]numberedEntry, *generic.Dict, error) {
	var entries []numberedEntry

	for {
		pos = skipWS(d.data, pos)
		if bytes.HasPrefix(d.data[pos:], []byte("trailer")) {
			pos = skipWS(d.data, pos+len("trailer"))
			obj, err := generic.NewParserAt(d.data, pos).ParseObject()
			if err != nil {
				return nil, nil, malformed("invalid trailer dictionary: %v", err)
			}
			trailer, ok := obj.(*generic.Dict)
			if !ok {
				return nil, nil, malformed("trailer is not a dictionary")
			}
			return entries, trailer, nil
		}

		start, next, ok := readInt(d.data, pos)
		if !ok {
			return nil, nil, malformed("invalid cross-reference subsection header at offset %d", pos)
		}
		count, next, ok := readInt(d.data, skipWS(d.data, next))
		if !ok {
			return nil, nil, malformed("invalid cross-reference subsection header at offset %d", pos)
		}
		pos = next

		for i := 0; i < count; i++ {
			offset, gen, flag, next, err := readXRefTableEntry(d.data, pos)
			if err != nil {
				return nil, nil, err
			}
			pos = next

			num := start + i
			switch flag {
			case 'n':
				entries = append(entries, numberedEntry{num, xrefEntry{
					offset:     int64(offset),
					generation: gen,
					inUse:      true,
				}})
			case 'f':
				entries = append(entries, numberedEntry{num, xrefEntry{inUse: false}})
			default:
				return nil, nil, malformed("invalid cross-reference entry flag %q", flag)
			}
		}
	}
}

// readXRefTableEntry reads one "offset generation flag" entry. Entries are
// nominally 20 bytes but some writers drop to 19; parse fields instead of
// assuming fixed width.
func readXRefTableEntry(data []byte, pos int) (offset, gen int, flag byte, next int, err error) {
	pos = skipWS(data, pos)
	offset, pos, ok := readInt(data, pos)
	if !ok {
		return 0, 0, 0, 0, malformed("invalid cross-reference entry at offset %d", pos)
	}
	pos = skipWS(data, pos)
	gen, pos, ok = readInt(data, pos)
	if !ok {
		return 0, 0, 0, 0, malformed("invalid cross-reference entry at offset %d", pos)
	}
	pos = skipWS(data, pos)
	if pos >= len(data) {
		return 0, 0, 0, 0, malformed("truncated cross-reference entry")
	}
	return offset, gen, data[pos], pos + 1, nil
}

// parseXRefStream parses a cross-reference stream object at offset. The
// stream dictionary doubles as the trailer for that revision.
func (d *Document) parseXRefStream(offset int64) ([]numberedEntry, *generic.Dict, error) {
	obj, err := generic.ParseObjectAt(d.data, int(offset))
	if err != nil {
		return nil, nil, malformed("invalid cross-reference stream at offset %d: %v", offset, err)
	}
	stream, ok := obj.Object.(*generic.Stream)
	if !ok {
		return nil, nil, malformed("object at offset %d is not a cross-reference stream", offset)
	}
	dict := stream.Dict
	if dict.GetName("Type") != "XRef" {
		return nil, nil, malformed("cross-reference stream at offset %d has type /%s", offset, dict.GetName("Type"))
	}

	size, ok := dict.GetInt("Size")
	if !ok {
		return nil, nil, malformed("cross-reference stream is missing /Size")
	}

	w := dict.GetArray("W")
	if len(w) != 3 {
		return nil, nil, malformed("cross-reference stream /W must have three elements")
	}
	var widths [3]int
	rowLen := 0
	for i, o := range w {
		n, ok := o.(generic.Integer)
		if !ok || n < 0 {
			return nil, nil, malformed("cross-reference stream /W element %d is invalid", i)
		}
		widths[i] = int(n)
		rowLen += int(n)
	}
	if rowLen == 0 {
		return nil, nil, malformed("cross-reference stream /W is all zero")
	}

	// Subsection ranges; the default is a single run from object 0.
	index := []int{0, int(size)}
	if raw := dict.GetArray("Index"); raw != nil {
		if len(raw)%2 != 0 {
			return nil, nil, malformed("cross-reference stream /Index length must be even")
		}
		index = index[:0]
		for _, o := range raw {
			n, ok := o.(generic.Integer)
			if !ok {
				return nil, nil, malformed("cross-reference stream /Index element is not an integer")
			}
			index = append(index, int(n))
		}
	}

	data, err := filters.DecodeStreamDict(stream)
	if err != nil {
		return nil, nil, malformed("failed to decode cross-reference stream: %v", err)
	}

	var entries []numberedEntry
	pos := 0
	for i := 0; i+1 < len(index); i += 2 {
		start, count := index[i], index[i+1]
		for j := 0; j < count; j++ {
			if pos+rowLen > len(data) {
				return nil, nil, malformed("cross-reference stream data is truncated")
			}
			f1 := readField(data[pos:], widths[0], 1)
			f2 := readField(data[pos+widths[0]:], widths[1], 0)
			f3 := readField(data[pos+widths[0]+widths[1]:], widths[2], 0)
			pos += rowLen

			num := start + j
			switch f1 {
			case 0:
				entries = append(entries, numberedEntry{num, xrefEntry{inUse: false}})
			case 1:
				entries = append(entries, numberedEntry{num, xrefEntry{
					offset:     f2,
					generation: int(f3),
					inUse:      true,
				}})
			case 2:
				entries = append(entries, numberedEntry{num, xrefEntry{
					inUse:     true,
					inStream:  true,
					streamNum: int(f2),
					streamIdx: int(f3),
				}})
			default:
				// Unknown types are reserved; treat them as free.
				entries = append(entries, numberedEntry{num, xrefEntry{inUse: false}})
			}
		}
	}
	return entries, dict, nil
}

// readField reads a big-endian field of width bytes, or def when the width
// is zero.
func readField(data []byte, width int, def int64) int64 {
	if width == 0 {
		return def
	}
	var v int64
	for i := 0; i < width; i++ {
		v = v<<8 | int64(data[i])
	}
	return v
}

func (d *Document) loadCatalog() error {
	rootRef, ok := d.Trailer.GetReference("Root")
	if !ok {
		return malformed("trailer has no /Root reference")
	}
	d.rootRef = rootRef

	root, err := d.objectDict(rootRef)
	if err != nil {
		return malformed("failed to load document catalog: %v", err)
	}
	d.root = root

	if raw := root.Get("AcroForm"); raw != nil {
		switch v := raw.(type) {
		case generic.Reference:
			d.acroRef = v
			d.hasAcroRef = true
			form, err := d.objectDict(v)
			if err != nil {
				return malformed("failed to load AcroForm: %v", err)
			}
			d.acroForm = form
		case *generic.Dict:
			d.acroForm = v
		}
	}
	return nil
}

func (d *Document) loadPages() error {
	pagesRef, ok := d.root.GetReference("Pages")
	if !ok {
		return malformed("document catalog has no /Pages reference")
	}
	visited := make(map[int]bool)
	return d.walkPageTree(pagesRef, generic.Rect{}, false, visited)
}

func (d *Document) walkPageTree(ref generic.Reference, inherited generic.Rect, hasInherited bool, visited map[int]bool) error {
	if visited[ref.Number] {
		return malformed("circular page tree at object %d", ref.Number)
	}
	visited[ref.Number] = true

	node, err := d.objectDict(ref)
	if err != nil {
		return malformed("failed to load page tree node %d: %v", ref.Number, err)
	}

	if box := node.GetArray("MediaBox"); box != nil {
		r, err := d.rectFromArray(box)
		if err != nil {
			return malformed("invalid /MediaBox on object %d: %v", ref.Number, err)
		}
		inherited, hasInherited = r, true
	}

	switch node.GetName("Type") {
	case "Pages":
		kids := node.GetArray("Kids")
		if kids == nil {
			return malformed("page tree node %d has no /Kids", ref.Number)
		}
		for _, kid := range kids {
			kidRef, ok := kid.(generic.Reference)
			if !ok {
				return malformed("page tree kid is not an indirect reference")
			}
			if err := d.walkPageTree(kidRef, inherited, hasInherited, visited); err != nil {
				return err
			}
		}
		return nil
	case "Page":
		mb := inherited
		if !hasInherited {
			// Required but occasionally missing; fall back to US Letter
			// like most viewers do.
			mb = generic.Rect{LLX: 0, LLY: 0, URX: 612, URY: 792}
		}
		d.pages = append(d.pages, Page{Ref: ref, Dict: node, MediaBox: mb})
		return nil
	default:
		return malformed("page tree object %d has type /%s", ref.Number, node.GetName("Type"))
	}
}

func (d *Document) rectFromArray(arr generic.Array) (generic.Rect, error) {
	if len(arr) != 4 {
		return generic.Rect{}, fmt.Errorf("rectangle must have four elements")
	}
	var v [4]float64
	for i, o := range arr {
		resolved, err := d.Resolve(o)
		if err != nil {
			return generic.Rect{}, err
		}
		switch n := resolved.(type) {
		case generic.Integer:
			v[i] = float64(n)
		case generic.Real:
			v[i] = float64(n)
		default:
			return generic.Rect{}, fmt.Errorf("rectangle element %d is not a number", i)
		}
	}
	r := generic.Rect{LLX: v[0], LLY: v[1], URX: v[2], URY: v[3]}
	if r.LLX > r.URX {
		r.LLX, r.URX = r.URX, r.LLX
	}
	if r.LLY > r.URY {
		r.LLY, r.URY = r.URY, r.LLY
	}
	return r, nil
}

// Object loads the current revision of the referenced object. Every call
// parses the underlying bytes again, so the result is safe to mutate.
func (d *Document) Object(ref generic.Reference) (generic.Object, error) {
	entry, ok := d.xref[ref.Number]
	if !ok || !entry.inUse {
		return nil, fmt.Errorf("%w: %d %d R", ErrObjectNotFound, ref.Number, ref.Generation)
	}
	if entry.inStream {
		return d.objectFromStream(entry.streamNum, entry.streamIdx, ref.Number)
	}

	obj, err := generic.ParseObjectAt(d.data, int(entry.offset))
	if err != nil {
		return nil, malformed("failed to parse object %d at offset %d: %v", ref.Number, entry.offset, err)
	}
	if obj.Number != ref.Number {
		return nil, malformed("object at offset %d is %d, expected %d", entry.offset, obj.Number, ref.Number)
	}
	return obj.Object, nil
}

// objectFromStream extracts the object at index idx of the object stream
// held in object streamNum.
func (d *Document) objectFromStream(streamNum, idx, wantNum int) (generic.Object, error) {
	entry, ok := d.xref[streamNum]
	if !ok || !entry.inUse {
		return nil, malformed("object stream %d is not in the cross-reference table", streamNum)
	}
	if entry.inStream {
		return nil, malformed("object stream %d is itself compressed", streamNum)
	}

	container, err := generic.ParseObjectAt(d.data, int(entry.offset))
	if err != nil {
		return nil, malformed("failed to parse object stream %d: %v", streamNum, err)
	}
	stream, ok := container.Object.(*generic.Stream)
	if !ok {
		return nil, malformed("object %d is not a stream", streamNum)
	}
	if stream.Dict.GetName("Type") != "ObjStm" {
		return nil, malformed("object %d is not an object stream", streamNum)
	}

	n, ok := stream.Dict.GetInt("N")
	if !ok {
		return nil, malformed("object stream %d is missing /N", streamNum)
	}
	first, ok := stream.Dict.GetInt("First")
	if !ok {
		return nil, malformed("object stream %d is missing /First", streamNum)
	}
	if idx < 0 || int64(idx) >= n {
		return nil, malformed("index %d is outside object stream %d", idx, streamNum)
	}

	data, err := filters.DecodeStreamDict(stream)
	if err != nil {
		return nil, malformed("failed to decode object stream %d: %v", streamNum, err)
	}

	// The stream opens with N pairs of "objnum offset" integers.
	header := generic.NewParser(data)
	var nums, offs []int
	for i := int64(0); i < n; i++ {
		numObj, err := header.ParseObject()
		if err != nil {
			return nil, malformed("invalid object stream %d header: %v", streamNum, err)
		}
		offObj, err := header.ParseObject()
		if err != nil {
			return nil, malformed("invalid object stream %d header: %v", streamNum, err)
		}
		num, ok1 := numObj.(generic.Integer)
		off, ok2 := offObj.(generic.Integer)
		if !ok1 || !ok2 {
			return nil, malformed("object stream %d header is not integer pairs", streamNum)
		}
		nums = append(nums, int(num))
		offs = append(offs, int(off))
	}

	if nums[idx] != wantNum {
		return nil, malformed("object stream %d slot %d holds object %d, expected %d", streamNum, idx, nums[idx], wantNum)
	}
	objPos := int(first) + offs[idx]
	if objPos < 0 || objPos >= len(data) {
		return nil, malformed("object stream %d offset for object %d is out of range", streamNum, wantNum)
	}
	return generic.NewParserAt(data, objPos).ParseObject()
}

// Resolve follows references until a direct object is reached.
func (d *Document) Resolve(obj generic.Object) (generic.Object, error) {
	for depth := 0; depth < maxResolveDepth; depth++ {
		ref, ok := obj.(generic.Reference)
		if !ok {
			return obj, nil
		}
		var err error
		obj, err = d.Object(ref)
		if err != nil {
			return nil, err
		}
	}
	return nil, malformed("reference chain exceeds %d levels", maxResolveDepth)
}

// ResolveDict resolves obj and requires the result to be a dictionary.
func (d *Document) ResolveDict(obj generic.Object) (*generic.Dict, error) {
	resolved, err := d.Resolve(obj)
	if err != nil {
		return nil, err
	}
	dict, ok := resolved.(*generic.Dict)
	if !ok {
		return nil, malformed("expected a dictionary, found %T", resolved)
	}
	return dict, nil
}

func (d *Document) objectDict(ref generic.Reference) (*generic.Dict, error) {
	obj, err := d.Object(ref)
	if err != nil {
		return nil, err
	}
	dict, ok := obj.(*generic.Dict)
	if !ok {
		return nil, fmt.Errorf("object %d is not a dictionary", ref.Number)
	}
	return dict, nil
}

// Data returns the raw bytes the document was parsed from.
func (d *Document) Data() []byte {
	return d.data
}

// StartXRefOffset is the offset of the newest cross-reference section; an
// appended revision points its /Prev here.
func (d *Document) StartXRefOffset() int64 {
	return d.startXRef
}

// MaxObjectNumber is the highest object number in use. New objects are
// numbered from MaxObjectNumber()+1.
func (d *Document) MaxObjectNumber() int {
	return d.maxObjectNum
}

// Root returns the document catalog.
func (d *Document) Root() *generic.Dict {
	return d.root
}

// RootRef returns the reference to the document catalog.
func (d *Document) RootRef() generic.Reference {
	return d.rootRef
}

// InfoRef returns the reference to the document information dictionary.
func (d *Document) InfoRef() (generic.Reference, bool) {
	if d.Trailer == nil {
		return generic.Reference{}, false
	}
	return d.Trailer.GetReference("Info")
}

// ID returns the trailer /ID array, or nil when the document has none.
func (d *Document) ID() generic.Array {
	if d.Trailer == nil {
		return nil
	}
	return d.Trailer.GetArray("ID")
}

// AcroForm returns the interactive form dictionary, or nil when the
// document has none.
func (d *Document) AcroForm() *generic.Dict {
	return d.acroForm
}

// AcroFormRef reports the indirect reference of the AcroForm dictionary
// when the catalog stores it as one.
func (d *Document) AcroFormRef() (generic.Reference, bool) {
	return d.acroRef, d.hasAcroRef
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int {
	return len(d.pages)
}

// Page returns the page at index (zero-based, document order).
func (d *Document) Page(index int) (Page, error) {
	if index < 0 || index >= len(d.pages) {
		return Page{}, fmt.Errorf("page index %d out of range (document has %d pages)", index, len(d.pages))
	}
	return d.pages[index], nil
}

// SignatureFields returns every AcroForm field of type /Sig.
func (d *Document) SignatureFields() ([]*generic.Dict, error) {
	if d.acroForm == nil {
		return nil, nil
	}
	fieldsArr := d.acroForm.GetArray("Fields")
	if fieldsArr == nil {
		return nil, nil
	}

	var fields []*generic.Dict
	for _, raw := range fieldsArr {
		field, err := d.ResolveDict(raw)
		if err != nil {
			return nil, err
		}
		if field.GetName("FT") == "Sig" {
			fields = append(fields, field)
		}
	}
	return fields, nil
}

// EmbeddedSignature is one filled signature field of the document.
type EmbeddedSignature struct {
	Field *generic.Dict
	Value *generic.Dict

	doc *Document
}

// EmbeddedSignatures returns the signatures already present in the
// document, in AcroForm field order.
func (d *Document) EmbeddedSignatures() ([]*EmbeddedSignature, error) {
	fields, err := d.SignatureFields()
	if err != nil {
		return nil, err
	}

	var sigs []*EmbeddedSignature
	for _, field := range fields {
		raw := field.Get("V")
		if raw == nil {
			continue
		}
		value, err := d.ResolveDict(raw)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, &EmbeddedSignature{Field: field, Value: value, doc: d})
	}
	return sigs, nil
}

// GetFieldName returns the partial field name (/T).
func (e *EmbeddedSignature) GetFieldName() string {
	if s := e.Field.GetString("T"); s != nil {
		return string(s.Value)
	}
	return ""
}

// GetByteRange returns the /ByteRange pairs of the signature.
func (e *EmbeddedSignature) GetByteRange() ([]int64, error) {
	arr := e.Value.GetArray("ByteRange")
	if arr == nil {
		return nil, malformed("signature has no /ByteRange")
	}
	ranges := make([]int64, 0, len(arr))
	for _, o := range arr {
		resolved, err := e.doc.Resolve(o)
		if err != nil {
			return nil, err
		}
		n, ok := resolved.(generic.Integer)
		if !ok {
			return nil, malformed("/ByteRange element is not an integer")
		}
		ranges = append(ranges, int64(n))
	}
	if len(ranges)%2 != 0 {
		return nil, malformed("/ByteRange length must be even")
	}
	return ranges, nil
}

// GetContents returns the embedded signature container with the placeholder
// padding trimmed.
func (e *EmbeddedSignature) GetContents() ([]byte, error) {
	s := e.Value.GetString("Contents")
	if s == nil {
		return nil, malformed("signature has no /Contents")
	}
	return bytes.TrimRight(s.Value, "\x00"), nil
}

// GetSignedData concatenates the byte ranges the signature covers.
func (e *EmbeddedSignature) GetSignedData() ([]byte, error) {
	ranges, err := e.GetByteRange()
	if err != nil {
		return nil, err
	}

	var signed []byte
	for i := 0; i+1 < len(ranges); i += 2 {
		start, length := ranges[i], ranges[i+1]
		if start < 0 || length < 0 || start+length > int64(len(e.doc.data)) {
			return nil, malformed("/ByteRange [%d %d] is outside the document", start, length)
		}
		signed = append(signed, e.doc.data[start:start+length]...)
	}
	return signed, nil
}

// CoversDocument reports whether the byte ranges span the entire file
// except the /Contents gap.
func (e *EmbeddedSignature) CoversDocument() bool {
	ranges, err := e.GetByteRange()
	if err != nil || len(ranges) != 4 {
		return false
	}
	return ranges[0] == 0 &&
		ranges[1] <= ranges[2] &&
		ranges[2]+ranges[3] == int64(len(e.doc.data))
}

// GetSubFilter returns the signature encoding name (/SubFilter).
func (e *EmbeddedSignature) GetSubFilter() string {
	return string(e.Value.GetName("SubFilter"))
}

// GetFilter returns the signature handler name (/Filter).
func (e *EmbeddedSignature) GetFilter() string {
	return string(e.Value.GetName("Filter"))
}

// GetSigningTime returns the claimed signing time (/M) as written, in the
// D:YYYYMMDDHHmmSS form.
func (e *EmbeddedSignature) GetSigningTime() string {
	return e.stringEntry("M")
}

// GetSignerName returns the claimed signer name (/Name).
func (e *EmbeddedSignature) GetSignerName() string {
	return e.stringEntry("Name")
}

// GetReason returns the signing reason (/Reason).
func (e *EmbeddedSignature) GetReason() string {
	return e.stringEntry("Reason")
}

// GetLocation returns the signing location (/Location).
func (e *EmbeddedSignature) GetLocation() string {
	return e.stringEntry("Location")
}

// GetContactInfo returns the signer contact information (/ContactInfo).
func (e *EmbeddedSignature) GetContactInfo() string {
	return e.stringEntry("ContactInfo")
}

func (e *EmbeddedSignature) stringEntry(key generic.Name) string {
	if s := e.Value.GetString(key); s != nil {
		return string(s.Value)
	}
	return ""
}

// skipWS advances past PDF whitespace.
func skipWS(data []byte, pos int) int {
	for pos < len(data) {
		switch data[pos] {
		case 0x00, '\t', '\n', '\f', '\r', ' ':
			pos++
		default:
			return pos
		}
	}
	return pos
}

// readInt reads a run of decimal digits.
func readInt(data []byte, pos int) (val, next int, ok bool) {
	start := pos
	for pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
		val = val*10 + int(data[pos]-'0')
		pos++
	}
	return val, pos, pos > start
}
