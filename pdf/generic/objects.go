// Package generic implements the PDF object model (the COS layer): names,
// numbers, strings, arrays, dictionaries, streams and indirect references,
// with serialization that matches what PDF consumers expect byte-for-byte.
package generic

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"
	"strconv"
	"time"
	"unicode/utf16"
)

// Object is a PDF object that can serialize itself.
type Object interface {
	Write(w io.Writer) error
}

// Null is the PDF null object.
type Null struct{}

// Write implements Object.
func (Null) Write(w io.Writer) error {
	_, err := io.WriteString(w, "null")
	return err
}

// Boolean is a PDF boolean.
type Boolean bool

// Write implements Object.
func (b Boolean) Write(w io.Writer) error {
	s := "false"
	if b {
		s = "true"
	}
	_, err := io.WriteString(w, s)
	return err
}

// Integer is a PDF integer number.
type Integer int64

// Write implements Object.
func (i Integer) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatInt(int64(i), 10))
	return err
}

// Real is a PDF real number. Serialized in plain decimal notation; PDF does
// not allow exponent syntax.
type Real float64

// Write implements Object.
func (r Real) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatFloat(float64(r), 'f', -1, 64))
	return err
}

// Name is a PDF name object, written with a leading slash.
type Name string

// Write implements Object. Characters outside the regular range are escaped
// with the #xx convention.
func (n Name) Write(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte('/')
	for i := 0; i < len(n); i++ {
		c := n[i]
		if c < 0x21 || c > 0x7e || isDelimiter(c) || c == '#' {
			fmt.Fprintf(&buf, "#%02X", c)
		} else {
			buf.WriteByte(c)
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// String is a PDF string object. Hex selects between the literal (...) and
// hexadecimal <...> forms.
type String struct {
	Value []byte
	Hex   bool
}

// NewLiteralString returns s in the literal (...) form.
func NewLiteralString(s string) *String {
	return &String{Value: []byte(s)}
}

// NewHexString returns data in the hexadecimal <...> form.
func NewHexString(data []byte) *String {
	return &String{Value: data, Hex: true}
}

// NewTextString encodes s as a PDF text string: plain ASCII stays literal,
// anything else becomes UTF-16BE with a byte order mark, in hex form.
func NewTextString(s string) *String {
	ascii := true
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			ascii = false
			break
		}
	}
	if ascii {
		return NewLiteralString(s)
	}
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 0, 2+len(units)*2)
	buf = append(buf, 0xfe, 0xff)
	for _, u := range units {
		buf = append(buf, byte(u>>8), byte(u))
	}
	return NewHexString(buf)
}

// Write implements Object.
func (s *String) Write(w io.Writer) error {
	var buf bytes.Buffer
	if s.Hex {
		buf.WriteByte('<')
		for _, b := range s.Value {
			fmt.Fprintf(&buf, "%02X", b)
		}
		buf.WriteByte('>')
	} else {
		buf.WriteByte('(')
		for _, b := range s.Value {
			switch b {
			case '(', ')', '\\':
				buf.WriteByte('\\')
				buf.WriteByte(b)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			case '\b':
				buf.WriteString(`\b`)
			case '\f':
				buf.WriteString(`\f`)
			default:
				if b < 0x20 || b > 0x7e {
					fmt.Fprintf(&buf, `\%03o`, b)
				} else {
					buf.WriteByte(b)
				}
			}
		}
		buf.WriteByte(')')
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Array is a PDF array.
type Array []Object

// Write implements Object.
func (a Array) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	for i, obj := range a {
		if i > 0 {
			if _, err := io.WriteString(w, " "); err != nil {
				return err
			}
		}
		if err := obj.Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}

// Dict is a PDF dictionary that remembers insertion order, so output stays
// stable across writes.
type Dict struct {
	entries map[Name]Object
	order   []Name
}

// NewDict returns an empty dictionary.
func NewDict() *Dict {
	return &Dict{entries: make(map[Name]Object)}
}

// Set stores value under key, keeping the key's first-insertion position.
func (d *Dict) Set(key Name, value Object) {
	if _, ok := d.entries[key]; !ok {
		d.order = append(d.order, key)
	}
	d.entries[key] = value
}

// Get returns the value for key, or nil when absent.
func (d *Dict) Get(key Name) Object {
	return d.entries[key]
}

// Has reports whether key is present.
func (d *Dict) Has(key Name) bool {
	_, ok := d.entries[key]
	return ok
}

// Delete removes key from the dictionary.
func (d *Dict) Delete(key Name) {
	if _, ok := d.entries[key]; !ok {
		return
	}
	delete(d.entries, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []Name {
	return d.order
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	return len(d.entries)
}

// GetName returns the Name stored under key, or "" when absent or mistyped.
func (d *Dict) GetName(key Name) Name {
	if n, ok := d.entries[key].(Name); ok {
		return n
	}
	return ""
}

// GetInt returns the integer stored under key and whether it was present.
func (d *Dict) GetInt(key Name) (int64, bool) {
	switch v := d.entries[key].(type) {
	case Integer:
		return int64(v), true
	case Real:
		return int64(v), true
	}
	return 0, false
}

// GetArray returns the array stored under key, or nil.
func (d *Dict) GetArray(key Name) Array {
	if a, ok := d.entries[key].(Array); ok {
		return a
	}
	return nil
}

// GetDict returns the dictionary stored under key, or nil.
func (d *Dict) GetDict(key Name) *Dict {
	if sub, ok := d.entries[key].(*Dict); ok {
		return sub
	}
	return nil
}

// GetString returns the string object stored under key, or nil.
func (d *Dict) GetString(key Name) *String {
	if s, ok := d.entries[key].(*String); ok {
		return s
	}
	return nil
}

// GetReference returns the reference stored under key and whether it was one.
func (d *Dict) GetReference(key Name) (Reference, bool) {
	if r, ok := d.entries[key].(Reference); ok {
		return r, true
	}
	return Reference{}, false
}

// Write implements Object.
func (d *Dict) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "<<"); err != nil {
		return err
	}
	for _, key := range d.order {
		if err := key.Write(w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, " "); err != nil {
			return err
		}
		if err := d.entries[key].Write(w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, ">>")
	return err
}

// Stream is a PDF stream: a dictionary plus raw data. /Length is set from
// the data on every write.
type Stream struct {
	Dict *Dict
	Data []byte
}

// NewStream returns a stream over dict and data. A nil dict is allocated.
func NewStream(dict *Dict, data []byte) *Stream {
	if dict == nil {
		dict = NewDict()
	}
	return &Stream{Dict: dict, Data: data}
}

// Write implements Object.
func (s *Stream) Write(w io.Writer) error {
	s.Dict.Set("Length", Integer(len(s.Data)))
	if err := s.Dict.Write(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\nstream\n"); err != nil {
		return err
	}
	if _, err := w.Write(s.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\nendstream")
	return err
}

// Reference is an indirect object reference ("n g R").
type Reference struct {
	Number     int
	Generation int
}

// Write implements Object.
func (r Reference) Write(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%d %d R", r.Number, r.Generation)
	return err
}

// IndirectObject wraps an object with its object number for serialization as
// "n g obj ... endobj".
type IndirectObject struct {
	Number     int
	Generation int
	Object     Object
}

// Reference returns the reference to this object.
func (o *IndirectObject) Reference() Reference {
	return Reference{Number: o.Number, Generation: o.Generation}
}

// Write implements Object.
func (o *IndirectObject) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d %d obj\n", o.Number, o.Generation); err != nil {
		return err
	}
	if err := o.Object.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\nendobj\n")
	return err
}

// Rect is a rectangle in PDF user space, lower-left to upper-right.
type Rect struct {
	LLX, LLY, URX, URY float64
}

// Width returns the rectangle width.
func (r Rect) Width() float64 { return r.URX - r.LLX }

// Height returns the rectangle height.
func (r Rect) Height() float64 { return r.URY - r.LLY }

// ToArray returns the rectangle as a four-element PDF array.
func (r Rect) ToArray() Array {
	return Array{Real(r.LLX), Real(r.LLY), Real(r.URX), Real(r.URY)}
}

// Contains reports whether other lies entirely within r.
func (r Rect) Contains(other Rect) bool {
	return other.LLX >= r.LLX && other.LLY >= r.LLY &&
		other.URX <= r.URX && other.URY <= r.URY
}

// ComputeFileID derives a trailer /ID entry from the document bytes and the
// current time, per the hashing recipe recommended by the PDF reference.
func ComputeFileID(data []byte, t time.Time) []byte {
	h := md5.New()
	io.WriteString(h, t.Format(time.RFC3339Nano))
	fmt.Fprintf(h, "%d", len(data))
	if len(data) > 1024 {
		h.Write(data[:512])
		h.Write(data[len(data)-512:])
	} else {
		h.Write(data)
	}
	return h.Sum(nil)
}
