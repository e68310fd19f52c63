package generic

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Common errors
var (
	ErrUnexpectedEOF = errors.New("unexpected end of input")
	ErrInvalidObject = errors.New("invalid object")
	ErrInvalidName   = errors.New("invalid name object")
	ErrInvalidNumber = errors.New("invalid number object")
	ErrInvalidString = errors.New("invalid string object")
	ErrInvalidDict   = errors.New("invalid dictionary object")
	ErrInvalidStream = errors.New("invalid stream object")
)

// Parser reads PDF objects from a byte slice. It tracks an absolute position
// so callers can point it at xref offsets inside a whole document.
type Parser struct {
	data []byte
	pos  int
}

// NewParser returns a parser over data starting at offset 0.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// NewParserAt returns a parser over data starting at offset.
func NewParserAt(data []byte, offset int) *Parser {
	return &Parser{data: data, pos: offset}
}

// Pos returns the current absolute offset.
func (p *Parser) Pos() int { return p.pos }

// SeekTo moves the parser to an absolute offset.
func (p *Parser) SeekTo(offset int) { p.pos = offset }

func isWhitespace(c byte) bool {
	switch c {
	case 0x00, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isRegular(c byte) bool {
	return !isWhitespace(c) && !isDelimiter(c)
}

// skipWhitespace advances past whitespace and %-comments.
func (p *Parser) skipWhitespace() {
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if isWhitespace(c) {
			p.pos++
			continue
		}
		if c == '%' {
			for p.pos < len(p.data) && p.data[p.pos] != '\n' && p.data[p.pos] != '\r' {
				p.pos++
			}
			continue
		}
		break
	}
}

func (p *Parser) peek() (byte, error) {
	if p.pos >= len(p.data) {
		return 0, ErrUnexpectedEOF
	}
	return p.data[p.pos], nil
}

// ParseObject parses the next object, resolving "n g R" sequences to
// Reference values.
func (p *Parser) ParseObject() (Object, error) {
	p.skipWhitespace()
	c, err := p.peek()
	if err != nil {
		return nil, err
	}

	switch {
	case c == '<':
		if p.pos+1 < len(p.data) && p.data[p.pos+1] == '<' {
			return p.parseDict()
		}
		return p.parseHexString()
	case c == '(':
		return p.parseLiteralString()
	case c == '[':
		return p.parseArray()
	case c == '/':
		return p.parseName()
	case c == 't' || c == 'f':
		return p.parseBoolean()
	case c == 'n':
		return p.parseNull()
	case c >= '0' && c <= '9', c == '+', c == '-', c == '.':
		return p.parseNumberOrReference()
	}
	return nil, fmt.Errorf("%w: unexpected byte %q at offset %d", ErrInvalidObject, c, p.pos)
}

func (p *Parser) parseName() (Name, error) {
	if p.data[p.pos] != '/' {
		return "", ErrInvalidName
	}
	p.pos++
	var buf bytes.Buffer
	for p.pos < len(p.data) && isRegular(p.data[p.pos]) {
		c := p.data[p.pos]
		if c == '#' && p.pos+2 < len(p.data) {
			hi, err1 := hexDigit(p.data[p.pos+1])
			lo, err2 := hexDigit(p.data[p.pos+2])
			if err1 == nil && err2 == nil {
				buf.WriteByte(hi<<4 | lo)
				p.pos += 3
				continue
			}
		}
		buf.WriteByte(c)
		p.pos++
	}
	return Name(buf.String()), nil
}

func hexDigit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	}
	return 0, ErrInvalidString
}

func (p *Parser) parseBoolean() (Object, error) {
	if bytes.HasPrefix(p.data[p.pos:], []byte("true")) {
		p.pos += 4
		return Boolean(true), nil
	}
	if bytes.HasPrefix(p.data[p.pos:], []byte("false")) {
		p.pos += 5
		return Boolean(false), nil
	}
	return nil, fmt.Errorf("%w: expected boolean at offset %d", ErrInvalidObject, p.pos)
}

func (p *Parser) parseNull() (Object, error) {
	if bytes.HasPrefix(p.data[p.pos:], []byte("null")) {
		p.pos += 4
		return Null{}, nil
	}
	return nil, fmt.Errorf("%w: expected null at offset %d", ErrInvalidObject, p.pos)
}

// parseNumberOrReference parses a number, then backtracks to check for the
// "n g R" reference form.
func (p *Parser) parseNumberOrReference() (Object, error) {
	first, isInt, err := p.parseNumber()
	if err != nil {
		return nil, err
	}
	if !isInt {
		return first, nil
	}

	save := p.pos
	p.skipWhitespace()
	c, err := p.peek()
	if err != nil || c < '0' || c > '9' {
		p.pos = save
		return first, nil
	}
	second, secondInt, err := p.parseNumber()
	if err != nil || !secondInt {
		p.pos = save
		return first, nil
	}
	p.skipWhitespace()
	c, err = p.peek()
	if err != nil || c != 'R' {
		p.pos = save
		return first, nil
	}
	// "R" must stand alone, not start a longer token.
	if p.pos+1 < len(p.data) && isRegular(p.data[p.pos+1]) {
		p.pos = save
		return first, nil
	}
	p.pos++
	return Reference{
		Number:     int(first.(Integer)),
		Generation: int(second.(Integer)),
	}, nil
}

func (p *Parser) parseNumber() (Object, bool, error) {
	start := p.pos
	if c, _ := p.peek(); c == '+' || c == '-' {
		p.pos++
	}
	isReal := false
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if c >= '0' && c <= '9' {
			p.pos++
		} else if c == '.' {
			isReal = true
			p.pos++
		} else {
			break
		}
	}
	tok := string(p.data[start:p.pos])
	if tok == "" || tok == "+" || tok == "-" || tok == "." {
		return nil, false, fmt.Errorf("%w: %q at offset %d", ErrInvalidNumber, tok, start)
	}
	if isReal {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %q", ErrInvalidNumber, tok)
		}
		return Real(f), false, nil
	}
	n, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidNumber, tok)
	}
	return Integer(n), true, nil
}

func (p *Parser) parseLiteralString() (Object, error) {
	if p.data[p.pos] != '(' {
		return nil, ErrInvalidString
	}
	p.pos++
	var buf bytes.Buffer
	depth := 1
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		p.pos++
		switch c {
		case '\\':
			if p.pos >= len(p.data) {
				return nil, ErrUnexpectedEOF
			}
			e := p.data[p.pos]
			p.pos++
			switch e {
			case 'n':
				buf.WriteByte('\n')
			case 'r':
				buf.WriteByte('\r')
			case 't':
				buf.WriteByte('\t')
			case 'b':
				buf.WriteByte('\b')
			case 'f':
				buf.WriteByte('\f')
			case '(', ')', '\\':
				buf.WriteByte(e)
			case '\n':
				// line continuation
			case '\r':
				if p.pos < len(p.data) && p.data[p.pos] == '\n' {
					p.pos++
				}
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && p.pos < len(p.data); i++ {
						d := p.data[p.pos]
						if d < '0' || d > '7' {
							break
						}
						v = v*8 + int(d-'0')
						p.pos++
					}
					buf.WriteByte(byte(v))
				} else {
					buf.WriteByte(e)
				}
			}
		case '(':
			depth++
			buf.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				return &String{Value: buf.Bytes()}, nil
			}
			buf.WriteByte(c)
		default:
			buf.WriteByte(c)
		}
	}
	return nil, fmt.Errorf("%w: unterminated literal string", ErrInvalidString)
}

func (p *Parser) parseHexString() (Object, error) {
	if p.data[p.pos] != '<' {
		return nil, ErrInvalidString
	}
	p.pos++
	var buf bytes.Buffer
	var hi byte
	haveHi := false
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		p.pos++
		if c == '>' {
			if haveHi {
				buf.WriteByte(hi << 4)
			}
			return &String{Value: buf.Bytes(), Hex: true}, nil
		}
		if isWhitespace(c) {
			continue
		}
		d, err := hexDigit(c)
		if err != nil {
			return nil, fmt.Errorf("%w: bad hex digit %q", ErrInvalidString, c)
		}
		if haveHi {
			buf.WriteByte(hi<<4 | d)
			haveHi = false
		} else {
			hi = d
			haveHi = true
		}
	}
	return nil, fmt.Errorf("%w: unterminated hex string", ErrInvalidString)
}

func (p *Parser) parseArray() (Object, error) {
	p.pos++ // consume '['
	var arr Array
	for {
		p.skipWhitespace()
		c, err := p.peek()
		if err != nil {
			return nil, fmt.Errorf("%w: unterminated array", ErrInvalidObject)
		}
		if c == ']' {
			p.pos++
			return arr, nil
		}
		obj, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		arr = append(arr, obj)
	}
}

func (p *Parser) parseDict() (Object, error) {
	p.pos += 2 // consume '<<'
	dict := NewDict()
	for {
		p.skipWhitespace()
		if p.pos+1 < len(p.data) && p.data[p.pos] == '>' && p.data[p.pos+1] == '>' {
			p.pos += 2
			return dict, nil
		}
		c, err := p.peek()
		if err != nil {
			return nil, fmt.Errorf("%w: unterminated dictionary", ErrInvalidDict)
		}
		if c != '/' {
			return nil, fmt.Errorf("%w: key must be a name, got %q at offset %d", ErrInvalidDict, c, p.pos)
		}
		key, err := p.parseName()
		if err != nil {
			return nil, err
		}
		value, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		dict.Set(key, value)
	}
}

// ParseIndirectObject parses "n g obj ... endobj" at the current position.
// Streams are captured with their raw data; /Length is trusted when it is a
// direct integer and otherwise recovered by scanning for endstream.
func (p *Parser) ParseIndirectObject() (*IndirectObject, error) {
	p.skipWhitespace()
	numObj, isInt, err := p.parseNumber()
	if err != nil || !isInt {
		return nil, fmt.Errorf("%w: expected object number", ErrInvalidObject)
	}
	p.skipWhitespace()
	genObj, isInt, err := p.parseNumber()
	if err != nil || !isInt {
		return nil, fmt.Errorf("%w: expected generation number", ErrInvalidObject)
	}
	p.skipWhitespace()
	if !bytes.HasPrefix(p.data[p.pos:], []byte("obj")) {
		return nil, fmt.Errorf("%w: expected obj keyword at offset %d", ErrInvalidObject, p.pos)
	}
	p.pos += 3

	inner, err := p.ParseObject()
	if err != nil {
		return nil, err
	}

	p.skipWhitespace()
	if bytes.HasPrefix(p.data[p.pos:], []byte("stream")) {
		dict, ok := inner.(*Dict)
		if !ok {
			return nil, fmt.Errorf("%w: stream keyword after non-dictionary", ErrInvalidStream)
		}
		stream, err := p.parseStreamData(dict)
		if err != nil {
			return nil, err
		}
		inner = stream
		p.skipWhitespace()
	}

	if bytes.HasPrefix(p.data[p.pos:], []byte("endobj")) {
		p.pos += 6
	}

	return &IndirectObject{
		Number:     int(numObj.(Integer)),
		Generation: int(genObj.(Integer)),
		Object:     inner,
	}, nil
}

func (p *Parser) parseStreamData(dict *Dict) (*Stream, error) {
	p.pos += len("stream")
	if p.pos < len(p.data) && p.data[p.pos] == '\r' {
		p.pos++
	}
	if p.pos < len(p.data) && p.data[p.pos] == '\n' {
		p.pos++
	}
	start := p.pos

	if length, ok := dict.GetInt("Length"); ok && length >= 0 {
		end := start + int(length)
		if end <= len(p.data) {
			tail := end
			// Tolerate an EOL before the endstream keyword.
			for tail < len(p.data) && isWhitespace(p.data[tail]) {
				tail++
			}
			if bytes.HasPrefix(p.data[tail:], []byte("endstream")) {
				p.pos = tail + len("endstream")
				return NewStream(dict, p.data[start:end]), nil
			}
		}
	}

	// Length missing, indirect or wrong: recover by scanning.
	idx := bytes.Index(p.data[start:], []byte("endstream"))
	if idx < 0 {
		return nil, fmt.Errorf("%w: endstream not found", ErrInvalidStream)
	}
	end := start + idx
	data := p.data[start:end]
	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}
	p.pos = end + len("endstream")
	return NewStream(dict, data), nil
}

// ParseObjectAt parses the indirect object at offset in data.
func ParseObjectAt(data []byte, offset int) (*IndirectObject, error) {
	if offset < 0 || offset >= len(data) {
		return nil, fmt.Errorf("%w: offset %d out of bounds", ErrInvalidObject, offset)
	}
	return NewParserAt(data, offset).ParseIndirectObject()
}
