// Package filters implements the stream filters needed to read existing
// documents: FlateDecode with PNG predictors (cross-reference and object
// streams) and ASCIIHexDecode. Encoding is provided for Flate so writers can
// compress appended streams.
package filters

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"

	"github.com/georgepadayatti/pdfseal/pdf/generic"
)

// Common errors
var (
	ErrUnsupportedFilter = errors.New("unsupported filter")
	ErrDecodeFailed      = errors.New("decode failed")
)

// Params carries the subset of /DecodeParms the supported filters use.
type Params struct {
	Predictor        int
	Columns          int
	Colors           int
	BitsPerComponent int
}

// ParamsFromDict extracts decode parameters from a /DecodeParms dictionary.
// A nil dict yields the PDF defaults.
func ParamsFromDict(d *generic.Dict) Params {
	p := Params{Predictor: 1, Columns: 1, Colors: 1, BitsPerComponent: 8}
	if d == nil {
		return p
	}
	if v, ok := d.GetInt("Predictor"); ok {
		p.Predictor = int(v)
	}
	if v, ok := d.GetInt("Columns"); ok {
		p.Columns = int(v)
	}
	if v, ok := d.GetInt("Colors"); ok {
		p.Colors = int(v)
	}
	if v, ok := d.GetInt("BitsPerComponent"); ok {
		p.BitsPerComponent = int(v)
	}
	return p
}

// FlateDecode inflates zlib data and reverses any PNG predictor.
func FlateDecode(data []byte, params Params) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	out := buf.Bytes()
	if params.Predictor > 1 {
		out, err = undoPredictor(out, params)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FlateEncode deflates data with zlib at the default level.
func FlateEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("flate encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flate encode: %w", err)
	}
	return buf.Bytes(), nil
}

// ASCIIHexDecode decodes the ASCIIHexDecode filter.
func ASCIIHexDecode(data []byte) ([]byte, error) {
	var out bytes.Buffer
	var hi byte
	haveHi := false
	for _, c := range data {
		switch {
		case c == '>':
			if haveHi {
				out.WriteByte(hi << 4)
			}
			return out.Bytes(), nil
		case c == 0x00, c == '\t', c == '\n', c == '\f', c == '\r', c == ' ':
			continue
		}
		var d byte
		switch {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		default:
			return nil, fmt.Errorf("%w: bad hex digit %q", ErrDecodeFailed, c)
		}
		if haveHi {
			out.WriteByte(hi<<4 | d)
			haveHi = false
		} else {
			hi = d
			haveHi = true
		}
	}
	if haveHi {
		out.WriteByte(hi << 4)
	}
	return out.Bytes(), nil
}

// DecodeStreamDict decodes a stream's data according to its own /Filter and
// /DecodeParms entries. Filter chains are applied in order.
func DecodeStreamDict(s *generic.Stream) ([]byte, error) {
	names, parms := filterChain(s.Dict)
	data := s.Data
	var err error
	for i, name := range names {
		var p Params
		if i < len(parms) {
			p = ParamsFromDict(parms[i])
		} else {
			p = ParamsFromDict(nil)
		}
		switch name {
		case "FlateDecode", "Fl":
			data, err = FlateDecode(data, p)
		case "ASCIIHexDecode", "AHx":
			data, err = ASCIIHexDecode(data)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilter, name)
		}
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// filterChain normalizes /Filter and /DecodeParms to parallel slices.
func filterChain(dict *generic.Dict) ([]generic.Name, []*generic.Dict) {
	var names []generic.Name
	switch f := dict.Get("Filter").(type) {
	case generic.Name:
		names = []generic.Name{f}
	case generic.Array:
		for _, item := range f {
			if n, ok := item.(generic.Name); ok {
				names = append(names, n)
			}
		}
	}

	var parms []*generic.Dict
	switch p := dict.Get("DecodeParms").(type) {
	case *generic.Dict:
		parms = []*generic.Dict{p}
	case generic.Array:
		for _, item := range p {
			d, _ := item.(*generic.Dict)
			parms = append(parms, d)
		}
	}
	return names, parms
}

// undoPredictor reverses PNG row predictors (values 10..15). TIFF predictor 2
// is not used by the writers this package needs to read.
func undoPredictor(data []byte, params Params) ([]byte, error) {
	if params.Predictor < 10 || params.Predictor > 15 {
		return nil, fmt.Errorf("%w: predictor %d", ErrUnsupportedFilter, params.Predictor)
	}

	bpp := (params.Colors*params.BitsPerComponent + 7) / 8
	rowLen := (params.Columns*params.Colors*params.BitsPerComponent + 7) / 8
	stride := rowLen + 1 // leading filter-type byte per row

	if len(data)%stride != 0 {
		return nil, fmt.Errorf("%w: data length %d not a multiple of row stride %d", ErrDecodeFailed, len(data), stride)
	}

	rows := len(data) / stride
	out := make([]byte, 0, rows*rowLen)
	prev := make([]byte, rowLen)

	for r := 0; r < rows; r++ {
		row := data[r*stride : (r+1)*stride]
		ft := row[0]
		cur := make([]byte, rowLen)
		copy(cur, row[1:])

		switch ft {
		case 0: // None
		case 1: // Sub
			for i := bpp; i < rowLen; i++ {
				cur[i] += cur[i-bpp]
			}
		case 2: // Up
			for i := 0; i < rowLen; i++ {
				cur[i] += prev[i]
			}
		case 3: // Average
			for i := 0; i < rowLen; i++ {
				var left byte
				if i >= bpp {
					left = cur[i-bpp]
				}
				cur[i] += byte((int(left) + int(prev[i])) / 2)
			}
		case 4: // Paeth
			for i := 0; i < rowLen; i++ {
				var left, upLeft byte
				if i >= bpp {
					left = cur[i-bpp]
					upLeft = prev[i-bpp]
				}
				cur[i] += paeth(left, prev[i], upLeft)
			}
		default:
			return nil, fmt.Errorf("%w: PNG filter type %d", ErrDecodeFailed, ft)
		}

		out = append(out, cur...)
		prev = cur
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa := abs(p - int(a))
	pb := abs(p - int(b))
	pc := abs(p - int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
