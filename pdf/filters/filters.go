// Package filters decodes and encodes PDF stream data.
package filters

import (
	"bytes"
	"compress/zlib"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/casamonarca/pdfsigner/pdf/generic"
)

// Common errors
var (
	ErrUnsupportedFilter = errors.New("unsupported filter")
	ErrDecodeFailed      = errors.New("decode failed")
)

// maxDecodedSize bounds the output of a single decode to keep hostile
// streams from exhausting memory.
const maxDecodedSize = 256 << 20

// Params holds the /DecodeParms entries the supported filters understand.
type Params struct {
	Predictor        int
	Columns          int
	Colors           int
	BitsPerComponent int
}

func paramsFrom(dict *generic.DictionaryObject) Params {
	p := Params{Predictor: 1, Columns: 1, Colors: 1, BitsPerComponent: 8}
	if dict == nil {
		return p
	}
	if v, ok := dict.GetInt("Predictor"); ok {
		p.Predictor = int(v)
	}
	if v, ok := dict.GetInt("Columns"); ok {
		p.Columns = int(v)
	}
	if v, ok := dict.GetInt("Colors"); ok {
		p.Colors = int(v)
	}
	if v, ok := dict.GetInt("BitsPerComponent"); ok {
		p.BitsPerComponent = int(v)
	}
	return p
}

// Decode returns the decoded contents of a stream, applying every filter
// listed in its /Filter entry in order.
func Decode(stream *generic.StreamObject) ([]byte, error) {
	names, parms := filterChain(stream.Dictionary)
	data := stream.Data
	for i, name := range names {
		var err error
		switch name {
		case "FlateDecode", "Fl":
			data, err = flateDecode(data, paramsFrom(parms[i]))
		case "ASCIIHexDecode", "AHx":
			data, err = asciiHexDecode(data)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilter, name)
		}
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", name, err)
		}
	}
	return data, nil
}

func filterChain(dict *generic.DictionaryObject) ([]string, []*generic.DictionaryObject) {
	var names []string
	switch f := dict.Get("Filter").(type) {
	case generic.NameObject:
		names = []string{string(f)}
	case generic.ArrayObject:
		for _, item := range f {
			if n, ok := item.(generic.NameObject); ok {
				names = append(names, string(n))
			}
		}
	}
	parms := make([]*generic.DictionaryObject, len(names))
	switch dp := dict.Get("DecodeParms").(type) {
	case *generic.DictionaryObject:
		if len(parms) > 0 {
			parms[0] = dp
		}
	case generic.ArrayObject:
		for i, item := range dp {
			if d, ok := item.(*generic.DictionaryObject); ok && i < len(parms) {
				parms[i] = d
			}
		}
	}
	return names, parms
}

// FlateEncode compresses data with zlib.
func FlateEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("flate encode failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flate encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

func flateDecode(data []byte, p Params) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	defer r.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, maxDecodedSize+1))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if n > maxDecodedSize {
		return nil, fmt.Errorf("%w: output exceeds %d bytes", ErrDecodeFailed, maxDecodedSize)
	}
	if p.Predictor >= 10 {
		return pngUnpredict(buf.Bytes(), p)
	}
	return buf.Bytes(), nil
}

// pngUnpredict reverses PNG row filters (predictors 10 to 15).
func pngUnpredict(data []byte, p Params) ([]byte, error) {
	bpp := (p.Colors*p.BitsPerComponent + 7) / 8
	rowLen := (p.Columns*p.Colors*p.BitsPerComponent + 7) / 8
	if rowLen <= 0 {
		return nil, fmt.Errorf("%w: bad predictor columns", ErrDecodeFailed)
	}
	stride := rowLen + 1
	out := make([]byte, 0, len(data)/stride*rowLen)
	prev := make([]byte, rowLen)
	for off := 0; off+stride <= len(data); off += stride {
		kind := data[off]
		row := append([]byte(nil), data[off+1:off+stride]...)
		for j := range row {
			var left, upLeft byte
			if j >= bpp {
				left = row[j-bpp]
				upLeft = prev[j-bpp]
			}
			up := prev[j]
			switch kind {
			case 1:
				row[j] += left
			case 2:
				row[j] += up
			case 3:
				row[j] += byte((int(left) + int(up)) / 2)
			case 4:
				row[j] += paeth(left, up, upLeft)
			}
		}
		out = append(out, row...)
		prev = row
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
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

func asciiHexDecode(data []byte) ([]byte, error) {
	digits := make([]byte, 0, len(data))
	for _, c := range data {
		if c == '>' {
			break
		}
		if c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0 {
			continue
		}
		digits = append(digits, c)
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out, nil
}
