package reader

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/casamonarca/pdfsigner/pdf/filters"
	"github.com/casamonarca/pdfsigner/pdf/generic"
)

// XRefType distinguishes the kinds of cross-reference entries.
type XRefType int

const (
	// XRefFree marks a free entry.
	XRefFree XRefType = iota
	// XRefStandard is an object stored at a byte offset.
	XRefStandard
	// XRefInObjStream is an object stored inside an object stream.
	XRefInObjStream
)

// XRefEntry is one cross-reference entry.
type XRefEntry struct {
	Type       XRefType
	Offset     int64
	Generation int
	// StreamObject and Index locate compressed objects.
	StreamObject int
	Index        int
}

// maxXRefSections bounds the /Prev chain on hostile input.
const maxXRefSections = 4096

func (r *PdfFileReader) parseXRefChain(offset int64) error {
	visited := make(map[int64]bool)
	for offset >= 0 {
		if visited[offset] {
			return fmt.Errorf("%w: xref chain loops at offset %d", ErrInvalidXRef, offset)
		}
		if len(visited) >= maxXRefSections {
			return fmt.Errorf("%w: too many xref sections", ErrInvalidXRef)
		}
		visited[offset] = true

		if offset >= int64(len(r.data)) {
			return fmt.Errorf("%w: xref offset %d out of bounds", ErrInvalidXRef, offset)
		}
		r.XRefOffsets = append(r.XRefOffsets, offset)

		p := generic.NewParser(r.data)
		p.SetPos(int(offset))
		p.SkipWhitespace()

		var trailer *generic.DictionaryObject
		var err error
		if bytes.HasPrefix(r.data[p.Pos():], []byte("xref")) {
			trailer, err = r.parseXRefTable(p)
			if err == nil {
				// Hybrid files point at an additional xref stream.
				if stm, ok := trailer.GetInt("XRefStm"); ok && !visited[stm] {
					visited[stm] = true
					sp := generic.NewParser(r.data)
					sp.SetPos(int(stm))
					if _, serr := r.parseXRefStream(sp); serr != nil {
						return serr
					}
				}
			}
		} else {
			trailer, err = r.parseXRefStream(p)
			r.HasXRefStream = true
		}
		if err != nil {
			return err
		}
		r.Trailers = append(r.Trailers, trailer)
		if r.Trailer == nil {
			r.Trailer = trailer
		}

		prev, ok := trailer.GetInt("Prev")
		if !ok {
			break
		}
		offset = prev
	}
	return nil
}

func (r *PdfFileReader) addEntry(objNum int, e XRefEntry) {
	// Newer sections are read first and win.
	if _, exists := r.XRef[objNum]; !exists {
		r.XRef[objNum] = e
	}
}

func (r *PdfFileReader) parseXRefTable(p *generic.Parser) (*generic.DictionaryObject, error) {
	if tok := p.ReadToken(); tok != "xref" {
		return nil, fmt.Errorf("%w: expected 'xref', got %q", ErrInvalidXRef, tok)
	}
	for {
		save := p.Pos()
		tok := p.ReadToken()
		if tok == "trailer" {
			break
		}
		p.SetPos(save)

		start, err := p.ReadInt()
		if err != nil {
			return nil, fmt.Errorf("%w: subsection start: %v", ErrInvalidXRef, err)
		}
		count, err := p.ReadInt()
		if err != nil {
			return nil, fmt.Errorf("%w: subsection count: %v", ErrInvalidXRef, err)
		}
		if start < 0 || count < 0 || count > int64(len(r.data)/18+1) {
			return nil, fmt.Errorf("%w: bad subsection %d %d", ErrInvalidXRef, start, count)
		}
		for i := int64(0); i < count; i++ {
			off, err1 := p.ReadInt()
			gen, err2 := p.ReadInt()
			kind := p.ReadToken()
			if err1 != nil || err2 != nil || (kind != "n" && kind != "f") {
				return nil, fmt.Errorf("%w: entry %d of subsection %d", ErrInvalidXRef, i, start)
			}
			e := XRefEntry{Type: XRefFree, Offset: off, Generation: int(gen)}
			if kind == "n" {
				e.Type = XRefStandard
			}
			r.addEntry(int(start+i), e)
		}
	}

	obj, err := p.ParseObject()
	if err != nil {
		return nil, fmt.Errorf("%w: trailer: %v", ErrInvalidXRef, err)
	}
	dict, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("%w: trailer is not a dictionary", ErrInvalidXRef)
	}
	return dict, nil
}

func (r *PdfFileReader) parseXRefStream(p *generic.Parser) (*generic.DictionaryObject, error) {
	ind, err := p.ParseIndirectObject()
	if err != nil {
		return nil, fmt.Errorf("%w: xref stream: %v", ErrInvalidXRef, err)
	}
	stream, ok := ind.Object.(*generic.StreamObject)
	if !ok || stream.Dictionary.GetName("Type") != "XRef" {
		return nil, fmt.Errorf("%w: no xref table or stream at offset", ErrInvalidXRef)
	}
	dict := stream.Dictionary
	data, err := filters.Decode(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: xref stream: %v", ErrInvalidXRef, err)
	}

	wArr := dict.GetArray("W")
	if len(wArr) != 3 {
		return nil, fmt.Errorf("%w: invalid /W", ErrInvalidXRef)
	}
	var w [3]int
	for i, v := range wArr {
		n, ok := v.(generic.IntegerObject)
		if !ok || n < 0 || n > 8 {
			return nil, fmt.Errorf("%w: invalid /W", ErrInvalidXRef)
		}
		w[i] = int(n)
	}
	width := w[0] + w[1] + w[2]
	if width == 0 {
		return nil, fmt.Errorf("%w: zero entry width", ErrInvalidXRef)
	}

	var index []int64
	if arr := dict.GetArray("Index"); arr != nil {
		for _, v := range arr {
			if n, ok := v.(generic.IntegerObject); ok {
				index = append(index, int64(n))
			}
		}
	} else if size, ok := dict.GetInt("Size"); ok {
		index = []int64{0, size}
	}

	pos := 0
	for i := 0; i+1 < len(index); i += 2 {
		for j := int64(0); j < index[i+1]; j++ {
			if pos+width > len(data) {
				return dict, nil
			}
			row := data[pos : pos+width]
			pos += width

			kind := int64(1)
			if w[0] > 0 {
				kind = readField(row[:w[0]])
			}
			f2 := readField(row[w[0] : w[0]+w[1]])
			f3 := readField(row[w[0]+w[1]:])
			objNum := int(index[i] + j)
			switch kind {
			case 0:
				r.addEntry(objNum, XRefEntry{Type: XRefFree, Generation: int(f3)})
			case 1:
				r.addEntry(objNum, XRefEntry{Type: XRefStandard, Offset: f2, Generation: int(f3)})
			case 2:
				r.addEntry(objNum, XRefEntry{Type: XRefInObjStream, StreamObject: int(f2), Index: int(f3)})
			}
		}
	}
	return dict, nil
}

func readField(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

// objectFromStream extracts a compressed object from an object stream.
func (r *PdfFileReader) objectFromStream(objNum int, e XRefEntry) (generic.PdfObject, error) {
	if e.StreamObject == objNum {
		return nil, fmt.Errorf("%w: object stream %d contains itself", ErrInvalidPDF, objNum)
	}
	obj, err := r.GetObject(e.StreamObject)
	if err != nil {
		return nil, err
	}
	stream, ok := obj.(*generic.StreamObject)
	if !ok {
		return nil, fmt.Errorf("%w: object stream %d is not a stream", ErrInvalidPDF, e.StreamObject)
	}
	data, err := filters.Decode(stream)
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", e.StreamObject, err)
	}
	n, _ := stream.Dictionary.GetInt("N")
	first, _ := stream.Dictionary.GetInt("First")
	if first < 0 || first > int64(len(data)) || int64(e.Index) >= n {
		return nil, fmt.Errorf("%w: object stream %d header", ErrInvalidPDF, e.StreamObject)
	}

	header := generic.NewParser(data[:first])
	for i := 0; i <= e.Index; i++ {
		num, err1 := header.ReadInt()
		off, err2 := header.ReadInt()
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: object stream %d index", ErrInvalidPDF, e.StreamObject)
		}
		if i == e.Index {
			if int(num) != objNum || first+off >= int64(len(data)) || off < 0 {
				return nil, fmt.Errorf("%w: object %d not at index %d", ErrObjectNotFound, objNum, e.Index)
			}
			body := generic.NewParser(data)
			body.SetPos(int(first + off))
			return body.ParseObject()
		}
	}
	return nil, fmt.Errorf("%w: object %d", ErrObjectNotFound, objNum)
}

func parseStartXRef(data []byte) (int64, error) {
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return 0, ErrNoXRef
	}
	p := generic.NewParser(data)
	p.SetPos(idx + len("startxref"))
	tok := p.ReadToken()
	off, err := strconv.ParseInt(tok, 10, 64)
	if err != nil || off < 0 {
		return 0, fmt.Errorf("%w: bad startxref value %q", ErrInvalidXRef, tok)
	}
	return off, nil
}
