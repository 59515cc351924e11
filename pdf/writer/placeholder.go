package writer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/casamonarca/pdfsigner/pdf/generic"
)

// Placeholder errors
var (
	ErrPlaceholderTooSmall   = errors.New("signature does not fit the reserved placeholder")
	ErrPlaceholderNotWritten = errors.New("placeholder offsets are unknown")
)

// byteRangeFormat renders a ByteRange with fixed-width numbers, so the value
// can be patched in place without shifting any byte after it.
const byteRangeFormat = "[%010d %010d %010d %010d]"

// ByteRangeWidth is the serialized width of a ByteRange placeholder.
var ByteRangeWidth = len(fmt.Sprintf(byteRangeFormat, 0, 0, 0, 0))

const maxByteRangeValue = 9999999999

// offsetOf reports the absolute position of the next byte written to w.
// It works for writers that hold the whole output, such as bytes.Buffer.
func offsetOf(w io.Writer) int64 {
	if l, ok := w.(interface{ Len() int }); ok {
		return int64(l.Len())
	}
	return -1
}

// ByteRangePlaceholder stands in for /ByteRange until the final offsets are
// known. It records where it was written.
type ByteRangePlaceholder struct {
	offset int64
}

// NewByteRangePlaceholder creates an unwritten placeholder.
func NewByteRangePlaceholder() *ByteRangePlaceholder {
	return &ByteRangePlaceholder{offset: -1}
}

// Write implements generic.PdfObject.
func (p *ByteRangePlaceholder) Write(w io.Writer) error {
	p.offset = offsetOf(w)
	_, err := fmt.Fprintf(w, byteRangeFormat, 0, 0, 0, 0)
	return err
}

// Clone returns the placeholder itself; offsets must stay shared.
func (p *ByteRangePlaceholder) Clone() generic.PdfObject { return p }

// ContentsPlaceholder reserves Size zero bytes of hex-encoded /Contents.
type ContentsPlaceholder struct {
	Size  int
	start int64
	end   int64
}

// NewContentsPlaceholder reserves size bytes.
func NewContentsPlaceholder(size int) *ContentsPlaceholder {
	return &ContentsPlaceholder{Size: size, start: -1, end: -1}
}

// Write implements generic.PdfObject.
func (p *ContentsPlaceholder) Write(w io.Writer) error {
	p.start = offsetOf(w)
	n, err := io.WriteString(w, "<"+strings.Repeat("0", 2*p.Size)+">")
	if p.start >= 0 {
		p.end = p.start + int64(n)
	}
	return err
}

// Clone returns the placeholder itself; offsets must stay shared.
func (p *ContentsPlaceholder) Clone() generic.PdfObject { return p }

// SignaturePlaceholder pairs the two placeholders of one signature dictionary.
type SignaturePlaceholder struct {
	ByteRange *ByteRangePlaceholder
	Contents  *ContentsPlaceholder
}

// NewSignaturePlaceholder reserves contentsSize bytes for the signature.
func NewSignaturePlaceholder(contentsSize int) *SignaturePlaceholder {
	return &SignaturePlaceholder{
		ByteRange: NewByteRangePlaceholder(),
		Contents:  NewContentsPlaceholder(contentsSize),
	}
}

// Slot resolves the recorded offsets against the final document size.
func (p *SignaturePlaceholder) Slot(size int64) (Slot, error) {
	if p.ByteRange.offset < 0 || p.Contents.start < 0 {
		return Slot{}, ErrPlaceholderNotWritten
	}
	s := Slot{
		ByteRangeOffset: p.ByteRange.offset,
		ContentsStart:   p.Contents.start,
		ContentsEnd:     p.Contents.end,
		Size:            size,
	}
	if s.ContentsEnd > size || s.ByteRangeOffset+int64(ByteRangeWidth) > size {
		return Slot{}, fmt.Errorf("%w: offsets beyond document end", ErrPlaceholderNotWritten)
	}
	return s, nil
}

// Slot locates a written signature placeholder inside a finished document.
// ContentsStart is the offset of '<' and ContentsEnd the offset just past '>'.
type Slot struct {
	ByteRangeOffset int64
	ContentsStart   int64
	ContentsEnd     int64
	Size            int64
}

// ByteRange returns the two spans around the /Contents string.
func (s Slot) ByteRange() [4]int64 {
	return [4]int64{0, s.ContentsStart, s.ContentsEnd, s.Size - s.ContentsEnd}
}

// Capacity is the number of signature bytes the slot can hold.
func (s Slot) Capacity() int {
	return int(s.ContentsEnd-s.ContentsStart-2) / 2
}

// PatchByteRange overwrites the /ByteRange placeholder in doc.
func (s Slot) PatchByteRange(doc []byte) error {
	if int64(len(doc)) != s.Size {
		return fmt.Errorf("document size %d does not match slot size %d", len(doc), s.Size)
	}
	br := s.ByteRange()
	for _, v := range br {
		if v < 0 || v > maxByteRangeValue {
			return fmt.Errorf("byte range value %d out of range", v)
		}
	}
	text := fmt.Sprintf(byteRangeFormat, br[0], br[1], br[2], br[3])
	copy(doc[s.ByteRangeOffset:], text)
	return nil
}

// Fill writes sig as uppercase hex into the placeholder. Unused space keeps
// its zero padding.
func (s Slot) Fill(doc []byte, sig []byte) error {
	if int64(len(doc)) != s.Size {
		return fmt.Errorf("document size %d does not match slot size %d", len(doc), s.Size)
	}
	if len(sig) > s.Capacity() {
		return fmt.Errorf("%w: need %d bytes, reserved %d", ErrPlaceholderTooSmall, len(sig), s.Capacity())
	}
	encoded := strings.ToUpper(hex.EncodeToString(sig))
	copy(doc[s.ContentsStart+1:], encoded)
	return nil
}
