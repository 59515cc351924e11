// Package digest computes SHA-256 digests over the protected byte ranges of
// a signed PDF revision.
package digest

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// ChunkSize is the read buffer size used while streaming ranges.
const ChunkSize = 64 * 1024

// ErrInvalidRange reports a byte range that cannot be digested.
var ErrInvalidRange = errors.New("invalid byte range")

// Range is one contiguous span of the document.
type Range struct {
	Offset int64
	Length int64
}

// End is the offset just past the span.
func (r Range) End() int64 { return r.Offset + r.Length }

// ByteRange is an ordered set of disjoint spans.
type ByteRange []Range

// FromPDF converts a /ByteRange array [a b c d] into two spans.
func FromPDF(br [4]int64) ByteRange {
	return ByteRange{{Offset: br[0], Length: br[1]}, {Offset: br[2], Length: br[3]}}
}

// PDF converts a two-span range back into /ByteRange form. Other shapes
// return zeros.
func (b ByteRange) PDF() [4]int64 {
	if len(b) != 2 {
		return [4]int64{}
	}
	return [4]int64{b[0].Offset, b[0].Length, b[1].Offset, b[1].Length}
}

// Validate checks that the spans are non-empty, ordered, disjoint and lie
// inside a document of the given size.
func (b ByteRange) Validate(size int64) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: no spans", ErrInvalidRange)
	}
	prevEnd := int64(0)
	for i, r := range b {
		if r.Offset < 0 || r.Length < 0 {
			return fmt.Errorf("%w: span %d is negative", ErrInvalidRange, i)
		}
		if r.Offset > size-r.Length {
			return fmt.Errorf("%w: span %d [%d,+%d) exceeds document size %d", ErrInvalidRange, i, r.Offset, r.Length, size)
		}
		if i > 0 && r.Offset < prevEnd {
			return fmt.Errorf("%w: span %d overlaps span %d", ErrInvalidRange, i, i-1)
		}
		prevEnd = r.End()
	}
	return nil
}

// Covers reports whether the spans leave exactly one gap and together
// reach from the first byte to the last.
func (b ByteRange) Covers(size int64) bool {
	if len(b) != 2 || b.Validate(size) != nil {
		return false
	}
	return b[0].Offset == 0 && b[1].Offset > b[0].End() && b[1].End() == size
}

// Digest streams the spans of r in order through SHA-256. Memory use is
// bounded by ChunkSize regardless of the document size.
func Digest(r io.ReaderAt, size int64, ranges ByteRange) ([32]byte, error) {
	var sum [32]byte
	if err := ranges.Validate(size); err != nil {
		return sum, err
	}
	h := sha256.New()
	buf := make([]byte, ChunkSize)
	for i, span := range ranges {
		section := io.NewSectionReader(r, span.Offset, span.Length)
		n, err := io.CopyBuffer(h, section, buf)
		if err != nil {
			return sum, fmt.Errorf("reading span %d: %w", i, err)
		}
		if n != span.Length {
			return sum, fmt.Errorf("%w: span %d short read %d of %d", ErrInvalidRange, i, n, span.Length)
		}
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// DigestBytes is Digest over an in-memory document.
func DigestBytes(b []byte, ranges ByteRange) ([32]byte, error) {
	return Digest(bytes.NewReader(b), int64(len(b)), ranges)
}
