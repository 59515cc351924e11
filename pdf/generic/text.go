package generic

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/unicode/norm"
)

var (
	utf16BOM = []byte{0xFE, 0xFF}
	utf8BOM  = []byte{0xEF, 0xBB, 0xBF}
)

// NewTextString creates a PDF text string. Input is NFC-normalised; pure
// ASCII stays a literal string, anything else is written as UTF-16BE with a
// byte order mark.
func NewTextString(s string) *StringObject {
	s = norm.NFC.String(s)
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return &StringObject{Value: []byte(s)}
	}
	enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
	out, err := enc.Bytes([]byte(s))
	if err != nil {
		return &StringObject{Value: []byte(s)}
	}
	return &StringObject{Value: out}
}

// DecodeText decodes the bytes of a PDF text string.
func DecodeText(b []byte) string {
	switch {
	case bytes.HasPrefix(b, utf16BOM):
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		if out, err := dec.Bytes(b); err == nil {
			return string(out)
		}
	case bytes.HasPrefix(b, utf8BOM):
		return string(b[len(utf8BOM):])
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// FormatDate renders t as a PDF date string: D:YYYYMMDDHHmmSS+HH'mm'.
func FormatDate(t time.Time) string {
	_, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	if offset == 0 {
		return "D:" + t.Format("20060102150405") + "Z"
	}
	return fmt.Sprintf("D:%s%c%02d'%02d'", t.Format("20060102150405"), sign, offset/3600, (offset%3600)/60)
}

// ParseDate parses a PDF date string. Missing trailing components default
// to their minimum value; a missing offset means UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "D:")
	if len(s) < 4 {
		return time.Time{}, fmt.Errorf("invalid PDF date %q", s)
	}
	digits := s
	rest := ""
	if i := strings.IndexAny(s, "Zz+-"); i >= 0 {
		digits, rest = s[:i], s[i:]
	}
	fields := []int{0, 1, 1, 0, 0, 0}
	widths := []int{4, 2, 2, 2, 2, 2}
	pos := 0
	for i, w := range widths {
		if pos+w > len(digits) {
			break
		}
		v, err := strconv.Atoi(digits[pos : pos+w])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid PDF date %q: %w", s, err)
		}
		fields[i] = v
		pos += w
	}

	loc := time.UTC
	if rest != "" && rest[0] != 'Z' && rest[0] != 'z' {
		off := strings.NewReplacer("'", "").Replace(rest[1:])
		hh, mm := 0, 0
		if len(off) >= 2 {
			hh, _ = strconv.Atoi(off[:2])
		}
		if len(off) >= 4 {
			mm, _ = strconv.Atoi(off[2:4])
		}
		secs := hh*3600 + mm*60
		if rest[0] == '-' {
			secs = -secs
		}
		loc = time.FixedZone("", secs)
	}
	return time.Date(fields[0], time.Month(fields[1]), fields[2], fields[3], fields[4], fields[5], 0, loc), nil
}
