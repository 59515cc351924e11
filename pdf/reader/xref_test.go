package reader

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/casamonarca/pdfsigner/pdf/filters"
)

// writeRevision appends objects and a classic xref section to buf. The
// trailer may contain {xref}, replaced by the offset of this section.
func writeRevision(buf *bytes.Buffer, objects map[int]string, trailer string, freeHead bool) int {
	nums := make([]int, 0, len(objects))
	for n := range objects {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	offsets := make(map[int]int, len(nums))
	for _, n := range nums {
		offsets[n] = buf.Len()
		fmt.Fprintf(buf, "%d 0 obj\n%s\nendobj\n", n, objects[n])
	}

	xref := buf.Len()
	buf.WriteString("xref\n")
	if freeHead {
		buf.WriteString("0 1\n0000000000 65535 f \n")
	}
	for _, n := range nums {
		fmt.Fprintf(buf, "%d 1\n%010d 00000 n \n", n, offsets[n])
	}
	trailer = strings.ReplaceAll(trailer, "{xref}", fmt.Sprint(xref))
	fmt.Fprintf(buf, "trailer\n<< %s >>\nstartxref\n%d\n%%%%EOF\n", trailer, xref)
	return xref
}

// baseObjects is a one-page document whose catalog carries the given
// AcroForm and whose Info dictionary is object 4.
func baseObjects(info, acroForm string) map[int]string {
	catalog := "<< /Type /Catalog /Pages 2 0 R >>"
	if acroForm != "" {
		catalog = "<< /Type /Catalog /Pages 2 0 R /AcroForm " + acroForm + " >>"
	}
	return map[int]string{
		1: catalog,
		2: "<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		3: "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
		4: info,
	}
}

func buildDoc(objects map[int]string, size int) ([]byte, int) {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	xref := writeRevision(&buf, objects, fmt.Sprintf("/Size %d /Root 1 0 R /Info 4 0 R", size), true)
	return buf.Bytes(), xref
}

func mustParse(t *testing.T, data []byte) *PdfFileReader {
	t.Helper()
	r, err := NewPdfFileReaderFromBytes(data)
	if err != nil {
		t.Fatalf("failed to parse PDF: %v", err)
	}
	return r
}

func TestClassicXRefPrevChain(t *testing.T) {
	data, first := buildDoc(baseObjects("<< /Title (One) >>", ""), 5)

	var buf bytes.Buffer
	buf.Write(data)
	second := writeRevision(&buf, map[int]string{
		4: "<< /Title (Two) >>",
	}, fmt.Sprintf("/Size 5 /Root 1 0 R /Info 4 0 R /Prev %d", first), false)
	third := writeRevision(&buf, map[int]string{
		1: "<< /Type /Catalog /Pages 2 0 R /Extra 5 0 R >>",
		5: "(added)",
	}, fmt.Sprintf("/Size 6 /Root 1 0 R /Info 4 0 R /Prev %d", second), false)

	r := mustParse(t, buf.Bytes())

	if got := r.RevisionCount(); got != 3 {
		t.Errorf("RevisionCount() = %d, want 3", got)
	}
	want := []int64{int64(third), int64(second), int64(first)}
	if fmt.Sprint(r.XRefOffsets) != fmt.Sprint(want) {
		t.Errorf("XRefOffsets = %v, want %v", r.XRefOffsets, want)
	}
	if len(r.Trailers) != 3 {
		t.Fatalf("len(Trailers) = %d, want 3", len(r.Trailers))
	}
	if r.Trailer != r.Trailers[0] {
		t.Error("Trailer should be the newest trailer")
	}
	if r.HasXRefStream {
		t.Error("HasXRefStream should be false for classic tables")
	}
	if got := r.Size(); got != 6 {
		t.Errorf("Size() = %d, want 6", got)
	}

	// Newer sections override older entries.
	if got := r.Info.GetString("Title").Text(); got != "Two" {
		t.Errorf("Title = %q, want %q", got, "Two")
	}
	if !r.Root.Has("Extra") {
		t.Error("catalog from the newest revision was not used")
	}
	if len(r.Pages) != 1 {
		t.Errorf("len(Pages) = %d, want 1", len(r.Pages))
	}
	if e := r.XRef[0]; e.Type != XRefFree {
		t.Errorf("object 0 type = %v, want free", e.Type)
	}
}

func TestXRefChainErrors(t *testing.T) {
	data, first := buildDoc(baseObjects("<< >>", ""), 5)

	loop := func() []byte {
		var buf bytes.Buffer
		buf.Write(data)
		writeRevision(&buf, map[int]string{4: "<< >>"}, "/Size 5 /Root 1 0 R /Prev {xref}", false)
		return buf.Bytes()
	}
	outOfBounds := func() []byte {
		var buf bytes.Buffer
		buf.Write(data)
		writeRevision(&buf, map[int]string{4: "<< >>"}, "/Size 5 /Root 1 0 R /Prev 99999999", false)
		return buf.Bytes()
	}
	badStartXRef := bytes.Replace(data, []byte(fmt.Sprintf("startxref\n%d", first)), []byte("startxref\nabc"), 1)
	noStartXRef := bytes.Replace(data, []byte("startxref"), []byte("startxxxx"), 1)

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"prev points at itself", loop(), ErrInvalidXRef},
		{"prev out of bounds", outOfBounds(), ErrInvalidXRef},
		{"startxref not a number", badStartXRef, ErrInvalidXRef},
		{"no startxref", noStartXRef, ErrNoXRef},
		{"no header", []byte("hello"), ErrInvalidPDF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPdfFileReaderFromBytes(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptedRejected(t *testing.T) {
	objects := baseObjects("<< >>", "")
	objects[5] = "<< /Filter /Standard /V 2 /R 3 >>"
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	writeRevision(&buf, objects, "/Size 6 /Root 1 0 R /Encrypt 5 0 R", true)

	if _, err := NewPdfFileReaderFromBytes(buf.Bytes()); !errors.Is(err, ErrEncrypted) {
		t.Errorf("error = %v, want %v", err, ErrEncrypted)
	}
}

// buildXRefStreamDoc stores the catalog and the Info dictionary in an
// object stream and indexes everything with a compressed xref stream.
func buildXRefStreamDoc(t *testing.T) ([]byte, int) {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")

	compressed := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Title (Packed) /MaxSigners 2 >>",
	}
	var header, body strings.Builder
	for i, obj := range compressed {
		num := 1
		if i == 1 {
			num = 4
		}
		fmt.Fprintf(&header, "%d %d ", num, body.Len())
		body.WriteString(obj)
		body.WriteString("\n")
	}
	objStm := header.String() + body.String()

	offsets := map[int]int{}
	offsets[2] = buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	offsets[3] = buf.Len()
	buf.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>\nendobj\n")
	offsets[5] = buf.Len()
	fmt.Fprintf(&buf, "5 0 obj\n<< /Type /ObjStm /N 2 /First %d /Length %d >>\nstream\n%s\nendstream\nendobj\n",
		header.Len(), len(objStm), objStm)

	xref := buf.Len()
	row := func(kind byte, f2 int, f3 int) []byte {
		return []byte{kind, byte(f2 >> 24), byte(f2 >> 16), byte(f2 >> 8), byte(f2), byte(f3 >> 8), byte(f3)}
	}
	var rows []byte
	rows = append(rows, row(0, 0, 65535)...)
	rows = append(rows, row(2, 5, 0)...)
	rows = append(rows, row(1, offsets[2], 0)...)
	rows = append(rows, row(1, offsets[3], 0)...)
	rows = append(rows, row(2, 5, 1)...)
	rows = append(rows, row(1, offsets[5], 0)...)
	rows = append(rows, row(1, xref, 0)...)
	packed, err := filters.FlateEncode(rows)
	if err != nil {
		t.Fatalf("FlateEncode: %v", err)
	}
	fmt.Fprintf(&buf, "6 0 obj\n<< /Type /XRef /Size 7 /W [1 4 2] /Root 1 0 R /Info 4 0 R /Filter /FlateDecode /Length %d >>\nstream\n",
		len(packed))
	buf.Write(packed)
	fmt.Fprintf(&buf, "\nendstream\nendobj\nstartxref\n%d\n%%%%EOF\n", xref)
	return buf.Bytes(), xref
}

func TestXRefStreamAndObjectStream(t *testing.T) {
	data, _ := buildXRefStreamDoc(t)
	r := mustParse(t, data)

	if !r.HasXRefStream {
		t.Error("HasXRefStream should be true")
	}
	if e := r.XRef[1]; e.Type != XRefInObjStream || e.StreamObject != 5 || e.Index != 0 {
		t.Errorf("XRef[1] = %+v, want object stream 5 index 0", e)
	}
	if e := r.XRef[4]; e.Type != XRefInObjStream || e.Index != 1 {
		t.Errorf("XRef[4] = %+v, want object stream index 1", e)
	}
	if e := r.XRef[3]; e.Type != XRefStandard {
		t.Errorf("XRef[3].Type = %v, want standard", e.Type)
	}
	if got := r.Root.GetName("Type"); got != "Catalog" {
		t.Errorf("catalog /Type = %q", got)
	}
	if len(r.Pages) != 1 {
		t.Errorf("len(Pages) = %d, want 1", len(r.Pages))
	}
	if got := r.Info.GetString("Title").Text(); got != "Packed" {
		t.Errorf("Title = %q, want %q", got, "Packed")
	}
	if n, ok, err := r.MaxSigners(); err != nil || !ok || n != 2 {
		t.Errorf("MaxSigners() = %d, %v, %v; want 2, true, nil", n, ok, err)
	}
}

func TestClassicUpdateOverXRefStream(t *testing.T) {
	data, first := buildXRefStreamDoc(t)

	var buf bytes.Buffer
	buf.Write(data)
	writeRevision(&buf, map[int]string{
		4: "<< /Title (Updated) /MaxSigners (3) >>",
	}, fmt.Sprintf("/Size 7 /Root 1 0 R /Info 4 0 R /Prev %d", first), false)

	r := mustParse(t, buf.Bytes())
	if len(r.XRefOffsets) != 2 || r.XRefOffsets[1] != int64(first) {
		t.Errorf("XRefOffsets = %v, want second entry %d", r.XRefOffsets, first)
	}
	if !r.HasXRefStream {
		t.Error("HasXRefStream should be set by the older section")
	}
	if e := r.XRef[4]; e.Type != XRefStandard {
		t.Errorf("XRef[4].Type = %v, want the newer standard entry", e.Type)
	}
	if got := r.Info.GetString("Title").Text(); got != "Updated" {
		t.Errorf("Title = %q, want %q", got, "Updated")
	}
	// The catalog is still read out of the object stream.
	if got := r.Root.GetName("Type"); got != "Catalog" {
		t.Errorf("catalog /Type = %q", got)
	}
	if got := r.RevisionCount(); got != 2 {
		t.Errorf("RevisionCount() = %d, want 2", got)
	}
}

func TestObjectStreamIndexMismatch(t *testing.T) {
	data, _ := buildXRefStreamDoc(t)
	r := mustParse(t, data)

	// Point object 2 at a slot that holds object 4.
	r.XRef[2] = XRefEntry{Type: XRefInObjStream, StreamObject: 5, Index: 1}
	delete(r.objects, 2)
	if _, err := r.GetObject(2); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("error = %v, want %v", err, ErrObjectNotFound)
	}

	r.XRef[7] = XRefEntry{Type: XRefInObjStream, StreamObject: 7}
	if _, err := r.GetObject(7); !errors.Is(err, ErrInvalidPDF) {
		t.Errorf("self-containing stream error = %v, want %v", err, ErrInvalidPDF)
	}
}

func TestReadField(t *testing.T) {
	tests := []struct {
		in   []byte
		want int64
	}{
		{nil, 0},
		{[]byte{0x7f}, 127},
		{[]byte{0x01, 0x00}, 256},
		{[]byte{0x00, 0x01, 0x02, 0x03}, 0x010203},
	}
	for _, tt := range tests {
		if got := readField(tt.in); got != tt.want {
			t.Errorf("readField(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
