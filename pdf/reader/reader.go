// Package reader parses PDF files, including documents with several
// incremental revisions.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/casamonarca/pdfsigner/pdf/generic"
)

// Common errors
var (
	ErrInvalidPDF     = errors.New("invalid PDF file")
	ErrNoXRef         = errors.New("no xref found")
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidXRef    = errors.New("invalid xref")
	ErrEncrypted      = errors.New("PDF is encrypted")
)

var headerRegex = regexp.MustCompile(`%PDF-(\d+\.\d+)`)

// Page is a leaf of the page tree together with its reference.
type Page struct {
	Ref  generic.Reference
	Dict *generic.DictionaryObject
}

// PdfFileReader gives read access to a parsed PDF. A reader holds a
// per-instance object cache and is not safe for concurrent use.
type PdfFileReader struct {
	data    []byte
	Version string

	// Trailer is the newest trailer; Trailers lists all, newest first.
	Trailer     *generic.DictionaryObject
	Trailers    []*generic.DictionaryObject
	XRef        map[int]XRefEntry
	XRefOffsets []int64

	Root    *generic.DictionaryObject
	RootRef generic.Reference
	Info    *generic.DictionaryObject
	// InfoRef is nil when the Info dictionary is absent or direct.
	InfoRef  *generic.Reference
	Pages    []Page
	AcroForm *generic.DictionaryObject
	// AcroFormRef is nil when the AcroForm is absent or inlined in the catalog.
	AcroFormRef *generic.Reference

	HasXRefStream bool

	objects  map[int]generic.PdfObject
	resolved map[int]bool
}

// NewPdfFileReader reads all of r and parses it.
func NewPdfFileReader(r io.Reader) (*PdfFileReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF data: %w", err)
	}
	return NewPdfFileReaderFromBytes(data)
}

// NewPdfFileReaderFromBytes parses data. The slice is retained and must not
// be modified while the reader is in use.
func NewPdfFileReaderFromBytes(data []byte) (*PdfFileReader, error) {
	r := &PdfFileReader{
		data:     data,
		XRef:     make(map[int]XRefEntry),
		objects:  make(map[int]generic.PdfObject),
		resolved: make(map[int]bool),
	}
	if err := r.parse(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PdfFileReader) parse() error {
	head := r.data[:min(1024, len(r.data))]
	m := headerRegex.FindSubmatch(head)
	if m == nil {
		return fmt.Errorf("%w: missing PDF header", ErrInvalidPDF)
	}
	r.Version = string(m[1])

	offset, err := parseStartXRef(r.data)
	if err != nil {
		return err
	}
	if err := r.parseXRefChain(offset); err != nil {
		return err
	}
	if r.Trailer.Has("Encrypt") {
		return ErrEncrypted
	}
	return r.loadDocumentStructure()
}

func (r *PdfFileReader) loadDocumentStructure() error {
	rootRef, ok := r.Trailer.GetReference("Root")
	if !ok {
		return fmt.Errorf("%w: trailer has no /Root", ErrInvalidPDF)
	}
	root, err := r.GetDict(rootRef)
	if err != nil {
		return fmt.Errorf("%w: catalog: %v", ErrInvalidPDF, err)
	}
	r.Root, r.RootRef = root, rootRef

	switch info := r.Trailer.Get("Info").(type) {
	case generic.Reference:
		if d, err := r.GetDict(info); err == nil {
			r.Info = d
			r.InfoRef = &info
		}
	case *generic.DictionaryObject:
		r.Info = info
	}

	pagesRef, ok := root.GetReference("Pages")
	if !ok {
		return fmt.Errorf("%w: catalog has no /Pages reference", ErrInvalidPDF)
	}
	if err := r.loadPageTree(pagesRef, make(map[int]bool)); err != nil {
		return err
	}

	switch af := root.Get("AcroForm").(type) {
	case generic.Reference:
		if d, err := r.GetDict(af); err == nil {
			r.AcroForm = d
			r.AcroFormRef = &af
		}
	case *generic.DictionaryObject:
		r.AcroForm = af
	}
	return nil
}

func (r *PdfFileReader) loadPageTree(ref generic.Reference, seen map[int]bool) error {
	if seen[ref.ObjectNumber] {
		return fmt.Errorf("%w: page tree cycle at %s", ErrInvalidPDF, ref)
	}
	seen[ref.ObjectNumber] = true

	node, err := r.GetDict(ref)
	if err != nil {
		return fmt.Errorf("%w: page tree node %s: %v", ErrInvalidPDF, ref, err)
	}
	if node.GetName("Type") == "Page" {
		r.Pages = append(r.Pages, Page{Ref: ref, Dict: node})
		return nil
	}
	for _, kid := range node.GetArray("Kids") {
		kidRef, ok := kid.(generic.Reference)
		if !ok {
			continue
		}
		if err := r.loadPageTree(kidRef, seen); err != nil {
			return err
		}
	}
	return nil
}

// GetObject returns the current version of an object.
func (r *PdfFileReader) GetObject(objNum int) (generic.PdfObject, error) {
	if obj, ok := r.objects[objNum]; ok {
		return obj, nil
	}
	if r.resolved[objNum] {
		return nil, fmt.Errorf("%w: reference cycle at object %d", ErrInvalidPDF, objNum)
	}
	r.resolved[objNum] = true
	defer delete(r.resolved, objNum)

	e, ok := r.XRef[objNum]
	if !ok || e.Type == XRefFree {
		return nil, fmt.Errorf("%w: object %d", ErrObjectNotFound, objNum)
	}

	var obj generic.PdfObject
	var err error
	if e.Type == XRefInObjStream {
		obj, err = r.objectFromStream(objNum, e)
	} else {
		obj, err = r.objectAt(objNum, e.Offset)
	}
	if err != nil {
		return nil, err
	}
	r.objects[objNum] = obj
	return obj, nil
}

func (r *PdfFileReader) objectAt(objNum int, offset int64) (generic.PdfObject, error) {
	if offset < 0 || offset >= int64(len(r.data)) {
		return nil, fmt.Errorf("%w: object %d offset %d out of bounds", ErrInvalidXRef, objNum, offset)
	}
	p := generic.NewParser(r.data)
	p.SetPos(int(offset))
	p.ResolveLength = func(ref generic.Reference) (int64, bool) {
		obj, err := r.GetObject(ref.ObjectNumber)
		if err != nil {
			return 0, false
		}
		n, ok := obj.(generic.IntegerObject)
		return int64(n), ok
	}
	ind, err := p.ParseIndirectObject()
	if err != nil {
		return nil, fmt.Errorf("object %d: %w", objNum, err)
	}
	if ind.ObjectNumber != objNum {
		return nil, fmt.Errorf("%w: xref for object %d points at object %d", ErrInvalidXRef, objNum, ind.ObjectNumber)
	}
	return ind.Object, nil
}

// Resolve follows a reference; other objects are returned unchanged.
func (r *PdfFileReader) Resolve(obj generic.PdfObject) (generic.PdfObject, error) {
	if ref, ok := obj.(generic.Reference); ok {
		return r.GetObject(ref.ObjectNumber)
	}
	return obj, nil
}

// GetDict resolves obj and requires a dictionary.
func (r *PdfFileReader) GetDict(obj generic.PdfObject) (*generic.DictionaryObject, error) {
	resolved, err := r.Resolve(obj)
	if err != nil {
		return nil, err
	}
	if d, ok := resolved.(*generic.DictionaryObject); ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: expected dictionary, got %T", ErrInvalidPDF, resolved)
}

// Size returns the trailer /Size: one more than the highest object number.
func (r *PdfFileReader) Size() int {
	size, _ := r.Trailer.GetInt("Size")
	highest := 0
	for n := range r.XRef {
		if n > highest {
			highest = n
		}
	}
	if int(size) > highest {
		return int(size)
	}
	return highest + 1
}

// DocumentID returns the two halves of the trailer /ID, if present.
func (r *PdfFileReader) DocumentID() ([]byte, []byte, bool) {
	arr := r.Trailer.GetArray("ID")
	if len(arr) != 2 {
		return nil, nil, false
	}
	a, ok1 := arr[0].(*generic.StringObject)
	b, ok2 := arr[1].(*generic.StringObject)
	if !ok1 || !ok2 {
		return nil, nil, false
	}
	return a.Value, b.Value, true
}

// Data returns the raw file bytes.
func (r *PdfFileReader) Data() []byte {
	return r.data
}

// RevisionCount counts %%EOF markers, one per revision.
func (r *PdfFileReader) RevisionCount() int {
	return bytes.Count(r.data, []byte("%%EOF"))
}
