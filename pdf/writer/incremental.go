package writer

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/casamonarca/pdfsigner/pdf/generic"
	"github.com/casamonarca/pdfsigner/pdf/reader"
)

// Incremental update errors
var (
	ErrNoChanges      = errors.New("incremental update has no objects")
	ErrPageOutOfRange = errors.New("page index out of range")
)

// IncrementalWriter appends an update section to an existing document.
// The original bytes are copied verbatim; only new or replaced objects,
// a cross-reference table and a trailer follow them.
type IncrementalWriter struct {
	reader     *reader.PdfFileReader
	objects    map[int]*generic.IndirectObject
	nextObjNum int

	info    *generic.DictionaryObject
	infoRef *generic.Reference
}

// NewIncrementalWriter prepares an update of the document read by r.
func NewIncrementalWriter(r *reader.PdfFileReader) *IncrementalWriter {
	return &IncrementalWriter{
		reader:     r,
		objects:    make(map[int]*generic.IndirectObject),
		nextObjNum: r.Size(),
	}
}

// AddObject registers a new object and returns its reference.
func (w *IncrementalWriter) AddObject(obj generic.PdfObject) generic.Reference {
	ref := generic.NewReference(w.nextObjNum, 0)
	w.nextObjNum++
	w.objects[ref.ObjectNumber] = generic.NewIndirectObject(ref.ObjectNumber, 0, obj)
	return ref
}

// UpdateObject replaces an existing object in the update section.
func (w *IncrementalWriter) UpdateObject(ref generic.Reference, obj generic.PdfObject) {
	w.objects[ref.ObjectNumber] = generic.NewIndirectObject(ref.ObjectNumber, ref.GenerationNumber, obj)
}

// GetForUpdate returns a writable copy of the object at ref, registering it
// for output. Repeated calls return the same copy.
func (w *IncrementalWriter) GetForUpdate(ref generic.Reference) (generic.PdfObject, error) {
	if pending, ok := w.objects[ref.ObjectNumber]; ok {
		return pending.Object, nil
	}
	obj, err := w.reader.GetObject(ref.ObjectNumber)
	if err != nil {
		return nil, err
	}
	clone := obj.Clone()
	w.UpdateObject(ref, clone)
	return clone, nil
}

func (w *IncrementalWriter) dictForUpdate(ref generic.Reference) (*generic.DictionaryObject, error) {
	obj, err := w.GetForUpdate(ref)
	if err != nil {
		return nil, err
	}
	d, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("%w: object %s is %T, not a dictionary", reader.ErrInvalidPDF, ref, obj)
	}
	return d, nil
}

// Info returns a writable document information dictionary. A direct or
// missing Info dictionary is promoted to a new indirect object.
func (w *IncrementalWriter) Info() (*generic.DictionaryObject, error) {
	if w.info != nil {
		return w.info, nil
	}
	if ref := w.reader.InfoRef; ref != nil {
		d, err := w.dictForUpdate(*ref)
		if err != nil {
			return nil, err
		}
		w.info, w.infoRef = d, ref
		return d, nil
	}
	d := generic.NewDictionary()
	if w.reader.Info != nil {
		d = w.reader.Info.Clone().(*generic.DictionaryObject)
	}
	ref := w.AddObject(d)
	w.info, w.infoRef = d, &ref
	return d, nil
}

// HasChanges reports whether anything would be written.
func (w *IncrementalWriter) HasChanges() bool {
	return len(w.objects) > 0
}

// AddSignatureField creates an invisible signature widget whose value is
// sigRef, attaches it to the page at pageIndex and lists it in the AcroForm.
func (w *IncrementalWriter) AddSignatureField(name string, sigRef generic.Reference, pageIndex int) (generic.Reference, error) {
	pages := w.reader.Pages
	if pageIndex < 0 || pageIndex >= len(pages) {
		return generic.Reference{}, fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, pageIndex, len(pages))
	}
	pageRef := pages[pageIndex].Ref

	field := generic.NewDictionary()
	field.Set("FT", generic.NameObject("Sig"))
	field.Set("T", generic.NewTextString(name))
	field.Set("V", sigRef)
	field.Set("Type", generic.NameObject("Annot"))
	field.Set("Subtype", generic.NameObject("Widget"))
	field.Set("Rect", generic.NewArray(generic.IntegerObject(0), generic.IntegerObject(0), generic.IntegerObject(0), generic.IntegerObject(0)))
	field.Set("F", generic.IntegerObject(132)) // Print | Locked
	field.Set("P", pageRef)
	fieldRef := w.AddObject(field)

	page, err := w.dictForUpdate(pageRef)
	if err != nil {
		return generic.Reference{}, fmt.Errorf("page %d: %w", pageIndex, err)
	}
	if err := w.appendToArray(page, "Annots", fieldRef); err != nil {
		return generic.Reference{}, fmt.Errorf("page %d annotations: %w", pageIndex, err)
	}

	form, err := w.acroFormForUpdate()
	if err != nil {
		return generic.Reference{}, err
	}
	if err := w.appendToArray(form, "Fields", fieldRef); err != nil {
		return generic.Reference{}, fmt.Errorf("form fields: %w", err)
	}
	flags, _ := form.GetInt("SigFlags")
	form.Set("SigFlags", generic.IntegerObject(flags|3)) // SignaturesExist | AppendOnly
	return fieldRef, nil
}

// acroFormForUpdate returns a writable AcroForm. Inline or missing forms are
// moved into a new object referenced from an updated catalog.
func (w *IncrementalWriter) acroFormForUpdate() (*generic.DictionaryObject, error) {
	if ref := w.reader.AcroFormRef; ref != nil {
		return w.dictForUpdate(*ref)
	}
	form := generic.NewDictionary()
	if w.reader.AcroForm != nil {
		form = w.reader.AcroForm.Clone().(*generic.DictionaryObject)
	}
	formRef := w.AddObject(form)

	root, err := w.dictForUpdate(w.reader.RootRef)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	root.Set("AcroForm", formRef)
	return form, nil
}

// appendToArray appends item to dict[key], which may be absent, a direct
// array or a reference to an array object.
func (w *IncrementalWriter) appendToArray(dict *generic.DictionaryObject, key string, item generic.PdfObject) error {
	switch v := dict.Get(key).(type) {
	case nil, generic.NullObject:
		dict.Set(key, generic.NewArray(item))
	case generic.ArrayObject:
		dict.Set(key, append(v, item))
	case generic.Reference:
		obj, err := w.GetForUpdate(v)
		if err != nil {
			return err
		}
		arr, ok := obj.(generic.ArrayObject)
		if !ok {
			return fmt.Errorf("%w: /%s points at %T", reader.ErrInvalidPDF, key, obj)
		}
		w.UpdateObject(v, append(arr, item))
	default:
		return fmt.Errorf("%w: /%s is %T", reader.ErrInvalidPDF, key, v)
	}
	return nil
}

// Write renders the updated document. The result always starts with the
// original bytes.
func (w *IncrementalWriter) Write() ([]byte, error) {
	if len(w.objects) == 0 {
		return nil, ErrNoChanges
	}
	original := w.reader.Data()

	var buf bytes.Buffer
	buf.Grow(len(original) + 4096)
	buf.Write(original)
	if n := len(original); n > 0 && original[n-1] != '\n' && original[n-1] != '\r' {
		buf.WriteByte('\n')
	}

	nums := make([]int, 0, len(w.objects))
	for n := range w.objects {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	offsets := make(map[int]int64, len(nums))
	for _, n := range nums {
		offsets[n] = int64(buf.Len())
		if err := w.objects[n].Write(&buf); err != nil {
			return nil, fmt.Errorf("object %d: %w", n, err)
		}
	}

	xrefOffset := buf.Len()
	writeXRefTable(&buf, offsets, false)
	if err := writeTrailer(&buf, w.trailer(buf.Bytes()[len(original):]), xrefOffset); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *IncrementalWriter) trailer(update []byte) *generic.DictionaryObject {
	size := w.nextObjNum
	if rs := w.reader.Size(); rs > size {
		size = rs
	}

	t := generic.NewDictionary()
	t.Set("Size", generic.IntegerObject(size))
	t.Set("Root", w.reader.RootRef)
	switch {
	case w.infoRef != nil:
		t.Set("Info", *w.infoRef)
	case w.reader.Trailer.Has("Info"):
		t.Set("Info", w.reader.Trailer.Get("Info").Clone())
	}
	if len(w.reader.XRefOffsets) > 0 {
		t.Set("Prev", generic.IntegerObject(w.reader.XRefOffsets[0]))
	}

	newID := fileID(w.reader.Data(), update)
	firstID := newID
	if id1, _, ok := w.reader.DocumentID(); ok {
		firstID = id1
	}
	t.Set("ID", generic.NewArray(generic.NewHexString(firstID), generic.NewHexString(newID)))
	return t
}
