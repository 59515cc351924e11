package reader

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/casamonarca/pdfsigner/pdf/generic"
)

// Info dictionary keys used for the signer policy.
const (
	MaxSignersKey  = "MaxSigners"
	SignerCountKey = "SignerCount"
)

// ErrBadSignerLimit reports a /MaxSigners value that is not a positive integer.
var ErrBadSignerLimit = errors.New("invalid /MaxSigners value")

// maxFieldDepth bounds recursion through /Kids.
const maxFieldDepth = 32

// FormField is a terminal AcroForm field.
type FormField struct {
	Name string
	Type string
	Ref  *generic.Reference
	Dict *generic.DictionaryObject
}

// EmbeddedSignature is a signature value found in a signature field. Err is
// set when the value is present but structurally unusable.
type EmbeddedSignature struct {
	FieldName  string
	Field      *generic.DictionaryObject
	Dictionary *generic.DictionaryObject
	ByteRange  [4]int64
	Contents   []byte
	Err        error
	// order breaks ties between signatures with the same ByteRange end.
	order int
}

// Reason returns /Reason.
func (e *EmbeddedSignature) Reason() string { return e.text("Reason") }

// Location returns /Location.
func (e *EmbeddedSignature) Location() string { return e.text("Location") }

// Name returns /Name.
func (e *EmbeddedSignature) Name() string { return e.text("Name") }

// SigningTime returns the raw /M date string.
func (e *EmbeddedSignature) SigningTime() string { return e.text("M") }

func (e *EmbeddedSignature) text(key string) string {
	if e.Dictionary == nil {
		return ""
	}
	if s := e.Dictionary.GetString(key); s != nil {
		return s.Text()
	}
	return ""
}

// SignedEnd is the offset just past the last byte this signature covers.
func (e *EmbeddedSignature) SignedEnd() int64 {
	return e.ByteRange[2] + e.ByteRange[3]
}

// Fields walks the AcroForm field tree and returns terminal fields in
// document order. Field names are fully qualified with dots.
func (r *PdfFileReader) Fields() []FormField {
	if r.AcroForm == nil {
		return nil
	}
	var out []FormField
	seen := make(map[int]bool)
	for _, f := range r.resolveArray(r.AcroForm.Get("Fields")) {
		r.walkField(f, "", "", 0, seen, &out)
	}
	return out
}

func (r *PdfFileReader) resolveArray(obj generic.PdfObject) generic.ArrayObject {
	resolved, err := r.Resolve(obj)
	if err != nil {
		return nil
	}
	arr, _ := resolved.(generic.ArrayObject)
	return arr
}

func (r *PdfFileReader) walkField(obj generic.PdfObject, parentName, parentType string, depth int, seen map[int]bool, out *[]FormField) {
	if depth > maxFieldDepth {
		return
	}
	var ref *generic.Reference
	if rr, ok := obj.(generic.Reference); ok {
		if seen[rr.ObjectNumber] {
			return
		}
		seen[rr.ObjectNumber] = true
		ref = &rr
	}
	dict, err := r.GetDict(obj)
	if err != nil {
		return
	}

	name := parentName
	if t := dict.GetString("T"); t != nil {
		if name != "" {
			name += "."
		}
		name += t.Text()
	}
	ftype := parentType
	if ft := dict.GetName("FT"); ft != "" {
		ftype = ft
	}

	// Kids that carry /T are fields; kids without are widgets of this field.
	var childFields generic.ArrayObject
	for _, kid := range r.resolveArray(dict.Get("Kids")) {
		kd, err := r.GetDict(kid)
		if err != nil {
			continue
		}
		if kd.Has("T") {
			childFields = append(childFields, kid)
		}
	}
	if len(childFields) == 0 {
		*out = append(*out, FormField{Name: name, Type: ftype, Ref: ref, Dict: dict})
		return
	}
	for _, kid := range childFields {
		r.walkField(kid, name, ftype, depth+1, seen, out)
	}
}

// FieldNames returns the set of fully qualified field names.
func (r *PdfFileReader) FieldNames() map[string]bool {
	names := make(map[string]bool)
	for _, f := range r.Fields() {
		names[f.Name] = true
	}
	return names
}

// Signatures returns every filled signature field, ordered by the end of
// the signed range so that the oldest signature comes first.
func (r *PdfFileReader) Signatures() []*EmbeddedSignature {
	var sigs []*EmbeddedSignature
	for i, f := range r.Fields() {
		if f.Type != "Sig" || !f.Dict.Has("V") {
			continue
		}
		sig := &EmbeddedSignature{FieldName: f.Name, Field: f.Dict, order: i}
		sigs = append(sigs, sig)

		v, err := r.GetDict(f.Dict.Get("V"))
		if err != nil {
			sig.Err = fmt.Errorf("signature value: %w", err)
			continue
		}
		sig.Dictionary = v

		br := v.GetArray("ByteRange")
		if len(br) != 4 {
			sig.Err = fmt.Errorf("%w: /ByteRange must have four entries", ErrInvalidPDF)
			continue
		}
		for j, item := range br {
			n, ok := item.(generic.IntegerObject)
			if !ok {
				sig.Err = fmt.Errorf("%w: /ByteRange entry %d is not an integer", ErrInvalidPDF, j)
				break
			}
			sig.ByteRange[j] = int64(n)
		}
		if sig.Err != nil {
			continue
		}
		contents := v.GetString("Contents")
		if contents == nil {
			sig.Err = fmt.Errorf("%w: missing /Contents", ErrInvalidPDF)
			continue
		}
		sig.Contents = contents.Value
	}

	sort.SliceStable(sigs, func(i, j int) bool {
		a, b := sigs[i], sigs[j]
		// Entries without a usable range go last, in field order.
		if (a.Err == nil) != (b.Err == nil) {
			return a.Err == nil
		}
		if a.Err == nil && a.SignedEnd() != b.SignedEnd() {
			return a.SignedEnd() < b.SignedEnd()
		}
		return a.order < b.order
	})
	return sigs
}

// SignerCount is the number of filled signature fields.
func (r *PdfFileReader) SignerCount() int {
	return len(r.Signatures())
}

// MaxSigners reads /MaxSigners from the Info dictionary. ok is false when
// the entry is absent. Integers and text strings holding integers are both
// accepted.
func (r *PdfFileReader) MaxSigners() (n int, ok bool, err error) {
	if r.Info == nil || !r.Info.Has(MaxSignersKey) {
		return 0, false, nil
	}
	obj, err := r.Resolve(r.Info.Get(MaxSignersKey))
	if err != nil {
		return 0, true, fmt.Errorf("%w: %v", ErrBadSignerLimit, err)
	}
	switch v := obj.(type) {
	case generic.IntegerObject:
		n = int(v)
	case *generic.StringObject:
		parsed, perr := strconv.Atoi(strings.TrimSpace(v.Text()))
		if perr != nil {
			return 0, true, fmt.Errorf("%w: %q", ErrBadSignerLimit, v.Text())
		}
		n = parsed
	default:
		return 0, true, fmt.Errorf("%w: unexpected %T", ErrBadSignerLimit, obj)
	}
	if n < 1 {
		return 0, true, fmt.Errorf("%w: %d", ErrBadSignerLimit, n)
	}
	return n, true, nil
}
