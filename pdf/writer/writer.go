// Package writer creates new PDF files and appends incremental updates to
// existing ones.
package writer

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/casamonarca/pdfsigner/pdf/filters"
	"github.com/casamonarca/pdfsigner/pdf/generic"
)

// Letter is the default page size in points.
var Letter = generic.Rectangle{URX: 612, URY: 792}

// DocumentOptions describes a freshly generated document.
type DocumentOptions struct {
	// Pages defaults to 1.
	Pages    int
	MediaBox generic.Rectangle
	// Lines of text drawn on the first page, top to bottom.
	Lines []string
	Title string

	// MaxSigners is written to the Info dictionary when positive.
	MaxSigners int
	Producer   string
	Created    time.Time
	Compress   bool
}

// PdfFileWriter builds a new PDF document object by object.
type PdfFileWriter struct {
	Version  string
	objects  []*generic.IndirectObject
	catalog  *generic.DictionaryObject
	pages    *generic.DictionaryObject
	info     *generic.DictionaryObject
	pagesRef generic.Reference
}

// NewPdfFileWriter creates a writer with an empty page tree.
func NewPdfFileWriter(version string) *PdfFileWriter {
	if version == "" {
		version = "1.7"
	}
	w := &PdfFileWriter{Version: version}

	w.pages = generic.NewDictionary()
	w.pages.Set("Type", generic.NameObject("Pages"))
	w.pages.Set("Kids", generic.ArrayObject{})
	w.pages.Set("Count", generic.IntegerObject(0))
	w.pagesRef = w.AddObject(w.pages)

	w.catalog = generic.NewDictionary()
	w.catalog.Set("Type", generic.NameObject("Catalog"))
	w.catalog.Set("Pages", w.pagesRef)

	w.info = generic.NewDictionary()
	return w
}

// AddObject registers an object and returns its reference.
func (w *PdfFileWriter) AddObject(obj generic.PdfObject) generic.Reference {
	ind := generic.NewIndirectObject(len(w.objects)+1, 0, obj)
	w.objects = append(w.objects, ind)
	return ind.Reference()
}

// Info returns the document information dictionary.
func (w *PdfFileWriter) Info() *generic.DictionaryObject {
	return w.info
}

// AddPage appends a page with an optional content stream.
func (w *PdfFileWriter) AddPage(mediaBox generic.Rectangle, contents []byte, compress bool) (generic.Reference, error) {
	page := generic.NewDictionary()
	page.Set("Type", generic.NameObject("Page"))
	page.Set("Parent", w.pagesRef)
	page.Set("MediaBox", mediaBox.ToArray())
	page.Set("Resources", fontResources())

	if contents != nil {
		stream := generic.NewStream(nil, contents)
		if compress {
			encoded, err := filters.FlateEncode(contents)
			if err != nil {
				return generic.Reference{}, err
			}
			stream.Data = encoded
			stream.Dictionary.Set("Filter", generic.NameObject("FlateDecode"))
		}
		page.Set("Contents", w.AddObject(stream))
	}

	ref := w.AddObject(page)
	kids := append(w.pages.GetArray("Kids"), ref)
	w.pages.Set("Kids", kids)
	w.pages.Set("Count", generic.IntegerObject(len(kids)))
	return ref, nil
}

func fontResources() *generic.DictionaryObject {
	font := generic.NewDictionary()
	font.Set("Type", generic.NameObject("Font"))
	font.Set("Subtype", generic.NameObject("Type1"))
	font.Set("BaseFont", generic.NameObject("Helvetica"))
	fonts := generic.NewDictionary()
	fonts.Set("F1", font)
	res := generic.NewDictionary()
	res.Set("Font", fonts)
	return res
}

// Bytes serializes the document with a classic xref table. It registers
// the catalog and Info objects, so it must be called only once.
func (w *PdfFileWriter) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%%PDF-%s\n", w.Version)
	buf.Write([]byte{'%', 0xE2, 0xE3, 0xCF, 0xD3, '\n'})

	catalogRef := w.AddObject(w.catalog)
	infoRef := w.AddObject(w.info)

	offsets := make(map[int]int64, len(w.objects))
	for _, obj := range w.objects {
		offsets[obj.ObjectNumber] = int64(buf.Len())
		if err := obj.Write(&buf); err != nil {
			return nil, err
		}
	}
	id := fileID(buf.Bytes())

	xrefOffset := buf.Len()
	writeXRefTable(&buf, offsets, true)

	trailer := generic.NewDictionary()
	trailer.Set("Size", generic.IntegerObject(len(w.objects)+1))
	trailer.Set("Root", catalogRef)
	trailer.Set("Info", infoRef)
	trailer.Set("ID", generic.NewArray(generic.NewHexString(id), generic.NewHexString(id)))
	if err := writeTrailer(&buf, trailer, xrefOffset); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewDocument generates a small document, typically a blank page ready to
// receive signatures.
func NewDocument(opts DocumentOptions) ([]byte, error) {
	if opts.Pages <= 0 {
		opts.Pages = 1
	}
	if opts.MediaBox == (generic.Rectangle{}) {
		opts.MediaBox = Letter
	}
	if opts.Producer == "" {
		opts.Producer = "pdfsigner"
	}
	if opts.Created.IsZero() {
		opts.Created = time.Now()
	}
	if opts.MaxSigners < 0 {
		return nil, fmt.Errorf("max signers must not be negative, got %d", opts.MaxSigners)
	}

	w := NewPdfFileWriter("1.7")
	info := w.Info()
	info.Set("Producer", generic.NewTextString(opts.Producer))
	info.Set("CreationDate", generic.NewLiteralString(generic.FormatDate(opts.Created)))
	if opts.Title != "" {
		info.Set("Title", generic.NewTextString(opts.Title))
	}
	if opts.MaxSigners > 0 {
		info.Set("MaxSigners", generic.IntegerObject(opts.MaxSigners))
	}

	for i := 0; i < opts.Pages; i++ {
		var contents []byte
		if i == 0 && len(opts.Lines) > 0 {
			contents = textContent(opts.MediaBox, opts.Lines)
		}
		if _, err := w.AddPage(opts.MediaBox, contents, opts.Compress); err != nil {
			return nil, err
		}
	}
	return w.Bytes()
}

// textContent draws Latin-1 lines in 12pt Helvetica.
func textContent(box generic.Rectangle, lines []string) []byte {
	var b strings.Builder
	b.WriteString("BT\n/F1 12 Tf\n")
	y := box.URY - 72
	for _, line := range lines {
		s := generic.Serialize(generic.NewLiteralString(line))
		b.WriteString("1 0 0 1 72 " + strconv.FormatFloat(y, 'f', -1, 64) + " Tm\n")
		b.Write(s)
		b.WriteString(" Tj\n")
		y -= 16
	}
	b.WriteString("ET\n")
	return []byte(b.String())
}
