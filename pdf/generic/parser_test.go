package generic

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseScalars(t *testing.T) {
	tests := []struct {
		input string
		want  PdfObject
	}{
		{"null", Null},
		{"true", BooleanObject(true)},
		{"false", BooleanObject(false)},
		{"42", IntegerObject(42)},
		{"-123", IntegerObject(-123)},
		{"+456", IntegerObject(456)},
		{"3.5", RealObject(3.5)},
		{"-.25", RealObject(-0.25)},
		{"/Type", NameObject("Type")},
		{"/A#20B", NameObject("A B")},
	}

	for _, tt := range tests {
		obj, err := NewParser([]byte(tt.input)).ParseObject()
		if err != nil {
			t.Fatalf("ParseObject(%q) failed: %v", tt.input, err)
		}
		if obj != tt.want {
			t.Errorf("ParseObject(%q) = %#v, want %#v", tt.input, obj, tt.want)
		}
	}
}

func TestParseStrings(t *testing.T) {
	tests := []struct {
		input string
		want  []byte
		hex   bool
	}{
		{"(Hello)", []byte("Hello"), false},
		{"(a (nested) b)", []byte("a (nested) b"), false},
		{`(esc\)aped\n)`, []byte("esc)aped\n"), false},
		{`(\101\102)`, []byte("AB"), false},
		{"<48656C6C6F>", []byte("Hello"), true},
		{"<48 65 6C>", []byte("Hel"), true},
		{"<7>", []byte{0x70}, true},
	}

	for _, tt := range tests {
		obj, err := NewParser([]byte(tt.input)).ParseObject()
		if err != nil {
			t.Fatalf("ParseObject(%q) failed: %v", tt.input, err)
		}
		s, ok := obj.(*StringObject)
		if !ok {
			t.Fatalf("ParseObject(%q) returned %T", tt.input, obj)
		}
		if !bytes.Equal(s.Value, tt.want) || s.IsHex != tt.hex {
			t.Errorf("ParseObject(%q) = %q (hex=%v), want %q (hex=%v)", tt.input, s.Value, s.IsHex, tt.want, tt.hex)
		}
	}
}

func TestParseReferenceAndBacktrack(t *testing.T) {
	obj, err := NewParser([]byte("[1 0 R 2 3 /X 4]")).ParseObject()
	if err != nil {
		t.Fatalf("ParseObject failed: %v", err)
	}
	arr := obj.(ArrayObject)
	if len(arr) != 5 {
		t.Fatalf("expected 5 items, got %d: %v", len(arr), arr)
	}
	if arr[0] != (Reference{ObjectNumber: 1}) {
		t.Errorf("item 0 = %#v", arr[0])
	}
	if arr[1] != IntegerObject(2) || arr[2] != IntegerObject(3) {
		t.Errorf("numbers not restored after failed reference: %v", arr)
	}
}

func TestParseDictionary(t *testing.T) {
	input := "<< /Type /Sig /ByteRange [0 10 20 30] /Contents <00FF> /Info << /N 1 >> /Gone null >>"
	obj, err := NewParser([]byte(input)).ParseObject()
	if err != nil {
		t.Fatalf("ParseObject failed: %v", err)
	}
	dict := obj.(*DictionaryObject)
	if dict.GetName("Type") != "Sig" {
		t.Errorf("Type = %q", dict.GetName("Type"))
	}
	if len(dict.GetArray("ByteRange")) != 4 {
		t.Errorf("ByteRange = %v", dict.GetArray("ByteRange"))
	}
	if n, ok := dict.GetDict("Info").GetInt("N"); !ok || n != 1 {
		t.Errorf("nested N = %d, %v", n, ok)
	}
	if dict.Has("Gone") {
		t.Error("null-valued key should be dropped")
	}
	if got := dict.Keys(); len(got) != 4 || got[0] != "Type" {
		t.Errorf("key order = %v", got)
	}
}

func TestParseIndirectStream(t *testing.T) {
	input := "7 0 obj\n<< /Length 5 >>\nstream\nhello\nendstream\nendobj\n"
	obj, err := NewParser([]byte(input)).ParseIndirectObject()
	if err != nil {
		t.Fatalf("ParseIndirectObject failed: %v", err)
	}
	if obj.ObjectNumber != 7 {
		t.Errorf("object number = %d", obj.ObjectNumber)
	}
	stream, ok := obj.Object.(*StreamObject)
	if !ok {
		t.Fatalf("expected stream, got %T", obj.Object)
	}
	if string(stream.Data) != "hello" {
		t.Errorf("stream data = %q", stream.Data)
	}
}

func TestParseIndirectStreamWithWrongLength(t *testing.T) {
	input := "7 0 obj\n<< /Length 9 0 R >>\nstream\nhello world\nendstream\nendobj\n"
	p := NewParser([]byte(input))
	p.ResolveLength = func(Reference) (int64, bool) { return 3, true }
	obj, err := p.ParseIndirectObject()
	if err != nil {
		t.Fatalf("ParseIndirectObject failed: %v", err)
	}
	if got := string(obj.Object.(*StreamObject).Data); got != "hello world" {
		t.Errorf("stream data = %q", got)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		input string
		want  error
	}{
		{"(unterminated", ErrInvalidString},
		{"<< /A 1", ErrInvalidDictionary},
		{"<< 1 2 >>", ErrInvalidDictionary},
		{"[1 2", ErrInvalidArray},
		{"", ErrUnexpectedEOF},
		{"bogus", ErrInvalidObject},
	}
	for _, tt := range tests {
		_, err := NewParser([]byte(tt.input)).ParseObject()
		if !errors.Is(err, tt.want) {
			t.Errorf("ParseObject(%q) error = %v, want %v", tt.input, err, tt.want)
		}
	}
}

func TestParseDeepNesting(t *testing.T) {
	input := bytes.Repeat([]byte("["), maxNesting+10)
	if _, err := NewParser(input).ParseObject(); err == nil {
		t.Error("expected nesting error")
	}
}
