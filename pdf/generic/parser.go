package generic

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// Common errors
var (
	ErrUnexpectedEOF     = errors.New("unexpected end of file")
	ErrInvalidObject     = errors.New("invalid PDF object")
	ErrInvalidDictionary = errors.New("invalid PDF dictionary")
	ErrInvalidArray      = errors.New("invalid PDF array")
	ErrInvalidString     = errors.New("invalid PDF string")
	ErrInvalidName       = errors.New("invalid PDF name")
	ErrInvalidNumber     = errors.New("invalid PDF number")
	ErrInvalidStream     = errors.New("invalid PDF stream")
)

// maxNesting bounds array/dictionary recursion on hostile input.
const maxNesting = 256

// Parser parses PDF objects from an in-memory byte slice.
type Parser struct {
	data  []byte
	pos   int
	depth int

	// ResolveLength resolves an indirect stream /Length. When nil, or when
	// resolution fails, the parser scans for the endstream keyword.
	ResolveLength func(ref Reference) (int64, bool)
}

// NewParser creates a parser positioned at the start of data.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// Pos returns the current offset.
func (p *Parser) Pos() int { return p.pos }

// SetPos moves the parser to offset.
func (p *Parser) SetPos(offset int) { p.pos = offset }

func (p *Parser) eof() bool { return p.pos >= len(p.data) }

func (p *Parser) peek() (byte, bool) {
	if p.eof() {
		return 0, false
	}
	return p.data[p.pos], true
}

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == 0 || b == '\f'
}

func isDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// SkipWhitespace skips whitespace and comments.
func (p *Parser) SkipWhitespace() {
	for !p.eof() {
		b := p.data[p.pos]
		switch {
		case isWhitespace(b):
			p.pos++
		case b == '%':
			for !p.eof() && p.data[p.pos] != '\n' && p.data[p.pos] != '\r' {
				p.pos++
			}
		default:
			return
		}
	}
}

// ReadToken reads a run of regular characters.
func (p *Parser) ReadToken() string {
	p.SkipWhitespace()
	start := p.pos
	for !p.eof() {
		b := p.data[p.pos]
		if isWhitespace(b) || isDelimiter(b) {
			break
		}
		p.pos++
	}
	return string(p.data[start:p.pos])
}

// ReadInt reads an unsigned or signed integer token.
func (p *Parser) ReadInt() (int64, error) {
	tok := p.ReadToken()
	v, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, tok)
	}
	return v, nil
}

// ParseObject parses one object; "n g R" sequences become references.
func (p *Parser) ParseObject() (PdfObject, error) {
	p.SkipWhitespace()
	b, ok := p.peek()
	if !ok {
		return nil, ErrUnexpectedEOF
	}
	switch {
	case b == '(':
		return p.parseLiteralString()
	case b == '<':
		if p.pos+1 < len(p.data) && p.data[p.pos+1] == '<' {
			return p.parseDictionary()
		}
		return p.parseHexString()
	case b == '[':
		return p.parseArray()
	case b == '/':
		return p.parseName()
	case b >= '0' && b <= '9':
		return p.parseNumberOrReference()
	case b == '-' || b == '+' || b == '.':
		return p.parseNumber()
	}
	start := p.pos
	switch tok := p.ReadToken(); tok {
	case "true":
		return BooleanObject(true), nil
	case "false":
		return BooleanObject(false), nil
	case "null":
		return Null, nil
	default:
		p.pos = start
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrInvalidObject, tok, start)
	}
}

func (p *Parser) parseNumber() (PdfObject, error) {
	tok := p.ReadToken()
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return IntegerObject(i), nil
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, tok)
	}
	return RealObject(f), nil
}

func (p *Parser) parseNumberOrReference() (PdfObject, error) {
	first, err := p.parseNumber()
	if err != nil {
		return nil, err
	}
	objNum, ok := first.(IntegerObject)
	if !ok {
		return first, nil
	}
	save := p.pos
	p.SkipWhitespace()
	if b, ok := p.peek(); !ok || b < '0' || b > '9' {
		p.pos = save
		return first, nil
	}
	gen, err := p.parseNumber()
	genNum, isInt := gen.(IntegerObject)
	if err != nil || !isInt {
		p.pos = save
		return first, nil
	}
	if p.ReadToken() != "R" {
		p.pos = save
		return first, nil
	}
	return Reference{ObjectNumber: int(objNum), GenerationNumber: int(genNum)}, nil
}

func (p *Parser) parseLiteralString() (*StringObject, error) {
	p.pos++ // (
	var buf bytes.Buffer
	depth := 1
	for {
		if p.eof() {
			return nil, fmt.Errorf("%w: unterminated string", ErrInvalidString)
		}
		b := p.data[p.pos]
		p.pos++
		switch b {
		case '(':
			depth++
			buf.WriteByte(b)
		case ')':
			depth--
			if depth == 0 {
				return &StringObject{Value: buf.Bytes()}, nil
			}
			buf.WriteByte(b)
		case '\\':
			if p.eof() {
				return nil, fmt.Errorf("%w: dangling escape", ErrInvalidString)
			}
			e := p.data[p.pos]
			p.pos++
			switch e {
			case 'n':
				buf.WriteByte('\n')
			case 'r':
				buf.WriteByte('\r')
			case 't':
				buf.WriteByte('\t')
			case 'b':
				buf.WriteByte('\b')
			case 'f':
				buf.WriteByte('\f')
			case '\r':
				if b, ok := p.peek(); ok && b == '\n' {
					p.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2; i++ {
						c, ok := p.peek()
						if !ok || c < '0' || c > '7' {
							break
						}
						v = v*8 + int(c-'0')
						p.pos++
					}
					buf.WriteByte(byte(v))
				} else {
					buf.WriteByte(e)
				}
			}
		default:
			buf.WriteByte(b)
		}
	}
}

func (p *Parser) parseHexString() (*StringObject, error) {
	p.pos++ // <
	end := bytes.IndexByte(p.data[p.pos:], '>')
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated hex string", ErrInvalidString)
	}
	raw := p.data[p.pos : p.pos+end]
	p.pos += end + 1

	digits := make([]byte, 0, len(raw)+1)
	for _, c := range raw {
		if !isWhitespace(c) {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 != 0 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidString, err)
	}
	return &StringObject{Value: out, IsHex: true}, nil
}

func (p *Parser) parseName() (NameObject, error) {
	p.pos++ // /
	var buf bytes.Buffer
	for !p.eof() {
		b := p.data[p.pos]
		if isWhitespace(b) || isDelimiter(b) {
			break
		}
		p.pos++
		if b == '#' && p.pos+2 <= len(p.data) {
			v, err := strconv.ParseUint(string(p.data[p.pos:p.pos+2]), 16, 8)
			if err != nil {
				return "", fmt.Errorf("%w: bad escape", ErrInvalidName)
			}
			buf.WriteByte(byte(v))
			p.pos += 2
			continue
		}
		buf.WriteByte(b)
	}
	return NameObject(buf.String()), nil
}

func (p *Parser) enter() error {
	p.depth++
	if p.depth > maxNesting {
		return fmt.Errorf("%w: nesting too deep", ErrInvalidObject)
	}
	return nil
}

func (p *Parser) parseArray() (ArrayObject, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer func() { p.depth-- }()

	p.pos++ // [
	arr := ArrayObject{}
	for {
		p.SkipWhitespace()
		b, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("%w: unterminated array", ErrInvalidArray)
		}
		if b == ']' {
			p.pos++
			return arr, nil
		}
		obj, err := p.ParseObject()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArray, err)
		}
		arr = append(arr, obj)
	}
}

func (p *Parser) parseDictionary() (*DictionaryObject, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer func() { p.depth-- }()

	p.pos += 2 // <<
	dict := NewDictionary()
	for {
		p.SkipWhitespace()
		b, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("%w: unterminated dictionary", ErrInvalidDictionary)
		}
		if b == '>' {
			if p.pos+1 >= len(p.data) || p.data[p.pos+1] != '>' {
				return nil, fmt.Errorf("%w: expected '>>'", ErrInvalidDictionary)
			}
			p.pos += 2
			return dict, nil
		}
		if b != '/' {
			return nil, fmt.Errorf("%w: key is not a name at offset %d", ErrInvalidDictionary, p.pos)
		}
		key, err := p.parseName()
		if err != nil {
			return nil, err
		}
		value, err := p.ParseObject()
		if err != nil {
			return nil, fmt.Errorf("%w: value for /%s: %v", ErrInvalidDictionary, key, err)
		}
		if _, isNull := value.(NullObject); isNull {
			continue
		}
		dict.Set(string(key), value)
	}
}

// ParseIndirectObject parses "n g obj ... endobj" at the current offset.
func (p *Parser) ParseIndirectObject() (*IndirectObject, error) {
	objNum, err := p.ReadInt()
	if err != nil {
		return nil, fmt.Errorf("%w: object number: %v", ErrInvalidObject, err)
	}
	genNum, err := p.ReadInt()
	if err != nil {
		return nil, fmt.Errorf("%w: generation number: %v", ErrInvalidObject, err)
	}
	if tok := p.ReadToken(); tok != "obj" {
		return nil, fmt.Errorf("%w: expected 'obj', got %q", ErrInvalidObject, tok)
	}
	obj, err := p.ParseObject()
	if err != nil {
		return nil, err
	}

	if dict, ok := obj.(*DictionaryObject); ok {
		save := p.pos
		if p.ReadToken() == "stream" {
			data, err := p.readStreamData(dict)
			if err != nil {
				return nil, err
			}
			obj = NewStream(dict, data)
		} else {
			p.pos = save
		}
	}

	save := p.pos
	if p.ReadToken() != "endobj" {
		p.pos = save
	}
	return NewIndirectObject(int(objNum), int(genNum), obj), nil
}

func (p *Parser) readStreamData(dict *DictionaryObject) ([]byte, error) {
	// The keyword is followed by CRLF or LF.
	if b, ok := p.peek(); ok && b == '\r' {
		p.pos++
	}
	if b, ok := p.peek(); ok && b == '\n' {
		p.pos++
	}
	start := p.pos

	length := int64(-1)
	switch l := dict.Get("Length").(type) {
	case IntegerObject:
		length = int64(l)
	case Reference:
		if p.ResolveLength != nil {
			if v, ok := p.ResolveLength(l); ok {
				length = v
			}
		}
	}
	if length >= 0 && start+int(length) <= len(p.data) {
		end := start + int(length)
		next := NewParser(p.data)
		next.pos = end
		if next.ReadToken() == "endstream" {
			p.pos = next.pos
			return p.data[start:end], nil
		}
	}

	// Fall back to scanning for the keyword.
	idx := bytes.Index(p.data[start:], []byte("endstream"))
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing endstream", ErrInvalidStream)
	}
	end := start + idx
	for end > start && (p.data[end-1] == '\n' || p.data[end-1] == '\r') {
		end--
	}
	p.pos = start + idx + len("endstream")
	return p.data[start:end], nil
}
