package writer

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/georgepadayatti/signflow/pdf/text"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Stream is a stream object to be written. /Length is set on write.
type Stream struct {
	Dict types.Dict
	Data []byte
}

// NewStream creates a stream with the given dictionary entries.
func NewStream(dict types.Dict, data []byte) *Stream {
	if dict == nil {
		dict = types.Dict{}
	}
	return &Stream{Dict: dict, Data: data}
}

// ContentsPlaceholder reserves room for a signature value. It is written as
// a hex string of 2*Size zeros and its position is reported in Output.
type ContentsPlaceholder struct {
	Size int
}

func (p ContentsPlaceholder) String() string { return p.PDFString() }

// Clone returns a copy of the placeholder.
func (p ContentsPlaceholder) Clone() types.Object { return p }

// PDFString renders the zero-filled hex string.
func (p ContentsPlaceholder) PDFString() string {
	return "<" + strings.Repeat("0", 2*p.Size) + ">"
}

// ByteRangePlaceholder reserves a fixed-width /ByteRange array so the
// final values can be patched in place.
type ByteRangePlaceholder struct{}

// ByteRangeWidth is the written width of a ByteRangePlaceholder.
const ByteRangeWidth = 4*10 + 3 + 2

func (p ByteRangePlaceholder) String() string { return p.PDFString() }

// Clone returns a copy of the placeholder.
func (p ByteRangePlaceholder) Clone() types.Object { return p }

// PDFString renders four zero-padded integers.
func (p ByteRangePlaceholder) PDFString() string {
	return FormatByteRange([4]int64{})
}

// FormatByteRange renders a byte range in the fixed placeholder width.
func FormatByteRange(br [4]int64) string {
	return fmt.Sprintf("[%010d %010d %010d %010d]", br[0], br[1], br[2], br[3])
}

// Ref builds an indirect reference for a generation-0 object.
func Ref(num int) types.IndirectRef {
	return types.IndirectRef{ObjectNumber: types.Integer(num), GenerationNumber: 0}
}

// Rect builds a PDF rectangle array.
func Rect(llx, lly, urx, ury float64) types.Array {
	return types.Array{types.Float(llx), types.Float(lly), types.Float(urx), types.Float(ury)}
}

// Literal returns s as an escaped literal string. s is written as raw bytes.
func Literal(s string) types.StringLiteral {
	return types.StringLiteral(text.Escape([]byte(s)))
}

// TextString encodes s as a PDF text string: a literal for plain ASCII and
// a UTF-16BE hex string with byte order mark otherwise.
func TextString(s string) types.Object {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return Literal(s)
	}
	units := utf16.Encode([]rune(s))
	raw := make([]byte, 2, 2+2*len(units))
	raw[0], raw[1] = 0xFE, 0xFF
	for _, u := range units {
		raw = append(raw, byte(u>>8), byte(u))
	}
	return types.HexLiteral(strings.ToUpper(hex.EncodeToString(raw)))
}

// serializer writes objects deterministically and records the positions of
// signature placeholders.
type serializer struct {
	buf             *bytes.Buffer
	base            int64
	contentsOffset  int64
	contentsLength  int64
	byteRangeOffset int64
}

func newSerializer(buf *bytes.Buffer, base int64) *serializer {
	return &serializer{buf: buf, base: base, contentsOffset: -1, byteRangeOffset: -1}
}

func (s *serializer) offset() int64 {
	return s.base + int64(s.buf.Len())
}

func (s *serializer) writeObject(obj types.Object) error {
	switch v := obj.(type) {
	case nil:
		s.buf.WriteString("null")
	case types.Boolean:
		if v {
			s.buf.WriteString("true")
		} else {
			s.buf.WriteString("false")
		}
	case types.Integer:
		fmt.Fprintf(s.buf, "%d", int(v))
	case types.Float:
		s.buf.WriteString(text.Num(float64(v)))
	case types.Name:
		s.buf.WriteString(encodeName(string(v)))
	case types.StringLiteral:
		s.buf.WriteString("(" + string(v) + ")")
	case types.HexLiteral:
		s.buf.WriteString("<" + string(v) + ">")
	case types.IndirectRef:
		fmt.Fprintf(s.buf, "%d %d R", int(v.ObjectNumber), int(v.GenerationNumber))
	case *types.IndirectRef:
		if v == nil {
			s.buf.WriteString("null")
			return nil
		}
		fmt.Fprintf(s.buf, "%d %d R", int(v.ObjectNumber), int(v.GenerationNumber))
	case types.Array:
		s.buf.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				s.buf.WriteByte(' ')
			}
			if err := s.writeObject(e); err != nil {
				return err
			}
		}
		s.buf.WriteByte(']')
	case types.Dict:
		return s.writeDict(v)
	case ContentsPlaceholder:
		s.contentsOffset = s.offset()
		rendered := v.PDFString()
		s.contentsLength = int64(len(rendered))
		s.buf.WriteString(rendered)
	case ByteRangePlaceholder:
		s.byteRangeOffset = s.offset()
		s.buf.WriteString(v.PDFString())
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedObject, obj)
	}
	return nil
}

func (s *serializer) writeDict(d types.Dict) error {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.buf.WriteString("<<")
	for _, k := range keys {
		s.buf.WriteString(encodeName(k))
		s.buf.WriteByte(' ')
		if err := s.writeObject(d[k]); err != nil {
			return fmt.Errorf("key /%s: %w", k, err)
		}
	}
	s.buf.WriteString(">>")
	return nil
}

func (s *serializer) writeIndirect(num int, obj types.Object) error {
	fmt.Fprintf(s.buf, "%d 0 obj\n", num)
	if err := s.writeObject(obj); err != nil {
		return fmt.Errorf("object %d: %w", num, err)
	}
	s.buf.WriteString("\nendobj\n")
	return nil
}

func (s *serializer) writeStream(num int, st *Stream) error {
	dict := st.Dict.Clone().(types.Dict)
	dict["Length"] = types.Integer(len(st.Data))

	fmt.Fprintf(s.buf, "%d 0 obj\n", num)
	if err := s.writeDict(dict); err != nil {
		return fmt.Errorf("object %d: %w", num, err)
	}
	s.buf.WriteString("\nstream\n")
	s.buf.Write(st.Data)
	s.buf.WriteString("\nendstream\nendobj\n")
	return nil
}

// encodeName writes a name with #xx escapes for anything outside the
// regular character set.
func encodeName(name string) string {
	var b strings.Builder
	b.WriteByte('/')
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < '!' || c > '~' || strings.IndexByte("()<>[]{}/%#", c) >= 0 {
			fmt.Fprintf(&b, "#%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
