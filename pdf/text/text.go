// Package text provides the text primitives used when drawing on PDF pages
// with the standard Type 1 fonts: WinAnsi encoding, literal string escaping,
// string widths and colors.
package text

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Font names one of the standard 14 fonts supported here.
type Font string

const (
	Helvetica     Font = "Helvetica"
	HelveticaBold Font = "Helvetica-Bold"
)

// Color represents an RGB color.
type Color struct {
	R, G, B float64 // 0.0 to 1.0
}

// Gray returns a gray color.
func Gray(level float64) Color {
	return Color{level, level, level}
}

// RGB creates a color from RGB components in the 0.0 to 1.0 range.
func RGB(r, g, b float64) Color {
	return Color{R: r, G: g, B: b}
}

// Fill returns the content stream operator setting the fill color.
func (c Color) Fill() string {
	return fmt.Sprintf("%s %s %s rg", Num(c.R), Num(c.G), Num(c.B))
}

// Stroke returns the content stream operator setting the stroke color.
func (c Color) Stroke() string {
	return fmt.Sprintf("%s %s %s RG", Num(c.R), Num(c.G), Num(c.B))
}

// Num formats a number for a content stream. Output is fixed to four
// decimals with trailing zeros trimmed so identical inputs always produce
// identical bytes.
func Num(v float64) string {
	if v == 0 {
		return "0"
	}
	s := strconv.FormatFloat(v, 'f', 4, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}

var stripMarks = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	runes.Map(func(r rune) rune {
		switch r {
		case 'Đ':
			return 'D'
		case 'đ':
			return 'd'
		}
		return r
	}),
	norm.NFC,
)

// Fold makes s representable in WinAnsi. A word containing any rune WinAnsi
// cannot encode is reduced to its base letters as a whole, so Vietnamese
// names keep a consistent Latin skeleton ("Đà Nẵng" becomes "Da Nang").
// Words that already encode, like "café", are left untouched. Runes with no
// base letter become '?'.
func Fold(s string) string {
	var b strings.Builder
	start := -1
	flush := func(end int) {
		if start >= 0 {
			b.WriteString(foldWord(s[start:end]))
			start = -1
		}
	}
	for i, r := range s {
		if unicode.IsSpace(r) {
			flush(i)
			b.WriteRune(r)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(s))
	return b.String()
}

func encodable(word string) bool {
	for _, r := range word {
		if _, ok := charmap.Windows1252.EncodeRune(r); !ok {
			return false
		}
	}
	return true
}

func foldWord(word string) string {
	if encodable(word) {
		return word
	}
	folded, _, err := transform.String(stripMarks, word)
	if err != nil {
		folded = word
	}
	var b strings.Builder
	for _, r := range folded {
		if _, ok := charmap.Windows1252.EncodeRune(r); ok {
			b.WriteRune(r)
		} else {
			b.WriteByte('?')
		}
	}
	return b.String()
}

// EncodeWinAnsi folds s and encodes it as Windows-1252 bytes.
func EncodeWinAnsi(s string) []byte {
	folded := Fold(s)
	out := make([]byte, 0, len(folded))
	for _, r := range folded {
		c, ok := charmap.Windows1252.EncodeRune(r)
		if !ok {
			c = '?'
		}
		out = append(out, c)
	}
	return out
}

// Literal returns s as an escaped PDF literal string, including the
// surrounding parentheses, encoded for a WinAnsi font.
func Literal(s string) string {
	return "(" + Escape(EncodeWinAnsi(s)) + ")"
}

// Escape escapes raw bytes for use inside a PDF literal string.
func Escape(b []byte) string {
	var buf bytes.Buffer
	for _, c := range b {
		switch c {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			buf.WriteByte(c)
		}
	}
	return buf.String()
}

// Width returns the advance width of s in points.
func Width(font Font, s string, size float64) float64 {
	table := helveticaWidths
	if font == HelveticaBold {
		table = helveticaBoldWidths
	}
	var units float64
	for _, c := range EncodeWinAnsi(s) {
		if c >= 32 && c <= 126 {
			units += float64(table[c-32])
		} else {
			units += defaultWidth
		}
	}
	return units * size / 1000
}

const defaultWidth = 556

// Advance widths for codes 32..126, from the Adobe core font metrics.
var helveticaWidths = [95]int{
	278, 278, 355, 556, 556, 889, 667, 191, 333, 333, 389, 584, 278, 333, 278, 278,
	556, 556, 556, 556, 556, 556, 556, 556, 556, 556, 278, 278, 584, 584, 584, 556,
	1015, 667, 667, 722, 722, 667, 611, 778, 722, 278, 500, 667, 556, 833, 722, 778,
	667, 778, 722, 667, 611, 722, 667, 944, 667, 667, 611, 278, 278, 278, 469, 556,
	333, 556, 556, 500, 556, 556, 278, 556, 556, 222, 222, 500, 222, 833, 556, 556,
	556, 556, 333, 500, 278, 556, 500, 722, 500, 500, 500, 334, 260, 334, 584,
}

var helveticaBoldWidths = [95]int{
	278, 333, 474, 556, 556, 889, 722, 238, 333, 333, 389, 584, 278, 333, 278, 278,
	556, 556, 556, 556, 556, 556, 556, 556, 556, 556, 333, 333, 584, 584, 584, 611,
	975, 722, 722, 722, 722, 667, 611, 778, 722, 278, 556, 722, 611, 833, 722, 778,
	667, 778, 722, 667, 611, 722, 667, 944, 667, 667, 611, 333, 278, 333, 584, 556,
	333, 556, 611, 556, 611, 556, 333, 611, 611, 278, 278, 556, 278, 889, 611, 611,
	611, 611, 389, 556, 333, 611, 556, 778, 556, 556, 500, 389, 280, 389, 584,
}
