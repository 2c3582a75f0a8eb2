// Package pdftest builds small synthetic PDF files for tests.
package pdftest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Annot is a text annotation placed on a page. Signature positions are
// marked with annotations whose Contents is the signer's order.
type Annot struct {
	Contents string
	Rect     [4]float64
	// Hex writes Contents as a hex string instead of a literal.
	Hex bool
}

// Page describes one page of the generated document.
type Page struct {
	Width, Height float64
	Annots        []Annot
	// Content is the page content stream. Empty pages get a single line of text.
	Content string
}

// Options controls the generated file layout.
type Options struct {
	// XRefStream writes a cross-reference stream instead of a classic table.
	XRefStream bool
	// ID writes a trailer /ID.
	ID bool
}

// Letter is a US letter page without annotations.
func Letter() Page {
	return Page{Width: 612, Height: 792}
}

// WithMarkers returns a letter page carrying one marker annotation per
// order, laid out from the bottom of the page upward.
func WithMarkers(orders ...string) Page {
	p := Letter()
	for i, o := range orders {
		y := 100 + float64(i)*120
		p.Annots = append(p.Annots, Annot{Contents: o, Rect: [4]float64{100, y, 250, y + 60}})
	}
	return p
}

// Build generates a PDF with the given pages.
func Build(opts Options, pages ...Page) []byte {
	if len(pages) == 0 {
		pages = []Page{Letter()}
	}

	var objs []string
	add := func(s string) int {
		objs = append(objs, s)
		return len(objs)
	}

	catalog := add("")
	pagesObj := add("")
	font := add("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	var kids []string
	for i, p := range pages {
		content := p.Content
		if content == "" {
			content = fmt.Sprintf("BT /F1 12 Tf 72 720 Td (Page %d) Tj ET", i+1)
		}
		contents := add(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))

		var annots []string
		for _, a := range p.Annots {
			text := "(" + a.Contents + ")"
			if a.Hex {
				text = fmt.Sprintf("<%X>", a.Contents)
			}
			ref := add(fmt.Sprintf("<< /Type /Annot /Subtype /Text /Rect [%g %g %g %g] /Contents %s >>",
				a.Rect[0], a.Rect[1], a.Rect[2], a.Rect[3], text))
			annots = append(annots, fmt.Sprintf("%d 0 R", ref))
		}

		dict := fmt.Sprintf("<< /Type /Page /Parent %d 0 R /MediaBox [0 0 %g %g] /Resources << /Font << /F1 %d 0 R >> >> /Contents %d 0 R",
			pagesObj, p.Width, p.Height, font, contents)
		if len(annots) > 0 {
			dict += " /Annots [" + strings.Join(annots, " ") + "]"
		}
		dict += " >>"
		kids = append(kids, fmt.Sprintf("%d 0 R", add(dict)))
	}

	objs[catalog-1] = fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", pagesObj)
	objs[pagesObj-1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(kids))

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	buf.Write([]byte{0x25, 0xE2, 0xE3, 0xCF, 0xD3, 0x0A})

	offsets := make([]int, len(objs)+1)
	for i, o := range objs {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}

	trailer := fmt.Sprintf("/Root %d 0 R", catalog)
	if opts.ID {
		trailer += " /ID [<0123456789ABCDEF0123456789ABCDEF> <0123456789ABCDEF0123456789ABCDEF>]"
	}

	xrefOffset := buf.Len()
	if opts.XRefStream {
		num := len(objs) + 1
		offsets = append(offsets, xrefOffset)
		var data bytes.Buffer
		data.Write([]byte{0, 0, 0, 0, 0, 0xFF, 0xFF})
		for i := 1; i <= num; i++ {
			data.WriteByte(1)
			var off [4]byte
			binary.BigEndian.PutUint32(off[:], uint32(offsets[i]))
			data.Write(off[:])
			data.Write([]byte{0, 0})
		}
		fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /XRef /Size %d /W [1 4 2] %s /Length %d >>\nstream\n",
			num, num+1, trailer, data.Len())
		buf.Write(data.Bytes())
		buf.WriteString("\nendstream\nendobj\n")
	} else {
		fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
		for i := 1; i <= len(objs); i++ {
			fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
		}
		fmt.Fprintf(&buf, "trailer\n<< /Size %d %s >>\n", len(objs)+1, trailer)
	}
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xrefOffset)

	return buf.Bytes()
}

// Minimal builds a one-page document with a classic xref table.
func Minimal() []byte {
	return Build(Options{}, Letter())
}
