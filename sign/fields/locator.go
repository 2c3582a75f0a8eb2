package fields

import (
	"sort"
	"strconv"

	"github.com/georgepadayatti/signflow/pdf/reader"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Signature box sizing defaults.
const (
	DefaultWidthRatio  = 0.2
	DefaultHeightRatio = 0.1
	// MarkerOffset moves the box below the printed field marker.
	MarkerOffset = 50.0
)

// SignatureBox is a box on one page in PDF user space.
type SignatureBox struct {
	XMin, YMin, XMax, YMax float64
}

// Width returns the box width.
func (b SignatureBox) Width() float64 { return b.XMax - b.XMin }

// Height returns the box height.
func (b SignatureBox) Height() float64 { return b.YMax - b.YMin }

// FieldMap maps a 0-based page index to signer positions and the marker
// rectangles found for them, in annotation order.
type FieldMap map[int]map[int][]types.Rectangle

// Pages returns the page indexes holding at least one marker, ascending.
func (fm FieldMap) Pages() []int {
	pages := make([]int, 0, len(fm))
	for p := range fm {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}

// Positions returns the signer positions marked on page, ascending.
func (fm FieldMap) Positions(page int) []int {
	byPos := fm[page]
	positions := make([]int, 0, len(byPos))
	for p := range byPos {
		positions = append(positions, p)
	}
	sort.Ints(positions)
	return positions
}

// Locate scans every page's annotations for signer markers. An annotation
// is a marker when its /Contents is a positive decimal integer written
// without sign, padding or leading zeros; the number is the signer position. Pages without markers are absent from the map.
func Locate(doc *reader.Document) (FieldMap, error) {
	fm := make(FieldMap)
	for i := 0; i < doc.PageCount(); i++ {
		page, err := doc.Page(i)
		if err != nil {
			return nil, err
		}
		annotsObj, ok := page.Dict.Find("Annots")
		if !ok {
			continue
		}
		annots, err := doc.ResolveArray(annotsObj)
		if err != nil {
			continue
		}
		for _, a := range annots {
			annot, err := doc.ResolveDict(a)
			if err != nil || annot == nil {
				continue
			}
			contents, ok := doc.Text(annot["Contents"])
			if !ok {
				continue
			}
			position, ok := parsePosition(contents)
			if !ok {
				continue
			}
			rect, err := doc.Rect(annot["Rect"])
			if err != nil {
				continue
			}
			if fm[i] == nil {
				fm[i] = make(map[int][]types.Rectangle)
			}
			fm[i][position] = append(fm[i][position], rect)
		}
	}
	return fm, nil
}

// parsePosition accepts only the canonical decimal form of a positive
// integer, so "1" marks position 1 while "01" and " 1" mark nothing.
func parsePosition(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || strconv.Itoa(n) != s {
		return 0, false
	}
	return n, true
}

// FirstField returns the first marker for position on the lowest page
// holding it.
func FirstField(fm FieldMap, position int) (int, types.Rectangle, bool) {
	for _, page := range fm.Pages() {
		if rects := fm[page][position]; len(rects) > 0 {
			return page, rects[0], true
		}
	}
	return 0, types.Rectangle{}, false
}

// GetSignatureBox centers a box of (pageW*widthRatio, pageH*heightRatio)
// on rect's center and moves it down by MarkerOffset. The box keeps its
// size so the appearance image is not stretched by the offset.
func GetSignatureBox(rect types.Rectangle, pageW, pageH, widthRatio, heightRatio float64) SignatureBox {
	cx := (rect.LL.X + rect.UR.X) / 2
	cy := (rect.LL.Y+rect.UR.Y)/2 - MarkerOffset
	w := pageW * widthRatio
	h := pageH * heightRatio
	return SignatureBox{
		XMin: cx - w/2,
		YMin: cy - h/2,
		XMax: cx + w/2,
		YMax: cy + h/2,
	}
}

// DefaultSignatureBox sizes a box for page with the default ratios.
func DefaultSignatureBox(rect types.Rectangle, page *reader.Page) SignatureBox {
	return GetSignatureBox(rect, page.Width(), page.Height(), DefaultWidthRatio, DefaultHeightRatio)
}
