// Package reader provides read-only access to an existing PDF: its pages,
// annotations, form fields and the trailer information an incremental
// update has to chain onto.
package reader

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Common errors
var (
	ErrInvalidPDF     = errors.New("invalid PDF file")
	ErrNoXRef         = errors.New("no xref found")
	ErrPageOutOfRange = errors.New("page index out of range")
	ErrInvalidRect    = errors.New("invalid rectangle")
)

// LetterMediaBox is used when a page declares no MediaBox anywhere in its
// inheritance chain.
var LetterMediaBox = types.Rectangle{LL: types.Point{X: 0, Y: 0}, UR: types.Point{X: 612, Y: 792}}

var configOnce sync.Once

// Document is a parsed PDF together with its raw bytes.
type Document struct {
	data       []byte
	ctx        *model.Context
	startXRef  int64
	xrefStream bool
}

// Page is a resolved page object.
type Page struct {
	// Index is the 0-based page index.
	Index int
	// Ref is the page object's indirect reference.
	Ref types.IndirectRef
	// Dict is a private copy of the page dictionary.
	Dict types.Dict
	// MediaBox is the effective (possibly inherited) media box.
	MediaBox types.Rectangle
	// Resources is the effective (possibly inherited) resource dictionary.
	Resources types.Dict
}

// Width returns the media box width.
func (p *Page) Width() float64 {
	return p.MediaBox.Width()
}

// Height returns the media box height.
func (p *Page) Height() float64 {
	return p.MediaBox.Height()
}

// EmbeddedSignature is a signed signature field found in the AcroForm.
type EmbeddedSignature struct {
	FieldName string
	ByteRange [4]int64
	Contents  []byte
	SubFilter string
}

// Open parses data. The slice is retained and must not be modified.
func Open(data []byte) (*Document, error) {
	configOnce.Do(api.DisableConfigDir)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	if ctx.Root == nil {
		return nil, fmt.Errorf("%w: missing /Root", ErrInvalidPDF)
	}

	startXRef, err := findStartXRef(data)
	if err != nil {
		return nil, err
	}

	return &Document{
		data:       data,
		ctx:        ctx,
		startXRef:  startXRef,
		xrefStream: !isClassicXRef(data, startXRef),
	}, nil
}

// Bytes returns the raw document bytes.
func (d *Document) Bytes() []byte {
	return d.data
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int {
	return d.ctx.PageCount
}

// StartXRef returns the offset of the last cross-reference section.
func (d *Document) StartXRef() int64 {
	return d.startXRef
}

// UsesXRefStream reports whether the last cross-reference section is an
// xref stream rather than a classic table.
func (d *Document) UsesXRefStream() bool {
	return d.xrefStream
}

// Size returns the trailer /Size, i.e. one more than the highest object number.
func (d *Document) Size() int {
	if d.ctx.Size != nil {
		return *d.ctx.Size
	}
	return 0
}

// Root returns the catalog reference.
func (d *Document) Root() types.IndirectRef {
	return *d.ctx.Root
}

// Info returns the document information dictionary reference, if any.
func (d *Document) Info() *types.IndirectRef {
	return d.ctx.Info
}

// ID returns the trailer /ID array, if any.
func (d *Document) ID() types.Array {
	return d.ctx.ID
}

// Catalog returns a private copy of the document catalog.
func (d *Document) Catalog() (types.Dict, error) {
	cat, err := d.ctx.Catalog()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	return cat.Clone().(types.Dict), nil
}

// AcroForm returns a copy of the interactive form dictionary and its
// reference when it is stored indirectly. A document without a form
// returns a nil dictionary.
func (d *Document) AcroForm() (types.Dict, *types.IndirectRef, error) {
	cat, err := d.Catalog()
	if err != nil {
		return nil, nil, err
	}
	obj, ok := cat.Find("AcroForm")
	if !ok || obj == nil {
		return nil, nil, nil
	}
	var ref *types.IndirectRef
	if r, ok := obj.(types.IndirectRef); ok {
		ref = &r
	}
	form, err := d.ResolveDict(obj)
	if err != nil {
		return nil, nil, err
	}
	if form == nil {
		return nil, ref, nil
	}
	return form.Clone().(types.Dict), ref, nil
}

// Page returns the page at the 0-based index.
func (d *Document) Page(index int) (*Page, error) {
	if index < 0 || index >= d.ctx.PageCount {
		return nil, fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, index, d.ctx.PageCount)
	}

	dict, ref, inherited, err := d.ctx.PageDict(index+1, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load page %d: %w", index, err)
	}
	if dict == nil || ref == nil {
		return nil, fmt.Errorf("%w: page %d has no object", ErrInvalidPDF, index)
	}

	page := &Page{
		Index:    index,
		Ref:      *ref,
		Dict:     dict.Clone().(types.Dict),
		MediaBox: LetterMediaBox,
	}

	if obj, ok := dict.Find("MediaBox"); ok {
		if rect, err := d.Rect(obj); err == nil {
			page.MediaBox = rect
		}
	} else if inherited != nil && inherited.MediaBox != nil {
		page.MediaBox = *inherited.MediaBox
	}

	if obj, ok := dict.Find("Resources"); ok {
		res, err := d.ResolveDict(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve resources of page %d: %w", index, err)
		}
		page.Resources = res
	} else if inherited != nil {
		page.Resources = inherited.Resources
	}

	return page, nil
}

// Resolve follows indirect references.
func (d *Document) Resolve(obj types.Object) (types.Object, error) {
	return d.ctx.Dereference(obj)
}

// ResolveDict resolves obj to a dictionary. A nil object yields nil.
func (d *Document) ResolveDict(obj types.Object) (types.Dict, error) {
	return d.ctx.DereferenceDict(obj)
}

// ResolveArray resolves obj to an array. A nil object yields nil.
func (d *Document) ResolveArray(obj types.Object) (types.Array, error) {
	return d.ctx.DereferenceArray(obj)
}

// Text resolves obj to a text string. Both literal and hex strings are
// accepted.
func (d *Document) Text(obj types.Object) (string, bool) {
	o, err := d.Resolve(obj)
	if err != nil || o == nil {
		return "", false
	}
	switch v := o.(type) {
	case types.StringLiteral:
		s, err := types.StringLiteralToString(v)
		return s, err == nil
	case types.HexLiteral:
		s, err := types.HexLiteralToString(v)
		return s, err == nil
	}
	return "", false
}

// Number resolves obj to a number.
func (d *Document) Number(obj types.Object) (float64, bool) {
	o, err := d.Resolve(obj)
	if err != nil || o == nil {
		return 0, false
	}
	switch v := o.(type) {
	case types.Integer:
		return float64(v), true
	case types.Float:
		return float64(v), true
	}
	return 0, false
}

// Name resolves obj to a name, without the leading slash.
func (d *Document) Name(obj types.Object) (string, bool) {
	o, err := d.Resolve(obj)
	if err != nil || o == nil {
		return "", false
	}
	n, ok := o.(types.Name)
	return string(n), ok
}

// Rect resolves obj to a normalized rectangle (lower-left corner first).
func (d *Document) Rect(obj types.Object) (types.Rectangle, error) {
	arr, err := d.ResolveArray(obj)
	if err != nil {
		return types.Rectangle{}, fmt.Errorf("%w: %v", ErrInvalidRect, err)
	}
	if len(arr) != 4 {
		return types.Rectangle{}, fmt.Errorf("%w: %d entries", ErrInvalidRect, len(arr))
	}
	var v [4]float64
	for i, o := range arr {
		n, ok := d.Number(o)
		if !ok {
			return types.Rectangle{}, fmt.Errorf("%w: entry %d is not a number", ErrInvalidRect, i)
		}
		v[i] = n
	}
	return types.Rectangle{
		LL: types.Point{X: min(v[0], v[2]), Y: min(v[1], v[3])},
		UR: types.Point{X: max(v[0], v[2]), Y: max(v[1], v[3])},
	}, nil
}

// Signatures returns the signed signature fields of the AcroForm, in field
// order.
func (d *Document) Signatures() ([]*EmbeddedSignature, error) {
	form, _, err := d.AcroForm()
	if err != nil || form == nil {
		return nil, err
	}
	fieldsObj, ok := form.Find("Fields")
	if !ok {
		return nil, nil
	}
	fields, err := d.ResolveArray(fieldsObj)
	if err != nil {
		return nil, err
	}

	var sigs []*EmbeddedSignature
	visited := make(map[int]bool)
	var walk func(arr types.Array, depth int) error
	walk = func(arr types.Array, depth int) error {
		if depth > 32 {
			return nil
		}
		for _, f := range arr {
			if ref, ok := f.(types.IndirectRef); ok {
				if visited[int(ref.ObjectNumber)] {
					continue
				}
				visited[int(ref.ObjectNumber)] = true
			}
			field, err := d.ResolveDict(f)
			if err != nil || field == nil {
				continue
			}
			if kidsObj, ok := field.Find("Kids"); ok {
				if kids, err := d.ResolveArray(kidsObj); err == nil {
					if err := walk(kids, depth+1); err != nil {
						return err
					}
				}
			}
			if ft, _ := d.Name(field["FT"]); ft != "Sig" {
				continue
			}
			sig, err := d.embeddedSignature(field)
			if err != nil {
				return err
			}
			if sig != nil {
				sigs = append(sigs, sig)
			}
		}
		return nil
	}
	if err := walk(fields, 0); err != nil {
		return nil, err
	}
	return sigs, nil
}

func (d *Document) embeddedSignature(field types.Dict) (*EmbeddedSignature, error) {
	v, ok := field.Find("V")
	if !ok {
		return nil, nil
	}
	sigDict, err := d.ResolveDict(v)
	if err != nil || sigDict == nil {
		return nil, err
	}

	sig := &EmbeddedSignature{}
	sig.FieldName, _ = d.Text(field["T"])
	sig.SubFilter, _ = d.Name(sigDict["SubFilter"])

	if br, err := d.ResolveArray(sigDict["ByteRange"]); err == nil && len(br) == 4 {
		for i, o := range br {
			n, _ := d.Number(o)
			sig.ByteRange[i] = int64(n)
		}
	}

	contents, err := d.Resolve(sigDict["Contents"])
	if err != nil {
		return nil, err
	}
	switch c := contents.(type) {
	case types.HexLiteral:
		raw, err := hex.DecodeString(string(c))
		if err != nil {
			return nil, fmt.Errorf("%w: signature contents: %v", ErrInvalidPDF, err)
		}
		sig.Contents = raw
	case types.StringLiteral:
		s, err := types.StringLiteralToString(c)
		if err != nil {
			return nil, fmt.Errorf("%w: signature contents: %v", ErrInvalidPDF, err)
		}
		sig.Contents = []byte(s)
	}
	return sig, nil
}

// SignedData returns the bytes covered by the signature's byte range.
func (d *Document) SignedData(sig *EmbeddedSignature) ([]byte, error) {
	br := sig.ByteRange
	end1 := br[0] + br[1]
	end2 := br[2] + br[3]
	if br[0] < 0 || end1 > br[2] || end2 > int64(len(d.data)) {
		return nil, fmt.Errorf("%w: byte range %v outside document", ErrInvalidPDF, br)
	}
	out := make([]byte, 0, br[1]+br[3])
	out = append(out, d.data[br[0]:end1]...)
	out = append(out, d.data[br[2]:end2]...)
	return out, nil
}

// findStartXRef parses the offset following the last startxref keyword.
func findStartXRef(data []byte) (int64, error) {
	pos := bytes.LastIndex(data, []byte("startxref"))
	if pos == -1 {
		return 0, ErrNoXRef
	}
	rest := data[pos+len("startxref"):]

	i := 0
	for i < len(rest) && isWhitespace(rest[i]) {
		i++
	}
	start := i
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if start == i {
		return 0, fmt.Errorf("%w: missing offset", ErrNoXRef)
	}
	off, err := strconv.ParseInt(string(rest[start:i]), 10, 64)
	if err != nil || off < 0 || off >= int64(len(data)) {
		return 0, fmt.Errorf("%w: invalid offset %q", ErrNoXRef, rest[start:i])
	}
	return off, nil
}

func isClassicXRef(data []byte, offset int64) bool {
	i := int(offset)
	for i < len(data) && isWhitespace(data[i]) {
		i++
	}
	return bytes.HasPrefix(data[i:], []byte("xref"))
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}
