package stamp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/georgepadayatti/signflow/pdf/images"
	"github.com/georgepadayatti/signflow/pdf/reader"
	"github.com/georgepadayatti/signflow/pdf/text"
	"github.com/georgepadayatti/signflow/pdf/writer"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// ErrInvalidStamp is returned for stamps that cannot be placed.
var ErrInvalidStamp = errors.New("invalid stamp")

// overlayBaseName is the preferred XObject name of the page overlay.
const overlayBaseName = "SfOverlay"

// Render draws opts onto every page of pdf and returns the document with
// one appended incremental update. The original bytes are left untouched
// and identical inputs produce identical output.
func Render(pdf []byte, opts Options) ([]byte, error) {
	doc, err := reader.Open(pdf)
	if err != nil {
		return nil, err
	}

	byPage := make(map[int][]SignerStamp)
	for _, s := range opts.Stamps {
		if s.Page < 0 || s.Page >= doc.PageCount() {
			return nil, fmt.Errorf("%w: page %d of %d", ErrInvalidStamp, s.Page, doc.PageCount())
		}
		if s.Image == nil {
			return nil, fmt.Errorf("%w: no image for page %d", ErrInvalidStamp, s.Page)
		}
		byPage[s.Page] = append(byPage[s.Page], s)
	}

	if opts.Watermark == nil && opts.Badge == nil && len(byPage) == 0 {
		out := make([]byte, len(pdf))
		copy(out, pdf)
		return out, nil
	}

	r := &renderer{
		w:      writer.NewIncrementalWriter(doc),
		opts:   opts,
		images: make(map[*images.Image]types.IndirectRef),
		tails:  make(map[string]types.IndirectRef),
	}
	for i := 0; i < doc.PageCount(); i++ {
		if opts.Watermark == nil && opts.Badge == nil && len(byPage[i]) == 0 {
			continue
		}
		if err := r.page(i, byPage[i]); err != nil {
			return nil, err
		}
	}

	out, err := r.w.Write()
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

type renderer struct {
	w      *writer.IncrementalWriter
	opts   Options
	fonts  types.Dict
	gs     types.Dict
	head   *types.IndirectRef
	images map[*images.Image]types.IndirectRef
	tails  map[string]types.IndirectRef
}

// page installs the overlay on page index i.
func (r *renderer) page(i int, stamps []SignerStamp) error {
	doc := r.w.Document()
	page, err := doc.Page(i)
	if err != nil {
		return err
	}

	var content bytes.Buffer
	xobjects := types.Dict{}
	if r.opts.Watermark != nil {
		r.opts.Watermark.draw(&content)
	}
	if r.opts.Badge != nil {
		r.opts.Badge.draw(&content)
	}
	for n, s := range stamps {
		name := "Im" + strconv.Itoa(n+1)
		xobjects[name] = r.image(s.Image)
		drawImage(&content, name, s.Box)
	}

	resources := types.Dict{
		"Font":      r.fontResources(),
		"ExtGState": r.graphicsStates(),
	}
	if len(xobjects) > 0 {
		resources["XObject"] = xobjects
	}
	mb := page.MediaBox
	form := writer.NewStream(types.Dict{
		"Type":      types.Name("XObject"),
		"Subtype":   types.Name("Form"),
		"BBox":      writer.Rect(mb.LL.X, mb.LL.Y, mb.UR.X, mb.UR.Y),
		"Resources": resources,
	}, content.Bytes())
	formRef := r.w.AddStream(form)

	pageRes, err := r.pageResources(page)
	if err != nil {
		return err
	}
	pageXObjects, err := r.resolvedCopy(pageRes["XObject"])
	if err != nil {
		return fmt.Errorf("failed to resolve XObject resources of page %d: %w", i, err)
	}
	name := freeName(pageXObjects, overlayBaseName)
	pageXObjects[name] = formRef
	pageRes["XObject"] = pageXObjects

	contents, err := r.contents(page)
	if err != nil {
		return fmt.Errorf("failed to resolve contents of page %d: %w", i, err)
	}
	wrapped := types.Array{r.headStream()}
	wrapped = append(wrapped, contents...)
	wrapped = append(wrapped, r.tailStream(name))

	dict := r.w.EditPage(page)
	dict["Resources"] = pageRes
	dict["Contents"] = wrapped
	return nil
}

// pageResources returns a private copy of the effective page resources.
func (r *renderer) pageResources(page *reader.Page) (types.Dict, error) {
	if page.Resources == nil {
		return types.Dict{}, nil
	}
	return page.Resources.Clone().(types.Dict), nil
}

// resolvedCopy resolves obj to a dictionary and copies it.
func (r *renderer) resolvedCopy(obj types.Object) (types.Dict, error) {
	if obj == nil {
		return types.Dict{}, nil
	}
	d, err := r.w.Document().ResolveDict(obj)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return types.Dict{}, nil
	}
	return d.Clone().(types.Dict), nil
}

// contents returns the page's content stream references in order.
func (r *renderer) contents(page *reader.Page) (types.Array, error) {
	obj, ok := page.Dict.Find("Contents")
	if !ok || obj == nil {
		return nil, nil
	}
	if ref, ok := obj.(types.IndirectRef); ok {
		resolved, err := r.w.Document().Resolve(ref)
		if err != nil {
			return nil, err
		}
		if arr, ok := resolved.(types.Array); ok {
			return append(types.Array(nil), arr...), nil
		}
		return types.Array{ref}, nil
	}
	if arr, ok := obj.(types.Array); ok {
		return append(types.Array(nil), arr...), nil
	}
	return nil, fmt.Errorf("%w: unexpected /Contents %T", reader.ErrInvalidPDF, obj)
}

func (r *renderer) headStream() types.IndirectRef {
	if r.head == nil {
		ref := r.w.AddStream(writer.NewStream(nil, []byte("q")))
		r.head = &ref
	}
	return *r.head
}

func (r *renderer) tailStream(name string) types.IndirectRef {
	if ref, ok := r.tails[name]; ok {
		return ref
	}
	ref := r.w.AddStream(writer.NewStream(nil, []byte("Q q /"+name+" Do Q")))
	r.tails[name] = ref
	return ref
}

func (r *renderer) image(img *images.Image) types.IndirectRef {
	if ref, ok := r.images[img]; ok {
		return ref
	}
	ref := img.Add(r.w)
	r.images[img] = ref
	return ref
}

func (r *renderer) fontResources() types.Dict {
	if r.fonts == nil {
		font := func(base text.Font) types.IndirectRef {
			return r.w.Add(types.Dict{
				"Type":     types.Name("Font"),
				"Subtype":  types.Name("Type1"),
				"BaseFont": types.Name(base),
				"Encoding": types.Name("WinAnsiEncoding"),
			})
		}
		r.fonts = types.Dict{
			fontRegular: font(text.Helvetica),
			fontBold:    font(text.HelveticaBold),
		}
	}
	return r.fonts
}

func (r *renderer) graphicsStates() types.Dict {
	if r.gs == nil {
		alpha := func(a float64) types.Dict {
			return types.Dict{"Type": types.Name("ExtGState"), "ca": types.Float(a), "CA": types.Float(a)}
		}
		r.gs = types.Dict{}
		if wm := r.opts.Watermark; wm != nil {
			r.gs[gsWatermark] = alpha(wm.Opacity)
		}
		if b := r.opts.Badge; b != nil {
			r.gs[gsBadge] = alpha(b.Opacity)
		}
	}
	return r.gs
}

// freeName returns base, or base followed by the smallest number that is
// not already a key of d.
func freeName(d types.Dict, base string) string {
	if _, taken := d[base]; !taken {
		return base
	}
	for n := 1; ; n++ {
		candidate := base + strconv.Itoa(n)
		if _, taken := d[candidate]; !taken {
			return candidate
		}
	}
}
