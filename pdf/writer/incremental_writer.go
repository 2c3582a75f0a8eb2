// Package writer appends incremental updates to existing PDF files.
//
// Incremental updates leave the original bytes untouched and append new
// object versions, a cross-reference section and a trailer chained to the
// previous one with /Prev. This keeps earlier signatures valid and makes
// the output a pure function of its inputs: objects are written in number
// order, dictionary keys are sorted and no clocks or random identifiers are
// involved.
package writer

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/georgepadayatti/signflow/pdf/reader"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Common errors for incremental writer
var (
	ErrUnsupportedObject = errors.New("unsupported object type")
	ErrNoChanges         = errors.New("incremental update has no objects")
)

// Output is the result of writing an incremental update.
type Output struct {
	// Data is the original document followed by the update.
	Data []byte
	// UpdateOffset is where the appended section starts in Data.
	UpdateOffset int64
	// ContentsOffset is the offset of a ContentsPlaceholder's opening '<',
	// or -1 when none was written.
	ContentsOffset int64
	// ContentsLength is the written length of the placeholder, brackets
	// included.
	ContentsLength int64
	// ByteRangeOffset is the offset of a ByteRangePlaceholder, or -1.
	ByteRangeOffset int64
}

type entry struct {
	obj    types.Object
	stream *Stream
}

// IncrementalWriter collects new and replaced objects for one update.
type IncrementalWriter struct {
	doc     *reader.Document
	objects map[int]*entry
	next    int
}

// NewIncrementalWriter creates a writer appending to doc.
func NewIncrementalWriter(doc *reader.Document) *IncrementalWriter {
	next := doc.Size()
	if next < 1 {
		next = 1
	}
	return &IncrementalWriter{
		doc:     doc,
		objects: make(map[int]*entry),
		next:    next,
	}
}

// Document returns the document being updated.
func (w *IncrementalWriter) Document() *reader.Document {
	return w.doc
}

// NextObjectNumber returns the number the next added object will get.
func (w *IncrementalWriter) NextObjectNumber() int {
	return w.next
}

// Add allocates a new object.
func (w *IncrementalWriter) Add(obj types.Object) types.IndirectRef {
	num := w.next
	w.next++
	w.objects[num] = &entry{obj: obj}
	return Ref(num)
}

// AddStream allocates a new stream object.
func (w *IncrementalWriter) AddStream(st *Stream) types.IndirectRef {
	num := w.next
	w.next++
	w.objects[num] = &entry{stream: st}
	return Ref(num)
}

// Update replaces an existing object with a new version.
func (w *IncrementalWriter) Update(ref types.IndirectRef, obj types.Object) {
	w.objects[int(ref.ObjectNumber)] = &entry{obj: obj}
}

// Pending returns the dictionary queued for ref, if any. Callers use it to
// accumulate several edits of the same object in one update.
func (w *IncrementalWriter) Pending(ref types.IndirectRef) (types.Dict, bool) {
	e, ok := w.objects[int(ref.ObjectNumber)]
	if !ok || e.obj == nil {
		return nil, false
	}
	d, ok := e.obj.(types.Dict)
	return d, ok
}

// EditPage returns the working copy of a page dictionary, queuing it for
// update. Repeated calls for the same page return the same dictionary.
func (w *IncrementalWriter) EditPage(page *reader.Page) types.Dict {
	if d, ok := w.Pending(page.Ref); ok {
		return d
	}
	d := page.Dict.Clone().(types.Dict)
	w.Update(page.Ref, d)
	return d
}

// AppendAnnotation adds annot to the page's /Annots array.
func (w *IncrementalWriter) AppendAnnotation(page *reader.Page, annot types.IndirectRef) error {
	dict := w.EditPage(page)
	var annots types.Array
	if obj, ok := dict.Find("Annots"); ok {
		existing, err := w.doc.ResolveArray(obj)
		if err != nil {
			return fmt.Errorf("failed to resolve /Annots of page %d: %w", page.Index, err)
		}
		annots = append(annots, existing...)
	}
	dict["Annots"] = append(annots, annot)
	return nil
}

// Write serializes the update and returns the complete document.
func (w *IncrementalWriter) Write() (*Output, error) {
	if len(w.objects) == 0 {
		return nil, ErrNoChanges
	}

	original := w.doc.Bytes()
	var buf bytes.Buffer
	buf.Grow(len(original) + 4096)
	buf.Write(original)
	if n := len(original); n > 0 && original[n-1] != '\n' && original[n-1] != '\r' {
		buf.WriteByte('\n')
	}
	updateOffset := int64(buf.Len())

	ser := newSerializer(&buf, 0)
	nums := w.objectNumbers()
	offsets := make(map[int]int64, len(nums)+1)
	for _, num := range nums {
		offsets[num] = ser.offset()
		e := w.objects[num]
		var err error
		if e.stream != nil {
			err = ser.writeStream(num, e.stream)
		} else {
			err = ser.writeIndirect(num, e.obj)
		}
		if err != nil {
			return nil, err
		}
	}

	id := w.documentID(buf.Bytes()[updateOffset:])

	if w.doc.UsesXRefStream() {
		if err := w.writeXRefStream(ser, offsets, id); err != nil {
			return nil, err
		}
	} else {
		if err := w.writeXRefTable(ser, offsets, id); err != nil {
			return nil, err
		}
	}

	return &Output{
		Data:            buf.Bytes(),
		UpdateOffset:    updateOffset,
		ContentsOffset:  ser.contentsOffset,
		ContentsLength:  ser.contentsLength,
		ByteRangeOffset: ser.byteRangeOffset,
	}, nil
}

func (w *IncrementalWriter) objectNumbers() []int {
	nums := make([]int, 0, len(w.objects))
	for num := range w.objects {
		nums = append(nums, num)
	}
	sort.Ints(nums)
	return nums
}

// documentID keeps the first identifier of the original file and derives
// the second from the update body.
func (w *IncrementalWriter) documentID(body []byte) types.Array {
	sum := sha256.Sum256(body)
	updated := types.HexLiteral(strings.ToUpper(hex.EncodeToString(sum[:16])))

	if id := w.doc.ID(); len(id) == 2 && id[0] != nil {
		return types.Array{id[0], updated}
	}
	orig := sha256.Sum256(w.doc.Bytes())
	return types.Array{types.HexLiteral(strings.ToUpper(hex.EncodeToString(orig[:16]))), updated}
}

func (w *IncrementalWriter) trailerEntries(size int, id types.Array) types.Dict {
	d := types.Dict{
		"Size": types.Integer(size),
		"Prev": types.Integer(w.doc.StartXRef()),
		"Root": w.doc.Root(),
		"ID":   id,
	}
	if info := w.doc.Info(); info != nil {
		d["Info"] = *info
	}
	return d
}

func (w *IncrementalWriter) size(extra int) int {
	size := w.doc.Size()
	if w.next+extra > size {
		size = w.next + extra
	}
	return size
}

// subsections groups sorted object numbers into consecutive runs.
func subsections(nums []int) [][]int {
	var out [][]int
	for i := 0; i < len(nums); {
		j := i + 1
		for j < len(nums) && nums[j] == nums[j-1]+1 {
			j++
		}
		out = append(out, nums[i:j])
		i = j
	}
	return out
}

func (w *IncrementalWriter) writeXRefTable(ser *serializer, offsets map[int]int64, id types.Array) error {
	xrefOffset := ser.offset()
	buf := ser.buf

	buf.WriteString("xref\n")
	for _, run := range subsections(w.objectNumbers()) {
		fmt.Fprintf(buf, "%d %d\n", run[0], len(run))
		for _, num := range run {
			fmt.Fprintf(buf, "%010d %05d n \n", offsets[num], 0)
		}
	}

	buf.WriteString("trailer\n")
	if err := ser.writeDict(w.trailerEntries(w.size(0), id)); err != nil {
		return err
	}
	fmt.Fprintf(buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return nil
}

func (w *IncrementalWriter) writeXRefStream(ser *serializer, offsets map[int]int64, id types.Array) error {
	xrefNum := w.next
	xrefOffset := ser.offset()
	offsets[xrefNum] = xrefOffset

	nums := append(w.objectNumbers(), xrefNum)

	width := 4
	if xrefOffset > 0xFFFFFFFF {
		width = 8
	}

	var data bytes.Buffer
	var index types.Array
	for _, run := range subsections(nums) {
		index = append(index, types.Integer(run[0]), types.Integer(len(run)))
		for _, num := range run {
			data.WriteByte(1)
			var off [8]byte
			binary.BigEndian.PutUint64(off[:], uint64(offsets[num]))
			data.Write(off[8-width:])
			data.Write([]byte{0, 0})
		}
	}

	dict := w.trailerEntries(w.size(1), id)
	dict["Type"] = types.Name("XRef")
	dict["W"] = types.Array{types.Integer(1), types.Integer(width), types.Integer(2)}
	dict["Index"] = index

	if err := ser.writeStream(xrefNum, NewStream(dict, data.Bytes())); err != nil {
		return err
	}
	fmt.Fprintf(ser.buf, "startxref\n%d\n%%%%EOF\n", xrefOffset)
	return nil
}
