// Package pades prepares and finalizes PAdES signatures in two phases, for
// signers that return the signature value asynchronously.
//
// Prepare appends an incremental update holding the signature field, its
// widget and a signature dictionary whose /Contents is a zero-filled
// placeholder. The digest over the byte range around that placeholder is
// what gets signed. Finalize later embeds the CMS structure into exactly
// that placeholder, so the prepared bytes must be kept until then.
package pades

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/georgepadayatti/signflow/pdf/images"
	"github.com/georgepadayatti/signflow/pdf/reader"
	"github.com/georgepadayatti/signflow/pdf/text"
	"github.com/georgepadayatti/signflow/pdf/writer"
	"github.com/georgepadayatti/signflow/sign/cms"
	"github.com/georgepadayatti/signflow/sign/fields"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// DefaultBytesReserved is the room kept for the CMS structure.
const DefaultBytesReserved = 16384

// Common errors
var (
	ErrSignatureTooLarge = errors.New("signature does not fit the reserved space")
	ErrBaseMismatch      = errors.New("base document does not match the prepared signature")
	ErrInvalidContext    = errors.New("invalid signing context")
)

// PrepareOptions describes the signature to prepare.
type PrepareOptions struct {
	FieldName string
	// Page is the 0-based page the widget is attached to.
	Page int
	// Box is the widget rectangle; nil prepares an invisible signature.
	Box *fields.SignatureBox
	// Appearance is drawn stretched over Box when both are set.
	Appearance  *images.Image
	Name        string
	Reason      string
	Location    string
	ContactInfo string
	SigningTime time.Time
	// BytesReserved defaults to DefaultBytesReserved.
	BytesReserved int
	// SubFilter defaults to ETSI.CAdES.detached.
	SubFilter fields.SigSeedSubFilter
}

// Prepared is the outcome of Prepare.
type Prepared struct {
	// Data is the full document with the placeholder in place.
	Data           []byte
	ByteRange      [4]int64
	ContentsOffset int64
	ContentsLength int64
	// Digest is the SHA-256 digest of the byte range.
	Digest []byte
	// BaseDigest is the SHA-256 digest of the input document.
	BaseDigest []byte
	// BaseLength is the length of the input document.
	BaseLength int64
}

// Update returns the bytes Prepare appended to the input document.
func (p *Prepared) Update() []byte {
	return p.Data[p.BaseLength:]
}

// SignedBytes returns the bytes covered by the byte range.
func (p *Prepared) SignedBytes() []byte {
	return byteRangeContent(p.Data, p.ByteRange)
}

// Prepare appends the signature field and the placeholder to pdf.
func Prepare(pdf []byte, opts PrepareOptions) (*Prepared, error) {
	if opts.FieldName == "" {
		return nil, fmt.Errorf("%w: field name is required", fields.ErrInvalidFieldSpec)
	}
	if opts.BytesReserved <= 0 {
		opts.BytesReserved = DefaultBytesReserved
	}
	if opts.SubFilter == "" {
		opts.SubFilter = fields.SubFilterETSICAdESDetached
	}

	doc, err := reader.Open(pdf)
	if err != nil {
		return nil, err
	}
	if err := fields.EnsureUniqueName(doc, opts.FieldName); err != nil {
		return nil, err
	}
	page, err := doc.Page(opts.Page)
	if err != nil {
		return nil, err
	}

	w := writer.NewIncrementalWriter(doc)

	sigRef := w.Add(signatureDict(opts))

	field, err := fields.CreateSignatureField(&fields.SigFieldSpec{
		SigFieldName: opts.FieldName,
		OnPage:       opts.Page,
		Box:          opts.Box,
	}, page.Ref)
	if err != nil {
		return nil, err
	}
	field["V"] = sigRef
	if opts.Box != nil && opts.Appearance != nil {
		field["AP"] = types.Dict{"N": appearance(w, opts.Box, opts.Appearance)}
	}
	fieldRef := w.Add(field)

	if err := w.AppendAnnotation(page, fieldRef); err != nil {
		return nil, err
	}
	if err := registerField(w, fieldRef); err != nil {
		return nil, err
	}

	out, err := w.Write()
	if err != nil {
		return nil, err
	}
	if out.ContentsOffset < 0 || out.ByteRangeOffset < 0 {
		return nil, fmt.Errorf("%w: placeholders were not written", ErrInvalidContext)
	}

	data := out.Data
	start := out.ContentsOffset
	end := start + out.ContentsLength
	br := [4]int64{0, start, end, int64(len(data)) - end}
	copy(data[out.ByteRangeOffset:], writer.FormatByteRange(br))

	digest := sha256.Sum256(byteRangeContent(data, br))
	base := sha256.Sum256(pdf)

	return &Prepared{
		Data:           data,
		ByteRange:      br,
		ContentsOffset: out.ContentsOffset,
		ContentsLength: out.ContentsLength,
		Digest:         digest[:],
		BaseDigest:     base[:],
		BaseLength:     int64(len(pdf)),
	}, nil
}

func signatureDict(opts PrepareOptions) types.Dict {
	d := types.Dict{
		"Type":      types.Name("Sig"),
		"Filter":    types.Name("Adobe.PPKLite"),
		"SubFilter": types.Name(opts.SubFilter),
		"Contents":  writer.ContentsPlaceholder{Size: opts.BytesReserved},
		"ByteRange": writer.ByteRangePlaceholder{},
	}
	if !opts.SigningTime.IsZero() {
		d["M"] = writer.Literal(types.DateString(opts.SigningTime))
	}
	optional := map[string]string{
		"Name":        opts.Name,
		"Reason":      opts.Reason,
		"Location":    opts.Location,
		"ContactInfo": opts.ContactInfo,
	}
	for k, v := range optional {
		if v != "" {
			d[k] = writer.TextString(v)
		}
	}
	return d
}

// appearance builds the widget's normal appearance: the image stretched
// over the box.
func appearance(w *writer.IncrementalWriter, box *fields.SignatureBox, img *images.Image) types.IndirectRef {
	imgRef := img.Add(w)
	wd, ht := box.Width(), box.Height()
	content := fmt.Sprintf("q %s 0 0 %s 0 0 cm /Im1 Do Q", text.Num(wd), text.Num(ht))
	return w.AddStream(writer.NewStream(types.Dict{
		"Type":      types.Name("XObject"),
		"Subtype":   types.Name("Form"),
		"BBox":      writer.Rect(0, 0, wd, ht),
		"Resources": types.Dict{"XObject": types.Dict{"Im1": imgRef}},
	}, []byte(content)))
}

// registerField adds the field to the AcroForm, creating the form when the
// document has none, and sets SigFlags.
func registerField(w *writer.IncrementalWriter, fieldRef types.IndirectRef) error {
	doc := w.Document()
	form, formRef, err := doc.AcroForm()
	if err != nil {
		return err
	}

	if form == nil {
		form = types.Dict{}
	}
	var fieldsArr types.Array
	if obj, ok := form.Find("Fields"); ok {
		existing, err := doc.ResolveArray(obj)
		if err != nil {
			return fmt.Errorf("failed to resolve AcroForm fields: %w", err)
		}
		fieldsArr = append(fieldsArr, existing...)
	}
	form["Fields"] = append(fieldsArr, fieldRef)
	fields.EnsureSigFlags(form, fields.SigFlagSignaturesExist|fields.SigFlagAppendOnly)

	if formRef != nil {
		w.Update(*formRef, form)
		return nil
	}

	catalog, err := doc.Catalog()
	if err != nil {
		return err
	}
	catalog["AcroForm"] = w.Add(form)
	w.Update(doc.Root(), catalog)
	return nil
}

// Context is everything Finalize needs besides the base document and the
// signature value. It is small enough to cache: the base document itself
// is only referenced by its digest.
type Context struct {
	BaseDigest       []byte   `json:"base_digest"`
	Update           []byte   `json:"update"`
	ByteRange        [4]int64 `json:"byte_range"`
	ContentsOffset   int64    `json:"contents_offset"`
	ContentsLength   int64    `json:"contents_length"`
	SignedAttributes []byte   `json:"signed_attributes"`
	DocumentDigest   []byte   `json:"document_digest"`
	DigestAlgorithm  string   `json:"digest_algorithm"`
	// Certificates is the DER chain, signer first.
	Certificates [][]byte  `json:"certificates"`
	SigningTime  time.Time `json:"signing_time"`
}

// NewContext captures a prepared signature and its signed attributes.
func NewContext(p *Prepared, signedAttrs []byte, chain []*x509.Certificate, signingTime time.Time) Context {
	certs := make([][]byte, len(chain))
	for i, c := range chain {
		certs[i] = c.Raw
	}
	return Context{
		BaseDigest:       p.BaseDigest,
		Update:           append([]byte(nil), p.Update()...),
		ByteRange:        p.ByteRange,
		ContentsOffset:   p.ContentsOffset,
		ContentsLength:   p.ContentsLength,
		SignedAttributes: signedAttrs,
		DocumentDigest:   p.Digest,
		DigestAlgorithm:  "SHA-256",
		Certificates:     certs,
		SigningTime:      signingTime,
	}
}

// Chain parses the context's certificate chain.
func (c *Context) Chain() ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(c.Certificates))
	for i, der := range c.Certificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %v", ErrInvalidContext, i, err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no certificates", ErrInvalidContext)
	}
	return chain, nil
}

// Finalize rebuilds the prepared document from base and the context,
// wraps signature in a CMS structure and embeds it.
func Finalize(base []byte, sc Context, signature []byte) ([]byte, error) {
	sum := sha256.Sum256(base)
	if !bytes.Equal(sum[:], sc.BaseDigest) {
		return nil, ErrBaseMismatch
	}

	full := make([]byte, 0, len(base)+len(sc.Update))
	full = append(full, base...)
	full = append(full, sc.Update...)
	if sc.ByteRange[2]+sc.ByteRange[3] != int64(len(full)) {
		return nil, fmt.Errorf("%w: byte range %v does not cover %d bytes", ErrInvalidContext, sc.ByteRange, len(full))
	}
	digest := sha256.Sum256(byteRangeContent(full, sc.ByteRange))
	if !bytes.Equal(digest[:], sc.DocumentDigest) {
		return nil, fmt.Errorf("%w: document digest changed", ErrInvalidContext)
	}

	chain, err := sc.Chain()
	if err != nil {
		return nil, err
	}
	builder := &cms.Builder{Certificates: chain, SigningTime: sc.SigningTime}
	signed, err := builder.Assemble(sc.SignedAttributes, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble CMS: %w", err)
	}
	return Embed(full, sc.ContentsOffset, sc.ContentsLength, signed)
}

// Embed writes signed into the /Contents placeholder as upper-case hex,
// zero-padded to the placeholder size. full is not modified.
func Embed(full []byte, contentsOffset, contentsLength int64, signed []byte) ([]byte, error) {
	end := contentsOffset + contentsLength
	if contentsOffset < 0 || contentsLength < 2 || end > int64(len(full)) ||
		full[contentsOffset] != '<' || full[end-1] != '>' {
		return nil, fmt.Errorf("%w: no placeholder at %d", ErrInvalidContext, contentsOffset)
	}
	encoded := strings.ToUpper(hex.EncodeToString(signed))
	if int64(len(encoded)) > contentsLength-2 {
		return nil, fmt.Errorf("%w: %d bytes, room for %d", ErrSignatureTooLarge, len(signed), (contentsLength-2)/2)
	}

	out := make([]byte, len(full))
	copy(out, full)
	copy(out[contentsOffset+1:], encoded)
	for i := contentsOffset + 1 + int64(len(encoded)); i < end-1; i++ {
		out[i] = '0'
	}
	return out, nil
}

func byteRangeContent(data []byte, br [4]int64) []byte {
	out := make([]byte, 0, br[1]+br[3])
	out = append(out, data[br[0]:br[0]+br[1]]...)
	out = append(out, data[br[2]:br[2]+br[3]]...)
	return out
}
