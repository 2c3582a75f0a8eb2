// Package fields provides signature field management utilities: locating
// signer positions marked in a document, sizing signature boxes and
// building signature field dictionaries.
package fields

import (
	"errors"
	"fmt"

	"github.com/georgepadayatti/signflow/pdf/reader"
	"github.com/georgepadayatti/signflow/pdf/writer"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Common errors
var (
	ErrNoSignatureField   = errors.New("no signature field found")
	ErrFieldAlreadyExists = errors.New("signature field already exists")
	ErrInvalidFieldSpec   = errors.New("invalid signature field specification")
)

// SigSeedSubFilter is a signature dictionary /SubFilter value.
type SigSeedSubFilter string

const (
	SubFilterAdobePKCS7Detached SigSeedSubFilter = "adbe.pkcs7.detached"
	SubFilterETSICAdESDetached  SigSeedSubFilter = "ETSI.CAdES.detached"
)

// Annotation flags: Print | Locked.
const widgetFlags = 4 | 128

// AcroForm SigFlags: SignaturesExist | AppendOnly.
const (
	SigFlagSignaturesExist = 1
	SigFlagAppendOnly      = 2
)

// SigFieldSpec specifies a signature field to create.
type SigFieldSpec struct {
	// SigFieldName is the name of the signature field.
	SigFieldName string

	// OnPage is the page index (0-based) the widget is attached to.
	OnPage int

	// Box is the widget rectangle. A nil box makes the signature invisible.
	Box *SignatureBox
}

// Rect returns the widget /Rect for the spec.
func (s *SigFieldSpec) Rect() types.Array {
	if s.Box == nil {
		return writer.Rect(0, 0, 0, 0)
	}
	return writer.Rect(s.Box.XMin, s.Box.YMin, s.Box.XMax, s.Box.YMax)
}

// CreateSignatureField creates a merged signature field and widget
// annotation dictionary.
func CreateSignatureField(spec *SigFieldSpec, page types.IndirectRef) (types.Dict, error) {
	if spec.SigFieldName == "" {
		return nil, fmt.Errorf("%w: field name is required", ErrInvalidFieldSpec)
	}
	if spec.OnPage < 0 {
		return nil, fmt.Errorf("%w: page %d", ErrInvalidFieldSpec, spec.OnPage)
	}

	return types.Dict{
		"FT":      types.Name("Sig"),
		"T":       writer.TextString(spec.SigFieldName),
		"Type":    types.Name("Annot"),
		"Subtype": types.Name("Widget"),
		"F":       types.Integer(widgetFlags),
		"P":       page,
		"Rect":    spec.Rect(),
	}, nil
}

// FieldNames returns the fully qualified names of all terminal fields in
// the document's AcroForm.
func FieldNames(doc *reader.Document) ([]string, error) {
	form, _, err := doc.AcroForm()
	if err != nil || form == nil {
		return nil, err
	}
	fields, err := doc.ResolveArray(form["Fields"])
	if err != nil {
		return nil, err
	}

	var names []string
	visited := make(map[int]bool)
	var walk func(arr types.Array, prefix string, depth int)
	walk = func(arr types.Array, prefix string, depth int) {
		if depth > 32 {
			return
		}
		for _, f := range arr {
			if ref, ok := f.(types.IndirectRef); ok {
				if visited[int(ref.ObjectNumber)] {
					continue
				}
				visited[int(ref.ObjectNumber)] = true
			}
			field, err := doc.ResolveDict(f)
			if err != nil || field == nil {
				continue
			}
			name := prefix
			if t, ok := doc.Text(field["T"]); ok {
				if name != "" {
					name += "."
				}
				name += t
			}
			if kids, err := doc.ResolveArray(field["Kids"]); err == nil && len(kids) > 0 {
				walk(kids, name, depth+1)
				continue
			}
			if name != "" {
				names = append(names, name)
			}
		}
	}
	walk(fields, "", 0)
	return names, nil
}

// EnsureUniqueName returns ErrFieldAlreadyExists when the document already
// has a field called name.
func EnsureUniqueName(doc *reader.Document, name string) error {
	names, err := FieldNames(doc)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == name {
			return fmt.Errorf("%w: %s", ErrFieldAlreadyExists, name)
		}
	}
	return nil
}

// EnsureSigFlags sets flags on the AcroForm /SigFlags entry.
func EnsureSigFlags(acroForm types.Dict, flags int) {
	current := 0
	if f, ok := acroForm["SigFlags"].(types.Integer); ok {
		current = int(f)
	}
	acroForm["SigFlags"] = types.Integer(current | flags)
}
