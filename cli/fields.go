package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/signflow/pdf/reader"
	"github.com/georgepadayatti/signflow/sign/fields"
	"github.com/georgepadayatti/signflow/sign/pades"
)

// FieldsOutput lists a PDF's signer markers and embedded signatures.
type FieldsOutput struct {
	Pages      int               `json:"pages"`
	Markers    []MarkerResult    `json:"markers"`
	Signatures []SignatureResult `json:"signatures"`
}

// MarkerResult is one signer marker and the box a stamp would fill.
type MarkerResult struct {
	Page     int        `json:"page"`
	Position int        `json:"position"`
	Rect     [4]float64 `json:"rect"`
	Box      [4]float64 `json:"box"`
}

// SignatureResult is the integrity check of one embedded signature.
type SignatureResult struct {
	FieldName      string `json:"field_name"`
	Status         string `json:"status"`
	Signer         string `json:"signer,omitempty"`
	SigningTime    string `json:"signing_time,omitempty"`
	SubFilter      string `json:"sub_filter,omitempty"`
	CoversDocument bool   `json:"covers_document"`
	Error          string `json:"error,omitempty"`
}

func newFieldsCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "fields [flags] INPUT_PDF",
		Short: "List signer markers and verify embedded signatures",
		Long: `List the signer position markers of a PDF with the signature box each
one yields, then check the integrity of every embedded signature. Exits
non-zero when a signature is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			out, err := inspect(data)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			} else {
				writeFieldsText(cmd.OutOrStdout(), out)
			}
			for _, s := range out.Signatures {
				if s.Status != "VALID" {
					return fmt.Errorf("signature %s is invalid", s.FieldName)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output results in JSON format")
	return cmd
}

func inspect(pdf []byte) (*FieldsOutput, error) {
	doc, err := reader.Open(pdf)
	if err != nil {
		return nil, err
	}
	fm, err := fields.Locate(doc)
	if err != nil {
		return nil, err
	}
	out := &FieldsOutput{Pages: doc.PageCount(), Markers: []MarkerResult{}, Signatures: []SignatureResult{}}
	for _, pageIndex := range fm.Pages() {
		page, err := doc.Page(pageIndex)
		if err != nil {
			return nil, err
		}
		for _, pos := range fm.Positions(pageIndex) {
			for _, rect := range fm[pageIndex][pos] {
				box := fields.DefaultSignatureBox(rect, page)
				out.Markers = append(out.Markers, MarkerResult{
					Page:     pageIndex + 1,
					Position: pos,
					Rect:     [4]float64{rect.LL.X, rect.LL.Y, rect.UR.X, rect.UR.Y},
					Box:      [4]float64{box.XMin, box.YMin, box.XMax, box.YMax},
				})
			}
		}
	}

	statuses, err := pades.Verify(pdf)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		r := SignatureResult{
			FieldName:      st.FieldName,
			Status:         "VALID",
			Signer:         st.Signer,
			SubFilter:      st.SubFilter,
			CoversDocument: st.CoversDocument,
		}
		if !st.SigningTime.IsZero() {
			r.SigningTime = st.SigningTime.UTC().Format(time.RFC3339)
		}
		if !st.Valid() {
			r.Status = "INVALID"
			r.Error = st.Err.Error()
		}
		out.Signatures = append(out.Signatures, r)
	}
	return out, nil
}

func writeFieldsText(w io.Writer, out *FieldsOutput) {
	fmt.Fprintf(w, "Pages: %d\n\n", out.Pages)
	fmt.Fprintf(w, "Markers: %d\n", len(out.Markers))
	for _, m := range out.Markers {
		fmt.Fprintf(w, "  page %d, position %d: box [%.2f %.2f %.2f %.2f]\n",
			m.Page, m.Position, m.Box[0], m.Box[1], m.Box[2], m.Box[3])
	}
	fmt.Fprintf(w, "\nSignatures: %d\n", len(out.Signatures))
	for _, s := range out.Signatures {
		fmt.Fprintf(w, "  %s: %s", s.FieldName, s.Status)
		if s.Signer != "" {
			fmt.Fprintf(w, " (%s)", s.Signer)
		}
		if !s.CoversDocument {
			fmt.Fprint(w, ", followed by later revisions")
		}
		if s.Error != "" {
			fmt.Fprintf(w, ": %s", s.Error)
		}
		fmt.Fprintln(w)
	}
}
