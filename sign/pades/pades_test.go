package pades

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/georgepadayatti/signflow/pdf/images"
	"github.com/georgepadayatti/signflow/pdf/pdftest"
	"github.com/georgepadayatti/signflow/pdf/reader"
	"github.com/georgepadayatti/signflow/sign/cms"
	"github.com/georgepadayatti/signflow/sign/fields"
	"github.com/georgepadayatti/signflow/sign/signtest"
)

var signingTime = time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

func testAppearance(t *testing.T) *images.Image {
	t.Helper()
	src := image.NewNRGBA(image.Rect(0, 0, 8, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			src.Set(x, y, color.NRGBA{R: 20, G: 40, B: 200, A: 255})
		}
	}
	img, err := images.FromImage(src)
	if err != nil {
		t.Fatalf("Failed to build appearance: %v", err)
	}
	return img
}

// prepareContext runs the first phase the way the workflow does.
func prepareContext(t *testing.T, s *signtest.Signer, base []byte, opts PrepareOptions) (*Prepared, Context) {
	t.Helper()
	prepared, err := Prepare(base, opts)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	b := &cms.Builder{Certificates: s.Chain(), SigningTime: signingTime}
	attrs, err := b.SignedAttributes(prepared.Digest)
	if err != nil {
		t.Fatalf("SignedAttributes failed: %v", err)
	}
	return prepared, NewContext(prepared, attrs, s.Chain(), signingTime)
}

func signContext(t *testing.T, s *signtest.Signer, sc Context) []byte {
	t.Helper()
	sig, err := s.SignData(sc.SignedAttributes)
	if err != nil {
		t.Fatalf("Signing failed: %v", err)
	}
	return sig
}

func TestPrepare(t *testing.T) {
	base := pdftest.Build(pdftest.Options{}, pdftest.WithMarkers("1", "2"))
	box := &fields.SignatureBox{XMin: 90, YMin: 160, XMax: 210, YMax: 240}

	prepared, err := Prepare(base, PrepareOptions{
		FieldName:   "Signature1",
		Box:         box,
		Appearance:  testAppearance(t),
		Name:        "Nguyễn Văn A",
		Reason:      "Approval",
		SigningTime: signingTime,
	})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if !bytes.HasPrefix(prepared.Data, base) {
		t.Error("Base document must be a prefix of the prepared document")
	}
	if prepared.BaseLength != int64(len(base)) {
		t.Errorf("BaseLength = %d, want %d", prepared.BaseLength, len(base))
	}
	br := prepared.ByteRange
	if br[0] != 0 || br[1] != prepared.ContentsOffset || br[2] != br[1]+prepared.ContentsLength {
		t.Errorf("Unexpected byte range %v", br)
	}
	if br[2]+br[3] != int64(len(prepared.Data)) {
		t.Errorf("Byte range %v does not reach the end of %d bytes", br, len(prepared.Data))
	}
	if prepared.ContentsLength != 2*DefaultBytesReserved+2 {
		t.Errorf("ContentsLength = %d, want %d", prepared.ContentsLength, 2*DefaultBytesReserved+2)
	}

	update := string(prepared.Update())
	for _, want := range []string{
		"/Type /Sig", "/SubFilter /ETSI.CAdES.detached", "/Filter /Adobe.PPKLite",
		"/M (D:20240501083000+00'00')", "/Reason (Approval)", "/FT /Sig",
		"/T (Signature1)", "/SigFlags 3", "/Subtype /Form", "/Im1 Do",
	} {
		if !strings.Contains(update, want) {
			t.Errorf("Update missing %q", want)
		}
	}

	doc, err := reader.Open(prepared.Data)
	if err != nil {
		t.Fatalf("Failed to reopen prepared document: %v", err)
	}
	names, err := fields.FieldNames(doc)
	if err != nil {
		t.Fatalf("FieldNames failed: %v", err)
	}
	if len(names) != 1 || names[0] != "Signature1" {
		t.Errorf("FieldNames = %v, want [Signature1]", names)
	}
}

func TestPrepareDeterministic(t *testing.T) {
	base := pdftest.Build(pdftest.Options{ID: true}, pdftest.WithMarkers("1"))
	opts := PrepareOptions{FieldName: "Signature1", SigningTime: signingTime}

	a, err := Prepare(base, opts)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	b, err := Prepare(base, opts)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !bytes.Equal(a.Data, b.Data) || !bytes.Equal(a.Digest, b.Digest) {
		t.Error("Expected identical prepared documents for identical input")
	}
}

func TestPrepareSigningTime(t *testing.T) {
	base := pdftest.Build(pdftest.Options{}, pdftest.WithMarkers("1"))
	tests := []struct {
		input    time.Time
		expected string
	}{
		{signingTime, "(D:20240501083000+00'00')"},
		{time.Date(2024, 12, 31, 23, 59, 59, 0, time.FixedZone("ICT", 7*3600)), "(D:20241231235959+07'00')"},
		{time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("NST", -(3*3600 + 30*60))), "(D:20240102030405-03'30')"},
	}
	for _, tt := range tests {
		p, err := Prepare(base, PrepareOptions{FieldName: "Signature1", SigningTime: tt.input})
		if err != nil {
			t.Fatalf("Prepare failed: %v", err)
		}
		if !bytes.Contains(p.Data, []byte(tt.expected)) {
			t.Errorf("signing time %v: /M %s not found", tt.input, tt.expected)
		}
	}
}

func TestPrepareErrors(t *testing.T) {
	base := pdftest.Minimal()

	t.Run("missing field name", func(t *testing.T) {
		if _, err := Prepare(base, PrepareOptions{}); !errors.Is(err, fields.ErrInvalidFieldSpec) {
			t.Errorf("Expected ErrInvalidFieldSpec, got %v", err)
		}
	})

	t.Run("page out of range", func(t *testing.T) {
		if _, err := Prepare(base, PrepareOptions{FieldName: "S", Page: 5}); !errors.Is(err, reader.ErrPageOutOfRange) {
			t.Errorf("Expected ErrPageOutOfRange, got %v", err)
		}
	})

	t.Run("duplicate field", func(t *testing.T) {
		prepared, err := Prepare(base, PrepareOptions{FieldName: "S"})
		if err != nil {
			t.Fatalf("Prepare failed: %v", err)
		}
		if _, err := Prepare(prepared.Data, PrepareOptions{FieldName: "S"}); !errors.Is(err, fields.ErrFieldAlreadyExists) {
			t.Errorf("Expected ErrFieldAlreadyExists, got %v", err)
		}
	})

	t.Run("not a pdf", func(t *testing.T) {
		if _, err := Prepare([]byte("hello"), PrepareOptions{FieldName: "S"}); err == nil {
			t.Error("Expected error for invalid input")
		}
	})
}

func TestFinalizeRoundTrip(t *testing.T) {
	s := signtest.NewSigner(t, "Tran Thi B")
	base := pdftest.Build(pdftest.Options{}, pdftest.WithMarkers("1"))

	_, sc := prepareContext(t, s, base, PrepareOptions{FieldName: "Signature1", SigningTime: signingTime})
	signed, err := Finalize(base, sc, signContext(t, s, sc))
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	statuses, err := Verify(signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("Expected 1 signature, got %d", len(statuses))
	}
	st := statuses[0]
	if !st.Valid() {
		t.Fatalf("Signature invalid: %v", st.Err)
	}
	if st.FieldName != "Signature1" || st.Signer != "Tran Thi B" || !st.CoversDocument {
		t.Errorf("Unexpected status %+v", st)
	}
	if !st.SigningTime.Equal(signingTime) {
		t.Errorf("SigningTime = %v, want %v", st.SigningTime, signingTime)
	}
}

func TestFinalizeSequentialSigners(t *testing.T) {
	signers := []*signtest.Signer{
		signtest.NewSigner(t, "Signer A"),
		signtest.NewSigner(t, "Signer B"),
	}
	doc := pdftest.Build(pdftest.Options{XRefStream: true}, pdftest.WithMarkers("1", "2"))

	for i, s := range signers {
		name := "Signature" + string(rune('1'+i))
		_, sc := prepareContext(t, s, doc, PrepareOptions{FieldName: name, SigningTime: signingTime})
		next, err := Finalize(doc, sc, signContext(t, s, sc))
		if err != nil {
			t.Fatalf("Finalize %s failed: %v", name, err)
		}
		doc = next
	}

	statuses, err := Verify(doc)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("Expected 2 signatures, got %d", len(statuses))
	}
	for _, st := range statuses {
		if !st.Valid() {
			t.Errorf("Signature %s invalid: %v", st.FieldName, st.Err)
		}
	}
	if statuses[0].CoversDocument || !statuses[1].CoversDocument {
		t.Error("Only the last signature should cover the whole document")
	}
}

func TestFinalizeErrors(t *testing.T) {
	s := signtest.NewSigner(t, "Signer")
	base := pdftest.Build(pdftest.Options{}, pdftest.WithMarkers("1"))
	_, sc := prepareContext(t, s, base, PrepareOptions{FieldName: "Signature1", BytesReserved: 4096})
	sig := signContext(t, s, sc)

	t.Run("base mismatch", func(t *testing.T) {
		other := append(append([]byte(nil), base...), '\n')
		if _, err := Finalize(other, sc, sig); !errors.Is(err, ErrBaseMismatch) {
			t.Errorf("Expected ErrBaseMismatch, got %v", err)
		}
	})

	t.Run("too large", func(t *testing.T) {
		small := sc
		small.ContentsLength = 66
		small.ByteRange[2] = small.ContentsOffset + 66
		small.ByteRange[3] = int64(len(base)+len(sc.Update)) - small.ByteRange[2]
		if _, err := Finalize(base, small, sig); err == nil {
			t.Error("Expected error for shrunken placeholder")
		}
	})

	t.Run("corrupt certificates", func(t *testing.T) {
		broken := sc
		broken.Certificates = [][]byte{{0x01, 0x02}}
		if _, err := Finalize(base, broken, sig); !errors.Is(err, ErrInvalidContext) {
			t.Errorf("Expected ErrInvalidContext, got %v", err)
		}
	})
}

func TestContextJSON(t *testing.T) {
	s := signtest.NewSigner(t, "Signer")
	base := pdftest.Minimal()
	_, sc := prepareContext(t, s, base, PrepareOptions{FieldName: "Signature1", SigningTime: signingTime})

	raw, err := json.Marshal(sc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded Context
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	signed, err := Finalize(base, decoded, signContext(t, s, decoded))
	if err != nil {
		t.Fatalf("Finalize from decoded context failed: %v", err)
	}
	statuses, err := Verify(signed)
	if err != nil || len(statuses) != 1 || !statuses[0].Valid() {
		t.Errorf("Expected one valid signature, got %v (%v)", statuses, err)
	}
}

func TestEmbed(t *testing.T) {
	full := []byte("abc<00000000>def")

	t.Run("pads with zeros", func(t *testing.T) {
		out, err := Embed(full, 3, 10, []byte{0xAB})
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		if string(out) != "abc<AB000000>def" {
			t.Errorf("Embed = %q", out)
		}
		if string(full) != "abc<00000000>def" {
			t.Error("Embed must not modify its input")
		}
	})

	t.Run("too large", func(t *testing.T) {
		if _, err := Embed(full, 3, 10, make([]byte, 5)); !errors.Is(err, ErrSignatureTooLarge) {
			t.Errorf("Expected ErrSignatureTooLarge, got %v", err)
		}
	})

	t.Run("wrong offset", func(t *testing.T) {
		if _, err := Embed(full, 2, 10, []byte{1}); !errors.Is(err, ErrInvalidContext) {
			t.Errorf("Expected ErrInvalidContext, got %v", err)
		}
	})
}
