package cms

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"testing"
	"time"

	"github.com/georgepadayatti/signflow/sign/signtest"
)

func buildSignature(t *testing.T, s *signtest.Signer, content []byte) ([]byte, []byte) {
	t.Helper()
	b := &Builder{Certificates: s.Chain(), SigningTime: time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)}

	digest, err := b.Digest(content)
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	attrs, err := b.SignedAttributes(digest)
	if err != nil {
		t.Fatalf("SignedAttributes failed: %v", err)
	}
	sig, err := s.SignData(attrs)
	if err != nil {
		t.Fatalf("Signing failed: %v", err)
	}
	out, err := b.Assemble(attrs, sig)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	return attrs, out
}

func TestSignedAttributes(t *testing.T) {
	s := signtest.NewSigner(t, "Signer")
	b := &Builder{Certificates: s.Chain(), SigningTime: time.Unix(1700000000, 0)}
	digest := sha256.Sum256([]byte("document"))

	attrs, err := b.SignedAttributes(digest[:])
	if err != nil {
		t.Fatalf("SignedAttributes failed: %v", err)
	}
	if attrs[0] != 0x31 {
		t.Errorf("Expected SET tag 0x31, got 0x%02x", attrs[0])
	}

	again, _ := b.SignedAttributes(digest[:])
	if !bytes.Equal(attrs, again) {
		t.Error("Expected deterministic signed attributes")
	}

	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(attrs, &raw); err != nil {
		t.Fatalf("Failed to parse attributes: %v", err)
	}
	parsed, err := parseAttributes(raw.Bytes)
	if err != nil {
		t.Fatalf("parseAttributes failed: %v", err)
	}
	if len(parsed) != 4 {
		t.Fatalf("Expected 4 attributes, got %d", len(parsed))
	}
	want := map[string]bool{
		OIDContentType.String():          false,
		OIDMessageDigest.String():        false,
		OIDSigningTime.String():          false,
		OIDSigningCertificateV2.String(): false,
	}
	for _, a := range parsed {
		want[a.Type.String()] = true
	}
	for oid, seen := range want {
		if !seen {
			t.Errorf("Missing attribute %s", oid)
		}
	}
}

func TestSignedAttributesRequiresCertificate(t *testing.T) {
	b := &Builder{}
	if _, err := b.SignedAttributes(make([]byte, 32)); !errors.Is(err, ErrMissingCertificate) {
		t.Errorf("Expected ErrMissingCertificate, got %v", err)
	}
}

func TestUnsupportedDigest(t *testing.T) {
	s := signtest.NewSigner(t, "Signer")
	b := &Builder{Certificates: s.Chain(), DigestAlgorithm: crypto.MD5}
	if _, err := b.SignedAttributes(make([]byte, 16)); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("Expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestAssembleAndVerify(t *testing.T) {
	s := signtest.NewSigner(t, "Signer")
	content := []byte("%PDF-1.7 byte range content")
	_, signed := buildSignature(t, s, content)

	if err := Verify(signed, content); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	t.Run("tampered content", func(t *testing.T) {
		if err := Verify(signed, []byte("other content")); !errors.Is(err, ErrDigestMismatch) {
			t.Errorf("Expected ErrDigestMismatch, got %v", err)
		}
	})

	t.Run("zero padded", func(t *testing.T) {
		padded := append(append([]byte(nil), signed...), make([]byte, 64)...)
		if err := Verify(padded, content); err != nil {
			t.Errorf("Verify with padding failed: %v", err)
		}
	})

	t.Run("certificates", func(t *testing.T) {
		certs, err := SignerCertificates(signed)
		if err != nil {
			t.Fatalf("SignerCertificates failed: %v", err)
		}
		if len(certs) != 2 || certs[0].Subject.CommonName != "Signer" {
			t.Errorf("Unexpected certificates: %d", len(certs))
		}
	})

	t.Run("signing time", func(t *testing.T) {
		st, err := SigningTime(signed)
		if err != nil {
			t.Fatalf("SigningTime failed: %v", err)
		}
		if !st.Equal(time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)) {
			t.Errorf("SigningTime = %v", st)
		}
	})
}

// reorderCertificates re-encodes signed with its certificates in the given
// order, bypassing the SET OF sort Assemble applies.
func reorderCertificates(t *testing.T, signed []byte, order func([]asn1.RawValue) []asn1.RawValue) []byte {
	t.Helper()
	sd, err := Parse(signed)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	unsorted := struct {
		Version          int
		DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
		EncapContentInfo EncapsulatedContentInfo
		Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0"`
		SignerInfos      []SignerInfo    `asn1:"set"`
	}{sd.Version, sd.DigestAlgorithms, sd.EncapContentInfo, order(sd.Certificates), sd.SignerInfos}
	body, err := asn1.Marshal(unsorted)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	out, err := asn1.Marshal(ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: body},
	})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return out
}

func TestSignerCertificatesOrder(t *testing.T) {
	s := signtest.NewSigner(t, "Signer")
	content := []byte("%PDF-1.7 byte range content")
	_, signed := buildSignature(t, s, content)

	tests := []struct {
		name  string
		order func([]asn1.RawValue) []asn1.RawValue
	}{
		{"as assembled", func(c []asn1.RawValue) []asn1.RawValue { return c }},
		{"reversed", func(c []asn1.RawValue) []asn1.RawValue {
			out := make([]asn1.RawValue, 0, len(c))
			for i := len(c) - 1; i >= 0; i-- {
				out = append(out, c[i])
			}
			return out
		}},
		{"issuer first", func(c []asn1.RawValue) []asn1.RawValue {
			var issuer, rest []asn1.RawValue
			for _, raw := range c {
				if bytes.Equal(raw.FullBytes, s.CA.Raw) {
					issuer = append(issuer, raw)
				} else {
					rest = append(rest, raw)
				}
			}
			return append(issuer, rest...)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := reorderCertificates(t, signed, tt.order)
			if err := Verify(data, content); err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			certs, err := SignerCertificates(data)
			if err != nil {
				t.Fatalf("SignerCertificates failed: %v", err)
			}
			if len(certs) != 2 {
				t.Fatalf("got %d certificates, want 2", len(certs))
			}
			if certs[0].Subject.CommonName != "Signer" || certs[1].Subject.CommonName != "Test CA" {
				t.Errorf("order = %s, %s, want Signer, Test CA", certs[0].Subject.CommonName, certs[1].Subject.CommonName)
			}
		})
	}
}

func TestVerifyWrongKey(t *testing.T) {
	s := signtest.NewSigner(t, "Signer")
	other := signtest.NewSigner(t, "Other")
	content := []byte("content")

	b := &Builder{Certificates: s.Chain(), SigningTime: time.Now()}
	digest, _ := b.Digest(content)
	attrs, err := b.SignedAttributes(digest)
	if err != nil {
		t.Fatalf("SignedAttributes failed: %v", err)
	}
	sig, _ := other.SignData(attrs)
	signed, err := b.Assemble(attrs, sig)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if err := Verify(signed, content); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature, got %v", err)
	}
}

func TestAssembleRejectsBadInput(t *testing.T) {
	s := signtest.NewSigner(t, "Signer")
	b := &Builder{Certificates: s.Chain()}

	tests := []struct {
		name  string
		attrs []byte
		sig   []byte
	}{
		{"sequence tag", []byte{0x30, 0x00}, []byte{1}},
		{"empty attrs", nil, []byte{1}},
		{"empty signature", []byte{0x31, 0x00}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Assemble(tt.attrs, tt.sig); !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("Expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestDerSortAttributes(t *testing.T) {
	a := Attribute{Type: asn1.ObjectIdentifier{1, 2, 9}}
	b := Attribute{Type: asn1.ObjectIdentifier{1, 2, 3}}
	sorted := derSortAttributes([]Attribute{a, b})
	if !sorted[0].Type.Equal(b.Type) {
		t.Errorf("Expected %v first, got %v", b.Type, sorted[0].Type)
	}
}
