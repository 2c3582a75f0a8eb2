// Package cms provides CMS (Cryptographic Message Syntax) support for PDF
// signatures produced by a remote signer: the signed attributes are built
// locally, the signature value arrives later and is assembled into a
// detached SignedData structure.
package cms

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"
	"math/big"
	"sort"
	"time"
)

// OIDs for CMS and signature algorithms
var (
	// Content types
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	// Digest algorithms
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	// Signature algorithms
	OIDRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}

	// Signed attributes
	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
)

// Common errors
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMissingCertificate   = errors.New("missing certificate")
	ErrDigestMismatch       = errors.New("message digest mismatch")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// ContentInfo represents a CMS ContentInfo structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// EncapsulatedContentInfo represents encapsulated content.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// SignerInfo keeps the signed attributes as raw DER so they are written and
// read back exactly as they were hashed.
type SignerInfo struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// SignedData represents a CMS SignedData structure.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []SignerInfo    `asn1:"set"`
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// SigningCertificateV2 represents the signing certificate attribute.
type SigningCertificateV2 struct {
	Certs []ESSCertIDv2
}

// ESSCertIDv2 represents a certificate identifier.
type ESSCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// IssuerSerial identifies a certificate by issuer and serial.
type IssuerSerial struct {
	Issuer       GeneralNames
	SerialNumber *big.Int
}

// GeneralNames represents a sequence of GeneralName.
type GeneralNames struct {
	Names []asn1.RawValue
}

// Builder builds the signed attributes and the final SignedData for a
// signature computed elsewhere.
type Builder struct {
	// Certificates is the signer's chain, signer first.
	Certificates []*x509.Certificate
	SigningTime  time.Time
	// DigestAlgorithm defaults to SHA-256.
	DigestAlgorithm crypto.Hash
}

func (b *Builder) signer() (*x509.Certificate, error) {
	if len(b.Certificates) == 0 || b.Certificates[0] == nil {
		return nil, ErrMissingCertificate
	}
	return b.Certificates[0], nil
}

func (b *Builder) digestOID() (asn1.ObjectIdentifier, error) {
	switch b.hash() {
	case crypto.SHA256:
		return OIDSHA256, nil
	case crypto.SHA384:
		return OIDSHA384, nil
	case crypto.SHA512:
		return OIDSHA512, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, b.DigestAlgorithm)
}

func (b *Builder) hash() crypto.Hash {
	if b.DigestAlgorithm == 0 {
		return crypto.SHA256
	}
	return b.DigestAlgorithm
}

// Digest hashes data with the builder's digest algorithm.
func (b *Builder) Digest(data []byte) ([]byte, error) {
	h, err := newHash(b.hash())
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// SignedAttributes returns the DER encoding of the signed attributes as a
// SET, which is what the signer signs.
func (b *Builder) SignedAttributes(documentDigest []byte) ([]byte, error) {
	cert, err := b.signer()
	if err != nil {
		return nil, err
	}
	oid, err := b.digestOID()
	if err != nil {
		return nil, err
	}

	attrs, err := b.buildSignedAttributes(cert, oid, documentDigest)
	if err != nil {
		return nil, fmt.Errorf("failed to build signed attributes: %w", err)
	}
	attrs = derSortAttributes(attrs)

	der, err := asn1.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed attributes: %w", err)
	}
	der[0] = 0x31 // SET tag
	return der, nil
}

func (b *Builder) buildSignedAttributes(cert *x509.Certificate, digestOID asn1.ObjectIdentifier, messageDigest []byte) ([]Attribute, error) {
	var attrs []Attribute

	contentTypeValue, err := asn1.Marshal(OIDData)
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, Attribute{
		Type:   OIDContentType,
		Values: []asn1.RawValue{{FullBytes: contentTypeValue}},
	})

	digestValue, err := asn1.Marshal(messageDigest)
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, Attribute{
		Type:   OIDMessageDigest,
		Values: []asn1.RawValue{{FullBytes: digestValue}},
	})

	signingTimeValue, err := asn1.Marshal(b.SigningTime.UTC())
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, Attribute{
		Type:   OIDSigningTime,
		Values: []asn1.RawValue{{FullBytes: signingTimeValue}},
	})

	certHash, err := b.Digest(cert.Raw)
	if err != nil {
		return nil, err
	}
	signingCert := SigningCertificateV2{
		Certs: []ESSCertIDv2{
			{
				HashAlgorithm: AlgorithmIdentifier{
					Algorithm:  digestOID,
					Parameters: asn1.RawValue{Tag: 5},
				},
				CertHash: certHash,
				IssuerSerial: IssuerSerial{
					Issuer: GeneralNames{
						Names: []asn1.RawValue{
							{
								Class:      asn1.ClassContextSpecific,
								Tag:        4, // directoryName
								IsCompound: true,
								Bytes:      cert.RawIssuer,
							},
						},
					},
					SerialNumber: cert.SerialNumber,
				},
			},
		},
	}
	signingCertValue, err := asn1.Marshal(signingCert)
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, Attribute{
		Type:   OIDSigningCertificateV2,
		Values: []asn1.RawValue{{FullBytes: signingCertValue}},
	})

	return attrs, nil
}

// Assemble builds a detached SignedData ContentInfo around signedAttrs, as
// returned by SignedAttributes, and the signature over them.
func (b *Builder) Assemble(signedAttrs, signature []byte) ([]byte, error) {
	cert, err := b.signer()
	if err != nil {
		return nil, err
	}
	oid, err := b.digestOID()
	if err != nil {
		return nil, err
	}
	if len(signedAttrs) == 0 || signedAttrs[0] != 0x31 {
		return nil, fmt.Errorf("%w: signed attributes must be a DER SET", ErrInvalidSignature)
	}
	if len(signature) == 0 {
		return nil, fmt.Errorf("%w: empty signature value", ErrInvalidSignature)
	}

	implicit := append([]byte{0xA0}, signedAttrs[1:]...)
	digestAlg := AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.RawValue{Tag: 5}}

	signerInfo := SignerInfo{
		Version: 1,
		SID: IssuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
			SerialNumber: cert.SerialNumber,
		},
		DigestAlgorithm: digestAlg,
		SignedAttrs:     asn1.RawValue{FullBytes: implicit},
		SignatureAlgorithm: AlgorithmIdentifier{
			Algorithm:  OIDRSAEncryption,
			Parameters: asn1.RawValue{Tag: 5}, // NULL
		},
		Signature: signature,
	}

	signedData := SignedData{
		Version:          1,
		DigestAlgorithms: []AlgorithmIdentifier{digestAlg},
		EncapContentInfo: EncapsulatedContentInfo{EContentType: OIDData},
		SignerInfos:      []SignerInfo{signerInfo},
	}
	for _, c := range b.Certificates {
		signedData.Certificates = append(signedData.Certificates, asn1.RawValue{FullBytes: c.Raw})
	}

	signedDataBytes, err := asn1.Marshal(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}
	return asn1.Marshal(ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: signedDataBytes},
	})
}

// Parse parses a CMS SignedData structure. Trailing zero padding, as found
// in PDF signature contents, is ignored.
func Parse(data []byte) (*SignedData, error) {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(data, &contentInfo); err != nil {
		return nil, fmt.Errorf("failed to parse ContentInfo: %w", err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("expected SignedData, got %v", contentInfo.ContentType)
	}

	var signedData SignedData
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %w", err)
	}
	return &signedData, nil
}

// SignerCertificates returns the certificates embedded in the SignedData,
// the signer's certificate first. The SET OF certificates is DER-sorted on
// the wire, so the signer is found by the SignerInfo's issuer and serial
// number rather than by position.
func SignerCertificates(cmsData []byte) ([]*x509.Certificate, error) {
	sd, err := Parse(cmsData)
	if err != nil {
		return nil, err
	}
	certs, err := parseCertificates(sd)
	if err != nil {
		return nil, err
	}
	if len(sd.SignerInfos) == 0 {
		return certs, nil
	}
	i := indexOfSigner(certs, sd.SignerInfos[0].SID)
	if i < 0 {
		return nil, ErrMissingCertificate
	}
	out := make([]*x509.Certificate, 0, len(certs))
	out = append(out, certs[i])
	out = append(out, certs[:i]...)
	return append(out, certs[i+1:]...), nil
}

func parseCertificates(sd *SignedData) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(sd.Certificates))
	for _, raw := range sd.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// indexOfSigner returns the index of the certificate sid names, or -1.
func indexOfSigner(certs []*x509.Certificate, sid IssuerAndSerialNumber) int {
	if sid.SerialNumber == nil {
		return -1
	}
	for i, cert := range certs {
		if cert.SerialNumber.Cmp(sid.SerialNumber) == 0 && bytes.Equal(cert.RawIssuer, sid.Issuer.FullBytes) {
			return i
		}
	}
	return -1
}

// SigningTime returns the signingTime attribute of the first signer.
func SigningTime(cmsData []byte) (time.Time, error) {
	sd, err := Parse(cmsData)
	if err != nil {
		return time.Time{}, err
	}
	if len(sd.SignerInfos) == 0 {
		return time.Time{}, fmt.Errorf("%w: no signer infos", ErrInvalidSignature)
	}
	attrs, err := parseAttributes(sd.SignerInfos[0].SignedAttrs.Bytes)
	if err != nil {
		return time.Time{}, err
	}
	for _, attr := range attrs {
		if attr.Type.Equal(OIDSigningTime) && len(attr.Values) > 0 {
			var t time.Time
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &t); err != nil {
				return time.Time{}, fmt.Errorf("failed to parse signing time: %w", err)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no signing time", ErrInvalidSignature)
}

// Verify checks a detached CMS signature over content: the message digest
// attribute must match content and the signature must verify against the
// signed attributes with the signer certificate's key.
func Verify(cmsData, content []byte) error {
	sd, err := Parse(cmsData)
	if err != nil {
		return err
	}
	if len(sd.SignerInfos) == 0 {
		return fmt.Errorf("%w: no signer infos", ErrInvalidSignature)
	}
	si := sd.SignerInfos[0]

	certs, err := parseCertificates(sd)
	if err != nil {
		return err
	}
	i := indexOfSigner(certs, si.SID)
	if i < 0 {
		return ErrMissingCertificate
	}
	signerCert := certs[i]

	hashType, err := hashFromOID(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}
	h, _ := newHash(hashType)
	h.Write(content)
	computed := h.Sum(nil)

	attrs, err := parseAttributes(si.SignedAttrs.Bytes)
	if err != nil {
		return err
	}
	var found []byte
	for _, attr := range attrs {
		if attr.Type.Equal(OIDMessageDigest) && len(attr.Values) > 0 {
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &found); err == nil {
				break
			}
		}
	}
	if found == nil {
		return fmt.Errorf("%w: message digest attribute not found", ErrInvalidSignature)
	}
	if !bytes.Equal(computed, found) {
		return ErrDigestMismatch
	}

	setBytes := append([]byte{0x31}, si.SignedAttrs.FullBytes[1:]...)
	h, _ = newHash(hashType)
	h.Write(setBytes)
	attrDigest := h.Sum(nil)

	pub, ok := signerCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: unsupported key type %T", ErrUnsupportedAlgorithm, signerCert.PublicKey)
	}
	if err := rsa.VerifyPKCS1v15(pub, hashType, attrDigest, si.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func parseAttributes(rest []byte) ([]Attribute, error) {
	var attrs []Attribute
	for len(rest) > 0 {
		var attr Attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signed attribute: %w", err)
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func newHash(h crypto.Hash) (hash.Hash, error) {
	switch h {
	case crypto.SHA256:
		return sha256.New(), nil
	case crypto.SHA384:
		return sha512.New384(), nil
	case crypto.SHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, h)
}

func hashFromOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, oid)
}

// derSortAttributes sorts attributes by their DER encoding, as a DER SET OF
// requires.
func derSortAttributes(attrs []Attribute) []Attribute {
	type attrWithDER struct {
		attr Attribute
		der  []byte
	}
	sorted := make([]attrWithDER, len(attrs))
	for i, attr := range attrs {
		der, _ := asn1.Marshal(attr)
		sorted[i] = attrWithDER{attr: attr, der: der}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].der, sorted[j].der) < 0
	})

	result := make([]Attribute, len(attrs))
	for i, a := range sorted {
		result[i] = a.attr
	}
	return result
}
