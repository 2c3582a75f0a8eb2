package pades

import (
	"fmt"
	"time"

	"github.com/georgepadayatti/signflow/pdf/reader"
	"github.com/georgepadayatti/signflow/sign/cms"
)

// SignatureStatus is the outcome of verifying one embedded signature.
type SignatureStatus struct {
	FieldName   string
	SubFilter   string
	Signer      string
	SigningTime time.Time
	// CoversDocument is false when later revisions follow the signed one.
	CoversDocument bool
	Err            error
}

// Valid reports whether the signature verified.
func (s *SignatureStatus) Valid() bool {
	return s.Err == nil
}

// Verify checks the integrity of every signature in pdf. Certificate trust
// is not evaluated.
func Verify(pdf []byte) ([]*SignatureStatus, error) {
	doc, err := reader.Open(pdf)
	if err != nil {
		return nil, err
	}
	sigs, err := doc.Signatures()
	if err != nil {
		return nil, err
	}

	statuses := make([]*SignatureStatus, 0, len(sigs))
	for _, sig := range sigs {
		st := &SignatureStatus{
			FieldName:      sig.FieldName,
			SubFilter:      sig.SubFilter,
			CoversDocument: sig.ByteRange[2]+sig.ByteRange[3] == int64(len(pdf)),
		}
		statuses = append(statuses, st)

		content, err := doc.SignedData(sig)
		if err != nil {
			st.Err = err
			continue
		}
		if err := cms.Verify(sig.Contents, content); err != nil {
			st.Err = fmt.Errorf("signature %s: %w", sig.FieldName, err)
			continue
		}
		if certs, err := cms.SignerCertificates(sig.Contents); err == nil && len(certs) > 0 {
			st.Signer = certs[0].Subject.CommonName
		}
		if t, err := cms.SigningTime(sig.Contents); err == nil {
			st.SigningTime = t
		}
	}
	return statuses, nil
}
