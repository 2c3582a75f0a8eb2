package workflow

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"log/slog"
	"strings"

	"github.com/georgepadayatti/signflow/pdf/images"
	"github.com/georgepadayatti/signflow/pdf/reader"
	"github.com/georgepadayatti/signflow/sign/cms"
	"github.com/georgepadayatti/signflow/sign/fields"
	"github.com/georgepadayatti/signflow/sign/pades"
	"github.com/georgepadayatti/signflow/sign/remote"
	"go.opentelemetry.io/otel/attribute"
)

// Sign prepares the caller's signature on the document and submits its
// hash to the signing provider. The signature completes asynchronously:
// the provider confirms on the signer's device and calls the webhook.
func (o *Orchestrator) Sign(ctx context.Context, documentID, callerID string) (res *SignResult, err error) {
	ctx, end := o.startSpan(ctx, "Sign",
		attribute.String("document_id", documentID), attribute.String("signer_id", callerID))
	defer func() { end(err) }()

	err = o.store.WithDocumentLock(ctx, documentID, func(ctx context.Context, tx Tx) error {
		doc, err := tx.GetDocument(ctx)
		if err != nil {
			return lookupErr("document", err)
		}
		sigs, err := tx.ListSignatures(ctx)
		if err != nil {
			return internalErr("failed to list signatures", err)
		}
		sig, err := o.checkCanSign(doc, sigs, callerID)
		if err != nil {
			return err
		}
		logger := o.logger.With("document_id", doc.ID, "signature_id", sig.ID, "order", sig.Order)

		assets, err := tx.ListAssets(ctx)
		if err != nil {
			return internalErr("failed to list assets", err)
		}
		file, n := signatureFile(assets)
		if n != 1 {
			return preconditionErr(ReasonSignatureFileCount, fmt.Sprintf("document has %d signature files, want 1", n))
		}
		signer, err := o.store.GetUser(ctx, callerID)
		if err != nil {
			return lookupErr("signer", err)
		}

		txID, err := o.prepareAndSubmit(ctx, logger, doc, sig, signer, file)
		if err != nil {
			return err
		}

		sig.Status = StatusPending
		sig.TransactionID = txID
		sig.ProviderStatus = ""
		sig.FailureReason = ""
		sig.UpdatedBy = callerID
		sig.UpdatedAt = o.clock()
		if err := tx.SaveSignature(ctx, sig); err != nil {
			return internalErr("failed to save signature", err)
		}
		res = &SignResult{TransactionID: txID}
		logger.Info("signature submitted", "transaction_id", txID)
		return nil
	})
	if err != nil {
		return nil, asError(err)
	}
	return res, nil
}

// checkCanSign returns the caller's signature row when the caller may sign
// now.
func (o *Orchestrator) checkCanSign(doc *Document, sigs []*DocumentSignature, callerID string) (*DocumentSignature, error) {
	if doc.Category != CategoryInProgressSigning {
		return nil, preconditionErr(ReasonNotInProgress, fmt.Sprintf("document is %s", categoryName(doc.Category)))
	}
	sig := signatureOf(sigs, callerID)
	if sig == nil {
		return nil, preconditionErr(ReasonNotASigner, "caller is not a signer of this document")
	}
	switch sig.Status {
	case StatusSigned:
		return nil, preconditionErr(ReasonAlreadySigned, "signature already completed")
	case StatusPending:
		return nil, preconditionErr(ReasonAlreadyPending, "a signature request is already pending")
	case StatusRejected:
		if !o.opts.RetryAfterReject {
			return nil, preconditionErr(ReasonAlreadyRejected, "signature was rejected")
		}
	}
	for _, other := range sigs {
		if other.Order < sig.Order && other.Status != StatusSigned {
			return nil, orderingErr(fmt.Sprintf("signer %d has not signed yet", other.Order))
		}
	}
	return sig, nil
}

// prepareAndSubmit builds the incremental signature, caches its context
// and sends the signed-attributes hash to the provider. Nothing is cached
// unless the provider accepted the request.
func (o *Orchestrator) prepareAndSubmit(ctx context.Context, logger *slog.Logger, doc *Document, sig *DocumentSignature, signer *User, file *Asset) (string, error) {
	base, err := o.blobs.Get(ctx, file.Key)
	if err != nil {
		return "", internalErr("failed to load signature file", err)
	}

	opts, err := o.placement(ctx, logger, base, sig, signer)
	if err != nil {
		return "", err
	}

	externalID := signer.ExternalUserID
	if externalID == "" {
		return "", preconditionErr(ReasonNoCertificate, "signer is not enrolled with the signing provider")
	}
	token, err := o.provider.Login(ctx, externalID)
	if err != nil {
		return "", providerErr("login failed", err)
	}
	creds, err := o.provider.ListCertificates(ctx, token, externalID)
	if err != nil {
		return "", providerErr("listing certificates failed", err)
	}
	credentialID, chain, err := remote.SelectCredential(creds)
	if err != nil {
		return "", preconditionErr(ReasonNoCertificate, "signer has no certificate enrolled")
	}
	if err := o.checkRevocation(ctx, logger, chain); err != nil {
		return "", err
	}

	now := o.clock()
	opts.SigningTime = now
	prepared, err := pades.Prepare(base, opts)
	if err != nil {
		return "", internalErr("failed to prepare signature", err)
	}

	builder := &cms.Builder{Certificates: chain, SigningTime: now}
	attrs, err := builder.SignedAttributes(prepared.Digest)
	if err != nil {
		return "", internalErr("failed to build signed attributes", err)
	}
	hash := sha256.Sum256(attrs)

	txID, err := o.provider.SignHash(ctx, token, credentialID, [][]byte{hash[:]},
		remote.DocumentRef{ID: doc.Code, Name: doc.Title})
	if err != nil {
		return "", providerErr("sign hash failed", err)
	}

	sc := &SigningContext{
		DocumentCode:  doc.Code,
		SignatureID:   sig.ID,
		TransactionID: txID,
		Context:       pades.NewContext(prepared, attrs, chain, now),
		CreatedAt:     now,
	}
	if err := o.cache.Set(ctx, ContextKey(doc.Code, sig.ID), sc, o.opts.ContextTTL); err != nil {
		return "", internalErr("failed to cache signing context", err)
	}
	return txID, nil
}

// placement decides where the signature widget goes and what it looks
// like. Without a field for the signer's order the signature is invisible
// on the first page.
func (o *Orchestrator) placement(ctx context.Context, logger *slog.Logger, base []byte, sig *DocumentSignature, signer *User) (pades.PrepareOptions, error) {
	opts := pades.PrepareOptions{
		FieldName:     fmt.Sprintf("Signature%d", sig.Order),
		Name:          signer.Name,
		Reason:        o.reason(signer),
		Location:      o.opts.Location,
		ContactInfo:   signer.Email,
		BytesReserved: o.opts.BytesReserved,
	}

	pdf, err := reader.Open(base)
	if err != nil {
		return opts, internalErr("failed to read signature file", err)
	}
	fm, err := fields.Locate(pdf)
	if err != nil {
		return opts, internalErr("failed to locate signature fields", err)
	}
	pageIndex, rect, ok := fields.FirstField(fm, sig.Order)
	if !ok {
		logger.Debug("no signature field for signer, signing invisibly")
		return opts, nil
	}
	opts.Page = pageIndex
	if !sig.Visible {
		return opts, nil
	}

	page, err := pdf.Page(pageIndex)
	if err != nil {
		return opts, internalErr("failed to read page", err)
	}
	box := fields.DefaultSignatureBox(rect, page)
	opts.Box = &box

	if signer.SignatureImageID != "" {
		img, err := o.signatureImage(ctx, signer.SignatureImageID)
		if err != nil {
			logger.Warn("signature image unavailable, signing without appearance", "error", err)
		} else {
			opts.Appearance = img
		}
	}
	return opts, nil
}

func (o *Orchestrator) signatureImage(ctx context.Context, assetID string) (*images.Image, error) {
	asset, err := o.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signature image asset: %w", err)
	}
	data, err := o.blobs.Get(ctx, asset.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load signature image: %w", err)
	}
	return images.Decode(data)
}

func (o *Orchestrator) reason(signer *User) string {
	return strings.NewReplacer("{name}", signer.Name, "{email}", signer.Email).Replace(o.opts.ReasonTemplate)
}

// checkRevocation refuses revoked certificates when OCSP checking is on.
// An unreachable responder does not block signing.
func (o *Orchestrator) checkRevocation(ctx context.Context, logger *slog.Logger, chain []*x509.Certificate) error {
	if !o.opts.OCSPCheck || len(chain) < 2 {
		return nil
	}
	status, err := o.provider.CheckRevocation(ctx, chain[0], chain[1])
	if err != nil {
		logger.Warn("certificate status unavailable", "error", err)
		return nil
	}
	if status == remote.RevocationRevoked {
		return preconditionErr(ReasonCertificateRevoked, "signer certificate is revoked")
	}
	return nil
}
