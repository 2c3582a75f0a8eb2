package workflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/georgepadayatti/signflow/sign/pades"
	"github.com/georgepadayatti/signflow/sign/remote"
	"go.opentelemetry.io/otel/attribute"
)

var errNoSignatureValue = errors.New("provider returned no signature value")

// HandleSigningWebhook settles a signing transaction. It asks the provider
// for the transaction's state and, once signed, embeds the signature into
// the signature file and advances the document to the next signer.
//
// It is idempotent: a transaction that was already settled, or superseded
// by a newer attempt, is reported as a duplicate without side effects.
func (o *Orchestrator) HandleSigningWebhook(ctx context.Context, transactionID, actorID string) (res *WebhookResult, err error) {
	ctx, end := o.startSpan(ctx, "HandleSigningWebhook", attribute.String("transaction_id", transactionID))
	defer func() { end(err) }()

	if transactionID == "" {
		return nil, preconditionErr(ReasonUnknownTransaction, "transaction id is required")
	}
	row, err := o.store.FindSignatureByTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, preconditionErr(ReasonUnknownTransaction, "no signature for transaction "+transactionID)
		}
		return nil, internalErr("failed to find signature", err)
	}

	logger := o.logger.With("document_id", row.DocumentID, "signature_id", row.ID, "transaction_id", transactionID)
	var (
		reconcileErr error
		after        func()
	)
	err = o.store.WithDocumentLock(ctx, row.DocumentID, func(ctx context.Context, tx Tx) error {
		res, after, reconcileErr = nil, nil, nil

		doc, err := tx.GetDocument(ctx)
		if err != nil {
			return lookupErr("document", err)
		}
		sigs, err := tx.ListSignatures(ctx)
		if err != nil {
			return internalErr("failed to list signatures", err)
		}
		sig := signatureByID(sigs, row.ID)
		if sig == nil || sig.TransactionID != transactionID || sig.Status != StatusPending {
			res = &WebhookResult{DocumentID: doc.ID, SignatureID: row.ID, Status: row.Status, Duplicate: true}
			if sig != nil {
				res.Status = sig.Status
			}
			return nil
		}

		status, err := o.transactionStatus(ctx, sig, transactionID)
		if err != nil {
			return err
		}
		outcome := remote.Classify(status.Code)
		res = &WebhookResult{DocumentID: doc.ID, SignatureID: sig.ID, Status: sig.Status}

		switch outcome {
		case remote.OutcomePending:
			res.Pending = true
			return nil
		case remote.OutcomeTimeout, remote.OutcomeRejected, remote.OutcomeFailed:
			sig.Status = statusForOutcome(outcome)
			sig.ProviderStatus = strconv.Itoa(status.Code)
			sig.UpdatedBy = actorID
			sig.UpdatedAt = o.clock()
			if err := tx.SaveSignature(ctx, sig); err != nil {
				return internalErr("failed to save signature", err)
			}
			res.Status = sig.Status
			logger.Info("signature not completed", "status", sig.Status, "provider_status", status.Code)
			return nil
		}

		sc, err := o.cache.Get(ctx, ContextKey(doc.Code, sig.ID))
		if err == nil && sc.TransactionID != transactionID {
			err = fmt.Errorf("%w: context belongs to transaction %s", ErrContextMissing, sc.TransactionID)
		}
		if err != nil {
			if !errors.Is(err, ErrContextMissing) {
				return internalErr("failed to load signing context", err)
			}
			sig.Status = StatusFailed
			sig.ProviderStatus = strconv.Itoa(status.Code)
			sig.FailureReason = ReasonNoPreparedContext
			sig.UpdatedBy = actorID
			sig.UpdatedAt = o.clock()
			if err := tx.SaveSignature(ctx, sig); err != nil {
				return internalErr("failed to save signature", err)
			}
			res.Status = sig.Status
			reconcileErr = reconciliationErr(ReasonNoPreparedContext,
				"provider signed but the prepared signature is gone; the signer must sign again", err)
			return nil
		}

		if err := o.finalize(ctx, tx, sc, status); err != nil {
			return reconciliationErr(ReasonFinalizeFailed, "failed to embed signature", err)
		}

		sig.Status = StatusSigned
		sig.ProviderStatus = strconv.Itoa(status.Code)
		sig.FailureReason = ""
		sig.UpdatedBy = actorID
		sig.UpdatedAt = o.clock()
		if err := tx.SaveSignature(ctx, sig); err != nil {
			return reconciliationErr(ReasonFinalizeFailed, "failed to save signature", err)
		}
		res.Status = sig.Status

		next := signatureAt(sigs, sig.Order+1)
		if next == nil {
			doc.Category = CategoryCompletedSigning
			doc.UpdatedBy = actorID
			doc.UpdatedAt = o.clock()
			if err := tx.SaveDocument(ctx, doc); err != nil {
				return reconciliationErr(ReasonFinalizeFailed, "failed to complete document", err)
			}
			res.Completed = true
		}

		key := ContextKey(doc.Code, sig.ID)
		after = func() {
			if err := o.cache.Delete(ctx, key); err != nil {
				logger.Warn("failed to delete signing context", "error", err)
			}
			if next != nil {
				o.notify(ctx, signatureRequested(actorID, doc, next.SignerID))
			} else {
				o.notify(ctx, documentSigned(actorID, doc, sigs))
			}
		}
		return nil
	})
	if err != nil {
		err = asError(err)
		o.logFailure(logger, err)
		return nil, err
	}

	if after != nil {
		after()
		logger.Info("signature completed", "completed", res.Completed)
	}
	if reconcileErr != nil {
		o.logFailure(logger, reconcileErr)
		return res, reconcileErr
	}
	return res, nil
}

// transactionStatus asks the provider for the transaction state, logged in
// as the signer.
func (o *Orchestrator) transactionStatus(ctx context.Context, sig *DocumentSignature, transactionID string) (*remote.StatusResult, error) {
	signer, err := o.store.GetUser(ctx, sig.SignerID)
	if err != nil {
		return nil, lookupErr("signer", err)
	}
	token, err := o.provider.Login(ctx, signer.ExternalUserID)
	if err != nil {
		return nil, providerErr("login failed", err)
	}
	status, err := o.provider.GetStatus(ctx, token, transactionID)
	if err != nil {
		return nil, providerErr("status request failed", err)
	}
	return status, nil
}

// finalize embeds the provider's signature into the signature file and
// overwrites the blob.
func (o *Orchestrator) finalize(ctx context.Context, tx Tx, sc *SigningContext, status *remote.StatusResult) error {
	if len(status.Signatures) == 0 {
		return errNoSignatureValue
	}
	assets, err := tx.ListAssets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list assets: %w", err)
	}
	file, n := signatureFile(assets)
	if n != 1 {
		return fmt.Errorf("document has %d signature files", n)
	}
	current, err := o.blobs.Get(ctx, file.Key)
	if err != nil {
		return fmt.Errorf("failed to load signature file: %w", err)
	}

	signed, err := pades.Finalize(baseOf(current, &sc.Context), sc.Context, status.Signatures[0])
	if err != nil {
		return err
	}
	if err := o.blobs.Put(ctx, file.Key, signed, file.MimeType); err != nil {
		return fmt.Errorf("failed to store signed file: %w", err)
	}
	file.Size = int64(len(signed))
	if err := tx.SaveAsset(ctx, file); err != nil {
		return fmt.Errorf("failed to save asset: %w", err)
	}
	return nil
}

// baseOf returns the document the signature was prepared on. When an
// earlier attempt stored the signed file but failed to commit, current
// already carries the update and the base is its prefix.
func baseOf(current []byte, sc *pades.Context) []byte {
	sum := sha256.Sum256(current)
	if bytes.Equal(sum[:], sc.BaseDigest) {
		return current
	}
	if n := len(current) - len(sc.Update); n > 0 {
		prefix := current[:n]
		sum = sha256.Sum256(prefix)
		if bytes.Equal(sum[:], sc.BaseDigest) {
			return prefix
		}
	}
	return current
}

func (o *Orchestrator) logFailure(logger *slog.Logger, err error) {
	if ClassOf(err) == ClassReconciliation {
		logger.Error("signing needs reconciliation",
			"event", "signing.reconciliation_required", "reason", ReasonOf(err), "error", err)
		return
	}
	logger.Warn("webhook failed", "reason", ReasonOf(err), "error", err)
}

func statusForOutcome(o remote.Outcome) SignatureStatus {
	switch o {
	case remote.OutcomeSigned:
		return StatusSigned
	case remote.OutcomeTimeout:
		return StatusTimeout
	case remote.OutcomeRejected:
		return StatusRejected
	case remote.OutcomeFailed:
		return StatusFailed
	}
	return StatusPending
}

func signatureByID(sigs []*DocumentSignature, id string) *DocumentSignature {
	for _, s := range sigs {
		if s.ID == id {
			return s
		}
	}
	return nil
}
