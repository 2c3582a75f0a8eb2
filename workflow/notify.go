package workflow

import (
	"context"
	"fmt"
)

const (
	titleSignatureRequested = "Signature requested"
	titleDocumentSigned     = "Document signed"
)

func signatureRequested(senderID string, doc *Document, recipientID string) Notification {
	return Notification{
		SenderID:   senderID,
		Recipients: []string{recipientID},
		Title:      titleSignatureRequested,
		Body:       fmt.Sprintf("Document %s needs your signature. Please review and complete it.", doc.Title),
		Data:       map[string]string{"document_id": doc.ID},
	}
}

func documentSigned(senderID string, doc *Document, sigs []*DocumentSignature) Notification {
	seen := make(map[string]bool, len(sigs))
	var recipients []string
	for _, s := range sigs {
		if !seen[s.SignerID] {
			seen[s.SignerID] = true
			recipients = append(recipients, s.SignerID)
		}
	}
	return Notification{
		SenderID:   senderID,
		Recipients: recipients,
		Title:      titleDocumentSigned,
		Body:       fmt.Sprintf("Document %s has been signed by all parties.", doc.Title),
		Data:       map[string]string{"document_id": doc.ID},
	}
}

// notify sends n after a commit. Failures are logged only.
func (o *Orchestrator) notify(ctx context.Context, n Notification) {
	if o.notifier == nil || len(n.Recipients) == 0 {
		return
	}
	if err := o.notifier.Notify(ctx, n); err != nil {
		o.logger.Warn("notification failed",
			"title", n.Title, "recipients", n.Recipients, "document_id", n.Data["document_id"], "error", err)
	}
}
