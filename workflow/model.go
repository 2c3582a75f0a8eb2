// Package workflow implements the multi-party signing workflow: the
// document and signature model, the ports to storage, notification and
// the remote signing provider, and the Orchestrator that drives a
// document from SIGNING to COMPLETED_SIGNING one signer at a time.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/georgepadayatti/signflow/sign/pades"
)

// Category is the signing lifecycle stage of a document.
type Category string

const (
	CategoryNormal            Category = "NORMAL"
	CategorySigning           Category = "SIGNING"
	CategoryInProgressSigning Category = "IN_PROGRESS_SIGNING"
	CategoryCompletedSigning  Category = "COMPLETED_SIGNING"
)

// Document is a document that may go through the signing workflow.
type Document struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Title     string    `json:"title"`
	Category  Category  `json:"category"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SignatureStatus is the state of one signer's signature.
type SignatureStatus string

const (
	StatusUnsigned SignatureStatus = "UNSIGNED"
	StatusPending  SignatureStatus = "PENDING"
	StatusSigned   SignatureStatus = "SIGNED"
	StatusTimeout  SignatureStatus = "TIMEOUT"
	StatusRejected SignatureStatus = "REJECTED"
	StatusFailed   SignatureStatus = "FAILED"
)

// Terminal reports whether the provider transaction behind the status has
// ended.
func (s SignatureStatus) Terminal() bool {
	switch s {
	case StatusSigned, StatusTimeout, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// DocumentSignature is one signer's slot in a document's signing flow.
type DocumentSignature struct {
	ID             string          `json:"id"`
	DocumentID     string          `json:"document_id"`
	SignerID       string          `json:"signer_id"`
	Order          int             `json:"order"`
	Status         SignatureStatus `json:"status"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	Visible        bool            `json:"visible"`
	ProviderStatus string          `json:"provider_status,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	UpdatedBy      string          `json:"updated_by,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AssetKind distinguishes the files attached to documents and users.
type AssetKind int

const (
	AssetAttachment AssetKind = iota
	AssetAppendix
	AssetSignatureFile
	AssetSignatureImage
)

var assetKindNames = []string{
	AssetAttachment:     "attachment",
	AssetAppendix:       "appendix",
	AssetSignatureFile:  "signature_file",
	AssetSignatureImage: "signature_image",
}

func (k AssetKind) String() string {
	if k < 0 || int(k) >= len(assetKindNames) {
		return fmt.Sprintf("AssetKind(%d)", int(k))
	}
	return assetKindNames[k]
}

// ParseAssetKind parses the String form of an asset kind.
func ParseAssetKind(s string) (AssetKind, error) {
	for i, name := range assetKindNames {
		if strings.EqualFold(s, name) {
			return AssetKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown asset kind %q", s)
}

// IsSignatureFile reports whether the asset is the document's signed PDF.
func (k AssetKind) IsSignatureFile() bool {
	return k == AssetSignatureFile
}

// Stampable reports whether signer stamps are drawn on the asset.
func (k AssetKind) Stampable() bool {
	return k == AssetSignatureFile
}

// MarshalText implements encoding.TextMarshaler.
func (k AssetKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AssetKind) UnmarshalText(b []byte) error {
	parsed, err := ParseAssetKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Asset is a stored file.
type Asset struct {
	ID string `json:"id"`
	// DocumentID is empty for signature images.
	DocumentID string    `json:"document_id,omitempty"`
	OwnerID    string    `json:"owner_id"`
	Kind       AssetKind `json:"kind"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	// Key locates the content in the blob store.
	Key string `json:"key"`
}

// User is a platform user who may sign documents.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	// ExternalUserID is the user's id at the signing provider.
	ExternalUserID string `json:"external_user_id,omitempty"`
	// SignatureImageID is the default signature image asset, if any.
	SignatureImageID string `json:"signature_image_id,omitempty"`
}

// SigningContext is what the webhook needs to finish a signature that
// Sign prepared. It lives in the ContextCache between the two phases.
type SigningContext struct {
	DocumentCode  string `json:"document_code"`
	SignatureID   string `json:"signature_id"`
	TransactionID string `json:"transaction_id"`
	pades.Context
	CreatedAt time.Time `json:"created_at"`
}

// ContextKey returns the cache key of a signature's SigningContext.
func ContextKey(documentCode, signatureID string) string {
	return "signature:" + documentCode + ":" + signatureID
}

// FlowEntry is one signer in a signing flow definition.
type FlowEntry struct {
	SignerID string `json:"signer_id"`
	Visible  bool   `json:"visible"`
}

// Notification is a message to platform users.
type Notification struct {
	SenderID   string            `json:"sender_id"`
	Recipients []string          `json:"recipients"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data,omitempty"`
}

// SignResult is returned by Sign.
type SignResult struct {
	TransactionID string `json:"transaction_id"`
}

// WebhookResult is returned by HandleSigningWebhook.
type WebhookResult struct {
	DocumentID  string          `json:"document_id"`
	SignatureID string          `json:"signature_id"`
	Status      SignatureStatus `json:"status"`
	// Duplicate is set when the transaction had already been handled.
	Duplicate bool `json:"duplicate"`
	// Pending is set when the provider has not finished the transaction.
	Pending bool `json:"pending"`
	// Completed is set when the last signer's signature completed the
	// document.
	Completed bool `json:"completed"`
}

// Preview is a watermarked rendering of an asset.
type Preview struct {
	Filename string
	Data     []byte
}

// ReconcileFailure describes one signature Reconcile could not settle.
type ReconcileFailure struct {
	SignatureID   string `json:"signature_id"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
	Error         string `json:"error"`
}

// ReconcileReport summarizes a Reconcile run.
type ReconcileReport struct {
	Checked        int                `json:"checked"`
	Finalized      int                `json:"finalized"`
	Updated        int                `json:"updated"`
	StillPending   int                `json:"still_pending"`
	Reconciliation int                `json:"reconciliation"`
	Errors         int                `json:"errors"`
	Failures       []ReconcileFailure `json:"failures,omitempty"`
}
