package workflow

import (
	"context"
	"crypto/x509"
	"errors"
	"time"

	"github.com/georgepadayatti/signflow/sign/remote"
)

// Port errors
var (
	ErrNotFound       = errors.New("not found")
	ErrBlobNotFound   = errors.New("blob not found")
	ErrContextMissing = errors.New("signing context missing or expired")
)

// BlobStore holds file contents by key.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put creates or overwrites key.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Presign returns a time-limited download URL for key.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// Store is the relational store. Reads outside WithDocumentLock see
// committed state only.
type Store interface {
	GetDocument(ctx context.Context, id string) (*Document, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetAsset(ctx context.Context, id string) (*Asset, error)
	ListSignatures(ctx context.Context, documentID string) ([]*DocumentSignature, error)
	// FindSignatureByTransaction returns the signature a transaction was
	// issued for, including transactions a later attempt superseded. The
	// row reflects current state, so its TransactionID may differ.
	FindSignatureByTransaction(ctx context.Context, transactionID string) (*DocumentSignature, error)
	// ListPendingSignatures returns PENDING signatures last updated
	// before the given time.
	ListPendingSignatures(ctx context.Context, before time.Time) ([]*DocumentSignature, error)

	// WithDocumentLock runs fn with exclusive access to the document.
	// Writes made through tx are committed when fn returns nil and
	// discarded otherwise.
	WithDocumentLock(ctx context.Context, documentID string, fn func(ctx context.Context, tx Tx) error) error
}

// Tx reads and writes one locked document and its rows.
type Tx interface {
	GetDocument(ctx context.Context) (*Document, error)
	// ListSignatures returns the document's signatures ordered by Order.
	ListSignatures(ctx context.Context) ([]*DocumentSignature, error)
	ListAssets(ctx context.Context) ([]*Asset, error)
	SaveDocument(ctx context.Context, doc *Document) error
	SaveSignature(ctx context.Context, sig *DocumentSignature) error
	// ReplaceSignatures deletes the document's signatures and inserts sigs.
	ReplaceSignatures(ctx context.Context, sigs []*DocumentSignature) error
	SaveAsset(ctx context.Context, asset *Asset) error
}

// Notifier delivers notifications to users.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ContextCache holds signing contexts between Sign and the webhook. It is
// not durable: an entry may disappear before its TTL.
type ContextCache interface {
	Set(ctx context.Context, key string, sc *SigningContext, ttl time.Duration) error
	// Get returns ErrContextMissing when key is absent or expired.
	Get(ctx context.Context, key string) (*SigningContext, error)
	Delete(ctx context.Context, key string) error
}

// SigningProvider is the remote signing service. *remote.Client
// implements it.
type SigningProvider interface {
	Login(ctx context.Context, userID string) (string, error)
	ListCertificates(ctx context.Context, token, userID string) (map[string][]*x509.Certificate, error)
	SignHash(ctx context.Context, token, credentialID string, hashes [][]byte, doc remote.DocumentRef) (string, error)
	GetStatus(ctx context.Context, token, transactionID string) (*remote.StatusResult, error)
	CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) (remote.RevocationStatus, error)
}

var _ SigningProvider = (*remote.Client)(nil)
