package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/georgepadayatti/signflow/workflow"
)

// Firestore collections
const (
	collDocuments  = "documents"
	collUsers      = "users"
	collAssets     = "assets"
	collSignatures = "signatures"
	collLocks      = "locks"
	collTxs        = "signature_transactions"
)

// DefaultLockLease is how long a document lock is held before another
// process may take it over.
const DefaultLockLease = 2 * time.Minute

var errLockHeld = errors.New("document lock held")

// Firestore is a workflow.Store on Cloud Firestore. Firestore has no row
// locks, so WithDocumentLock takes a lease document locks/{documentID},
// stages writes in memory and commits them in one transaction that also
// releases the lease.
type Firestore struct {
	client *firestore.Client
	lease  time.Duration
	poll   time.Duration
	clock  func() time.Time
}

// NewFirestore creates a store. A zero lease uses DefaultLockLease.
func NewFirestore(client *firestore.Client, lease time.Duration) *Firestore {
	if lease <= 0 {
		lease = DefaultLockLease
	}
	return &Firestore{client: client, lease: lease, poll: 100 * time.Millisecond, clock: time.Now}
}

type documentRecord struct {
	Code      string    `firestore:"code"`
	Title     string    `firestore:"title"`
	Category  string    `firestore:"category"`
	CreatedBy string    `firestore:"created_by"`
	CreatedAt time.Time `firestore:"created_at"`
	UpdatedBy string    `firestore:"updated_by"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

type userRecord struct {
	Name             string `firestore:"name"`
	Email            string `firestore:"email"`
	ExternalUserID   string `firestore:"external_user_id"`
	SignatureImageID string `firestore:"signature_image_id"`
}

type assetRecord struct {
	DocumentID string `firestore:"document_id"`
	OwnerID    string `firestore:"owner_id"`
	Kind       string `firestore:"kind"`
	Name       string `firestore:"name"`
	MimeType   string `firestore:"mime_type"`
	Size       int64  `firestore:"size"`
	Key        string `firestore:"key"`
}

type signatureRecord struct {
	DocumentID     string    `firestore:"document_id"`
	SignerID       string    `firestore:"signer_id"`
	Order          int       `firestore:"order"`
	Status         string    `firestore:"status"`
	TransactionID  string    `firestore:"transaction_id"`
	Visible        bool      `firestore:"visible"`
	ProviderStatus string    `firestore:"provider_status"`
	FailureReason  string    `firestore:"failure_reason"`
	UpdatedBy      string    `firestore:"updated_by"`
	UpdatedAt      time.Time `firestore:"updated_at"`
}

// transactionRecord is keyed by transaction id and outlives the
// signature's current transaction_id.
type transactionRecord struct {
	SignatureID string    `firestore:"signature_id"`
	DocumentID  string    `firestore:"document_id"`
	CreatedAt   time.Time `firestore:"created_at"`
}

type lockRecord struct {
	Holder    string    `firestore:"holder"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

func (f *Firestore) GetDocument(ctx context.Context, id string) (*workflow.Document, error) {
	snap, err := f.client.Collection(collDocuments).Doc(id).Get(ctx)
	if err != nil {
		return nil, firestoreNotFound("document", id, err)
	}
	return toDocument(snap)
}

func (f *Firestore) GetUser(ctx context.Context, id string) (*workflow.User, error) {
	snap, err := f.client.Collection(collUsers).Doc(id).Get(ctx)
	if err != nil {
		return nil, firestoreNotFound("user", id, err)
	}
	var rec userRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode user %s: %w", id, err)
	}
	return &workflow.User{
		ID:               snap.Ref.ID,
		Name:             rec.Name,
		Email:            rec.Email,
		ExternalUserID:   rec.ExternalUserID,
		SignatureImageID: rec.SignatureImageID,
	}, nil
}

func (f *Firestore) GetAsset(ctx context.Context, id string) (*workflow.Asset, error) {
	snap, err := f.client.Collection(collAssets).Doc(id).Get(ctx)
	if err != nil {
		return nil, firestoreNotFound("asset", id, err)
	}
	return toAsset(snap)
}

func (f *Firestore) ListSignatures(ctx context.Context, documentID string) ([]*workflow.DocumentSignature, error) {
	snaps, err := f.client.Collection(collSignatures).Where("document_id", "==", documentID).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query signatures: %w", err)
	}
	sigs, err := toSignatures(snaps)
	if err != nil {
		return nil, err
	}
	sortSignatures(sigs)
	return sigs, nil
}

func (f *Firestore) FindSignatureByTransaction(ctx context.Context, transactionID string) (*workflow.DocumentSignature, error) {
	if transactionID == "" || strings.Contains(transactionID, "/") {
		return nil, fmt.Errorf("transaction %q: %w", transactionID, workflow.ErrNotFound)
	}
	snap, err := f.client.Collection(collTxs).Doc(transactionID).Get(ctx)
	if err != nil {
		return nil, firestoreNotFound("transaction", transactionID, err)
	}
	var rec transactionRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", transactionID, err)
	}
	sigSnap, err := f.client.Collection(collSignatures).Doc(rec.SignatureID).Get(ctx)
	if err != nil {
		return nil, firestoreNotFound("transaction", transactionID, err)
	}
	return toSignature(sigSnap)
}

func (f *Firestore) ListPendingSignatures(ctx context.Context, before time.Time) ([]*workflow.DocumentSignature, error) {
	snaps, err := f.client.Collection(collSignatures).
		Where("status", "==", string(workflow.StatusPending)).
		Where("updated_at", "<", before).
		OrderBy("updated_at", firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query pending signatures: %w", err)
	}
	return toSignatures(snaps)
}

func (f *Firestore) WithDocumentLock(ctx context.Context, documentID string, fn func(ctx context.Context, tx workflow.Tx) error) error {
	holder := uuid.NewString()
	if err := f.acquire(ctx, documentID, holder); err != nil {
		return err
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	stop := f.renew(fnCtx, cancel, documentID, holder)
	tx, loaded, err := f.load(fnCtx, documentID)
	if err == nil {
		err = fn(fnCtx, tx)
	}
	stop()
	cancel(nil)
	if err != nil {
		f.release(documentID, holder)
		return err
	}
	return f.commit(ctx, documentID, holder, tx, loaded)
}

// renew extends the lease every third of its length until stop is called,
// so a holder waiting on slow provider calls keeps the document. Losing the
// lease cancels the holder's context.
func (f *Firestore) renew(ctx context.Context, cancel context.CancelCauseFunc, documentID, holder string) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	lockRef := f.client.Collection(collLocks).Doc(documentID)
	go func() {
		defer close(exited)
		ticker := time.NewTicker(f.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := f.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
				if err := f.checkHolder(t, lockRef, holder); err != nil {
					return err
				}
				return t.Set(lockRef, lockRecord{Holder: holder, ExpiresAt: f.clock().Add(f.lease)})
			})
			if err != nil && ctx.Err() == nil {
				cancel(fmt.Errorf("lease on %s: %w", documentID, err))
				return
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// acquire waits for the lease on documentID.
func (f *Firestore) acquire(ctx context.Context, documentID, holder string) error {
	lockRef := f.client.Collection(collLocks).Doc(documentID)
	for {
		err := f.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
			snap, err := t.Get(lockRef)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			now := f.clock()
			if err == nil {
				var cur lockRecord
				if err := snap.DataTo(&cur); err != nil {
					return err
				}
				if cur.ExpiresAt.After(now) {
					return errLockHeld
				}
			}
			return t.Set(lockRef, lockRecord{Holder: holder, ExpiresAt: now.Add(f.lease)})
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, errLockHeld) {
			return fmt.Errorf("failed to lock document %s: %w", documentID, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for document %s: %w", documentID, ctx.Err())
		case <-time.After(f.poll):
		}
	}
}

// release drops the lease if it is still ours. It runs on a fresh context
// so that a canceled request does not leave the lease behind.
func (f *Firestore) release(documentID, holder string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lockRef := f.client.Collection(collLocks).Doc(documentID)
	_ = f.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
		if err := f.checkHolder(t, lockRef, holder); err != nil {
			return err
		}
		return t.Delete(lockRef)
	})
}

func (f *Firestore) checkHolder(t *firestore.Transaction, lockRef *firestore.DocumentRef, holder string) error {
	snap, err := t.Get(lockRef)
	if err != nil {
		return err
	}
	var cur lockRecord
	if err := snap.DataTo(&cur); err != nil {
		return err
	}
	if cur.Holder != holder {
		return fmt.Errorf("lease on %s lost", lockRef.ID)
	}
	return nil
}

// loadedIDs remembers which rows existed when the lock was taken, and
// their transaction ids.
type loadedIDs struct {
	signatures   map[string]bool
	transactions map[string]string
}

func (f *Firestore) load(ctx context.Context, documentID string) (*memoryTx, loadedIDs, error) {
	doc, err := f.GetDocument(ctx, documentID)
	if err != nil {
		return nil, loadedIDs{}, err
	}
	tx := &memoryTx{
		doc:        *doc,
		signatures: make(map[string]workflow.DocumentSignature),
		assets:     make(map[string]workflow.Asset),
	}
	loaded := loadedIDs{signatures: make(map[string]bool), transactions: make(map[string]string)}

	sigs, err := f.ListSignatures(ctx, documentID)
	if err != nil {
		return nil, loadedIDs{}, err
	}
	for _, s := range sigs {
		tx.signatures[s.ID] = *s
		loaded.signatures[s.ID] = true
		loaded.transactions[s.ID] = s.TransactionID
	}

	snaps, err := f.client.Collection(collAssets).Where("document_id", "==", documentID).Documents(ctx).GetAll()
	if err != nil {
		return nil, loadedIDs{}, fmt.Errorf("failed to query assets: %w", err)
	}
	for _, snap := range snaps {
		a, err := toAsset(snap)
		if err != nil {
			return nil, loadedIDs{}, err
		}
		tx.assets[a.ID] = *a
	}
	return tx, loaded, nil
}

// commit writes the staged rows and releases the lease atomically.
func (f *Firestore) commit(ctx context.Context, documentID, holder string, tx *memoryTx, loaded loadedIDs) error {
	lockRef := f.client.Collection(collLocks).Doc(documentID)
	err := f.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
		if err := f.checkHolder(t, lockRef, holder); err != nil {
			return err
		}
		d := tx.doc
		if err := t.Set(f.client.Collection(collDocuments).Doc(d.ID), documentRecord{
			Code:      d.Code,
			Title:     d.Title,
			Category:  string(d.Category),
			CreatedBy: d.CreatedBy,
			CreatedAt: d.CreatedAt,
			UpdatedBy: d.UpdatedBy,
			UpdatedAt: d.UpdatedAt,
		}); err != nil {
			return err
		}
		for id := range loaded.signatures {
			if _, kept := tx.signatures[id]; !kept {
				if err := t.Delete(f.client.Collection(collSignatures).Doc(id)); err != nil {
					return err
				}
			}
		}
		ids := make([]string, 0, len(tx.signatures))
		for id := range tx.signatures {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			s := tx.signatures[id]
			if err := t.Set(f.client.Collection(collSignatures).Doc(id), signatureRecord{
				DocumentID:     s.DocumentID,
				SignerID:       s.SignerID,
				Order:          s.Order,
				Status:         string(s.Status),
				TransactionID:  s.TransactionID,
				Visible:        s.Visible,
				ProviderStatus: s.ProviderStatus,
				FailureReason:  s.FailureReason,
				UpdatedBy:      s.UpdatedBy,
				UpdatedAt:      s.UpdatedAt,
			}); err != nil {
				return err
			}
			if s.TransactionID != "" && s.TransactionID != loaded.transactions[id] {
				if err := t.Set(f.client.Collection(collTxs).Doc(s.TransactionID), transactionRecord{
					SignatureID: id,
					DocumentID:  s.DocumentID,
					CreatedAt:   s.UpdatedAt,
				}); err != nil {
					return err
				}
			}
		}
		for id, a := range tx.assets {
			if err := t.Set(f.client.Collection(collAssets).Doc(id), assetRecord{
				DocumentID: a.DocumentID,
				OwnerID:    a.OwnerID,
				Kind:       a.Kind.String(),
				Name:       a.Name,
				MimeType:   a.MimeType,
				Size:       a.Size,
				Key:        a.Key,
			}); err != nil {
				return err
			}
		}
		return t.Delete(lockRef)
	})
	if err != nil {
		f.release(documentID, holder)
		return fmt.Errorf("failed to commit document %s: %w", documentID, err)
	}
	return nil
}

func toDocument(snap *firestore.DocumentSnapshot) (*workflow.Document, error) {
	var rec documentRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", snap.Ref.ID, err)
	}
	return &workflow.Document{
		ID:        snap.Ref.ID,
		Code:      rec.Code,
		Title:     rec.Title,
		Category:  workflow.Category(rec.Category),
		CreatedBy: rec.CreatedBy,
		CreatedAt: rec.CreatedAt,
		UpdatedBy: rec.UpdatedBy,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func toAsset(snap *firestore.DocumentSnapshot) (*workflow.Asset, error) {
	var rec assetRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode asset %s: %w", snap.Ref.ID, err)
	}
	kind, err := workflow.ParseAssetKind(rec.Kind)
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", snap.Ref.ID, err)
	}
	return &workflow.Asset{
		ID:         snap.Ref.ID,
		DocumentID: rec.DocumentID,
		OwnerID:    rec.OwnerID,
		Kind:       kind,
		Name:       rec.Name,
		MimeType:   rec.MimeType,
		Size:       rec.Size,
		Key:        rec.Key,
	}, nil
}

func toSignature(snap *firestore.DocumentSnapshot) (*workflow.DocumentSignature, error) {
	var rec signatureRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode signature %s: %w", snap.Ref.ID, err)
	}
	return &workflow.DocumentSignature{
		ID:             snap.Ref.ID,
		DocumentID:     rec.DocumentID,
		SignerID:       rec.SignerID,
		Order:          rec.Order,
		Status:         workflow.SignatureStatus(rec.Status),
		TransactionID:  rec.TransactionID,
		Visible:        rec.Visible,
		ProviderStatus: rec.ProviderStatus,
		FailureReason:  rec.FailureReason,
		UpdatedBy:      rec.UpdatedBy,
		UpdatedAt:      rec.UpdatedAt,
	}, nil
}

func toSignatures(snaps []*firestore.DocumentSnapshot) ([]*workflow.DocumentSignature, error) {
	out := make([]*workflow.DocumentSignature, 0, len(snaps))
	for _, snap := range snaps {
		s, err := toSignature(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func firestoreNotFound(what, id string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s %s: %w", what, id, workflow.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %s: %w", what, id, err)
}

var _ workflow.Store = (*Firestore)(nil)
