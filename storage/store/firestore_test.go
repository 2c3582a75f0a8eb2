package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/georgepadayatti/signflow/workflow"
)

// newTestFirestore connects to the emulator named by FIRESTORE_EMULATOR_HOST
// and seeds one document. Tests are skipped without it.
func newTestFirestore(t *testing.T) (*Firestore, *firestore.Client, string) {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	client, err := firestore.NewClient(ctx, "signflow-test")
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	docID := "doc-" + uuid.NewString()
	if _, err := client.Collection(collDocuments).Doc(docID).Set(ctx, documentRecord{Code: docID, Category: string(workflow.CategorySigning)}); err != nil {
		t.Fatalf("Failed to seed document: %v", err)
	}
	s := NewFirestore(client, time.Minute)
	s.poll = 10 * time.Millisecond
	return s, client, docID
}

func TestFirestoreLockCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s, client, docID := newTestFirestore(t)
	txID := "tx-" + uuid.NewString()

	err := s.WithDocumentLock(ctx, docID, func(ctx context.Context, tx workflow.Tx) error {
		doc, err := tx.GetDocument(ctx)
		if err != nil {
			return err
		}
		doc.Category = workflow.CategoryInProgressSigning
		if err := tx.SaveDocument(ctx, doc); err != nil {
			return err
		}
		return tx.ReplaceSignatures(ctx, []*workflow.DocumentSignature{
			{ID: docID + "-s1", DocumentID: docID, SignerID: "u1", Order: 1, Status: workflow.StatusPending, TransactionID: txID},
			{ID: docID + "-s2", DocumentID: docID, SignerID: "u2", Order: 2, Status: workflow.StatusUnsigned},
		})
	})
	if err != nil {
		t.Fatalf("WithDocumentLock failed: %v", err)
	}

	doc, err := s.GetDocument(ctx, docID)
	if err != nil {
		t.Fatalf("Failed to load document: %v", err)
	}
	if doc.Category != workflow.CategoryInProgressSigning {
		t.Errorf("Category = %s, want IN_PROGRESS_SIGNING", doc.Category)
	}
	sig, err := s.FindSignatureByTransaction(ctx, txID)
	if err != nil || sig.ID != docID+"-s1" {
		t.Errorf("FindSignatureByTransaction = %v, %v", sig, err)
	}
	if _, err := client.Collection(collLocks).Doc(docID).Get(ctx); err == nil {
		t.Error("lock document should be deleted after commit")
	}

	boom := errors.New("boom")
	err = s.WithDocumentLock(ctx, docID, func(ctx context.Context, tx workflow.Tx) error {
		if err := tx.ReplaceSignatures(ctx, nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithDocumentLock error = %v, want boom", err)
	}
	sigs, err := s.ListSignatures(ctx, docID)
	if err != nil || len(sigs) != 2 {
		t.Errorf("after rollback ListSignatures = %d, %v, want 2", len(sigs), err)
	}

	err = s.WithDocumentLock(ctx, docID, func(ctx context.Context, tx workflow.Tx) error {
		return tx.ReplaceSignatures(ctx, []*workflow.DocumentSignature{
			{ID: docID + "-s3", DocumentID: docID, SignerID: "u3", Order: 1, Status: workflow.StatusUnsigned},
		})
	})
	if err != nil {
		t.Fatalf("WithDocumentLock failed: %v", err)
	}
	sigs, err = s.ListSignatures(ctx, docID)
	if err != nil || len(sigs) != 1 || sigs[0].ID != docID+"-s3" {
		t.Errorf("after replace ListSignatures = %v, %v", sigs, err)
	}
}

func TestFirestoreLockLease(t *testing.T) {
	ctx := context.Background()
	s, client, docID := newTestFirestore(t)
	lockRef := client.Collection(collLocks).Doc(docID)

	if _, err := lockRef.Set(ctx, lockRecord{Holder: "other", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Failed to seed lock: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err := s.WithDocumentLock(waitCtx, docID, func(context.Context, workflow.Tx) error { return nil })
	if err == nil {
		t.Error("WithDocumentLock should wait on a held lease until the context ends")
	}

	if _, err := lockRef.Set(ctx, lockRecord{Holder: "other", ExpiresAt: time.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("Failed to expire lock: %v", err)
	}
	if err := s.WithDocumentLock(ctx, docID, func(context.Context, workflow.Tx) error { return nil }); err != nil {
		t.Errorf("expired lease should be taken over: %v", err)
	}
}

func TestFirestoreLockSerializes(t *testing.T) {
	ctx := context.Background()
	s, _, docID := newTestFirestore(t)
	err := s.WithDocumentLock(ctx, docID, func(ctx context.Context, tx workflow.Tx) error {
		return tx.SaveSignature(ctx, &workflow.DocumentSignature{ID: docID + "-s1", DocumentID: docID, SignerID: "u1", Order: 1, Status: workflow.StatusUnsigned})
	})
	if err != nil {
		t.Fatalf("Failed to seed signature: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithDocumentLock(ctx, docID, func(ctx context.Context, tx workflow.Tx) error {
				sigs, err := tx.ListSignatures(ctx)
				if err != nil {
					return err
				}
				sigs[0].Order++
				return tx.SaveSignature(ctx, sigs[0])
			})
		}()
	}
	wg.Wait()

	sigs, err := s.ListSignatures(ctx, docID)
	if err != nil {
		t.Fatalf("Failed to list signatures: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("got %d signatures, want 1", len(sigs))
	}
	if sigs[0].Order != 6 {
		t.Errorf("Order = %d, want 6", sigs[0].Order)
	}
}

func TestFirestoreSupersededTransaction(t *testing.T) {
	ctx := context.Background()
	s, _, docID := newTestFirestore(t)
	first, second := "tx-"+uuid.NewString(), "tx-"+uuid.NewString()

	for _, txID := range []string{first, second} {
		err := s.WithDocumentLock(ctx, docID, func(ctx context.Context, tx workflow.Tx) error {
			return tx.SaveSignature(ctx, &workflow.DocumentSignature{ID: docID + "-s1", DocumentID: docID, SignerID: "u1", Order: 1, Status: workflow.StatusPending, TransactionID: txID})
		})
		if err != nil {
			t.Fatalf("Failed to save %s: %v", txID, err)
		}
	}

	sig, err := s.FindSignatureByTransaction(ctx, first)
	if err != nil {
		t.Fatalf("FindSignatureByTransaction failed: %v", err)
	}
	if sig.ID != docID+"-s1" || sig.TransactionID != second {
		t.Errorf("FindSignatureByTransaction = %s with %s, want %s-s1 with %s", sig.ID, sig.TransactionID, docID, second)
	}
	if _, err := s.FindSignatureByTransaction(ctx, "tx-unknown"); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("unknown transaction error = %v, want ErrNotFound", err)
	}
}

func TestFirestoreLockRenewsLease(t *testing.T) {
	ctx := context.Background()
	s, client, docID := newTestFirestore(t)
	s.lease = 300 * time.Millisecond
	lockRef := client.Collection(collLocks).Doc(docID)

	err := s.WithDocumentLock(ctx, docID, func(ctx context.Context, tx workflow.Tx) error {
		time.Sleep(2 * s.lease)

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		if err := s.WithDocumentLock(waitCtx, docID, func(context.Context, workflow.Tx) error { return nil }); err == nil {
			t.Error("lease should still be held after outliving its initial length")
		}

		snap, err := lockRef.Get(ctx)
		if err != nil {
			return err
		}
		var rec lockRecord
		if err := snap.DataTo(&rec); err != nil {
			return err
		}
		if !rec.ExpiresAt.After(time.Now()) {
			t.Errorf("lease expires at %v, want a renewed deadline", rec.ExpiresAt)
		}
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("WithDocumentLock failed: %v", err)
	}
	if _, err := lockRef.Get(ctx); err == nil {
		t.Error("lock document should be deleted after commit")
	}
}
