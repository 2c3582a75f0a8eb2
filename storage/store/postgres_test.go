package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/georgepadayatti/signflow/workflow"
)

// newTestPostgres connects to SIGNFLOW_TEST_DATABASE_URL and seeds one
// document. Tests are skipped without it.
func newTestPostgres(t *testing.T) (*Postgres, string) {
	t.Helper()
	dsn := os.Getenv("SIGNFLOW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SIGNFLOW_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)
	s := NewPostgres(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	docID := "doc-" + uuid.NewString()
	if _, err := pool.Exec(ctx, `INSERT INTO documents (id, code, category) VALUES ($1, $2, 'SIGNING')`, docID, docID); err != nil {
		t.Fatalf("Failed to insert document: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO users (id, name) VALUES ($1, 'Alice') ON CONFLICT (id) DO NOTHING`, "pg-u1"); err != nil {
		t.Fatalf("Failed to insert user: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM documents WHERE id = $1`, docID)
	})
	return s, docID
}

func TestPostgresLockCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s, docID := newTestPostgres(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
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
		if err := tx.ReplaceSignatures(ctx, []*workflow.DocumentSignature{
			{ID: docID + "-s1", DocumentID: docID, SignerID: "pg-u1", Order: 1, Status: workflow.StatusPending, TransactionID: txID, UpdatedAt: now.Add(-time.Hour)},
			{ID: docID + "-s2", DocumentID: docID, SignerID: "pg-u2", Order: 2, Status: workflow.StatusUnsigned, UpdatedAt: now},
		}); err != nil {
			return err
		}
		return tx.SaveAsset(ctx, &workflow.Asset{ID: docID + "-a1", DocumentID: docID, Kind: workflow.AssetSignatureFile, Key: "k"})
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
	asset, err := s.GetAsset(ctx, docID+"-a1")
	if err != nil || asset.Kind != workflow.AssetSignatureFile {
		t.Errorf("GetAsset = %v, %v", asset, err)
	}
	pending, err := s.ListPendingSignatures(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListPendingSignatures failed: %v", err)
	}
	found := false
	for _, p := range pending {
		found = found || p.ID == docID+"-s1"
	}
	if !found {
		t.Error("pending signature not listed")
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

	if err := s.WithDocumentLock(ctx, "missing-"+uuid.NewString(), func(context.Context, workflow.Tx) error { return nil }); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("lock on missing document error = %v, want ErrNotFound", err)
	}
}

func TestPostgresLockSerializes(t *testing.T) {
	ctx := context.Background()
	s, docID := newTestPostgres(t)
	err := s.WithDocumentLock(ctx, docID, func(ctx context.Context, tx workflow.Tx) error {
		return tx.SaveSignature(ctx, &workflow.DocumentSignature{ID: docID + "-s1", DocumentID: docID, SignerID: "pg-u1", Order: 1, Status: workflow.StatusUnsigned})
	})
	if err != nil {
		t.Fatalf("Failed to seed signature: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
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
	if sigs[0].Order != 11 {
		t.Errorf("Order = %d, want 11", sigs[0].Order)
	}
}

func TestPostgresSupersededTransaction(t *testing.T) {
	ctx := context.Background()
	s, docID := newTestPostgres(t)
	first, second := "tx-"+uuid.NewString(), "tx-"+uuid.NewString()

	for _, txID := range []string{first, second} {
		err := s.WithDocumentLock(ctx, docID, func(ctx context.Context, tx workflow.Tx) error {
			return tx.SaveSignature(ctx, &workflow.DocumentSignature{ID: docID + "-s1", DocumentID: docID, SignerID: "pg-u1", Order: 1, Status: workflow.StatusPending, TransactionID: txID})
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
}
