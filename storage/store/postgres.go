package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/georgepadayatti/signflow/workflow"
)

// Schema creates the tables Postgres reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
  id         text PRIMARY KEY,
  code       text NOT NULL UNIQUE,
  title      text NOT NULL DEFAULT '',
  category   text NOT NULL DEFAULT 'NORMAL',
  created_by text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_by text NOT NULL DEFAULT '',
  updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
  id                 text PRIMARY KEY,
  name               text NOT NULL DEFAULT '',
  email              text NOT NULL DEFAULT '',
  external_user_id   text NOT NULL DEFAULT '',
  signature_image_id text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS assets (
  id          text PRIMARY KEY,
  document_id text REFERENCES documents(id) ON DELETE CASCADE,
  owner_id    text NOT NULL DEFAULT '',
  kind        text NOT NULL,
  name        text NOT NULL DEFAULT '',
  mime_type   text NOT NULL DEFAULT '',
  size        bigint NOT NULL DEFAULT 0,
  key         text NOT NULL
);
CREATE INDEX IF NOT EXISTS assets_document_idx ON assets(document_id);

CREATE TABLE IF NOT EXISTS document_signatures (
  id              text PRIMARY KEY,
  document_id     text NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
  signer_id       text NOT NULL,
  sort_order      int NOT NULL,
  status          text NOT NULL,
  transaction_id  text NOT NULL DEFAULT '',
  visible         boolean NOT NULL DEFAULT false,
  provider_status text NOT NULL DEFAULT '',
  failure_reason  text NOT NULL DEFAULT '',
  updated_by      text NOT NULL DEFAULT '',
  updated_at      timestamptz NOT NULL DEFAULT now(),
  UNIQUE (document_id, sort_order)
);
CREATE INDEX IF NOT EXISTS document_signatures_tx_idx ON document_signatures(transaction_id) WHERE transaction_id <> '';
CREATE INDEX IF NOT EXISTS document_signatures_pending_idx ON document_signatures(status, updated_at);

CREATE TABLE IF NOT EXISTS signature_transactions (
  transaction_id text PRIMARY KEY,
  signature_id   text NOT NULL,
  document_id    text NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
  created_at     timestamptz NOT NULL DEFAULT now()
);
INSERT INTO signature_transactions (transaction_id, signature_id, document_id)
SELECT transaction_id, id, document_id FROM document_signatures WHERE transaction_id <> ''
ON CONFLICT (transaction_id) DO NOTHING;
`

const (
	documentColumns  = `id, code, title, category, created_by, created_at, updated_by, updated_at`
	signatureColumns = `id, document_id, signer_id, sort_order, status, transaction_id, visible, provider_status, failure_reason, updated_by, updated_at`
	assetColumns     = `id, COALESCE(document_id, ''), owner_id, kind, name, mime_type, size, key`
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is a workflow.Store on PostgreSQL. WithDocumentLock holds a
// row lock on the document for the duration of one transaction.
type Postgres struct {
	DB *pgxpool.Pool
}

// NewPostgres wraps a pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{DB: db}
}

// Connect opens a pool for dsn.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return pool, nil
}

// Migrate creates the schema if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, Schema)
	return err
}

func (s *Postgres) GetDocument(ctx context.Context, id string) (*workflow.Document, error) {
	return getDocument(ctx, s.DB, id, false)
}

func (s *Postgres) GetUser(ctx context.Context, id string) (*workflow.User, error) {
	var u workflow.User
	err := s.DB.QueryRow(ctx, `
SELECT id, name, email, external_user_id, signature_image_id
FROM users
WHERE id=$1
`, id).Scan(&u.ID, &u.Name, &u.Email, &u.ExternalUserID, &u.SignatureImageID)
	if err != nil {
		return nil, notFound("user", id, err)
	}
	return &u, nil
}

func (s *Postgres) GetAsset(ctx context.Context, id string) (*workflow.Asset, error) {
	a, err := scanAsset(s.DB.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=$1`, id))
	if err != nil {
		return nil, notFound("asset", id, err)
	}
	return a, nil
}

func (s *Postgres) ListSignatures(ctx context.Context, documentID string) ([]*workflow.DocumentSignature, error) {
	return listSignatures(ctx, s.DB, documentID)
}

func (s *Postgres) FindSignatureByTransaction(ctx context.Context, transactionID string) (*workflow.DocumentSignature, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("transaction: %w", workflow.ErrNotFound)
	}
	sig, err := scanSignature(s.DB.QueryRow(ctx, `
SELECT `+signatureColumns+`
FROM document_signatures
WHERE id = (SELECT signature_id FROM signature_transactions WHERE transaction_id=$1)
`, transactionID))
	if err != nil {
		return nil, notFound("transaction", transactionID, err)
	}
	return sig, nil
}

func (s *Postgres) ListPendingSignatures(ctx context.Context, before time.Time) ([]*workflow.DocumentSignature, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+signatureColumns+`
FROM document_signatures
WHERE status=$1 AND updated_at < $2
ORDER BY updated_at, id
`, string(workflow.StatusPending), before.UTC())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*workflow.DocumentSignature, error) {
		return scanSignature(row)
	})
}

func (s *Postgres) WithDocumentLock(ctx context.Context, documentID string, fn func(ctx context.Context, tx workflow.Tx) error) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := getDocument(ctx, tx, documentID, true); err != nil {
		return err
	}
	if err := fn(ctx, &postgresTx{q: tx, documentID: documentID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type postgresTx struct {
	q          pgx.Tx
	documentID string
}

func (t *postgresTx) GetDocument(ctx context.Context) (*workflow.Document, error) {
	return getDocument(ctx, t.q, t.documentID, false)
}

func (t *postgresTx) ListSignatures(ctx context.Context) ([]*workflow.DocumentSignature, error) {
	return listSignatures(ctx, t.q, t.documentID)
}

func (t *postgresTx) ListAssets(ctx context.Context) ([]*workflow.Asset, error) {
	rows, err := t.q.Query(ctx, `SELECT `+assetColumns+` FROM assets WHERE document_id=$1 ORDER BY id`, t.documentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*workflow.Asset, error) {
		return scanAsset(row)
	})
}

func (t *postgresTx) SaveDocument(ctx context.Context, doc *workflow.Document) error {
	if doc.ID != t.documentID {
		return fmt.Errorf("document %s is not locked", doc.ID)
	}
	_, err := t.q.Exec(ctx, `
UPDATE documents
SET code=$2, title=$3, category=$4, updated_by=$5, updated_at=$6
WHERE id=$1
`, doc.ID, doc.Code, doc.Title, string(doc.Category), doc.UpdatedBy, doc.UpdatedAt.UTC())
	return err
}

func (t *postgresTx) SaveSignature(ctx context.Context, sig *workflow.DocumentSignature) error {
	if sig.DocumentID != t.documentID {
		return fmt.Errorf("signature %s belongs to document %s, not %s", sig.ID, sig.DocumentID, t.documentID)
	}
	if _, err := t.q.Exec(ctx, upsertSignature, signatureArgs(sig)...); err != nil {
		return err
	}
	if sig.TransactionID == "" {
		return nil
	}
	_, err := t.q.Exec(ctx, recordTransaction, sig.TransactionID, sig.ID, sig.DocumentID)
	return err
}

const recordTransaction = `
INSERT INTO signature_transactions(transaction_id, signature_id, document_id)
VALUES($1,$2,$3)
ON CONFLICT (transaction_id) DO NOTHING
`

const upsertSignature = `
INSERT INTO document_signatures(` + signatureColumns + `)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE
SET signer_id=EXCLUDED.signer_id,
    sort_order=EXCLUDED.sort_order,
    status=EXCLUDED.status,
    transaction_id=EXCLUDED.transaction_id,
    visible=EXCLUDED.visible,
    provider_status=EXCLUDED.provider_status,
    failure_reason=EXCLUDED.failure_reason,
    updated_by=EXCLUDED.updated_by,
    updated_at=EXCLUDED.updated_at
`

func (t *postgresTx) ReplaceSignatures(ctx context.Context, sigs []*workflow.DocumentSignature) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM document_signatures WHERE document_id=$1`, t.documentID)
	for _, s := range sigs {
		if s.DocumentID != t.documentID {
			return fmt.Errorf("signature %s belongs to document %s, not %s", s.ID, s.DocumentID, t.documentID)
		}
		batch.Queue(upsertSignature, signatureArgs(s)...)
		if s.TransactionID != "" {
			batch.Queue(recordTransaction, s.TransactionID, s.ID, s.DocumentID)
		}
	}
	return t.q.SendBatch(ctx, batch).Close()
}

func (t *postgresTx) SaveAsset(ctx context.Context, a *workflow.Asset) error {
	if a.DocumentID != t.documentID {
		return fmt.Errorf("asset %s belongs to document %s, not %s", a.ID, a.DocumentID, t.documentID)
	}
	_, err := t.q.Exec(ctx, `
INSERT INTO assets(id, document_id, owner_id, kind, name, mime_type, size, key)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE
SET owner_id=EXCLUDED.owner_id,
    kind=EXCLUDED.kind,
    name=EXCLUDED.name,
    mime_type=EXCLUDED.mime_type,
    size=EXCLUDED.size,
    key=EXCLUDED.key
`, a.ID, a.DocumentID, a.OwnerID, a.Kind.String(), a.Name, a.MimeType, a.Size, a.Key)
	return err
}

func getDocument(ctx context.Context, q querier, id string, lock bool) (*workflow.Document, error) {
	sql := `SELECT ` + documentColumns + ` FROM documents WHERE id=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var (
		d        workflow.Document
		category string
	)
	err := q.QueryRow(ctx, sql, id).Scan(&d.ID, &d.Code, &d.Title, &category,
		&d.CreatedBy, &d.CreatedAt, &d.UpdatedBy, &d.UpdatedAt)
	if err != nil {
		return nil, notFound("document", id, err)
	}
	d.Category = workflow.Category(category)
	return &d, nil
}

func listSignatures(ctx context.Context, q querier, documentID string) ([]*workflow.DocumentSignature, error) {
	rows, err := q.Query(ctx, `
SELECT `+signatureColumns+`
FROM document_signatures
WHERE document_id=$1
ORDER BY sort_order, id
`, documentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*workflow.DocumentSignature, error) {
		return scanSignature(row)
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSignature(row scanner) (*workflow.DocumentSignature, error) {
	var (
		s      workflow.DocumentSignature
		status string
	)
	err := row.Scan(&s.ID, &s.DocumentID, &s.SignerID, &s.Order, &status, &s.TransactionID,
		&s.Visible, &s.ProviderStatus, &s.FailureReason, &s.UpdatedBy, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = workflow.SignatureStatus(status)
	return &s, nil
}

func signatureArgs(s *workflow.DocumentSignature) []any {
	return []any{s.ID, s.DocumentID, s.SignerID, s.Order, string(s.Status), s.TransactionID,
		s.Visible, s.ProviderStatus, s.FailureReason, s.UpdatedBy, s.UpdatedAt.UTC()}
}

func scanAsset(row scanner) (*workflow.Asset, error) {
	var (
		a    workflow.Asset
		kind string
	)
	if err := row.Scan(&a.ID, &a.DocumentID, &a.OwnerID, &kind, &a.Name, &a.MimeType, &a.Size, &a.Key); err != nil {
		return nil, err
	}
	k, err := workflow.ParseAssetKind(kind)
	if err != nil {
		return nil, err
	}
	a.Kind = k
	return &a, nil
}

// notFound maps pgx.ErrNoRows to workflow.ErrNotFound.
func notFound(what, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, workflow.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %s: %w", what, id, err)
}

var _ workflow.Store = (*Postgres)(nil)
