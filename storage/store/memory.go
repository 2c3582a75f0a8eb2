// Package store provides workflow.Store implementations: PostgreSQL,
// Firestore and an in-memory store for tests and local runs.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/georgepadayatti/signflow/workflow"
)

// Memory is an in-memory workflow.Store. Transactions work on a copy of
// the locked document's rows and apply it only when the callback succeeds.
type Memory struct {
	mu         sync.RWMutex
	documents  map[string]workflow.Document
	users      map[string]workflow.User
	assets     map[string]workflow.Asset
	signatures map[string]workflow.DocumentSignature
	// transactions maps every transaction id ever issued to its signature.
	transactions map[string]string
	locks        map[string]*sync.Mutex
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		documents:  make(map[string]workflow.Document),
		users:      make(map[string]workflow.User),
		assets:     make(map[string]workflow.Asset),
		signatures:   make(map[string]workflow.DocumentSignature),
		transactions: make(map[string]string),
		locks:        make(map[string]*sync.Mutex),
	}
}

// PutDocument creates or replaces a document.
func (m *Memory) PutDocument(doc workflow.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[doc.ID] = doc
}

// PutUser creates or replaces a user.
func (m *Memory) PutUser(u workflow.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// PutAsset creates or replaces an asset.
func (m *Memory) PutAsset(a workflow.Asset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[a.ID] = a
}

// PutSignature creates or replaces a signature.
func (m *Memory) PutSignature(s workflow.DocumentSignature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signatures[s.ID] = s
	if s.TransactionID != "" {
		m.transactions[s.TransactionID] = s.ID
	}
}

func (m *Memory) GetDocument(ctx context.Context, id string) (*workflow.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, workflow.ErrNotFound)
	}
	return &d, nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*workflow.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, workflow.ErrNotFound)
	}
	return &u, nil
}

func (m *Memory) GetAsset(ctx context.Context, id string) (*workflow.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, workflow.ErrNotFound)
	}
	return &a, nil
}

func (m *Memory) ListSignatures(ctx context.Context, documentID string) ([]*workflow.DocumentSignature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signaturesOf(documentID), nil
}

func (m *Memory) FindSignatureByTransaction(ctx context.Context, transactionID string) (*workflow.DocumentSignature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.transactions[transactionID]; ok && transactionID != "" {
		if s, ok := m.signatures[id]; ok {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("transaction %s: %w", transactionID, workflow.ErrNotFound)
}

func (m *Memory) ListPendingSignatures(ctx context.Context, before time.Time) ([]*workflow.DocumentSignature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*workflow.DocumentSignature
	for _, s := range m.signatures {
		if s.Status == workflow.StatusPending && s.UpdatedAt.Before(before) {
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) WithDocumentLock(ctx context.Context, documentID string, fn func(ctx context.Context, tx workflow.Tx) error) error {
	lock := m.lockFor(documentID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := m.begin(documentID)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *Memory) lockFor(documentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[documentID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[documentID] = l
	}
	return l
}

func (m *Memory) signaturesOf(documentID string) []*workflow.DocumentSignature {
	var out []*workflow.DocumentSignature
	for _, s := range m.signatures {
		if s.DocumentID == documentID {
			out = append(out, &s)
		}
	}
	sortSignatures(out)
	return out
}

func (m *Memory) begin(documentID string) (*memoryTx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, workflow.ErrNotFound)
	}
	tx := &memoryTx{
		doc:        doc,
		signatures: make(map[string]workflow.DocumentSignature),
		assets:     make(map[string]workflow.Asset),
	}
	for id, s := range m.signatures {
		if s.DocumentID == documentID {
			tx.signatures[id] = s
		}
	}
	for id, a := range m.assets {
		if a.DocumentID == documentID {
			tx.assets[id] = a
		}
	}
	return tx, nil
}

func (m *Memory) commit(tx *memoryTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[tx.doc.ID] = tx.doc
	for id, s := range m.signatures {
		if s.DocumentID == tx.doc.ID {
			if _, kept := tx.signatures[id]; !kept {
				delete(m.signatures, id)
			}
		}
	}
	for id, s := range tx.signatures {
		m.signatures[id] = s
		if s.TransactionID != "" {
			m.transactions[s.TransactionID] = id
		}
	}
	for id, a := range tx.assets {
		m.assets[id] = a
	}
}

// memoryTx is a private copy of one document's rows.
type memoryTx struct {
	doc        workflow.Document
	signatures map[string]workflow.DocumentSignature
	assets     map[string]workflow.Asset
}

func (tx *memoryTx) GetDocument(ctx context.Context) (*workflow.Document, error) {
	d := tx.doc
	return &d, nil
}

func (tx *memoryTx) ListSignatures(ctx context.Context) ([]*workflow.DocumentSignature, error) {
	out := make([]*workflow.DocumentSignature, 0, len(tx.signatures))
	for _, s := range tx.signatures {
		out = append(out, &s)
	}
	sortSignatures(out)
	return out, nil
}

func (tx *memoryTx) ListAssets(ctx context.Context) ([]*workflow.Asset, error) {
	out := make([]*workflow.Asset, 0, len(tx.assets))
	for _, a := range tx.assets {
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memoryTx) SaveDocument(ctx context.Context, doc *workflow.Document) error {
	if doc.ID != tx.doc.ID {
		return fmt.Errorf("document %s is not locked", doc.ID)
	}
	tx.doc = *doc
	return nil
}

func (tx *memoryTx) SaveSignature(ctx context.Context, sig *workflow.DocumentSignature) error {
	if sig.DocumentID != tx.doc.ID {
		return fmt.Errorf("signature %s belongs to document %s, not %s", sig.ID, sig.DocumentID, tx.doc.ID)
	}
	tx.signatures[sig.ID] = *sig
	return nil
}

func (tx *memoryTx) ReplaceSignatures(ctx context.Context, sigs []*workflow.DocumentSignature) error {
	tx.signatures = make(map[string]workflow.DocumentSignature, len(sigs))
	for _, s := range sigs {
		if err := tx.SaveSignature(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) SaveAsset(ctx context.Context, asset *workflow.Asset) error {
	if asset.DocumentID != tx.doc.ID {
		return fmt.Errorf("asset %s belongs to document %s, not %s", asset.ID, asset.DocumentID, tx.doc.ID)
	}
	tx.assets[asset.ID] = *asset
	return nil
}

func sortSignatures(sigs []*workflow.DocumentSignature) {
	sort.Slice(sigs, func(i, j int) bool {
		if sigs[i].Order != sigs[j].Order {
			return sigs[i].Order < sigs[j].Order
		}
		return sigs[i].ID < sigs[j].ID
	})
}

var _ workflow.Store = (*Memory)(nil)
