package workflow_test

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/georgepadayatti/signflow/pdf/pdftest"
	"github.com/georgepadayatti/signflow/sign/remote"
	"github.com/georgepadayatti/signflow/sign/signtest"
	"github.com/georgepadayatti/signflow/storage/blob"
	"github.com/georgepadayatti/signflow/storage/cache"
	"github.com/georgepadayatti/signflow/storage/store"
	"github.com/georgepadayatti/signflow/workflow"
)

const (
	docID     = "doc-1"
	docCode   = "DOC-1"
	ownerID   = "owner"
	assetName = "contract"
)

var (
	testSignerOnce sync.Once
	testSigner     *signtest.Signer
)

// sharedSigner returns one certificate chain for all tests; key generation
// dominates the runtime otherwise.
func sharedSigner(t *testing.T) *signtest.Signer {
	testSignerOnce.Do(func() { testSigner = signtest.NewSigner(t, "Remote Signer") })
	return testSigner
}

// fakeProvider stands in for the remote signing service. Transactions are
// signed unless a status is set for them.
type fakeProvider struct {
	signer *signtest.Signer

	mu            sync.Mutex
	next          int
	hashes        map[string][]byte
	status        map[string]int
	noCerts       bool
	revoked       bool
	signHashCalls int
	statusCalls   int
}

func newFakeProvider(s *signtest.Signer) *fakeProvider {
	return &fakeProvider{signer: s, hashes: make(map[string][]byte), status: make(map[string]int)}
}

func (p *fakeProvider) Login(ctx context.Context, userID string) (string, error) {
	return "token-" + userID, nil
}

func (p *fakeProvider) ListCertificates(ctx context.Context, token, userID string) (map[string][]*x509.Certificate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noCerts {
		return map[string][]*x509.Certificate{}, nil
	}
	return map[string][]*x509.Certificate{"cred-" + userID: p.signer.Chain()}, nil
}

func (p *fakeProvider) SignHash(ctx context.Context, token, credentialID string, hashes [][]byte, doc remote.DocumentRef) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(hashes) != 1 || len(hashes[0]) != 32 {
		return "", fmt.Errorf("unexpected hashes %v", hashes)
	}
	p.next++
	p.signHashCalls++
	tx := "tx-" + strconv.Itoa(p.next)
	p.hashes[tx] = hashes[0]
	return tx, nil
}

func (p *fakeProvider) GetStatus(ctx context.Context, token, transactionID string) (*remote.StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusCalls++
	hash, ok := p.hashes[transactionID]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", transactionID)
	}
	code, ok := p.status[transactionID]
	if !ok {
		code = remote.StatusSigned
	}
	res := &remote.StatusResult{Code: code}
	if code == remote.StatusSigned {
		sig, err := p.signer.SignDigest(hash)
		if err != nil {
			return nil, err
		}
		res.Signatures = [][]byte{sig}
	}
	return res, nil
}

func (p *fakeProvider) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) (remote.RevocationStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.revoked {
		return remote.RevocationRevoked, nil
	}
	return remote.RevocationGood, nil
}

// setStatus makes the provider report code for tx.
func (p *fakeProvider) setStatus(tx string, code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[tx] = code
}

// countingBlobs counts writes per key.
type countingBlobs struct {
	*blob.Memory
	mu   sync.Mutex
	puts map[string]int
}

func (c *countingBlobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	c.mu.Lock()
	c.puts[key]++
	c.mu.Unlock()
	return c.Memory.Put(ctx, key, data, contentType)
}

func (c *countingBlobs) putCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts[key]
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []workflow.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n workflow.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recordingNotifier) all() []workflow.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]workflow.Notification(nil), r.got...)
}

// count returns how many notifications with title went to recipient.
func (r *recordingNotifier) count(title, recipient string) int {
	n := 0
	for _, note := range r.all() {
		if note.Title != title {
			continue
		}
		for _, rc := range note.Recipients {
			if rc == recipient {
				n++
			}
		}
	}
	return n
}

type env struct {
	t        *testing.T
	store    *store.Memory
	blobs    *countingBlobs
	cache    *cache.Memory
	notes    *recordingNotifier
	provider *fakeProvider
	orch     *workflow.Orchestrator
	now      time.Time
	signers  []string
	fileKey  string
}

type envOptions struct {
	signers int
	opts    workflow.Options
	// invisible lists signer indexes (0-based) whose signature is invisible.
	invisible map[int]bool
	// images gives signers a signature image.
	images bool
	// noFile skips attaching the signature file.
	noFile bool
}

// newEnv creates a document with a defined signing flow and a signature
// file carrying one marker per signer. Signing has not started.
func newEnv(t *testing.T, eo envOptions) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		t:        t,
		store:    store.NewMemory(),
		blobs:    &countingBlobs{Memory: blob.NewMemory(), puts: make(map[string]int)},
		notes:    &recordingNotifier{},
		provider: newFakeProvider(sharedSigner(t)),
		now:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	e.cache = cache.NewMemory(e.clock)

	e.store.PutDocument(workflow.Document{ID: docID, Code: docCode, Title: "Service contract", Category: workflow.CategoryNormal})
	e.store.PutUser(workflow.User{ID: ownerID, Name: "Owner"})

	var markers []string
	var entries []workflow.FlowEntry
	for i := 0; i < eo.signers; i++ {
		id := fmt.Sprintf("u%d", i+1)
		u := workflow.User{ID: id, Name: "Signer " + id, Email: id + "@example.com", ExternalUserID: "ext-" + id}
		if eo.images {
			u.SignatureImageID = "img-" + id
			key := "users/" + id + "/signature.png"
			e.store.PutAsset(workflow.Asset{ID: u.SignatureImageID, OwnerID: id, Kind: workflow.AssetSignatureImage, Key: key, MimeType: "image/png"})
			if err := e.blobs.Memory.Put(ctx, key, testPNG(t), "image/png"); err != nil {
				t.Fatalf("Failed to store signature image: %v", err)
			}
		}
		e.store.PutUser(u)
		e.signers = append(e.signers, id)
		markers = append(markers, strconv.Itoa(i+1))
		entries = append(entries, workflow.FlowEntry{SignerID: id, Visible: !eo.invisible[i]})
	}

	opts := eo.opts
	if opts == (workflow.Options{}) {
		opts = workflow.DefaultOptions()
	}
	e.orch = workflow.NewOrchestrator(workflow.Deps{
		Store:    e.store,
		Blobs:    e.blobs,
		Cache:    e.cache,
		Notifier: e.notes,
		Provider: e.provider,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    e.clock,
	}, opts)

	if eo.signers > 0 {
		if _, err := e.orch.DefineSigningFlow(ctx, docID, ownerID, entries); err != nil {
			t.Fatalf("Failed to define signing flow: %v", err)
		}
	}
	if !eo.noFile {
		pdf := pdftest.Build(pdftest.Options{}, pdftest.WithMarkers(markers...))
		a, err := e.orch.AttachSignatureFile(ctx, docID, workflow.Asset{ID: "file-1", Name: assetName, OwnerID: ownerID}, pdf)
		if err != nil {
			t.Fatalf("Failed to attach signature file: %v", err)
		}
		e.fileKey = a.Key
	}
	return e
}

func (e *env) clock() time.Time {
	return e.now
}

func (e *env) start() {
	e.t.Helper()
	if _, err := e.orch.StartSign(context.Background(), docID, ownerID); err != nil {
		e.t.Fatalf("Failed to start signing: %v", err)
	}
}

// sign signs as signerID and returns the transaction id.
func (e *env) sign(signerID string) string {
	e.t.Helper()
	res, err := e.orch.Sign(context.Background(), docID, signerID)
	if err != nil {
		e.t.Fatalf("Sign(%s) failed: %v", signerID, err)
	}
	return res.TransactionID
}

func (e *env) webhook(tx string) *workflow.WebhookResult {
	e.t.Helper()
	res, err := e.orch.HandleSigningWebhook(context.Background(), tx, workflow.SystemActor)
	if err != nil {
		e.t.Fatalf("HandleSigningWebhook(%s) failed: %v", tx, err)
	}
	return res
}

// signature returns signerID's committed signature row.
func (e *env) signature(signerID string) *workflow.DocumentSignature {
	e.t.Helper()
	sigs, err := e.store.ListSignatures(context.Background(), docID)
	if err != nil {
		e.t.Fatalf("Failed to list signatures: %v", err)
	}
	for _, s := range sigs {
		if s.SignerID == signerID {
			return s
		}
	}
	e.t.Fatalf("no signature for %s", signerID)
	return nil
}

func (e *env) document() *workflow.Document {
	e.t.Helper()
	doc, err := e.store.GetDocument(context.Background(), docID)
	if err != nil {
		e.t.Fatalf("Failed to load document: %v", err)
	}
	return doc
}

func (e *env) file() []byte {
	e.t.Helper()
	data, err := e.blobs.Get(context.Background(), e.fileKey)
	if err != nil {
		e.t.Fatalf("Failed to load signature file: %v", err)
	}
	return data
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 6, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, color.NRGBA{R: 10, G: 30, B: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

// wantReason fails unless err carries reason.
func wantReason(t *testing.T, err error, reason string) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want reason %s", reason)
	}
	if got := workflow.ReasonOf(err); got != reason {
		t.Fatalf("reason = %q, want %q (error: %v)", got, reason, err)
	}
	var we *workflow.Error
	if !errors.As(err, &we) {
		t.Fatalf("error %v is not a *workflow.Error", err)
	}
}
