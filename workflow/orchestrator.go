package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/georgepadayatti/signflow/sign/pades"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SystemActor is recorded as the actor of changes made by background jobs.
const SystemActor = "system"

// DefaultReasonTemplate is the signature reason; {name} and {email} are
// replaced with the signer's.
const DefaultReasonTemplate = "{name} <{email}> signed this document"

// Deps are the Orchestrator's collaborators.
type Deps struct {
	Store    Store
	Blobs    BlobStore
	Cache    ContextCache
	Notifier Notifier
	Provider SigningProvider
	Logger   *slog.Logger
	Clock    func() time.Time
}

// StampOptions overrides the preview stamp texts and watermark style.
// Zero values keep the defaults.
type StampOptions struct {
	BadgeTitle        string
	BadgeSubtitle     string
	WatermarkFontSize float64
	WatermarkOpacity  float64
}

// Options tunes the Orchestrator.
type Options struct {
	// ContextTTL is how long a prepared signature can wait for the
	// webhook. Default: 1 hour
	ContextTTL time.Duration
	// RetryAfterReject lets a signer sign again after rejecting on the
	// device.
	RetryAfterReject bool
	// OCSPCheck refuses signing with a revoked certificate.
	OCSPCheck bool
	// Location is written to the signature dictionary.
	Location string
	// BytesReserved is the room kept for the CMS structure.
	// Default: 16384
	BytesReserved int
	// ReasonTemplate defaults to DefaultReasonTemplate.
	ReasonTemplate string
	// ReconcileConcurrency bounds parallel webhook replays in Reconcile.
	// Default: 4
	ReconcileConcurrency int
	Stamp                StampOptions
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		ContextTTL:           time.Hour,
		RetryAfterReject:     true,
		BytesReserved:        pades.DefaultBytesReserved,
		ReasonTemplate:       DefaultReasonTemplate,
		ReconcileConcurrency: 4,
	}
}

// Orchestrator drives documents through the signing workflow. It is safe
// for concurrent use; per-document serialization comes from the Store.
type Orchestrator struct {
	store    Store
	blobs    BlobStore
	cache    ContextCache
	notifier Notifier
	provider SigningProvider
	logger   *slog.Logger
	clock    func() time.Time
	tracer   trace.Tracer
	opts     Options
}

// NewOrchestrator creates an Orchestrator. Zero options take the defaults.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.ContextTTL <= 0 {
		opts.ContextTTL = def.ContextTTL
	}
	if opts.BytesReserved <= 0 {
		opts.BytesReserved = def.BytesReserved
	}
	if opts.ReasonTemplate == "" {
		opts.ReasonTemplate = def.ReasonTemplate
	}
	if opts.ReconcileConcurrency <= 0 {
		opts.ReconcileConcurrency = def.ReconcileConcurrency
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Orchestrator{
		store:    deps.Store,
		blobs:    deps.Blobs,
		cache:    deps.Cache,
		notifier: deps.Notifier,
		provider: deps.Provider,
		logger:   deps.Logger,
		clock:    deps.Clock,
		tracer:   otel.Tracer("github.com/georgepadayatti/signflow/workflow"),
		opts:     opts,
	}
}

// startSpan starts an operation span; end records err on it.
func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := o.tracer.Start(ctx, "workflow."+name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, ReasonOf(err))
		}
		span.End()
	}
}

// StartSign moves a SIGNING document into IN_PROGRESS_SIGNING and asks the
// first signer to sign.
func (o *Orchestrator) StartSign(ctx context.Context, documentID, requesterID string) (doc *Document, err error) {
	ctx, end := o.startSpan(ctx, "StartSign", attribute.String("document_id", documentID))
	defer func() { end(err) }()

	var first *DocumentSignature
	err = o.store.WithDocumentLock(ctx, documentID, func(ctx context.Context, tx Tx) error {
		d, err := tx.GetDocument(ctx)
		if err != nil {
			return lookupErr("document", err)
		}
		if d.Category != CategorySigning {
			return preconditionErr(ReasonNotSigningDocument, fmt.Sprintf("document is %s", categoryName(d.Category)))
		}
		assets, err := tx.ListAssets(ctx)
		if err != nil {
			return internalErr("failed to list assets", err)
		}
		if _, n := signatureFile(assets); n != 1 {
			return preconditionErr(ReasonSignatureFileCount, fmt.Sprintf("document has %d signature files, want 1", n))
		}
		sigs, err := tx.ListSignatures(ctx)
		if err != nil {
			return internalErr("failed to list signatures", err)
		}

		d.Category = CategoryInProgressSigning
		d.UpdatedBy = requesterID
		d.UpdatedAt = o.clock()
		if err := tx.SaveDocument(ctx, d); err != nil {
			return internalErr("failed to save document", err)
		}
		doc = d
		first = signatureAt(sigs, 1)
		return nil
	})
	if err != nil {
		return nil, asError(err)
	}

	o.logger.Info("signing started", "document_id", documentID, "requester_id", requesterID)
	if first != nil {
		o.notify(ctx, signatureRequested(requesterID, doc, first.SignerID))
	}
	return doc, nil
}

// DefineSigningFlow replaces the document's signers with entries, in
// order, and puts the document into SIGNING. It is refused once signing
// has started.
func (o *Orchestrator) DefineSigningFlow(ctx context.Context, documentID, requesterID string, entries []FlowEntry) (sigs []*DocumentSignature, err error) {
	ctx, end := o.startSpan(ctx, "DefineSigningFlow", attribute.String("document_id", documentID))
	defer func() { end(err) }()

	if len(entries) == 0 {
		return nil, preconditionErr(ReasonInvalidFlow, "at least one signer is required")
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.SignerID) == "" {
			return nil, preconditionErr(ReasonInvalidFlow, "signer id is required")
		}
		if seen[e.SignerID] {
			return nil, preconditionErr(ReasonInvalidFlow, fmt.Sprintf("signer %s appears twice", e.SignerID))
		}
		seen[e.SignerID] = true
	}
	for _, e := range entries {
		if _, err := o.store.GetUser(ctx, e.SignerID); err != nil {
			return nil, lookupErr("signer "+e.SignerID, err)
		}
	}

	err = o.store.WithDocumentLock(ctx, documentID, func(ctx context.Context, tx Tx) error {
		d, err := tx.GetDocument(ctx)
		if err != nil {
			return lookupErr("document", err)
		}
		switch d.Category {
		case "", CategoryNormal, CategorySigning:
		default:
			return preconditionErr(ReasonFlowLocked, fmt.Sprintf("document is %s", categoryName(d.Category)))
		}

		now := o.clock()
		sigs = make([]*DocumentSignature, len(entries))
		for i, e := range entries {
			sigs[i] = &DocumentSignature{
				ID:         uuid.NewString(),
				DocumentID: documentID,
				SignerID:   e.SignerID,
				Order:      i + 1,
				Status:     StatusUnsigned,
				Visible:    e.Visible,
				UpdatedBy:  requesterID,
				UpdatedAt:  now,
			}
		}
		if err := tx.ReplaceSignatures(ctx, sigs); err != nil {
			return internalErr("failed to replace signatures", err)
		}

		d.Category = CategorySigning
		d.UpdatedBy = requesterID
		d.UpdatedAt = now
		if err := tx.SaveDocument(ctx, d); err != nil {
			return internalErr("failed to save document", err)
		}
		return nil
	})
	if err != nil {
		return nil, asError(err)
	}
	o.logger.Info("signing flow defined", "document_id", documentID, "signers", len(sigs))
	return sigs, nil
}

// AttachSignatureFile stores data as the document's signature file. A
// document has at most one.
func (o *Orchestrator) AttachSignatureFile(ctx context.Context, documentID string, asset Asset, data []byte) (out *Asset, err error) {
	ctx, end := o.startSpan(ctx, "AttachSignatureFile", attribute.String("document_id", documentID))
	defer func() { end(err) }()

	if len(data) == 0 {
		return nil, preconditionErr(ReasonInvalidAsset, "signature file is empty")
	}
	err = o.store.WithDocumentLock(ctx, documentID, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetDocument(ctx); err != nil {
			return lookupErr("document", err)
		}
		assets, err := tx.ListAssets(ctx)
		if err != nil {
			return internalErr("failed to list assets", err)
		}
		if _, n := signatureFile(assets); n > 0 {
			return preconditionErr(ReasonSignatureFileExists, "document already has a signature file")
		}

		a := asset
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.DocumentID = documentID
		a.Kind = AssetSignatureFile
		a.Size = int64(len(data))
		if a.MimeType == "" {
			a.MimeType = "application/pdf"
		}
		if a.Key == "" {
			a.Key = fmt.Sprintf("documents/%s/%s.pdf", documentID, a.ID)
		}
		if err := o.blobs.Put(ctx, a.Key, data, a.MimeType); err != nil {
			return internalErr("failed to store signature file", err)
		}
		if err := tx.SaveAsset(ctx, &a); err != nil {
			return internalErr("failed to save asset", err)
		}
		out = &a
		return nil
	})
	if err != nil {
		return nil, asError(err)
	}
	return out, nil
}

// Signatures returns the document's signatures in order.
func (o *Orchestrator) Signatures(ctx context.Context, documentID string) ([]*DocumentSignature, error) {
	if _, err := o.store.GetDocument(ctx, documentID); err != nil {
		return nil, lookupErr("document", err)
	}
	sigs, err := o.store.ListSignatures(ctx, documentID)
	if err != nil {
		return nil, internalErr("failed to list signatures", err)
	}
	sortByOrder(sigs)
	return sigs, nil
}

// DownloadURL returns a presigned URL for an asset.
func (o *Orchestrator) DownloadURL(ctx context.Context, assetID string, ttl time.Duration) (string, error) {
	asset, err := o.store.GetAsset(ctx, assetID)
	if err != nil {
		return "", lookupErr("asset", err)
	}
	url, err := o.blobs.Presign(ctx, asset.Key, ttl)
	if err != nil {
		return "", internalErr("failed to presign download", err)
	}
	return url, nil
}

// signatureFile returns the first signature file among assets and how
// many there are.
func signatureFile(assets []*Asset) (*Asset, int) {
	var first *Asset
	n := 0
	for _, a := range assets {
		if a.Kind.IsSignatureFile() {
			if first == nil {
				first = a
			}
			n++
		}
	}
	return first, n
}

func signatureAt(sigs []*DocumentSignature, order int) *DocumentSignature {
	for _, s := range sigs {
		if s.Order == order {
			return s
		}
	}
	return nil
}

func signatureOf(sigs []*DocumentSignature, signerID string) *DocumentSignature {
	for _, s := range sigs {
		if s.SignerID == signerID {
			return s
		}
	}
	return nil
}

func sortByOrder(sigs []*DocumentSignature) {
	sort.SliceStable(sigs, func(i, j int) bool { return sigs[i].Order < sigs[j].Order })
}

func categoryName(c Category) string {
	if c == "" {
		return "uncategorized"
	}
	return string(c)
}
