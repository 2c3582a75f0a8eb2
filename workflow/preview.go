package workflow

import (
	"context"
	"fmt"

	"github.com/georgepadayatti/signflow/pdf/images"
	"github.com/georgepadayatti/signflow/pdf/reader"
	"github.com/georgepadayatti/signflow/sign/fields"
	"github.com/georgepadayatti/signflow/stamp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Stampable reports whether sig's stamp is drawn on previews of doc: every
// visible signer while the flow is being set up, and afterwards only those
// who have signed. The signer must also have a signature image.
func Stampable(doc *Document, sig *DocumentSignature) bool {
	if !sig.Visible {
		return false
	}
	switch doc.Category {
	case CategorySigning:
		return true
	case CategoryInProgressSigning, CategoryCompletedSigning:
		return sig.Status == StatusSigned
	}
	return false
}

// Preview renders an asset for requesterID: a watermark naming the
// requester on every page, the "not yet effective" badge while the
// document is being set up for signing, and the signers' stamps on the
// signature file.
func (o *Orchestrator) Preview(ctx context.Context, assetID, requesterID string) (p *Preview, err error) {
	ctx, end := o.startSpan(ctx, "Preview", attribute.String("asset_id", assetID))
	defer func() { end(err) }()

	asset, err := o.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, lookupErr("asset", err)
	}
	requester, err := o.store.GetUser(ctx, requesterID)
	if err != nil {
		return nil, lookupErr("requester", err)
	}
	data, err := o.blobs.Get(ctx, asset.Key)
	if err != nil {
		return nil, internalErr("failed to load asset", err)
	}

	opts := stamp.Options{Watermark: o.watermark(requester)}

	if asset.DocumentID != "" {
		doc, err := o.store.GetDocument(ctx, asset.DocumentID)
		if err != nil {
			return nil, lookupErr("document", err)
		}
		if doc.Category == CategorySigning && asset.Kind.IsSignatureFile() {
			opts.Badge = o.badge()
		}
		if asset.Kind.Stampable() {
			opts.Stamps, err = o.signerStamps(ctx, doc, data)
			if err != nil {
				return nil, err
			}
		}
	}

	out, err := stamp.Render(data, opts)
	if err != nil {
		return nil, preconditionErr(ReasonInvalidAsset, fmt.Sprintf("cannot render asset: %v", err))
	}
	return &Preview{Filename: asset.Name + "_watermarked.pdf", Data: out}, nil
}

func (o *Orchestrator) watermark(requester *User) *stamp.Watermark {
	wm := stamp.DefaultWatermark(stamp.WatermarkText(requester.Name, requester.ID, o.clock()))
	if o.opts.Stamp.WatermarkFontSize > 0 {
		wm.FontSize = o.opts.Stamp.WatermarkFontSize
	}
	if o.opts.Stamp.WatermarkOpacity > 0 {
		wm.Opacity = o.opts.Stamp.WatermarkOpacity
	}
	return wm
}

func (o *Orchestrator) badge() *stamp.Badge {
	b := stamp.DefaultBadge()
	if o.opts.Stamp.BadgeTitle != "" {
		b.Title = o.opts.Stamp.BadgeTitle
	}
	if o.opts.Stamp.BadgeSubtitle != "" {
		b.Subtitle = o.opts.Stamp.BadgeSubtitle
	}
	return b
}

// signerStamps places each stampable signer's image on every field marked
// with the signer's order. Images are fetched concurrently.
func (o *Orchestrator) signerStamps(ctx context.Context, doc *Document, data []byte) ([]stamp.SignerStamp, error) {
	pdf, err := reader.Open(data)
	if err != nil {
		return nil, preconditionErr(ReasonInvalidAsset, fmt.Sprintf("cannot read asset: %v", err))
	}
	fm, err := fields.Locate(pdf)
	if err != nil {
		return nil, internalErr("failed to locate signature fields", err)
	}
	if len(fm) == 0 {
		return nil, nil
	}
	sigs, err := o.store.ListSignatures(ctx, doc.ID)
	if err != nil {
		return nil, internalErr("failed to list signatures", err)
	}
	sortByOrder(sigs)

	var candidates []*DocumentSignature
	for _, s := range sigs {
		if Stampable(doc, s) {
			candidates = append(candidates, s)
		}
	}
	imgs := make([]*images.Image, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range candidates {
		g.Go(func() error {
			signer, err := o.store.GetUser(gctx, s.SignerID)
			if err != nil || signer.SignatureImageID == "" {
				return nil
			}
			img, err := o.signatureImage(gctx, signer.SignatureImageID)
			if err != nil {
				o.logger.Warn("signature image unavailable", "signer_id", s.SignerID, "error", err)
				return nil
			}
			imgs[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, internalErr("failed to load signature images", err)
	}

	var stamps []stamp.SignerStamp
	for _, pageIndex := range fm.Pages() {
		page, err := pdf.Page(pageIndex)
		if err != nil {
			return nil, internalErr("failed to read page", err)
		}
		for i, s := range candidates {
			if imgs[i] == nil {
				continue
			}
			for _, rect := range fm[pageIndex][s.Order] {
				stamps = append(stamps, stamp.SignerStamp{
					Page:  pageIndex,
					Box:   fields.DefaultSignatureBox(rect, page),
					Image: imgs[i],
				})
			}
		}
	}
	return stamps, nil
}
