package workflow

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Reconcile replays the webhook for every signature that has been PENDING
// for longer than olderThan, settling transactions whose webhook was lost.
// One signature's failure does not stop the others; failures are counted
// in the report.
func (o *Orchestrator) Reconcile(ctx context.Context, olderThan time.Duration) (report *ReconcileReport, err error) {
	ctx, end := o.startSpan(ctx, "Reconcile", attribute.String("older_than", olderThan.String()))
	defer func() { end(err) }()

	pending, err := o.store.ListPendingSignatures(ctx, o.clock().Add(-olderThan))
	if err != nil {
		return nil, internalErr("failed to list pending signatures", err)
	}

	report = &ReconcileReport{Checked: len(pending)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.ReconcileConcurrency)
	for _, sig := range pending {
		g.Go(func() error {
			res, err := o.HandleSigningWebhook(gctx, sig.TransactionID, SystemActor)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				if ClassOf(err) == ClassReconciliation {
					report.Reconciliation++
				} else {
					report.Errors++
				}
				report.Failures = append(report.Failures, ReconcileFailure{
					SignatureID:   sig.ID,
					TransactionID: sig.TransactionID,
					Reason:        ReasonOf(err),
					Error:         err.Error(),
				})
			case res.Pending:
				report.StillPending++
			case res.Status == StatusSigned && !res.Duplicate:
				report.Finalized++
			case !res.Duplicate:
				report.Updated++
			}
			return nil
		})
	}
	g.Wait()

	o.logger.Info("reconciliation finished",
		"checked", report.Checked, "finalized", report.Finalized, "updated", report.Updated,
		"pending", report.StillPending, "reconciliation", report.Reconciliation, "errors", report.Errors)
	return report, nil
}
