// Package payments owns payment intents and the verification pipeline that
// turns a gateway notification into a finalize job.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

type VerifierDeps struct {
	Adapters    *gateway.Registry
	Intents     IntentStore
	Records     RecordStore
	Jobs        jobs.Enqueuer
	Cache       ResultCache  // optional
	Waker       jobs.Waker   // optional
	Holds       HoldReleaser // optional
	Log         *slog.Logger
	MaxAttempts int
}

// Verifier re-confirms every payment with the gateway before anything is
// enqueued. Push (webhook) and pull (client verify) share one path.
type Verifier struct {
	d VerifierDeps

	verified   metric.Int64Counter
	mismatches metric.Int64Counter
}

func NewVerifier(d VerifierDeps) *Verifier {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Waker == nil {
		d.Waker = jobs.Nop{}
	}
	meter := otel.Meter("payments")
	verified, _ := meter.Int64Counter("payment_verifications_total",
		metric.WithDescription("gateway verifications by provider and outcome"))
	mismatches, _ := meter.Int64Counter("payment_amount_mismatch_total",
		metric.WithDescription("verified payments whose confirmed amount differs from the intent"))
	return &Verifier{d: d, verified: verified, mismatches: mismatches}
}

// HandleNotification processes a push callback.
func (v *Verifier) HandleNotification(ctx context.Context, provider gateway.Provider, q url.Values) (Result, error) {
	a, err := v.d.Adapters.Get(provider)
	if err != nil {
		return Result{}, err
	}
	n, err := a.ParseNotification(q)
	if err != nil {
		return Result{}, err
	}
	return v.verify(ctx, a, n.Ref)
}

// VerifyReference processes a client-triggered pull for ref.
func (v *Verifier) VerifyReference(ctx context.Context, provider gateway.Provider, ref string) (Result, error) {
	a, err := v.d.Adapters.Get(provider)
	if err != nil {
		return Result{}, err
	}
	if ref == "" {
		return Result{}, fmt.Errorf("%w: empty transaction reference", gateway.ErrMalformedNotification)
	}
	return v.verify(ctx, a, ref)
}

func (v *Verifier) verify(ctx context.Context, a gateway.Adapter, ref string) (res Result, err error) {
	p := a.Provider()
	ctx, span := otel.Tracer("payments").Start(ctx, "payments.verify")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("payment.provider", string(p)), attribute.String("payment.ref", ref))
	log := v.d.Log.With("provider", p, "transaction_ref", ref)

	// 1. idempotency
	if v.d.Cache != nil {
		if r, ok := v.d.Cache.GetResult(ctx, p, ref); ok {
			r.AlreadyReceived = true
			return r, nil
		}
	}
	existing, err := v.d.Records.GetRecord(ctx, p, ref)
	havePending := false
	switch {
	case err == nil && existing.Status.Final():
		r := resultFromRecord(existing)
		r.AlreadyReceived = true
		if existing.Status == RecordSuccess {
			// repairs a crash between the record insert and the enqueue
			in, ierr := v.d.Intents.GetIntent(ctx, existing.PaymentIntentID)
			if ierr != nil {
				return Result{}, fmt.Errorf("load intent: %w", ierr)
			}
			if _, serr := v.settle(ctx, a, in, ref, existing.ProviderTxnID); serr != nil {
				return Result{}, serr
			}
		}
		v.cache(ctx, p, ref, r)
		log.Info("notification already received", "status", existing.Status)
		return r, nil
	case err == nil:
		havePending = true
	case errors.Is(err, ErrRecordNotFound):
	default:
		return Result{}, fmt.Errorf("load verification record: %w", err)
	}

	// 2. intent by provider-specific key
	in, err := v.lookupIntent(ctx, a, ref)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("payment.intent_id", in.ID))
	log = log.With("payment_intent_id", in.ID)

	// 3. ask the gateway; callback fields are never trusted
	ver, err := a.Verify(ctx, gateway.VerifyRequest{Ref: ref, ExpectedCents: in.AmountCents})
	if err != nil {
		log.Error("gateway verification failed", "err", err, "retryable", gateway.IsRetryable(err))
		return Result{}, err
	}

	// 4. classify
	status := classify(ver, in.AmountCents)
	v.verified.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(p)), attribute.String("status", string(status))))
	if status == RecordAmountMismatch {
		v.mismatches.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", string(p))))
		log.Warn("amount mismatch", "event", "fraud_signal",
			"expected_cents", in.AmountCents, "confirmed_cents", ver.ConfirmedCents, "gateway_status", ver.GatewayStatus)
	}

	// 5. audit record
	now := time.Now().UTC()
	rec := VerificationRecord{
		Provider:        p,
		Reference:       ref,
		PaymentIntentID: in.ID,
		ProviderTxnID:   ver.ProviderTxnID,
		Status:          status,
		ExpectedCents:   in.AmountCents,
		ConfirmedCents:  ver.ConfirmedCents,
		GatewayStatus:   ver.GatewayStatus,
		RawResponse:     ver.Raw,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	switch {
	case havePending && status.Final():
		err = v.d.Records.PromoteRecord(ctx, rec)
	case havePending:
		err = nil
	default:
		err = v.d.Records.InsertRecord(ctx, rec)
	}
	if errors.Is(err, ErrRecordExists) {
		log.Info("verification recorded concurrently")
		err = nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("record verification: %w", err)
	}

	res = Result{
		Provider:        p,
		Reference:       ref,
		PaymentIntentID: in.ID,
		Status:          status,
		ExpectedCents:   in.AmountCents,
		ConfirmedCents:  ver.ConfirmedCents,
	}

	// 6. intent state, and a job only on success
	switch status {
	case RecordSuccess:
		created, err := v.settle(ctx, a, in, ref, ver.ProviderTxnID)
		if err != nil {
			return Result{}, err
		}
		res.JobEnqueued = created
		log.Info("payment verified", "job_enqueued", created)
	case RecordAmountMismatch, RecordFailed:
		err := v.d.Intents.UpdateIntentStatus(ctx, in.ID, IntentFailed)
		if errors.Is(err, ErrInvalidTransition) {
			log.Warn("intent already succeeded, leaving it", "status", status)
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("mark intent failed: %w", err)
		}
		if v.d.Holds != nil {
			if err := v.d.Holds.Release(ctx, in.ID); err != nil {
				log.Error("release holds", "err", err)
			}
		}
		log.Info("payment not completed", "status", status, "gateway_status", ver.GatewayStatus)
	case RecordPending:
		log.Info("payment still pending", "gateway_status", ver.GatewayStatus)
	}

	if status.Final() {
		v.cache(ctx, p, ref, res)
	}
	return res, nil
}

// settle marks the intent succeeded, enqueues finalization and wakes the
// worker. Every step is idempotent.
func (v *Verifier) settle(ctx context.Context, a gateway.Adapter, in Intent, ref, providerTxnID string) (bool, error) {
	if a.LookupKey() == gateway.LookupByIntentID && in.ExternalTransactionID == "" && providerTxnID != "" {
		if err := v.d.Intents.SetExternalID(ctx, in.ID, providerTxnID); err != nil {
			return false, fmt.Errorf("store gateway transaction id: %w", err)
		}
	}
	if in.Status != IntentSucceeded {
		if err := v.d.Intents.UpdateIntentStatus(ctx, in.ID, IntentSucceeded); err != nil {
			return false, fmt.Errorf("mark intent succeeded: %w", err)
		}
	}

	p := a.Provider()
	j, err := jobs.New(jobs.TypeFinalizeOrder, jobs.PaymentKey(string(p), ref), jobs.FinalizePayload{
		PaymentIntentID:       in.ID,
		Provider:              string(p),
		ExternalTransactionID: ref,
	}, v.d.MaxAttempts)
	if err != nil {
		return false, err
	}
	created, err := v.d.Jobs.Enqueue(ctx, j)
	if err != nil {
		return false, fmt.Errorf("enqueue finalize: %w", err)
	}

	// 7. wake
	v.d.Waker.Wake(ctx, jobs.WakeHint{
		JobType:         jobs.TypeFinalizeOrder,
		PaymentIntentID: in.ID,
		Provider:        string(p),
		Reference:       ref,
	})
	return created, nil
}

func (v *Verifier) lookupIntent(ctx context.Context, a gateway.Adapter, ref string) (Intent, error) {
	var (
		in  Intent
		err error
	)
	switch a.LookupKey() {
	case gateway.LookupByIntentID:
		in, err = v.d.Intents.GetIntent(ctx, ref)
	default:
		in, err = v.d.Intents.GetIntentByExternalID(ctx, a.Provider(), ref)
	}
	if err != nil {
		return Intent{}, err
	}
	if in.Provider != a.Provider() {
		return Intent{}, fmt.Errorf("%w: intent belongs to %s", ErrIntentNotFound, in.Provider)
	}
	return in, nil
}

func (v *Verifier) cache(ctx context.Context, p gateway.Provider, ref string, r Result) {
	if v.d.Cache == nil {
		return
	}
	r.AlreadyReceived = false
	v.d.Cache.SetResult(ctx, p, ref, r)
}

// classify compares in integer minor units only.
func classify(ver gateway.Verification, expectedCents int64) RecordStatus {
	switch ver.Status {
	case gateway.StatusComplete:
		if ver.ConfirmedCents == expectedCents {
			return RecordSuccess
		}
		return RecordAmountMismatch
	case gateway.StatusPending:
		return RecordPending
	}
	return RecordFailed
}
