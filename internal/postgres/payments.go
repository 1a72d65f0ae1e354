package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
	"github.com/jackc/pgx/v5"
)

const intentCols = `id, COALESCE(external_transaction_id, ''), COALESCE(cart_id, ''), user_id, provider, status,
	amount_cents, subtotal_cents, tax_cents, shipping_cents, currency, lines, shipping_address, metadata,
	expires_at, created_at, updated_at`

func scanIntent(row pgx.Row) (payments.Intent, error) {
	var (
		in                payments.Intent
		provider, status  string
		lines, addr, meta []byte
	)
	err := row.Scan(&in.ID, &in.ExternalTransactionID, &in.CartID, &in.UserID, &provider, &status,
		&in.AmountCents, &in.SubtotalCents, &in.TaxCents, &in.ShippingCents, &in.Currency, &lines, &addr, &meta,
		&in.ExpiresAt, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.Intent{}, payments.ErrIntentNotFound
	}
	if err != nil {
		return payments.Intent{}, err
	}
	in.Provider = gateway.Provider(provider)
	in.Status = payments.IntentStatus(status)
	if err := json.Unmarshal(lines, &in.Lines); err != nil {
		return payments.Intent{}, fmt.Errorf("decode intent lines: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &in.Metadata); err != nil {
			return payments.Intent{}, fmt.Errorf("decode intent metadata: %w", err)
		}
	}
	if len(addr) > 0 {
		in.ShippingAddress = json.RawMessage(addr)
	}
	return in, nil
}

func (s *Store) CreateIntent(ctx context.Context, in payments.Intent) error {
	lines, err := json.Marshal(in.Lines)
	if err != nil {
		return err
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(in.Metadata)
	if err != nil {
		return err
	}
	var addr []byte
	if len(in.ShippingAddress) > 0 {
		addr = in.ShippingAddress
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO payment_intents(id, external_transaction_id, cart_id, user_id, provider, status,
			amount_cents, subtotal_cents, tax_cents, shipping_cents, currency, lines, shipping_address, metadata, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		in.ID, nullString(in.ExternalTransactionID), nullString(in.CartID), in.UserID, string(in.Provider), string(in.Status),
		in.AmountCents, in.SubtotalCents, in.TaxCents, in.ShippingCents, in.Currency, lines, addr, meta, in.ExpiresAt)
	return err
}

func (s *Store) GetIntent(ctx context.Context, id string) (payments.Intent, error) {
	return scanIntent(s.DB.QueryRow(ctx, `SELECT `+intentCols+` FROM payment_intents WHERE id=$1`, id))
}

func (s *Store) GetIntentByExternalID(ctx context.Context, provider gateway.Provider, externalID string) (payments.Intent, error) {
	if externalID == "" {
		return payments.Intent{}, payments.ErrIntentNotFound
	}
	return scanIntent(s.DB.QueryRow(ctx, `SELECT `+intentCols+`
		FROM payment_intents WHERE provider=$1 AND external_transaction_id=$2`, string(provider), externalID))
}

// SetExternalID records the gateway's transaction id once; later calls are no-ops.
func (s *Store) SetExternalID(ctx context.Context, id, externalID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE payment_intents SET external_transaction_id=$2, updated_at=now()
		WHERE id=$1 AND COALESCE(external_transaction_id, '') = ''`, id, externalID)
	return err
}

func (s *Store) UpdateIntentStatus(ctx context.Context, id string, status payments.IntentStatus) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var cur string
	err = tx.QueryRow(ctx, `SELECT status FROM payment_intents WHERE id=$1 FOR UPDATE`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.ErrIntentNotFound
	}
	if err != nil {
		return err
	}
	if !payments.CanTransition(payments.IntentStatus(cur), status) {
		return payments.ErrInvalidTransition
	}
	if cur == string(status) {
		return nil
	}
	if _, err := tx.Exec(ctx, `UPDATE payment_intents SET status=$2, updated_at=now() WHERE id=$1`, id, string(status)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]payments.Intent, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+intentCols+`
		FROM payment_intents WHERE status='pending' AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payments.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

const recordCols = `provider, reference, payment_intent_id, COALESCE(provider_txn_id, ''), status,
	expected_cents, confirmed_cents, COALESCE(gateway_status, ''), raw_response, created_at, updated_at`

func (s *Store) GetRecord(ctx context.Context, provider gateway.Provider, ref string) (payments.VerificationRecord, error) {
	var (
		rec       payments.VerificationRecord
		p, status string
		raw       []byte
	)
	err := s.DB.QueryRow(ctx, `SELECT `+recordCols+`
		FROM gateway_verification_records WHERE provider=$1 AND reference=$2`, string(provider), ref).
		Scan(&p, &rec.Reference, &rec.PaymentIntentID, &rec.ProviderTxnID, &status,
			&rec.ExpectedCents, &rec.ConfirmedCents, &rec.GatewayStatus, &raw, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.VerificationRecord{}, payments.ErrRecordNotFound
	}
	if err != nil {
		return payments.VerificationRecord{}, err
	}
	rec.Provider = gateway.Provider(p)
	rec.Status = payments.RecordStatus(status)
	if len(raw) > 0 {
		rec.RawResponse = json.RawMessage(raw)
	}
	return rec, nil
}

// InsertRecord returns payments.ErrRecordExists when (provider, reference)
// is already recorded.
func (s *Store) InsertRecord(ctx context.Context, rec payments.VerificationRecord) error {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO gateway_verification_records(provider, reference, payment_intent_id, provider_txn_id, status,
			expected_cents, confirmed_cents, gateway_status, raw_response)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (provider, reference) DO NOTHING`,
		string(rec.Provider), rec.Reference, rec.PaymentIntentID, nullString(rec.ProviderTxnID), string(rec.Status),
		rec.ExpectedCents, rec.ConfirmedCents, nullString(rec.GatewayStatus), rawJSON(rec.RawResponse))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return payments.ErrRecordExists
	}
	return nil
}

func (s *Store) PromoteRecord(ctx context.Context, rec payments.VerificationRecord) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE gateway_verification_records
		SET provider_txn_id=$3, status=$4, confirmed_cents=$5, gateway_status=$6, raw_response=$7, updated_at=now()
		WHERE provider=$1 AND reference=$2 AND status='pending'`,
		string(rec.Provider), rec.Reference, nullString(rec.ProviderTxnID), string(rec.Status),
		rec.ConfirmedCents, nullString(rec.GatewayStatus), rawJSON(rec.RawResponse))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetRecord(ctx, rec.Provider, rec.Reference); err != nil {
		return err
	}
	return payments.ErrRecordExists
}

func rawJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
