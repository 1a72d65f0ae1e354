package memstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/cart"
	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
)

func cloneIntent(in payments.Intent) payments.Intent {
	in.Lines = append([]cart.Line(nil), in.Lines...)
	if in.Metadata != nil {
		m := make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			m[k] = v
		}
		in.Metadata = m
	}
	return in
}

func (s *Store) CreateIntent(_ context.Context, in payments.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[in.ID]; ok {
		return errors.New("payment intent already exists")
	}
	now := s.now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	s.intents[in.ID] = cloneIntent(in)
	return nil
}

func (s *Store) GetIntent(_ context.Context, id string) (payments.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return payments.Intent{}, payments.ErrIntentNotFound
	}
	return cloneIntent(in), nil
}

func (s *Store) GetIntentByExternalID(_ context.Context, provider gateway.Provider, externalID string) (payments.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.intents {
		if in.Provider == provider && in.ExternalTransactionID == externalID && externalID != "" {
			return cloneIntent(in), nil
		}
	}
	return payments.Intent{}, payments.ErrIntentNotFound
}

func (s *Store) SetExternalID(_ context.Context, id, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return payments.ErrIntentNotFound
	}
	in.ExternalTransactionID = externalID
	in.UpdatedAt = s.now()
	s.intents[id] = in
	return nil
}

func (s *Store) UpdateIntentStatus(_ context.Context, id string, status payments.IntentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return payments.ErrIntentNotFound
	}
	if !payments.CanTransition(in.Status, status) {
		return payments.ErrInvalidTransition
	}
	in.Status = status
	in.UpdatedAt = s.now()
	s.intents[id] = in
	return nil
}

func (s *Store) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]payments.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payments.Intent
	for _, in := range s.intents {
		if in.Expired(now) {
			out = append(out, cloneIntent(in))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetRecord(_ context.Context, provider gateway.Provider, ref string) (payments.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{provider, ref}]
	if !ok {
		return payments.VerificationRecord{}, payments.ErrRecordNotFound
	}
	return rec, nil
}

func (s *Store) InsertRecord(_ context.Context, rec payments.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{rec.Provider, rec.Reference}
	if _, ok := s.records[k]; ok {
		return payments.ErrRecordExists
	}
	s.records[k] = rec
	return nil
}

func (s *Store) PromoteRecord(_ context.Context, rec payments.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{rec.Provider, rec.Reference}
	cur, ok := s.records[k]
	if !ok {
		return payments.ErrRecordNotFound
	}
	if cur.Status != payments.RecordPending {
		return payments.ErrRecordExists
	}
	rec.CreatedAt = cur.CreatedAt
	s.records[k] = rec
	return nil
}

// Records returns every verification record; for tests and diagnostics.
func (s *Store) Records() []payments.VerificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]payments.VerificationRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

// Intents returns every payment intent ordered by creation time.
func (s *Store) Intents() []payments.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]payments.Intent, 0, len(s.intents))
	for _, in := range s.intents {
		out = append(out, cloneIntent(in))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
