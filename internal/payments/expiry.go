package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Expirer fails pending intents past expires_at and gives their stock back.
type Expirer struct {
	Intents IntentStore
	Holds   HoldReleaser
	Log     *slog.Logger
}

func (e *Expirer) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	stale, err := e.Intents.ListExpiredPending(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired intents: %w", err)
	}
	n := 0
	for _, in := range stale {
		err := e.Intents.UpdateIntentStatus(ctx, in.ID, IntentFailed)
		if errors.Is(err, ErrInvalidTransition) {
			// verified while we were sweeping
			continue
		}
		if err != nil {
			return n, fmt.Errorf("expire intent %s: %w", in.ID, err)
		}
		if e.Holds != nil {
			if err := e.Holds.Release(ctx, in.ID); err != nil {
				return n, fmt.Errorf("release holds for %s: %w", in.ID, err)
			}
		}
		n++
	}
	if n > 0 && e.Log != nil {
		e.Log.Info("expired payment intents", "count", n)
	}
	return n, nil
}
