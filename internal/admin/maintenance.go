package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

// SweepResult reports one maintenance pass.
type SweepResult struct {
	DeliveriesProcessed  int `json:"deliveriesProcessed"`
	DistributionsExpired int `json:"distributionsExpired"`
}

// Sweep retries due webhook deliveries and expires distributions whose
// embeds have all lapsed. Both halves run even if one fails.
func (h *Handler) Sweep(ctx context.Context) (SweepResult, error) {
	h.sweepMu.Lock()
	defer h.sweepMu.Unlock()

	var res SweepResult
	var errs []error
	n, err := h.webhooks.RetryDue(ctx)
	res.DeliveriesProcessed = n
	if err != nil {
		errs = append(errs, err)
	}
	if h.expirer != nil {
		n, err = h.expirer.ExpireStale(ctx, h.now().UTC())
		res.DistributionsExpired = n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (h *Handler) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := h.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				h.logger.Error("maintenance sweep failed", "error", err)
			}
			if res.DeliveriesProcessed > 0 || res.DistributionsExpired > 0 {
				h.logger.Info("maintenance sweep",
					"deliveries_processed", res.DeliveriesProcessed,
					"distributions_expired", res.DistributionsExpired)
			}
		}
	}
}

// HandleSweep runs a maintenance sweep now.
// POST /api/sweep
func (h *Handler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sweep(r.Context())
	if err != nil {
		h.logger.Error("maintenance sweep failed", "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleReactivateSubscription re-enables a disabled webhook subscription.
// POST /api/subscriptions/{id}/reactivate
func (h *Handler) HandleReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.webhooks.Reactivate(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, http.StatusNotFound, ErrCodeNotFound, "subscription not found")
			return
		}
		h.logger.Error("failed to reactivate subscription", "subscription_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
		return
	}
	h.logger.Info("webhook subscription reactivated", "subscription_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(storage.SubscriptionActive)})
}
