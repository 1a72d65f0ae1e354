package httpx

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ariefcatur/go-checkout-payments/internal/apperr"
	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
	"github.com/google/uuid"
)

type WorkerHandler struct {
	Worker  *jobs.Worker
	MaxJobs int
	Log     *slog.Logger
}

// drain runs the worker inline: POST /order-worker?max_jobs=N&job_type=T.
func (h *WorkerHandler) drain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxJobs := h.MaxJobs
	if s := q.Get("max_jobs"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, r, h.Log, apperr.New(apperr.CodeInvalidRequest, "max_jobs must be a positive integer", http.StatusBadRequest))
			return
		}
		maxJobs = min(n, h.MaxJobs)
	}
	jobType, err := jobs.ParseType(q.Get("job_type"))
	if err != nil {
		writeError(w, r, h.Log, apperr.Wrap(apperr.CodeInvalidRequest, "Unknown job_type", err, http.StatusBadRequest))
		return
	}

	// each inline drain holds its leases under its own id
	wk := h.Worker.WithID(h.Worker.ID + "-" + uuid.NewString())
	res, err := wk.Drain(r.Context(), maxJobs, jobType)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
