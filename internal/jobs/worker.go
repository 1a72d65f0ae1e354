package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

type Handler interface {
	Handle(ctx context.Context, j Job) error
}

type HandlerFunc func(ctx context.Context, j Job) error

func (f HandlerFunc) Handle(ctx context.Context, j Job) error { return f(ctx, j) }

// Outcome is what happened to one claimed job.
type Outcome struct {
	JobID    string `json:"job_id"`
	Type     Type   `json:"job_type"`
	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

type DrainResult struct {
	JobsProcessed int       `json:"jobs_processed"`
	Results       []Outcome `json:"results"`
}

type Worker struct {
	Queue    Queue
	ID       string
	Lease    time.Duration
	Handlers map[Type]Handler
	Log      *slog.Logger
	// OnFailed runs once a job reaches the failed state.
	OnFailed func(ctx context.Context, j Job, cause error)

	processed metric.Int64Counter
}

func NewWorker(q Queue, id string, lease time.Duration, handlers map[Type]Handler, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	counter, _ := otel.Meter("jobs").Int64Counter("jobs_processed_total",
		metric.WithDescription("jobs finished by the order worker, by type and status"))
	return &Worker{
		Queue:     q,
		ID:        id,
		Lease:     lease,
		Handlers:  handlers,
		Log:       log.With("worker_id", id),
		processed: counter,
	}
}

// WithID returns a copy of w that claims under id. Concurrent drains need
// distinct ids so a lease check never mistakes one drain for another.
func (w *Worker) WithID(id string) *Worker {
	c := *w
	c.ID = id
	c.Log = w.Log.With("worker_id", id)
	return &c
}

// Drain claims and runs jobs until the queue is empty or maxJobs have been
// processed. jobType limits the claim to one type when non-empty.
func (w *Worker) Drain(ctx context.Context, maxJobs int, jobType Type) (DrainResult, error) {
	res := DrainResult{Results: []Outcome{}}
	if maxJobs <= 0 {
		maxJobs = 1
	}
	for res.JobsProcessed < maxJobs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		j, err := w.Queue.Claim(ctx, w.ID, w.Lease, jobType)
		if errors.Is(err, ErrNoJob) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("claim: %w", err)
		}
		res.Results = append(res.Results, w.run(ctx, j))
		res.JobsProcessed++
	}
	return res, nil
}

func (w *Worker) run(ctx context.Context, j Job) Outcome {
	ctx, span := otel.Tracer("jobs").Start(ctx, "job."+string(j.Type))
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.idempotency_key", j.IdempotencyKey),
		attribute.Int("job.attempts", j.Attempts),
	)
	log := w.Log.With("job_id", j.ID, "job_type", j.Type)

	out := Outcome{JobID: j.ID, Type: j.Type, Attempts: j.Attempts}

	h, ok := w.Handlers[j.Type]
	var herr error
	if !ok {
		herr = fmt.Errorf("no handler for job type %q", j.Type)
	} else {
		herr = safeHandle(ctx, h, j)
	}

	if herr == nil {
		if err := w.Queue.Complete(ctx, j.ID, w.ID); err != nil {
			// lease expired mid-run; the next claimer repeats the idempotent work
			log.Warn("complete job", "err", err)
			out.Status = StatusProcessing
			out.Error = err.Error()
			return out
		}
		log.Info("job completed")
		out.Status = StatusCompleted
		w.count(ctx, j.Type, StatusCompleted)
		return out
	}

	span.RecordError(herr)
	span.SetStatus(codes.Error, herr.Error())
	retryable := IsRetryable(herr)
	st, err := w.Queue.Fail(ctx, j.ID, w.ID, herr.Error(), retryable)
	if err != nil {
		log.Error("fail job", "err", err, "cause", herr)
		out.Status = StatusProcessing
		out.Error = herr.Error()
		return out
	}
	out.Status = st
	out.Attempts = j.Attempts + 1
	out.Error = herr.Error()
	w.count(ctx, j.Type, st)

	if st == StatusFailed {
		log.Error("job failed", "err", herr, "attempts", out.Attempts)
		if w.OnFailed != nil {
			w.OnFailed(ctx, j, herr)
		}
	} else {
		log.Warn("job will retry", "err", herr, "attempts", out.Attempts, "backoff", Backoff(out.Attempts))
	}
	return out
}

func safeHandle(ctx context.Context, h Handler, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Retryable(fmt.Errorf("panic: %v", r))
		}
	}()
	return h.Handle(ctx, j)
}

func (w *Worker) count(ctx context.Context, t Type, st Status) {
	if w.processed == nil {
		return
	}
	w.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", string(t)),
		attribute.String("status", string(st)),
	))
}

// Run drains on every wake and on every tick until ctx ends.
func (w *Worker) Run(ctx context.Context, wake <-chan struct{}, interval time.Duration, maxJobs int) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	drain := func(reason string) {
		res, err := w.Drain(ctx, maxJobs, "")
		if err != nil && ctx.Err() == nil {
			w.Log.Error("drain", "err", err, "reason", reason)
			return
		}
		if res.JobsProcessed > 0 {
			w.Log.Info("drained", "jobs_processed", res.JobsProcessed, "reason", reason)
		}
	}

	drain("startup")
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			drain("wake")
		case <-t.C:
			drain("sweep")
		}
	}
}
