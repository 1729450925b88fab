package reencryption

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerwatch/log/v3"
)

// BatchResult is what a pool worker delivers into a Batch's future once
// the KMS call (or the zero-file fast path) finishes.
type BatchResult struct {
	Batch    *Batch
	Failures int
	Err      error // non-nil only for a whole-batch KMS failure
}

// task is the uniform unit of pool work: a single batch, its target key
// version, and the future its result lands on.
type task struct {
	batch  *Batch
	target string
	f      future
}

// Pool is the fixed-size worker pool that executes KMS calls. Tasks land
// on a buffered queue; if that queue is ever full the submitting
// goroutine runs the task itself (caller-runs) rather than blocking on an
// actually-unbounded channel. Grounded on zk/syncer/l1_syncer.go's
// queryBlocks/getSequencedLogs fixed-worker-goroutines-over-a-channel
// shape.
type Pool struct {
	kms    KMSClient
	logger log.Logger

	queue chan task
	quit  chan struct{}
}

// NewPool starts size worker goroutines draining queueCapacity-deep queue.
func NewPool(size int, queueCapacity int, kms KMSClient, logger log.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = size * 8
	}
	if logger == nil {
		logger = log.Root()
	}
	p := &Pool{
		kms:    kms,
		logger: logger,
		queue:  make(chan task, queueCapacity),
		quit:   make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// QueuedTasks reports the current queue depth, consulted by the
// Coordinator's pool-saturation throttle axis.
func (p *Pool) QueuedTasks() int { return len(p.queue) }

// Stop signals every worker to exit after draining in-flight work. It
// does not cancel queued tasks; callers that need that use the ZST's
// cancelAll instead, since a task already enqueued here carries no
// cancellation hook of its own: in-flight KMS calls complete or fail as
// the KMS client dictates.
func (p *Pool) Stop() { close(p.quit) }

// Submit hands a batch to the pool, returning the future its result will
// be delivered to. Each run of a task gets a fresh uuid task id, used only
// for log correlation.
func (p *Pool) Submit(ctx context.Context, b *Batch, targetKeyVersion string) future {
	f := newFuture()
	t := task{batch: b, target: targetKeyVersion, f: f}

	select {
	case p.queue <- t:
	default:
		// Queue saturated: caller-runs.
		p.logger.Warn("reencryption: pool queue saturated, running batch on caller", "batch", b.ID(), "zone", b.Zone)
		p.run(ctx, t)
	}
	return f
}

func (p *Pool) worker() {
	ctx := context.Background()
	for {
		select {
		case <-p.quit:
			return
		case t := <-p.queue:
			p.run(ctx, t)
		}
	}
}

// run performs one batch's work: the zero-file fast path (used by
// addDummyTracker to finalise empty zones) or a single KMS call for the
// whole batch. It never retries, since the KMS client owns retries, and
// it always delivers exactly one result, even on failure, so the Updater
// can advance progress past a failed batch.
func (p *Pool) run(ctx context.Context, t task) {
	start := time.Now()
	id := uuid.New().String()

	if t.batch.Empty() {
		t.f <- BatchResult{Batch: t.batch}
		return
	}

	if submitted := t.batch.Records[0].SubmittedAt; !submitted.IsZero() {
		start = submitted
	}
	updated, err := p.kms.ReencryptEncryptedKeys(ctx, t.batch.Records, t.target)
	BatchLatency.WithLabelValues(zoneLabel(t.batch.Zone)).Observe(time.Since(start).Seconds())

	if err != nil {
		p.logger.Warn("reencryption: KMS call failed for batch", "batch", t.batch.ID(), "task", id, "zone", t.batch.Zone, "size", t.batch.Len(), "err", err)
		t.f <- BatchResult{Batch: t.batch, Failures: t.batch.Len(), Err: err}
		return
	}

	copy(t.batch.Records, updated)
	t.f <- BatchResult{Batch: t.batch}
}

func zoneLabel(z ZoneId) string {
	return strconv.FormatInt(int64(z), 10)
}
