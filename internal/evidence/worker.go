package evidence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/azera85/rcs-collector/internal/ctlerr"
	"github.com/azera85/rcs-collector/internal/dbiface"
	"github.com/azera85/rcs-collector/internal/metrics"
	"github.com/azera85/rcs-collector/internal/tracelog"
)

// tickInterval is the worker loop's coarse poll period.
const tickInterval = 1 * time.Second

// Worker is the process-wide evidence transfer worker. Constructed once in
// cmd/controller and started in its own goroutine; its lifecycle is bound
// to the process via Start/Stop.
type Worker struct {
	db      dbiface.DB
	manager dbiface.EvidenceManager
	seen    Dedup
	log     *tracelog.Logger
	metrics *metrics.Metrics

	// mu guards only the queues map itself — one dedicated channel per
	// instance. runTick starts at most one dispatch goroutine per instance
	// and waits for all of them before the next tick, so at most one
	// concurrent drainer per instance holds within the worker loop.
	mu     sync.Mutex
	queues map[string]chan string

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Worker. seen may be nil, in which case queuing is not
// deduplicated across restarts (acceptable for tests).
func New(db dbiface.DB, manager dbiface.EvidenceManager, seen Dedup, log *tracelog.Logger, m *metrics.Metrics) *Worker {
	return &Worker{
		db:      db,
		manager: manager,
		seen:    seen,
		log:     log,
		metrics: m,
		queues:  make(map[string]chan string),
		done:    make(chan struct{}),
	}
}

// SendCached seeds the queue with every (instance, id) pair known to the
// local EvidenceManager. Called once at startup.
func (w *Worker) SendCached(ctx context.Context) error {
	cached, err := w.manager.Cached(ctx)
	if err != nil {
		return err
	}
	for instance, ids := range cached {
		for _, id := range ids {
			w.Queue(instance, id)
		}
	}
	return nil
}

// Queue enqueues one evidence id for instance, skipping it if already
// queued (and not yet delivered) per the dedup store. The instance's
// dedicated channel is created lazily on first use.
func (w *Worker) Queue(instance, id string) {
	if w.seen != nil {
		if w.seen.Seen(instance, id) {
			return
		}
		w.seen.Mark(instance, id)
	}

	ch := w.channelFor(instance)
	select {
	case ch <- id:
		if w.metrics != nil {
			w.metrics.EvidenceQueued.Add(1)
		}
	default:
		// Channel full: drop the dedup mark so a future Queue call retries;
		// the backing EvidenceManager still has the blob.
		if w.seen != nil {
			w.seen.Unmark(instance, id)
		}
		if w.log != nil {
			w.log.Warnf("queue", "evidence channel full for instance=%s id=%s, dropped", instance, id)
		}
	}
}

// channelFor returns the dedicated queue channel for instance, creating it
// on first use. No goroutine is started here; runTick dispatches each
// known instance once per tick.
func (w *Worker) channelFor(instance string) chan string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.queues[instance]
	if ok {
		return ch
	}
	ch = make(chan string, 4096)
	w.queues[instance] = ch
	return ch
}

// instanceSnapshot returns the current set of known instance ids.
func (w *Worker) instanceSnapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.queues))
	for instance := range w.queues {
		out = append(out, instance)
	}
	return out
}

// Start runs the worker loop until ctx is canceled or Stop is called:
// sleep, skip the tick if the DB is disconnected, snapshot instance ids,
// dispatch one task per instance, wait for all before the next tick.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			if !w.db.Connected() {
				continue
			}
			w.runTick(ctx)
		}
	}
}

func (w *Worker) runTick(ctx context.Context) {
	instances := w.instanceSnapshot()
	var tick sync.WaitGroup
	for _, instance := range instances {
		tick.Add(1)
		w.wg.Add(1)
		go func(instance string) {
			defer tick.Done()
			defer w.wg.Done()
			w.dispatch(ctx, instance)
		}(instance)
	}
	tick.Wait()
}

// Stop signals the worker loop to stop starting new ticks and waits up to
// timeout for in-flight dispatch tasks to finish. Remaining queued ids
// are left for the next process
// start — they are still present in the per-instance channels and in the
// backing EvidenceManager store.
func (w *Worker) Stop(timeout time.Duration) error {
	close(w.done)

	waitCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		return nil
	case <-time.After(timeout):
		return errors.New("evidence worker: timed out waiting for in-flight dispatch tasks")
	}
}

// dispatch is the per-instance dispatch task.
func (w *Worker) dispatch(ctx context.Context, instance string) {
	defer func() {
		if r := recover(); r != nil && w.log != nil {
			w.log.Errorf("dispatch", "recovered panic for instance=%s: %v", instance, r)
		}
	}()

	ch := w.channelFor(instance)
	if len(ch) == 0 {
		return
	}

	meta, err := w.manager.Meta(ctx, instance)
	if err != nil {
		if w.log != nil {
			w.log.Errorf("dispatch", "meta lookup failed for instance=%s: %v", instance, err)
		}
		return
	}

	bid := meta.Bid
	if bid == 0 {
		_, resolved, err := w.db.AgentStatus(ctx, meta.Ident, instance, meta.Subtype)
		if err != nil {
			if w.log != nil {
				w.log.Errorf("dispatch", "agent_status failed for instance=%s: %v", instance, err)
			}
			return
		}
		bid = resolved
		if bid == 0 {
			if w.metrics != nil {
				w.metrics.EvidenceZeroBids.Add(1)
			}
			if w.log != nil {
				w.log.Warnf("dispatch", "%v: instance=%s", ctlerr.ErrZeroBid, instance)
			}
			return
		}
	}

	sess := dbiface.Session{
		Bid: bid, Ident: meta.Ident, Subtype: meta.Subtype, Instance: instance,
		Version: meta.Version, User: meta.User, Device: meta.Device, Source: meta.Source,
		SyncTime: syncTime(ctx),
	}

	if err := w.db.SyncStart(ctx, sess); err != nil {
		if w.log != nil {
			w.log.Errorf("dispatch", "sync_start failed for instance=%s: %v", instance, err)
		}
		return
	}

	for {
		var id string
		select {
		case id = <-ch:
		default:
			goto drained
		}
		if err := w.transfer(ctx, instance, id); err != nil && w.log != nil {
			w.log.Warnf("transfer", "%v: instance=%s id=%s: %v", ctlerr.ErrEvidenceSendFailed, instance, id, err)
		}
	}
drained:

	if err := w.db.SyncEnd(ctx, sess); err != nil && w.log != nil {
		w.log.Errorf("dispatch", "sync_end failed for instance=%s: %v", instance, err)
	}
}

// transfer uploads one evidence blob, deleting it locally on success and
// leaving it in place (for a future retry) on failure. There is no bounded
// retry counter — the next SendCached or external re-Queue reintroduces it.
// The dedup mark is cleared on both outcomes (not only success): it was
// only ever a "don't queue it twice while in flight" guard, and leaving it
// set after a failed send would make that failure permanent for the rest
// of the process's life, since the id has already been popped off the
// channel and SendCached's own Queue call would then see it as seen.
func (w *Worker) transfer(ctx context.Context, instance, id string) error {
	blob, err := w.manager.Blob(ctx, instance, id)
	if err != nil {
		return err
	}

	sendErr := w.db.SendEvidence(ctx, instance, blob)
	if w.seen != nil {
		w.seen.Unmark(instance, id)
	}
	if sendErr != nil {
		if w.metrics != nil {
			w.metrics.EvidenceFailed.Add(1)
		}
		return sendErr
	}

	if err := w.manager.Delete(ctx, instance, id); err != nil {
		if w.log != nil {
			w.log.Warnf("transfer", "delete after successful upload failed for instance=%s id=%s: %v", instance, id, err)
		}
	}
	if w.metrics != nil {
		w.metrics.EvidenceSent.Add(1)
	}
	return nil
}

// syncTime stamps the session open time. Extracted to a function so tests
// could substitute a fixed clock if ever needed; no such substitution is
// wired in today.
func syncTime(_ context.Context) int64 {
	return time.Now().Unix()
}
