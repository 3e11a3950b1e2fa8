package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cppla/pageviews/config"
	"github.com/cppla/pageviews/models"
)

// Writer is the durable store the pipeline drains into.
type Writer interface {
	Record(ctx context.Context, ev models.ViewEvent) error
	RecordBatch(ctx context.Context, events []models.ViewEvent) error
}

const (
	// salvageProbe is how many rows of a failed batch may fail one by one,
	// with none landing, before the storage is treated as down.
	salvageProbe = 2
	// maxRowAttempts drops a row after this many failed single-row writes
	// made while storage accepted its neighbours.
	maxRowAttempts = 5
	// maxRetryFailures stops retrying old batches within one cycle.
	maxRetryFailures = 2

	closePollInterval = 10 * time.Millisecond
)

// Observer receives pipeline events for metrics.
type Observer interface {
	BatchFlushed(views int)
	BatchFailed()
	FailOpen()
	Reaped(views int)
}

type nopObserver struct{}

func (nopObserver) BatchFlushed(int) {}
func (nopObserver) BatchFailed()     {}
func (nopObserver) FailOpen()        {}
func (nopObserver) Reaped(int)       {}

// Options tune the pipeline. Zero values pick defaults.
type Options struct {
	BatchSize       int
	BufferTimeout   time.Duration
	FlushInterval   time.Duration
	StaleAfter      time.Duration
	LeaseTTL        time.Duration
	ShutdownTimeout time.Duration
	Clock           quartz.Clock
	Logger          *zap.Logger
	Observer        Observer
}

// OptionsFromConfig maps the page view config onto pipeline options.
func OptionsFromConfig(pv config.PageViewConfig) Options {
	return Options{
		BatchSize:       pv.BatchSize,
		BufferTimeout:   pv.BufferTimeout(),
		FlushInterval:   pv.FlushInterval(),
		StaleAfter:      pv.StaleBuffer(),
		ShutdownTimeout: pv.ShutdownTimeout(),
	}
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BufferTimeout <= 0 {
		o.BufferTimeout = 300 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 10 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 24 * time.Hour
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = time.Minute
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
}

// FlushResult summarizes one flush cycle.
type FlushResult struct {
	// Skipped is set when another flush held the lock or lease.
	Skipped bool
	Batches int
	Views   int
	Retried int
}

// Pipeline buffers page views in a transient Store and drains them into the
// durable Writer in batches. A batch is written when the queue holds a full
// batch, when the oldest pending view has waited BufferTimeout, or on a
// forced flush. Batches are only purged after a successful write, so a crash
// or write failure leaves them for the next cycle.
type Pipeline struct {
	store  Store
	writer Writer
	opts   Options

	mu     sync.Mutex
	kick   chan struct{}
	closed atomic.Bool
}

func NewPipeline(store Store, writer Writer, opts Options) *Pipeline {
	opts.setDefaults()
	return &Pipeline{
		store:  store,
		writer: writer,
		opts:   opts,
		kick:   make(chan struct{}, 1),
	}
}

// Record enqueues a page view. When the buffer is unreachable the view is
// written synchronously instead.
func (p *Pipeline) Record(ctx context.Context, ev models.ViewEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	now := p.opts.Clock.Now().UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	item := models.BufferedView{ID: uuid.NewString(), EnqueuedAt: now, Event: ev}

	if p.closed.Load() {
		return p.recordDirect(ctx, ev, nil)
	}
	n, err := p.store.Push(ctx, item)
	if err != nil {
		return p.recordDirect(ctx, ev, err)
	}
	if n >= int64(p.opts.BatchSize) {
		p.Kick()
	}
	return nil
}

func (p *Pipeline) recordDirect(ctx context.Context, ev models.ViewEvent, cause error) error {
	if cause != nil {
		p.opts.Observer.FailOpen()
		p.opts.Logger.Warn("page view buffer unavailable, writing directly", zap.Error(cause))
	}
	if err := p.writer.Record(ctx, ev); err != nil {
		p.opts.Logger.Error("page view lost",
			zap.String("path", ev.Path), zap.Time("timestamp", ev.Timestamp), zap.Error(err))
		return err
	}
	return nil
}

// Kick asks the Run loop to flush soon. It never blocks.
func (p *Pipeline) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Flush runs one cycle. Concurrent cycles in this process or any other
// sharing the store are skipped, never doubled. A failed retry of an old
// batch does not hold back new batches; a failed write of a new batch stops
// the cycle and the batch stays buffered for the next one.
func (p *Pipeline) Flush(ctx context.Context, force bool) (FlushResult, error) {
	if !p.mu.TryLock() {
		return FlushResult{Skipped: true}, nil
	}
	defer p.mu.Unlock()
	return p.flushLocked(ctx, force)
}

func (p *Pipeline) flushLocked(ctx context.Context, force bool) (FlushResult, error) {
	var res FlushResult
	release, ok, err := p.store.Acquire(ctx, p.opts.LeaseTTL)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Skipped = true
		return res, nil
	}
	defer release()

	batches, err := p.store.Batches(ctx)
	if err != nil {
		return res, err
	}
	var retryErr error
	failures := 0
	for _, b := range batches {
		if failures >= maxRetryFailures {
			break
		}
		if err := p.retry(ctx, b); err != nil {
			retryErr = errors.Join(retryErr, err)
			failures++
			continue
		}
		res.Retried++
		res.Batches++
		res.Views += len(b.Items)
	}

	for {
		st, err := p.store.Stats(ctx)
		if err != nil {
			return res, errors.Join(retryErr, err)
		}
		if st.Pending == 0 {
			return res, retryErr
		}
		full := st.Pending >= int64(p.opts.BatchSize)
		expired := !st.Oldest.IsZero() && p.opts.Clock.Since(st.Oldest) >= p.opts.BufferTimeout
		if !full && !expired && !force {
			return res, retryErr
		}

		b, err := p.store.Cut(ctx, uuid.NewString(), p.opts.BatchSize, p.opts.Clock.Now().UTC())
		if err != nil {
			return res, errors.Join(retryErr, err)
		}
		if len(b.Items) == 0 && b.Corrupt == 0 {
			return res, retryErr
		}
		if err := p.write(ctx, b); err != nil {
			return res, errors.Join(retryErr, err)
		}
		res.Batches++
		res.Views += len(b.Items)
		if !full {
			// the remainder went out; anything newer waits for its own trigger
			return res, retryErr
		}
	}
}

func (p *Pipeline) write(ctx context.Context, b Batch) error {
	if len(b.Items) > 0 {
		if err := p.writer.RecordBatch(ctx, b.Events()); err != nil {
			p.opts.Observer.BatchFailed()
			p.opts.Logger.Warn("page view batch write failed, will retry",
				zap.String("batch", b.ID), zap.Int("views", len(b.Items)), zap.Error(err))
			return fmt.Errorf("write batch %s: %w", b.ID, err)
		}
		p.opts.Observer.BatchFlushed(len(b.Items))
	}
	return p.complete(ctx, b)
}

// retry writes a batch that failed before. When the bulk write fails again
// the rows are written one at a time, stopping at the first failure once a
// row has landed, or after salvageProbe failures when none has. Rows that
// landed leave the batch and the rest stay buffered for the next cycle. A row
// is dropped only when storage rejects its data, or when it has failed
// maxRowAttempts times while storage was accepting other rows.
func (p *Pipeline) retry(ctx context.Context, b Batch) error {
	err := p.write(ctx, b)
	if err == nil || len(b.Items) == 0 || errors.Is(err, ErrStorageUnavailable) {
		// the bulk write landed and only the purge failed
		return err
	}

	type rejection struct {
		item models.BufferedView
		err  error
	}
	var (
		landed   int
		failed   []int
		rejected []rejection
	)
	lastErr := err
	stop := len(b.Items)
	for i, it := range b.Items {
		rerr := p.writer.Record(ctx, it.Event)
		switch {
		case rerr == nil:
			landed++
			continue
		case errors.Is(rerr, models.ErrRejected), errors.Is(rerr, models.ErrEmptyAttribution):
			rejected = append(rejected, rejection{item: it, err: rerr})
			continue
		}
		lastErr = rerr
		failed = append(failed, i)
		if landed > 0 || len(failed) >= salvageProbe {
			stop = i + 1
			break
		}
	}

	// a failure counts against a row only when storage took other rows, or
	// when the row was already suspect
	var kept []models.BufferedView
	bumped := false
	for _, i := range failed {
		it := b.Items[i]
		if landed > 0 || it.Attempts > 0 {
			it.Attempts++
			bumped = true
		}
		if it.Attempts >= maxRowAttempts {
			rejected = append(rejected, rejection{item: it, err: lastErr})
			continue
		}
		kept = append(kept, it)
	}
	kept = append(kept, b.Items[stop:]...)

	if landed == 0 && len(rejected) == 0 && !bumped {
		return err
	}
	for _, r := range rejected {
		p.opts.Logger.Error("page view rejected by storage, dropped",
			zap.String("batch", b.ID), zap.String("view", r.item.ID), zap.Int("attempts", r.item.Attempts),
			zap.String("path", r.item.Event.Path), zap.Time("timestamp", r.item.Event.Timestamp), zap.Error(r.err))
	}
	if len(rejected) > 0 {
		p.opts.Observer.Reaped(len(rejected))
	}
	if landed > 0 {
		p.opts.Observer.BatchFlushed(landed)
	}
	if len(kept) == 0 {
		return p.complete(ctx, b)
	}
	if rerr := p.store.Replace(ctx, b.ID, kept); rerr != nil {
		// landed rows stay in the batch and are written again next cycle
		p.opts.Logger.Error("page view batch partly written but not trimmed",
			zap.String("batch", b.ID), zap.Int("landed", landed), zap.Error(rerr))
		return errors.Join(lastErr, rerr)
	}
	p.lostCorrupt(b)
	p.opts.Logger.Warn("page view batch partly written, rest kept for retry",
		zap.String("batch", b.ID), zap.Int("landed", landed), zap.Int("kept", len(kept)), zap.Error(lastErr))
	return fmt.Errorf("retry batch %s: %d views kept: %w", b.ID, len(kept), lastErr)
}

func (p *Pipeline) complete(ctx context.Context, b Batch) error {
	if err := p.store.Complete(ctx, b.ID); err != nil {
		p.opts.Logger.Error("page view batch written but not purged",
			zap.String("batch", b.ID), zap.Error(err))
		return err
	}
	p.lostCorrupt(b)
	p.opts.Logger.Debug("page view batch flushed",
		zap.String("batch", b.ID), zap.Int("views", len(b.Items)))
	return nil
}

func (p *Pipeline) lostCorrupt(b Batch) {
	if b.Corrupt == 0 {
		return
	}
	p.opts.Observer.Reaped(b.Corrupt)
	p.opts.Logger.Error("discarded undecodable buffered page views",
		zap.String("batch", b.ID), zap.Int("views", b.Corrupt))
}

// Reap discards buffered views older than StaleAfter and returns how many
// were lost.
func (p *Pipeline) Reap(ctx context.Context) (int, error) {
	cutoff := p.opts.Clock.Now().Add(-p.opts.StaleAfter)
	pending, err := p.store.ReapPending(ctx, cutoff)
	if err != nil {
		return pending, err
	}
	batched, err := p.store.ReapBatches(ctx, cutoff)
	total := pending + batched
	if total > 0 {
		p.opts.Observer.Reaped(total)
		p.opts.Logger.Error("discarded stale buffered page views",
			zap.Int("pending", pending), zap.Int("batched", batched), zap.Time("cutoff", cutoff))
	}
	return total, err
}

// Run flushes on every kick and every FlushInterval until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := p.opts.Clock.NewTicker(p.opts.FlushInterval, "pipeline", "flush")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.kick:
		}
		if _, err := p.Flush(ctx, false); err != nil {
			p.opts.Logger.Warn("page view flush failed", zap.Error(err))
		}
	}
}

// Close stops buffering new views and makes a best-effort forced flush
// bounded by ShutdownTimeout.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closed.Store(true)
	ctx, cancel := context.WithTimeout(ctx, p.opts.ShutdownTimeout)
	defer cancel()

	if err := p.lock(ctx); err != nil {
		p.opts.Logger.Error("final page view flush skipped, a flush is still running", zap.Error(err))
		return err
	}
	defer p.mu.Unlock()
	res, err := p.flushLocked(ctx, true)
	if err != nil {
		p.opts.Logger.Error("final page view flush failed", zap.Error(err))
		return err
	}
	p.opts.Logger.Info("page view buffer drained",
		zap.Int("batches", res.Batches), zap.Int("views", res.Views), zap.Bool("skipped", res.Skipped))
	return nil
}

// lock waits for a running flush to finish, or for ctx to be done.
func (p *Pipeline) lock(ctx context.Context) error {
	if p.mu.TryLock() {
		return nil
	}
	ticker := time.NewTicker(closePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.mu.TryLock() {
				return nil
			}
		}
	}
}
