package tracking

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/cppla/pageviews/filter"
	"github.com/cppla/pageviews/models"
)

// Gate decides whether a resolved request counts.
type Gate interface {
	Evaluate(ctx context.Context, rc models.RequestContext, attr models.Attribution, now time.Time) filter.Decision
}

// Sink persists counted views: the durable store directly or the buffer.
type Sink interface {
	Record(ctx context.Context, ev models.ViewEvent) error
}

// Outcome reports what happened to one tracked request.
type Outcome struct {
	Counted     bool
	Reason      filter.Reason
	Attribution models.Attribution
}

// Observer receives tracking outcomes for metrics.
type Observer interface {
	Tracked(reason string)
}

// Scrubber rewrites request data before it is stored.
type Scrubber func(string) string

// TrackerOptions carry the optional collaborators of a Tracker.
type TrackerOptions struct {
	Clock    quartz.Clock
	Logger   *zap.Logger
	Observer Observer
	// IP anonymizes client addresses per the configured policy.
	IP Scrubber
	// UserAgent strips markup from User-Agent headers.
	UserAgent Scrubber
}

// Tracker runs one request through resolution, filtering and recording.
type Tracker struct {
	resolver *Resolver
	gate     Gate
	sink     Sink
	opts     TrackerOptions
}

func NewTracker(resolver *Resolver, gate Gate, sink Sink, opts TrackerOptions) *Tracker {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Tracker{resolver: resolver, gate: gate, sink: sink, opts: opts}
}

// Track resolves, filters and records one request. A filtered request is an
// outcome, not an error; lookup and recording failures are returned.
func (t *Tracker) Track(ctx context.Context, rc models.RequestContext, desc *ViewDescriptor) (Outcome, error) {
	attr, err := t.resolver.Resolve(ctx, rc, desc)
	if err != nil {
		return Outcome{Attribution: attr}, err
	}

	now := t.opts.Clock.Now()
	d := t.gate.Evaluate(ctx, rc, attr, now)
	out := Outcome{Counted: d.Count, Reason: d.Reason, Attribution: attr}
	if t.opts.Observer != nil {
		t.opts.Observer.Tracked(string(d.Reason))
	}
	if !d.Count {
		return out, nil
	}

	if t.opts.IP != nil {
		rc.ClientIP = t.opts.IP(rc.ClientIP)
	}
	if t.opts.UserAgent != nil {
		rc.UserAgent = t.opts.UserAgent(rc.UserAgent)
	}
	ev := models.NewViewEvent(attr, rc, now)
	if err := t.sink.Record(ctx, ev); err != nil {
		t.opts.Logger.Warn("page view not recorded",
			zap.String("path", ev.Path), zap.String("target", attr.Key()), zap.Error(err))
		return out, err
	}
	return out, nil
}
