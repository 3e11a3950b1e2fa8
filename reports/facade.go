package reports

import (
	"context"
	"errors"
	"time"

	"github.com/coder/quartz"

	"github.com/cppla/pageviews/models"
	"github.com/cppla/pageviews/store"
	"github.com/cppla/pageviews/tracking"
)

// Source is the aggregate query surface of the durable store.
type Source interface {
	Count(ctx context.Context, t models.Target, since time.Time) (int64, error)
	UniqueCount(ctx context.Context, t models.Target, since time.Time) (int64, error)
	DailyBreakdown(ctx context.Context, t models.Target, days int) ([]models.DailyCount, error)
	Popular(ctx context.Context, pq store.PopularQuery) ([]models.PopularityEntry, error)
	CountsFor(ctx context.Context, entityType string, ids []string) (map[string]int64, error)
}

// Lookup hydrates entity references for display.
type Lookup interface {
	Lookup(ctx context.Context, ref models.EntityRef) (models.Trackable, error)
}

// Facade answers reporting questions. days <= 0 means no window, otherwise
// the window starts days calendar days before now.
type Facade struct {
	src    Source
	lookup Lookup
	clock  quartz.Clock
}

func NewFacade(src Source, lookup Lookup, clock quartz.Clock) *Facade {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Facade{src: src, lookup: lookup, clock: clock}
}

func (f *Facade) since(days int) time.Time {
	if days <= 0 {
		return time.Time{}
	}
	return f.clock.Now().AddDate(0, 0, -days)
}

// PopularObjects ranks entities of one type, optionally scoped to a path prefix.
func (f *Facade) PopularObjects(ctx context.Context, entityType, scope string, limit, days int) ([]models.PopularityEntry, error) {
	return f.src.Popular(ctx, store.PopularQuery{
		Kind:       models.KindEntity,
		EntityType: entityType,
		Scope:      scope,
		Limit:      limit,
		Since:      f.since(days),
	})
}

// ResolvedEntry is a ranked entity with its loaded record.
type ResolvedEntry struct {
	models.PopularityEntry
	Object models.Trackable
}

// PopularObjectsResolved is PopularObjects with records attached. Entities
// that no longer exist are skipped; twice the limit is fetched to make up
// for them.
func (f *Facade) PopularObjectsResolved(ctx context.Context, entityType, scope string, limit, days int) ([]ResolvedEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	entries, err := f.PopularObjects(ctx, entityType, scope, limit*2, days)
	if err != nil {
		return nil, err
	}
	out := make([]ResolvedEntry, 0, limit)
	if f.lookup == nil {
		return out, nil
	}
	for _, e := range entries {
		if len(out) == limit {
			break
		}
		obj, err := f.lookup.Lookup(ctx, e.Target.Entity)
		if errors.Is(err, tracking.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ResolvedEntry{PopularityEntry: e, Object: obj})
	}
	return out, nil
}

func (f *Facade) PopularURLs(ctx context.Context, limit, days int) ([]models.PopularityEntry, error) {
	return f.src.Popular(ctx, store.PopularQuery{Kind: models.KindURL, Limit: limit, Since: f.since(days)})
}

func (f *Facade) PopularViewNames(ctx context.Context, limit, days int) ([]models.PopularityEntry, error) {
	return f.src.Popular(ctx, store.PopularQuery{Kind: models.KindRoute, Limit: limit, Since: f.since(days)})
}

func (f *Facade) DailyViews(ctx context.Context, t models.Target, days int) ([]models.DailyCount, error) {
	return f.src.DailyBreakdown(ctx, t, days)
}

func (f *Facade) Count(ctx context.Context, t models.Target, days int) (int64, error) {
	return f.src.Count(ctx, t, f.since(days))
}

func (f *Facade) UniqueCount(ctx context.Context, t models.Target, days int) (int64, error) {
	return f.src.UniqueCount(ctx, t, f.since(days))
}

func (f *Facade) CountsFor(ctx context.Context, entityType string, ids []string) (map[string]int64, error) {
	return f.src.CountsFor(ctx, entityType, ids)
}

// Stats binds queries to one entity.
func (f *Facade) Stats(ref models.EntityRef) ObjectStats {
	return ObjectStats{f: f, target: models.EntityTarget(ref.Type, ref.ID)}
}

// ObjectStats answers questions about one tracked entity.
type ObjectStats struct {
	f      *Facade
	target models.Target
}

func (o ObjectStats) Target() models.Target { return o.target }

func (o ObjectStats) Count(ctx context.Context) (int64, error) {
	return o.f.Count(ctx, o.target, 0)
}

func (o ObjectStats) UniqueCount(ctx context.Context) (int64, error) {
	return o.f.UniqueCount(ctx, o.target, 0)
}

func (o ObjectStats) CountSince(ctx context.Context, since time.Time) (int64, error) {
	return o.f.src.Count(ctx, o.target, since)
}

func (o ObjectStats) DailyViews(ctx context.Context, days int) ([]models.DailyCount, error) {
	return o.f.DailyViews(ctx, o.target, days)
}

// Summary is the payload served for a single target.
type Summary struct {
	Target models.Target       `json:"target"`
	Views  int64               `json:"views"`
	Unique int64               `json:"unique_views"`
	Daily  []models.DailyCount `json:"daily"`
}

// Summarize collects the count, unique count and daily breakdown of t.
func (f *Facade) Summarize(ctx context.Context, t models.Target, days int) (Summary, error) {
	s := Summary{Target: t}
	var err error
	if s.Views, err = f.Count(ctx, t, days); err != nil {
		return s, err
	}
	if s.Unique, err = f.UniqueCount(ctx, t, days); err != nil {
		return s, err
	}
	dailyDays := days
	if dailyDays <= 0 {
		dailyDays = 30
	}
	if s.Daily, err = f.DailyViews(ctx, t, dailyDays); err != nil {
		return s, err
	}
	return s, nil
}
