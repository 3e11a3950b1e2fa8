package reports

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cppla/pageviews/models"
	"github.com/cppla/pageviews/store"
	"github.com/cppla/pageviews/tracking"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Count(ctx context.Context, t models.Target, since time.Time) (int64, error) {
	args := m.Called(ctx, t, since)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSource) UniqueCount(ctx context.Context, t models.Target, since time.Time) (int64, error) {
	args := m.Called(ctx, t, since)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSource) DailyBreakdown(ctx context.Context, t models.Target, days int) ([]models.DailyCount, error) {
	args := m.Called(ctx, t, days)
	return args.Get(0).([]models.DailyCount), args.Error(1)
}

func (m *mockSource) Popular(ctx context.Context, pq store.PopularQuery) ([]models.PopularityEntry, error) {
	args := m.Called(ctx, pq)
	return args.Get(0).([]models.PopularityEntry), args.Error(1)
}

func (m *mockSource) CountsFor(ctx context.Context, entityType string, ids []string) (map[string]int64, error) {
	args := m.Called(ctx, entityType, ids)
	return args.Get(0).(map[string]int64), args.Error(1)
}

type post struct{ id string }

func (p post) TrackingRef() models.EntityRef { return models.EntityRef{Type: "post", ID: p.id} }
func (p post) DisplayLabel() string          { return "post " + p.id }

func newFacade(t *testing.T) (*Facade, *mockSource, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	src := &mockSource{}
	reg := tracking.NewRegistry()
	reg.Register("post", tracking.FinderFunc(func(_ context.Context, _, value string) (models.Trackable, error) {
		if value == "2" {
			return nil, tracking.ErrNotFound
		}
		return post{id: value}, nil
	}))
	return NewFacade(src, reg, clock), src, clock
}

func TestWindowFromDays(t *testing.T) {
	ctx := context.Background()
	f, src, clock := newFacade(t)
	target := models.URLTarget("/a")

	src.On("Count", ctx, target, clock.Now().AddDate(0, 0, -7)).Return(int64(4), nil).Once()
	src.On("Count", ctx, target, clock.Now().AddDate(0, 0, -150000)).Return(int64(11), nil).Once()
	src.On("Count", ctx, target, time.Time{}).Return(int64(9), nil).Once()

	n, err := f.Count(ctx, target, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	n, err = f.Count(ctx, target, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	// windows longer than time.Duration can hold still start in the past
	n, err = f.Count(ctx, target, 150000)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.True(t, clock.Now().AddDate(0, 0, -150000).Before(clock.Now()))
	src.AssertExpectations(t)
}

func TestPopularQueries(t *testing.T) {
	ctx := context.Background()
	f, src, _ := newFacade(t)
	urls := []models.PopularityEntry{{Target: models.URLTarget("/a"), Views: 3}}

	src.On("Popular", ctx, store.PopularQuery{Kind: models.KindURL, Limit: 5}).Return(urls, nil).Once()
	src.On("Popular", ctx, store.PopularQuery{Kind: models.KindRoute, Limit: 5}).Return([]models.PopularityEntry{}, nil).Once()

	got, err := f.PopularURLs(ctx, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, urls, got)

	_, err = f.PopularViewNames(ctx, 5, 0)
	require.NoError(t, err)
	src.AssertExpectations(t)
}

func TestPopularObjectsResolvedSkipsDeleted(t *testing.T) {
	ctx := context.Background()
	f, src, _ := newFacade(t)
	ranked := []models.PopularityEntry{
		{Target: models.EntityTarget("post", "1"), Views: 9},
		{Target: models.EntityTarget("post", "2"), Views: 8},
		{Target: models.EntityTarget("post", "3"), Views: 7},
		{Target: models.EntityTarget("post", "4"), Views: 6},
	}
	src.On("Popular", ctx, store.PopularQuery{
		Kind: models.KindEntity, EntityType: "post", Scope: "/blog/", Limit: 4,
	}).Return(ranked, nil).Once()

	got, err := f.PopularObjectsResolved(ctx, "post", "/blog/", 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].Target.Entity.ID)
	assert.Equal(t, "post 3", got[1].Object.DisplayLabel())
	src.AssertExpectations(t)
}

func TestPopularObjectsResolvedPropagatesLookupFailure(t *testing.T) {
	ctx := context.Background()
	src := &mockSource{}
	reg := tracking.NewRegistry()
	down := errors.New("db down")
	reg.Register("post", tracking.FinderFunc(func(context.Context, string, string) (models.Trackable, error) {
		return nil, down
	}))
	f := NewFacade(src, reg, quartz.NewMock(t))
	src.On("Popular", ctx, mock.Anything).Return([]models.PopularityEntry{{Target: models.EntityTarget("post", "1"), Views: 1}}, nil)

	_, err := f.PopularObjectsResolved(ctx, "post", "", 1, 0)
	assert.ErrorIs(t, err, down)
}

func TestObjectStats(t *testing.T) {
	ctx := context.Background()
	f, src, clock := newFacade(t)
	ref := models.EntityRef{Type: "post", ID: "1"}
	target := models.EntityTarget("post", "1")
	since := clock.Now().Add(-time.Hour)
	daily := []models.DailyCount{{Date: clock.Now(), Views: 2}}

	src.On("Count", ctx, target, time.Time{}).Return(int64(5), nil)
	src.On("Count", ctx, target, since).Return(int64(1), nil)
	src.On("UniqueCount", ctx, target, time.Time{}).Return(int64(3), nil)
	src.On("DailyBreakdown", ctx, target, 7).Return(daily, nil)

	stats := f.Stats(ref)
	assert.Equal(t, target, stats.Target())

	n, err := stats.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = stats.CountSince(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = stats.UniqueCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	d, err := stats.DailyViews(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, daily, d)
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	f, src, _ := newFacade(t)
	target := models.URLTarget("/a")
	daily := make([]models.DailyCount, 30)

	src.On("Count", ctx, target, time.Time{}).Return(int64(10), nil)
	src.On("UniqueCount", ctx, target, time.Time{}).Return(int64(4), nil)
	src.On("DailyBreakdown", ctx, target, 30).Return(daily, nil)

	s, err := f.Summarize(ctx, target, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), s.Views)
	assert.Equal(t, int64(4), s.Unique)
	assert.Len(t, s.Daily, 30)
}
