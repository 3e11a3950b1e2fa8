package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/coder/quartz"
	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cppla/pageviews/models"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.ViewEvent{}))
	return db
}

func newTestStore(t *testing.T, loc *time.Location) (*Store, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(now).MustWait(context.Background())
	s := New(openTestDB(t), Options{Clock: clock, Location: loc, Logger: zap.NewNop()})
	return s, clock
}

func view(path string, at time.Time) models.ViewEvent {
	return models.ViewEvent{Path: path, Timestamp: at}
}

func entityView(typ, id string, at time.Time) models.ViewEvent {
	return models.ViewEvent{Path: "/" + typ + "s/" + id, EntityType: typ, EntityID: id, Timestamp: at}
}

func seed(t *testing.T, s *Store, events ...models.ViewEvent) {
	t.Helper()
	require.NoError(t, s.RecordBatch(context.Background(), events))
}

func TestRecordRejectsEmptyAttribution(t *testing.T) {
	s, _ := newTestStore(t, nil)
	err := s.Record(context.Background(), models.ViewEvent{Timestamp: now})
	assert.ErrorIs(t, err, models.ErrEmptyAttribution)
}

func TestRecordDefaultsTimestampToClock(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	require.NoError(t, s.Record(ctx, models.ViewEvent{Path: "/a"}))

	n, err := s.Count(ctx, models.URLTarget("/a"), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCountAndUniqueCount(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	events := []models.ViewEvent{
		{Path: "/a", SessionKey: "A", Timestamp: now.Add(-time.Hour)},
		{Path: "/a", SessionKey: "A", Timestamp: now.Add(-2 * time.Hour)},
		{Path: "/a", SessionKey: "B", Timestamp: now.Add(-3 * time.Hour)},
		{Path: "/a", Timestamp: now.Add(-4 * time.Hour)},
		{Path: "/b", SessionKey: "C", Timestamp: now.Add(-time.Hour)},
	}
	seed(t, s, events...)

	n, err := s.Count(ctx, models.URLTarget("/a"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	u, err := s.UniqueCount(ctx, models.URLTarget("/a"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), u)

	n, err = s.Count(ctx, models.URLTarget("/a"), now.Add(-150*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCountByRouteAndEntity(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	seed(t, s,
		models.ViewEvent{Path: "/posts/1", RouteName: "/posts/:id", EntityType: "post", EntityID: "1", Timestamp: now},
		models.ViewEvent{Path: "/posts/2", RouteName: "/posts/:id", EntityType: "post", EntityID: "2", Timestamp: now},
		models.ViewEvent{Path: "/posts/2", RouteName: "/posts/:id", EntityType: "post", EntityID: "2", Timestamp: now},
	)

	n, err := s.Count(ctx, models.RouteTarget("/posts/:id"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.Count(ctx, models.EntityTarget("post", "2"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.Count(ctx, models.Target{Kind: models.KindEntity}, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestDailyBreakdownZeroFilled(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	seed(t, s,
		view("/a", now),
		view("/a", now.AddDate(0, 0, -2)),
		view("/a", now.AddDate(0, 0, -2).Add(-time.Hour)),
		view("/a", now.AddDate(0, 0, -10)),
	)

	days, err := s.DailyBreakdown(ctx, models.URLTarget("/a"), 7)
	require.NoError(t, err)
	require.Len(t, days, 7)

	first := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	for i, d := range days {
		assert.True(t, d.Date.Equal(first.AddDate(0, 0, i)), "day %d is %s", i, d.Date)
	}
	want := []int64{0, 0, 0, 0, 2, 0, 1}
	for i, d := range days {
		assert.Equal(t, want[i], d.Views, "day %d", i)
	}
}

func TestDailyBreakdownUsesLocation(t *testing.T) {
	ctx := context.Background()
	tokyo := time.FixedZone("UTC+9", 9*3600)
	s, _ := newTestStore(t, tokyo)

	// 20:00 UTC on the 9th is already the 10th in UTC+9.
	seed(t, s, view("/a", time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC)))

	days, err := s.DailyBreakdown(ctx, models.URLTarget("/a"), 2)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, int64(0), days[0].Views)
	assert.Equal(t, int64(1), days[1].Views)
	assert.Equal(t, tokyo, days[1].Date.Location())
}

func TestDailyBreakdownNonPositiveDays(t *testing.T) {
	s, _ := newTestStore(t, nil)
	days, err := s.DailyBreakdown(context.Background(), models.URLTarget("/a"), 0)
	require.NoError(t, err)
	assert.Empty(t, days)
}

func TestDailyBreakdownRejectsHugeWindows(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.DailyBreakdown(context.Background(), models.URLTarget("/a"), 1_000_000_000)
	assert.ErrorIs(t, err, ErrInvalidQuery)

	days, err := s.DailyBreakdown(context.Background(), models.URLTarget("/a"), MaxBreakdownDays)
	require.NoError(t, err)
	assert.Len(t, days, MaxBreakdownDays)
}

func TestRecordClampsOversizedFields(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	long := "/" + strings.Repeat("é", models.MaxPathLength+50)
	require.NoError(t, s.RecordBatch(ctx, []models.ViewEvent{{Path: long, RouteName: strings.Repeat("r", 300), Timestamp: now}}))

	var got models.ViewEvent
	require.NoError(t, s.db.First(&got).Error)
	assert.Equal(t, models.MaxPathLength, len([]rune(got.Path)))
	assert.True(t, strings.HasPrefix(long, got.Path))
	assert.Len(t, got.RouteName, models.MaxRouteNameLength)
}

func TestPopularLimitAndTies(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	var events []models.ViewEvent
	add := func(path string, n int) {
		for i := 0; i < n; i++ {
			events = append(events, view(path, now.Add(-time.Hour)))
		}
	}
	add("/b", 10)
	add("/a", 10)
	add("/c", 5)
	add("/d", 1)
	seed(t, s, events...)

	pq := PopularQuery{Kind: models.KindURL, Limit: 3}
	first, err := s.Popular(ctx, pq)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, models.URLTarget("/a"), first[0].Target)
	assert.Equal(t, models.URLTarget("/b"), first[1].Target)
	assert.Equal(t, models.URLTarget("/c"), first[2].Target)
	assert.Equal(t, int64(10), first[0].Views)
	assert.Equal(t, int64(5), first[2].Views)

	second, err := s.Popular(ctx, pq)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPopularTieBrokenByRecency(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	seed(t, s,
		view("/a", now.Add(-3*time.Hour)),
		view("/a", now.Add(-2*time.Hour)),
		view("/b", now.Add(-3*time.Hour)),
		view("/b", now.Add(-time.Hour)),
	)

	got, err := s.Popular(ctx, PopularQuery{Kind: models.KindURL, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "/b", got[0].Target.Path)
	assert.Equal(t, "/a", got[1].Target.Path)
}

func TestPopularRoutesAndEntities(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	seed(t, s,
		models.ViewEvent{Path: "/", Timestamp: now},
		models.ViewEvent{Path: "/posts/1", RouteName: "/posts/:id", EntityType: "post", EntityID: "1", Timestamp: now},
		models.ViewEvent{Path: "/posts/1", RouteName: "/posts/:id", EntityType: "post", EntityID: "1", Timestamp: now},
		models.ViewEvent{Path: "/blog/posts/2", RouteName: "/blog/posts/:id", EntityType: "post", EntityID: "2", Timestamp: now},
		models.ViewEvent{Path: "/tags/go", RouteName: "/tags/:slug", EntityType: "tag", EntityID: "go", Timestamp: now},
	)

	routes, err := s.Popular(ctx, PopularQuery{Kind: models.KindRoute})
	require.NoError(t, err)
	require.Len(t, routes, 3)
	assert.Equal(t, models.RouteTarget("/posts/:id"), routes[0].Target)

	posts, err := s.Popular(ctx, PopularQuery{Kind: models.KindEntity, EntityType: "post"})
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, models.EntityTarget("post", "1"), posts[0].Target)
	assert.Equal(t, int64(2), posts[0].Views)

	scoped, err := s.Popular(ctx, PopularQuery{Kind: models.KindEntity, EntityType: "post", Scope: "/blog/"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "2", scoped[0].Target.Entity.ID)

	_, err = s.Popular(ctx, PopularQuery{Kind: models.KindEntity})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestPopularSinceWindow(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	seed(t, s,
		view("/old", now.AddDate(0, 0, -30)),
		view("/old", now.AddDate(0, 0, -30)),
		view("/new", now.Add(-time.Hour)),
	)

	got, err := s.Popular(ctx, PopularQuery{Kind: models.KindURL, Since: now.AddDate(0, 0, -7)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "/new", got[0].Target.Path)
}

func TestLikePrefixEscapesWildcards(t *testing.T) {
	assert.Equal(t, "/a!_b!%c!!%", likePrefix("/a_b%c!"))
}

func TestCountsForZeroFills(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	seed(t, s,
		entityView("post", "1", now),
		entityView("post", "1", now),
		entityView("post", "3", now),
		entityView("tag", "2", now),
	)

	got, err := s.CountsFor(ctx, "post", []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"1": 2, "2": 0, "3": 1}, got)

	empty, err := s.CountsFor(ctx, "post", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCountMatchesOversizedTarget(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	long := "/search/" + strings.Repeat("q", models.MaxPathLength)
	require.NoError(t, s.Record(ctx, view(long, now)))

	n, err := s.Count(ctx, models.URLTarget(long), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	days, err := s.DailyBreakdown(ctx, models.URLTarget(long), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), days[0].Views)
}

func TestDeleteBeforeKeepsNewestOldPerTarget(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	day := func(n int) time.Time { return now.AddDate(0, 0, -n) }
	seed(t, s, view("/a", day(100)), view("/a", day(95)), view("/a", day(1)))

	deleted, err := s.DeleteBefore(ctx, day(90), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	n, err := s.Count(ctx, models.URLTarget("/a"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.Count(ctx, models.URLTarget("/a"), day(96))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "the day-95 survivor remains")
}

func TestDeleteBeforeWithoutKeep(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	day := func(n int) time.Time { return now.AddDate(0, 0, -n) }
	seed(t, s, view("/a", day(100)), view("/a", day(95)), view("/a", day(1)))

	deleted, err := s.DeleteBefore(ctx, day(90), false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestDeleteBeforeKeepsEachDimension(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	day := func(n int) time.Time { return now.AddDate(0, 0, -n) }
	seed(t, s,
		// same route, two paths: each path keeps its newest, the route keeps its newest
		models.ViewEvent{Path: "/posts/1", RouteName: "/posts/:id", EntityType: "post", EntityID: "1", Timestamp: day(120)},
		models.ViewEvent{Path: "/posts/1", RouteName: "/posts/:id", EntityType: "post", EntityID: "1", Timestamp: day(110)},
		models.ViewEvent{Path: "/posts/2", RouteName: "/posts/:id", EntityType: "post", EntityID: "2", Timestamp: day(105)},
		models.ViewEvent{Path: "/posts/2", RouteName: "/posts/:id", EntityType: "post", EntityID: "2", Timestamp: day(100)},
	)

	deleted, err := s.DeleteBefore(ctx, day(90), true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	for _, id := range []string{"1", "2"} {
		n, err := s.Count(ctx, models.EntityTarget("post", id), time.Time{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "post %s", id)
	}
}

func TestDeleteBeforeNothingOld(t *testing.T) {
	s, _ := newTestStore(t, nil)
	seed(t, s, view("/a", now))
	deleted, err := s.DeleteBefore(context.Background(), now.AddDate(0, 0, -90), true)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return New(db, Options{Timeout: time.Second}), mock
}

func TestStorageFailuresAreWrapped(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)
	down := errors.New("driver: bad connection")

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `page_views`").WillReturnError(down)
	_, err := s.Count(ctx, models.URLTarget("/a"), time.Time{})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, down)

	mock.ExpectExec("INSERT INTO `page_views`").WillReturnError(down)
	err = s.Record(ctx, view("/a", now))
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	mock.ExpectQuery("SELECT `id` FROM `page_views`").WillReturnError(down)
	_, err = s.DeleteBefore(ctx, now, false)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRejectedRowIsNotUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)

	tooLong := &mysqldrv.MySQLError{Number: 1406, Message: "Data too long for column 'path' at row 1"}
	mock.ExpectExec("INSERT INTO `page_views`").WillReturnError(tooLong)
	err := s.Record(ctx, view("/a", now))
	assert.ErrorIs(t, err, models.ErrRejected)
	assert.NotErrorIs(t, err, ErrStorageUnavailable)

	gone := &mysqldrv.MySQLError{Number: 2006, Message: "MySQL server has gone away"}
	mock.ExpectExec("INSERT INTO `page_views`").WillReturnError(gone)
	err = s.RecordBatch(ctx, []models.ViewEvent{view("/a", now)})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.NotErrorIs(t, err, models.ErrRejected)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteBeforeDeletesInBatches(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT `id` FROM `page_views` WHERE .*timestamp < .*ORDER BY id ASC LIMIT 1000").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))
	mock.ExpectExec("DELETE FROM `page_views` WHERE id IN \\(\\?,\\?\\)").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery("SELECT `id` FROM `page_views`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec("DELETE FROM `page_views` WHERE id IN \\(\\?\\)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT `id` FROM `page_views`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	deleted, err := s.DeleteBefore(context.Background(), now, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
