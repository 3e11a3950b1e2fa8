package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/pageviews/models"
)

var (
	// ErrStorageUnavailable wraps every database failure.
	ErrStorageUnavailable = errors.New("page view storage unavailable")
	// ErrInvalidTarget is returned for a target missing the field its kind needs.
	ErrInvalidTarget = errors.New("invalid page view target")
	// ErrInvalidQuery is returned for an unusable popularity query or an
	// out of range day window.
	ErrInvalidQuery = errors.New("invalid page view query")
)

const (
	defaultTimeout          = 2 * time.Second
	defaultRetentionTimeout = 10 * time.Minute
	defaultLimit            = 10
	insertBatchSize         = 500
	deleteBatchSize         = 1000
)

// Options configure a Store. Zero values pick defaults.
type Options struct {
	Clock    quartz.Clock
	Location *time.Location
	// Timeout bounds every single query, including each retention batch.
	Timeout time.Duration
	// RetentionTimeout bounds the whole-table scans that pick the rows
	// retention keeps.
	RetentionTimeout time.Duration
	Logger           *zap.Logger
}

// Store is the durable page view log and its aggregate queries.
type Store struct {
	db               *gorm.DB
	clock            quartz.Clock
	loc              *time.Location
	timeout          time.Duration
	retentionTimeout time.Duration
	logger           *zap.Logger
}

func New(db *gorm.DB, opts Options) *Store {
	s := &Store{
		db:               db,
		clock:            opts.Clock,
		loc:              opts.Location,
		timeout:          opts.Timeout,
		retentionTimeout: opts.RetentionTimeout,
		logger:           opts.Logger,
	}
	if s.clock == nil {
		s.clock = quartz.NewReal()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.retentionTimeout <= 0 {
		s.retentionTimeout = defaultRetentionTimeout
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Migrate creates or updates the page_views table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&models.ViewEvent{}); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

// Record appends one event. Duplicates are allowed.
func (s *Store) Record(ctx context.Context, ev models.ViewEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	ev = s.normalize(ev)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return writeFailed("record", err)
	}
	return nil
}

// RecordBatch appends events in bulk. Events failing validation are dropped
// and logged so one bad event cannot wedge a batch.
func (s *Store) RecordBatch(ctx context.Context, events []models.ViewEvent) error {
	rows := make([]models.ViewEvent, 0, len(events))
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			s.logger.Warn("dropping invalid page view", zap.Error(err))
			continue
		}
		rows = append(rows, s.normalize(ev))
	}
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return writeFailed("record batch", err)
	}
	return nil
}

func (s *Store) normalize(ev models.ViewEvent) models.ViewEvent {
	ev.ID = 0
	ev = ev.Clamped()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return ev
}

// Count returns the number of views of t at or after since. A zero since
// counts all time.
func (s *Store) Count(ctx context.Context, t models.Target, since time.Time) (int64, error) {
	if !t.Valid() {
		return 0, ErrInvalidTarget
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int64
	q := withSince(whereTarget(s.db.WithContext(ctx).Model(&models.ViewEvent{}), t), since)
	if err := q.Count(&n).Error; err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

// UniqueCount returns the number of distinct non-empty session keys that
// viewed t at or after since.
func (s *Store) UniqueCount(ctx context.Context, t models.Target, since time.Time) (int64, error) {
	if !t.Valid() {
		return 0, ErrInvalidTarget
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int64
	q := withSince(whereTarget(s.db.WithContext(ctx).Model(&models.ViewEvent{}), t), since).
		Where("session_key <> ''").
		Distinct("session_key")
	if err := q.Count(&n).Error; err != nil {
		return 0, unavailable("unique count", err)
	}
	return n, nil
}

// MaxBreakdownDays bounds DailyBreakdown, which allocates one entry per day.
const MaxBreakdownDays = 3650

// DailyBreakdown returns exactly days entries, oldest first, ending with
// today in the store's location. Days without views are zero.
func (s *Store) DailyBreakdown(ctx context.Context, t models.Target, days int) ([]models.DailyCount, error) {
	if !t.Valid() {
		return nil, ErrInvalidTarget
	}
	if days > MaxBreakdownDays {
		return nil, fmt.Errorf("%w: %d days exceeds %d", ErrInvalidQuery, days, MaxBreakdownDays)
	}
	if days <= 0 {
		return []models.DailyCount{}, nil
	}

	now := s.clock.Now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	start := today.AddDate(0, 0, -(days - 1))

	out := make([]models.DailyCount, days)
	index := make(map[string]int, days)
	for i := range out {
		d := start.AddDate(0, 0, i)
		out[i].Date = d
		index[d.Format(time.DateOnly)] = i
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Bucketing happens here rather than in SQL so MySQL and SQLite agree on
	// calendar days in the configured location.
	rows, err := whereTarget(s.db.WithContext(ctx).Model(&models.ViewEvent{}), t).
		Where("timestamp >= ?", start.UTC()).
		Select("timestamp").
		Rows()
	if err != nil {
		return nil, unavailable("daily breakdown", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, unavailable("daily breakdown", err)
		}
		if i, ok := index[ts.In(s.loc).Format(time.DateOnly)]; ok {
			out[i].Views++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("daily breakdown", err)
	}
	return out, nil
}

// CountsFor returns all-time counts for a page of entities of one type.
// Every requested id is present in the result.
func (s *Store) CountsFor(ctx context.Context, entityType string, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	for _, id := range ids {
		out[id] = 0
	}
	if entityType == "" || len(ids) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []struct {
		EntityID string
		Views    int64
	}
	err := s.db.WithContext(ctx).Model(&models.ViewEvent{}).
		Select("entity_id, COUNT(*) AS views").
		Where("entity_type = ? AND entity_id IN ?", entityType, ids).
		Group("entity_id").
		Scan(&rows).Error
	if err != nil {
		return nil, unavailable("counts for", err)
	}
	for _, r := range rows {
		out[r.EntityID] = r.Views
	}
	return out, nil
}

func whereTarget(q *gorm.DB, t models.Target) *gorm.DB {
	t = t.Clamped()
	switch t.Kind {
	case models.KindURL:
		return q.Where("path = ?", t.Path)
	case models.KindRoute:
		return q.Where("route_name = ?", t.RouteName)
	default:
		return q.Where("entity_type = ? AND entity_id = ?", t.Entity.Type, t.Entity.ID)
	}
}

func withSince(q *gorm.DB, since time.Time) *gorm.DB {
	if since.IsZero() {
		return q
	}
	return q.Where("timestamp >= ?", since.UTC())
}

// likePrefix escapes LIKE wildcards with '!' which both dialects accept.
func likePrefix(prefix string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(prefix) + "%"
}

// MySQL errors caused by a row's values: bad null, out of range, wrong
// value, wrong string value, data too long.
var mysqlDataErrors = map[uint16]bool{1048: true, 1264: true, 1292: true, 1366: true, 1406: true}

// writeFailed tells rows the database refuses from a database that is down.
func writeFailed(op string, err error) error {
	var me *mysqldrv.MySQLError
	if errors.As(err, &me) && mysqlDataErrors[me.Number] {
		return fmt.Errorf("%s: %w: %w", op, models.ErrRejected, err)
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrTooBig, sqlite3.ErrMismatch:
			return fmt.Errorf("%s: %w: %w", op, models.ErrRejected, err)
		}
	}
	return unavailable(op, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
