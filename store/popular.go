package store

import (
	"context"
	"time"

	"github.com/cppla/pageviews/models"
)

// PopularQuery selects what to rank.
type PopularQuery struct {
	Kind models.TargetKind
	// EntityType is required for entity rankings.
	EntityType string
	// Scope optionally restricts counted events to paths with this prefix.
	Scope string
	Limit int
	// Since is the window start; zero means all time.
	Since time.Time
}

type popularRow struct {
	Path       string
	RouteName  string
	EntityType string
	EntityID   string
	Views      int64
}

// Popular ranks targets by view count, most viewed first. Ties go to the
// most recently viewed target, then to the lower target key.
func (s *Store) Popular(ctx context.Context, pq PopularQuery) ([]models.PopularityEntry, error) {
	limit := pq.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	q := s.db.WithContext(ctx).Model(&models.ViewEvent{})
	switch pq.Kind {
	case models.KindURL:
		q = q.Select("path, COUNT(*) AS views").
			Where("path <> ''").
			Group("path").
			Order("views DESC, MAX(timestamp) DESC, path ASC")
	case models.KindRoute:
		q = q.Select("route_name, COUNT(*) AS views").
			Where("route_name <> ''").
			Group("route_name").
			Order("views DESC, MAX(timestamp) DESC, route_name ASC")
	case models.KindEntity:
		if pq.EntityType == "" {
			return nil, ErrInvalidQuery
		}
		q = q.Select("entity_type, entity_id, COUNT(*) AS views").
			Where("entity_type = ? AND entity_id <> ''", pq.EntityType).
			Group("entity_type, entity_id").
			Order("views DESC, MAX(timestamp) DESC, entity_id ASC")
	default:
		return nil, ErrInvalidQuery
	}
	if pq.Scope != "" {
		q = q.Where("path LIKE ? ESCAPE '!'", likePrefix(pq.Scope))
	}
	q = withSince(q, pq.Since)

	var rows []popularRow
	if err := q.Limit(limit).Scan(&rows).Error; err != nil {
		return nil, unavailable("popular", err)
	}

	out := make([]models.PopularityEntry, 0, len(rows))
	for _, r := range rows {
		var t models.Target
		switch pq.Kind {
		case models.KindURL:
			t = models.URLTarget(r.Path)
		case models.KindRoute:
			t = models.RouteTarget(r.RouteName)
		default:
			t = models.EntityTarget(r.EntityType, r.EntityID)
		}
		out = append(out, models.PopularityEntry{Target: t, Views: r.Views})
	}
	return out, nil
}
