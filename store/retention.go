package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/pageviews/models"
)

// newestOld selects, per group, the newest event older than the cutoff.
// Each query takes the cutoff twice.
var newestOld = []string{
	`SELECT p.id FROM page_views p
	  WHERE p.timestamp < ? AND p.path <> ''
	    AND NOT EXISTS (SELECT 1 FROM page_views q
	      WHERE q.path = p.path AND q.timestamp < ?
	        AND (q.timestamp > p.timestamp OR (q.timestamp = p.timestamp AND q.id > p.id)))`,
	`SELECT p.id FROM page_views p
	  WHERE p.timestamp < ? AND p.route_name <> ''
	    AND NOT EXISTS (SELECT 1 FROM page_views q
	      WHERE q.route_name = p.route_name AND q.timestamp < ?
	        AND (q.timestamp > p.timestamp OR (q.timestamp = p.timestamp AND q.id > p.id)))`,
	`SELECT p.id FROM page_views p
	  WHERE p.timestamp < ? AND p.entity_type <> '' AND p.entity_id <> ''
	    AND NOT EXISTS (SELECT 1 FROM page_views q
	      WHERE q.entity_type = p.entity_type AND q.entity_id = p.entity_id AND q.timestamp < ?
	        AND (q.timestamp > p.timestamp OR (q.timestamp = p.timestamp AND q.id > p.id)))`,
}

// DeleteBefore removes events older than cutoff and returns how many were
// deleted. With keepOnePerTarget, the newest old event of every distinct
// path, route and entity survives so the target keeps a trace.
//
// Rows are deleted in id-ordered batches, each under the store timeout, so
// a large table is worked through instead of timing out in one statement.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time, keepOnePerTarget bool) (int64, error) {
	cutoff = cutoff.UTC()
	var keep map[uint64]struct{}
	if keepOnePerTarget {
		var err error
		if keep, err = s.keepIDs(ctx, cutoff); err != nil {
			return 0, err
		}
	}

	var (
		deleted int64
		afterID uint64
	)
	for {
		ids, err := s.oldIDs(ctx, cutoff, afterID)
		if err != nil {
			return deleted, err
		}
		if len(ids) == 0 {
			break
		}
		afterID = ids[len(ids)-1]

		doomed := ids[:0]
		for _, id := range ids {
			if _, ok := keep[id]; !ok {
				doomed = append(doomed, id)
			}
		}
		if len(doomed) == 0 {
			continue
		}
		n, err := s.deleteIDs(ctx, doomed)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	s.logger.Info("page view retention finished",
		zap.Time("cutoff", cutoff), zap.Int64("deleted", deleted), zap.Int("kept", len(keep)))
	return deleted, nil
}

func (s *Store) keepIDs(ctx context.Context, cutoff time.Time) (map[uint64]struct{}, error) {
	keep := make(map[uint64]struct{})
	for _, query := range newestOld {
		qctx, cancel := context.WithTimeout(ctx, s.retentionTimeout)
		var ids []uint64
		err := s.db.WithContext(qctx).Raw(query, cutoff, cutoff).Scan(&ids).Error
		cancel()
		if err != nil {
			return nil, unavailable("retention keep set", err)
		}
		for _, id := range ids {
			keep[id] = struct{}{}
		}
	}
	return keep, nil
}

func (s *Store) oldIDs(ctx context.Context, cutoff time.Time, afterID uint64) ([]uint64, error) {
	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var ids []uint64
	err := s.db.WithContext(qctx).Model(&models.ViewEvent{}).
		Where("timestamp < ? AND id > ?", cutoff, afterID).
		Order("id ASC").
		Limit(deleteBatchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, unavailable("retention scan", err)
	}
	return ids, nil
}

func (s *Store) deleteIDs(ctx context.Context, ids []uint64) (int64, error) {
	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res := s.db.WithContext(qctx).Where("id IN ?", ids).Delete(&models.ViewEvent{})
	if res.Error != nil {
		return 0, unavailable("retention delete", res.Error)
	}
	return res.RowsAffected, nil
}
