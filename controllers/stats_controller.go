package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"

	"github.com/cppla/pageviews/config"
	"github.com/cppla/pageviews/middleware"
	"github.com/cppla/pageviews/models"
	"github.com/cppla/pageviews/reports"
	"github.com/cppla/pageviews/store"
	"github.com/cppla/pageviews/utils"
)

const (
	defaultLimit = 10
	maxLimit     = 100
	maxIDs       = 200
)

// Retention deletes old page views.
type Retention interface {
	DeleteBefore(ctx context.Context, cutoff time.Time, keepOnePerTarget bool) (int64, error)
}

// RetentionObserver is told how many rows a cleanup removed.
type RetentionObserver interface {
	Retained(deleted int64)
}

// StatsController serves the page view reporting API.
type StatsController struct {
	facade    *reports.Facade
	retention Retention
	observer  RetentionObserver
	cache     *utils.ResponseCache
	clock     quartz.Clock
}

// NewStatsController creates a new StatsController instance. cache and
// observer may be nil.
func NewStatsController(facade *reports.Facade, retention Retention, cache *utils.ResponseCache, observer RetentionObserver, clock quartz.Clock) *StatsController {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &StatsController{facade: facade, retention: retention, observer: observer, cache: cache, clock: clock}
}

// popularItem is one ranked entry in API responses.
type popularItem struct {
	Target models.Target `json:"target"`
	Views  int64         `json:"views"`
	Label  string        `json:"label,omitempty"`
}

func toItems(entries []models.PopularityEntry) []popularItem {
	items := make([]popularItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, popularItem{Target: e.Target, Views: e.Views})
	}
	return items
}

// PopularURLs ranks request paths.
func (s *StatsController) PopularURLs(ctx *gin.Context) {
	limit, days, ok := parseWindow(ctx)
	if !ok {
		return
	}
	s.cached(ctx, fmt.Sprintf("popular:urls:%d:%d", limit, days), func() (interface{}, error) {
		entries, err := s.facade.PopularURLs(ctx.Request.Context(), limit, days)
		if err != nil {
			return nil, err
		}
		return gin.H{"items": toItems(entries)}, nil
	})
}

// PopularRoutes ranks named routes.
func (s *StatsController) PopularRoutes(ctx *gin.Context) {
	limit, days, ok := parseWindow(ctx)
	if !ok {
		return
	}
	s.cached(ctx, fmt.Sprintf("popular:routes:%d:%d", limit, days), func() (interface{}, error) {
		entries, err := s.facade.PopularViewNames(ctx.Request.Context(), limit, days)
		if err != nil {
			return nil, err
		}
		return gin.H{"items": toItems(entries)}, nil
	})
}

// PopularObjects ranks entities of one type, with their display labels.
// Entities whose record is gone are skipped.
func (s *StatsController) PopularObjects(ctx *gin.Context) {
	limit, days, ok := parseWindow(ctx)
	if !ok {
		return
	}
	entityType := ctx.Param("type")
	scope := strings.TrimSpace(ctx.Query("scope"))
	key := fmt.Sprintf("popular:objects:%s:%s:%d:%d", entityType, scope, limit, days)
	s.cached(ctx, key, func() (interface{}, error) {
		entries, err := s.facade.PopularObjectsResolved(ctx.Request.Context(), entityType, scope, limit, days)
		if err != nil {
			return nil, err
		}
		items := make([]popularItem, 0, len(entries))
		for _, e := range entries {
			items = append(items, popularItem{Target: e.Target, Views: e.Views, Label: e.Object.DisplayLabel()})
		}
		return gin.H{"items": items}, nil
	})
}

// ObjectStats returns count, unique count and daily views of one entity.
func (s *StatsController) ObjectStats(ctx *gin.Context) {
	_, days, ok := parseWindow(ctx)
	if !ok {
		return
	}
	target := models.EntityTarget(ctx.Param("type"), ctx.Param("id"))
	s.summary(ctx, target, days)
}

// URLStats returns count, unique count and daily views of one path.
func (s *StatsController) URLStats(ctx *gin.Context) {
	_, days, ok := parseWindow(ctx)
	if !ok {
		return
	}
	path := strings.TrimSpace(ctx.Query("path"))
	if path == "" {
		utils.Error(ctx, http.StatusBadRequest, utils.CodeInvalidTarget, "path is required")
		return
	}
	s.summary(ctx, models.URLTarget(path), days)
}

// ObjectCounts returns all-time counts for a list of ids of one type.
func (s *StatsController) ObjectCounts(ctx *gin.Context) {
	ids := utils.Unique(utils.SplitCSV(ctx.Query("ids")))
	if len(ids) == 0 || len(ids) > maxIDs {
		utils.Error(ctx, http.StatusBadRequest, utils.CodeInvalidParam, fmt.Sprintf("ids must list 1-%d values", maxIDs))
		return
	}
	counts, err := s.facade.CountsFor(ctx.Request.Context(), ctx.Param("type"), ids)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"counts": counts})
}

type cleanupRequest struct {
	Days       int  `json:"days" binding:"required,min=1,max=36500"`
	KeepUnique bool `json:"keep_unique"`
}

// Cleanup deletes views older than the requested number of days.
func (s *StatsController) Cleanup(ctx *gin.Context) {
	var req cleanupRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, utils.CodeInvalidParam, fmt.Sprintf("days must be 1-%d", config.MaxRetentionDays))
		return
	}
	cutoff := s.clock.Now().UTC().AddDate(0, 0, -req.Days)
	deleted, err := s.retention.DeleteBefore(ctx.Request.Context(), cutoff, req.KeepUnique)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	if s.observer != nil {
		s.observer.Retained(deleted)
	}
	s.cache.Invalidate(ctx.Request.Context())
	utils.Sugar.Infof("page view cleanup by %s: deleted=%d cutoff=%s keep_unique=%t",
		ctx.GetString(middleware.ContextOperatorKey), deleted, cutoff.Format(time.RFC3339), req.KeepUnique)
	utils.Success(ctx, gin.H{"deleted": deleted, "cutoff": cutoff})
}

func (s *StatsController) summary(ctx *gin.Context, target models.Target, days int) {
	sum, err := s.facade.Summarize(ctx.Request.Context(), target, days)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	utils.Success(ctx, sum)
}

// cached serves key from the response cache or renders it with load.
func (s *StatsController) cached(ctx *gin.Context, key string, load func() (interface{}, error)) {
	if b, ok := s.cache.GetBytes(ctx.Request.Context(), key); ok {
		ctx.Data(http.StatusOK, "application/json", b)
		return
	}
	payload, err := load()
	if err != nil {
		s.fail(ctx, err)
		return
	}
	s.cache.SetJSON(ctx.Request.Context(), key, utils.JSONResponse{Code: 0, Message: "success", Data: payload})
	utils.Success(ctx, payload)
}

func (s *StatsController) fail(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidTarget):
		utils.Error(ctx, http.StatusBadRequest, utils.CodeInvalidTarget, "invalid target")
	case errors.Is(err, store.ErrInvalidQuery):
		utils.Error(ctx, http.StatusBadRequest, utils.CodeInvalidQuery, "invalid query")
	default:
		utils.Unavailable(ctx, err)
	}
}

// parseWindow reads limit and days, answering 400 on malformed values.
func parseWindow(ctx *gin.Context) (limit, days int, ok bool) {
	limit, days = defaultLimit, 0
	if v := ctx.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			utils.Error(ctx, http.StatusBadRequest, utils.CodeInvalidParam, fmt.Sprintf("limit must be 1-%d", maxLimit))
			return 0, 0, false
		}
		limit = n
	}
	if v := ctx.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > store.MaxBreakdownDays {
			utils.Error(ctx, http.StatusBadRequest, utils.CodeInvalidParam, fmt.Sprintf("days must be 0-%d", store.MaxBreakdownDays))
			return 0, 0, false
		}
		days = n
	}
	return limit, days, true
}
