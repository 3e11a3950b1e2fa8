package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/cppla/pageviews/middleware"
	"github.com/cppla/pageviews/models"
	"github.com/cppla/pageviews/utils"
)

// ViewCounter returns all-time view counts for a batch of entity ids.
type ViewCounter interface {
	CountsFor(ctx context.Context, entityType string, ids []string) (map[string]int64, error)
}

// PostController serves the tracked post pages.
type PostController struct {
	db      *gorm.DB
	counter ViewCounter
}

// NewPostController creates a new PostController instance.
func NewPostController(db *gorm.DB, counter ViewCounter) *PostController {
	return &PostController{db: db, counter: counter}
}

type postView struct {
	models.Post
	Views int64 `json:"views"`
}

// ListPosts returns paginated posts with their view counts. The view is
// attributed to the first post on the page.
func (p *PostController) ListPosts(ctx *gin.Context) {
	page, pageSize := parsePagination(ctx.Query("page"), ctx.Query("page_size"))
	category := strings.TrimSpace(ctx.Query("category"))

	query := p.db.WithContext(ctx.Request.Context()).Model(&models.Post{})
	if category != "" {
		query = query.Where("category = ?", category)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50021, "failed to count posts")
		return
	}
	var posts []models.Post
	if err := query.Order("created_at DESC, id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&posts).Error; err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50022, "failed to list posts")
		return
	}

	listing := make([]models.Trackable, 0, len(posts))
	ids := make([]string, 0, len(posts))
	for _, post := range posts {
		listing = append(listing, post)
		ids = append(ids, post.TrackingRef().ID)
	}
	middleware.TrackListing(ctx, listing)

	counts := map[string]int64{}
	if p.counter != nil && len(ids) > 0 {
		c, err := p.counter.CountsFor(ctx.Request.Context(), models.PostModelType, ids)
		if err != nil {
			// Counts are decoration; the page still renders.
			utils.Sugar.Warnf("post view counts unavailable: %v", err)
		} else {
			counts = c
		}
	}
	items := make([]postView, 0, len(posts))
	for _, post := range posts {
		items = append(items, postView{Post: post, Views: counts[post.TrackingRef().ID]})
	}

	utils.Success(ctx, gin.H{
		"items": items,
		"pagination": gin.H{
			"page":        page,
			"page_size":   pageSize,
			"total":       total,
			"total_pages": int((total + int64(pageSize) - 1) / int64(pageSize)),
		},
	})
}

// GetPost returns a single post loaded by the handler itself.
func (p *PostController) GetPost(ctx *gin.Context) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, utils.CodeInvalidParam, "invalid post id")
		return
	}
	var post models.Post
	if err := p.db.WithContext(ctx.Request.Context()).First(&post, id).Error; err != nil {
		p.loadFailed(ctx, err)
		return
	}
	middleware.TrackObject(ctx, post)
	utils.Success(ctx, gin.H{"post": post})
}

// GetPostBySlug returns a post by slug. Attribution is left to the
// resolver, which looks the post up through the slug route param.
func (p *PostController) GetPostBySlug(ctx *gin.Context) {
	middleware.TrackModel(ctx, models.PostModelType)
	var post models.Post
	if err := p.db.WithContext(ctx.Request.Context()).Where("slug = ?", ctx.Param("slug")).First(&post).Error; err != nil {
		p.loadFailed(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"post": post})
}

func (p *PostController) loadFailed(ctx *gin.Context, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		utils.Error(ctx, http.StatusNotFound, 40401, "post not found")
		return
	}
	utils.Error(ctx, http.StatusInternalServerError, 50023, "failed to load post")
}

func parsePagination(pageStr, sizeStr string) (int, int) {
	page := 1
	pageSize := 10
	if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
		page = p
	}
	if s, err := strconv.Atoi(sizeStr); err == nil && s > 0 && s <= 100 {
		pageSize = s
	}
	return page, pageSize
}
