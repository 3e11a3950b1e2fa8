package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/pageviews/config"
	"github.com/cppla/pageviews/controllers"
	"github.com/cppla/pageviews/metrics"
	"github.com/cppla/pageviews/middleware"
	"github.com/cppla/pageviews/reports"
	"github.com/cppla/pageviews/utils"
)

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Config    config.AppConfig
	DB        *gorm.DB
	Tracker   middleware.Tracker
	Facade    *reports.Facade
	Retention controllers.Retention
	Cache     *utils.ResponseCache
	Metrics   *metrics.Metrics
	Clock     quartz.Clock
	// AccessLog overrides the rolling gin access log, mainly for tests.
	AccessLog *zap.Logger
}

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(d Deps) *gin.Engine {
	cfg := d.Config
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	gl := d.AccessLog
	if gl == nil {
		var err error
		gl, err = utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
		if err != nil {
			utils.Sugar.Warnf("gin access log unavailable, using app logger: %v", err)
			gl = utils.Logger
		}
	}
	r.Use(utils.Ginzap(gl, time.RFC3339, true))
	r.Use(utils.RecoveryWithZap(gl, false))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	// Record page views after each request
	r.Use(middleware.PageViewRecorder(d.Tracker, middleware.RecorderOptions{
		SessionCookie: cfg.PageView.SessionCookie,
		Timeout:       cfg.PageView.StoreTimeout(),
		Logger:        utils.Logger,
	}))

	r.GET("/health", func(ctx *gin.Context) {
		utils.Success(ctx, gin.H{"status": "ok"})
	})
	var observer controllers.RetentionObserver
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
		observer = d.Metrics
	}

	postController := controllers.NewPostController(d.DB, d.Facade)
	statsController := controllers.NewStatsController(d.Facade, d.Retention, d.Cache, observer, d.Clock)

	r.GET("/posts", postController.ListPosts)
	r.GET("/posts/:id", postController.GetPost)
	r.GET("/p/:slug", postController.GetPostBySlug)

	api := r.Group("/api/v1")
	stats := api.Group("/stats")
	stats.Use(middleware.RateLimitMiddleware(middleware.NewIPRateLimiter(cfg.RateLimitPerMinute)))
	stats.GET("/popular/urls", statsController.PopularURLs)
	stats.GET("/popular/routes", statsController.PopularRoutes)
	stats.GET("/popular/objects/:type", statsController.PopularObjects)
	stats.GET("/objects/:type", statsController.ObjectCounts)
	stats.GET("/objects/:type/:id", statsController.ObjectStats)
	stats.GET("/url", statsController.URLStats)

	admin := api.Group("/admin")
	admin.Use(middleware.AdminRequired(cfg.JWTSecret))
	admin.POST("/pageviews/cleanup", statsController.Cleanup)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Error(ctx, http.StatusNotFound, utils.CodeNotFound, "route not found")
	})

	return r
}
