package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/pageviews/models"
	"github.com/cppla/pageviews/tracking"
)

const (
	// ContextViewObjectKey holds the object a handler rendered.
	ContextViewObjectKey = "pageviews.view_object"
	// ContextModelTypeKey holds the registered model type a route displays.
	ContextModelTypeKey = "pageviews.model_type"
	// ContextDescriptorKey holds the listing/accessor descriptor for the view.
	ContextDescriptorKey = "pageviews.descriptor"
)

// Tracker is the part of tracking.Tracker the recorder uses.
type Tracker interface {
	Track(ctx context.Context, rc models.RequestContext, desc *tracking.ViewDescriptor) (tracking.Outcome, error)
}

// RecorderOptions configure PageViewRecorder.
type RecorderOptions struct {
	SessionCookie string
	// Timeout bounds resolution plus recording of one view.
	Timeout time.Duration
	Logger  *zap.Logger
}

// PageViewRecorder tracks the request after the handler ran. Only GET
// requests answered with 200 are considered; failures are logged and never
// alter the response.
func PageViewRecorder(tracker Tracker, opts RecorderOptions) gin.HandlerFunc {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return func(c *gin.Context) {
		c.Next()

		if c.Request.Method != http.MethodGet || c.Writer.Status() != http.StatusOK {
			return
		}

		rc := RequestContextFrom(c, opts.SessionCookie)
		desc, _ := c.Get(ContextDescriptorKey)
		d, _ := desc.(*tracking.ViewDescriptor)

		// The client may already be gone; the view still counts.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), opts.Timeout)
		defer cancel()
		if _, err := tracker.Track(ctx, rc, d); err != nil {
			opts.Logger.Warn("page view tracking failed", zap.String("path", rc.Path), zap.Error(err))
		}
	}
}

// RequestContextFrom builds the tracker input from a gin request.
func RequestContextFrom(c *gin.Context, sessionCookie string) models.RequestContext {
	rc := models.RequestContext{
		Path:      c.Request.URL.Path,
		RouteName: c.FullPath(),
		ClientIP:  EffectiveClientIP(c),
		UserAgent: c.Request.UserAgent(),
		AJAX:      strings.EqualFold(c.GetHeader("X-Requested-With"), "XMLHttpRequest"),
	}
	if sessionCookie != "" {
		if v, err := c.Cookie(sessionCookie); err == nil {
			rc.SessionKey = v
		}
	}
	if v, ok := c.Get(ContextViewObjectKey); ok {
		rc.ViewObject, _ = v.(models.Trackable)
	}
	rc.ModelType = c.GetString(ContextModelTypeKey)
	if len(c.Params) > 0 {
		rc.URLParams = make(map[string]string, len(c.Params))
		for _, p := range c.Params {
			rc.URLParams[p.Key] = p.Value
		}
	}
	return rc
}

// TrackObject attributes the current view to obj.
func TrackObject(c *gin.Context, obj models.Trackable) {
	c.Set(ContextViewObjectKey, obj)
}

// TrackModel declares the model type whose pk/id/slug route params identify
// the viewed record.
func TrackModel(c *gin.Context, modelType string) {
	c.Set(ContextModelTypeKey, modelType)
}

// TrackListing attributes a list view to its first item.
func TrackListing(c *gin.Context, items []models.Trackable) {
	descriptor(c).Listing = items
}

// TrackAccessor defers attribution to fn, called after the handler finished.
func TrackAccessor(c *gin.Context, fn tracking.Accessor) {
	descriptor(c).Accessor = fn
}

func descriptor(c *gin.Context) *tracking.ViewDescriptor {
	if v, ok := c.Get(ContextDescriptorKey); ok {
		if d, ok := v.(*tracking.ViewDescriptor); ok {
			return d
		}
	}
	d := &tracking.ViewDescriptor{}
	c.Set(ContextDescriptorKey, d)
	return d
}
