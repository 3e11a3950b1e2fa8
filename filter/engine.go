package filter

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/pageviews/config"
	"github.com/cppla/pageviews/models"
)

// Reason explains a counting decision.
type Reason string

const (
	ReasonCounted      Reason = "counted"
	ReasonExcludedPath Reason = "excluded_path"
	ReasonExcludedIP   Reason = "excluded_ip"
	ReasonAdmin        Reason = "admin"
	ReasonAJAX         Reason = "ajax"
	ReasonBot          Reason = "bot"
	ReasonThrottled    Reason = "throttled"
	ReasonUnattributed Reason = "unattributed"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Count  bool
	Reason Reason
}

// ThrottleStore remembers when a throttle key last counted.
type ThrottleStore interface {
	// Allow atomically checks whether key counted within window before now
	// and, if not, records now as its last counted view.
	Allow(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error)
}

// Options are the static exclusion rules.
type Options struct {
	ExcludePaths   []string
	ExcludeIPs     []string
	ExcludeAdmin   bool
	AdminPrefix    string
	ExcludeAJAX    bool
	BotPatterns    []string
	ThrottleWindow time.Duration
}

// OptionsFromConfig maps the page view config onto engine options.
func OptionsFromConfig(pv config.PageViewConfig) Options {
	return Options{
		ExcludePaths:   pv.ExcludePaths,
		ExcludeIPs:     pv.ExcludeIPs,
		ExcludeAdmin:   pv.ExcludeAdmin,
		AdminPrefix:    pv.AdminPrefix,
		ExcludeAJAX:    pv.ExcludeAJAX,
		BotPatterns:    pv.BotPatterns,
		ThrottleWindow: pv.ThrottleWindow(),
	}
}

// Engine decides whether a request counts as a view.
type Engine struct {
	opts     Options
	ips      map[string]struct{}
	bots     []string
	throttle ThrottleStore
	logger   *zap.Logger
}

func NewEngine(opts Options, throttle ThrottleStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	ips := make(map[string]struct{}, len(opts.ExcludeIPs))
	for _, ip := range opts.ExcludeIPs {
		ips[ip] = struct{}{}
	}
	bots := make([]string, 0, len(opts.BotPatterns))
	for _, p := range opts.BotPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			bots = append(bots, p)
		}
	}
	if opts.AdminPrefix == "" {
		opts.AdminPrefix = "/admin/"
	}
	return &Engine{opts: opts, ips: ips, bots: bots, throttle: throttle, logger: logger}
}

// ShouldCount reports whether the request counts as a view.
func (e *Engine) ShouldCount(ctx context.Context, rc models.RequestContext, attr models.Attribution, now time.Time) bool {
	return e.Evaluate(ctx, rc, attr, now).Count
}

// Evaluate runs the checks in order and stops at the first rejection. The
// throttle check records the view as a side effect when it passes.
func (e *Engine) Evaluate(ctx context.Context, rc models.RequestContext, attr models.Attribution, now time.Time) Decision {
	if attr.Empty() {
		return Decision{Reason: ReasonUnattributed}
	}
	for _, prefix := range e.opts.ExcludePaths {
		if prefix != "" && strings.HasPrefix(rc.Path, prefix) {
			return Decision{Reason: ReasonExcludedPath}
		}
	}
	if _, ok := e.ips[rc.ClientIP]; ok && rc.ClientIP != "" {
		return Decision{Reason: ReasonExcludedIP}
	}
	if e.opts.ExcludeAdmin && strings.HasPrefix(rc.Path, e.opts.AdminPrefix) {
		return Decision{Reason: ReasonAdmin}
	}
	if e.opts.ExcludeAJAX && rc.AJAX {
		return Decision{Reason: ReasonAJAX}
	}
	if e.IsBot(rc.UserAgent) {
		return Decision{Reason: ReasonBot}
	}
	if e.throttle == nil || e.opts.ThrottleWindow <= 0 {
		return Decision{Count: true, Reason: ReasonCounted}
	}

	key := ThrottleKey(attr, rc)
	ok, err := e.throttle.Allow(ctx, key, now, e.opts.ThrottleWindow)
	if err != nil {
		// throttle state unavailable: count the view
		e.logger.Warn("throttle store unavailable, counting view",
			zap.String("key", key), zap.Error(err))
		return Decision{Count: true, Reason: ReasonCounted}
	}
	if !ok {
		return Decision{Reason: ReasonThrottled}
	}
	return Decision{Count: true, Reason: ReasonCounted}
}

// IsBot reports whether ua contains a bot pattern, ignoring case.
func (e *Engine) IsBot(ua string) bool {
	if ua == "" || len(e.bots) == 0 {
		return false
	}
	lower := strings.ToLower(ua)
	for _, p := range e.bots {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ThrottleKey identifies one visitor viewing one thing: the attribution
// key plus the session key, or the client IP when there is no session.
func ThrottleKey(attr models.Attribution, rc models.RequestContext) string {
	if rc.SessionKey != "" {
		return attr.Key() + "|session:" + rc.SessionKey
	}
	return attr.Key() + "|ip:" + rc.ClientIP
}
