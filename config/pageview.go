package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// IP storage policies.
const (
	IPPolicyNone     = "none"
	IPPolicyTruncate = "truncate"
	IPPolicyHash     = "hash"
)

// Async processing modes.
const (
	AsyncAuto = "auto"
	AsyncOn   = "true"
	AsyncOff  = "false"
)

// DefaultBotPatterns are matched case-insensitively against the User-Agent.
var DefaultBotPatterns = []string{"bot", "crawl", "spider", "slurp", "search", "fetch", "scan"}

// PageViewConfig holds the tracking, buffering and retention options.
type PageViewConfig struct {
	ThrottleSeconds      int
	AsyncProcessing      string
	BatchSize            int
	BufferTimeoutSeconds int
	FlushIntervalSeconds int
	StaleBufferHours     int
	BotPatterns          []string
	ExcludeAdmin         bool
	AdminPrefix          string
	ExcludeAJAX          bool
	ExcludePaths         []string
	ExcludeIPs           []string
	IPPolicy             string
	IPHashKey            string
	SessionCookie        string
	ThrottleCacheSize    int
	RetentionDays        int
	RetentionKeepUnique  bool
	RetentionSchedule    string
	StoreTimeoutSeconds  int
	// RetentionTimeoutSeconds bounds the scans retention runs over the whole
	// table, which take far longer than a request-time query.
	RetentionTimeoutSeconds int
	CacheTimeoutSeconds     int
	ShutdownTimeoutSeconds  int
	// Location names the time zone used for daily buckets.
	Location string
}

func loadPageViewJSON(m map[string]any, pv *PageViewConfig) {
	if v := getInt(m, "ThrottleSeconds"); v != 0 {
		pv.ThrottleSeconds = v
	}
	switch v := m["AsyncProcessing"].(type) {
	case bool:
		if v {
			pv.AsyncProcessing = AsyncOn
		} else {
			pv.AsyncProcessing = AsyncOff
		}
	case string:
		pv.AsyncProcessing = strings.ToLower(v)
	}
	if v := getInt(m, "BatchSize"); v != 0 {
		pv.BatchSize = v
	}
	if v := getInt(m, "BufferTimeoutSeconds"); v != 0 {
		pv.BufferTimeoutSeconds = v
	}
	if v := getInt(m, "FlushIntervalSeconds"); v != 0 {
		pv.FlushIntervalSeconds = v
	}
	if v := getInt(m, "StaleBufferHours"); v != 0 {
		pv.StaleBufferHours = v
	}
	if list := getStringSlice(m, "BotPatterns"); len(list) > 0 {
		pv.BotPatterns = list
	}
	if b, ok := m["ExcludeAdmin"].(bool); ok {
		pv.ExcludeAdmin = b
	}
	if v := getString(m, "AdminPrefix"); v != "" {
		pv.AdminPrefix = v
	}
	if b, ok := m["ExcludeAJAX"].(bool); ok {
		pv.ExcludeAJAX = b
	}
	if list := getStringSlice(m, "ExcludePaths"); list != nil {
		pv.ExcludePaths = list
	}
	if list := getStringSlice(m, "ExcludeIPs"); list != nil {
		pv.ExcludeIPs = list
	}
	if v := getString(m, "IPPolicy"); v != "" {
		pv.IPPolicy = strings.ToLower(v)
	}
	pv.IPHashKey = getString(m, "IPHashKey")
	if v := getString(m, "SessionCookie"); v != "" {
		pv.SessionCookie = v
	}
	if v := getInt(m, "ThrottleCacheSize"); v != 0 {
		pv.ThrottleCacheSize = v
	}
	if v := getInt(m, "RetentionDays"); v != 0 {
		pv.RetentionDays = v
	}
	pv.RetentionKeepUnique = getBool(m, "RetentionKeepUnique")
	if v := getString(m, "RetentionSchedule"); v != "" {
		pv.RetentionSchedule = v
	}
	if v := getInt(m, "StoreTimeoutSeconds"); v != 0 {
		pv.StoreTimeoutSeconds = v
	}
	if v := getInt(m, "RetentionTimeoutSeconds"); v != 0 {
		pv.RetentionTimeoutSeconds = v
	}
	if v := getInt(m, "CacheTimeoutSeconds"); v != 0 {
		pv.CacheTimeoutSeconds = v
	}
	if v := getInt(m, "ShutdownTimeoutSeconds"); v != 0 {
		pv.ShutdownTimeoutSeconds = v
	}
	if v := getString(m, "Location"); v != "" {
		pv.Location = v
	}
}

func applyPageViewDefaults(pv *PageViewConfig) {
	if pv.ThrottleSeconds == 0 {
		pv.ThrottleSeconds = 20
	}
	if pv.AsyncProcessing == "" {
		pv.AsyncProcessing = AsyncAuto
	}
	if pv.BatchSize == 0 {
		pv.BatchSize = 100
	}
	if pv.BufferTimeoutSeconds == 0 {
		pv.BufferTimeoutSeconds = 300
	}
	if pv.FlushIntervalSeconds == 0 {
		pv.FlushIntervalSeconds = 10
	}
	if pv.StaleBufferHours == 0 {
		pv.StaleBufferHours = 24
	}
	if len(pv.BotPatterns) == 0 {
		pv.BotPatterns = append([]string(nil), DefaultBotPatterns...)
	}
	if pv.AdminPrefix == "" {
		pv.AdminPrefix = "/admin/"
	}
	if pv.ExcludePaths == nil {
		pv.ExcludePaths = []string{"/static/", "/media/"}
	}
	if pv.IPPolicy == "" {
		pv.IPPolicy = IPPolicyNone
	}
	if pv.SessionCookie == "" {
		pv.SessionCookie = "sessionid"
	}
	if pv.ThrottleCacheSize == 0 {
		pv.ThrottleCacheSize = 100000
	}
	if pv.RetentionSchedule == "" {
		pv.RetentionSchedule = "@daily"
	}
	if pv.StoreTimeoutSeconds == 0 {
		pv.StoreTimeoutSeconds = 2
	}
	if pv.RetentionTimeoutSeconds == 0 {
		pv.RetentionTimeoutSeconds = 600
	}
	if pv.CacheTimeoutSeconds == 0 {
		pv.CacheTimeoutSeconds = 2
	}
	if pv.ShutdownTimeoutSeconds == 0 {
		pv.ShutdownTimeoutSeconds = 10
	}
	if pv.Location == "" {
		pv.Location = "UTC"
	}
}

func applyPageViewEnv(pv *PageViewConfig) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"PAGEVIEW_THROTTLE_SECONDS", &pv.ThrottleSeconds},
		{"PAGEVIEW_BATCH_SIZE", &pv.BatchSize},
		{"PAGEVIEW_BUFFER_TIMEOUT", &pv.BufferTimeoutSeconds},
		{"PAGEVIEW_FLUSH_INTERVAL", &pv.FlushIntervalSeconds},
		{"PAGEVIEW_STALE_BUFFER_HOURS", &pv.StaleBufferHours},
		{"PAGEVIEW_THROTTLE_CACHE_SIZE", &pv.ThrottleCacheSize},
		{"PAGEVIEW_RETENTION_DAYS", &pv.RetentionDays},
		{"PAGEVIEW_STORE_TIMEOUT", &pv.StoreTimeoutSeconds},
		{"PAGEVIEW_RETENTION_TIMEOUT", &pv.RetentionTimeoutSeconds},
		{"PAGEVIEW_CACHE_TIMEOUT", &pv.CacheTimeoutSeconds},
		{"PAGEVIEW_SHUTDOWN_TIMEOUT", &pv.ShutdownTimeoutSeconds},
	}
	for _, it := range ints {
		if v := os.Getenv(it.key); v != "" {
			n, err := parseIntEnv(it.key, v)
			if err != nil {
				return err
			}
			*it.dst = n
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"PAGEVIEW_EXCLUDE_ADMIN", &pv.ExcludeAdmin},
		{"PAGEVIEW_EXCLUDE_AJAX", &pv.ExcludeAJAX},
		{"PAGEVIEW_RETENTION_KEEP_UNIQUE", &pv.RetentionKeepUnique},
	}
	for _, it := range bools {
		if v := os.Getenv(it.key); v != "" {
			b, err := parseBoolEnv(it.key, v)
			if err != nil {
				return err
			}
			*it.dst = b
		}
	}

	if v := os.Getenv("PAGEVIEW_ASYNC_PROCESSING"); v != "" {
		pv.AsyncProcessing = strings.ToLower(strings.TrimSpace(v))
	}
	pv.BotPatterns = readListEnv("PAGEVIEW_BOT_PATTERNS", pv.BotPatterns)
	pv.ExcludePaths = readListEnv("PAGEVIEW_EXCLUDE_PATHS", pv.ExcludePaths)
	pv.ExcludeIPs = readListEnv("PAGEVIEW_EXCLUDE_IP_ADDRESSES", pv.ExcludeIPs)
	if v := os.Getenv("PAGEVIEW_ADMIN_PREFIX"); v != "" {
		pv.AdminPrefix = v
	}
	if v := os.Getenv("PAGEVIEW_IP_POLICY"); v != "" {
		pv.IPPolicy = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("PAGEVIEW_IP_HASH_KEY"); v != "" {
		pv.IPHashKey = v
	}
	if v := os.Getenv("PAGEVIEW_SESSION_COOKIE"); v != "" {
		pv.SessionCookie = v
	}
	if v := os.Getenv("PAGEVIEW_RETENTION_SCHEDULE"); v != "" {
		pv.RetentionSchedule = v
	}
	if v := os.Getenv("PAGEVIEW_LOCATION"); v != "" {
		pv.Location = v
	}
	return nil
}

// Validate rejects option values that cannot work at runtime.
func (c AppConfig) Validate() error {
	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		return &ConfigError{Field: "DBDriver", Reason: "must be mysql or sqlite, got " + c.DBDriver}
	}
	if c.RateLimitPerMinute < 0 {
		return &ConfigError{Field: "RateLimitPerMinute", Reason: "must not be negative"}
	}
	return c.PageView.Validate()
}

// MaxRetentionDays bounds every retention cutoff, from config, the admin API
// or the cleanup command.
const MaxRetentionDays = 36500

// Validate rejects negative durations and sizes and unknown policies.
func (pv PageViewConfig) Validate() error {
	nonNegative := []struct {
		field string
		val   int
	}{
		{"ThrottleSeconds", pv.ThrottleSeconds},
		{"BatchSize", pv.BatchSize},
		{"BufferTimeoutSeconds", pv.BufferTimeoutSeconds},
		{"FlushIntervalSeconds", pv.FlushIntervalSeconds},
		{"StaleBufferHours", pv.StaleBufferHours},
		{"ThrottleCacheSize", pv.ThrottleCacheSize},
		{"RetentionDays", pv.RetentionDays},
		{"StoreTimeoutSeconds", pv.StoreTimeoutSeconds},
		{"RetentionTimeoutSeconds", pv.RetentionTimeoutSeconds},
		{"CacheTimeoutSeconds", pv.CacheTimeoutSeconds},
		{"ShutdownTimeoutSeconds", pv.ShutdownTimeoutSeconds},
	}
	for _, it := range nonNegative {
		if it.val < 0 {
			return &ConfigError{Field: it.field, Reason: "must not be negative"}
		}
	}
	switch pv.AsyncProcessing {
	case AsyncAuto, AsyncOn, AsyncOff:
	default:
		return &ConfigError{Field: "AsyncProcessing", Reason: "must be auto, true or false"}
	}
	switch pv.IPPolicy {
	case IPPolicyNone, IPPolicyTruncate:
	case IPPolicyHash:
		if pv.IPHashKey == "" {
			return &ConfigError{Field: "IPHashKey", Reason: "required when IPPolicy is hash"}
		}
	default:
		return &ConfigError{Field: "IPPolicy", Reason: "must be none, truncate or hash"}
	}
	if pv.RetentionDays > MaxRetentionDays {
		return &ConfigError{Field: "RetentionDays", Reason: fmt.Sprintf("must be at most %d", MaxRetentionDays)}
	}
	if pv.StaleBuffer() <= pv.BufferTimeout() {
		return &ConfigError{Field: "StaleBufferHours", Reason: "must exceed the buffer timeout"}
	}
	if _, err := time.LoadLocation(pv.Location); err != nil {
		return &ConfigError{Field: "Location", Reason: err.Error()}
	}
	return nil
}

func (pv PageViewConfig) ThrottleWindow() time.Duration {
	return time.Duration(pv.ThrottleSeconds) * time.Second
}

func (pv PageViewConfig) BufferTimeout() time.Duration {
	return time.Duration(pv.BufferTimeoutSeconds) * time.Second
}

func (pv PageViewConfig) FlushInterval() time.Duration {
	return time.Duration(pv.FlushIntervalSeconds) * time.Second
}

func (pv PageViewConfig) StaleBuffer() time.Duration {
	return time.Duration(pv.StaleBufferHours) * time.Hour
}

func (pv PageViewConfig) StoreTimeout() time.Duration {
	return time.Duration(pv.StoreTimeoutSeconds) * time.Second
}

func (pv PageViewConfig) RetentionTimeout() time.Duration {
	return time.Duration(pv.RetentionTimeoutSeconds) * time.Second
}

func (pv PageViewConfig) CacheTimeout() time.Duration {
	return time.Duration(pv.CacheTimeoutSeconds) * time.Second
}

func (pv PageViewConfig) ShutdownTimeout() time.Duration {
	return time.Duration(pv.ShutdownTimeoutSeconds) * time.Second
}

// TimeLocation returns the configured zone, falling back to UTC.
func (pv PageViewConfig) TimeLocation() *time.Location {
	loc, err := time.LoadLocation(pv.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

// UseAsync reports whether views go through the buffer. In auto mode the
// decision follows Redis reachability.
func (pv PageViewConfig) UseAsync(redisReachable bool) bool {
	switch pv.AsyncProcessing {
	case AsyncOn:
		return true
	case AsyncOff:
		return false
	default:
		return redisReachable
	}
}
