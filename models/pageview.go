package models

import (
	"errors"
	"time"
	"unicode/utf8"
)

var (
	// ErrEmptyAttribution is returned for an event with no path, route or entity.
	ErrEmptyAttribution = errors.New("page view has no path, route or entity")
	// ErrRejected marks a write the storage refused because of the row's data.
	// Retrying the same row cannot succeed.
	ErrRejected = errors.New("page view rejected by storage")
)

// Column sizes of ViewEvent, in characters. Path stays at 768 so its index
// fits MySQL's 3072 byte key limit under utf8mb4.
const (
	MaxPathLength       = 768
	MaxRouteNameLength  = 200
	MaxEntityTypeLength = 100
	MaxShortFieldLength = 64
)

// ViewEvent stores one counted page view. Rows are append-only and only
// removed by retention cleanup.
type ViewEvent struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp  time.Time `gorm:"index;index:idx_pv_entity_ts,priority:3;not null" json:"timestamp"`
	Path       string    `gorm:"size:768;index" json:"path"`
	RouteName  string    `gorm:"size:200;index" json:"route_name,omitempty"`
	EntityType string    `gorm:"size:100;index:idx_pv_entity_ts,priority:1" json:"entity_type,omitempty"`
	EntityID   string    `gorm:"size:64;index:idx_pv_entity_ts,priority:2" json:"entity_id,omitempty"`
	ClientIP   string    `gorm:"size:64" json:"client_ip,omitempty"`
	UserAgent  string    `gorm:"type:text" json:"user_agent,omitempty"`
	SessionKey string    `gorm:"size:64" json:"session_key,omitempty"`
}

// TableName keeps the table name stable across renames of the Go type.
func (ViewEvent) TableName() string {
	return "page_views"
}

// Entity returns the attributed entity, or nil for URL/route-only views.
func (e ViewEvent) Entity() *EntityRef {
	ref := EntityRef{Type: e.EntityType, ID: e.EntityID}
	if ref.IsZero() {
		return nil
	}
	return &ref
}

// Validate checks the attribution invariant.
func (e ViewEvent) Validate() error {
	if e.Path == "" && e.RouteName == "" && e.Entity() == nil {
		return ErrEmptyAttribution
	}
	return nil
}

// Clamped returns e with every sized column cut to fit, at a rune boundary.
func (e ViewEvent) Clamped() ViewEvent {
	e.Path = clampRunes(e.Path, MaxPathLength)
	e.RouteName = clampRunes(e.RouteName, MaxRouteNameLength)
	e.EntityType = clampRunes(e.EntityType, MaxEntityTypeLength)
	e.EntityID = clampRunes(e.EntityID, MaxShortFieldLength)
	e.ClientIP = clampRunes(e.ClientIP, MaxShortFieldLength)
	e.SessionKey = clampRunes(e.SessionKey, MaxShortFieldLength)
	return e
}

func clampRunes(s string, n int) string {
	if len(s) <= n || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// NewViewEvent builds an event from a resolved attribution and request data.
func NewViewEvent(a Attribution, rc RequestContext, at time.Time) ViewEvent {
	ev := ViewEvent{
		Timestamp:  at.UTC(),
		Path:       a.Path,
		RouteName:  a.RouteName,
		ClientIP:   rc.ClientIP,
		UserAgent:  rc.UserAgent,
		SessionKey: rc.SessionKey,
	}
	if a.Entity != nil && !a.Entity.IsZero() {
		ev.EntityType = a.Entity.Type
		ev.EntityID = a.Entity.ID
	}
	return ev.Clamped()
}

// BufferedView is a pending event held in the transient buffer.
type BufferedView struct {
	ID         string    `json:"id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Event      ViewEvent `json:"event"`
	// Attempts counts failed single-row writes made while storage was
	// accepting other rows.
	Attempts int `json:"attempts,omitempty"`
}

// PopularityEntry is one ranked target.
type PopularityEntry struct {
	Target Target `json:"target"`
	Views  int64  `json:"views"`
}

// DailyCount is the number of views on one calendar day.
type DailyCount struct {
	Date  time.Time `json:"date"`
	Views int64     `json:"views"`
}
