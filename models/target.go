package models

import "strings"

// TargetKind tags what a view counts toward.
type TargetKind string

const (
	KindURL    TargetKind = "url"
	KindRoute  TargetKind = "route"
	KindEntity TargetKind = "entity"
)

// EntityRef is a weak reference to a tracked record. The referenced record may
// no longer exist; counts keyed by it stay valid.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// IsZero reports whether the reference is empty.
func (r EntityRef) IsZero() bool {
	return r.Type == "" || r.ID == ""
}

func (r EntityRef) String() string {
	return r.Type + ":" + r.ID
}

// Trackable is implemented by any record whose views are attributed to it.
type Trackable interface {
	TrackingRef() EntityRef
	DisplayLabel() string
}

// Target identifies one attribution target for queries.
type Target struct {
	Kind      TargetKind `json:"kind"`
	Path      string     `json:"path,omitempty"`
	RouteName string     `json:"route_name,omitempty"`
	Entity    EntityRef  `json:"entity,omitempty"`
}

// URLTarget targets a request path.
func URLTarget(path string) Target {
	return Target{Kind: KindURL, Path: path}
}

// RouteTarget targets a named route.
func RouteTarget(name string) Target {
	return Target{Kind: KindRoute, RouteName: name}
}

// EntityTarget targets one tracked record.
func EntityTarget(entityType, id string) Target {
	return Target{Kind: KindEntity, Entity: EntityRef{Type: entityType, ID: id}}
}

// Key returns a stable identity string, also used as the final tie-breaker
// when ranking.
func (t Target) Key() string {
	switch t.Kind {
	case KindURL:
		return "url:" + t.Path
	case KindRoute:
		return "route:" + t.RouteName
	case KindEntity:
		return "entity:" + t.Entity.String()
	}
	return ""
}

// Valid reports whether the variant carries the field its kind needs.
func (t Target) Valid() bool {
	switch t.Kind {
	case KindURL:
		return t.Path != ""
	case KindRoute:
		return t.RouteName != ""
	case KindEntity:
		return !t.Entity.IsZero()
	}
	return false
}

// Clamped cuts the target's fields to the column sizes events are stored
// with, so a target built from an oversized path still matches its rows.
func (t Target) Clamped() Target {
	t.Path = clampRunes(t.Path, MaxPathLength)
	t.RouteName = clampRunes(t.RouteName, MaxRouteNameLength)
	t.Entity.Type = clampRunes(t.Entity.Type, MaxEntityTypeLength)
	t.Entity.ID = clampRunes(t.Entity.ID, MaxShortFieldLength)
	return t
}

// Attribution is what the resolver decided a request is a view of.
type Attribution struct {
	Path      string
	RouteName string
	Entity    *EntityRef
}

// Key is the throttle identity of the viewed thing.
func (a Attribution) Key() string {
	if a.Entity != nil && !a.Entity.IsZero() {
		return "entity:" + a.Entity.String()
	}
	var b strings.Builder
	if a.RouteName != "" {
		b.WriteString("route:")
		b.WriteString(a.RouteName)
		b.WriteString("|")
	}
	b.WriteString("url:")
	b.WriteString(a.Path)
	return b.String()
}

// Empty reports whether nothing at all was attributed.
func (a Attribution) Empty() bool {
	return a.Path == "" && a.RouteName == "" && (a.Entity == nil || a.Entity.IsZero())
}
