package models

import (
	"strconv"
	"time"
)

// PostModelType is the registry name for posts.
const PostModelType = "post"

// Post is a published article whose views are tracked.
type Post struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Slug      string    `gorm:"size:191;uniqueIndex" json:"slug"`
	Title     string    `gorm:"size:255;not null" json:"title"`
	Category  string    `gorm:"size:32;index" json:"category"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TrackingRef implements Trackable.
func (p Post) TrackingRef() EntityRef {
	return EntityRef{Type: PostModelType, ID: strconv.FormatUint(uint64(p.ID), 10)}
}

// DisplayLabel implements Trackable.
func (p Post) DisplayLabel() string {
	return p.Title
}
