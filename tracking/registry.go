package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/cppla/pageviews/models"
)

// LookupKeys are the URL parameters tried, in order, to find the displayed record.
var LookupKeys = []string{"pk", "id", "slug"}

// Finder loads a trackable record of one model type.
type Finder interface {
	// Find returns ErrNotFound when no record matches value under key.
	Find(ctx context.Context, key, value string) (models.Trackable, error)
}

// FinderFunc adapts a plain function to Finder.
type FinderFunc func(ctx context.Context, key, value string) (models.Trackable, error)

func (f FinderFunc) Find(ctx context.Context, key, value string) (models.Trackable, error) {
	return f(ctx, key, value)
}

// Registry maps model type names to finders.
type Registry struct {
	mu      sync.RWMutex
	finders map[string]Finder
}

func NewRegistry() *Registry {
	return &Registry{finders: make(map[string]Finder)}
}

// Register binds modelType to f, replacing any previous finder.
func (r *Registry) Register(modelType string, f Finder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finders[modelType] = f
}

// Finder returns the finder for modelType.
func (r *Registry) Finder(modelType string) (Finder, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.finders[modelType]
	return f, ok
}

// Lookup finds one record by id, used to hydrate popularity rankings.
func (r *Registry) Lookup(ctx context.Context, ref models.EntityRef) (models.Trackable, error) {
	f, ok := r.Finder(ref.Type)
	if !ok {
		return nil, ErrNotFound
	}
	return f.Find(ctx, "pk", ref.ID)
}

// GormFinder loads T by primary key, id or slug column. T must implement
// models.Trackable with a value receiver.
type GormFinder[T models.Trackable] struct {
	db *gorm.DB
	// SlugColumn is empty when the model has no slug.
	SlugColumn string
}

func NewGormFinder[T models.Trackable](db *gorm.DB, slugColumn string) *GormFinder[T] {
	return &GormFinder[T]{db: db, SlugColumn: slugColumn}
}

func (g *GormFinder[T]) Find(ctx context.Context, key, value string) (models.Trackable, error) {
	var rec T
	q := g.db.WithContext(ctx)
	switch key {
	case "pk", "id":
		q = q.Where("id = ?", value)
	case "slug":
		if g.SlugColumn == "" {
			return nil, ErrNotFound
		}
		q = q.Where(fmt.Sprintf("%s = ?", g.SlugColumn), value)
	default:
		return nil, ErrNotFound
	}
	if err := q.Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}
