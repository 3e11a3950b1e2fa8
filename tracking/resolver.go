package tracking

import (
	"context"
	"errors"
	"reflect"

	"github.com/cppla/pageviews/models"
)

// Accessor returns the record a handler displays. A nil record with a nil
// error means there is none.
type Accessor func(ctx context.Context, rc models.RequestContext) (models.Trackable, error)

// ViewDescriptor is what a handler declares about the page it renders.
type ViewDescriptor struct {
	Accessor  Accessor
	Listing   []models.Trackable
	ModelType string
}

// Resolver decides what a request is a view of.
type Resolver struct {
	registry *Registry
}

func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve always copies the path and route name from rc, then attaches an
// entity using the first source that yields one: the request's view object,
// the descriptor's accessor, the first listing item, then a registered model
// lookup by pk, id and slug. A missing record degrades to URL/route attribution.
func (r *Resolver) Resolve(ctx context.Context, rc models.RequestContext, desc *ViewDescriptor) (models.Attribution, error) {
	attr := models.Attribution{Path: rc.Path, RouteName: rc.RouteName}

	if ref, ok := refOf(rc.ViewObject); ok {
		attr.Entity = &ref
		return attr, nil
	}

	modelType := rc.ModelType
	if desc != nil {
		if desc.Accessor != nil {
			obj, err := desc.Accessor(ctx, rc)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return attr, &ResolutionLookupError{ModelType: modelTypeOr(desc.ModelType, "accessor"), Err: err}
			default:
				if ref, ok := refOf(obj); ok {
					attr.Entity = &ref
					return attr, nil
				}
			}
		}
		if len(desc.Listing) > 0 {
			if ref, ok := refOf(desc.Listing[0]); ok {
				attr.Entity = &ref
				return attr, nil
			}
		}
		if modelType == "" {
			modelType = desc.ModelType
		}
	}

	if modelType == "" {
		return attr, nil
	}
	finder, ok := r.registry.Finder(modelType)
	if !ok {
		return attr, nil
	}
	for _, key := range LookupKeys {
		value := rc.URLParams[key]
		if value == "" {
			continue
		}
		obj, err := finder.Find(ctx, key, value)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return attr, &ResolutionLookupError{ModelType: modelType, Key: key, Err: err}
		}
		if ref, ok := refOf(obj); ok {
			attr.Entity = &ref
			return attr, nil
		}
	}
	return attr, nil
}

// refOf treats a nil interface and a typed nil pointer alike.
func refOf(obj models.Trackable) (models.EntityRef, bool) {
	if obj == nil {
		return models.EntityRef{}, false
	}
	if v := reflect.ValueOf(obj); v.Kind() == reflect.Ptr && v.IsNil() {
		return models.EntityRef{}, false
	}
	ref := obj.TrackingRef()
	return ref, !ref.IsZero()
}

func modelTypeOr(modelType, fallback string) string {
	if modelType != "" {
		return modelType
	}
	return fallback
}
