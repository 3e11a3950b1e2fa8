package models

// RequestContext is the already-parsed request a host integration hands to the
// tracker.
type RequestContext struct {
	Path       string
	RouteName  string
	ClientIP   string
	UserAgent  string
	SessionKey string
	// AJAX marks XHR-style requests (X-Requested-With: XMLHttpRequest).
	AJAX bool
	// ViewObject is an object the handler already loaded, if any.
	ViewObject Trackable
	// ModelType names the registered model the route displays.
	ModelType string
	URLParams map[string]string
}
