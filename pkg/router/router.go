// Package router dispatches gemini requests to handlers by path.
package router

import (
	"fmt"
	"regexp"
	"strings"

	"rocketcaster/pkg/auth"
	"rocketcaster/pkg/gemini"

	"go.uber.org/zap"
)

type route struct {
	pattern *regexp.Regexp
	tier    auth.Tier
	handler gemini.Handler
}

// Router matches request paths against routes in registration order. The
// first match wins; an unmatched path gets 51.
type Router struct {
	routes []route
	auth   *auth.Middleware
	logger *zap.Logger
}

func New(middleware *auth.Middleware, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		auth:   middleware,
		logger: logger,
	}
}

// Handle registers handler for paths matching pattern. The pattern is a
// regular expression anchored at both ends; its named groups are exposed
// through Request.Param. The tier guard is applied here, once.
func (rt *Router) Handle(pattern string, tier auth.Tier, handler gemini.Handler) {
	re, err := compile(pattern)
	if err != nil {
		panic(fmt.Sprintf("router: invalid pattern %q: %v", pattern, err))
	}

	if tier != auth.Anonymous {
		if rt.auth == nil {
			panic(fmt.Sprintf("router: route %q needs tier %s but no auth middleware is set", pattern, tier))
		}
		handler = rt.auth.Wrap(tier, handler)
	}

	rt.routes = append(rt.routes, route{
		pattern: re,
		tier:    tier,
		handler: handler,
	})
}

func (rt *Router) HandleFunc(pattern string, tier auth.Tier, fn func(w gemini.ResponseWriter, r *gemini.Request)) {
	rt.Handle(pattern, tier, gemini.HandlerFunc(fn))
}

func compile(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern += "$"
	}
	return regexp.Compile(pattern)
}

func (rt *Router) ServeGemini(w gemini.ResponseWriter, r *gemini.Request) {
	path := r.URL.Path

	for _, rte := range rt.routes {
		match := rte.pattern.FindStringSubmatch(path)
		if match == nil {
			continue
		}

		params := make(map[string]string, len(match))
		for i, name := range rte.pattern.SubexpNames() {
			if i > 0 && name != "" {
				params[name] = match[i]
			}
		}

		rt.logger.Debug("Route matched",
			zap.String("request_id", r.ID),
			zap.String("path", path),
			zap.String("pattern", rte.pattern.String()),
			zap.Stringer("tier", rte.tier))

		routed := *r
		routed.Params = params
		rte.handler.ServeGemini(w, &routed)
		return
	}

	gemini.NotFound(w, "Not found")
}

// Routes lists registered patterns in match order.
func (rt *Router) Routes() []string {
	patterns := make([]string, len(rt.routes))
	for i, rte := range rt.routes {
		patterns[i] = rte.pattern.String()
	}
	return patterns
}
