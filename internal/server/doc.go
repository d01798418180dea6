// Package server hosts the Fiber HTTP service that fronts the article cache.
// It owns the middleware chain (panic recovery, request IDs), the site
// registry that decides which upstream hosts may be cached, and the router
// that turns "/<host>/<path>" requests into upstream URLs before handing them
// to a ProxyHandler. Diagnostics under "/-/" bypass site resolution.
package server
