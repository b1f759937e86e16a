// Package server hosts the Fiber HTTP service that fronts the page cache.
// It owns the request-id and host-matching middleware, the shared upstream
// http.Client, and the listen/shutdown lifecycle. Page handling itself is
// injected as a PageHandler so the proxy package can stay independent of
// Fiber wiring, and admin surfaces live under the /-/ prefix in routes.
package server
