// Package storage provides namespaced key/value persistence for the page
// cache, its metadata and the preload state. Values are serialized as JSON
// inside a small envelope carrying an optional expiry, so any structured value
// round-trips losslessly. Durable backends (file, leveldb, sqlite) survive
// process restarts; the memory backend serves tests and request-scoped
// memoization.
package storage
