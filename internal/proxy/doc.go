// Package proxy connects the Fiber front end to the page cache: Handler turns
// a fiber.Ctx into a pagecache.Request and writes the pipeline's answer back,
// and Origin is the Generator that fetches uncached pages from the upstream.
package proxy
