// Package pagecache implements the request-time page cache pipeline. A request
// flows through an ordered chain of stages: eligibility, preload marker
// detection, key derivation and lookup. A hit short-circuits the chain; a miss
// reaches the origin generator, after which the response is checked for
// cacheability, described by sanitized metadata and written under an exclusive
// per-key lock. Lookup failures fall through to the origin and write failures
// are only logged, so the caller always receives the origin response.
package pagecache
