// Package crawler defines the types and contracts shared by the forum crawl
// core: frontier entries, post records, the browser surface driven by the
// challenge controller, and the error kinds the orchestrator acts on.
package crawler
