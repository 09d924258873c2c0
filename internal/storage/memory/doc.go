// Package memory provides in-process implementations of the frontier, post,
// and blob stores for development, tests, and single-process runs.
package memory
