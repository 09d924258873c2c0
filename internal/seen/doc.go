// Package seen holds SeenCache backends that keep the orchestrator from
// re-offering links the frontier has already accepted.
package seen
