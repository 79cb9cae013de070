// Package xray maintains the access-control document consumed by the Xray
// proxy process.
//
// # Document
//
// The document is the proxy's JSON configuration file. Only the client list
// inside the first inbound is read or written here; stream settings,
// sniffing, outbounds and routing are seeded once from configuration and
// passed through opaquely on every rewrite, so operator edits to those
// sections survive.
//
// # Store
//
// Store serializes access across processes with an advisory lock file next
// to the document (<path>.lock): shared for reads, exclusive for
// read-modify-write. A language-level mutex is not enough because the API
// process and one-shot sweeps are separate processes writing the same file.
//
// Writes are atomic: the new content goes to a temporary file in the same
// directory which then replaces the target, so a concurrent reader observes
// either the fully-old or the fully-new document, never a torn one.
//
// # Invariants
//
// After any mutation or repair the client list holds at most one entry per
// identifier and at most one entry per non-empty email. Emails act as a
// human-readable secondary key; a new entry evicts an older entry carrying
// the same email.
//
// # Error model
//
// A missing or unparseable document reads as empty rather than failing:
// callers treat "empty" as "not yet initialized" and GetOrCreate seeds a
// working skeleton. Mutations are idempotent so interrupted sweeps can
// simply run again.
package xray
